package nq

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts notification queue activity
type Metrics struct {
	ChunksAllocated  prometheus.Counter
	ChunksReleased   prometheus.Counter
	ChunksLeaked     prometheus.Gauge
	ConfiguredQueues *prometheus.GaugeVec
	RegisterPrograms *prometheus.CounterVec
	Mmaps            *prometheus.CounterVec
}

// NewMetrics creates the queue metrics and registers them with reg when it
// is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChunksAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "neuron",
			Subsystem: "nq",
			Name:      "chunks_allocated_total",
			Help:      "Host memory chunks allocated for notification queues.",
		}),
		ChunksReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "neuron",
			Subsystem: "nq",
			Name:      "chunks_released_total",
			Help:      "Host memory chunks returned to the pool.",
		}),
		ChunksLeaked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "neuron",
			Subsystem: "nq",
			Name:      "chunks_leaked",
			Help:      "Chunks detached from a destroyed queue that the pool failed to take back.",
		}),
		ConfiguredQueues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "neuron",
			Subsystem: "nq",
			Name:      "configured_queues",
			Help:      "Queues currently backed by a memory chunk.",
		}, []string{"type"}),
		RegisterPrograms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neuron",
			Subsystem: "nq",
			Name:      "register_programs_total",
			Help:      "Queue config register programming sequences by operation and result.",
		}, []string{"op", "result"}),
		Mmaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neuron",
			Subsystem: "nq",
			Name:      "mmaps_total",
			Help:      "Queue mapping attempts by result.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ChunksAllocated,
			m.ChunksReleased,
			m.ChunksLeaked,
			m.ConfiguredQueues,
			m.RegisterPrograms,
			m.Mmaps,
		)
	}
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
