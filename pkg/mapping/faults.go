package mapping

import (
	"math/rand/v2"
	"sync"

	"github.com/emergingrobotics/go-neuron/pkg/driver"
	"golang.org/x/sys/unix"
)

// FaultAttr controls when injected failures fire. Interval, probability and
// times combine the same way as a kernel fault attribute: every Interval-th
// call is a candidate, a candidate fails with Probability percent, and at
// most Times failures are produced (negative means unlimited).
type FaultAttr struct {
	Probability int   `yaml:"probability"`
	Interval    int   `yaml:"interval"`
	Times       int   `yaml:"times"`
	Seed        int64 `yaml:"seed"`
}

// Enabled reports whether the attribute can ever fire
func (a FaultAttr) Enabled() bool {
	return a.Probability > 0 && a.Times != 0
}

// FaultInjector wraps a Mapper and forces Map to fail with a
// resource-exhaustion error on demand.
type FaultInjector struct {
	inner Mapper

	mu       sync.Mutex
	attr     FaultAttr
	rng      *rand.Rand
	calls    int
	forced   int
	injected int
}

// NewFaultInjector decorates inner. A zero FaultAttr never fires on its own;
// FailNext still works.
func NewFaultInjector(inner Mapper, attr FaultAttr) *FaultInjector {
	seed := uint64(attr.Seed)
	return &FaultInjector{
		inner: inner,
		attr:  attr,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// FailNext makes the next n calls to Map fail
func (f *FaultInjector) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced += n
}

// Injected returns how many failures have been produced
func (f *FaultInjector) Injected() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.injected
}

func (f *FaultInjector) shouldFail() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.forced > 0 {
		f.forced--
		f.injected++
		return true
	}
	if !f.attr.Enabled() {
		return false
	}

	f.calls++
	if f.attr.Interval > 1 && f.calls%f.attr.Interval != 0 {
		return false
	}
	if f.attr.Probability < 100 && f.rng.IntN(100) >= f.attr.Probability {
		return false
	}
	if f.attr.Times > 0 {
		f.attr.Times--
	}
	f.injected++
	return true
}

// Map fails with ENOSPC when a fault fires, otherwise delegates
func (f *FaultInjector) Map(pa, length uint64, req Request) (*Mapping, error) {
	if f.shouldFail() {
		return nil, driver.StatusFromErrno(unix.ENOSPC, "injected mmap fault")
	}
	return f.inner.Map(pa, length, req)
}

// Advise delegates to the wrapped Mapper
func (f *FaultInjector) Advise(m *Mapping, flags Flags) error {
	return f.inner.Advise(m, flags)
}

// Unmap delegates to the wrapped Mapper
func (f *FaultInjector) Unmap(m *Mapping) error {
	return f.inner.Unmap(m)
}
