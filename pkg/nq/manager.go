package nq

import (
	"errors"
	"fmt"
	"time"

	"github.com/emergingrobotics/go-neuron/pkg/addrmap"
	"github.com/emergingrobotics/go-neuron/pkg/driver"
	"github.com/emergingrobotics/go-neuron/pkg/mapping"
	"github.com/emergingrobotics/go-neuron/pkg/mempool"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// DrainDelay is how long destroy waits between clearing the config
// registers and releasing memory, so in-flight device writes land first.
const DrainDelay = time.Millisecond

// ErrChunkLeaked marks a destroy whose chunk could not be released
var ErrChunkLeaked = errors.New("notification queue chunk leaked")

// Config holds the collaborators of a Manager
type Config struct {
	Layout  driver.Layout
	Regs    driver.RegisterIO
	Pool    mempool.Pool
	Mapper  mapping.Mapper
	Metrics *Metrics
	Logger  logrus.FieldLogger
}

// Manager drives the lifecycle of notification queues: allocation,
// register programming, mapping and teardown. It takes no locks; the
// caller holds the device lock across every call.
type Manager struct {
	layout  driver.Layout
	amap    *addrmap.Map
	codec   *Codec
	regs    driver.RegisterIO
	pool    mempool.Pool
	mapper  mapping.Mapper
	metrics *Metrics
	log     logrus.FieldLogger
	sleep   func(time.Duration)
}

// NewManager creates a Manager
func NewManager(cfg Config) *Manager {
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Manager{
		layout:  cfg.Layout,
		amap:    addrmap.New(cfg.Layout),
		codec:   NewCodec(cfg.Layout),
		regs:    cfg.Regs,
		pool:    cfg.Pool,
		mapper:  cfg.Mapper,
		metrics: cfg.Metrics,
		log:     cfg.Logger.WithField("component", "nq"),
		sleep:   time.Sleep,
	}
}

// Codec returns the offset codec for the manager's layout
func (m *Manager) Codec() *Codec {
	return m.codec
}

// NewState creates an empty chunk table sized for the manager's layout
func (m *Manager) NewState() *State {
	return NewState(m.layout)
}

// slot validates the queue and returns its identity
func (m *Manager) slot(st *State, q Queue) (int, error) {
	if st == nil {
		return 0, driver.InvalidArgument("nil queue state")
	}
	id, err := q.ID(m.layout)
	if err != nil {
		return 0, err
	}
	if q.Core >= len(st.chunks) || id >= len(st.chunks[q.Core]) {
		return 0, driver.InvalidArgument("queue state does not cover %s", q)
	}
	return id, nil
}

// configRegs selects the register triplet of the queue's type. Trace and
// notify queues have one triplet per engine; event and error queues have
// one per core.
func (m *Manager) configRegs(q Queue) (addrmap.NotificationRegs, error) {
	switch q.Type {
	case TypeError:
		return m.amap.NotificationConfig(q.Core, addrmap.FamilyError, q.Engine)
	case TypeEvent:
		return m.amap.NotificationConfig(q.Core, addrmap.FamilyEvent, q.Engine)
	case TypeNotify:
		return m.amap.NotificationConfig(q.Core, addrmap.FamilyNotify, q.Engine)
	case TypeTrace:
		return m.amap.NotificationConfig(q.Core, addrmap.FamilyTrace, q.Engine)
	default:
		return addrmap.NotificationRegs{}, driver.NewError(driver.StatusUnsupportedOperation,
			fmt.Sprintf("queue type %d", int(q.Type)))
	}
}

// Init makes sure queue (core, engine, typ) has a chunk of memory and points
// the device at it. An existing chunk is reused; the registers are
// programmed on every call.
func (m *Manager) Init(st *State, core, engine int, typ Type, size uint32) error {
	q := Queue{Core: core, Engine: engine, Type: typ}
	id, err := m.slot(st, q)
	if err != nil {
		return err
	}
	if size == 0 {
		return driver.InvalidArgument("queue size cannot be zero")
	}
	regs, err := m.configRegs(q)
	if err != nil {
		return err
	}

	log := m.log.WithFields(logrus.Fields{"core": core, "engine": engine, "type": typ, "size": size})

	chunk := st.chunks[core][id]
	if chunk != nil && uint64(size) > chunk.Size {
		return driver.InvalidArgument("%s already backed by %d bytes, %d requested", q, chunk.Size, size)
	}
	if chunk == nil {
		chunk, err = m.pool.Alloc(uint64(size), mempool.LocationHost, core)
		if err != nil {
			log.WithError(err).Debug("queue chunk allocation failed")
			return err
		}
		st.chunks[core][id] = chunk
		m.metrics.ChunksAllocated.Inc()
		m.metrics.ConfiguredQueues.WithLabelValues(typ.String()).Inc()
		log.WithField("pa", fmt.Sprintf("%#x", chunk.PhysAddr)).Debug("allocated queue chunk")
	}

	queuePA := chunk.PhysAddr | m.layout.HostWindow
	low := uint32(queuePA & 0xffffffff)
	high := uint32(queuePA >> 32)

	err = m.program([]regWrite{
		{regs.AddrLow, low},
		{regs.AddrHigh, high},
		{regs.Size, size},
	})
	m.metrics.RegisterPrograms.WithLabelValues("init", result(err)).Inc()
	if err != nil {
		log.WithError(err).Warn("programming queue registers failed")
		return err
	}
	log.WithField("device_addr", fmt.Sprintf("%#x", queuePA)).Debug("queue configured")
	return nil
}

type regWrite struct {
	addr  driver.Addr
	value uint32
}

// program issues writes in order and stops at the first failure
func (m *Manager) program(writes []regWrite) error {
	for _, w := range writes {
		if err := m.regs.Write32(w.addr, w.value); err != nil {
			return fmt.Errorf("writing %s: %w", w.addr, err)
		}
	}
	return nil
}

// Destroy stops the device from using the queue and releases its memory.
// Destroying a queue that has no chunk is a no-op.
//
// Size is cleared before the address because the device treats a non-zero
// size with a stale address as a live target. Once the registers have been
// written the slot is always cleared: a failed clear write is reported but
// the drain and release still happen, and a chunk the pool refuses to take
// back is recorded in State.Leaked.
func (m *Manager) Destroy(st *State, core, engine int, typ Type) error {
	q := Queue{Core: core, Engine: engine, Type: typ}
	id, err := m.slot(st, q)
	if err != nil {
		return err
	}

	chunk := st.chunks[core][id]
	if chunk == nil {
		return nil
	}
	regs, err := m.configRegs(q)
	if err != nil {
		return err
	}

	log := m.log.WithFields(logrus.Fields{"core": core, "engine": engine, "type": typ})

	var errs error
	for _, addr := range []driver.Addr{regs.Size, regs.AddrLow, regs.AddrHigh} {
		if werr := m.regs.Write32(addr, 0); werr != nil {
			errs = multierr.Append(errs, fmt.Errorf("clearing %s: %w", addr, werr))
		}
	}
	m.metrics.RegisterPrograms.WithLabelValues("destroy", result(errs)).Inc()
	if errs != nil {
		log.WithError(errs).Warn("clearing queue registers failed")
	}

	m.sleep(DrainDelay)

	st.chunks[core][id] = nil
	m.metrics.ConfiguredQueues.WithLabelValues(typ.String()).Dec()

	if ferr := m.pool.Free(chunk); ferr != nil {
		st.leaked = append(st.leaked, LeakedChunk{Queue: q, Chunk: chunk, Err: ferr})
		m.metrics.ChunksLeaked.Inc()
		log.WithError(ferr).WithField("chunk", chunk.String()).Error("queue chunk leaked")
		errs = multierr.Append(errs, fmt.Errorf("%s: %w: %w", q, ErrChunkLeaked, ferr))
		return errs
	}
	m.metrics.ChunksReleased.Inc()
	log.Debug("queue destroyed")
	return errs
}

// DestroyAll destroys every queue of the device. It never stops early: each
// failure is logged and the combined error is returned for diagnostics.
func (m *Manager) DestroyAll(st *State) error {
	if st == nil {
		return driver.InvalidArgument("nil queue state")
	}
	var errs error
	for core := 0; core < m.layout.Cores; core++ {
		for engine := 0; engine < m.layout.Engines; engine++ {
			for t := 0; t < m.layout.QueueTypes; t++ {
				q := Queue{Core: core, Engine: engine, Type: Type(t)}
				if _, err := q.ID(m.layout); err != nil {
					// Identity past MaxQueuesPerCore: no slot can exist
					continue
				}
				if err := m.Destroy(st, core, engine, Type(t)); err != nil {
					m.log.WithError(err).WithField("queue", q.String()).Warn("teardown of queue failed, continuing")
					errs = multierr.Append(errs, err)
				}
			}
		}
	}
	return errs
}

// Mmap maps the memory of a configured queue. The mapping always covers the
// whole chunk and carries mapping.HardwareBacked.
func (m *Manager) Mmap(st *State, core, engine int, typ Type, req mapping.Request) (*mapping.Mapping, error) {
	q := Queue{Core: core, Engine: engine, Type: typ}
	id, err := m.slot(st, q)
	if err != nil {
		return nil, err
	}
	chunk := st.chunks[core][id]
	if chunk == nil {
		return nil, driver.InvalidArgument("%s is not configured", q)
	}
	if req.Length > m.codec.WindowSize() {
		return nil, driver.InvalidArgument("mapping of %d bytes exceeds queue window of %d", req.Length, m.codec.WindowSize())
	}

	mp, err := m.mapper.Map(chunk.PhysAddr, chunk.Size, req)
	if err != nil {
		m.metrics.Mmaps.WithLabelValues("error").Inc()
		return nil, err
	}
	if err := m.mapper.Advise(mp, mapping.HardwareBacked); err != nil {
		m.metrics.Mmaps.WithLabelValues("error").Inc()
		if uerr := m.mapper.Unmap(mp); uerr != nil {
			m.log.WithError(uerr).WithField("queue", q.String()).Warn("unmapping after failed advise")
		}
		return nil, err
	}
	m.metrics.Mmaps.WithLabelValues("ok").Inc()
	return mp, nil
}

// Unmap removes a mapping returned by Mmap
func (m *Manager) Unmap(mp *mapping.Mapping) error {
	return m.mapper.Unmap(mp)
}

// QueueInfo describes a configured queue
type QueueInfo struct {
	Queue      Queue
	ID         int
	Size       uint64
	PhysAddr   uint64
	DeviceAddr uint64
	Offset     uint64
}

// Queues lists the configured queues in core, engine, type order
func (m *Manager) Queues(st *State) []QueueInfo {
	var out []QueueInfo
	if st == nil {
		return out
	}
	for core := 0; core < m.layout.Cores; core++ {
		for engine := 0; engine < m.layout.Engines; engine++ {
			for t := 0; t < m.layout.QueueTypes; t++ {
				q := Queue{Core: core, Engine: engine, Type: Type(t)}
				id, err := m.slot(st, q)
				if err != nil {
					continue
				}
				c := st.chunks[core][id]
				if c == nil {
					continue
				}
				off, _ := m.codec.EncodeQueue(q)
				out = append(out, QueueInfo{
					Queue:      q,
					ID:         id,
					Size:       c.Size,
					PhysAddr:   c.PhysAddr,
					DeviceAddr: c.PhysAddr | m.layout.HostWindow,
					Offset:     off,
				})
			}
		}
	}
	return out
}
