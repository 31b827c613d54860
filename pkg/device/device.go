package device

import (
	"fmt"
	"io"
	"sync"

	"github.com/emergingrobotics/go-neuron/pkg/addrmap"
	"github.com/emergingrobotics/go-neuron/pkg/config"
	"github.com/emergingrobotics/go-neuron/pkg/driver"
	"github.com/emergingrobotics/go-neuron/pkg/mapping"
	"github.com/emergingrobotics/go-neuron/pkg/mempool"
	"github.com/emergingrobotics/go-neuron/pkg/nc"
	"github.com/emergingrobotics/go-neuron/pkg/nq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Options holds the collaborators of a Device
type Options struct {
	Path   string
	Layout driver.Layout
	Regs   driver.RegisterIO
	Pool   mempool.Pool
	Mapper mapping.Mapper
	// Faults, when set, decorates Mapper with mmap fault injection
	Faults *mapping.FaultAttr
	// Registerer receives the queue metrics; nil leaves them unregistered
	Registerer prometheus.Registerer
	Logger     logrus.FieldLogger
	// Closers are closed after the queues are torn down
	Closers []io.Closer
}

// Device represents an open neuron device. It owns the queue state and
// the lock that serializes every register and queue operation.
type Device struct {
	mu     sync.RWMutex
	closed bool

	path    string
	layout  driver.Layout
	nc      *nc.Accessor
	nq      *nq.Manager
	state   *nq.State
	faults  *mapping.FaultInjector
	closers []io.Closer
	log     logrus.FieldLogger
}

// New creates a device from injected collaborators
func New(opts Options) (*Device, error) {
	if err := opts.Layout.Validate(); err != nil {
		return nil, err
	}
	if opts.Regs == nil || opts.Pool == nil || opts.Mapper == nil {
		return nil, driver.InvalidArgument("device needs register I/O, pool and mapper")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	mapper := opts.Mapper
	var faults *mapping.FaultInjector
	if opts.Faults != nil {
		faults = mapping.NewFaultInjector(mapper, *opts.Faults)
		mapper = faults
	}

	mgr := nq.NewManager(nq.Config{
		Layout:  opts.Layout,
		Regs:    opts.Regs,
		Pool:    opts.Pool,
		Mapper:  mapper,
		Metrics: nq.NewMetrics(opts.Registerer),
		Logger:  opts.Logger,
	})

	return &Device{
		path:    opts.Path,
		layout:  opts.Layout,
		nc:      nc.New(opts.Regs, addrmap.New(opts.Layout), opts.Logger),
		nq:      mgr,
		state:   mgr.NewState(),
		faults:  faults,
		closers: opts.Closers,
		log:     opts.Logger.WithFields(logrus.Fields{"component": "device", "device": opts.Path}),
	}, nil
}

// Open maps the device described by cfg: its BARs for register access,
// host memory for queues and the physical memory device for mapping.
func Open(cfg *config.Config, reg prometheus.Registerer, log logrus.FieldLogger) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Device.Bar0 == "" || cfg.Device.Bar2 == "" {
		return nil, ErrNoBars
	}

	bar0, err := driver.OpenBar(cfg.Device.Bar0)
	if err != nil {
		return nil, fmt.Errorf("failed to map bar0: %w", err)
	}
	bar2, err := driver.OpenBar(cfg.Device.Bar2)
	if err != nil {
		bar0.Close()
		return nil, fmt.Errorf("failed to map bar2: %w", err)
	}
	regs := driver.NewBarIO(map[driver.Bar]*driver.BarFile{driver.Bar0: bar0, driver.Bar2: bar2})

	devmem, err := mapping.OpenDevMem(cfg.Device.PhysMem, log)
	if err != nil {
		regs.Close()
		return nil, fmt.Errorf("failed to open physical memory: %w", err)
	}

	var faults *mapping.FaultAttr
	if cfg.Faults.Enabled() {
		faults = &cfg.Faults
	}

	dev, err := New(Options{
		Path:       cfg.Device.Path,
		Layout:     cfg.Layout,
		Regs:       regs,
		Pool:       mempool.NewHostPool(cfg.Mempool, log),
		Mapper:     devmem,
		Faults:     faults,
		Registerer: reg,
		Logger:     log,
		Closers:    []io.Closer{devmem, regs},
	})
	if err != nil {
		devmem.Close()
		regs.Close()
		return nil, err
	}
	return dev, nil
}

// OpenFirst opens the first available neuron device with default settings
func OpenFirst(reg prometheus.Registerer, log logrus.FieldLogger) (*Device, error) {
	devices, err := Scan()
	if err != nil {
		return nil, fmt.Errorf("failed to scan devices: %w", err)
	}

	if len(devices) == 0 {
		return nil, ErrNoDevices
	}

	return Open(devices[0].Config(), reg, log)
}

// Close tears down every queue and releases the device resources
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	if err := d.nq.DestroyAll(d.state); err != nil {
		d.log.WithError(err).Warn("queue teardown incomplete")
	}
	var errs error
	for _, c := range d.closers {
		errs = multierr.Append(errs, c.Close())
	}
	return errs
}

// Path returns the device path
func (d *Device) Path() string {
	return d.path
}

// Layout returns the device geometry
func (d *Device) Layout() driver.Layout {
	return d.layout
}

// Codec returns the queue offset codec
func (d *Device) Codec() *nq.Codec {
	return d.nq.Codec()
}

// FaultInjector returns the mmap fault injector, nil when disabled
func (d *Device) FaultInjector() *mapping.FaultInjector {
	return d.faults
}

func (d *Device) readLocked(fn func() error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDeviceClosed
	}
	return fn()
}

func (d *Device) writeLocked(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	return fn()
}

// SemaphoreRead returns the value of a semaphore
func (d *Device) SemaphoreRead(core, index int) (uint32, error) {
	var v uint32
	err := d.readLocked(func() (err error) {
		v, err = d.nc.SemaphoreRead(core, index)
		return err
	})
	return v, err
}

// SemaphoreSet sets a semaphore
func (d *Device) SemaphoreSet(core, index int, value uint32) error {
	return d.writeLocked(func() error { return d.nc.SemaphoreSet(core, index, value) })
}

// SemaphoreIncrement increments a semaphore by value
func (d *Device) SemaphoreIncrement(core, index int, value uint32) error {
	return d.writeLocked(func() error { return d.nc.SemaphoreIncrement(core, index, value) })
}

// SemaphoreDecrement decrements a semaphore by value
func (d *Device) SemaphoreDecrement(core, index int, value uint32) error {
	return d.writeLocked(func() error { return d.nc.SemaphoreDecrement(core, index, value) })
}

// EventGet returns the state of an event
func (d *Device) EventGet(core, index int) (uint32, error) {
	var v uint32
	err := d.readLocked(func() (err error) {
		v, err = d.nc.EventGet(core, index)
		return err
	})
	return v, err
}

// EventSet sets an event
func (d *Device) EventSet(core, index int, value uint32) error {
	return d.writeLocked(func() error { return d.nc.EventSet(core, index, value) })
}

// InitQueue configures a notification queue of size bytes
func (d *Device) InitQueue(core, engine int, typ nq.Type, size uint32) error {
	return d.writeLocked(func() error { return d.nq.Init(d.state, core, engine, typ, size) })
}

// DestroyQueue tears down a notification queue
func (d *Device) DestroyQueue(core, engine int, typ nq.Type) error {
	return d.writeLocked(func() error { return d.nq.Destroy(d.state, core, engine, typ) })
}

// DestroyAllQueues tears down every notification queue
func (d *Device) DestroyAllQueues() error {
	return d.writeLocked(func() error { return d.nq.DestroyAll(d.state) })
}

// MmapQueue maps the memory of a configured queue
func (d *Device) MmapQueue(core, engine int, typ nq.Type, req mapping.Request) (*mapping.Mapping, error) {
	var mp *mapping.Mapping
	err := d.readLocked(func() (err error) {
		mp, err = d.nq.Mmap(d.state, core, engine, typ, req)
		return err
	})
	return mp, err
}

// MapQueueAt resolves a device file offset to its queue, configures the
// queue with size bytes if needed and maps it.
func (d *Device) MapQueueAt(offset uint64, size uint32, req mapping.Request) (nq.Queue, *mapping.Mapping, error) {
	var (
		q  nq.Queue
		mp *mapping.Mapping
	)
	err := d.writeLocked(func() error {
		var err error
		q, err = d.nq.Codec().Decode(offset)
		if err != nil {
			return err
		}
		if err := d.nq.Init(d.state, q.Core, q.Engine, q.Type, size); err != nil {
			return err
		}
		req.Offset = offset
		mp, err = d.nq.Mmap(d.state, q.Core, q.Engine, q.Type, req)
		return err
	})
	return q, mp, err
}

// Unmap removes a mapping returned by MmapQueue or MapQueueAt. It works after
// Close so callers can drop mappings of chunks Close already released.
func (d *Device) Unmap(mp *mapping.Mapping) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nq.Unmap(mp)
}

// Queues returns a snapshot of the configured queues
func (d *Device) Queues() []nq.QueueInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nq.Queues(d.state)
}

// Leaked returns chunks lost during queue teardown
func (d *Device) Leaked() []nq.LeakedChunk {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.Leaked()
}
