// Package addrmap computes device register addresses for a neuron core.
//
// BAR2 holds one window per core with the semaphore and event registers.
// Semaphores have four aliases (read, set, increment, decrement) so the
// device can apply relative adjustments atomically. BAR0 holds one
// processing-unit block per core with the notification queue configuration
// registers.
//
// Nothing in this package touches hardware. Every function validates its
// arguments before building an address.
package addrmap

import (
	"fmt"

	"github.com/emergingrobotics/go-neuron/pkg/driver"
)

// SemaphoreOp selects one of the semaphore register aliases
type SemaphoreOp int

const (
	SemaphoreRead SemaphoreOp = iota
	SemaphoreSet
	SemaphoreIncrement
	SemaphoreDecrement
)

var semaphoreOpNames = map[SemaphoreOp]string{
	SemaphoreRead:      "read",
	SemaphoreSet:       "set",
	SemaphoreIncrement: "increment",
	SemaphoreDecrement: "decrement",
}

// String returns the alias name
func (op SemaphoreOp) String() string {
	if s, ok := semaphoreOpNames[op]; ok {
		return s
	}
	return fmt.Sprintf("semaphore-op(%d)", int(op))
}

// Notification register families
const (
	FamilyTrace  = 0 // implicit notifications, per engine
	FamilyNotify = 1 // explicit notifications, per engine
	FamilyEvent  = 2 // event notifications, per core
	FamilyError  = 3 // error notifications, per core
)

// NotificationRegs is the config register triplet of one notification queue
type NotificationRegs struct {
	AddrLow  driver.Addr
	AddrHigh driver.Addr
	Size     driver.Addr
}

// Map computes addresses for one device layout
type Map struct {
	layout driver.Layout
}

// New creates a Map for the layout
func New(layout driver.Layout) *Map {
	return &Map{layout: layout}
}

// Layout returns the layout the map was built from
func (m *Map) Layout() driver.Layout {
	return m.layout
}

func (m *Map) checkCore(core int) error {
	if core < 0 || core >= m.layout.Cores {
		return driver.InvalidArgument("core %d out of range [0,%d)", core, m.layout.Cores)
	}
	return nil
}

// CoreBase returns the start of the core's semaphore/event window
func (m *Map) CoreBase(core int) (driver.Addr, error) {
	if err := m.checkCore(core); err != nil {
		return driver.Addr{}, err
	}
	off := m.layout.CoreWindowBase + uint64(core)*m.layout.CoreWindowSize
	return driver.Addr{Bar: driver.Bar2, Offset: off}, nil
}

// SemaphoreAddr returns the register of semaphore index for the given alias
func (m *Map) SemaphoreAddr(core int, op SemaphoreOp, index int) (driver.Addr, error) {
	base, err := m.CoreBase(core)
	if err != nil {
		return driver.Addr{}, err
	}
	if index < 0 || index >= m.layout.SemaphoreCount {
		return driver.Addr{}, driver.InvalidArgument("semaphore index %d out of range [0,%d)", index, m.layout.SemaphoreCount)
	}

	var off uint64
	switch op {
	case SemaphoreRead:
		off = m.layout.SemaphoreReadOffset
	case SemaphoreSet:
		off = m.layout.SemaphoreSetOffset
	case SemaphoreIncrement:
		off = m.layout.SemaphoreIncrOffset
	case SemaphoreDecrement:
		off = m.layout.SemaphoreDecrOffset
	default:
		return driver.Addr{}, driver.NewError(driver.StatusUnsupportedOperation, op.String())
	}
	return base.Add(off + uint64(index)*driver.RegisterSize), nil
}

// EventAddr returns the register of event index
func (m *Map) EventAddr(core int, index int) (driver.Addr, error) {
	base, err := m.CoreBase(core)
	if err != nil {
		return driver.Addr{}, err
	}
	if index < 0 || index >= m.layout.EventCount {
		return driver.Addr{}, driver.InvalidArgument("event index %d out of range [0,%d)", index, m.layout.EventCount)
	}
	return base.Add(m.layout.EventOffset + uint64(index)*driver.RegisterSize), nil
}

// ProcessingUnitBase returns the start of the core's configuration block
func (m *Map) ProcessingUnitBase(core int) (driver.Addr, error) {
	if err := m.checkCore(core); err != nil {
		return driver.Addr{}, err
	}
	off := m.layout.ProcessingUnitBase + uint64(core)*m.layout.ProcessingUnitStride
	return driver.Addr{Bar: driver.Bar0, Offset: off}, nil
}

// NotificationConfig returns the config registers of a notification queue.
// family is one of the Family constants; engine is ignored for the per-core
// event and error families but still validated.
func (m *Map) NotificationConfig(core, family, engine int) (NotificationRegs, error) {
	pu, err := m.ProcessingUnitBase(core)
	if err != nil {
		return NotificationRegs{}, err
	}
	if engine < 0 || engine >= m.layout.Engines {
		return NotificationRegs{}, driver.InvalidArgument("engine %d out of range [0,%d)", engine, m.layout.Engines)
	}

	var base driver.Addr
	switch family {
	case FamilyTrace:
		base = pu.Add(m.layout.ImplNotificationBase + uint64(engine)*m.layout.NotificationEngineLen)
	case FamilyNotify:
		base = pu.Add(m.layout.ExplNotificationBase + uint64(engine)*m.layout.NotificationEngineLen)
	case FamilyEvent:
		base = pu.Add(m.layout.EventNotificationBase)
	case FamilyError:
		base = pu.Add(m.layout.ErrorNotificationBase)
	default:
		return NotificationRegs{}, driver.NewError(driver.StatusUnsupportedOperation, fmt.Sprintf("notification family %d", family))
	}

	// Only hardware queue slot 0 of an engine is used
	return NotificationRegs{
		AddrLow:  base,
		AddrHigh: base.Add(driver.RegisterSize),
		Size:     base.Add(2 * driver.RegisterSize),
	}, nil
}
