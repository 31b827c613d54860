// Package nc provides access to the synchronization primitives of a neuron
// core.
//
// Each core exposes two kinds of primitives to engines and software:
// semaphores, which hold any signed 32-bit value, and events, which hold 0
// or 1. Engines can be programmed to wait for a semaphore to reach a value
// or for an event to be set, so applications use these registers to steer
// execution of a loaded program.
//
// Increment and decrement are relative adjustments applied by the device;
// the host never performs a read-modify-write.
package nc

import (
	"github.com/emergingrobotics/go-neuron/pkg/addrmap"
	"github.com/emergingrobotics/go-neuron/pkg/driver"
	"github.com/sirupsen/logrus"
)

// Accessor reads and writes semaphores and events of every core of a device.
// It holds no state; callers serialize access to the register space.
type Accessor struct {
	regs   driver.RegisterIO
	amap   *addrmap.Map
	layout driver.Layout
	log    logrus.FieldLogger
}

// New creates an Accessor over the given register I/O
func New(regs driver.RegisterIO, amap *addrmap.Map, log logrus.FieldLogger) *Accessor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Accessor{
		regs:   regs,
		amap:   amap,
		layout: amap.Layout(),
		log:    log.WithField("component", "nc"),
	}
}

// indexAdmitted is the index check the device interface has always applied:
// index == count passes. The address constructor then rejects it with the
// strict bound, so the extra slot is never dereferenced.
// TODO: switch to index >= count once callers passing count are audited.
func indexAdmitted(index, count int) bool {
	return index >= 0 && index <= count
}

// SemaphoreIndexAdmitted reports whether index passes the semaphore index check
func (a *Accessor) SemaphoreIndexAdmitted(index int) bool {
	return indexAdmitted(index, a.layout.SemaphoreCount)
}

// EventIndexAdmitted reports whether index passes the event index check
func (a *Accessor) EventIndexAdmitted(index int) bool {
	return indexAdmitted(index, a.layout.EventCount)
}

func (a *Accessor) semaphoreAddr(core, index int, op addrmap.SemaphoreOp) (driver.Addr, error) {
	if !a.SemaphoreIndexAdmitted(index) {
		return driver.Addr{}, driver.InvalidArgument("semaphore index %d exceeds %d", index, a.layout.SemaphoreCount)
	}
	return a.amap.SemaphoreAddr(core, op, index)
}

func (a *Accessor) eventAddr(core, index int) (driver.Addr, error) {
	if !a.EventIndexAdmitted(index) {
		return driver.Addr{}, driver.InvalidArgument("event index %d exceeds %d", index, a.layout.EventCount)
	}
	return a.amap.EventAddr(core, index)
}

func (a *Accessor) read(addr driver.Addr) (uint32, error) {
	var out [1]uint32
	if err := a.regs.ReadArray([]driver.Addr{addr}, out[:]); err != nil {
		return 0, err
	}
	return out[0], nil
}

func (a *Accessor) writeSemaphore(core, index int, op addrmap.SemaphoreOp, value uint32) error {
	addr, err := a.semaphoreAddr(core, index, op)
	if err != nil {
		return err
	}
	a.log.WithFields(logrus.Fields{"core": core, "index": index, "op": op, "value": value}).Debug("semaphore write")
	return a.regs.Write32(addr, value)
}

// SemaphoreRead returns the current value of a semaphore
func (a *Accessor) SemaphoreRead(core, index int) (uint32, error) {
	addr, err := a.semaphoreAddr(core, index, addrmap.SemaphoreRead)
	if err != nil {
		return 0, err
	}
	return a.read(addr)
}

// SemaphoreSet sets a semaphore to value
func (a *Accessor) SemaphoreSet(core, index int, value uint32) error {
	return a.writeSemaphore(core, index, addrmap.SemaphoreSet, value)
}

// SemaphoreIncrement adds value to a semaphore
func (a *Accessor) SemaphoreIncrement(core, index int, value uint32) error {
	return a.writeSemaphore(core, index, addrmap.SemaphoreIncrement, value)
}

// SemaphoreDecrement subtracts value from a semaphore
func (a *Accessor) SemaphoreDecrement(core, index int, value uint32) error {
	return a.writeSemaphore(core, index, addrmap.SemaphoreDecrement, value)
}

// EventGet returns the state of an event
func (a *Accessor) EventGet(core, index int) (uint32, error) {
	addr, err := a.eventAddr(core, index)
	if err != nil {
		return 0, err
	}
	return a.read(addr)
}

// EventSet sets or clears an event
func (a *Accessor) EventSet(core, index int, value uint32) error {
	addr, err := a.eventAddr(core, index)
	if err != nil {
		return err
	}
	a.log.WithFields(logrus.Fields{"core": core, "index": index, "value": value}).Debug("event write")
	return a.regs.Write32(addr, value)
}
