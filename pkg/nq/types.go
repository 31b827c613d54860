// Package nq manages the notification queues of a neuron device.
//
// As engines execute instructions they produce messages into notification
// queues. Applications use them to monitor program completion and to
// profile execution. A notification queue is a circular buffer in host
// memory: the device writes to it and applications consume it by memory
// mapping the area through the device file.
//
// Every device has Cores*Engines*QueueTypes queues. Each one is reachable
// through its own fixed-size window of the device file offset space; see
// Codec.
package nq

import (
	"fmt"
	"strings"

	"github.com/emergingrobotics/go-neuron/pkg/addrmap"
	"github.com/emergingrobotics/go-neuron/pkg/driver"
)

// Type is the category of notifications a queue carries
type Type int

const (
	TypeTrace  Type = addrmap.FamilyTrace  // implicit notifications generated during execution
	TypeNotify Type = addrmap.FamilyNotify // explicit notifications generated by the NOTIFY instruction
	TypeEvent  Type = addrmap.FamilyEvent  // notifications triggered by event set/clear
	TypeError  Type = addrmap.FamilyError  // notifications triggered by an error condition
	TypeCount  int  = 4
)

var typeNames = [...]string{"trace", "notify", "event", "error"}

// String returns the queue type name
func (t Type) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ParseType parses a queue type name
func ParseType(s string) (Type, error) {
	for i, name := range typeNames {
		if strings.EqualFold(s, name) {
			return Type(i), nil
		}
	}
	return 0, driver.InvalidArgument("unknown queue type %q", s)
}

// Queue identifies one notification queue of a device
type Queue struct {
	Core   int
	Engine int
	Type   Type
}

// String formats the queue as core/engine/type
func (q Queue) String() string {
	return fmt.Sprintf("nc%d/eng%d/%s", q.Core, q.Engine, q.Type)
}

// validate checks core, engine and type against the layout
func (q Queue) validate(l driver.Layout) error {
	if q.Core < 0 || q.Core >= l.Cores {
		return driver.InvalidArgument("core %d out of range [0,%d)", q.Core, l.Cores)
	}
	if q.Engine < 0 || q.Engine >= l.Engines {
		return driver.InvalidArgument("engine %d out of range [0,%d)", q.Engine, l.Engines)
	}
	if q.Type < 0 || int(q.Type) >= l.QueueTypes {
		return driver.InvalidArgument("queue type %d out of range [0,%d)", int(q.Type), l.QueueTypes)
	}
	return nil
}

// ID returns the per-core queue identity: type*Engines + engine. It fails
// when the identity does not fit in MaxQueuesPerCore.
func (q Queue) ID(l driver.Layout) (int, error) {
	if err := q.validate(l); err != nil {
		return 0, err
	}
	id := int(q.Type)*l.Engines + q.Engine
	if id >= l.MaxQueuesPerCore {
		return 0, driver.InvalidArgument("queue id %d of %s exceeds %d queues per core", id, q, l.MaxQueuesPerCore)
	}
	return id, nil
}
