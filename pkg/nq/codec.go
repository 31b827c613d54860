package nq

import (
	"github.com/emergingrobotics/go-neuron/pkg/driver"
)

// MmapStartOffset is where the queue windows start in the device file
const MmapStartOffset = 0

// Codec converts between device file offsets and queues.
//
// The offset space is partitioned by core, then engine, then type. Every
// queue owns a window of WindowSize bytes even though its memory is much
// smaller, so any offset decodes with plain division.
type Codec struct {
	layout       driver.Layout
	strideType   uint64
	strideEngine uint64
	strideCore   uint64
	total        uint64
}

// NewCodec creates a codec for the layout
func NewCodec(l driver.Layout) *Codec {
	strideType := l.NQMmapStride
	strideEngine := strideType * uint64(l.QueueTypes)
	strideCore := strideEngine * uint64(l.Engines)
	return &Codec{
		layout:       l,
		strideType:   strideType,
		strideEngine: strideEngine,
		strideCore:   strideCore,
		total:        strideCore * uint64(l.Cores),
	}
}

// WindowSize is the size of one queue's window
func (c *Codec) WindowSize() uint64 {
	return c.strideType
}

// TotalSize is the size of the whole queue offset space
func (c *Codec) TotalSize() uint64 {
	return c.total
}

// Strides returns the per-core, per-engine and per-type strides
func (c *Codec) Strides() (core, engine, typ uint64) {
	return c.strideCore, c.strideEngine, c.strideType
}

// Encode returns the start of the window of (core, engine, typ)
func (c *Codec) Encode(core, engine int, typ Type) (uint64, error) {
	if err := (Queue{Core: core, Engine: engine, Type: typ}).validate(c.layout); err != nil {
		return 0, err
	}
	off := uint64(MmapStartOffset)
	off += uint64(core) * c.strideCore
	off += uint64(engine) * c.strideEngine
	off += uint64(typ) * c.strideType
	return off, nil
}

// EncodeQueue is Encode for a Queue value
func (c *Codec) EncodeQueue(q Queue) (uint64, error) {
	return c.Encode(q.Core, q.Engine, q.Type)
}

// Decode returns the queue whose window contains offset
func (c *Codec) Decode(offset uint64) (Queue, error) {
	if offset-MmapStartOffset >= c.total {
		return Queue{}, driver.InvalidArgument("offset %#x outside queue space [%#x,%#x)",
			offset, uint64(MmapStartOffset), uint64(MmapStartOffset)+c.total)
	}
	offset -= MmapStartOffset

	var q Queue
	q.Core = int(offset / c.strideCore)
	offset %= c.strideCore
	q.Engine = int(offset / c.strideEngine)
	offset %= c.strideEngine
	q.Type = Type(offset / c.strideType)
	return q, nil
}
