package nq

import (
	"github.com/emergingrobotics/go-neuron/pkg/driver"
	"github.com/emergingrobotics/go-neuron/pkg/mempool"
)

// LeakedChunk is a chunk whose queue was destroyed but which the pool
// refused to take back.
type LeakedChunk struct {
	Queue Queue
	Chunk *mempool.Chunk
	Err   error
}

// State is the per-device table of queue memory ownership. A non-nil slot
// is exclusively owned by the queue it belongs to.
//
// State has no lock of its own; the device serializes every operation on it.
type State struct {
	chunks [][]*mempool.Chunk // [core][queue id]
	leaked []LeakedChunk
}

// NewState creates an empty table for the layout
func NewState(l driver.Layout) *State {
	chunks := make([][]*mempool.Chunk, l.Cores)
	for i := range chunks {
		chunks[i] = make([]*mempool.Chunk, l.MaxQueuesPerCore)
	}
	return &State{chunks: chunks}
}

// Chunk returns the chunk in slot (core, id), nil when empty or out of range
func (s *State) Chunk(core, id int) *mempool.Chunk {
	if core < 0 || core >= len(s.chunks) || id < 0 || id >= len(s.chunks[core]) {
		return nil
	}
	return s.chunks[core][id]
}

// Configured returns the number of occupied slots
func (s *State) Configured() int {
	n := 0
	for _, core := range s.chunks {
		for _, c := range core {
			if c != nil {
				n++
			}
		}
	}
	return n
}

// Leaked returns the chunks lost during teardown
func (s *State) Leaked() []LeakedChunk {
	out := make([]LeakedChunk, len(s.leaked))
	copy(out, s.leaked)
	return out
}
