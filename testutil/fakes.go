package testutil

import (
	"errors"
	"fmt"
	"sync"

	"github.com/emergingrobotics/go-neuron/pkg/driver"
	"github.com/emergingrobotics/go-neuron/pkg/mapping"
	"github.com/emergingrobotics/go-neuron/pkg/mempool"
)

// Journal records the order of side effects across fakes
type Journal struct {
	mu      sync.Mutex
	entries []string
}

// Record appends an entry
func (j *Journal) Record(format string, args ...any) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

// Entries returns a copy of the recorded entries
func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.entries))
	copy(out, j.entries)
	return out
}

// Reset drops every entry
func (j *Journal) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = nil
}

// RegWrite is one recorded register write
type RegWrite struct {
	Addr  driver.Addr
	Value uint32
}

// FakeRegisters implements driver.RegisterIO in memory
type FakeRegisters struct {
	mu        sync.Mutex
	values    map[driver.Addr]uint32
	writes    []RegWrite
	reads     []driver.Addr
	failWrite map[driver.Addr]error
	failRead  map[driver.Addr]error
	journal   *Journal
}

// NewFakeRegisters creates zeroed fake registers. journal may be nil.
func NewFakeRegisters(journal *Journal) *FakeRegisters {
	return &FakeRegisters{
		values:    make(map[driver.Addr]uint32),
		failWrite: make(map[driver.Addr]error),
		failRead:  make(map[driver.Addr]error),
		journal:   journal,
	}
}

// ReadArray implements driver.RegisterIO
func (r *FakeRegisters) ReadArray(addrs []driver.Addr, out []uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, a := range addrs {
		if err, ok := r.failRead[a]; ok {
			return err
		}
		r.reads = append(r.reads, a)
		out[i] = r.values[a]
	}
	return nil
}

// Write32 implements driver.RegisterIO
func (r *FakeRegisters) Write32(addr driver.Addr, value uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.failWrite[addr]; ok {
		r.journal.Record("write-fail %s", addr)
		return err
	}
	r.values[addr] = value
	r.writes = append(r.writes, RegWrite{Addr: addr, Value: value})
	r.journal.Record("write %s=%#x", addr, value)
	return nil
}

// Set presets a register value
func (r *FakeRegisters) Set(addr driver.Addr, value uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[addr] = value
}

// Value returns the current value of a register
func (r *FakeRegisters) Value(addr driver.Addr) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[addr]
}

// Writes returns the successful writes in order
func (r *FakeRegisters) Writes() []RegWrite {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RegWrite, len(r.writes))
	copy(out, r.writes)
	return out
}

// Reads returns the addresses read in order
func (r *FakeRegisters) Reads() []driver.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]driver.Addr, len(r.reads))
	copy(out, r.reads)
	return out
}

// ResetLog forgets recorded reads and writes but keeps values
func (r *FakeRegisters) ResetLog() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = nil
	r.reads = nil
}

// FailWrite makes writes to addr fail with err
func (r *FakeRegisters) FailWrite(addr driver.Addr, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWrite[addr] = err
}

// FailRead makes reads of addr fail with err
func (r *FakeRegisters) FailRead(addr driver.Addr, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failRead[addr] = err
}

// FakePool implements mempool.Pool with fake physical addresses
type FakePool struct {
	mu       sync.Mutex
	nextPA   uint64
	live     map[*mempool.Chunk]struct{}
	allocs   int
	frees    int
	failNext error
	failFree map[uint64]error
	journal  *Journal
}

// FakePoolBase is the first physical address handed out by a FakePool
const FakePoolBase = 0x1_2340_0000

// NewFakePool creates a fake pool. journal may be nil.
func NewFakePool(journal *Journal) *FakePool {
	return &FakePool{
		nextPA:   FakePoolBase,
		live:     make(map[*mempool.Chunk]struct{}),
		failFree: make(map[uint64]error),
		journal:  journal,
	}
}

// Alloc implements mempool.Pool
func (p *FakePool) Alloc(size uint64, loc mempool.Location, core int) (*mempool.Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return nil, err
	}
	if size == 0 {
		return nil, driver.InvalidArgument("chunk size cannot be zero")
	}

	c := mempool.NewChunk(p.nextPA, size, core, loc, make([]byte, size))
	p.nextPA += mempool.AlignSize(size, mempool.PageSize)
	p.live[c] = struct{}{}
	p.allocs++
	p.journal.Record("alloc pa=%#x size=%d core=%d", c.PhysAddr, size, core)
	return c, nil
}

// Free implements mempool.Pool
func (p *FakePool) Free(c *mempool.Chunk) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err, ok := p.failFree[c.PhysAddr]; ok {
		p.journal.Record("free-fail pa=%#x", c.PhysAddr)
		return err
	}
	if _, ok := p.live[c]; !ok {
		return errors.New("fake pool: chunk not live")
	}
	delete(p.live, c)
	p.frees++
	p.journal.Record("free pa=%#x", c.PhysAddr)
	return nil
}

// FailNextAlloc makes the next Alloc return err
func (p *FakePool) FailNextAlloc(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = err
}

// FailFree makes Free of the chunk at pa fail with err
func (p *FakePool) FailFree(pa uint64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failFree[pa] = err
}

// Allocs returns the number of successful allocations
func (p *FakePool) Allocs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocs
}

// Frees returns the number of successful releases
func (p *FakePool) Frees() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frees
}

// Live returns the number of chunks not yet released
func (p *FakePool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// FakeMapper implements mapping.Mapper with heap memory
type FakeMapper struct {
	mu         sync.Mutex
	maps       int
	unmaps     int
	live       int
	failMap    error
	failAdvise error
}

// NewFakeMapper creates a fake mapper
func NewFakeMapper() *FakeMapper {
	return &FakeMapper{}
}

// Map implements mapping.Mapper
func (m *FakeMapper) Map(pa, length uint64, req mapping.Request) (*mapping.Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failMap != nil {
		return nil, m.failMap
	}
	m.maps++
	m.live++
	return &mapping.Mapping{
		Data:     make([]byte, length),
		PhysAddr: pa,
		Length:   length,
		Prot:     req.Prot,
	}, nil
}

// Advise implements mapping.Mapper
func (m *FakeMapper) Advise(mp *mapping.Mapping, flags mapping.Flags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAdvise != nil {
		return m.failAdvise
	}
	mp.Flags |= flags
	return nil
}

// Unmap implements mapping.Mapper
func (m *FakeMapper) Unmap(mp *mapping.Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mp.Data != nil {
		mp.Data = nil
		m.unmaps++
		m.live--
	}
	return nil
}

// FailMap makes every Map fail with err until cleared with nil
func (m *FakeMapper) FailMap(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failMap = err
}

// FailAdvise makes every Advise fail with err until cleared with nil
func (m *FakeMapper) FailAdvise(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAdvise = err
}

// Maps returns the number of successful Map calls
func (m *FakeMapper) Maps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maps
}

// Live returns the number of mappings not yet unmapped
func (m *FakeMapper) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}
