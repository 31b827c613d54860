package mempool

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/emergingrobotics/go-neuron/pkg/driver"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	pagemapEntrySize   = 8
	pagemapPresent     = 1 << 63
	pagemapPfnMask     = (1 << 55) - 1
	defaultPagemapPath = "/proc/self/pagemap"
)

// Options configures a HostPool
type Options struct {
	// HugePages backs every chunk with one hugetlb page, raising the largest
	// chunk from PageSize to HugePageSize.
	HugePages bool `yaml:"hugepages"`
	// LimitPerCore caps the bytes accounted to one core; 0 means no limit.
	LimitPerCore uint64 `yaml:"limit_per_core"`
	// PagemapPath overrides /proc/self/pagemap
	PagemapPath string `yaml:"pagemap_path"`
}

// HostPool allocates locked, populated, page-aligned host memory and
// resolves its physical address through the pagemap interface.
type HostPool struct {
	opts Options
	log  logrus.FieldLogger

	mu   sync.Mutex
	used map[int]uint64
	live map[*Chunk]struct{}
}

// NewHostPool creates a host memory pool
func NewHostPool(opts Options, log logrus.FieldLogger) *HostPool {
	if opts.PagemapPath == "" {
		opts.PagemapPath = defaultPagemapPath
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &HostPool{
		opts: opts,
		log:  log.WithField("component", "mempool"),
		used: make(map[int]uint64),
		live: make(map[*Chunk]struct{}),
	}
}

// Alloc allocates a chunk of at least size bytes accounted to core
func (p *HostPool) Alloc(size uint64, loc Location, core int) (*Chunk, error) {
	if err := checkRequest(size, loc); err != nil {
		return nil, err
	}
	// Only the frame of the first page is resolved, so a chunk must fit in
	// one page to be physically contiguous.
	align := p.MaxChunkSize()
	if size > align {
		return nil, driver.NewError(driver.StatusResourceExhausted,
			fmt.Sprintf("chunk of %d bytes exceeds contiguous limit %d", size, align))
	}

	flags := unix.MAP_SHARED | unix.MAP_ANONYMOUS | unix.MAP_POPULATE | unix.MAP_LOCKED
	if p.opts.HugePages {
		flags |= unix.MAP_HUGETLB
	}
	alignedSize := AlignSize(size, align)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opts.LimitPerCore > 0 && p.used[core]+alignedSize > p.opts.LimitPerCore {
		return nil, driver.NewError(driver.StatusResourceExhausted,
			"core pool limit reached")
	}

	data, err := unix.Mmap(-1, 0, int(alignedSize), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, driver.FromSyscall(err, "allocating host chunk")
	}
	if err := unix.Mlock(data); err != nil {
		unix.Munmap(data)
		return nil, driver.FromSyscall(err, "locking host chunk")
	}

	pa, err := p.physAddr(uintptr(unsafe.Pointer(&data[0])))
	if err != nil {
		unix.Munmap(data)
		return nil, err
	}

	c := &Chunk{
		PhysAddr:      pa,
		Size:          size,
		Core:          core,
		Location:      loc,
		data:          data[:size],
		allocatedSize: alignedSize,
	}
	p.used[core] += alignedSize
	p.live[c] = struct{}{}

	p.log.WithFields(logrus.Fields{
		"core": core,
		"size": size,
		"pa":   pa,
	}).Debug("allocated host chunk")
	return c, nil
}

// Free releases a chunk allocated by this pool
func (p *HostPool) Free(c *Chunk) error {
	if c == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.live[c]; !ok {
		return driver.InvalidArgument("chunk %s not owned by pool", c)
	}
	if len(c.data) > 0 {
		// Need to use the original allocated size for munmap
		original := unsafe.Slice(&c.data[0], int(c.allocatedSize))
		if err := unix.Munmap(original); err != nil {
			return driver.FromSyscall(err, "releasing host chunk")
		}
		c.data = nil
	}
	delete(p.live, c)
	p.used[c.Core] -= c.allocatedSize
	return nil
}

// MaxChunkSize returns the largest physically contiguous chunk Alloc hands out
func (p *HostPool) MaxChunkSize() uint64 {
	if p.opts.HugePages {
		return HugePageSize
	}
	return PageSize
}

// Used returns the bytes currently accounted to core
func (p *HostPool) Used(core int) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used[core]
}

// physAddr translates a locked virtual address to a physical one
func (p *HostPool) physAddr(vaddr uintptr) (uint64, error) {
	f, err := os.Open(p.opts.PagemapPath)
	if err != nil {
		return 0, driver.NewErrorWithCause(driver.StatusPermissionDenied, "opening pagemap", err)
	}
	defer f.Close()

	pageSize := uint64(os.Getpagesize())
	var entry [pagemapEntrySize]byte
	off := int64(uint64(vaddr) / pageSize * pagemapEntrySize)
	if _, err := f.ReadAt(entry[:], off); err != nil {
		return 0, driver.NewErrorWithCause(driver.StatusOperationFailed, "reading pagemap", err)
	}

	return pagemapToPhys(binary.LittleEndian.Uint64(entry[:]), uint64(vaddr), pageSize)
}

// pagemapToPhys decodes one pagemap entry. A zero PFN on a present page means
// the caller lacks CAP_SYS_ADMIN and the kernel hid the frame number.
func pagemapToPhys(entry, vaddr, pageSize uint64) (uint64, error) {
	if entry&pagemapPresent == 0 {
		return 0, driver.NewError(driver.StatusOperationFailed, "page not present")
	}
	pfn := entry & pagemapPfnMask
	if pfn == 0 {
		return 0, driver.NewError(driver.StatusPermissionDenied, "pagemap frame numbers hidden")
	}
	return pfn*pageSize + vaddr%pageSize, nil
}
