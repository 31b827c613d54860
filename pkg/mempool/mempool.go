package mempool

import (
	"fmt"

	"github.com/emergingrobotics/go-neuron/pkg/driver"
)

// PageSize is the system page size (typically 4096 bytes)
const PageSize = 4096

// HugePageSize is the size of a hugetlb page used for contiguous chunks
const HugePageSize = 2 << 20

// Location says where the memory of a chunk lives
type Location int

const (
	LocationHost   Location = 0
	LocationDevice Location = 1
)

// String returns the location name
func (l Location) String() string {
	switch l {
	case LocationHost:
		return "host"
	case LocationDevice:
		return "device"
	default:
		return fmt.Sprintf("location(%d)", int(l))
	}
}

// Chunk represents a DMA-capable memory block with a known physical address
type Chunk struct {
	PhysAddr uint64
	Size     uint64
	Core     int
	Location Location

	data          []byte
	allocatedSize uint64 // includes alignment padding
}

// NewChunk describes memory that is owned elsewhere, e.g. by a test double
// or a reserved-memory carve-out.
func NewChunk(pa, size uint64, core int, loc Location, data []byte) *Chunk {
	return &Chunk{
		PhysAddr:      pa,
		Size:          size,
		Core:          core,
		Location:      loc,
		data:          data,
		allocatedSize: size,
	}
}

// Bytes returns the host view of the chunk, nil when it has none
func (c *Chunk) Bytes() []byte {
	return c.data
}

// String formats the chunk for logs
func (c *Chunk) String() string {
	return fmt.Sprintf("chunk{pa=%#x size=%d core=%d %s}", c.PhysAddr, c.Size, c.Core, c.Location)
}

// Pool is the allocator collaborator: it hands out chunks and takes them back.
// core is a locality hint; the chunk is accounted to that core.
type Pool interface {
	Alloc(size uint64, loc Location, core int) (*Chunk, error)
	Free(c *Chunk) error
}

// AlignSize rounds size up to a multiple of align (a power of two)
func AlignSize(size, align uint64) uint64 {
	return (size + align - 1) &^ (align - 1)
}

func checkRequest(size uint64, loc Location) error {
	if size == 0 {
		return driver.InvalidArgument("chunk size cannot be zero")
	}
	if loc != LocationHost {
		return driver.NewError(driver.StatusUnsupportedOperation, "allocating "+loc.String()+" memory")
	}
	return nil
}
