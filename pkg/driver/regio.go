package driver

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Bar identifies a PCI base address register region
type Bar int

const (
	Bar0 Bar = 0 // APB: processing-unit configuration
	Bar2 Bar = 2 // AXI: semaphores and events
)

// String returns the BAR name
func (b Bar) String() string {
	return fmt.Sprintf("bar%d", int(b))
}

// Addr is a validated register address: a BAR and a byte offset into it.
// Addr values are only built by the addrmap package after bounds checks.
type Addr struct {
	Bar    Bar
	Offset uint64
}

// String formats the address as bar:offset
func (a Addr) String() string {
	return fmt.Sprintf("%s:%#08x", a.Bar, a.Offset)
}

// Add returns the address delta bytes further into the same BAR
func (a Addr) Add(delta uint64) Addr {
	return Addr{Bar: a.Bar, Offset: a.Offset + delta}
}

// RegisterIO is the ordered register access primitive the core relies on.
// Implementations enforce whatever access width and ordering the platform
// requires for CSRs.
type RegisterIO interface {
	// ReadArray reads len(addrs) registers into out, in order
	ReadArray(addrs []Addr, out []uint32) error
	// Write32 performs a single ordered 32-bit register write
	Write32(addr Addr, value uint32) error
}

// BarFile represents a memory-mapped PCI BAR resource file
type BarFile struct {
	fd   int
	path string
	data []byte
}

// OpenBar maps a PCI resource file such as
// /sys/bus/pci/devices/0000:00:1e.0/resource2
func OpenBar(path string) (*BarFile, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, FromSyscall(err, "opening bar "+path)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, FromSyscall(err, "stat bar "+path)
	}
	if st.Size <= 0 {
		unix.Close(fd)
		return nil, NewError(StatusInvalidArgument, "bar "+path+" has no size")
	}

	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, FromSyscall(err, "mapping bar "+path)
	}

	return &BarFile{fd: fd, path: path, data: data}, nil
}

// Close unmaps and closes the BAR
func (b *BarFile) Close() error {
	if b.data != nil {
		if err := unix.Munmap(b.data); err != nil {
			return NewErrorWithCause(StatusOperationFailed, "unmapping bar", err)
		}
		b.data = nil
	}
	if b.fd >= 0 {
		err := unix.Close(b.fd)
		b.fd = -1
		if err != nil {
			return NewErrorWithCause(StatusOperationFailed, "closing bar", err)
		}
	}
	return nil
}

// Path returns the resource file path
func (b *BarFile) Path() string {
	return b.path
}

// Len returns the mapped size in bytes
func (b *BarFile) Len() uint64 {
	return uint64(len(b.data))
}

func (b *BarFile) reg(off uint64) (*uint32, error) {
	if b.data == nil {
		return nil, NewError(StatusOperationFailed, "bar "+b.path+" is closed")
	}
	if off%RegisterSize != 0 {
		return nil, InvalidArgument("unaligned register offset %#x", off)
	}
	if off+RegisterSize > uint64(len(b.data)) {
		return nil, InvalidArgument("register offset %#x outside bar of %#x bytes", off, len(b.data))
	}
	return (*uint32)(unsafe.Pointer(&b.data[off])), nil
}

// Read32 performs a single 32-bit load from the BAR
func (b *BarFile) Read32(off uint64) (uint32, error) {
	p, err := b.reg(off)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(p), nil
}

// Write32 performs a single 32-bit store to the BAR
func (b *BarFile) Write32(off uint64, value uint32) error {
	p, err := b.reg(off)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, value)
	return nil
}

// BarIO implements RegisterIO over a set of mapped BARs
type BarIO struct {
	bars map[Bar]*BarFile
}

// NewBarIO creates a RegisterIO backed by the given BARs
func NewBarIO(bars map[Bar]*BarFile) *BarIO {
	return &BarIO{bars: bars}
}

func (io *BarIO) bar(b Bar) (*BarFile, error) {
	f, ok := io.bars[b]
	if !ok || f == nil {
		return nil, NewError(StatusNotFound, b.String()+" not mapped")
	}
	return f, nil
}

// ReadArray reads registers one at a time in address order
func (io *BarIO) ReadArray(addrs []Addr, out []uint32) error {
	if len(out) < len(addrs) {
		return InvalidArgument("output holds %d values, %d requested", len(out), len(addrs))
	}
	for i, a := range addrs {
		f, err := io.bar(a.Bar)
		if err != nil {
			return err
		}
		v, err := f.Read32(a.Offset)
		if err != nil {
			return err
		}
		out[i] = v
	}
	return nil
}

// Write32 writes one register
func (io *BarIO) Write32(addr Addr, value uint32) error {
	f, err := io.bar(addr.Bar)
	if err != nil {
		return err
	}
	return f.Write32(addr.Offset, value)
}

// Close closes every BAR
func (io *BarIO) Close() error {
	var firstErr error
	for _, f := range io.bars {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
