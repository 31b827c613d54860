package mapping

import (
	"os"

	"github.com/emergingrobotics/go-neuron/pkg/driver"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultPhysMemPath is the physical memory device used by DevMem
const DefaultPhysMemPath = "/dev/mem"

// DevMem maps physical frames through a physical memory device file
type DevMem struct {
	fd   int
	path string
	log  logrus.FieldLogger
}

// OpenDevMem opens the physical memory device at path
func OpenDevMem(path string, log logrus.FieldLogger) (*DevMem, error) {
	if path == "" {
		path = DefaultPhysMemPath
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, driver.FromSyscall(err, "opening "+path)
	}
	return &DevMem{fd: fd, path: path, log: log.WithField("component", "mapping")}, nil
}

// Close closes the device file
func (d *DevMem) Close() error {
	if d.fd >= 0 {
		err := unix.Close(d.fd)
		d.fd = -1
		if err != nil {
			return driver.NewErrorWithCause(driver.StatusOperationFailed, "closing "+d.path, err)
		}
	}
	return nil
}

// Map maps the physical range with MAP_SHARED
func (d *DevMem) Map(pa, length uint64, req Request) (*Mapping, error) {
	pageSize := uint64(os.Getpagesize())
	if pa%pageSize != 0 {
		return nil, driver.InvalidArgument("physical address %#x is not page aligned", pa)
	}
	if length == 0 {
		return nil, driver.InvalidArgument("mapping length cannot be zero")
	}
	if d.fd < 0 {
		return nil, driver.NewError(driver.StatusOperationFailed, d.path+" is closed")
	}

	mapLen := (length + pageSize - 1) / pageSize * pageSize
	data, err := unix.Mmap(d.fd, int64(pa), int(mapLen), req.Prot.unix(), unix.MAP_SHARED)
	if err != nil {
		return nil, driver.FromSyscall(err, "mapping physical range")
	}

	d.log.WithFields(logrus.Fields{"pa": pa, "length": length}).Debug("mapped physical range")
	return &Mapping{
		Data:     data[:length],
		PhysAddr: pa,
		Length:   length,
		Prot:     req.Prot,
	}, nil
}

// Advise applies the flags with madvise. DontExpand needs no call: mappings
// made here are never passed to mremap.
func (d *DevMem) Advise(m *Mapping, flags Flags) error {
	region := m.Data[:cap(m.Data)]
	if flags&DontDump != 0 {
		if err := unix.Madvise(region, unix.MADV_DONTDUMP); err != nil {
			return driver.FromSyscall(err, "madvise dontdump")
		}
	}
	if flags&DontCopy != 0 {
		if err := unix.Madvise(region, unix.MADV_DONTFORK); err != nil {
			return driver.FromSyscall(err, "madvise dontfork")
		}
	}
	m.Flags |= flags
	return nil
}

// Unmap removes the mapping
func (d *DevMem) Unmap(m *Mapping) error {
	if m == nil || m.Data == nil {
		return nil
	}
	if err := unix.Munmap(m.Data[:cap(m.Data)]); err != nil {
		return driver.FromSyscall(err, "unmapping physical range")
	}
	m.Data = nil
	return nil
}
