// Package mapping establishes user-visible mappings of physical memory.
//
// A Mapper maps a physical frame range into the caller's address space and
// applies the safety flags a hardware-backed region needs: it must not grow,
// must not appear in core dumps and must not be inherited across fork.
package mapping

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// Prot is the access permission of a mapping
type Prot int

const (
	ProtRead  Prot = 1 << 0
	ProtWrite Prot = 1 << 1
)

// unix converts to PROT_* bits
func (p Prot) unix() int {
	v := unix.PROT_NONE
	if p&ProtRead != 0 {
		v |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		v |= unix.PROT_WRITE
	}
	return v
}

// Flags are the safety properties applied to a mapping
type Flags uint32

const (
	DontExpand Flags = 1 << 0 // never grown by mremap
	DontDump   Flags = 1 << 1 // excluded from core dumps
	DontCopy   Flags = 1 << 2 // not inherited by forked children

	// HardwareBacked is the set every notification queue mapping carries
	HardwareBacked = DontExpand | DontDump | DontCopy
)

// String lists the set flags
func (f Flags) String() string {
	var parts []string
	if f&DontExpand != 0 {
		parts = append(parts, "dontexpand")
	}
	if f&DontDump != 0 {
		parts = append(parts, "dontdump")
	}
	if f&DontCopy != 0 {
		parts = append(parts, "dontcopy")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Request describes what the caller asked to map
type Request struct {
	// Offset is the file offset the request arrived with
	Offset uint64
	// Length is the requested size; 0 means the whole region
	Length uint64
	Prot   Prot
}

// Mapping is an established mapping of a physical range
type Mapping struct {
	Data     []byte
	PhysAddr uint64
	Length   uint64
	Prot     Prot
	Flags    Flags
}

// String formats the mapping for logs
func (m *Mapping) String() string {
	return fmt.Sprintf("mapping{pa=%#x len=%d flags=%s}", m.PhysAddr, m.Length, m.Flags)
}

// Mapper is the mapping primitive collaborator
type Mapper interface {
	// Map maps length bytes of physical memory starting at pa
	Map(pa, length uint64, req Request) (*Mapping, error)
	// Advise applies safety flags to an established mapping
	Advise(m *Mapping, flags Flags) error
	// Unmap tears the mapping down
	Unmap(m *Mapping) error
}
