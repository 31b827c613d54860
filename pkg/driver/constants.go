package driver

import (
	"fmt"
	"math/bits"
)

// Driver Version
const (
	NeuronDrvVerMajor    = 1
	NeuronDrvVerMinor    = 0
	NeuronDrvVerRevision = 0
)

// RegisterSize is the width of every semaphore, event and config register
const RegisterSize = 4

// V1 device geometry
const (
	V1CoresPerDevice    = 4
	V1MaxEngines        = 4
	V1QueueTypes        = 4
	V1MaxQueuesPerCore  = 16
	V1SemaphoreCount    = 32
	V1EventsCount       = 256
	V1NQMmapSizePerType = 1 << 30
)

// V1 BAR2 window of a core: semaphores and events
const (
	V1CoreWindowBase      = 0x00000000
	V1CoreWindowSize      = 0x00400000
	V1SemaphoreReadOffset = 0x00001000
	V1SemaphoreSetOffset  = 0x00001400
	V1SemaphoreIncrOffset = 0x00001800
	V1SemaphoreDecrOffset = 0x00001c00
	V1EventOffset         = 0x00002000
)

// V1 BAR0 processing-unit block of a core: notification queue config
const (
	V1ProcessingUnitBase    = 0x01000000
	V1ProcessingUnitStride  = 0x00100000
	V1ExplNotificationBase  = 0x00001000
	V1ImplNotificationBase  = 0x00002000
	V1NotificationEngineLen = 0x00000040
	V1EventNotificationBase = 0x00003000
	V1ErrorNotificationBase = 0x00003010
)

// V1HostWindow is OR'd into a host physical address to make it reachable
// from the device side of the PCIe link.
const V1HostWindow = 0x00c0000000000000

// Layout describes the geometry and register map of one device generation.
// Every address computation and every bound check is driven by a Layout.
type Layout struct {
	Cores            int    `yaml:"cores"`
	Engines          int    `yaml:"engines"`
	QueueTypes       int    `yaml:"queue_types"`
	MaxQueuesPerCore int    `yaml:"max_queues_per_core"`
	SemaphoreCount   int    `yaml:"semaphore_count"`
	EventCount       int    `yaml:"event_count"`
	NQMmapStride     uint64 `yaml:"nq_mmap_stride"`

	CoreWindowBase      uint64 `yaml:"core_window_base"`
	CoreWindowSize      uint64 `yaml:"core_window_size"`
	SemaphoreReadOffset uint64 `yaml:"semaphore_read_offset"`
	SemaphoreSetOffset  uint64 `yaml:"semaphore_set_offset"`
	SemaphoreIncrOffset uint64 `yaml:"semaphore_incr_offset"`
	SemaphoreDecrOffset uint64 `yaml:"semaphore_decr_offset"`
	EventOffset         uint64 `yaml:"event_offset"`

	ProcessingUnitBase    uint64 `yaml:"processing_unit_base"`
	ProcessingUnitStride  uint64 `yaml:"processing_unit_stride"`
	ExplNotificationBase  uint64 `yaml:"expl_notification_base"`
	ImplNotificationBase  uint64 `yaml:"impl_notification_base"`
	NotificationEngineLen uint64 `yaml:"notification_engine_len"`
	EventNotificationBase uint64 `yaml:"event_notification_base"`
	ErrorNotificationBase uint64 `yaml:"error_notification_base"`

	HostWindow uint64 `yaml:"host_window"`
}

// V1Layout returns the reference (inf1) geometry
func V1Layout() Layout {
	return Layout{
		Cores:            V1CoresPerDevice,
		Engines:          V1MaxEngines,
		QueueTypes:       V1QueueTypes,
		MaxQueuesPerCore: V1MaxQueuesPerCore,
		SemaphoreCount:   V1SemaphoreCount,
		EventCount:       V1EventsCount,
		NQMmapStride:     V1NQMmapSizePerType,

		CoreWindowBase:      V1CoreWindowBase,
		CoreWindowSize:      V1CoreWindowSize,
		SemaphoreReadOffset: V1SemaphoreReadOffset,
		SemaphoreSetOffset:  V1SemaphoreSetOffset,
		SemaphoreIncrOffset: V1SemaphoreIncrOffset,
		SemaphoreDecrOffset: V1SemaphoreDecrOffset,
		EventOffset:         V1EventOffset,

		ProcessingUnitBase:    V1ProcessingUnitBase,
		ProcessingUnitStride:  V1ProcessingUnitStride,
		ExplNotificationBase:  V1ExplNotificationBase,
		ImplNotificationBase:  V1ImplNotificationBase,
		NotificationEngineLen: V1NotificationEngineLen,
		EventNotificationBase: V1EventNotificationBase,
		ErrorNotificationBase: V1ErrorNotificationBase,

		HostWindow: V1HostWindow,
	}
}

// Validate checks that the layout is internally consistent
func (l Layout) Validate() error {
	counts := []struct {
		name string
		v    int
	}{
		{"cores", l.Cores},
		{"engines", l.Engines},
		{"queue_types", l.QueueTypes},
		{"max_queues_per_core", l.MaxQueuesPerCore},
		{"semaphore_count", l.SemaphoreCount},
		{"event_count", l.EventCount},
	}
	for _, c := range counts {
		if c.v <= 0 {
			return InvalidArgument("layout: %s must be positive, got %d", c.name, c.v)
		}
	}
	if l.QueueTypes > V1QueueTypes {
		return InvalidArgument("layout: %d queue types, only %d are known", l.QueueTypes, V1QueueTypes)
	}
	if l.NQMmapStride == 0 || l.NQMmapStride&(l.NQMmapStride-1) != 0 {
		return InvalidArgument("layout: nq_mmap_stride %#x is not a power of two", l.NQMmapStride)
	}

	// Total mmap range must fit in 64 bits
	total := l.NQMmapStride
	for _, n := range []int{l.Cores, l.Engines, l.QueueTypes} {
		var ok bool
		if total, ok = mul64(total, uint64(n)); !ok {
			return InvalidArgument("layout: nq mmap range overflows 64 bits")
		}
	}

	// Each register window plus one guard register must fit in the core window
	windows := []struct {
		name  string
		off   uint64
		count int
	}{
		{"semaphore_read", l.SemaphoreReadOffset, l.SemaphoreCount},
		{"semaphore_set", l.SemaphoreSetOffset, l.SemaphoreCount},
		{"semaphore_incr", l.SemaphoreIncrOffset, l.SemaphoreCount},
		{"semaphore_decr", l.SemaphoreDecrOffset, l.SemaphoreCount},
		{"event", l.EventOffset, l.EventCount},
	}
	for _, w := range windows {
		end := w.off + uint64(w.count+1)*RegisterSize
		if end > l.CoreWindowSize {
			return InvalidArgument("layout: %s window ends at %#x past core window size %#x", w.name, end, l.CoreWindowSize)
		}
	}
	if l.NotificationEngineLen < 3*RegisterSize {
		return InvalidArgument("layout: notification config stride too small for three registers")
	}

	// Every notification config triplet must fit in the processing-unit block
	perEngine, ok := mul64(l.NotificationEngineLen, uint64(l.Engines))
	if !ok {
		return InvalidArgument("layout: notification engine block overflows 64 bits")
	}
	blocks := []struct {
		name string
		base uint64
		size uint64
	}{
		{"expl_notification", l.ExplNotificationBase, perEngine},
		{"impl_notification", l.ImplNotificationBase, perEngine},
		{"event_notification", l.EventNotificationBase, 3 * RegisterSize},
		{"error_notification", l.ErrorNotificationBase, 3 * RegisterSize},
	}
	for _, b := range blocks {
		if b.base > l.ProcessingUnitStride || b.size > l.ProcessingUnitStride-b.base {
			return InvalidArgument("layout: %s block at %#x+%#x past processing unit stride %#x",
				b.name, b.base, b.size, l.ProcessingUnitStride)
		}
	}
	return nil
}

// mul64 multiplies a and b, reporting false on overflow or a zero product
func mul64(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0 && lo != 0
}

// String summarizes the geometry
func (l Layout) String() string {
	return fmt.Sprintf("cores=%d engines=%d queue_types=%d max_queues=%d semaphores=%d events=%d stride=%#x",
		l.Cores, l.Engines, l.QueueTypes, l.MaxQueuesPerCore, l.SemaphoreCount, l.EventCount, l.NQMmapStride)
}
