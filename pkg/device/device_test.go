//go:build unit

package device

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/emergingrobotics/go-neuron/pkg/driver"
	"github.com/emergingrobotics/go-neuron/pkg/mapping"
	"github.com/emergingrobotics/go-neuron/pkg/nq"
	"github.com/emergingrobotics/go-neuron/testutil"
	"github.com/prometheus/client_golang/prometheus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type deviceFixture struct {
	dev    *Device
	regs   *testutil.FakeRegisters
	pool   *testutil.FakePool
	mapper *testutil.FakeMapper
	reg    *prometheus.Registry
}

func newTestDevice(t *testing.T, mutate func(*Options)) *deviceFixture {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	f := &deviceFixture{
		regs:   testutil.NewFakeRegisters(nil),
		pool:   testutil.NewFakePool(nil),
		mapper: testutil.NewFakeMapper(),
		reg:    prometheus.NewRegistry(),
	}
	opts := Options{
		Path:       "/dev/neuron0",
		Layout:     driver.V1Layout(),
		Regs:       f.regs,
		Pool:       f.pool,
		Mapper:     f.mapper,
		Registerer: f.reg,
		Logger:     logger,
	}
	if mutate != nil {
		mutate(&opts)
	}
	dev, err := New(opts)
	require.NoError(t, err)
	f.dev = dev
	return f
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{Layout: driver.V1Layout()})
	assert.ErrorIs(t, err, driver.ErrInvalidArgument)

	l := driver.V1Layout()
	l.Cores = 0
	_, err = New(Options{Layout: l, Regs: testutil.NewFakeRegisters(nil), Pool: testutil.NewFakePool(nil), Mapper: testutil.NewFakeMapper()})
	assert.ErrorIs(t, err, driver.ErrInvalidArgument)
}

func TestSemaphoreAndEventThroughDevice(t *testing.T) {
	f := newTestDevice(t, nil)

	require.NoError(t, f.dev.SemaphoreSet(1, 4, 12))
	require.NoError(t, f.dev.SemaphoreIncrement(1, 4, 1))
	require.NoError(t, f.dev.SemaphoreDecrement(1, 4, 1))
	assert.Len(t, f.regs.Writes(), 3)

	_, err := f.dev.SemaphoreRead(1, driver.V1SemaphoreCount)
	testutil.AssertStatus(t, err, driver.StatusInvalidArgument, "semaphore at count")

	require.NoError(t, f.dev.EventSet(0, 3, 1))
	v, err := f.dev.EventGet(0, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v)
}

func TestQueueLifecycleThroughDevice(t *testing.T) {
	f := newTestDevice(t, nil)

	require.NoError(t, f.dev.InitQueue(0, 1, nq.TypeNotify, 4096))
	mp, err := f.dev.MmapQueue(0, 1, nq.TypeNotify, mapping.Request{Length: 4096, Prot: mapping.ProtRead})
	require.NoError(t, err)
	assert.Equal(t, mapping.HardwareBacked, mp.Flags)
	require.NoError(t, f.dev.Unmap(mp))

	infos := f.dev.Queues()
	require.Len(t, infos, 1)
	assert.Equal(t, nq.Queue{Core: 0, Engine: 1, Type: nq.TypeNotify}, infos[0].Queue)

	require.NoError(t, f.dev.DestroyQueue(0, 1, nq.TypeNotify))
	assert.Empty(t, f.dev.Queues())
	assert.Zero(t, f.pool.Live())
}

func TestMapQueueAt(t *testing.T) {
	f := newTestDevice(t, nil)

	off, err := f.dev.Codec().Encode(2, 3, nq.TypeError)
	require.NoError(t, err)

	q, mp, err := f.dev.MapQueueAt(off+100, 8192, mapping.Request{Prot: mapping.ProtRead})
	require.NoError(t, err)
	assert.Equal(t, nq.Queue{Core: 2, Engine: 3, Type: nq.TypeError}, q)
	assert.Equal(t, uint64(8192), mp.Length)
	assert.Equal(t, 1, f.pool.Allocs())

	// A second mapping of the same window reuses the chunk
	_, _, err = f.dev.MapQueueAt(off, 8192, mapping.Request{Prot: mapping.ProtRead})
	require.NoError(t, err)
	assert.Equal(t, 1, f.pool.Allocs())

	_, _, err = f.dev.MapQueueAt(f.dev.Codec().TotalSize(), 4096, mapping.Request{})
	testutil.AssertStatus(t, err, driver.StatusInvalidArgument, "offset past space")
}

func TestFaultInjectionOption(t *testing.T) {
	f := newTestDevice(t, func(o *Options) {
		o.Faults = &mapping.FaultAttr{}
	})
	require.NotNil(t, f.dev.FaultInjector())

	require.NoError(t, f.dev.InitQueue(1, 0, nq.TypeTrace, 4096))
	f.dev.FaultInjector().FailNext(1)
	_, err := f.dev.MmapQueue(1, 0, nq.TypeTrace, mapping.Request{Length: 4096})
	testutil.AssertStatus(t, err, driver.StatusResourceExhausted, "injected")

	_, err = f.dev.MmapQueue(1, 0, nq.TypeTrace, mapping.Request{Length: 4096})
	assert.NoError(t, err)

	plain := newTestDevice(t, nil)
	assert.Nil(t, plain.dev.FaultInjector())
}

func TestCloseTearsDownQueuesAndClosers(t *testing.T) {
	var order []string
	f := newTestDevice(t, func(o *Options) {
		o.Closers = []io.Closer{
			closerFunc(func() error { order = append(order, "mapper"); return nil }),
			closerFunc(func() error { order = append(order, "bars"); return errors.New("bars busy") }),
		}
	})

	require.NoError(t, f.dev.InitQueue(0, 0, nq.TypeTrace, 4096))
	require.NoError(t, f.dev.InitQueue(3, 2, nq.TypeEvent, 4096))

	err := f.dev.Close()
	assert.EqualError(t, err, "bars busy")
	assert.Equal(t, []string{"mapper", "bars"}, order)
	assert.Zero(t, f.pool.Live())
	assert.Equal(t, 2, f.pool.Frees())

	// Second close is a no-op
	assert.NoError(t, f.dev.Close())
	assert.Len(t, order, 2)
}

func TestOperationsFailAfterClose(t *testing.T) {
	f := newTestDevice(t, nil)
	require.NoError(t, f.dev.Close())

	_, err := f.dev.SemaphoreRead(0, 0)
	assert.ErrorIs(t, err, ErrDeviceClosed)
	assert.ErrorIs(t, f.dev.EventSet(0, 0, 1), ErrDeviceClosed)
	assert.ErrorIs(t, f.dev.InitQueue(0, 0, nq.TypeTrace, 4096), ErrDeviceClosed)
	assert.ErrorIs(t, f.dev.DestroyAllQueues(), ErrDeviceClosed)
	_, err = f.dev.MmapQueue(0, 0, nq.TypeTrace, mapping.Request{})
	assert.ErrorIs(t, err, ErrDeviceClosed)
	assert.Zero(t, f.pool.Allocs())
}

func TestUnmapAfterClose(t *testing.T) {
	f := newTestDevice(t, nil)
	require.NoError(t, f.dev.InitQueue(2, 1, nq.TypeTrace, 4096))
	mp, err := f.dev.MmapQueue(2, 1, nq.TypeTrace, mapping.Request{Length: 4096, Prot: mapping.ProtRead})
	require.NoError(t, err)

	require.NoError(t, f.dev.Close())
	assert.Zero(t, f.pool.Live())
	assert.Equal(t, 1, f.mapper.Live())

	require.NoError(t, f.dev.Unmap(mp))
	assert.Zero(t, f.mapper.Live())
	assert.Nil(t, mp.Data)
}

func TestLeakedChunksVisible(t *testing.T) {
	f := newTestDevice(t, nil)
	require.NoError(t, f.dev.InitQueue(0, 0, nq.TypeNotify, 4096))
	f.pool.FailFree(testutil.FakePoolBase, errors.New("pool busy"))

	err := f.dev.DestroyAllQueues()
	assert.ErrorIs(t, err, nq.ErrChunkLeaked)
	require.Len(t, f.dev.Leaked(), 1)
	assert.Empty(t, f.dev.Queues())
}

func TestConcurrentQueueOperations(t *testing.T) {
	f := newTestDevice(t, nil)
	l := f.dev.Layout()

	var wg sync.WaitGroup
	for core := 0; core < l.Cores; core++ {
		for engine := 0; engine < l.Engines; engine++ {
			wg.Add(1)
			go func(core, engine int) {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					if err := f.dev.InitQueue(core, engine, nq.TypeNotify, 4096); err != nil {
						t.Errorf("init: %v", err)
						return
					}
					if _, err := f.dev.SemaphoreRead(core, engine); err != nil {
						t.Errorf("read: %v", err)
						return
					}
					if err := f.dev.DestroyQueue(core, engine, nq.TypeNotify); err != nil {
						t.Errorf("destroy: %v", err)
						return
					}
				}
			}(core, engine)
		}
	}
	wg.Wait()

	assert.Empty(t, f.dev.Queues())
	assert.Zero(t, f.pool.Live())
	assert.Equal(t, f.pool.Allocs(), f.pool.Frees())
}

func TestQueueMetricsRegistered(t *testing.T) {
	f := newTestDevice(t, nil)
	require.NoError(t, f.dev.InitQueue(0, 0, nq.TypeTrace, 4096))

	families, err := f.reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["neuron_nq_chunks_allocated_total"])
	assert.True(t, names["neuron_nq_configured_queues"])
}
