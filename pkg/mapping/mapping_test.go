//go:build unit

package mapping_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/emergingrobotics/go-neuron/pkg/driver"
	"github.com/emergingrobotics/go-neuron/pkg/mapping"
	"github.com/emergingrobotics/go-neuron/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsString(t *testing.T) {
	tests := []struct {
		flags mapping.Flags
		want  string
	}{
		{0, "none"},
		{mapping.DontDump, "dontdump"},
		{mapping.DontExpand | mapping.DontCopy, "dontexpand|dontcopy"},
		{mapping.HardwareBacked, "dontexpand|dontdump|dontcopy"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.flags.String())
	}
}

func TestFaultInjectorFailNext(t *testing.T) {
	inner := testutil.NewFakeMapper()
	inj := mapping.NewFaultInjector(inner, mapping.FaultAttr{})

	_, err := inj.Map(0x1000, 4096, mapping.Request{})
	require.NoError(t, err)

	inj.FailNext(2)
	for i := 0; i < 2; i++ {
		_, err := inj.Map(0x1000, 4096, mapping.Request{})
		testutil.AssertStatus(t, err, driver.StatusResourceExhausted, "forced fault")
	}
	_, err = inj.Map(0x1000, 4096, mapping.Request{})
	require.NoError(t, err)

	assert.Equal(t, 2, inj.Injected())
	assert.Equal(t, 2, inner.Maps())
}

func TestFaultInjectorTimesAndInterval(t *testing.T) {
	tests := []struct {
		name string
		attr mapping.FaultAttr
		want []bool
	}{
		{
			name: "always, twice",
			attr: mapping.FaultAttr{Probability: 100, Times: 2},
			want: []bool{true, true, false, false},
		},
		{
			name: "every third call, unlimited",
			attr: mapping.FaultAttr{Probability: 100, Interval: 3, Times: -1},
			want: []bool{false, false, true, false, false, true},
		},
		{
			name: "zero probability never fires",
			attr: mapping.FaultAttr{Probability: 0, Times: -1},
			want: []bool{false, false, false},
		},
		{
			name: "zero times never fires",
			attr: mapping.FaultAttr{Probability: 100, Times: 0},
			want: []bool{false, false},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inj := mapping.NewFaultInjector(testutil.NewFakeMapper(), tt.attr)
			for i, fail := range tt.want {
				_, err := inj.Map(0, 4096, mapping.Request{})
				assert.Equal(t, fail, err != nil, "call %d", i)
			}
		})
	}
}

func TestFaultInjectorSeedIsDeterministic(t *testing.T) {
	attr := mapping.FaultAttr{Probability: 50, Times: -1, Seed: 42}
	a := mapping.NewFaultInjector(testutil.NewFakeMapper(), attr)
	b := mapping.NewFaultInjector(testutil.NewFakeMapper(), attr)

	for i := 0; i < 64; i++ {
		_, errA := a.Map(0, 4096, mapping.Request{})
		_, errB := b.Map(0, 4096, mapping.Request{})
		assert.Equal(t, errA != nil, errB != nil, "call %d", i)
	}
	assert.Equal(t, a.Injected(), b.Injected())
}

func TestFaultInjectorDelegatesAdviseAndUnmap(t *testing.T) {
	inner := testutil.NewFakeMapper()
	inj := mapping.NewFaultInjector(inner, mapping.FaultAttr{})

	mp, err := inj.Map(0x2000, 4096, mapping.Request{Prot: mapping.ProtRead})
	require.NoError(t, err)
	require.NoError(t, inj.Advise(mp, mapping.HardwareBacked))
	assert.Equal(t, mapping.HardwareBacked, mp.Flags)

	require.NoError(t, inj.Unmap(mp))
	assert.Zero(t, inner.Live())
}

func TestDevMemMapsFileBackedRange(t *testing.T) {
	page := os.Getpagesize()
	path := filepath.Join(t.TempDir(), "mem")
	content := make([]byte, 2*page)
	content[page] = 0xab
	require.NoError(t, os.WriteFile(path, content, 0600))

	dm, err := mapping.OpenDevMem(path, nil)
	require.NoError(t, err)
	defer dm.Close()

	mp, err := dm.Map(uint64(page), 100, mapping.Request{Prot: mapping.ProtRead | mapping.ProtWrite})
	require.NoError(t, err)
	assert.Len(t, mp.Data, 100)
	assert.Equal(t, byte(0xab), mp.Data[0])
	assert.Equal(t, uint64(page), mp.PhysAddr)

	require.NoError(t, dm.Advise(mp, mapping.HardwareBacked))
	assert.Equal(t, mapping.HardwareBacked, mp.Flags)
	assert.Contains(t, mp.String(), "dontdump")

	require.NoError(t, dm.Unmap(mp))
	assert.Nil(t, mp.Data)
	require.NoError(t, dm.Unmap(mp))
}

func TestDevMemRejects(t *testing.T) {
	path := testutil.TempFile(t, "mem", make([]byte, os.Getpagesize()))
	dm, err := mapping.OpenDevMem(path, nil)
	require.NoError(t, err)

	_, err = dm.Map(1, 4096, mapping.Request{Prot: mapping.ProtRead})
	testutil.AssertStatus(t, err, driver.StatusInvalidArgument, "unaligned pa")
	_, err = dm.Map(0, 0, mapping.Request{Prot: mapping.ProtRead})
	testutil.AssertStatus(t, err, driver.StatusInvalidArgument, "zero length")

	require.NoError(t, dm.Close())
	_, err = dm.Map(0, 4096, mapping.Request{Prot: mapping.ProtRead})
	testutil.AssertStatus(t, err, driver.StatusOperationFailed, "closed")

	_, err = mapping.OpenDevMem(filepath.Join(t.TempDir(), "missing"), nil)
	testutil.AssertStatus(t, err, driver.StatusNotFound, "missing device")
}
