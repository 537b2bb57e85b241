//go:build webgpu

package webgpu_test

import (
	"io"
	"log"
	"math/rand"
	"slices"
	"testing"

	"github.com/MatiasLyyra/radix/gsort"
	"github.com/MatiasLyyra/radix/gsort/webgpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = log.New(io.Discard, "", 0)

func open(t testing.TB) *webgpu.Device {
	t.Helper()
	dev, err := webgpu.Open(quiet)
	require.NoError(t, err, "WebGPU adapter should be available")
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestSortWebGPU(t *testing.T) {
	dev := open(t)
	gs, err := gsort.New(dev, gsort.NewSettings(1<<17).WithConsistencyChecks(true).WithLogger(quiet))
	require.NoError(t, err)
	defer gs.Free()

	r := rand.New(rand.NewSource(0))
	for _, n := range []int{1, 2, 767, 768, 769, 3073, 10_000, 1 << 17} {
		keys := make([]uint32, n)
		for i := range keys {
			keys[i] = r.Uint32()
		}
		expected := slices.Clone(keys)
		slices.Sort(expected)
		require.NoError(t, gs.SortSlice(keys))
		assert.Equal(t, expected, keys, "n %d", n)
		assert.Equal(t, gsort.PathPipeline, gs.Stats().Path, "WebGPU has no single workgroup sort")
	}
}

func TestPrepareRejectsPackedScan(t *testing.T) {
	dev := open(t)
	cfg := gsort.DefaultConfig()
	cfg.PackedScan = true
	_, err := gsort.New(dev, gsort.NewSettings(1024).WithConfig(cfg).WithLogger(quiet))
	assert.ErrorIs(t, err, gsort.ErrInvalidConfig)
}

func TestSortWebGPUSmallSingleSortConfig(t *testing.T) {
	dev := open(t)
	cfg := gsort.DefaultConfig()
	cfg.SingleSortWorkGroupSize = 64
	cfg.SingleSortItemsPerWorkItem = 8
	require.Less(t, cfg.SharedBytes(gsort.KernelSingleSort), webgpu.DefaultSharedBytes)

	gs, err := gsort.New(dev, gsort.NewSettings(1000).WithConfig(cfg).WithLogger(quiet))
	require.NoError(t, err)
	defer gs.Free()
	assert.False(t, dev.Supports(gsort.KernelSingleSort))

	keys := []uint32{5, 3, 3, 0, 255, 128}
	require.NoError(t, gs.SortSlicePath(keys, gsort.PathSingleWorkgroup))
	assert.Equal(t, []uint32{0, 3, 3, 5, 128, 255}, keys)
	assert.Equal(t, gsort.PathPipeline, gs.Stats().Path)
}

func TestWaitAfterDispatch(t *testing.T) {
	dev := open(t)
	cfg := gsort.DefaultConfig()
	require.NoError(t, dev.Prepare(cfg))
	src, err := dev.Alloc(10)
	require.NoError(t, err)
	defer dev.Release(src)
	table, err := dev.Alloc(cfg.TableSize(10))
	require.NoError(t, err)
	defer dev.Release(table)

	require.NoError(t, dev.Upload(src, 0, []uint32{1, 1, 2, 3, 5, 8, 13, 21, 34, 55}))
	require.NoError(t, dev.Dispatch(gsort.KernelCount, gsort.Launch{
		WorkGroups:    1,
		WorkGroupSize: cfg.WorkGroupSize(gsort.KernelCount),
		SharedBytes:   cfg.SharedBytes(gsort.KernelCount),
	}, gsort.Args{Src: src, Table: table, N: 10, WorkGroups: 1}))
	require.NoError(t, dev.Wait())

	counts := make([]uint32, 256)
	require.NoError(t, dev.Download(counts, table, 0))
	assert.Equal(t, uint32(2), counts[1])
	assert.Equal(t, uint32(1), counts[55])
}
