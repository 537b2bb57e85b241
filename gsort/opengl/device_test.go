//go:build opengl43

package opengl_test

import (
	"io"
	"log"
	"math/rand"
	"runtime"
	"slices"
	"testing"

	"github.com/MatiasLyyra/radix/gsort"
	"github.com/MatiasLyyra/radix/gsort/opengl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = log.New(io.Discard, "", 0)

func initialize(t testing.TB) *opengl.Device {
	t.Helper()
	runtime.GOMAXPROCS(1)
	dev, err := opengl.Open(quiet)
	require.NoError(t, err, "opening GL context should succeed")
	return dev
}

func randomKeys(r *rand.Rand, n int) []uint32 {
	keys := make([]uint32, n)
	for i := range keys {
		keys[i] = r.Uint32()
	}
	return keys
}

func TestSortOpenGL(t *testing.T) {
	dev := initialize(t)
	defer dev.Close()

	for _, packedScan := range []bool{false, true} {
		cfg := gsort.DefaultConfig()
		cfg.PackedScan = packedScan
		gs, err := gsort.New(dev, gsort.NewSettings(1<<16-1).
			WithConfig(cfg).
			WithConsistencyChecks(true).
			WithLogger(quiet))
		require.NoError(t, err)

		r := rand.New(rand.NewSource(0))
		for _, n := range []int{1, 2, 255, 3072, 3073, 10_000, 1<<16 - 1} {
			for _, path := range []gsort.Path{gsort.PathAuto, gsort.PathPipeline} {
				keys := randomKeys(r, n)
				expected := slices.Clone(keys)
				slices.Sort(expected)
				require.NoError(t, gs.SortSlicePath(keys, path))
				assert.Equal(t, expected, keys, "n %d path %v packed %v", n, path, packedScan)
			}
		}
		gs.Free()
	}
}

func TestSortOpenGLStable(t *testing.T) {
	dev := initialize(t)
	defer dev.Close()

	cfg := gsort.DefaultConfig()
	cfg.KeyBits = 16
	gs, err := gsort.New(dev, gsort.NewSettings(20_000).WithConfig(cfg).WithLogger(quiet))
	require.NoError(t, err)
	defer gs.Free()

	r := rand.New(rand.NewSource(1))
	for _, n := range []int{3000, 20_000} {
		keys := make([]uint32, n)
		for i := range keys {
			keys[i] = uint32(i)<<16 | uint32(r.Intn(64))
		}
		require.NoError(t, gs.SortSlice(keys))
		for i := 1; i < n; i++ {
			prev, cur := keys[i-1], keys[i]
			require.LessOrEqual(t, prev&0xffff, cur&0xffff)
			if prev&0xffff == cur&0xffff {
				require.Less(t, prev>>16, cur>>16, "equal keys must keep input order")
			}
		}
	}
}

func TestDeviceLimits(t *testing.T) {
	dev := initialize(t)
	defer dev.Close()
	require.NoError(t, dev.Prepare(gsort.DefaultConfig()))
	assert.GreaterOrEqual(t, dev.Limits().MaxSharedBytes, 32<<10, "GL 4.3 guarantees 32 KiB of shared memory")
}
