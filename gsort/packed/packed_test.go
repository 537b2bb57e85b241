package packed_test

import (
	"math/rand"
	"testing"

	"github.com/MatiasLyyra/radix/gsort/packed"
	"github.com/stretchr/testify/assert"
)

func exclusiveScan(hist []uint32) ([]uint32, uint32) {
	out := make([]uint32, len(hist))
	var sum uint32
	for i, v := range hist {
		out[i] = sum
		sum += v
	}
	return out, sum
}

func TestCountersAddGet(t *testing.T) {
	var c packed.Counters
	for bin := range uint32(packed.Bins) {
		c.Add(bin, bin*100)
		c.Add(bin, 1)
	}
	for bin := range uint32(packed.Bins) {
		assert.Equal(t, bin*100+1, c.Get(bin))
	}
}

func TestCountersExclusiveScan(t *testing.T) {
	r := rand.New(rand.NewSource(0))
	for range 1000 {
		hist := make([]uint32, packed.Bins)
		for i := range hist {
			hist[i] = uint32(r.Intn(packed.Limit / packed.Bins))
		}
		expected, expectedTotal := exclusiveScan(hist)

		c := packed.Load(hist)
		total := c.ExclusiveScan()
		actual := make([]uint32, packed.Bins)
		c.Store(actual)

		assert.Equal(t, expectedTotal, total)
		assert.Equal(t, expected, actual)
	}
}

func TestCountersExclusiveScanNearLimit(t *testing.T) {
	hist := make([]uint32, packed.Bins)
	hist[packed.Bins-1] = packed.Limit - 1
	c := packed.Load(hist)
	assert.Equal(t, uint32(packed.Limit-1), c.ExclusiveScan())
	for bin := range uint32(packed.Bins) {
		assert.Zero(t, c.Get(bin))
	}

	hist[packed.Bins-1] = 0
	hist[0] = packed.Limit - 1
	c = packed.Load(hist)
	assert.Equal(t, uint32(packed.Limit-1), c.ExclusiveScan())
	assert.Zero(t, c.Get(0))
	for bin := uint32(1); bin < packed.Bins; bin++ {
		assert.Equal(t, uint32(packed.Limit-1), c.Get(bin))
	}
}

// scan256 composes a full 256-bin scan the way a workgroup does it.
func scan256(hist, out []uint32) uint32 {
	groups := make([]uint32, packed.Bins)
	for hi := range groups {
		groups[hi] = packed.ScanNibble(hist, out, hi)
	}
	total := packed.ScanGroups(groups)
	for b := range out {
		out[b] += groups[b/packed.Bins]
	}
	return total
}

func TestScanNibbleAndGroups(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for _, keys := range []int{0, 1, 255, 3072, packed.Limit - 1} {
		hist := make([]uint32, 256)
		for range keys {
			hist[r.Intn(256)]++
		}
		expected, expectedTotal := exclusiveScan(hist)

		out := make([]uint32, 256)
		total := scan256(hist, out)
		assert.Equal(t, expectedTotal, total)
		assert.Equal(t, expected, out)
	}
}

func TestScanNibbleAndGroupsSingleBin(t *testing.T) {
	hist := make([]uint32, 256)
	hist[200] = 3000
	out := make([]uint32, 256)
	assert.Equal(t, uint32(3000), scan256(hist, out))
	for b, v := range out {
		if b <= 200 {
			assert.Zero(t, v, "bin %d", b)
		} else {
			assert.Equal(t, uint32(3000), v, "bin %d", b)
		}
	}
}

func TestScanGroups(t *testing.T) {
	groups := []uint32{3, 0, 5, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 7}
	assert.Equal(t, uint32(16), packed.ScanGroups(groups))
	assert.Equal(t, []uint32{0, 3, 3, 8, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9}, groups)
}
