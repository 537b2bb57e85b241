// Package packed implements 16-bin histograms stored as four 16-bit counters
// per 64-bit word, so that one wide add or shift updates four bins at once.
//
// A 256-bin scan is rebuilt from two 4-bit scans: the bins of every high
// nibble are scanned as one packed histogram, then the sixteen group totals
// are scanned again.
package packed

const (
	// Bins is the number of counters of a sub-histogram.
	Bins = 16
	// PackFactor is the number of 16-bit counters in one word.
	PackFactor = 4
	// Words is the number of words of a sub-histogram.
	Words = Bins / PackFactor
	// Limit is the first value a counter or a prefix cannot hold.
	Limit = 1 << laneBits

	laneBits = 16
	laneMask = Limit - 1
	// ones has a 1 in every lane; multiplying broadcasts a lane value.
	ones = 0x0001_0001_0001_0001
)

// Counters is a packed 16-bin histogram.
type Counters [Words]uint64

// Add adds v to bin.
func (c *Counters) Add(bin, v uint32) {
	c[bin/PackFactor] += uint64(v) << (laneBits * (bin % PackFactor))
}

// Get returns the counter of bin.
func (c *Counters) Get(bin uint32) uint32 {
	return uint32(c[bin/PackFactor]>>(laneBits*(bin%PackFactor))) & laneMask
}

// ExclusiveScan replaces every counter with the sum of the counters before it
// and returns the sum of all counters. The caller guarantees the sum is below
// Limit.
func (c *Counters) ExclusiveScan() uint32 {
	var carry uint64
	for i, w := range c {
		total := (w * ones) >> (3 * laneBits)
		// lanes [0, c0, c1, c2], then [0, c0, c0+c1, c1+c2], then the full prefix
		p := w << laneBits
		p += p << laneBits
		p += p << (2 * laneBits)
		c[i] = p + carry*ones
		carry += total
	}
	return uint32(carry)
}

// Load packs sixteen counters.
func Load(counts []uint32) Counters {
	var c Counters
	for bin, v := range counts[:Bins] {
		c.Add(uint32(bin), v)
	}
	return c
}

// Store unpacks sixteen counters into dst.
func (c *Counters) Store(dst []uint32) {
	for bin := range dst[:Bins] {
		dst[bin] = c.Get(uint32(bin))
	}
}

// ScanNibble exclusively scans the sixteen bins whose high nibble is hi.
// hist and out hold 256 bins; the group total is returned.
func ScanNibble(hist, out []uint32, hi int) uint32 {
	c := Load(hist[hi*Bins : hi*Bins+Bins])
	total := c.ExclusiveScan()
	c.Store(out[hi*Bins : hi*Bins+Bins])
	return total
}

// ScanGroups exclusively scans the sixteen group totals left by ScanNibble
// and returns their sum, the total of the 256-bin histogram.
func ScanGroups(groups []uint32) uint32 {
	c := Load(groups)
	total := c.ExclusiveScan()
	c.Store(groups)
	return total
}
