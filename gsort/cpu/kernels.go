package cpu

import "github.com/MatiasLyyra/radix/gsort/packed"

// noDigit marks a thread without a key in the current round.
const noDigit = ^uint32(0)

// countKernel writes the digit histogram of the workgroup's block to column
// g.id of the bin-major table.
func countKernel(g *workGroup, a *kernelArgs) {
	bins := a.cfg.Bins()
	counters := g.alloc(bins)
	start, end := a.block(g.id)
	items := a.cfg.CountItemsPerWorkItem()
	binsPerItem := a.cfg.BinsPerWorkItem()

	g.run(func(tid int) {
		for i := range binsPerItem {
			if b := i*g.size + tid; b < bins {
				counters[b] = 0
			}
		}
	})
	g.run(func(tid int) {
		for i := range items {
			if idx := start + i*g.size + tid; idx < end {
				counters[a.digit(a.src[idx])]++
			}
		}
	})
	g.run(func(tid int) {
		for i := range binsPerItem {
			if b := i*g.size + tid; b < bins {
				a.table[b*a.workGroups+g.id] = counters[b]
			}
		}
	})
}

// scanKernel rewrites the table into write offsets. Runs as one workgroup
// with a thread per bin.
func scanKernel(g *workGroup, a *kernelArgs) {
	bins := a.cfg.Bins()
	totals := g.alloc(bins)
	own := g.alloc(bins)
	scratch := g.alloc(bins)

	g.run(func(b int) {
		own[b] = sweepBin(a, b)
		totals[b] = own[b]
	})
	inclusiveScan(g, totals, scratch)
	g.run(func(b int) {
		addBase(a, b, totals[b]-own[b])
		if b == bins-1 {
			a.table[bins*a.workGroups] = totals[b]
		}
	})
}

// scanPackedKernel is scanKernel with the across-bin scan done on packed
// 4-bit sub-histograms.
func scanPackedKernel(g *workGroup, a *kernelArgs) {
	bins := a.cfg.Bins()
	totals := g.alloc(bins)
	prefix := g.alloc(bins)
	groups := g.alloc(packed.Bins)

	g.run(func(b int) {
		totals[b] = sweepBin(a, b)
	})
	packedScan(g, totals, prefix, groups)
	g.run(func(b int) {
		addBase(a, b, prefix[b])
		if b == bins-1 {
			a.table[bins*a.workGroups] = prefix[b] + totals[b]
		}
	})
}

// sweepBin turns the counts of bin b into an exclusive prefix over the
// workgroups and returns the bin total.
func sweepBin(a *kernelArgs, b int) uint32 {
	row := a.table[b*a.workGroups : (b+1)*a.workGroups]
	var sum uint32
	for w, c := range row {
		row[w] = sum
		sum += c
	}
	return sum
}

func addBase(a *kernelArgs, b int, base uint32) {
	row := a.table[b*a.workGroups : (b+1)*a.workGroups]
	for w := range row {
		row[w] += base
	}
}

// inclusiveScan is a Hillis-Steele scan of values in shared memory.
func inclusiveScan(g *workGroup, values, scratch []uint32) {
	n := len(values)
	for offset := 1; offset < n; offset <<= 1 {
		g.run(func(tid int) {
			for i := tid; i < n; i += g.size {
				v := values[i]
				if i >= offset {
					v += values[i-offset]
				}
				scratch[i] = v
			}
		})
		g.run(func(tid int) {
			for i := tid; i < n; i += g.size {
				values[i] = scratch[i]
			}
		})
	}
}

// packedScan writes the exclusive scan of a 256-bin hist to prefix. Sixteen
// threads scan one low nibble each, then one thread scans the group totals.
func packedScan(g *workGroup, hist, prefix, groups []uint32) {
	g.run(func(tid int) {
		for hi := tid; hi < packed.Bins; hi += g.size {
			groups[hi] = packed.ScanNibble(hist, prefix, hi)
		}
	})
	g.run(func(tid int) {
		if tid == 0 {
			packed.ScanGroups(groups)
		}
	})
	g.run(func(tid int) {
		for b := tid; b < len(prefix); b += g.size {
			prefix[b] += groups[b/packed.Bins]
		}
	})
}
