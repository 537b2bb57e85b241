package cpu

// sortKernel scatters the workgroup's block to the offsets of its table column.
func sortKernel(g *workGroup, a *kernelArgs) {
	bins := a.cfg.Bins()
	offsets := g.alloc(bins)
	digits := g.alloc(g.size)
	ranks := g.alloc(g.size)
	start, end := a.block(g.id)

	g.run(func(tid int) {
		for b := tid; b < bins; b += g.size {
			offsets[b] = a.table[b*a.workGroups+g.id]
		}
	})
	scatter(g, a, a.src[:end], a.dst, start, a.cfg.SortItemsPerWorkItem, offsets, digits, ranks)
}

// singleSortKernel sorts up to SingleSortCapacity keys in one workgroup,
// keeping the keys in shared memory between passes.
func singleSortKernel(g *workGroup, a *kernelArgs) {
	cfg := a.cfg
	bins := cfg.Bins()
	capacity := cfg.SingleSortCapacity()
	keys := g.alloc(capacity)
	temp := g.alloc(capacity)
	hist := g.alloc(bins)
	prefix := g.alloc(bins)
	scratch := g.alloc(bins)
	digits := g.alloc(g.size)
	ranks := g.alloc(g.size)
	n := a.n

	g.run(func(tid int) {
		for i := tid; i < n; i += g.size {
			keys[i] = a.src[i]
		}
	})
	pass := *a
	for p := range cfg.Passes() {
		pass.shift = uint32(p * cfg.DigitBits)
		g.run(func(tid int) {
			for b := tid; b < bins; b += g.size {
				hist[b] = 0
			}
		})
		g.run(func(tid int) {
			for i := tid; i < n; i += g.size {
				hist[pass.digit(keys[i])]++
			}
		})
		if cfg.PackedScan {
			packedScan(g, hist, prefix, scratch)
		} else {
			g.run(func(tid int) {
				for b := tid; b < bins; b += g.size {
					prefix[b] = hist[b]
				}
			})
			inclusiveScan(g, prefix, scratch)
			g.run(func(tid int) {
				for b := tid; b < bins; b += g.size {
					prefix[b] -= hist[b]
				}
			})
		}
		scatter(g, &pass, keys[:n], temp, 0, cfg.SingleSortItemsPerWorkItem, prefix, digits, ranks)
		keys, temp = temp, keys
	}
	g.run(func(tid int) {
		for i := tid; i < n; i += g.size {
			a.dst[i] = keys[i]
		}
	})
}

// scatter moves keys[start:] to out in rounds of one key per thread. A key's
// destination is offsets[digit] plus the number of keys with the same digit
// handled by lower threads of the same round; after the round the last such
// thread advances offsets[digit]. Keys therefore leave in index order within
// every digit, which keeps the sort stable.
func scatter(g *workGroup, a *kernelArgs, keys, out []uint32, start, rounds int, offsets, digits, ranks []uint32) {
	for r := range rounds {
		base := start + r*g.size
		if base >= len(keys) {
			break
		}
		g.run(func(tid int) {
			digits[tid] = noDigit
			if idx := base + tid; idx < len(keys) {
				digits[tid] = a.digit(keys[idx])
			}
		})
		g.run(func(tid int) {
			d := digits[tid]
			if d == noDigit {
				return
			}
			var rank uint32
			for _, other := range digits[:tid] {
				if other == d {
					rank++
				}
			}
			ranks[tid] = rank
			out[offsets[d]+rank] = keys[base+tid]
		})
		g.run(func(tid int) {
			d := digits[tid]
			if d == noDigit {
				return
			}
			for _, other := range digits[tid+1:] {
				if other == d {
					return
				}
			}
			offsets[d] += ranks[tid] + 1
		})
	}
}
