package cpu

import "github.com/MatiasLyyra/radix/gsort"

// workGroup is one workgroup of a dispatch.
type workGroup struct {
	id     int
	size   int
	shared []uint32
}

func newWorkGroup(id, size, sharedBytes int) *workGroup {
	return &workGroup{
		id:     id,
		size:   size,
		shared: make([]uint32, sharedBytes/4),
	}
}

// run executes one phase for every thread of the workgroup. Returning from
// run is the barrier: all shared memory writes of the phase are visible to the
// next phase. Threads of a phase run one after another, so increments of
// shared counters need no atomics.
func (g *workGroup) run(phase func(tid int)) {
	for tid := range g.size {
		phase(tid)
	}
}

// alloc carves n words off the shared memory.
func (g *workGroup) alloc(n int) []uint32 {
	s := g.shared[:n:n]
	g.shared = g.shared[n:]
	return s
}

type kernelArgs struct {
	cfg        gsort.Config
	src        []uint32
	dst        []uint32
	table      []uint32
	n          int
	shift      uint32
	mask       uint32
	workGroups int
}

func (a *kernelArgs) digit(key uint32) uint32 {
	return (key >> a.shift) & a.mask
}

// block returns the key range owned by Count/Sort workgroup id.
func (a *kernelArgs) block(id int) (start, end int) {
	size := a.cfg.BlockSize()
	start = id * size
	end = min(start+size, a.n)
	return start, end
}
