package gsort

// Kernel names a compute pass a Device knows how to run.
type Kernel string

const (
	// KernelCount builds the per-workgroup digit histogram.
	KernelCount Kernel = "Count"
	// KernelScan turns the histogram into per-workgroup write offsets.
	KernelScan Kernel = "Scan"
	// KernelScanPacked is KernelScan with the across-bin scan done on packed
	// 4-bit sub-histograms. Only valid for fewer than PackedLimit keys.
	KernelScanPacked Kernel = "ScanPacked"
	// KernelSort scatters keys to the offsets produced by the scan.
	KernelSort Kernel = "Sort"
	// KernelSingleSort runs every pass inside a single workgroup.
	KernelSingleSort Kernel = "SingleSort"
)

// Kernels lists every kernel a Device must provide.
var Kernels = []Kernel{KernelCount, KernelScan, KernelScanPacked, KernelSort, KernelSingleSort}

// Buffer is a device resident array of uint32.
type Buffer interface {
	Len() int
}

// Launch describes the shape of a dispatch.
type Launch struct {
	WorkGroups    int
	WorkGroupSize int
	SharedBytes   int
}

// Args are the kernel parameters of a dispatch. Buffers a kernel does not use
// may be nil.
type Args struct {
	Src   Buffer
	Dst   Buffer
	Table Buffer
	// N is the logical key count.
	N uint32
	// Shift selects the digit of the current pass.
	Shift uint32
	// WorkGroups is the number of Count/Sort workgroups, the row length of the
	// Histogram Table.
	WorkGroups uint32
}

// Limits reports device capabilities the engine plans against.
type Limits struct {
	// MaxSharedBytes is the shared memory available to one workgroup.
	MaxSharedBytes int
}

// Device is the execution environment the sort runs on. Dispatch enqueues a
// kernel; Wait blocks until every enqueued dispatch finished and its writes
// are visible to the next one.
type Device interface {
	Name() string
	// Prepare builds the kernels for cfg. It is called once by New.
	Prepare(cfg Config) error
	Limits() Limits
	// Supports reports whether k was built by Prepare.
	Supports(k Kernel) bool
	Alloc(n int) (Buffer, error)
	Release(b Buffer)
	Upload(dst Buffer, offset int, src []uint32) error
	Download(dst []uint32, src Buffer, offset int) error
	Dispatch(k Kernel, l Launch, a Args) error
	Wait() error
	Close() error
}
