// Package cpu runs the sort kernels on goroutines.
//
// Workgroups of a dispatch are spread over GOMAXPROCS goroutines. The threads
// of one workgroup execute a kernel phase by phase: every thread finishes a
// phase before any thread starts the next one, which is the workgroup barrier.
// Shared memory is a zeroed []uint32 per workgroup.
package cpu

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"

	"github.com/MatiasLyyra/radix/gsort"
	"golang.org/x/sync/errgroup"
)

// DefaultSharedBytes is the shared memory limit of a workgroup unless
// WithSharedMemoryLimit says otherwise.
const DefaultSharedBytes = 64 << 10

// FaultHook is called before every dispatch with its sequence number. A
// non-nil error fails the dispatch.
type FaultHook func(k gsort.Kernel, seq int) error

type Option func(*Device)

// WithWorkers sets the number of goroutines running workgroups.
func WithWorkers(n int) Option {
	return func(d *Device) { d.workers = n }
}

func WithSharedMemoryLimit(bytes int) Option {
	return func(d *Device) { d.sharedLimit = bytes }
}

func WithFaultHook(hook FaultHook) Option {
	return func(d *Device) { d.fault = hook }
}

func WithLogger(logger *log.Logger) Option {
	return func(d *Device) { d.logger = logger }
}

// WithoutKernels leaves kernels out of Prepare, like a backend that cannot
// build them.
func WithoutKernels(kernels ...gsort.Kernel) Option {
	return func(d *Device) { d.missing = append(d.missing, kernels...) }
}

// Buffer is a device buffer backed by host memory.
type Buffer struct {
	data []uint32
}

func (b *Buffer) Len() int { return len(b.data) }

// Data exposes the buffer contents.
func (b *Buffer) Data() []uint32 { return b.data }

type kernelFunc func(g *workGroup, a *kernelArgs)

// Device implements gsort.Device.
type Device struct {
	workers     int
	sharedLimit int
	fault       FaultHook
	logger      *log.Logger
	missing     []gsort.Kernel

	mu      sync.Mutex
	cfg     gsort.Config
	kernels map[gsort.Kernel]kernelFunc
	seq     int
}

func New(opts ...Option) *Device {
	d := &Device{
		workers:     runtime.GOMAXPROCS(0),
		sharedLimit: DefaultSharedBytes,
		logger:      log.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.workers < 1 {
		d.workers = 1
	}
	return d
}

func (d *Device) Name() string { return "cpu" }

func (d *Device) Limits() gsort.Limits {
	return gsort.Limits{MaxSharedBytes: d.sharedLimit}
}

func (d *Device) Prepare(cfg gsort.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	d.kernels = map[gsort.Kernel]kernelFunc{
		gsort.KernelCount:      countKernel,
		gsort.KernelScan:       scanKernel,
		gsort.KernelScanPacked: scanPackedKernel,
		gsort.KernelSort:       sortKernel,
		gsort.KernelSingleSort: singleSortKernel,
	}
	for _, k := range d.missing {
		delete(d.kernels, k)
	}
	return nil
}

func (d *Device) Supports(k gsort.Kernel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.kernels[k]
	return ok
}

func (d *Device) Alloc(n int) (gsort.Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("cpu: invalid buffer length %d", n)
	}
	return &Buffer{data: make([]uint32, n)}, nil
}

func (d *Device) Release(b gsort.Buffer) {
	if buf, ok := b.(*Buffer); ok {
		buf.data = nil
	}
}

func (d *Device) Upload(dst gsort.Buffer, offset int, src []uint32) error {
	buf, err := hostBuffer(dst)
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(src) > len(buf.data) {
		return fmt.Errorf("cpu: upload of %d values at %d overflows buffer of %d", len(src), offset, len(buf.data))
	}
	copy(buf.data[offset:], src)
	return nil
}

func (d *Device) Download(dst []uint32, src gsort.Buffer, offset int) error {
	buf, err := hostBuffer(src)
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(dst) > len(buf.data) {
		return fmt.Errorf("cpu: download of %d values at %d overflows buffer of %d", len(dst), offset, len(buf.data))
	}
	copy(dst, buf.data[offset:])
	return nil
}

// Dispatch runs every workgroup of the launch before returning, so a
// dispatch is complete and visible once it returns. A failing workgroup fails
// the dispatch.
func (d *Device) Dispatch(k gsort.Kernel, l gsort.Launch, a gsort.Args) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	seq := d.seq
	d.seq++
	return d.dispatch(k, l, a, seq)
}

func (d *Device) dispatch(k gsort.Kernel, l gsort.Launch, a gsort.Args, seq int) error {
	kernel, ok := d.kernels[k]
	if !ok {
		return fmt.Errorf("cpu: unknown kernel %q", k)
	}
	if l.WorkGroups <= 0 || l.WorkGroupSize <= 0 {
		return fmt.Errorf("cpu: invalid launch %d x %d", l.WorkGroups, l.WorkGroupSize)
	}
	if l.SharedBytes > d.sharedLimit {
		return fmt.Errorf("cpu: %s needs %d bytes of shared memory, limit is %d", k, l.SharedBytes, d.sharedLimit)
	}
	if d.fault != nil {
		if err := d.fault(k, seq); err != nil {
			return err
		}
	}
	args, err := d.kernelArgs(a)
	if err != nil {
		return fmt.Errorf("cpu: %s: %w", k, err)
	}

	var g errgroup.Group
	g.SetLimit(d.workers)
	for id := range l.WorkGroups {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("cpu: %s workgroup %d: %v", k, id, r)
					d.logger.Print(err)
				}
			}()
			kernel(newWorkGroup(id, l.WorkGroupSize, l.SharedBytes), args)
			return nil
		})
	}
	return g.Wait()
}

func (d *Device) kernelArgs(a gsort.Args) (*kernelArgs, error) {
	if a.Src != nil && a.Src == a.Dst {
		return nil, errors.New("source and destination alias")
	}
	args := &kernelArgs{
		cfg:        d.cfg,
		n:          int(a.N),
		shift:      a.Shift,
		mask:       d.cfg.RadixMask(),
		workGroups: int(a.WorkGroups),
	}
	var err error
	for _, b := range []struct {
		buf gsort.Buffer
		dst *[]uint32
	}{
		{a.Src, &args.src},
		{a.Dst, &args.dst},
		{a.Table, &args.table},
	} {
		if b.buf == nil {
			continue
		}
		var hb *Buffer
		if hb, err = hostBuffer(b.buf); err != nil {
			return nil, err
		}
		*b.dst = hb.data
	}
	return args, nil
}

// Wait returns immediately: Dispatch does not return before completion.
func (d *Device) Wait() error { return nil }

// Dispatches returns the number of dispatches issued so far.
func (d *Device) Dispatches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}

func (d *Device) Close() error { return nil }

var errForeignBuffer = errors.New("cpu: buffer was not allocated by this device")

func hostBuffer(b gsort.Buffer) (*Buffer, error) {
	buf, ok := b.(*Buffer)
	if !ok || buf == nil {
		return nil, errForeignBuffer
	}
	if buf.data == nil {
		return nil, errors.New("cpu: buffer was released")
	}
	return buf, nil
}
