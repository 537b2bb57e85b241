// Package gsort provides stable device accelerated sorting on uint32 keys.
//
// Sorting is a least significant digit radix sort. Every pass sorts one digit
// and runs as three dependent dispatches: Count builds a digit histogram per
// workgroup, Scan turns the histograms into write offsets and Sort scatters the
// keys to those offsets. Inputs that fit into a single workgroup are sorted by
// one dispatch that keeps every pass in shared memory.
//
// The kernels run on a Device. Package cpu runs them on goroutines, packages
// opengl and webgpu on compute shaders.
//
// References:
//
//  1. Ha, Linh & Krüger, Jens & Silva, Claudio. (2009). Fast 4-way parallel radix sorting on GPUs. Comput. Graph. Forum. 28. 2368-2378. 10.1111/j.1467-8659.2009.01542.x.
//  2. https://developer.nvidia.com/gpugems/gpugems3/part-vi-gpu-computing/chapter-39-parallel-prefix-sum-scan-cuda
package gsort

import (
	"fmt"
	"log"
	"strings"
	"time"
)

// Path selects how a sort is executed.
type Path int

const (
	// PathAuto picks the single workgroup sort when the input fits.
	PathAuto Path = iota
	// PathSingleWorkgroup requests the single workgroup sort. Inputs above its
	// capacity fall back to the pipeline.
	PathSingleWorkgroup
	// PathPipeline runs Count, Scan and Sort for every pass.
	PathPipeline
)

func (p Path) String() string {
	switch p {
	case PathAuto:
		return "auto"
	case PathSingleWorkgroup:
		return "single"
	case PathPipeline:
		return "pipeline"
	}
	return fmt.Sprintf("Path(%d)", int(p))
}

// ParsePath parses the names printed by Path.String.
func ParsePath(s string) (Path, error) {
	for _, p := range []Path{PathAuto, PathSingleWorkgroup, PathPipeline} {
		if p.String() == s {
			return p, nil
		}
	}
	return PathAuto, fmt.Errorf("%w: unknown sort path %q", ErrInvalidInput, s)
}

// Stats describes the last sort.
type Stats struct {
	Path       Path
	Keys       int
	Passes     int
	Dispatches int
	Count      time.Duration
	Scan       time.Duration
	Scatter    time.Duration
	Total      time.Duration
}

type SortSettings struct {
	Capacity int
	Config   *Config
	Checks   bool
	Logger   *log.Logger
}

func NewSettings(cap int) SortSettings {
	return SortSettings{
		Capacity: cap,
	}
}

func (settings SortSettings) WithConfig(cfg Config) SortSettings {
	settings.Config = &cfg
	return settings
}

// WithConsistencyChecks makes every pass read back the scan total and compare
// it with the key count.
func (settings SortSettings) WithConsistencyChecks(enabled bool) SortSettings {
	settings.Checks = enabled
	return settings
}

func (settings SortSettings) WithLogger(logger *log.Logger) SortSettings {
	settings.Logger = logger
	return settings
}

func (settings SortSettings) getConfig() Config {
	if settings.Config == nil {
		return DefaultConfig()
	}
	return *settings.Config
}

func (settings SortSettings) getLogger() *log.Logger {
	if settings.Logger == nil {
		return log.Default()
	}
	return settings.Logger
}

// RadixSort owns the scratch buffers of a sort. It is not safe for concurrent
// use.
type RadixSort struct {
	dev      Device
	cfg      Config
	logger   *log.Logger
	checks   bool
	capacity int
	single   bool

	pongBuffer    Buffer
	tableBuffer   Buffer
	stagingBuffer Buffer

	stats Stats
}

// New validates the configuration, builds the kernels on dev and allocates
// scratch buffers for up to settings.Capacity keys.
func New(dev Device, settings SortSettings) (*RadixSort, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: nil device", ErrInvalidInput)
	}
	if settings.Capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidInput, settings.Capacity)
	}
	cfg := settings.getConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := settings.getLogger()
	capacity := settings.Capacity
	logger.Printf("gsort: capacity %d on %s, %d passes of %d bins", capacity, dev.Name(), cfg.Passes(), cfg.Bins())

	if err := dev.Prepare(cfg); err != nil {
		return nil, fmt.Errorf("failed to prepare kernels on %s: %w", dev.Name(), err)
	}
	rs := &RadixSort{
		dev:      dev,
		cfg:      cfg,
		logger:   logger,
		checks:   settings.Checks,
		capacity: capacity,
	}
	limit := dev.Limits().MaxSharedBytes
	for _, k := range cfg.pipelineKernels() {
		if !dev.Supports(k) {
			return nil, fmt.Errorf("%w: %s does not provide kernel %s", ErrInvalidConfig, dev.Name(), k)
		}
		if shared := cfg.SharedBytes(k); shared > limit {
			return nil, fmt.Errorf("%w: kernel %s needs %d bytes of shared memory, %s has %d",
				ErrInvalidConfig, k, shared, dev.Name(), limit)
		}
	}
	switch shared := cfg.SharedBytes(KernelSingleSort); {
	case !dev.Supports(KernelSingleSort):
		logger.Printf("gsort: %s has no single workgroup sort, using the pipeline only", dev.Name())
	case shared > limit:
		logger.Printf("gsort: single workgroup sort needs %d bytes of shared memory, %s has %d, using the pipeline only",
			shared, dev.Name(), limit)
	default:
		rs.single = true
	}

	var err error
	if rs.pongBuffer, err = dev.Alloc(capacity); err != nil {
		return nil, fmt.Errorf("failed to allocate key buffer: %w", err)
	}
	if rs.tableBuffer, err = dev.Alloc(cfg.TableSize(capacity)); err != nil {
		rs.Free()
		return nil, fmt.Errorf("failed to allocate histogram table: %w", err)
	}
	return rs, nil
}

func (rs *RadixSort) Config() Config { return rs.cfg }

func (rs *RadixSort) Capacity() int { return rs.capacity }

// Stats returns the statistics of the last successful sort.
func (rs *RadixSort) Stats() Stats { return rs.stats }

// Sort sorts the first n keys of keys ascending. The sorted keys are in the
// returned buffer, which is either keys or a buffer owned by rs that stays
// valid until the next sort or Free.
func (rs *RadixSort) Sort(keys Buffer, n int) (Buffer, error) {
	return rs.SortPath(keys, n, PathAuto)
}

// SortPath is Sort with an explicit execution path.
func (rs *RadixSort) SortPath(keys Buffer, n int, path Path) (Buffer, error) {
	if keys == nil {
		return nil, fmt.Errorf("%w: nil key buffer", ErrInvalidInput)
	}
	if n < 1 {
		return nil, fmt.Errorf("%w: key count must be at least 1, got %d", ErrInvalidInput, n)
	}
	if n > rs.capacity {
		return nil, fmt.Errorf("%w: key count %d exceeds capacity %d", ErrInvalidInput, n, rs.capacity)
	}
	if n > keys.Len() {
		return nil, fmt.Errorf("%w: key count %d exceeds buffer length %d", ErrInvalidInput, n, keys.Len())
	}

	fits := rs.single && n <= rs.cfg.SingleSortCapacity()
	switch path {
	case PathAuto:
		path = PathPipeline
		if fits {
			path = PathSingleWorkgroup
		}
	case PathSingleWorkgroup:
		if !fits {
			rs.logger.Printf("gsort: %d keys exceed the single workgroup capacity %d, falling back to the pipeline", n, rs.cfg.SingleSortCapacity())
			path = PathPipeline
		}
	case PathPipeline:
	default:
		return nil, fmt.Errorf("%w: unknown path %v", ErrInvalidInput, path)
	}

	stats := Stats{Path: path, Keys: n, Passes: rs.cfg.Passes()}
	start := time.Now()
	var (
		out Buffer
		err error
	)
	pong, err := rs.pong(keys)
	if err != nil {
		return nil, err
	}
	if path == PathSingleWorkgroup {
		out, err = rs.sortSingle(keys, pong, n, &stats)
	} else {
		out, err = rs.sortPipeline(keys, pong, n, &stats)
	}
	if err != nil {
		return nil, err
	}
	stats.Total = time.Since(start)
	rs.stats = stats
	return out, nil
}

// pong returns the buffer the sort of keys writes to. A buffer returned by an
// earlier sort may come back as keys, so the engine keeps a second one.
func (rs *RadixSort) pong(keys Buffer) (Buffer, error) {
	if keys != rs.pongBuffer {
		return rs.pongBuffer, nil
	}
	if err := rs.allocStaging(); err != nil {
		return nil, err
	}
	return rs.stagingBuffer, nil
}

func (rs *RadixSort) allocStaging() error {
	if rs.stagingBuffer != nil {
		return nil
	}
	buf, err := rs.dev.Alloc(rs.capacity)
	if err != nil {
		return fmt.Errorf("failed to allocate staging buffer: %w", err)
	}
	rs.stagingBuffer = buf
	return nil
}

func (rs *RadixSort) sortSingle(keys, pong Buffer, n int, stats *Stats) (Buffer, error) {
	args := Args{Src: keys, Dst: pong, N: uint32(n)}
	if _, err := rs.dispatch(KernelSingleSort, 1, args, -1, stats); err != nil {
		return nil, err
	}
	return pong, nil
}

func (rs *RadixSort) sortPipeline(keys, pong Buffer, n int, stats *Stats) (Buffer, error) {
	workGroups := rs.cfg.WorkGroups(n)
	scan := KernelScan
	if rs.cfg.PackedScan && n < PackedLimit {
		scan = KernelScanPacked
	}

	buffer1 := keys
	buffer2 := pong
	for pass := 0; pass < rs.cfg.Passes(); pass++ {
		args := Args{
			Src:        buffer1,
			Dst:        buffer2,
			Table:      rs.tableBuffer,
			N:          uint32(n),
			Shift:      uint32(pass * rs.cfg.DigitBits),
			WorkGroups: uint32(workGroups),
		}
		// Per workgroup histograms, stored bin-major:
		// [
		//   [bin0_count_for_block0, bin0_count_for_block1, ..., bin0_count_for_blockW-1]
		//   ...
		//   [bin255_count_for_block0, ..., bin255_count_for_blockW-1]
		//   total
		// ]
		d, err := rs.dispatch(KernelCount, workGroups, args, pass, stats)
		if err != nil {
			return nil, err
		}
		stats.Count += d

		// Prefix sum over the table, giving every (bin, block) its first output index.
		if d, err = rs.dispatch(scan, 1, args, pass, stats); err != nil {
			return nil, err
		}
		stats.Scan += d
		if rs.checks {
			if err := rs.checkTotal(n, workGroups, pass); err != nil {
				return nil, err
			}
		}

		// Scatter the keys of every block to the scanned offsets.
		if d, err = rs.dispatch(KernelSort, workGroups, args, pass, stats); err != nil {
			return nil, err
		}
		stats.Scatter += d
		buffer1, buffer2 = buffer2, buffer1
	}
	return buffer1, nil
}

// dispatch launches k and waits for it, so the next stage sees all of its writes.
func (rs *RadixSort) dispatch(k Kernel, workGroups int, args Args, pass int, stats *Stats) (time.Duration, error) {
	launch := Launch{
		WorkGroups:    workGroups,
		WorkGroupSize: rs.cfg.WorkGroupSize(k),
		SharedBytes:   rs.cfg.SharedBytes(k),
	}
	start := time.Now()
	if err := rs.dev.Dispatch(k, launch, args); err != nil {
		return 0, &DispatchError{Kernel: k, Pass: pass, Err: err}
	}
	if err := rs.dev.Wait(); err != nil {
		return 0, &DispatchError{Kernel: k, Pass: pass, Err: err}
	}
	stats.Dispatches++
	return time.Since(start), nil
}

func (rs *RadixSort) checkTotal(n, workGroups, pass int) error {
	var total [1]uint32
	offset := rs.cfg.Bins() * workGroups
	if err := rs.dev.Download(total[:], rs.tableBuffer, offset); err != nil {
		return &DispatchError{Kernel: KernelScan, Pass: pass, Err: err}
	}
	if int(total[0]) != n {
		rs.logTable(workGroups)
		return fmt.Errorf("%w: pass %d counted %d keys, expected %d", ErrResultMismatch, pass, total[0], n)
	}
	return nil
}

// SortSlice uploads data, sorts it and reads the result back into data.
func (rs *RadixSort) SortSlice(data []uint32) error {
	return rs.SortSlicePath(data, PathAuto)
}

func (rs *RadixSort) SortSlicePath(data []uint32, path Path) error {
	if len(data) == 0 || len(data) > rs.capacity {
		return fmt.Errorf("%w: slice length %d outside 1..%d", ErrInvalidInput, len(data), rs.capacity)
	}
	if err := rs.allocStaging(); err != nil {
		return err
	}
	if err := rs.dev.Upload(rs.stagingBuffer, 0, data); err != nil {
		return fmt.Errorf("failed to upload keys: %w", err)
	}
	out, err := rs.SortPath(rs.stagingBuffer, len(data), path)
	if err != nil {
		return err
	}
	if err := rs.dev.Download(data, out, 0); err != nil {
		return fmt.Errorf("failed to download keys: %w", err)
	}
	return nil
}

// Free releases the scratch buffers. The device itself is left open.
func (rs *RadixSort) Free() {
	for _, buf := range []*Buffer{&rs.pongBuffer, &rs.tableBuffer, &rs.stagingBuffer} {
		if *buf != nil {
			rs.dev.Release(*buf)
			*buf = nil
		}
	}
}

func (rs *RadixSort) logTable(workGroups int) {
	length := rs.cfg.Bins()*workGroups + 1
	temp := make([]uint32, length)
	if err := rs.dev.Download(temp, rs.tableBuffer, 0); err != nil {
		rs.logger.Printf("gsort: failed to read histogram table: %v", err)
		return
	}
	rs.logger.Printf("gsort: histogram table\n%v", splitBuffer(temp, workGroups))
}

func splitBuffer(buf []uint32, split int) string {
	var sb strings.Builder
	for i := 0; i < len(buf); i += split {
		end := min(i+split, len(buf))
		sb.WriteString(fmt.Sprintf("%+v\n", buf[i:end]))
	}
	return sb.String()
}
