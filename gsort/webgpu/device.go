// Package webgpu runs the sort kernels as WGSL compute shaders through
// wgpu-native.
//
// WGSL has no 64-bit integers, so the packed scan is not available. There is
// no single workgroup sort either: small inputs run the regular pipeline.
package webgpu

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"text/template"

	"github.com/MatiasLyyra/radix/gsort"
	"github.com/openfluke/webgpu/wgpu"
)

// DefaultSharedBytes is the workgroup storage WebGPU guarantees without
// requesting raised limits.
const DefaultSharedBytes = 16 << 10

//go:embed shaders/common.wgsl
var commonShader string

//go:embed shaders/count.wgsl
var countShader string

//go:embed shaders/scan.wgsl
var scanShader string

//go:embed shaders/sort.wgsl
var sortShader string

var shaderTemplate *template.Template

func init() {
	shaderTemplate = template.Must(template.New("shaders/common.wgsl").Parse(commonShader))
	shaderTemplate = template.Must(shaderTemplate.New("shaders/count.wgsl").Parse(countShader))
	shaderTemplate = template.Must(shaderTemplate.New("shaders/scan.wgsl").Parse(scanShader))
	shaderTemplate = template.Must(shaderTemplate.New("shaders/sort.wgsl").Parse(sortShader))
}

const (
	bindingParams = 0
	bindingSrc    = 1
	bindingDst    = 2
	bindingTable  = 3
)

type kernelLayout struct {
	file     string
	bindings []wgpu.BindGroupLayoutEntry
}

func storage(binding uint32, readOnly bool) wgpu.BindGroupLayoutEntry {
	typ := wgpu.BufferBindingTypeStorage
	if readOnly {
		typ = wgpu.BufferBindingTypeReadOnlyStorage
	}
	return wgpu.BindGroupLayoutEntry{Binding: binding, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: typ}}
}

var paramsEntry = wgpu.BindGroupLayoutEntry{
	Binding:    bindingParams,
	Visibility: wgpu.ShaderStageCompute,
	Buffer:     wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform},
}

var kernelLayouts = map[gsort.Kernel]kernelLayout{
	gsort.KernelCount: {"shaders/count.wgsl", []wgpu.BindGroupLayoutEntry{
		paramsEntry, storage(bindingSrc, true), storage(bindingTable, false),
	}},
	gsort.KernelScan: {"shaders/scan.wgsl", []wgpu.BindGroupLayoutEntry{
		paramsEntry, storage(bindingTable, false),
	}},
	gsort.KernelSort: {"shaders/sort.wgsl", []wgpu.BindGroupLayoutEntry{
		paramsEntry, storage(bindingSrc, true), storage(bindingDst, false), storage(bindingTable, true),
	}},
}

type shaderSettings struct {
	WorkGroupSize int
	Bins          int
	RadixMask     uint32
	BlockSize     int
	CountItems    int
	BinsPerItem   int
	SortItems     int
}

func renderShader(cfg gsort.Config, k gsort.Kernel) (string, error) {
	layout, ok := kernelLayouts[k]
	if !ok {
		return "", fmt.Errorf("kernel %v has no WGSL implementation", k)
	}
	var buf bytes.Buffer
	if err := shaderTemplate.ExecuteTemplate(&buf, layout.file, shaderSettings{
		WorkGroupSize: cfg.WorkGroupSize(k),
		Bins:          cfg.Bins(),
		RadixMask:     cfg.RadixMask(),
		BlockSize:     cfg.BlockSize(),
		CountItems:    cfg.CountItemsPerWorkItem(),
		BinsPerItem:   cfg.BinsPerWorkItem(),
		SortItems:     cfg.SortItemsPerWorkItem,
	}); err != nil {
		return "", fmt.Errorf("failed to render shader %v: %w", k, err)
	}
	return buf.String(), nil
}

type pipeline struct {
	pipeline *wgpu.ComputePipeline
	layout   *wgpu.BindGroupLayout
}

// Buffer is a storage buffer of uint32.
type Buffer struct {
	buf *wgpu.Buffer
	n   int
}

func (b *Buffer) Len() int { return b.n }

// Device implements gsort.Device on a wgpu device.
type Device struct {
	logger    *log.Logger
	instance  *wgpu.Instance
	adapter   *wgpu.Adapter
	device    *wgpu.Device
	queue     *wgpu.Queue
	params    *wgpu.Buffer
	pipelines map[gsort.Kernel]pipeline
	limits    gsort.Limits
	pending   []*submission
}

// submission tracks one queue submission until the queue reports it done.
type submission struct {
	kernel gsort.Kernel
	done   chan struct{}
	status wgpu.QueueWorkDoneStatus
}

func workDoneError(k gsort.Kernel, status wgpu.QueueWorkDoneStatus) error {
	if status == wgpu.QueueWorkDoneStatusSuccess {
		return nil
	}
	return fmt.Errorf("%s: queue work done with status %s", k, status)
}

// Open requests a high performance adapter, falling back to the default one.
func Open(logger *log.Logger) (*Device, error) {
	if logger == nil {
		logger = log.Default()
	}
	instance := wgpu.CreateInstance(nil)
	if instance == nil {
		return nil, errors.New("failed to create WebGPU instance")
	}
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil || adapter == nil {
		logger.Printf("high performance adapter failed: %v, trying default", err)
		adapter, err = instance.RequestAdapter(nil)
	}
	if err != nil || adapter == nil {
		instance.Release()
		return nil, fmt.Errorf("RequestAdapter failed: %v", err)
	}
	info := adapter.GetInfo()
	logger.Printf("using GPU adapter: %s (vendor: %s)", info.Name, info.VendorName)

	device, err := adapter.RequestDevice(nil)
	if err != nil || device == nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("RequestDevice failed: %v", err)
	}

	shared := DefaultSharedBytes
	if limit := int(adapter.GetLimits().Limits.MaxComputeWorkgroupStorageSize); limit > 0 && limit < shared {
		shared = limit
	}
	return &Device{
		logger:    logger,
		instance:  instance,
		adapter:   adapter,
		device:    device,
		queue:     device.GetQueue(),
		pipelines: map[gsort.Kernel]pipeline{},
		limits:    gsort.Limits{MaxSharedBytes: shared},
	}, nil
}

func (d *Device) Name() string { return "webgpu" }

// Prepare compiles the Count, Scan and Sort pipelines with explicit bind group
// layouts.
func (d *Device) Prepare(cfg gsort.Config) error {
	if cfg.PackedScan {
		return fmt.Errorf("%w: packed scan needs 64-bit integers, which WGSL lacks", gsort.ErrInvalidConfig)
	}
	var err error
	d.params, err = d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "radix_params",
		Size:  16,
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create params buffer: %v", err)
	}
	for k, layout := range kernelLayouts {
		source, err := renderShader(cfg, k)
		if err != nil {
			return err
		}
		module, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
			Label:          string(k) + "_Shader",
			WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: source},
		})
		if err != nil {
			return fmt.Errorf("shader compile %v: %v", k, err)
		}
		bgl, err := d.device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
			Label:   string(k) + "_BGL",
			Entries: layout.bindings,
		})
		if err != nil {
			module.Release()
			return fmt.Errorf("create bgl %v: %v", k, err)
		}
		pipelineLayout, err := d.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
			Label:            string(k) + "_Layout",
			BindGroupLayouts: []*wgpu.BindGroupLayout{bgl},
		})
		if err != nil {
			module.Release()
			return fmt.Errorf("create pipeline layout %v: %v", k, err)
		}
		p, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
			Label:  string(k) + "_Pipe",
			Layout: pipelineLayout,
			Compute: wgpu.ProgrammableStageDescriptor{
				Module:     module,
				EntryPoint: "main",
			},
		})
		module.Release()
		if err != nil {
			return fmt.Errorf("pipeline create %v: %v", k, err)
		}
		d.pipelines[k] = pipeline{pipeline: p, layout: bgl}
	}
	return nil
}

func (d *Device) Limits() gsort.Limits { return d.limits }

// Supports is false for the packed scan and the single workgroup sort, which
// have no WGSL version.
func (d *Device) Supports(k gsort.Kernel) bool {
	_, ok := d.pipelines[k]
	return ok
}

func (d *Device) Alloc(n int) (gsort.Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("buffer size must be positive, got %d", n)
	}
	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "radix_keys",
		Size:  uint64(n) * 4,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer: %v", err)
	}
	return &Buffer{buf: buf, n: n}, nil
}

func (d *Device) Release(b gsort.Buffer) {
	if buf, ok := b.(*Buffer); ok && buf.buf != nil {
		buf.buf.Destroy()
		buf.buf = nil
	}
}

func (d *Device) buffer(b gsort.Buffer) (*Buffer, error) {
	buf, ok := b.(*Buffer)
	if !ok || buf == nil || buf.buf == nil {
		return nil, fmt.Errorf("not a live webgpu buffer: %T", b)
	}
	return buf, nil
}

func (d *Device) Upload(dst gsort.Buffer, offset int, src []uint32) error {
	buf, err := d.buffer(dst)
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(src) > buf.n {
		return fmt.Errorf("upload of %d words at %d overflows buffer of %d", len(src), offset, buf.n)
	}
	if len(src) == 0 {
		return nil
	}
	if err := d.queue.WriteBuffer(buf.buf, uint64(offset)*4, wgpu.ToBytes(src)); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	return nil
}

// Download copies through a mappable staging buffer.
func (d *Device) Download(dst []uint32, src gsort.Buffer, offset int) error {
	buf, err := d.buffer(src)
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(dst) > buf.n {
		return fmt.Errorf("download of %d words at %d overflows buffer of %d", len(dst), offset, buf.n)
	}
	if len(dst) == 0 {
		return nil
	}
	size := uint64(len(dst)) * 4
	staging, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "ReadStaging",
		Size:  size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("failed to create staging buffer: %v", err)
	}
	defer staging.Destroy()

	encoder, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("failed to create command encoder: %v", err)
	}
	if err := encoder.CopyBufferToBuffer(buf.buf, uint64(offset)*4, staging, 0, size); err != nil {
		return fmt.Errorf("copy to staging: %w", err)
	}
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return fmt.Errorf("failed to finish command: %v", err)
	}
	d.queue.Submit(cmd)

	done := make(chan struct{})
	var mapErr error
	err = staging.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("map status: %d", status)
		}
		close(done)
	})
	if err != nil {
		return fmt.Errorf("MapAsync failed: %v", err)
	}
Loop:
	for {
		d.device.Poll(true, nil)
		select {
		case <-done:
			break Loop
		default:
		}
	}
	if mapErr != nil {
		return mapErr
	}

	data := staging.GetMappedRange(0, uint(size))
	if data == nil {
		return errors.New("mapped range nil")
	}
	copy(dst, wgpu.FromBytes[uint32](data))
	return staging.Unmap()
}

// Dispatch records one compute pass and submits it.
func (d *Device) Dispatch(k gsort.Kernel, l gsort.Launch, a gsort.Args) error {
	p, ok := d.pipelines[k]
	if !ok {
		return fmt.Errorf("kernel %v is not prepared", k)
	}
	if l.WorkGroups <= 0 {
		return fmt.Errorf("invalid launch %+v", l)
	}
	if l.SharedBytes > d.limits.MaxSharedBytes {
		return fmt.Errorf("kernel %v needs %d bytes of shared memory, limit is %d", k, l.SharedBytes, d.limits.MaxSharedBytes)
	}
	if a.Src != nil && a.Src == a.Dst {
		return errors.New("source and destination must be distinct buffers")
	}

	entries := []wgpu.BindGroupEntry{{Binding: bindingParams, Buffer: d.params, Size: d.params.GetSize()}}
	bound := map[uint32]gsort.Buffer{bindingSrc: a.Src, bindingDst: a.Dst, bindingTable: a.Table}
	for _, layout := range kernelLayouts[k].bindings {
		if layout.Binding == bindingParams {
			continue
		}
		buf, err := d.buffer(bound[layout.Binding])
		if err != nil {
			return fmt.Errorf("binding %d: %w", layout.Binding, err)
		}
		entries = append(entries, wgpu.BindGroupEntry{Binding: layout.Binding, Buffer: buf.buf, Size: buf.buf.GetSize()})
	}
	bindGroup, err := d.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   string(k) + "_Bind",
		Layout:  p.layout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("create bind group: %v", err)
	}
	defer bindGroup.Release()

	if err := d.queue.WriteBuffer(d.params, 0, wgpu.ToBytes([]uint32{a.N, a.Shift, a.WorkGroups, 0})); err != nil {
		return fmt.Errorf("write params: %w", err)
	}

	encoder, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("failed to create command encoder: %v", err)
	}
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(p.pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(uint32(l.WorkGroups), 1, 1)
	if err := pass.End(); err != nil {
		return fmt.Errorf("compute pass: %w", err)
	}
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return fmt.Errorf("failed to finish command: %w", err)
	}
	d.queue.Submit(cmd)

	sub := &submission{kernel: k, done: make(chan struct{})}
	d.queue.OnSubmittedWorkDone(func(status wgpu.QueueWorkDoneStatus) {
		sub.status = status
		close(sub.done)
	})
	d.pending = append(d.pending, sub)
	return nil
}

// Wait blocks until every submission since the last Wait completed and
// returns the first one that did not succeed.
func (d *Device) Wait() error {
	pending := d.pending
	d.pending = nil
	var first error
	for _, sub := range pending {
	Loop:
		for {
			d.device.Poll(true, nil)
			select {
			case <-sub.done:
				break Loop
			default:
			}
		}
		if err := workDoneError(sub.kernel, sub.status); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (d *Device) Close() error {
	for k, p := range d.pipelines {
		p.pipeline.Release()
		delete(d.pipelines, k)
	}
	if d.params != nil {
		d.params.Destroy()
		d.params = nil
	}
	if d.device != nil {
		d.device.Release()
		d.adapter.Release()
		d.instance.Release()
		d.device = nil
	}
	return nil
}
