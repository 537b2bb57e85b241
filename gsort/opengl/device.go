// Package opengl runs the sort kernels as OpenGL 4.3 compute shaders.
//
// Kernels are GLSL templates rendered for the active gsort.Config, buffers are
// shader storage buffers. Every call must happen on the thread owning the GL
// context, see Open.
package opengl

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"runtime"
	"text/template"
	"unsafe"

	"github.com/MatiasLyyra/radix/gsort"
	rl "github.com/gen2brain/raylib-go/raylib"
	gl "github.com/go-gl/gl/v4.3-core/gl"
)

//go:embed shaders/common.glsl
var commonShader string

//go:embed shaders/count.glsl
var countShader string

//go:embed shaders/scan.glsl
var scanShader string

//go:embed shaders/packed.glsl
var packedShader string

//go:embed shaders/scan_packed.glsl
var scanPackedShader string

//go:embed shaders/sort.glsl
var sortShader string

//go:embed shaders/single_sort.glsl
var singleSortShader string

var shaderTemplate *template.Template

func init() {
	shaderTemplate = template.Must(template.New("shaders/common.glsl").Parse(commonShader))
	shaderTemplate = template.Must(shaderTemplate.New("shaders/count.glsl").Parse(countShader))
	shaderTemplate = template.Must(shaderTemplate.New("shaders/scan.glsl").Parse(scanShader))
	shaderTemplate = template.Must(shaderTemplate.New("shaders/packed.glsl").Parse(packedShader))
	shaderTemplate = template.Must(shaderTemplate.New("shaders/scan_packed.glsl").Parse(scanPackedShader))
	shaderTemplate = template.Must(shaderTemplate.New("shaders/sort.glsl").Parse(sortShader))
	shaderTemplate = template.Must(shaderTemplate.New("shaders/single_sort.glsl").Parse(singleSortShader))
}

var shaderFiles = map[gsort.Kernel]string{
	gsort.KernelCount:      "shaders/count.glsl",
	gsort.KernelScan:       "shaders/scan.glsl",
	gsort.KernelScanPacked: "shaders/scan_packed.glsl",
	gsort.KernelSort:       "shaders/sort.glsl",
	gsort.KernelSingleSort: "shaders/single_sort.glsl",
}

type shaderSettings struct {
	WorkGroupSize  int
	Bins           int
	RadixMask      uint32
	DigitBits      int
	Passes         int
	BlockSize      int
	CountItems     int
	SortItems      int
	SingleItems    int
	SingleCapacity int
	BinsPerItem    int
	PackedScan     bool
	Int64          bool
}

func newShaderSettings(cfg gsort.Config, k gsort.Kernel) shaderSettings {
	return shaderSettings{
		WorkGroupSize:  cfg.WorkGroupSize(k),
		Bins:           cfg.Bins(),
		RadixMask:      cfg.RadixMask(),
		DigitBits:      cfg.DigitBits,
		Passes:         cfg.Passes(),
		BlockSize:      cfg.BlockSize(),
		CountItems:     cfg.CountItemsPerWorkItem(),
		SortItems:      cfg.SortItemsPerWorkItem,
		SingleItems:    cfg.SingleSortItemsPerWorkItem,
		SingleCapacity: cfg.SingleSortCapacity(),
		BinsPerItem:    cfg.BinsPerWorkItem(),
		PackedScan:     cfg.PackedScan,
		Int64:          k == gsort.KernelScanPacked || k == gsort.KernelSingleSort && cfg.PackedScan,
	}
}

// renderShader executes the template of kernel k for cfg.
func renderShader(cfg gsort.Config, k gsort.Kernel) (string, error) {
	var buf bytes.Buffer
	if err := shaderTemplate.ExecuteTemplate(&buf, shaderFiles[k], newShaderSettings(cfg, k)); err != nil {
		return "", fmt.Errorf("failed to render shader %v: %w", k, err)
	}
	return buf.String(), nil
}

type program struct {
	id         uint32
	input      int32
	shift      int32
	workGroups int32
}

// Buffer is a shader storage buffer of uint32.
type Buffer struct {
	id uint32
	n  int
}

func (b *Buffer) Len() int { return b.n }

// ID is the GL buffer name.
func (b *Buffer) ID() uint32 { return b.id }

// Device implements gsort.Device on the current GL context.
type Device struct {
	logger   *log.Logger
	programs map[gsort.Kernel]program
	limits   gsort.Limits
	window   bool
}

// New wraps an already initialized GL 4.3 context.
func New(logger *log.Logger) *Device {
	if logger == nil {
		logger = log.Default()
	}
	return &Device{logger: logger, programs: map[gsort.Kernel]program{}}
}

// Open creates a hidden raylib window to own the GL context and initializes
// the GL function pointers. The calling goroutine stays locked to its thread
// until Close.
func Open(logger *log.Logger) (*Device, error) {
	runtime.LockOSThread()
	rl.SetTraceLogLevel(rl.LogWarning)
	rl.SetConfigFlags(rl.FlagWindowHidden)
	rl.InitWindow(64, 64, "radix")
	if err := gl.Init(); err != nil {
		rl.CloseWindow()
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("glInit should succeed: %w", err)
	}
	d := New(logger)
	d.window = true
	return d, nil
}

func (d *Device) Name() string { return "opengl" }

// Prepare compiles one program per kernel. The packed scan needs 64-bit
// integers in GLSL and is only built when cfg asks for it.
func (d *Device) Prepare(cfg gsort.Config) error {
	var size int32
	gl.GetIntegerv(gl.MAX_COMPUTE_SHARED_MEMORY_SIZE, &size)
	d.limits = gsort.Limits{MaxSharedBytes: int(size)}

	for _, k := range gsort.Kernels {
		if k == gsort.KernelScanPacked && !cfg.PackedScan {
			continue
		}
		if k == gsort.KernelSingleSort && cfg.SharedBytes(k) > d.limits.MaxSharedBytes {
			// the engine disables the single path on its own
			continue
		}
		source, err := renderShader(cfg, k)
		if err != nil {
			return err
		}
		shader := rl.CompileShader(source, rl.ComputeShader)
		if shader == 0 {
			return fmt.Errorf("failed to compile shader %v", k)
		}
		id := rl.LoadComputeShaderProgram(shader)
		if id == 0 {
			return fmt.Errorf("invalid shader program %v", k)
		}
		d.programs[k] = program{
			id:         id,
			input:      rl.GetLocationUniform(id, "n_input"),
			shift:      rl.GetLocationUniform(id, "shift"),
			workGroups: rl.GetLocationUniform(id, "n_workgroups"),
		}
	}
	return nil
}

func (d *Device) Limits() gsort.Limits { return d.limits }

func (d *Device) Supports(k gsort.Kernel) bool {
	_, ok := d.programs[k]
	return ok
}

func (d *Device) Alloc(n int) (gsort.Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("buffer size must be positive, got %d", n)
	}
	id := rl.LoadShaderBuffer(uint32(n)*4, nil, rl.DynamicCopy)
	if id == 0 {
		return nil, fmt.Errorf("failed to allocate %d word storage buffer", n)
	}
	return &Buffer{id: id, n: n}, nil
}

func (d *Device) Release(b gsort.Buffer) {
	if buf, ok := b.(*Buffer); ok && buf.id != 0 {
		rl.UnloadShaderBuffer(buf.id)
		buf.id = 0
	}
}

func (d *Device) buffer(b gsort.Buffer) (*Buffer, error) {
	buf, ok := b.(*Buffer)
	if !ok || buf == nil || buf.id == 0 {
		return nil, fmt.Errorf("not a live opengl buffer: %T", b)
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
	var p runtime.Pinner
	p.Pin(unsafe.SliceData(src))
	rl.UpdateShaderBuffer(buf.id, unsafe.Pointer(unsafe.SliceData(src)), uint32(len(src))*4, uint32(offset)*4)
	p.Unpin()
	return glError("upload")
}

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
	var p runtime.Pinner
	p.Pin(unsafe.SliceData(dst))
	rl.ReadShaderBuffer(buf.id, unsafe.Pointer(unsafe.SliceData(dst)), uint32(len(dst))*4, uint32(offset)*4)
	p.Unpin()
	return glError("download")
}

// Dispatch binds src, dst and table to storage bindings 1, 2 and 3.
func (d *Device) Dispatch(k gsort.Kernel, l gsort.Launch, a gsort.Args) error {
	prog, ok := d.programs[k]
	if !ok {
		return fmt.Errorf("kernel %v is not prepared", k)
	}
	if l.WorkGroups <= 0 {
		return fmt.Errorf("invalid launch %+v", l)
	}
	if l.SharedBytes > d.limits.MaxSharedBytes {
		return fmt.Errorf("kernel %v needs %d bytes of shared memory, limit is %d", k, l.SharedBytes, d.limits.MaxSharedBytes)
	}
	bindings := []gsort.Buffer{a.Src, a.Dst, a.Table}
	ids := make([]uint32, len(bindings))
	for i, b := range bindings {
		if b == nil {
			continue
		}
		buf, err := d.buffer(b)
		if err != nil {
			return err
		}
		ids[i] = buf.id
	}
	if ids[0] != 0 && ids[0] == ids[1] {
		return errors.New("source and destination must be distinct buffers")
	}

	rl.EnableShader(prog.id)
	rl.SetUniform(prog.input, uniformValues(a.N), int32(rl.ShaderUniformUint))
	rl.SetUniform(prog.shift, uniformValues(a.Shift), int32(rl.ShaderUniformUint))
	rl.SetUniform(prog.workGroups, uniformValues(a.WorkGroups), int32(rl.ShaderUniformUint))
	for i, id := range ids {
		if id != 0 {
			rl.BindShaderBuffer(id, uint32(i+1))
		}
	}
	rl.ComputeShaderDispatch(uint32(l.WorkGroups), 1, 1)
	rl.DisableShader()
	gl.MemoryBarrier(gl.SHADER_STORAGE_BARRIER_BIT | gl.BUFFER_UPDATE_BARRIER_BIT)
	return glError(string(k))
}

func (d *Device) Wait() error {
	gl.Finish()
	return glError("finish")
}

func (d *Device) Close() error {
	for k, prog := range d.programs {
		rl.UnloadShaderProgram(prog.id)
		delete(d.programs, k)
	}
	if d.window {
		rl.CloseWindow()
		runtime.UnlockOSThread()
		d.window = false
	}
	return nil
}

func glError(op string) error {
	if code := gl.GetError(); code != gl.NO_ERROR {
		return fmt.Errorf("%s: gl error 0x%04x", op, code)
	}
	return nil
}

// uniformValues reinterprets values as the float32 slice raylib takes for
// uniforms of any type.
func uniformValues[T any](values ...T) []float32 {
	ret := make([]float32, len(values))
	for i, v := range values {
		ret[i] = *(*float32)(unsafe.Pointer(&v))
	}
	return ret
}
