//go:build occa

package occa

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"github.com/notargets/gocca"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/notargets/offload/device"
	"github.com/notargets/offload/kernels"
)

// BackendName is the registered name of this backend.
const BackendName = "occa"

const defaultProps = `{"mode": "Serial"}`

func init() {
	device.Register(BackendName, New)
}

// Backend wraps one OCCA device described by its property JSON. OCCA has no
// platform enumeration; the backend reports a single platform holding the
// configured device.
type Backend struct {
	props string
	mode  string
}

// New creates the backend. An empty config selects the Serial mode.
func New(config string) (device.Backend, error) {
	if strings.TrimSpace(config) == "" {
		config = defaultProps
	}
	var parsed struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal([]byte(config), &parsed); err != nil {
		return nil, errors.Wrapf(err, "occa: device properties %q", config)
	}
	if parsed.Mode == "" {
		return nil, errors.Errorf("occa: device properties %q have no mode", config)
	}
	return &Backend{props: config, mode: parsed.Mode}, nil
}

func (b *Backend) Name() string { return BackendName }

func (b *Backend) Platforms() ([]device.Platform, error) {
	return []device.Platform{&platform{b: b}}, nil
}

func (b *Backend) NewContext(d device.Device) (device.Context, error) {
	od, ok := d.(*dev)
	if !ok {
		return nil, device.NewError(device.ErrNoDevice, "NewDevice", 0, "%s is not an OCCA device", d.Name())
	}
	gd, err := gocca.NewDevice(b.props)
	if err != nil {
		return nil, device.NewError(device.ErrNoDevice, "NewDevice", 0, "%s: %v", b.props, err)
	}
	klog.V(1).Infof("occa: created %s device", gd.Mode())
	return &execContext{dev: od, gd: gd}, nil
}

type platform struct {
	b *Backend
}

func (p *platform) Name() string    { return "OCCA" }
func (p *platform) Vendor() string  { return "libocca" }
func (p *platform) Version() string { return p.b.mode }

func (p *platform) Devices(class device.Class) ([]device.Device, error) {
	d := &dev{mode: p.b.mode}
	if d.Class()&class == 0 {
		return nil, device.NewError(device.ErrNoDevice, "NewDevice", 0, "mode %s is not %s", d.mode, class)
	}
	return []device.Device{d}, nil
}

type dev struct {
	mode string
}

func (d *dev) Name() string     { return d.mode }
func (d *dev) Vendor() string   { return "libocca" }
func (d *dev) Platform() string { return "OCCA" }

func (d *dev) Class() device.Class {
	switch d.mode {
	case "Serial", "OpenMP":
		return device.ClassCPU
	default:
		return device.ClassGPU
	}
}

// MaxWorkGroupSize is the common CUDA and HIP thread block limit. OCCA does not
// report it.
func (d *dev) MaxWorkGroupSize() int { return 1024 }

// GlobalMemSize is unknown to OCCA; zero disables host-side capacity checks.
func (d *dev) GlobalMemSize() int64 { return 0 }

type execContext struct {
	dev *dev
	gd  *gocca.OCCADevice

	mu       sync.Mutex
	released bool
}

func (c *execContext) Device() device.Device { return c.dev }

func (c *execContext) NewQueue() (device.Queue, error) {
	return &queue{ctx: c}, nil
}

func (c *execContext) CreateBuffer(size int64, mode device.AccessMode) (device.Buffer, error) {
	if size <= 0 {
		return nil, device.NewError(device.ErrInvalidBuffer, "Malloc", 0, "size %d", size)
	}
	mem := c.gd.Malloc(size, nil, nil)
	if mem == nil {
		return nil, device.NewError(device.ErrAllocation, "Malloc", 0, "%d bytes on %s", size, c.dev.mode)
	}
	return &buffer{mem: mem, size: size, mode: mode}, nil
}

// BuildProgram checks the kernel declarations on the host, then compiles every
// kernel in the source. OCCA compiles per entry point, so a program is the set
// of its compiled kernels.
func (c *execContext) BuildProgram(source []byte, options string) (device.Program, error) {
	unit := kernels.Parse("<program source>", source, kernels.Detect(source))
	if unit.Failed() {
		return nil, &device.BuildError{Device: c.dev.mode, Log: unit.Log()}
	}
	flags := "-O3"
	if options != "" {
		flags = options
	}
	opts, err := json.Marshal(map[string]string{"compiler_flags": flags})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	props := gocca.JsonParse(string(opts))
	defer props.Free()

	p := &program{unit: unit, kernels: make(map[string]*gocca.OCCAKernel)}
	for _, name := range unit.KernelNames() {
		k, err := c.gd.BuildKernelFromString(string(source), name, props)
		if err != nil {
			p.free()
			return nil, &device.BuildError{Device: c.dev.mode, Log: err.Error()}
		}
		p.kernels[name] = k
	}
	return p, nil
}

func (c *execContext) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return device.NewError(device.ErrReleased, "Free", 0, "device released")
	}
	c.released = true
	c.gd.Free()
	return nil
}

type buffer struct {
	mem  *gocca.OCCAMemory
	size int64
	mode device.AccessMode

	released bool
}

func (b *buffer) Size() int64             { return b.size }
func (b *buffer) Mode() device.AccessMode { return b.mode }

func (b *buffer) Release() error {
	if b.released {
		return device.NewError(device.ErrReleased, "Free", 0, "buffer released")
	}
	b.released = true
	b.mem.Free()
	return nil
}

type program struct {
	unit    *kernels.Unit
	kernels map[string]*gocca.OCCAKernel
}

func (p *program) KernelNames() []string { return p.unit.KernelNames() }
func (p *program) BuildLog() string      { return "" }

func (p *program) CreateKernel(name string) (device.Kernel, error) {
	k, ok := p.kernels[name]
	if !ok {
		return nil, device.NewError(device.ErrEntryPointNotFound, "BuildKernel", 0,
			"no kernel named %q in program (have %s)", name, strings.Join(p.KernelNames(), ", "))
	}
	sig, _ := p.unit.Lookup(name)
	return &kernel{k: k, sig: sig, args: make([]interface{}, len(sig.Bindable()))}, nil
}

func (p *program) free() {
	for _, k := range p.kernels {
		k.Free()
	}
	p.kernels = nil
}

func (p *program) Release() error {
	p.free()
	return nil
}

type kernel struct {
	k    *gocca.OCCAKernel
	sig  kernels.Signature
	args []interface{}
}

func (k *kernel) Name() string   { return k.sig.Name }
func (k *kernel) NumArgs() int   { return len(k.args) }
func (k *kernel) Release() error { return nil }

func (k *kernel) SetArg(index int, value interface{}) error {
	if index < 0 || index >= len(k.args) {
		return device.NewError(device.ErrArgument, "SetArg", 0, "%s has %d arguments, index %d", k.sig.Name, len(k.args), index)
	}
	switch v := value.(type) {
	case *buffer:
		k.args[index] = v.mem
	case int32, uint32, int64, float32, float64:
		k.args[index] = v
	default:
		return device.NewError(device.ErrArgument, "SetArg", 0, "unsupported argument %T", value)
	}
	return nil
}

// geometry returns the values of the trailing occa_ parameters.
func (k *kernel) geometry(global, local []int) ([]interface{}, error) {
	var out []interface{}
	for _, p := range k.sig.Params {
		if !strings.HasPrefix(p.Name, kernels.ReservedPrefix) {
			continue
		}
		rest := strings.TrimPrefix(p.Name, kernels.ReservedPrefix)
		which := strings.TrimRight(rest, "0123456789")
		dim, err := strconv.Atoi(rest[len(which):])
		if err != nil {
			return nil, device.NewError(device.ErrArgument, "Run", 0, "launch parameter %s has no dimension", p.Name)
		}
		if dim >= len(global) {
			return nil, device.NewError(device.ErrPartition, "Run", 0,
				"%s uses dimension %d, dispatch has %d", p.Name, dim, len(global))
		}
		switch which {
		case "groups":
			out = append(out, int32(global[dim]/local[dim]))
		case "local":
			out = append(out, int32(local[dim]))
		default:
			return nil, device.NewError(device.ErrArgument, "Run", 0, "unknown launch parameter %s", p.Name)
		}
	}
	return out, nil
}

// queue runs every command synchronously; OCCA orders work on the device's
// default stream, so completion order equals enqueue order.
type queue struct {
	ctx *execContext
}

type doneEvent struct{}

func (doneEvent) Wait() error { return nil }

func (q *queue) EnqueueWrite(buf device.Buffer, blocking bool, offset, size int64, src unsafe.Pointer) (device.Event, error) {
	b, ok := buf.(*buffer)
	if !ok || b.released || offset < 0 || offset+size > b.size {
		return nil, device.NewError(device.ErrInvalidBuffer, "CopyFrom", 0, "invalid buffer or range")
	}
	b.mem.CopyFromWithOffset(src, size, offset)
	return doneEvent{}, nil
}

func (q *queue) EnqueueRead(buf device.Buffer, blocking bool, offset, size int64, dst unsafe.Pointer) (device.Event, error) {
	b, ok := buf.(*buffer)
	if !ok || b.released || offset < 0 || offset+size > b.size {
		return nil, device.NewError(device.ErrInvalidBuffer, "CopyTo", 0, "invalid buffer or range")
	}
	q.ctx.gd.Finish()
	b.mem.CopyToWithOffset(dst, size, offset)
	return doneEvent{}, nil
}

func (q *queue) EnqueueNDRange(dk device.Kernel, global, local []int) (device.Event, error) {
	k, ok := dk.(*kernel)
	if !ok {
		return nil, device.NewError(device.ErrArgument, "Run", 0, "%T is not an OCCA kernel", dk)
	}
	for i, a := range k.args {
		if a == nil {
			return nil, device.NewError(device.ErrArgument, "Run", 0, "%s argument %d not set", k.sig.Name, i)
		}
	}
	geom, err := k.geometry(global, local)
	if err != nil {
		return nil, err
	}
	args := append(append([]interface{}(nil), k.args...), geom...)
	if err := k.k.RunWithArgs(args...); err != nil {
		return nil, device.NewError(device.ErrLaunch, "Run", 0, "%s: %v", k.sig.Name, err)
	}
	return doneEvent{}, nil
}

func (q *queue) Finish() error {
	q.ctx.gd.Finish()
	return nil
}

func (q *queue) Release() error { return nil }
