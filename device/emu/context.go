package emu

import (
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/notargets/offload/device"
	"github.com/notargets/offload/kernels"
)

type execContext struct {
	backend *Backend
	dev     *dev

	mu        sync.Mutex
	allocated int64
	released  bool
}

var _ device.Context = (*execContext)(nil)

func (c *execContext) Device() device.Device { return c.dev }

func (c *execContext) checkLive(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return device.NewError(device.ErrReleased, op, statusInvalidContext, "context released")
	}
	return nil
}

func (c *execContext) NewQueue() (device.Queue, error) {
	if err := c.checkLive("CreateCommandQueue"); err != nil {
		return nil, err
	}
	q := newQueue(c)
	c.backend.live.Add(1)
	return q, nil
}

func (c *execContext) CreateBuffer(size int64, mode device.AccessMode) (device.Buffer, error) {
	if err := c.checkLive("CreateBuffer"); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, device.NewError(device.ErrInvalidBuffer, "CreateBuffer", statusInvalidBufferSize,
			"size %d", size)
	}
	if mode < device.ReadOnly || mode > device.ReadWrite {
		return nil, device.NewError(device.ErrInvalidBuffer, "CreateBuffer", statusInvalidValue,
			"access mode %d", int(mode))
	}
	c.mu.Lock()
	if c.allocated+size > c.dev.globalMem {
		free := c.dev.globalMem - c.allocated
		c.mu.Unlock()
		return nil, device.NewError(device.ErrAllocation, "CreateBuffer", statusMemAllocationFailure,
			"%s requested, %s of %s free", humanize.IBytes(uint64(size)),
			humanize.IBytes(uint64(free)), humanize.IBytes(uint64(c.dev.globalMem)))
	}
	c.allocated += size
	c.mu.Unlock()

	b := &buffer{
		ctx:   c,
		size:  size,
		mode:  mode,
		words: make([]uint64, (size+7)/8),
	}
	c.backend.live.Add(1)
	klog.V(3).Infof("emu: allocated %s %s buffer", humanize.IBytes(uint64(size)), mode)
	return b, nil
}

func (c *execContext) BuildProgram(source []byte, options string) (device.Program, error) {
	if err := c.checkLive("BuildProgram"); err != nil {
		return nil, err
	}
	unit, err := compile(source, options)
	if err != nil {
		return nil, err
	}
	if unit.Failed() {
		return nil, &device.BuildError{Device: c.dev.name, Log: unit.Log()}
	}
	p := &program{ctx: c, unit: unit, log: unit.Log()}
	c.backend.live.Add(1)
	klog.V(2).Infof("emu: built program with kernels %v", unit.KernelNames())
	return p, nil
}

func (c *execContext) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return device.NewError(device.ErrReleased, "ReleaseContext", statusInvalidContext, "context released twice")
	}
	if c.allocated > 0 {
		klog.Warningf("emu: context released with %s still allocated", humanize.IBytes(uint64(c.allocated)))
	}
	c.released = true
	c.backend.live.Add(-1)
	return nil
}

type buffer struct {
	ctx  *execContext
	size int64
	mode device.AccessMode

	mu       sync.RWMutex
	words    []uint64 // backing store, 8-byte aligned
	released bool
}

var _ device.Buffer = (*buffer)(nil)

func (b *buffer) Size() int64             { return b.size }
func (b *buffer) Mode() device.AccessMode { return b.mode }

func (b *buffer) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return device.NewError(device.ErrReleased, "ReleaseMemObject", statusInvalidMemObject, "buffer released twice")
	}
	b.released = true
	b.words = nil
	b.ctx.mu.Lock()
	b.ctx.allocated -= b.size
	b.ctx.mu.Unlock()
	b.ctx.backend.live.Add(-1)
	return nil
}

// bytes returns the buffer contents. The caller must hold b.mu.
func (b *buffer) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&b.words[0])), b.size)
}

func (b *buffer) int32s() []int32 {
	return unsafe.Slice((*int32)(unsafe.Pointer(&b.words[0])), b.size/4)
}

func (b *buffer) float32s() []float32 {
	return unsafe.Slice((*float32)(unsafe.Pointer(&b.words[0])), b.size/4)
}

func (b *buffer) int64s() []int64 {
	return unsafe.Slice((*int64)(unsafe.Pointer(&b.words[0])), b.size/8)
}

func (b *buffer) float64s() []float64 {
	return unsafe.Slice((*float64)(unsafe.Pointer(&b.words[0])), b.size/8)
}

type program struct {
	ctx  *execContext
	unit *kernels.Unit
	log  string

	mu       sync.Mutex
	live     int
	released bool
}

var _ device.Program = (*program)(nil)

func (p *program) KernelNames() []string { return p.unit.KernelNames() }
func (p *program) BuildLog() string      { return p.log }

func (p *program) CreateKernel(name string) (device.Kernel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil, device.NewError(device.ErrReleased, "CreateKernel", statusInvalidProgram, "program released")
	}
	sig, ok := p.unit.Lookup(name)
	if !ok {
		return nil, device.NewError(device.ErrEntryPointNotFound, "CreateKernel", statusInvalidKernelName,
			"no kernel named %q in program (have %v)", name, p.unit.KernelNames())
	}
	impl := library[name]
	k := &kernel{
		prog:   p,
		sig:    sig,
		params: sig.Bindable(),
		impl:   impl,
	}
	k.args = make([]interface{}, len(k.params))
	p.live++
	p.ctx.backend.live.Add(1)
	return k, nil
}

func (p *program) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return device.NewError(device.ErrReleased, "ReleaseProgram", statusInvalidProgram, "program released twice")
	}
	if p.live > 0 {
		klog.Warningf("emu: program released with %d live kernel(s)", p.live)
	}
	p.released = true
	p.ctx.backend.live.Add(-1)
	return nil
}
