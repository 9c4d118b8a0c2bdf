//go:build opencl

package opencl

/*
#cgo CFLAGS: -DCL_TARGET_OPENCL_VERSION=120
#cgo linux LDFLAGS: -lOpenCL
#cgo darwin LDFLAGS: -framework OpenCL
#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif
#include <stdlib.h>
*/
import "C"

import (
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/notargets/offload/device"
)

// BackendName is the registered name of this backend.
const BackendName = "opencl"

const platformNotFoundKHR = -1001

func init() {
	device.Register(BackendName, New)
}

// Backend enumerates the installed OpenCL platforms.
type Backend struct{}

// New returns the backend. config must be empty.
func New(config string) (device.Backend, error) {
	if strings.TrimSpace(config) != "" {
		return nil, errors.Errorf("opencl: unexpected configuration %q", config)
	}
	return &Backend{}, nil
}

func (b *Backend) Name() string { return BackendName }

func (b *Backend) Platforms() ([]device.Platform, error) {
	var n C.cl_uint
	status := C.clGetPlatformIDs(0, nil, &n)
	if status == platformNotFoundKHR || n == 0 {
		return nil, nil
	}
	if status != C.CL_SUCCESS {
		return nil, device.NewError(device.ErrNoPlatform, "clGetPlatformIDs", int(status), "")
	}
	ids := make([]C.cl_platform_id, n)
	if status = C.clGetPlatformIDs(n, &ids[0], nil); status != C.CL_SUCCESS {
		return nil, device.NewError(device.ErrNoPlatform, "clGetPlatformIDs", int(status), "")
	}
	out := make([]device.Platform, len(ids))
	for i, id := range ids {
		out[i] = &platform{
			id:      id,
			name:    platformString(id, C.CL_PLATFORM_NAME),
			vendor:  platformString(id, C.CL_PLATFORM_VENDOR),
			version: platformString(id, C.CL_PLATFORM_VERSION),
		}
	}
	return out, nil
}

func (b *Backend) NewContext(d device.Device) (device.Context, error) {
	cd, ok := d.(*dev)
	if !ok {
		return nil, device.NewError(device.ErrNoDevice, "clCreateContext", 0, "%s is not an OpenCL device", d.Name())
	}
	var status C.cl_int
	ctx := C.clCreateContext(nil, 1, &cd.id, nil, nil, &status)
	if status != C.CL_SUCCESS {
		return nil, device.NewError(device.ErrNoDevice, "clCreateContext", int(status), "%s", cd.name)
	}
	return &execContext{dev: cd, ctx: ctx}, nil
}

func platformString(id C.cl_platform_id, param C.cl_platform_info) string {
	var size C.size_t
	if C.clGetPlatformInfo(id, param, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	if C.clGetPlatformInfo(id, param, size, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return ""
	}
	return strings.TrimRight(string(buf), "\x00")
}

type platform struct {
	id                    C.cl_platform_id
	name, vendor, version string
}

func (p *platform) Name() string    { return p.name }
func (p *platform) Vendor() string  { return p.vendor }
func (p *platform) Version() string { return p.version }

func (p *platform) Devices(class device.Class) ([]device.Device, error) {
	var mask C.cl_device_type
	if class&device.ClassCPU != 0 {
		mask |= C.CL_DEVICE_TYPE_CPU
	}
	if class&device.ClassGPU != 0 {
		mask |= C.CL_DEVICE_TYPE_GPU
	}
	if class&device.ClassAccelerator != 0 {
		mask |= C.CL_DEVICE_TYPE_ACCELERATOR
	}
	var n C.cl_uint
	status := C.clGetDeviceIDs(p.id, mask, 0, nil, &n)
	if status == C.CL_DEVICE_NOT_FOUND || n == 0 {
		return nil, device.NewError(device.ErrNoDevice, "clGetDeviceIDs", int(C.CL_DEVICE_NOT_FOUND), "no %s device", class)
	}
	if status != C.CL_SUCCESS {
		return nil, device.NewError(device.ErrNoDevice, "clGetDeviceIDs", int(status), "")
	}
	ids := make([]C.cl_device_id, n)
	if status = C.clGetDeviceIDs(p.id, mask, n, &ids[0], nil); status != C.CL_SUCCESS {
		return nil, device.NewError(device.ErrNoDevice, "clGetDeviceIDs", int(status), "")
	}
	out := make([]device.Device, len(ids))
	for i, id := range ids {
		out[i] = newDev(id, p.name)
	}
	return out, nil
}

type dev struct {
	id        C.cl_device_id
	name      string
	vendor    string
	platform  string
	class     device.Class
	maxWG     int
	globalMem int64
}

func newDev(id C.cl_device_id, platformName string) *dev {
	d := &dev{id: id, platform: platformName}
	d.name = deviceString(id, C.CL_DEVICE_NAME)
	d.vendor = deviceString(id, C.CL_DEVICE_VENDOR)

	var typ C.cl_device_type
	C.clGetDeviceInfo(id, C.CL_DEVICE_TYPE, C.size_t(unsafe.Sizeof(typ)), unsafe.Pointer(&typ), nil)
	switch {
	case typ&C.CL_DEVICE_TYPE_GPU != 0:
		d.class = device.ClassGPU
	case typ&C.CL_DEVICE_TYPE_ACCELERATOR != 0:
		d.class = device.ClassAccelerator
	default:
		d.class = device.ClassCPU
	}
	var wg C.size_t
	C.clGetDeviceInfo(id, C.CL_DEVICE_MAX_WORK_GROUP_SIZE, C.size_t(unsafe.Sizeof(wg)), unsafe.Pointer(&wg), nil)
	d.maxWG = int(wg)
	var mem C.cl_ulong
	C.clGetDeviceInfo(id, C.CL_DEVICE_GLOBAL_MEM_SIZE, C.size_t(unsafe.Sizeof(mem)), unsafe.Pointer(&mem), nil)
	d.globalMem = int64(mem)
	return d
}

func deviceString(id C.cl_device_id, param C.cl_device_info) string {
	var size C.size_t
	if C.clGetDeviceInfo(id, param, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	if C.clGetDeviceInfo(id, param, size, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return ""
	}
	return strings.TrimRight(string(buf), "\x00")
}

func (d *dev) Name() string          { return d.name }
func (d *dev) Vendor() string        { return d.vendor }
func (d *dev) Class() device.Class   { return d.class }
func (d *dev) Platform() string      { return d.platform }
func (d *dev) MaxWorkGroupSize() int { return d.maxWG }
func (d *dev) GlobalMemSize() int64  { return d.globalMem }

type execContext struct {
	dev *dev
	ctx C.cl_context
}

func (c *execContext) Device() device.Device { return c.dev }

func (c *execContext) NewQueue() (device.Queue, error) {
	var status C.cl_int
	q := C.clCreateCommandQueue(c.ctx, c.dev.id, 0, &status)
	if status != C.CL_SUCCESS {
		return nil, device.NewError(device.ErrNoDevice, "clCreateCommandQueue", int(status), "")
	}
	return &queue{q: q}, nil
}

func (c *execContext) CreateBuffer(size int64, mode device.AccessMode) (device.Buffer, error) {
	var flags C.cl_mem_flags
	switch mode {
	case device.ReadOnly:
		flags = C.CL_MEM_READ_ONLY
	case device.WriteOnly:
		flags = C.CL_MEM_WRITE_ONLY
	case device.ReadWrite:
		flags = C.CL_MEM_READ_WRITE
	default:
		return nil, device.NewError(device.ErrInvalidBuffer, "clCreateBuffer", int(C.CL_INVALID_VALUE), "access mode %d", int(mode))
	}
	var status C.cl_int
	mem := C.clCreateBuffer(c.ctx, flags, C.size_t(size), nil, &status)
	switch status {
	case C.CL_SUCCESS:
		return &buffer{mem: mem, size: size, mode: mode}, nil
	case C.CL_INVALID_BUFFER_SIZE:
		return nil, device.NewError(device.ErrInvalidBuffer, "clCreateBuffer", int(status), "size %d", size)
	default:
		return nil, device.NewError(device.ErrAllocation, "clCreateBuffer", int(status), "%d bytes", size)
	}
}

func (c *execContext) BuildProgram(source []byte, options string) (device.Program, error) {
	src := C.CString(string(source))
	defer C.free(unsafe.Pointer(src))
	length := C.size_t(len(source))
	var status C.cl_int
	prog := C.clCreateProgramWithSource(c.ctx, 1, &src, &length, &status)
	if status != C.CL_SUCCESS {
		return nil, device.NewError(device.ErrBuild, "clCreateProgramWithSource", int(status), "")
	}
	opts := C.CString(options)
	defer C.free(unsafe.Pointer(opts))
	status = C.clBuildProgram(prog, 1, &c.dev.id, opts, nil, nil)
	log := buildLog(prog, c.dev.id)
	if status != C.CL_SUCCESS {
		C.clReleaseProgram(prog)
		if status == C.CL_BUILD_PROGRAM_FAILURE {
			return nil, &device.BuildError{Device: c.dev.name, Log: log}
		}
		return nil, device.NewError(device.ErrBuild, "clBuildProgram", int(status), "%s", log)
	}
	return &program{prog: prog, log: log}, nil
}

func buildLog(prog C.cl_program, id C.cl_device_id) string {
	var size C.size_t
	if C.clGetProgramBuildInfo(prog, id, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	C.clGetProgramBuildInfo(prog, id, C.CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil)
	return strings.TrimRight(string(buf), "\x00\n")
}

func (c *execContext) Release() error {
	if status := C.clReleaseContext(c.ctx); status != C.CL_SUCCESS {
		return device.NewError(device.ErrReleased, "clReleaseContext", int(status), "")
	}
	return nil
}

type buffer struct {
	mem  C.cl_mem
	size int64
	mode device.AccessMode
}

func (b *buffer) Size() int64             { return b.size }
func (b *buffer) Mode() device.AccessMode { return b.mode }

func (b *buffer) Release() error {
	if status := C.clReleaseMemObject(b.mem); status != C.CL_SUCCESS {
		return device.NewError(device.ErrInvalidBuffer, "clReleaseMemObject", int(status), "")
	}
	return nil
}

type program struct {
	prog C.cl_program
	log  string
}

func (p *program) BuildLog() string { return p.log }

func (p *program) KernelNames() []string {
	var size C.size_t
	if C.clGetProgramInfo(p.prog, C.CL_PROGRAM_KERNEL_NAMES, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return nil
	}
	buf := make([]byte, size)
	C.clGetProgramInfo(p.prog, C.CL_PROGRAM_KERNEL_NAMES, size, unsafe.Pointer(&buf[0]), nil)
	names := strings.TrimRight(string(buf), "\x00")
	if names == "" {
		return nil
	}
	return strings.Split(names, ";")
}

func (p *program) CreateKernel(name string) (device.Kernel, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var status C.cl_int
	k := C.clCreateKernel(p.prog, cname, &status)
	switch status {
	case C.CL_SUCCESS:
	case C.CL_INVALID_KERNEL_NAME:
		return nil, device.NewError(device.ErrEntryPointNotFound, "clCreateKernel", int(status),
			"no kernel named %q in program (have %s)", name, strings.Join(p.KernelNames(), ", "))
	default:
		return nil, device.NewError(device.ErrEntryPointNotFound, "clCreateKernel", int(status), "%s", name)
	}
	var nargs C.cl_uint
	C.clGetKernelInfo(k, C.CL_KERNEL_NUM_ARGS, C.size_t(unsafe.Sizeof(nargs)), unsafe.Pointer(&nargs), nil)
	return &kernel{k: k, name: name, nargs: int(nargs)}, nil
}

func (p *program) Release() error {
	if status := C.clReleaseProgram(p.prog); status != C.CL_SUCCESS {
		return device.NewError(device.ErrReleased, "clReleaseProgram", int(status), "")
	}
	return nil
}

type kernel struct {
	k     C.cl_kernel
	name  string
	nargs int
}

func (k *kernel) Name() string { return k.name }
func (k *kernel) NumArgs() int { return k.nargs }

func (k *kernel) SetArg(index int, value interface{}) error {
	var status C.cl_int
	idx := C.cl_uint(index)
	switch v := value.(type) {
	case *buffer:
		status = C.clSetKernelArg(k.k, idx, C.size_t(unsafe.Sizeof(v.mem)), unsafe.Pointer(&v.mem))
	case int32:
		status = C.clSetKernelArg(k.k, idx, 4, unsafe.Pointer(&v))
	case uint32:
		status = C.clSetKernelArg(k.k, idx, 4, unsafe.Pointer(&v))
	case int64:
		status = C.clSetKernelArg(k.k, idx, 8, unsafe.Pointer(&v))
	case float32:
		status = C.clSetKernelArg(k.k, idx, 4, unsafe.Pointer(&v))
	case float64:
		status = C.clSetKernelArg(k.k, idx, 8, unsafe.Pointer(&v))
	default:
		return device.NewError(device.ErrArgument, "clSetKernelArg", int(C.CL_INVALID_ARG_VALUE), "unsupported argument %T", value)
	}
	if status != C.CL_SUCCESS {
		return device.NewError(device.ErrArgument, "clSetKernelArg", int(status), "%s argument %d", k.name, index)
	}
	return nil
}

func (k *kernel) Release() error {
	if status := C.clReleaseKernel(k.k); status != C.CL_SUCCESS {
		return device.NewError(device.ErrReleased, "clReleaseKernel", int(status), "")
	}
	return nil
}

// queue tracks the events of submitted commands. Non-blocking transfers keep
// their host memory pinned, and every event stays retained, until Finish or
// until the event has been waited on.
type queue struct {
	q C.cl_command_queue

	mu      sync.Mutex
	pending []*event
}

type event struct {
	ev     C.cl_event
	pinner *runtime.Pinner

	mu   sync.Mutex
	done bool
	err  error
}

// completed is returned for blocking commands, which request no cl_event.
var completed = &event{done: true}

func (e *event) Wait() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.done {
		if status := C.clWaitForEvents(1, &e.ev); status != C.CL_SUCCESS {
			e.err = device.NewError(device.ErrLaunch, "clWaitForEvents", int(status), "")
		}
		e.releaseLocked()
	}
	return e.err
}

// complete releases an event whose command the queue has already drained.
func (e *event) complete() {
	e.mu.Lock()
	if !e.done {
		e.releaseLocked()
	}
	e.mu.Unlock()
}

func (e *event) releaseLocked() {
	C.clReleaseEvent(e.ev)
	if e.pinner != nil {
		e.pinner.Unpin()
	}
	e.done = true
}

// submit runs enqueue. Blocking commands get no event; the others return one
// that the queue releases on Finish.
func (q *queue) submit(blocking bool, host unsafe.Pointer, enqueue func(ev *C.cl_event) C.cl_int) (*event, C.cl_int) {
	if blocking {
		return completed, enqueue(nil)
	}
	e := &event{}
	if host != nil {
		e.pinner = new(runtime.Pinner)
		e.pinner.Pin(host)
	}
	if status := enqueue(&e.ev); status != C.CL_SUCCESS {
		if e.pinner != nil {
			e.pinner.Unpin()
		}
		return nil, status
	}
	q.mu.Lock()
	q.pending = append(q.pending, e)
	q.mu.Unlock()
	return e, C.CL_SUCCESS
}

// outstanding returns the number of events not yet released.
func (q *queue) outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.pending {
		e.mu.Lock()
		if !e.done {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

func (q *queue) EnqueueWrite(buf device.Buffer, blocking bool, offset, size int64, src unsafe.Pointer) (device.Event, error) {
	b, ok := buf.(*buffer)
	if !ok || offset < 0 || offset+size > b.size {
		return nil, device.NewError(device.ErrInvalidBuffer, "clEnqueueWriteBuffer", int(C.CL_INVALID_VALUE), "invalid buffer or range")
	}
	e, status := q.submit(blocking, src, func(ev *C.cl_event) C.cl_int {
		return C.clEnqueueWriteBuffer(q.q, b.mem, cbool(blocking), C.size_t(offset), C.size_t(size), src, 0, nil, ev)
	})
	if status != C.CL_SUCCESS {
		return nil, device.NewError(device.ErrInvalidBuffer, "clEnqueueWriteBuffer", int(status), "")
	}
	return e, nil
}

func (q *queue) EnqueueRead(buf device.Buffer, blocking bool, offset, size int64, dst unsafe.Pointer) (device.Event, error) {
	b, ok := buf.(*buffer)
	if !ok || offset < 0 || offset+size > b.size {
		return nil, device.NewError(device.ErrInvalidBuffer, "clEnqueueReadBuffer", int(C.CL_INVALID_VALUE), "invalid buffer or range")
	}
	e, status := q.submit(blocking, dst, func(ev *C.cl_event) C.cl_int {
		return C.clEnqueueReadBuffer(q.q, b.mem, cbool(blocking), C.size_t(offset), C.size_t(size), dst, 0, nil, ev)
	})
	if status != C.CL_SUCCESS {
		return nil, device.NewError(device.ErrInvalidBuffer, "clEnqueueReadBuffer", int(status), "")
	}
	return e, nil
}

func (q *queue) EnqueueNDRange(dk device.Kernel, global, local []int) (device.Event, error) {
	k, ok := dk.(*kernel)
	if !ok {
		return nil, device.NewError(device.ErrArgument, "clEnqueueNDRangeKernel", int(C.CL_INVALID_KERNEL), "%T", dk)
	}
	gs := make([]C.size_t, len(global))
	ls := make([]C.size_t, len(local))
	for i := range global {
		gs[i], ls[i] = C.size_t(global[i]), C.size_t(local[i])
	}
	e, status := q.submit(false, nil, func(ev *C.cl_event) C.cl_int {
		return C.clEnqueueNDRangeKernel(q.q, k.k, C.cl_uint(len(gs)), nil, &gs[0], &ls[0], 0, nil, ev)
	})
	switch status {
	case C.CL_SUCCESS:
		return e, nil
	case C.CL_INVALID_WORK_DIMENSION, C.CL_INVALID_WORK_GROUP_SIZE, C.CL_INVALID_GLOBAL_WORK_SIZE:
		return nil, device.NewError(device.ErrPartition, "clEnqueueNDRangeKernel", int(status), "%s", k.name)
	case C.CL_INVALID_KERNEL_ARGS:
		return nil, device.NewError(device.ErrArgument, "clEnqueueNDRangeKernel", int(status), "%s: arguments not set", k.name)
	default:
		return nil, device.NewError(device.ErrLaunch, "clEnqueueNDRangeKernel", int(status), "%s", k.name)
	}
}

func (q *queue) Finish() error {
	status := C.clFinish(q.q)
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()
	for _, e := range pending {
		e.complete()
	}
	if status != C.CL_SUCCESS {
		return device.NewError(device.ErrLaunch, "clFinish", int(status), "")
	}
	return nil
}

func (q *queue) Release() error {
	if err := q.Finish(); err != nil {
		klog.Warningf("opencl: finishing queue before release: %v", err)
	}
	if status := C.clReleaseCommandQueue(q.q); status != C.CL_SUCCESS {
		return device.NewError(device.ErrReleased, "clReleaseCommandQueue", int(status), "")
	}
	return nil
}

func cbool(b bool) C.cl_bool {
	if b {
		return C.CL_TRUE
	}
	return C.CL_FALSE
}
