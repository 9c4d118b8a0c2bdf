package emu

import (
	"fmt"
	"math"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/notargets/offload/device"
	"github.com/notargets/offload/kernels"
	"github.com/notargets/offload/partitions"
	"github.com/notargets/offload/runner/builder"
)

type kernel struct {
	prog   *program
	sig    kernels.Signature
	params []kernels.Param
	impl   kernelImpl

	mu       sync.Mutex
	args     []interface{}
	released bool
}

var _ device.Kernel = (*kernel)(nil)

func (k *kernel) Name() string { return k.sig.Name }
func (k *kernel) NumArgs() int { return len(k.params) }

// SetArg checks what a driver can check: the slot exists, pointers get a live
// buffer of the same context, scalars have the declared size.
func (k *kernel) SetArg(index int, value interface{}) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return device.NewError(device.ErrReleased, "SetKernelArg", statusInvalidKernel, "kernel %s released", k.sig.Name)
	}
	if index < 0 || index >= len(k.params) {
		return device.NewError(device.ErrArgument, "SetKernelArg", statusInvalidArgIndex,
			"%s: argument index %d out of range [0,%d)", k.sig.Name, index, len(k.params))
	}
	p := k.params[index]
	if p.Pointer {
		buf, ok := value.(*buffer)
		if !ok || buf.ctx != k.prog.ctx {
			return device.NewError(device.ErrArgument, "SetKernelArg", statusInvalidMemObject,
				"%s: argument %d (%s) needs a buffer of this context, got %T", k.sig.Name, index, p.Name, value)
		}
		k.args[index] = buf
		return nil
	}
	v, err := convertScalar(value, p.Type)
	if err != nil {
		return device.NewError(device.ErrArgument, "SetKernelArg", statusInvalidArgSize,
			"%s: argument %d (%s): %v", k.sig.Name, index, p.Name, err)
	}
	k.args[index] = v
	return nil
}

// convertScalar accepts any Go scalar with the byte size of the declared type
// and reinterprets it, as a driver copying arg_size bytes would.
func convertScalar(value interface{}, dt builder.DataType) (interface{}, error) {
	size := builder.SizeOfType(dt)
	switch v := value.(type) {
	case int32:
		if size == 4 {
			return reinterpret32(uint32(v), dt), nil
		}
	case uint32:
		if size == 4 {
			return reinterpret32(v, dt), nil
		}
	case float32:
		if size == 4 {
			if dt == builder.Float32 {
				return v, nil
			}
			return nil, errors.Errorf("float passed for %s", dt)
		}
	case int64:
		if size == 8 {
			if dt == builder.INT64 {
				return v, nil
			}
			return nil, errors.Errorf("int64 passed for %s", dt)
		}
	case float64:
		if size == 8 {
			if dt == builder.Float64 {
				return v, nil
			}
			return nil, errors.Errorf("float64 passed for %s", dt)
		}
	default:
		return nil, errors.Errorf("unsupported scalar %T", value)
	}
	return nil, errors.Errorf("%T has the wrong size for %s (%d bytes)", value, dt, size)
}

func reinterpret32(v uint32, dt builder.DataType) interface{} {
	if dt == builder.Float32 {
		return math.Float32frombits(v)
	}
	return int32(v)
}

func (k *kernel) Release() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return device.NewError(device.ErrReleased, "ReleaseKernel", statusInvalidKernel, "kernel %s released twice", k.sig.Name)
	}
	k.released = true
	k.args = nil
	k.prog.mu.Lock()
	k.prog.live--
	k.prog.mu.Unlock()
	k.prog.ctx.backend.live.Add(-1)
	return nil
}

// launch is an argument snapshot taken at enqueue time.
type launch struct {
	kernel  *kernel
	args    []interface{}
	global  [3]int
	local   [3]int
	dims    int
	workers int
}

// prepare validates an NDRange and snapshots the kernel arguments.
func (k *kernel) prepare(global, local []int, d *dev) (*launch, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return nil, device.NewError(device.ErrReleased, "EnqueueNDRangeKernel", statusInvalidKernel, "kernel %s released", k.sig.Name)
	}
	if k.impl.run == nil {
		return nil, device.NewError(device.ErrLaunch, "EnqueueNDRangeKernel", statusInvalidKernel,
			"kernel %s has no device implementation", k.sig.Name)
	}
	for i, a := range k.args {
		if a == nil {
			return nil, device.NewError(device.ErrArgument, "EnqueueNDRangeKernel", statusInvalidKernelArgs,
				"%s: argument %d (%s) is not set", k.sig.Name, i, k.params[i].Name)
		}
	}
	dims := len(global)
	if dims < 1 || dims > d.maxWorkDim {
		return nil, device.NewError(device.ErrPartition, "EnqueueNDRangeKernel", statusInvalidWorkDimension,
			"work dimension %d", dims)
	}
	if len(local) != dims {
		return nil, device.NewError(device.ErrPartition, "EnqueueNDRangeKernel", statusInvalidWorkGroupSize,
			"local has %d dimensions, global %d", len(local), dims)
	}
	l := &launch{kernel: k, args: append([]interface{}(nil), k.args...), dims: dims, workers: d.workers}
	groupSize := 1
	for i := 0; i < 3; i++ {
		l.global[i], l.local[i] = 1, 1
		if i < dims {
			l.global[i], l.local[i] = global[i], local[i]
		}
		if l.global[i] <= 0 {
			return nil, device.NewError(device.ErrPartition, "EnqueueNDRangeKernel", statusInvalidGlobalWorkSize,
				"global size %d in dimension %d", l.global[i], i)
		}
		if l.local[i] <= 0 || l.global[i]%l.local[i] != 0 {
			return nil, device.NewError(device.ErrPartition, "EnqueueNDRangeKernel", statusInvalidWorkGroupSize,
				"local size %d does not divide global size %d in dimension %d", l.local[i], l.global[i], i)
		}
		groupSize *= l.local[i]
	}
	if groupSize > d.maxWG {
		return nil, device.NewError(device.ErrPartition, "EnqueueNDRangeKernel", statusInvalidWorkGroupSize,
			"work-group size %d exceeds device maximum %d", groupSize, d.maxWG)
	}
	for i, p := range k.params {
		if !p.Pointer {
			continue
		}
		buf := l.args[i].(*buffer)
		if !p.Const && !buf.mode.Writable() {
			return nil, device.NewError(device.ErrArgument, "EnqueueNDRangeKernel", statusInvalidArgValue,
				"%s: argument %d (%s) is written by the kernel but the buffer is %s", k.sig.Name, i, p.Name, buf.mode)
		}
		if !buf.mode.Readable() && p.Const {
			return nil, device.NewError(device.ErrArgument, "EnqueueNDRangeKernel", statusInvalidArgValue,
				"%s: argument %d (%s) is read by the kernel but the buffer is %s", k.sig.Name, i, p.Name, buf.mode)
		}
	}
	return l, nil
}

// run executes every work-group, at most l.workers at a time.
func (l *launch) run() error {
	// Hold every buffer for the duration so that none is released mid-launch.
	seen := make(map[*buffer]bool)
	for _, a := range l.args {
		if buf, ok := a.(*buffer); ok && !seen[buf] {
			seen[buf] = true
			buf.mu.RLock()
			defer buf.mu.RUnlock()
			if buf.released {
				return device.NewError(device.ErrInvalidBuffer, "EnqueueNDRangeKernel", statusInvalidMemObject,
					"%s: argument buffer was released before the launch ran", l.kernel.sig.Name)
			}
		}
	}

	wp := partitions.WorkPartition{Global: l.global[:l.dims], Local: l.local[:l.dims]}
	total := wp.TotalGroups()
	klog.V(2).Infof("emu: %s over %s (%d work-groups)", l.kernel.sig.Name, wp, total)

	var eg errgroup.Group
	eg.SetLimit(l.workers)
	for g := 0; g < total; g++ {
		wg := workGroup{global: l.global, local: l.local}
		copy(wg.origin[:], wp.GroupOrigin(wp.GroupID(g)))
		eg.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					klog.V(1).Infof("emu: %s panicked: %v\n%s", l.kernel.sig.Name, r, debug.Stack())
					err = device.NewError(device.ErrLaunch, "EnqueueNDRangeKernel", statusOutOfResources,
						"%s: work-group at %v aborted: %v", l.kernel.sig.Name, wg.origin[:l.dims], r)
				}
			}()
			return l.kernel.impl.run(l.args, wg)
		})
	}
	return eg.Wait()
}

func (l *launch) String() string {
	return fmt.Sprintf("%s%v/%v", l.kernel.sig.Name, l.global[:l.dims], l.local[:l.dims])
}
