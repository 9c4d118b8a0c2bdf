package emu

import (
	"sync"
	"unsafe"

	"k8s.io/klog/v2"

	"github.com/notargets/offload/device"
)

type event struct {
	done chan struct{}
	err  error
}

func (e *event) Wait() error {
	<-e.done
	return e.err
}

type command struct {
	name string
	run  func() error
	ev   *event
}

// queue runs commands strictly in enqueue order on one goroutine.
type queue struct {
	ctx      *execContext
	commands chan command

	mu       sync.Mutex // guards released and sends on commands
	released bool
	stopped  chan struct{}

	errMu  sync.Mutex
	failed error // first failure not yet reported by Finish
}

var _ device.Queue = (*queue)(nil)

func newQueue(c *execContext) *queue {
	q := &queue{
		ctx:      c,
		commands: make(chan command, 64),
		stopped:  make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *queue) loop() {
	defer close(q.stopped)
	for cmd := range q.commands {
		err := cmd.run()
		if err != nil {
			klog.V(1).Infof("emu: %s failed: %v", cmd.name, err)
			q.errMu.Lock()
			if q.failed == nil {
				q.failed = err
			}
			q.errMu.Unlock()
		}
		cmd.ev.err = err
		close(cmd.ev.done)
	}
}

func (q *queue) enqueue(name string, run func() error) (*event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return nil, device.NewError(device.ErrReleased, name, statusInvalidCommandQueue, "queue released")
	}
	ev := &event{done: make(chan struct{})}
	q.commands <- command{name: name, run: run, ev: ev}
	return ev, nil
}

func (q *queue) transferBuffer(op string, buf device.Buffer, offset, size int64, host unsafe.Pointer) (*buffer, error) {
	b, ok := buf.(*buffer)
	if !ok || b.ctx != q.ctx {
		return nil, device.NewError(device.ErrInvalidBuffer, op, statusInvalidMemObject,
			"buffer does not belong to this context")
	}
	b.mu.RLock()
	released := b.released
	b.mu.RUnlock()
	if released {
		return nil, device.NewError(device.ErrInvalidBuffer, op, statusInvalidMemObject, "buffer released")
	}
	if offset < 0 || size < 0 || offset+size > b.size {
		return nil, device.NewError(device.ErrInvalidBuffer, op, statusInvalidValue,
			"region [%d,%d) outside buffer of %d bytes", offset, offset+size, b.size)
	}
	if host == nil && size > 0 {
		return nil, device.NewError(device.ErrInvalidBuffer, op, statusInvalidValue, "nil host pointer")
	}
	return b, nil
}

func (q *queue) EnqueueWrite(buf device.Buffer, blocking bool, offset, size int64, src unsafe.Pointer) (device.Event, error) {
	const op = "EnqueueWriteBuffer"
	b, err := q.transferBuffer(op, buf, offset, size, src)
	if err != nil {
		return nil, err
	}
	ev, err := q.enqueue(op, func() error {
		b.mu.RLock()
		defer b.mu.RUnlock()
		if b.released {
			return device.NewError(device.ErrInvalidBuffer, op, statusInvalidMemObject, "buffer released before write ran")
		}
		copy(b.bytes()[offset:offset+size], unsafe.Slice((*byte)(src), size))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if blocking {
		return ev, ev.Wait()
	}
	return ev, nil
}

func (q *queue) EnqueueRead(buf device.Buffer, blocking bool, offset, size int64, dst unsafe.Pointer) (device.Event, error) {
	const op = "EnqueueReadBuffer"
	b, err := q.transferBuffer(op, buf, offset, size, dst)
	if err != nil {
		return nil, err
	}
	ev, err := q.enqueue(op, func() error {
		b.mu.RLock()
		defer b.mu.RUnlock()
		if b.released {
			return device.NewError(device.ErrInvalidBuffer, op, statusInvalidMemObject, "buffer released before read ran")
		}
		copy(unsafe.Slice((*byte)(dst), size), b.bytes()[offset:offset+size])
		return nil
	})
	if err != nil {
		return nil, err
	}
	if blocking {
		return ev, ev.Wait()
	}
	return ev, nil
}

func (q *queue) EnqueueNDRange(k device.Kernel, global, local []int) (device.Event, error) {
	const op = "EnqueueNDRangeKernel"
	ek, ok := k.(*kernel)
	if !ok || ek.prog.ctx != q.ctx {
		return nil, device.NewError(device.ErrLaunch, op, statusInvalidKernel, "kernel does not belong to this context")
	}
	l, err := ek.prepare(global, local, q.ctx.dev)
	if err != nil {
		return nil, err
	}
	ev, err := q.enqueue(op, l.run)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// Finish drains the queue and reports the first command failure since the
// previous Finish.
func (q *queue) Finish() error {
	ev, err := q.enqueue("Finish", func() error { return nil })
	if err != nil {
		return err
	}
	_ = ev.Wait()
	q.errMu.Lock()
	defer q.errMu.Unlock()
	err, q.failed = q.failed, nil
	return err
}

func (q *queue) Release() error {
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return device.NewError(device.ErrReleased, "ReleaseCommandQueue", statusInvalidCommandQueue, "queue released twice")
	}
	q.released = true
	close(q.commands)
	q.mu.Unlock()
	// Pending commands still run, as with clReleaseCommandQueue.
	<-q.stopped
	q.ctx.backend.live.Add(-1)
	return nil
}
