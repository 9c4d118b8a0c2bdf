package runner

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/notargets/offload/device"
)

// Config selects the device a Session runs on.
type Config struct {
	// Backend is "<name>:<backend config>", e.g. "emu:class=cpu". Empty selects
	// the first registered backend.
	Backend string

	// Class of device to locate. Zero means device.ClassGPU.
	Class device.Class

	// BuildOptions are passed to the device compiler. Empty by default.
	BuildOptions string
}

// Session owns the context and the single in-order queue of one run. Every
// Program, Kernel and Buffer is created through a Session and released before
// the queue and context are.
type Session struct {
	Backend  device.Backend
	Platform device.Platform
	Device   device.Device
	Timings  *Timings

	cfg   Config
	ctx   device.Context
	queue device.Queue
	root  *handle

	mu         sync.Mutex
	inflight   []interface{} // host slices referenced by unfinished transfers
	dispatches int
}

// Open creates a backend from cfg and opens a session on it.
func Open(cfg Config) (*Session, error) {
	b, err := device.NewBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	return OpenBackend(b, cfg)
}

// OpenBackend locates a device on b and acquires its context and queue.
func OpenBackend(b device.Backend, cfg Config) (*Session, error) {
	if cfg.Class == 0 {
		cfg.Class = device.ClassGPU
	}
	platform, dev, err := device.Locate(b, cfg.Class)
	if err != nil {
		return nil, err
	}
	klog.Infof("using %s device %q on platform %q (%s global memory, max work-group %d)",
		b.Name(), dev.Name(), platform.Name(), humanize.IBytes(uint64(dev.GlobalMemSize())), dev.MaxWorkGroupSize())

	ctx, err := b.NewContext(dev)
	if err != nil {
		return nil, errors.Wrap(err, "creating context")
	}
	queue, err := ctx.NewQueue()
	if err != nil {
		if rerr := ctx.Release(); rerr != nil {
			klog.Warningf("releasing context: %v", rerr)
		}
		return nil, errors.Wrap(err, "creating command queue")
	}
	s := &Session{
		Backend:  b,
		Platform: platform,
		Device:   dev,
		Timings:  NewTimings(),
		cfg:      cfg,
		ctx:      ctx,
		queue:    queue,
	}
	s.root = newHandle("session", func() error {
		var first error
		if err := s.queue.Finish(); err != nil {
			first = err
		}
		if err := s.queue.Release(); err != nil && first == nil {
			first = err
		}
		if err := s.ctx.Release(); err != nil && first == nil {
			first = err
		}
		return first
	})
	return s, nil
}

// Close releases every program, kernel and buffer still alive, then the queue,
// then the context. It is safe to call more than once and from defer on error
// paths.
func (s *Session) Close() error {
	if s == nil || s.root == nil {
		return nil
	}
	err := s.root.Release()
	s.mu.Lock()
	s.inflight = nil
	s.mu.Unlock()
	return err
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool {
	return s.root.isReleased()
}

// Live returns the number of programs, kernels and buffers not yet released.
func (s *Session) Live() int {
	return s.root.live()
}

// Finish blocks until every command enqueued so far has completed. It is the
// synchronization point for non-blocking transfers and dispatches.
func (s *Session) Finish() error {
	if s.Closed() {
		return device.NewError(device.ErrReleased, "Finish", 0, "session closed")
	}
	err := s.queue.Finish()
	s.mu.Lock()
	s.inflight = nil
	s.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "finish")
	}
	return nil
}

// Dispatches returns how many kernel launches have been submitted.
func (s *Session) Dispatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatches
}

func (s *Session) hold(host interface{}) {
	s.mu.Lock()
	s.inflight = append(s.inflight, host)
	s.mu.Unlock()
}
