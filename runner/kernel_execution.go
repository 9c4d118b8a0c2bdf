package runner

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/notargets/offload/device"
	"github.com/notargets/offload/partitions"
	"github.com/notargets/offload/runner/builder"
)

// Dispatch enqueues k over the index space wp and returns without waiting.
// The partition is validated before anything is submitted; a rejected
// partition never reaches the device.
func (s *Session) Dispatch(k *Kernel, wp partitions.WorkPartition) (device.Event, error) {
	const op = "EnqueueNDRangeKernel"
	if err := wp.Validate(); err != nil {
		return nil, err
	}
	if err := wp.CheckDevice(s.Device.MaxWorkGroupSize()); err != nil {
		return nil, err
	}
	if s.Closed() {
		return nil, device.NewError(device.ErrReleased, op, 0, "session closed")
	}
	if k.h.isReleased() {
		return nil, device.NewError(device.ErrReleased, op, 0, "kernel %s released", k.Name)
	}
	if !k.Bound() {
		return nil, device.NewError(device.ErrArgument, op, 0, "kernel %s has no bound arguments", k.Name)
	}
	for _, spec := range k.bound {
		if buf, ok := spec.Binding.(*Buffer); ok && buf.Released() {
			return nil, device.NewError(device.ErrInvalidBuffer, op, 0,
				"kernel %s argument %s: buffer %s has been released", k.Name, spec.Name, buf.Name)
		}
	}

	ev, err := s.queue.EnqueueNDRange(k.kernel, wp.Global, wp.Local)
	if err != nil {
		return nil, errors.Wrapf(err, "dispatching %s", k.Name)
	}
	s.mu.Lock()
	s.dispatches++
	s.mu.Unlock()
	klog.V(1).Infof("dispatched %s: %s, %d work-groups, %d work-items", k.Name, wp, wp.TotalGroups(), wp.WorkItems())
	return ev, nil
}

// Run binds params, dispatches k over wp and waits for completion.
func (s *Session) Run(k *Kernel, wp partitions.WorkPartition, params ...*builder.ParamBuilder) error {
	if err := k.Bind(params...); err != nil {
		return err
	}
	if _, err := s.Dispatch(k, wp); err != nil {
		return err
	}
	return s.Finish()
}
