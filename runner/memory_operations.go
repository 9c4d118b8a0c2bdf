package runner

import (
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/notargets/offload/device"
	"github.com/notargets/offload/runner/builder"
)

// Buffer is a typed device allocation owned by a Session.
type Buffer struct {
	Name string

	sess     *Session
	mem      device.Buffer
	dataType builder.DataType
	length   int64
	h        *handle
}

var _ builder.Array = (*Buffer)(nil)

// DataType returns the element type.
func (b *Buffer) DataType() builder.DataType { return b.dataType }

// Len returns the number of elements.
func (b *Buffer) Len() int64 { return b.length }

// Bytes returns the allocation size in bytes.
func (b *Buffer) Bytes() int64 { return b.mem.Size() }

// Mode returns the device access mode.
func (b *Buffer) Mode() device.AccessMode { return b.mem.Mode() }

// Released reports whether the buffer has been released.
func (b *Buffer) Released() bool { return b.h.isReleased() }

// Release frees the device memory. Releasing twice is a no-op.
func (b *Buffer) Release() error { return b.h.Release() }

// Allocate reserves device memory for count elements of dataType.
func (s *Session) Allocate(name string, dataType builder.DataType, count int64, mode device.AccessMode) (*Buffer, error) {
	if s.Closed() {
		return nil, device.NewError(device.ErrReleased, "CreateBuffer", 0, "session closed")
	}
	elem := builder.SizeOfType(dataType)
	if elem == 0 {
		return nil, device.NewError(device.ErrAllocation, "CreateBuffer", 0, "%s: unsupported element type %v", name, dataType)
	}
	if count <= 0 {
		return nil, device.NewError(device.ErrAllocation, "CreateBuffer", 0, "%s: element count %d", name, count)
	}
	mem, err := s.ctx.CreateBuffer(count*elem, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "allocating %s", name)
	}
	b := &Buffer{Name: name, sess: s, mem: mem, dataType: dataType, length: count}
	b.h, err = s.root.adopt("buffer "+name, mem.Release)
	if err != nil {
		_ = mem.Release()
		return nil, err
	}
	klog.V(1).Infof("allocated %s: %d x %s (%s, %s)", name, count, dataType,
		humanize.IBytes(uint64(count*elem)), mode)
	return b, nil
}

// AllocateFor reserves a buffer matching the element type and length of a host
// slice.
func (s *Session) AllocateFor(name string, host interface{}, mode device.AccessMode) (*Buffer, error) {
	dt := builder.GetDataTypeFromSample(host)
	n, _, ok := hostRegion(host)
	if dt == 0 || !ok {
		return nil, device.NewError(device.ErrAllocation, "CreateBuffer", 0, "%s: unsupported host type %T", name, host)
	}
	return s.Allocate(name, dt, n, mode)
}

// hostRegion returns the element count and base address of a supported host
// slice.
func hostRegion(host interface{}) (int64, unsafe.Pointer, bool) {
	switch h := host.(type) {
	case []int32:
		return int64(len(h)), unsafe.Pointer(unsafe.SliceData(h)), true
	case []float32:
		return int64(len(h)), unsafe.Pointer(unsafe.SliceData(h)), true
	case []int64:
		return int64(len(h)), unsafe.Pointer(unsafe.SliceData(h)), true
	case []float64:
		return int64(len(h)), unsafe.Pointer(unsafe.SliceData(h)), true
	default:
		return 0, nil, false
	}
}

// checkTransfer validates that host can be copied to or from b in full.
func (b *Buffer) checkTransfer(op string, host interface{}) (unsafe.Pointer, error) {
	if b.h.isReleased() {
		return nil, device.NewError(device.ErrInvalidBuffer, op, 0, "%s has been released", b.Name)
	}
	n, ptr, ok := hostRegion(host)
	if !ok {
		return nil, device.NewError(device.ErrInvalidBuffer, op, 0, "%s: unsupported host type %T", b.Name, host)
	}
	if dt := builder.GetDataTypeFromSample(host); dt != b.dataType {
		return nil, device.NewError(device.ErrInvalidBuffer, op, 0, "%s holds %s, host slice is %s", b.Name, b.dataType, dt)
	}
	if n != b.length {
		return nil, device.NewError(device.ErrInvalidBuffer, op, 0, "%s holds %d elements, host slice has %d", b.Name, b.length, n)
	}
	return ptr, nil
}

// Upload copies host into b. When blocking is false it returns as soon as the
// copy is queued; host must not be modified until the next synchronization
// point on the session (a blocking transfer, Event.Wait or Finish).
func (s *Session) Upload(b *Buffer, host interface{}, blocking bool) (device.Event, error) {
	const op = "EnqueueWriteBuffer"
	ptr, err := b.checkTransfer(op, host)
	if err != nil {
		return nil, err
	}
	if !blocking {
		s.hold(host)
	}
	ev, err := s.queue.EnqueueWrite(b.mem, blocking, 0, b.mem.Size(), ptr)
	if err != nil {
		return nil, errors.Wrapf(err, "uploading %s", b.Name)
	}
	return ev, nil
}

// Download copies b into host.
func (s *Session) Download(b *Buffer, host interface{}, blocking bool) (device.Event, error) {
	const op = "EnqueueReadBuffer"
	ptr, err := b.checkTransfer(op, host)
	if err != nil {
		return nil, err
	}
	if !blocking {
		s.hold(host)
	}
	ev, err := s.queue.EnqueueRead(b.mem, blocking, 0, b.mem.Size(), ptr)
	if err != nil {
		return nil, errors.Wrapf(err, "downloading %s", b.Name)
	}
	return ev, nil
}
