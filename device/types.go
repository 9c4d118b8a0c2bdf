// Package device defines the host-side view of a compute accelerator: platforms,
// devices, execution contexts, in-order command queues, device buffers, compiled
// programs and kernel entry points.
//
// Backends implement these interfaces and register themselves by name (see
// Register). Handles returned by a backend must be released explicitly, children
// before parents; the runner package enforces that ordering for callers.
package device

import (
	"strings"
	"unsafe"
)

// Class is a bitmask describing the kind of a device.
type Class uint

const (
	ClassCPU Class = 1 << iota
	ClassGPU
	ClassAccelerator
	ClassAll = ClassCPU | ClassGPU | ClassAccelerator
)

func (c Class) String() string {
	var parts []string
	if c&ClassCPU != 0 {
		parts = append(parts, "CPU")
	}
	if c&ClassGPU != 0 {
		parts = append(parts, "GPU")
	}
	if c&ClassAccelerator != 0 {
		parts = append(parts, "Accelerator")
	}
	if parts == nil {
		return "None"
	}
	return strings.Join(parts, "|")
}

// ParseClass converts a user supplied class name ("gpu", "cpu", "accelerator",
// "all") into a Class. Names may be combined with '|' or ','.
func ParseClass(s string) (Class, bool) {
	var c Class
	for _, part := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == '|' || r == ','
	}) {
		switch strings.TrimSpace(part) {
		case "cpu":
			c |= ClassCPU
		case "gpu":
			c |= ClassGPU
		case "accelerator", "acc":
			c |= ClassAccelerator
		case "all", "any":
			c |= ClassAll
		default:
			return 0, false
		}
	}
	return c, c != 0
}

// AccessMode is the access a kernel has to a buffer, from the device's perspective.
type AccessMode int

const (
	ReadOnly AccessMode = iota + 1
	WriteOnly
	ReadWrite
)

func (m AccessMode) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case WriteOnly:
		return "write-only"
	case ReadWrite:
		return "read-write"
	default:
		return "invalid"
	}
}

// Readable reports whether a kernel may read from a buffer with this mode.
func (m AccessMode) Readable() bool { return m == ReadOnly || m == ReadWrite }

// Writable reports whether a kernel may write to a buffer with this mode.
func (m AccessMode) Writable() bool { return m == WriteOnly || m == ReadWrite }

// Backend is a driver for one family of compute devices.
type Backend interface {
	// Name returns the registered short name, e.g. "emu" or "opencl".
	Name() string

	// Platforms enumerates the platforms visible to this backend. An empty list
	// is not an error at this layer; Locate turns it into ErrNoPlatform.
	Platforms() ([]Platform, error)

	// NewContext creates an execution context bound to one device.
	NewContext(d Device) (Context, error)
}

// Platform groups devices exposed by one driver installation.
type Platform interface {
	Name() string
	Vendor() string
	Version() string

	// Devices returns the devices of this platform matching class.
	Devices(class Class) ([]Device, error)
}

// Device identifies one compute device. It is immutable.
type Device interface {
	Name() string
	Vendor() string
	Class() Class
	Platform() string
	MaxWorkGroupSize() int
	GlobalMemSize() int64
}

// Context owns the device-side objects of one run.
type Context interface {
	Device() Device
	NewQueue() (Queue, error)
	CreateBuffer(size int64, mode AccessMode) (Buffer, error)

	// BuildProgram compiles source for the context device. On compiler failure
	// the returned error is a *BuildError carrying the compiler log.
	BuildProgram(source []byte, options string) (Program, error)
	Release() error
}

// Buffer is a device-resident memory region.
type Buffer interface {
	Size() int64
	Mode() AccessMode
	Release() error
}

// Program is a successfully compiled program.
type Program interface {
	// KernelNames lists the entry points found in the program.
	KernelNames() []string
	CreateKernel(name string) (Kernel, error)
	BuildLog() string
	Release() error
}

// Kernel is one entry point of a Program. Arguments are positional and untyped
// at this layer; a mismatch with the kernel's declared parameters is not
// detected here.
type Kernel interface {
	Name() string
	NumArgs() int

	// SetArg binds a Buffer or a scalar (int32, uint32, int64, float32, float64)
	// to the argument slot index.
	SetArg(index int, value interface{}) error
	Release() error
}

// Event tracks completion of one enqueued command.
type Event interface {
	// Wait blocks until the command completes and returns its status.
	Wait() error
}

// Queue is an in-order command queue. Commands execute in enqueue order.
type Queue interface {
	// EnqueueWrite copies size bytes from host memory at src into buf at
	// offset. When blocking is false the call returns before the copy happens
	// and the host memory must stay untouched until a later synchronization
	// point on this queue.
	EnqueueWrite(buf Buffer, blocking bool, offset, size int64, src unsafe.Pointer) (Event, error)

	// EnqueueRead copies size bytes from buf at offset into host memory at dst.
	EnqueueRead(buf Buffer, blocking bool, offset, size int64, dst unsafe.Pointer) (Event, error)

	// EnqueueNDRange launches k over the index space described by global and
	// local extents, one entry per dimension. It never blocks.
	EnqueueNDRange(k Kernel, global, local []int) (Event, error)

	// Finish blocks until every previously enqueued command has completed.
	Finish() error
	Release() error
}
