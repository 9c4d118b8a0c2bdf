package runner

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/notargets/offload/device"
	"github.com/notargets/offload/kernels"
	"github.com/notargets/offload/runner/builder"
)

// Kernel is an entry point of a Program together with its bound arguments.
type Kernel struct {
	Name string
	// Signature is the declaration parsed from the program source. Nil when the
	// host front end could not parse it; binding then only checks arity.
	Signature *kernels.Signature

	program *Program
	kernel  device.Kernel
	h       *handle
	bound   []builder.ParamSpec
	values  []interface{} // device values of bound, for rollback
}

// Release releases the kernel. Its program stays alive.
func (k *Kernel) Release() error { return k.h.Release() }

// Bound reports whether Bind has succeeded.
func (k *Kernel) Bound() bool { return k.bound != nil }

// Bind validates the argument list against the kernel signature and sets every
// argument on the device kernel. Nothing reaches the device unless the whole
// list is valid.
//
//	k.Bind(
//		builder.Input("A").Bind(a),
//		builder.Input("B").Bind(b),
//		builder.Output("C").Bind(c),
//	)
func (k *Kernel) Bind(params ...*builder.ParamBuilder) error {
	if k.h.isReleased() {
		return device.NewError(device.ErrReleased, "SetKernelArg", 0, "kernel %s released", k.Name)
	}
	specs := make([]builder.ParamSpec, len(params))
	values := make([]interface{}, len(params))
	for i, p := range params {
		specs[i] = p.Spec
		if err := specs[i].Validate(); err != nil {
			return device.NewError(device.ErrArgument, "SetKernelArg", 0, "%s argument %d: %v", k.Name, i, err)
		}
		v, err := k.checkParam(i, &specs[i])
		if err != nil {
			return err
		}
		values[i] = v
	}
	if want := k.arity(); len(specs) != want {
		return device.NewError(device.ErrArgument, "SetKernelArg", 0,
			"%s takes %d argument(s), %d given; kernel is declared as\n\t%s\nbut the arguments fit\n\t%s",
			k.Name, want, len(specs), k.declaration(), builder.GenerateKernelDeclaration(k.Name, specs, k.program.Source.Dialect))
	}
	for i, v := range values {
		if err := k.kernel.SetArg(i, v); err != nil {
			k.restore()
			return errors.Wrapf(err, "%s argument %d (%s)", k.Name, i, specs[i].Name)
		}
	}
	k.bound, k.values = specs, values
	return nil
}

// restore puts the previous binding back on the device kernel after a partial
// SetArg sequence. If that fails too the kernel is left unbound.
func (k *Kernel) restore() {
	for i, v := range k.values {
		if err := k.kernel.SetArg(i, v); err != nil {
			klog.Warningf("%s: restoring argument %d: %v", k.Name, i, err)
			k.bound, k.values = nil, nil
			return
		}
	}
}

func (k *Kernel) arity() int {
	if k.Signature != nil {
		return len(k.Signature.Bindable())
	}
	return k.kernel.NumArgs()
}

func (k *Kernel) declaration() string {
	if k.Signature == nil {
		return k.Name + "(?)"
	}
	params := k.Signature.Bindable()
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = p.Format(k.Signature.Dialect)
	}
	return fmt.Sprintf("%s(%s)", k.Name, strings.Join(parts, ", "))
}

// checkParam matches one argument against the declared parameter at the same
// position and returns the value to hand to the device.
func (k *Kernel) checkParam(i int, spec *builder.ParamSpec) (interface{}, error) {
	mismatch := func(format string, args ...interface{}) error {
		return device.NewError(device.ErrArgument, "SetKernelArg", 0, "%s argument %d (%s): %s",
			k.Name, i, spec.Name, fmt.Sprintf(format, args...))
	}

	var buf *Buffer
	if spec.IsPointer() {
		var ok bool
		if buf, ok = spec.Binding.(*Buffer); !ok {
			return nil, mismatch("bound to %T, not a session buffer", spec.Binding)
		}
		if buf.sess != k.program.sess {
			return nil, mismatch("buffer %s belongs to another session", buf.Name)
		}
		if buf.Released() {
			return nil, device.NewError(device.ErrInvalidBuffer, "SetKernelArg", 0,
				"%s argument %d (%s): buffer %s has been released", k.Name, i, spec.Name, buf.Name)
		}
		switch spec.Direction {
		case builder.DirectionInput:
			if !buf.Mode().Readable() {
				return nil, mismatch("input bound to %s buffer %s", buf.Mode(), buf.Name)
			}
		case builder.DirectionOutput:
			if !buf.Mode().Writable() {
				return nil, mismatch("output bound to %s buffer %s", buf.Mode(), buf.Name)
			}
		case builder.DirectionInOut:
			if buf.Mode() != device.ReadWrite {
				return nil, mismatch("inout bound to %s buffer %s", buf.Mode(), buf.Name)
			}
		}
	}

	if k.Signature == nil {
		if buf != nil {
			return buf.mem, nil
		}
		return spec.Binding, nil
	}
	params := k.Signature.Bindable()
	if i >= len(params) {
		return nil, mismatch("kernel declares only %d argument(s): %s", len(params), k.declaration())
	}
	p := params[i]
	decl := p.Format(k.Signature.Dialect)
	if p.Name != spec.Name {
		return nil, mismatch("kernel declares argument %d as '%s'", i, decl)
	}
	if p.Pointer != spec.IsPointer() {
		if p.Pointer {
			return nil, mismatch("kernel declares '%s', bind a buffer with Input, Output or InOut", decl)
		}
		return nil, mismatch("kernel declares '%s', bind a value with Scalar", decl)
	}
	if p.Type == 0 {
		return nil, mismatch("kernel parameter type '%s' cannot be bound from the host", p.TypeName)
	}
	if p.Pointer {
		if buf.DataType() != p.Type {
			return nil, mismatch("buffer %s holds %s, kernel declares '%s'", buf.Name, buf.DataType(), decl)
		}
		switch {
		case p.Const && spec.Direction != builder.DirectionInput:
			return nil, mismatch("kernel declares '%s' read-only, bind it with Input", decl)
		case !p.Const && spec.Direction == builder.DirectionInput:
			return nil, mismatch("kernel declares '%s' writable, bind it with Output or InOut", decl)
		}
		return buf.mem, nil
	}
	v, err := convertScalar(spec.Binding, p.Type)
	if err != nil {
		return nil, mismatch("kernel declares '%s': %v", decl, err)
	}
	spec.DataType = p.Type
	return v, nil
}

// convertScalar converts a Go scalar to the declared kernel type. Integer
// values convert between widths when they fit; floating values must match.
func convertScalar(value interface{}, want builder.DataType) (interface{}, error) {
	var (
		i     int64
		f32   float32
		f64   float64
		gotDT builder.DataType
	)
	isInt := true
	switch v := value.(type) {
	case int:
		i = int64(v)
	case int32:
		i = int64(v)
	case int64:
		i = v
	case float32:
		isInt, f32, gotDT = false, v, builder.Float32
	case float64:
		isInt, f64, gotDT = false, v, builder.Float64
	default:
		return nil, errors.Errorf("unsupported scalar %T", value)
	}
	switch want {
	case builder.INT32:
		if !isInt {
			return nil, errors.Errorf("got %s", gotDT)
		}
		if i < math.MinInt32 || i > math.MaxInt32 {
			return nil, errors.Errorf("%d overflows int", i)
		}
		return int32(i), nil
	case builder.INT64:
		if !isInt {
			return nil, errors.Errorf("got %s", gotDT)
		}
		return i, nil
	case builder.Float32:
		if gotDT != builder.Float32 {
			return nil, errors.Errorf("got %T", value)
		}
		return f32, nil
	case builder.Float64:
		if gotDT != builder.Float64 {
			return nil, errors.Errorf("got %T", value)
		}
		return f64, nil
	}
	return nil, errors.Errorf("unsupported kernel type %s", want)
}
