package builder

import (
	"fmt"
	"reflect"
)

// Direction indicates parameter data flow
type Direction int

const (
	DirectionInput Direction = iota
	DirectionOutput
	DirectionInOut
	DirectionScalar
)

func (d Direction) String() string {
	switch d {
	case DirectionInput:
		return "input"
	case DirectionOutput:
		return "output"
	case DirectionInOut:
		return "inout"
	case DirectionScalar:
		return "scalar"
	default:
		return "unknown"
	}
}

// Array is a typed device allocation that can be bound to a pointer parameter.
type Array interface {
	DataType() DataType
	Len() int64
}

// ParamBuilder provides a fluent interface for building kernel arguments
type ParamBuilder struct {
	Spec ParamSpec
}

// ParamSpec holds the complete specification for a kernel argument
type ParamSpec struct {
	Name      string
	Direction Direction
	Binding   interface{} // Array for pointer parameters, Go scalar otherwise

	// Type and size (inferred or explicit)
	DataType DataType
	Size     int64
}

// Input creates an argument for a const device array
func Input(deviceName string) *ParamBuilder {
	return &ParamBuilder{
		Spec: ParamSpec{
			Name:      deviceName,
			Direction: DirectionInput,
		},
	}
}

// Output creates an argument for a device array written by the kernel
func Output(deviceName string) *ParamBuilder {
	return &ParamBuilder{
		Spec: ParamSpec{
			Name:      deviceName,
			Direction: DirectionOutput,
		},
	}
}

// InOut creates an argument for a device array read and written by the kernel
func InOut(deviceName string) *ParamBuilder {
	return &ParamBuilder{
		Spec: ParamSpec{
			Name:      deviceName,
			Direction: DirectionInOut,
		},
	}
}

// Scalar creates an argument passed by value
func Scalar(deviceName string) *ParamBuilder {
	return &ParamBuilder{
		Spec: ParamSpec{
			Name:      deviceName,
			Direction: DirectionScalar,
		},
	}
}

// Bind associates a device array or a scalar value with this argument
func (p *ParamBuilder) Bind(value interface{}) *ParamBuilder {
	p.Spec.Binding = value

	// Infer type and size if possible
	p.inferFromBinding()

	return p
}

// Type sets an explicit type, overriding inference
func (p *ParamBuilder) Type(dataType DataType) *ParamBuilder {
	p.Spec.DataType = dataType
	return p
}

// inferFromBinding extracts type and size information from the binding
func (p *ParamBuilder) inferFromBinding() {
	if p.Spec.Binding == nil {
		return
	}

	if arr, ok := p.Spec.Binding.(Array); ok {
		p.Spec.DataType = arr.DataType()
		p.Spec.Size = arr.Len()
		return
	}

	switch reflect.TypeOf(p.Spec.Binding).Kind() {
	case reflect.Float32:
		p.Spec.DataType = Float32
	case reflect.Float64:
		p.Spec.DataType = Float64
	case reflect.Int, reflect.Int64:
		p.Spec.DataType = INT64
	case reflect.Int32:
		p.Spec.DataType = INT32
	default:
		return
	}
	p.Spec.Size = 1
}

// Validate checks if the argument specification is complete and valid
func (p *ParamSpec) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("parameter name cannot be empty")
	}

	if p.Binding == nil {
		return fmt.Errorf("%s %s has no binding", p.Direction, p.Name)
	}

	if p.Direction == DirectionScalar {
		if _, isArray := p.Binding.(Array); isArray {
			return fmt.Errorf("scalar %s bound to a device array", p.Name)
		}
		if p.DataType == 0 {
			return fmt.Errorf("scalar %s has unsupported type %T", p.Name, p.Binding)
		}
		return nil
	}

	if _, isArray := p.Binding.(Array); !isArray {
		return fmt.Errorf("array %s must be bound to a device array, got %T", p.Name, p.Binding)
	}
	if p.DataType == 0 {
		return fmt.Errorf("array %s needs type", p.Name)
	}
	if p.Size == 0 {
		return fmt.Errorf("array %s needs size", p.Name)
	}
	return nil
}

// IsConst returns whether this argument should be const in the kernel signature
func (p *ParamSpec) IsConst() bool {
	switch p.Direction {
	case DirectionInput, DirectionScalar:
		return true
	default:
		return false
	}
}

// IsPointer returns whether this argument binds a device array
func (p *ParamSpec) IsPointer() bool {
	return p.Direction != DirectionScalar
}
