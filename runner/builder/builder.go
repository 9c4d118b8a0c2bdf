package builder

import (
	"fmt"
)

// DataType represents the element type of device data
type DataType int

const (
	Float32 DataType = iota + 1
	Float64
	INT32
	INT64
)

func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case INT32:
		return "int32"
	case INT64:
		return "int64"
	default:
		return fmt.Sprintf("DataType(%d)", int(dt))
	}
}

// SizeOfType returns the size in bytes of a data type
func SizeOfType(dt DataType) int64 {
	switch dt {
	case Float32, INT32:
		return 4
	case Float64, INT64:
		return 8
	default:
		return 0
	}
}

// TypeName returns the OpenCL C type name for a given DataType
func TypeName(dt DataType) string {
	switch dt {
	case Float32:
		return "float"
	case Float64:
		return "double"
	case INT32:
		return "int"
	case INT64:
		return "long"
	default:
		return "void"
	}
}

// ParseTypeName maps an OpenCL C scalar type name to a DataType. Returns 0 for
// types the host side cannot bind.
func ParseTypeName(name string) DataType {
	switch name {
	case "float":
		return Float32
	case "double":
		return Float64
	case "int":
		return INT32
	case "long":
		return INT64
	default:
		return 0
	}
}

// GetDataTypeFromSample returns the DataType of a scalar or slice sample value
func GetDataTypeFromSample(sample interface{}) DataType {
	switch sample.(type) {
	case float32, []float32:
		return Float32
	case float64, []float64:
		return Float64
	case int32, []int32:
		return INT32
	case int64, []int64:
		return INT64
	default:
		return 0
	}
}
