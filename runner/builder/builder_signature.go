package builder

import (
	"fmt"
	"strings"
)

// Dialect selects the kernel language a declaration is written in.
type Dialect int

const (
	OpenCL Dialect = iota // __kernel void f(__global const int* a, ...)
	OKL                   // @kernel void f(const int *a, ...)
)

// Keyword is the qualifier that marks a kernel entry point.
func (d Dialect) Keyword() string {
	if d == OKL {
		return "@kernel"
	}
	return "__kernel"
}

// GenerateKernelSignature renders the parameter list implied by a set of host
// argument specifications, in kernel declaration order
func GenerateKernelSignature(specs []ParamSpec, d Dialect) string {
	params := make([]string, 0, len(specs))
	for _, spec := range specs {
		params = append(params, DescribeParam(spec, d))
	}
	return strings.Join(params, ", ")
}

// GenerateKernelDeclaration generates the declaration a kernel must have to
// accept the given arguments
func GenerateKernelDeclaration(kernelName string, specs []ParamSpec, d Dialect) string {
	return fmt.Sprintf("%s void %s(%s)", d.Keyword(), kernelName, GenerateKernelSignature(specs, d))
}

// DescribeParam renders one argument specification as a kernel parameter
func DescribeParam(spec ParamSpec, d Dialect) string {
	return FormatParam(spec.Name, TypeName(spec.DataType), spec.IsPointer(), spec.IsConst(), d)
}

// FormatParam renders a parameter declaration. OpenCL pointers are in the
// __global address space; OKL leaves placement to the runtime.
func FormatParam(name, typeName string, pointer, isConst bool, d Dialect) string {
	constStr := ""
	if isConst {
		constStr = "const "
	}
	switch {
	case pointer && d == OKL:
		return fmt.Sprintf("%s%s *%s", constStr, typeName, name)
	case pointer:
		return fmt.Sprintf("__global %s%s* %s", constStr, typeName, name)
	}
	return fmt.Sprintf("%s%s %s", constStr, typeName, name)
}
