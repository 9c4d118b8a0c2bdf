package emu

import (
	"github.com/notargets/offload/device"
	"github.com/notargets/offload/kernels"
	"github.com/notargets/offload/runner/builder"
)

type paramShape struct {
	pointer  bool
	dataType builder.DataType
}

// workGroup is the slice of the index space one invocation covers. All three
// dimensions are always present; unused ones have extent 1.
type workGroup struct {
	global [3]int
	local  [3]int
	origin [3]int
}

type kernelImpl struct {
	// source is the bundled file whose kernel body this implementation
	// executes.
	source string
	params []paramShape
	// run executes every work-item of one work-group. Pointer arguments arrive
	// as *buffer, scalars as int32, int64, float32 or float64.
	run func(args []interface{}, wg workGroup) error
}

// library holds the host implementations of the kernels this device can run.
var library = map[string]kernelImpl{
	kernels.VecAddKernel: {
		source: kernels.VecAddSource,
		params: []paramShape{
			{true, builder.INT32}, {true, builder.INT32}, {true, builder.INT32},
		},
		run: vecAdd,
	},
	kernels.MatMulKernel: {
		source: kernels.MatMulSource,
		params: []paramShape{
			{true, builder.Float32}, {true, builder.Float32}, {true, builder.Float32},
			{false, builder.INT32}, {false, builder.INT32}, {false, builder.INT32},
		},
		run: matMul,
	},
}

func typeName(dt builder.DataType) string {
	return builder.TypeName(dt)
}

func outOfBounds(kernel string, what string, index, length int) error {
	return device.NewError(device.ErrLaunch, "EnqueueNDRangeKernel", statusOutOfResources,
		"%s: access to %s[%d] is out of bounds (length %d)", kernel, what, index, length)
}

func vecAdd(args []interface{}, wg workGroup) error {
	a := args[0].(*buffer).int32s()
	b := args[1].(*buffer).int32s()
	c := args[2].(*buffer).int32s()

	lo, hi := wg.origin[0], wg.origin[0]+wg.local[0]
	switch {
	case hi > len(a):
		return outOfBounds(kernels.VecAddKernel, "A", hi-1, len(a))
	case hi > len(b):
		return outOfBounds(kernels.VecAddKernel, "B", hi-1, len(b))
	case hi > len(c):
		return outOfBounds(kernels.VecAddKernel, "C", hi-1, len(c))
	}
	for i := lo; i < hi; i++ {
		c[i] = a[i] + b[i]
	}
	return nil
}

// matMul accumulates in float32 in increasing k order, the same as the device
// source, so results are reproducible across backends up to FMA contraction.
func matMul(args []interface{}, wg workGroup) error {
	a := args[0].(*buffer).float32s()
	b := args[1].(*buffer).float32s()
	c := args[2].(*buffer).float32s()
	colA := int(args[4].(int32))
	colB := int(args[5].(int32))

	col0, colN := wg.origin[0], wg.origin[0]+wg.local[0]
	row0, rowN := wg.origin[1], wg.origin[1]+wg.local[1]
	if colA <= 0 || colB <= 0 {
		return nil
	}
	if last := (rowN-1)*colA + colA - 1; last >= len(a) {
		return outOfBounds(kernels.MatMulKernel, "A", last, len(a))
	}
	if last := (colA-1)*colB + colN - 1; last >= len(b) {
		return outOfBounds(kernels.MatMulKernel, "B", last, len(b))
	}
	if last := (rowN-1)*colB + colN - 1; last >= len(c) {
		return outOfBounds(kernels.MatMulKernel, "C", last, len(c))
	}
	for row := row0; row < rowN; row++ {
		aRow := a[row*colA : (row+1)*colA]
		for col := col0; col < colN; col++ {
			var sum float32
			for k, av := range aRow {
				sum += av * b[k*colB+col]
			}
			c[row*colB+col] = sum
		}
	}
	return nil
}
