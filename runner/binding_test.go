package runner

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/offload/device"
	"github.com/notargets/offload/kernels"
	"github.com/notargets/offload/partitions"
	"github.com/notargets/offload/runner/builder"
)

type vecAddBuffers struct {
	a, b, c *Buffer
}

func allocVecAdd(t *testing.T, s *Session, n int) vecAddBuffers {
	t.Helper()
	var v vecAddBuffers
	var err error
	v.a, err = s.AllocateFor("A", make([]int32, n), device.ReadOnly)
	require.NoError(t, err)
	v.b, err = s.AllocateFor("B", make([]int32, n), device.ReadOnly)
	require.NoError(t, err)
	v.c, err = s.AllocateFor("C", make([]int32, n), device.WriteOnly)
	require.NoError(t, err)
	return v
}

func TestBind_VecAdd(t *testing.T) {
	s, _ := openSession(t, "")
	_, k := buildKernel(t, s, kernels.VecAddSource, kernels.VecAddKernel)
	v := allocVecAdd(t, s, 64)

	require.NoError(t, k.Bind(
		builder.Input("A").Bind(v.a),
		builder.Input("B").Bind(v.b),
		builder.Output("C").Bind(v.c),
	))
	assert.True(t, k.Bound())
}

func TestBind_Mismatches(t *testing.T) {
	s, _ := openSession(t, "")
	_, k := buildKernel(t, s, kernels.VecAddSource, kernels.VecAddKernel)
	v := allocVecAdd(t, s, 64)
	rw, err := s.AllocateFor("RW", make([]int32, 64), device.ReadWrite)
	require.NoError(t, err)
	floats, err := s.AllocateFor("F", make([]float32, 64), device.ReadOnly)
	require.NoError(t, err)

	other, _ := openSession(t, "")
	foreign, err := other.AllocateFor("A", make([]int32, 64), device.ReadOnly)
	require.NoError(t, err)

	cases := []struct {
		name   string
		params []*builder.ParamBuilder
		msg    string
	}{
		{
			name: "WrongName",
			params: []*builder.ParamBuilder{
				builder.Input("X").Bind(v.a), builder.Input("B").Bind(v.b), builder.Output("C").Bind(v.c),
			},
			msg: "kernel declares argument 0 as '__global const int* A'",
		},
		{
			name: "ScalarForPointer",
			params: []*builder.ParamBuilder{
				builder.Scalar("A").Bind(int32(1)), builder.Input("B").Bind(v.b), builder.Output("C").Bind(v.c),
			},
			msg: "bind a buffer with Input, Output or InOut",
		},
		{
			name: "ElementType",
			params: []*builder.ParamBuilder{
				builder.Input("A").Bind(floats), builder.Input("B").Bind(v.b), builder.Output("C").Bind(v.c),
			},
			msg: "buffer F holds float32, kernel declares '__global const int* A'",
		},
		{
			name: "OutputForConst",
			params: []*builder.ParamBuilder{
				builder.Output("A").Bind(rw), builder.Input("B").Bind(v.b), builder.Output("C").Bind(v.c),
			},
			msg: "read-only, bind it with Input",
		},
		{
			name: "InputForWritable",
			params: []*builder.ParamBuilder{
				builder.Input("A").Bind(v.a), builder.Input("B").Bind(v.b), builder.Input("C").Bind(rw),
			},
			msg: "writable, bind it with Output or InOut",
		},
		{
			name: "OutputToReadOnlyBuffer",
			params: []*builder.ParamBuilder{
				builder.Input("A").Bind(v.a), builder.Input("B").Bind(v.b), builder.Output("C").Bind(v.a),
			},
			msg: "output bound to read-only buffer A",
		},
		{
			name: "TooFew",
			params: []*builder.ParamBuilder{
				builder.Input("A").Bind(v.a), builder.Input("B").Bind(v.b),
			},
			msg: "vec_add takes 3 argument(s), 2 given",
		},
		{
			name: "TooMany",
			params: []*builder.ParamBuilder{
				builder.Input("A").Bind(v.a), builder.Input("B").Bind(v.b), builder.Output("C").Bind(v.c),
				builder.Scalar("N").Bind(int32(64)),
			},
			msg: "kernel declares only 3 argument(s)",
		},
		{
			name: "Unbound",
			params: []*builder.ParamBuilder{
				builder.Input("A"), builder.Input("B").Bind(v.b), builder.Output("C").Bind(v.c),
			},
			msg: "input A has no binding",
		},
		{
			name: "HostSlice",
			params: []*builder.ParamBuilder{
				builder.Input("A").Bind([]int32{1, 2}), builder.Input("B").Bind(v.b), builder.Output("C").Bind(v.c),
			},
			msg: "must be bound to a device array",
		},
		{
			name: "ForeignSession",
			params: []*builder.ParamBuilder{
				builder.Input("A").Bind(foreign), builder.Input("B").Bind(v.b), builder.Output("C").Bind(v.c),
			},
			msg: "belongs to another session",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := k.Bind(tc.params...)
			require.Error(t, err)
			assert.True(t, errors.Is(err, device.ErrArgument), "got %v", err)
			assert.Contains(t, err.Error(), tc.msg)
			assert.False(t, k.Bound())
		})
	}

	t.Run("ReleasedBuffer", func(t *testing.T) {
		gone, err := s.AllocateFor("G", make([]int32, 64), device.ReadOnly)
		require.NoError(t, err)
		require.NoError(t, gone.Release())
		err = k.Bind(builder.Input("A").Bind(gone), builder.Input("B").Bind(v.b), builder.Output("C").Bind(v.c))
		assert.True(t, errors.Is(err, device.ErrInvalidBuffer), "got %v", err)
	})

	t.Run("ReleasedKernel", func(t *testing.T) {
		_, k2 := buildKernel(t, s, kernels.VecAddSource, kernels.VecAddKernel)
		require.NoError(t, k2.Release())
		err := k2.Bind(builder.Input("A").Bind(v.a), builder.Input("B").Bind(v.b), builder.Output("C").Bind(v.c))
		assert.True(t, errors.Is(err, device.ErrReleased), "got %v", err)
	})
}

func TestBind_Scalars(t *testing.T) {
	s, _ := openSession(t, "")
	_, k := buildKernel(t, s, kernels.MatMulSource, kernels.MatMulKernel)
	a, err := s.AllocateFor("A", make([]float32, 16), device.ReadOnly)
	require.NoError(t, err)
	b, err := s.AllocateFor("B", make([]float32, 16), device.ReadOnly)
	require.NoError(t, err)
	c, err := s.AllocateFor("C", make([]float32, 16), device.WriteOnly)
	require.NoError(t, err)

	bind := func(rows, inner, cols interface{}) error {
		return k.Bind(
			builder.Input("A").Bind(a),
			builder.Input("B").Bind(b),
			builder.Output("C").Bind(c),
			builder.Scalar("ROW_A").Bind(rows),
			builder.Scalar("COL_A").Bind(inner),
			builder.Scalar("COL_B").Bind(cols),
		)
	}

	require.NoError(t, bind(int32(4), int32(4), int32(4)))
	assert.NoError(t, bind(4, int64(4), int32(4)), "integers narrow when they fit")

	err = bind(int64(1)<<40, int32(4), int32(4))
	assert.True(t, errors.Is(err, device.ErrArgument), "got %v", err)
	assert.Contains(t, err.Error(), "overflows int")

	err = bind(int32(4), float32(4), int32(4))
	assert.True(t, errors.Is(err, device.ErrArgument), "got %v", err)
	assert.Contains(t, err.Error(), "COL_A")

	err = bind(int32(4), int32(4), "4")
	assert.True(t, errors.Is(err, device.ErrArgument), "got %v", err)

	err = k.Bind(
		builder.Input("A").Bind(a),
		builder.Input("B").Bind(b),
		builder.Output("C").Bind(c),
		builder.Scalar("ROW_A").Bind(a),
		builder.Scalar("COL_A").Bind(int32(4)),
		builder.Scalar("COL_B").Bind(int32(4)),
	)
	assert.True(t, errors.Is(err, device.ErrArgument), "got %v", err)
	assert.Contains(t, err.Error(), "scalar ROW_A bound to a device array")
}

func TestBind_FailedBindKeepsPrevious(t *testing.T) {
	s, _ := openSession(t, "")
	_, k := buildKernel(t, s, kernels.VecAddSource, kernels.VecAddKernel)
	v := allocVecAdd(t, s, 64)

	require.NoError(t, k.Bind(builder.Input("A").Bind(v.a), builder.Input("B").Bind(v.b), builder.Output("C").Bind(v.c)))
	err := k.Bind(builder.Input("A").Bind(v.a))
	require.Error(t, err)
	assert.True(t, k.Bound(), "a rejected list does not touch the device arguments")
}

// refusingKernel fails SetArg at one index a fixed number of times.
type refusingKernel struct {
	device.Kernel
	index int
	fails int
}

func (k *refusingKernel) SetArg(index int, value interface{}) error {
	if index == k.index && k.fails > 0 {
		k.fails--
		return device.NewError(device.ErrArgument, "SetKernelArg", -50, "refused")
	}
	return k.Kernel.SetArg(index, value)
}

func TestBind_DeviceFailureRestoresPrevious(t *testing.T) {
	s, _ := openSession(t, "")
	_, k := buildKernel(t, s, kernels.VecAddSource, kernels.VecAddKernel)

	const n = 64
	a, b := make([]int32, n), make([]int32, n)
	for i := range a {
		a[i], b[i] = int32(i), 1
	}
	first, second := allocVecAdd(t, s, n), allocVecAdd(t, s, n)
	for _, v := range []vecAddBuffers{first, second} {
		_, err := s.Upload(v.a, a, true)
		require.NoError(t, err)
		_, err = s.Upload(v.b, b, true)
		require.NoError(t, err)
	}
	require.NoError(t, k.Bind(vecAddParams(first)...))

	inner := k.kernel
	k.kernel = &refusingKernel{Kernel: inner, index: 2, fails: 1}
	err := k.Bind(vecAddParams(second)...)
	assert.True(t, errors.Is(err, device.ErrArgument), "got %v", err)
	assert.Contains(t, err.Error(), "vec_add argument 2 (C)")
	require.True(t, k.Bound())
	k.kernel = inner

	wp, err := partitions.Linear(n, 16)
	require.NoError(t, err)
	_, err = s.Dispatch(k, wp)
	require.NoError(t, err)
	require.NoError(t, s.Finish())

	got := make([]int32, n)
	_, err = s.Download(first.c, got, true)
	require.NoError(t, err)
	for i := range got {
		require.Equal(t, int32(i+1), got[i], "C[%d] from the first binding", i)
	}
	_, err = s.Download(second.c, got, true)
	require.NoError(t, err)
	assert.Equal(t, make([]int32, n), got, "the second binding never ran")
}

func TestBind_FailedRestoreUnbinds(t *testing.T) {
	s, _ := openSession(t, "")
	_, k := buildKernel(t, s, kernels.VecAddSource, kernels.VecAddKernel)
	first, second := allocVecAdd(t, s, 16), allocVecAdd(t, s, 16)
	require.NoError(t, k.Bind(vecAddParams(first)...))

	k.kernel = &refusingKernel{Kernel: k.kernel, index: 0, fails: 2}
	require.Error(t, k.Bind(vecAddParams(second)...))
	assert.False(t, k.Bound())
}

func TestBind_MessagesUseSourceDialect(t *testing.T) {
	s, _ := openSession(t, "")
	v := allocVecAdd(t, s, 16)

	_, k := buildKernel(t, s, kernels.VecAddSource, kernels.VecAddKernel)
	err := k.Bind(builder.Input("A").Bind(v.a), builder.Input("B").Bind(v.b))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vec_add(__global const int* A, __global const int* B, __global int* C)")
	assert.Contains(t, err.Error(), "__kernel void vec_add(__global const int* A, __global const int* B)")

	_, k = buildKernel(t, s, kernels.ForDialect(kernels.VecAddSource, kernels.OKL), kernels.VecAddKernel)
	err = k.Bind(builder.Input("A").Bind(v.a), builder.Input("B").Bind(v.b))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vec_add(const int *A, const int *B, int *C)")
	assert.Contains(t, err.Error(), "@kernel void vec_add(const int *A, const int *B)")

	err = k.Bind(builder.Output("A").Bind(v.c), builder.Input("B").Bind(v.b), builder.Output("C").Bind(v.c))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kernel declares 'const int *A' read-only, bind it with Input")
}
