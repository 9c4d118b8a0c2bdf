package emu

import (
	"io/fs"
	"testing"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/offload/device"
	"github.com/notargets/offload/kernels"
)

type testDevice struct {
	backend *Backend
	ctx     device.Context
	queue   device.Queue
}

// openTestDevice creates a context and queue on an emu backend. The caller
// releases them with close.
func openTestDevice(t *testing.T, config string) *testDevice {
	t.Helper()
	cfg, err := ParseConfig(config)
	require.NoError(t, err)
	b := NewWithConfig(cfg)
	_, d, err := device.Locate(b, device.ClassAll)
	require.NoError(t, err)
	ctx, err := b.NewContext(d)
	require.NoError(t, err)
	q, err := ctx.NewQueue()
	require.NoError(t, err)
	return &testDevice{backend: b, ctx: ctx, queue: q}
}

func (td *testDevice) close(t *testing.T) {
	t.Helper()
	require.NoError(t, td.queue.Release())
	require.NoError(t, td.ctx.Release())
}

func bundledSource(t *testing.T, name string) []byte {
	t.Helper()
	src, err := fs.ReadFile(kernels.Bundled(), name)
	require.NoError(t, err)
	return src
}

func int32Ptr(v []int32) (unsafe.Pointer, int64) {
	return unsafe.Pointer(&v[0]), int64(len(v)) * 4
}

func float32Ptr(v []float32) (unsafe.Pointer, int64) {
	return unsafe.Pointer(&v[0]), int64(len(v)) * 4
}

func assertKind(t *testing.T, err error, kind error, code int) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, kind), "want %v, got %v", kind, err)
	assert.Equal(t, code, device.Code(err), "status code of %v", err)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = ParseConfig("platforms=2, devices=3,class=cpu,mem=64MiB,maxwg=256,workers=4")
	require.NoError(t, err)
	assert.Equal(t, Config{
		Platforms:        2,
		DevicesPerPlat:   3,
		Class:            device.ClassCPU,
		GlobalMemSize:    64 << 20,
		MaxWorkGroupSize: 256,
		Workers:          4,
	}, cfg)

	for _, bad := range []string{"platforms", "color=red", "class=fpga", "mem=lots", "maxwg=0", "workers=-1", "devices=x"} {
		_, err := ParseConfig(bad)
		assert.Error(t, err, bad)
	}
}

func TestRegistered(t *testing.T) {
	assert.Contains(t, device.Registered(), BackendName)
	b, err := device.NewBackend("emu:class=accelerator")
	require.NoError(t, err)
	_, d, err := device.Locate(b, device.ClassAccelerator)
	require.NoError(t, err)
	assert.Equal(t, device.ClassAccelerator, d.Class())
	assert.Equal(t, "Emulated Accelerator 0.0", d.Name())
}

func TestLocate(t *testing.T) {
	t.Run("no platform", func(t *testing.T) {
		b, err := New("platforms=0")
		require.NoError(t, err)
		_, _, err = device.Locate(b, device.ClassGPU)
		assert.True(t, errors.Is(err, device.ErrNoPlatform), "got %v", err)
	})
	t.Run("no device of class", func(t *testing.T) {
		b, err := New("class=cpu")
		require.NoError(t, err)
		_, _, err = device.Locate(b, device.ClassGPU)
		assert.True(t, errors.Is(err, device.ErrNoDevice), "got %v", err)
	})
	t.Run("platform without devices", func(t *testing.T) {
		b, err := New("devices=0")
		require.NoError(t, err)
		_, _, err = device.Locate(b, device.ClassAll)
		assert.True(t, errors.Is(err, device.ErrNoDevice), "got %v", err)
	})
	t.Run("first platform wins", func(t *testing.T) {
		b, err := New("platforms=3,devices=2")
		require.NoError(t, err)
		p, d, err := device.Locate(b, device.ClassGPU)
		require.NoError(t, err)
		assert.Equal(t, "Go Emulation Platform 0", p.Name())
		assert.Equal(t, "Emulated GPU 0.0", d.Name())

		inv, err := device.Inventory(b)
		require.NoError(t, err)
		require.Len(t, inv, 3)
		assert.Len(t, inv[2].Devices, 2)
	})
}

func TestCreateBuffer(t *testing.T) {
	td := openTestDevice(t, "mem=1KiB")
	defer td.close(t)

	_, err := td.ctx.CreateBuffer(0, device.ReadWrite)
	assertKind(t, err, device.ErrInvalidBuffer, statusInvalidBufferSize)

	_, err = td.ctx.CreateBuffer(16, device.AccessMode(9))
	assertKind(t, err, device.ErrInvalidBuffer, statusInvalidValue)

	_, err = td.ctx.CreateBuffer(2048, device.ReadWrite)
	assertKind(t, err, device.ErrAllocation, statusMemAllocationFailure)
	assert.Contains(t, err.Error(), "2.0 KiB requested")

	a, err := td.ctx.CreateBuffer(768, device.ReadOnly)
	require.NoError(t, err)
	assert.Equal(t, int64(768), a.Size())
	assert.Equal(t, device.ReadOnly, a.Mode())

	_, err = td.ctx.CreateBuffer(512, device.ReadOnly)
	assertKind(t, err, device.ErrAllocation, statusMemAllocationFailure)

	require.NoError(t, a.Release())
	b, err := td.ctx.CreateBuffer(1024, device.WriteOnly)
	require.NoError(t, err, "released memory is reusable")
	require.NoError(t, b.Release())

	assertKind(t, a.Release(), device.ErrReleased, statusInvalidMemObject)
}

func TestBuildProgram(t *testing.T) {
	td := openTestDevice(t, "")
	defer td.close(t)

	t.Run("bundled", func(t *testing.T) {
		for _, name := range []string{kernels.VecAddSource, kernels.MatMulSource, "vec_add.okl", "mat_mul.okl"} {
			p, err := td.ctx.BuildProgram(bundledSource(t, name), "-cl-fast-relaxed-math -D N=4")
			require.NoError(t, err, name)
			assert.Len(t, p.KernelNames(), 1)
			assert.Empty(t, p.BuildLog())
			require.NoError(t, p.Release())
		}
	})

	t.Run("compiler error", func(t *testing.T) {
		src := []byte("__kernel void vec_add(__global const int* A, __global const int* B, __global int* C)\n" +
			"{\n" +
			"    int i = get_global_id(0)\n" +
			"    C[i] = A[i] + B[i];\n" +
			"}\n")
		_, err := td.ctx.BuildProgram(src, "")
		var be *device.BuildError
		require.True(t, errors.As(err, &be), "got %v", err)
		assert.True(t, errors.Is(err, device.ErrBuild))
		assert.Contains(t, be.Log, "<program source>:3:29: error: expected ';' after expression")
		assert.Contains(t, be.Log, "1 error generated.")
		assert.Equal(t, "Emulated GPU 0.0", be.Device)
	})

	t.Run("no device implementation", func(t *testing.T) {
		src := []byte("__kernel void scale(__global float* X, const float alpha)\n{\n    X[get_global_id(0)] *= alpha;\n}\n")
		_, err := td.ctx.BuildProgram(src, "")
		var be *device.BuildError
		require.True(t, errors.As(err, &be))
		assert.Contains(t, be.Log, "<program source>:1:15: error: no device implementation for kernel 'scale'")
	})

	t.Run("parameter mismatch", func(t *testing.T) {
		src := []byte("__kernel void vec_add(__global const float* A, __global const int* B, __global int* C)\n" +
			"{\n    int i = get_global_id(0);\n    C[i] = A[i] + B[i];\n}\n")
		_, err := td.ctx.BuildProgram(src, "")
		var be *device.BuildError
		require.True(t, errors.As(err, &be))
		assert.Contains(t, be.Log, "kernel 'vec_add' parameter 0 'A' has type 'float*', device implementation expects 'int*'")

		src = []byte("__kernel void vec_add(__global const int* A, __global int* C)\n{\n    C[0] = A[0];\n}\n")
		_, err = td.ctx.BuildProgram(src, "")
		require.True(t, errors.As(err, &be))
		assert.Contains(t, be.Log, "declares 2 parameter(s), device implementation takes 3")
	})

	t.Run("body mismatch", func(t *testing.T) {
		src := []byte("__kernel void vec_add(__global const int* A, __global const int* B, __global int* C)\n" +
			"{\n    int i = get_global_id(0);\n    C[i] = A[i] * B[i];\n}\n")
		_, err := td.ctx.BuildProgram(src, "")
		var be *device.BuildError
		require.True(t, errors.As(err, &be), "got %v", err)
		assert.Contains(t, be.Log, "<program source>:4:17: error: no device implementation matches the body of kernel 'vec_add'")
		assert.Equal(t, int64(2), td.backend.Live(), "only the context and queue remain")

		// Layout and comments do not matter.
		src = []byte("__kernel void vec_add(__global const int* A, __global const int* B, __global int* C) {\n" +
			"  int i = get_global_id(0); // index\n  C[i] = A[i] + B[i];\n}\n")
		p, err := td.ctx.BuildProgram(src, "")
		require.NoError(t, err)
		require.NoError(t, p.Release())
	})

	t.Run("bad option", func(t *testing.T) {
		_, err := td.ctx.BuildProgram(bundledSource(t, kernels.VecAddSource), "-O9")
		assertKind(t, err, device.ErrBuild, statusInvalidBuildOptions)
		var be *device.BuildError
		assert.False(t, errors.As(err, &be), "option errors carry no compiler log")

		_, err = td.ctx.BuildProgram(bundledSource(t, kernels.VecAddSource), "-D")
		assertKind(t, err, device.ErrBuild, statusInvalidBuildOptions)
	})
}

func TestCreateKernel(t *testing.T) {
	td := openTestDevice(t, "")
	defer td.close(t)

	p, err := td.ctx.BuildProgram(bundledSource(t, kernels.VecAddSource), "")
	require.NoError(t, err)
	defer p.Release()

	_, err = p.CreateKernel("vec_sub")
	assertKind(t, err, device.ErrEntryPointNotFound, statusInvalidKernelName)

	k, err := p.CreateKernel(kernels.VecAddKernel)
	require.NoError(t, err)
	assert.Equal(t, kernels.VecAddKernel, k.Name())
	assert.Equal(t, 3, k.NumArgs())
	require.NoError(t, k.Release())
	assertKind(t, k.Release(), device.ErrReleased, statusInvalidKernel)
}

func TestLiveHandles(t *testing.T) {
	td := openTestDevice(t, "")
	assert.Equal(t, int64(2), td.backend.Live())

	buf, err := td.ctx.CreateBuffer(64, device.ReadWrite)
	require.NoError(t, err)
	p, err := td.ctx.BuildProgram(bundledSource(t, kernels.VecAddSource), "")
	require.NoError(t, err)
	k, err := p.CreateKernel(kernels.VecAddKernel)
	require.NoError(t, err)
	assert.Equal(t, int64(5), td.backend.Live())

	require.NoError(t, k.Release())
	require.NoError(t, p.Release())
	require.NoError(t, buf.Release())
	td.close(t)
	assert.Equal(t, int64(0), td.backend.Live())

	_, err = td.ctx.CreateBuffer(64, device.ReadWrite)
	assertKind(t, err, device.ErrReleased, statusInvalidContext)
	assertKind(t, td.ctx.Release(), device.ErrReleased, statusInvalidContext)
}
