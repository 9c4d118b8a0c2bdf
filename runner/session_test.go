package runner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/offload/device"
	"github.com/notargets/offload/device/emu"
	"github.com/notargets/offload/kernels"
)

// openSession opens a session on a fresh emu backend; it is closed when the
// test ends.
func openSession(t *testing.T, config string) (*Session, *emu.Backend) {
	t.Helper()
	cfg, err := emu.ParseConfig(config)
	require.NoError(t, err)
	b := emu.NewWithConfig(cfg)
	s, err := OpenBackend(b, Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, b
}

func buildKernel(t *testing.T, s *Session, file, name string) (*Program, *Kernel) {
	t.Helper()
	src, err := LoadKernelSource("", file)
	require.NoError(t, err)
	prog, err := s.BuildProgram(src)
	require.NoError(t, err)
	k, err := prog.Kernel(name)
	require.NoError(t, err)
	return prog, k
}

func TestSession_Open(t *testing.T) {
	t.Run("Registered", func(t *testing.T) {
		s, err := Open(Config{Backend: "emu:class=cpu", Class: device.ClassCPU})
		require.NoError(t, err)
		assert.Equal(t, "Emulated CPU 0.0", s.Device.Name())
		assert.Equal(t, "Go Emulation Platform 0", s.Platform.Name())
		require.NoError(t, s.Close())
	})
	t.Run("UnknownBackend", func(t *testing.T) {
		_, err := Open(Config{Backend: "vulkan"})
		assert.True(t, errors.Is(err, device.ErrNoPlatform), "got %v", err)
	})
	t.Run("NoPlatform", func(t *testing.T) {
		_, err := Open(Config{Backend: "emu:platforms=0"})
		assert.True(t, errors.Is(err, device.ErrNoPlatform), "got %v", err)
	})
	t.Run("NoGPU", func(t *testing.T) {
		_, err := Open(Config{Backend: "emu:class=cpu"})
		assert.True(t, errors.Is(err, device.ErrNoDevice), "got %v", err)
	})
}

func TestSession_Close(t *testing.T) {
	s, b := openSession(t, "")
	assert.Equal(t, int64(2), b.Live(), "context and queue")
	assert.Equal(t, 0, s.Live())

	_, err := s.AllocateFor("A", make([]int32, 16), device.ReadOnly)
	require.NoError(t, err)
	_, err = s.AllocateFor("C", make([]int32, 16), device.WriteOnly)
	require.NoError(t, err)
	buildKernel(t, s, kernels.VecAddSource, kernels.VecAddKernel)
	assert.Equal(t, 4, s.Live())
	assert.Equal(t, int64(6), b.Live())

	require.NoError(t, s.Close())
	assert.True(t, s.Closed())
	assert.Equal(t, 0, s.Live())
	assert.Equal(t, int64(0), b.Live(), "every device handle is released")
	require.NoError(t, s.Close(), "Close is idempotent")

	_, err = s.AllocateFor("late", make([]int32, 4), device.ReadWrite)
	assert.True(t, errors.Is(err, device.ErrReleased), "got %v", err)
	_, err = s.BuildProgram(&Source{Path: "x.cl", Text: []byte("__kernel void f() {}")})
	assert.True(t, errors.Is(err, device.ErrReleased), "got %v", err)
	assert.True(t, errors.Is(s.Finish(), device.ErrReleased))

	var nilSession *Session
	assert.NoError(t, nilSession.Close())
}

func TestSession_LoadSource(t *testing.T) {
	t.Run("Bundled", func(t *testing.T) {
		src, err := LoadKernelSource("", kernels.MatMulSource)
		require.NoError(t, err)
		assert.Equal(t, kernels.OpenCL, src.Dialect)
		assert.Contains(t, string(src.Text), kernels.MatMulKernel)

		src, err = LoadKernelSource("", "vec_add.okl")
		require.NoError(t, err)
		assert.Equal(t, kernels.OKL, src.Dialect)
	})
	t.Run("Directory", func(t *testing.T) {
		dir := t.TempDir()
		text := []byte("__kernel void f(__global int* a) { a[0] = 1; }\n")
		require.NoError(t, os.WriteFile(filepath.Join(dir, "f.cl"), text, 0o644))
		src, err := LoadKernelSource(dir, "f.cl")
		require.NoError(t, err)
		assert.Equal(t, text, src.Text)
		assert.Equal(t, filepath.Join(dir, "f.cl"), src.Path)
	})
	t.Run("Missing", func(t *testing.T) {
		_, err := LoadKernelSource(t.TempDir(), "vec_add.cl")
		assert.True(t, errors.Is(err, device.ErrSourceLoad), "got %v", err)
		_, err = LoadKernelSource("", "vec_sub.cl")
		assert.True(t, errors.Is(err, device.ErrSourceLoad), "got %v", err)
	})
	t.Run("Empty", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "empty.cl")
		require.NoError(t, os.WriteFile(path, nil, 0o644))
		_, err := LoadSource(path)
		assert.True(t, errors.Is(err, device.ErrSourceLoad), "got %v", err)
		assert.Contains(t, err.Error(), "is empty")
	})
}

func TestSession_BuildProgram(t *testing.T) {
	t.Run("CompilerError", func(t *testing.T) {
		s, b := openSession(t, "")
		src, err := LoadSource("../kernels/testdata/syntax_error.cl")
		require.NoError(t, err)

		_, err = s.BuildProgram(src)
		var be *device.BuildError
		require.True(t, errors.As(err, &be), "got %v", err)
		assert.True(t, errors.Is(err, device.ErrBuild))
		assert.Contains(t, be.Log, ":3:29: error: expected ';' after expression")

		// A failed build acquires nothing.
		assert.Equal(t, 0, s.Live())
		assert.Equal(t, int64(2), b.Live())
		assert.Equal(t, []string{PhaseBuild}, s.Timings.Phases())
	})
	t.Run("BuildOptions", func(t *testing.T) {
		cfg, err := emu.ParseConfig("")
		require.NoError(t, err)
		s, err := OpenBackend(emu.NewWithConfig(cfg), Config{BuildOptions: "-O7"})
		require.NoError(t, err)
		defer s.Close()
		src, err := LoadKernelSource("", kernels.VecAddSource)
		require.NoError(t, err)
		_, err = s.BuildProgram(src)
		assert.True(t, errors.Is(err, device.ErrBuild), "got %v", err)
		var be *device.BuildError
		assert.False(t, errors.As(err, &be))
	})
	t.Run("EntryPointNotFound", func(t *testing.T) {
		s, _ := openSession(t, "")
		src, err := LoadKernelSource("", kernels.VecAddSource)
		require.NoError(t, err)
		prog, err := s.BuildProgram(src)
		require.NoError(t, err)
		assert.Equal(t, []string{kernels.VecAddKernel}, prog.KernelNames())

		_, err = prog.Kernel("vec_sub")
		assert.True(t, errors.Is(err, device.ErrEntryPointNotFound), "got %v", err)
		assert.Equal(t, 1, s.Live(), "only the program is alive")
	})
	t.Run("ProgramReleasesKernels", func(t *testing.T) {
		s, b := openSession(t, "")
		prog, k := buildKernel(t, s, kernels.MatMulSource, kernels.MatMulKernel)
		require.NotNil(t, k.Signature)
		assert.Len(t, k.Signature.Params, 6)
		assert.Equal(t, int64(4), b.Live())

		require.NoError(t, prog.Release())
		assert.Equal(t, int64(2), b.Live())
		assert.NoError(t, k.Release(), "released with its program")
		_, err := prog.Kernel(kernels.MatMulKernel)
		assert.True(t, errors.Is(err, device.ErrReleased), "got %v", err)
	})
}
