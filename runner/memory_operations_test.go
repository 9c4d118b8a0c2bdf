package runner

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/offload/device"
	"github.com/notargets/offload/runner/builder"
)

func TestMemory_Allocate(t *testing.T) {
	s, b := openSession(t, "mem=1KiB")

	buf, err := s.AllocateFor("A", make([]float32, 64), device.ReadWrite)
	require.NoError(t, err)
	assert.Equal(t, builder.Float32, buf.DataType())
	assert.Equal(t, int64(64), buf.Len())
	assert.Equal(t, int64(256), buf.Bytes())
	assert.Equal(t, device.ReadWrite, buf.Mode())

	t.Run("DeviceOutOfMemory", func(t *testing.T) {
		_, err := s.Allocate("big", builder.INT64, 128, device.ReadOnly)
		assert.True(t, errors.Is(err, device.ErrAllocation), "got %v", err)
		assert.Contains(t, err.Error(), "allocating big")
		assert.Equal(t, 1, s.Live())
	})
	t.Run("UnsupportedHostType", func(t *testing.T) {
		_, err := s.AllocateFor("S", []string{"a"}, device.ReadOnly)
		assert.True(t, errors.Is(err, device.ErrAllocation), "got %v", err)
		_, err = s.AllocateFor("U", []uint32{1}, device.ReadOnly)
		assert.True(t, errors.Is(err, device.ErrAllocation), "got %v", err)
	})
	t.Run("ZeroLength", func(t *testing.T) {
		_, err := s.AllocateFor("Z", []int32{}, device.ReadOnly)
		assert.True(t, errors.Is(err, device.ErrAllocation), "got %v", err)
		_, err = s.Allocate("Z", builder.DataType(42), 4, device.ReadOnly)
		assert.True(t, errors.Is(err, device.ErrAllocation), "got %v", err)
	})
	t.Run("Release", func(t *testing.T) {
		require.NoError(t, buf.Release())
		assert.True(t, buf.Released())
		require.NoError(t, buf.Release(), "releasing twice is a no-op")
		assert.Equal(t, int64(2), b.Live())

		_, err := s.Allocate("reuse", builder.INT64, 128, device.ReadOnly)
		assert.NoError(t, err, "freed device memory is available again")
	})
}

func TestMemory_Transfers(t *testing.T) {
	s, _ := openSession(t, "")
	host := []int32{1, 2, 3, 4, 5, 6, 7, 8}
	buf, err := s.AllocateFor("X", host, device.ReadWrite)
	require.NoError(t, err)

	t.Run("Blocking", func(t *testing.T) {
		_, err := s.Upload(buf, host, true)
		require.NoError(t, err)
		got := make([]int32, len(host))
		_, err = s.Download(buf, got, true)
		require.NoError(t, err)
		assert.Equal(t, host, got)
	})

	t.Run("NonBlocking", func(t *testing.T) {
		next := []int32{8, 7, 6, 5, 4, 3, 2, 1}
		ev, err := s.Upload(buf, next, false)
		require.NoError(t, err)
		require.NoError(t, ev.Wait())

		got := make([]int32, len(next))
		_, err = s.Download(buf, got, false)
		require.NoError(t, err)
		require.NoError(t, s.Finish())
		assert.Equal(t, next, got)
	})

	t.Run("InvalidBuffer", func(t *testing.T) {
		cases := []struct {
			name string
			host interface{}
			msg  string
		}{
			{"ShortHost", make([]int32, 4), "holds 8 elements, host slice has 4"},
			{"LongHost", make([]int32, 16), "holds 8 elements, host slice has 16"},
			{"ElementType", make([]float32, 8), "holds int32, host slice is float32"},
			{"UnsupportedHost", make([]byte, 32), "unsupported host type []uint8"},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := s.Upload(buf, tc.host, true)
				assert.True(t, errors.Is(err, device.ErrInvalidBuffer), "got %v", err)
				assert.Contains(t, err.Error(), tc.msg)
				_, err = s.Download(buf, tc.host, true)
				assert.True(t, errors.Is(err, device.ErrInvalidBuffer), "got %v", err)
			})
		}
	})

	t.Run("Released", func(t *testing.T) {
		require.NoError(t, buf.Release())
		_, err := s.Upload(buf, host, true)
		assert.True(t, errors.Is(err, device.ErrInvalidBuffer), "got %v", err)
		assert.Contains(t, err.Error(), "X has been released")
		_, err = s.Download(buf, host, false)
		assert.True(t, errors.Is(err, device.ErrInvalidBuffer), "got %v", err)
	})
}
