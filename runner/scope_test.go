package runner

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type releaseLog struct {
	order []string
	fail  map[string]bool
}

func (l *releaseLog) fn(name string) func() error {
	return func() error {
		l.order = append(l.order, name)
		if l.fail[name] {
			return errors.Errorf("%s refused", name)
		}
		return nil
	}
}

func TestHandle_ReleaseOrder(t *testing.T) {
	log := &releaseLog{}
	root := newHandle("root", log.fn("root"))
	a, err := root.adopt("a", log.fn("a"))
	require.NoError(t, err)
	_, err = a.adopt("a1", log.fn("a1"))
	require.NoError(t, err)
	_, err = a.adopt("a2", log.fn("a2"))
	require.NoError(t, err)
	_, err = root.adopt("b", log.fn("b"))
	require.NoError(t, err)
	assert.Equal(t, 4, root.live())

	require.NoError(t, root.Release())
	assert.Equal(t, []string{"b", "a2", "a1", "a", "root"}, log.order)
	assert.Equal(t, 0, root.live())

	t.Run("Idempotent", func(t *testing.T) {
		require.NoError(t, root.Release())
		require.NoError(t, a.Release())
		assert.Len(t, log.order, 5)
	})

	t.Run("NoAdoptionAfterRelease", func(t *testing.T) {
		_, err := root.adopt("late", log.fn("late"))
		assert.Error(t, err)
		_, err = a.adopt("late", log.fn("late"))
		assert.Error(t, err)
	})
}

func TestHandle_EarlyChildRelease(t *testing.T) {
	log := &releaseLog{}
	root := newHandle("root", log.fn("root"))
	a, _ := root.adopt("a", log.fn("a"))
	_, _ = root.adopt("b", log.fn("b"))

	require.NoError(t, a.Release())
	assert.Equal(t, 1, root.live())
	require.NoError(t, root.Release())
	assert.Equal(t, []string{"a", "b", "root"}, log.order, "a child is released exactly once")
}

func TestHandle_ReleaseErrors(t *testing.T) {
	log := &releaseLog{fail: map[string]bool{"b": true, "root": true}}
	root := newHandle("root", log.fn("root"))
	_, _ = root.adopt("a", log.fn("a"))
	_, _ = root.adopt("b", log.fn("b"))

	err := root.Release()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "releasing b: b refused")
	assert.Equal(t, []string{"b", "a", "root"}, log.order, "a failure does not stop the release")
	assert.True(t, root.isReleased())
}
