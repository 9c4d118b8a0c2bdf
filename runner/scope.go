package runner

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// handle is one node of the ownership tree rooted at a Session. A node's
// release function runs only after every child has been released, children in
// reverse creation order.
type handle struct {
	name    string
	release func() error

	mu       sync.Mutex
	parent   *handle
	children []*handle
	released bool
}

func newHandle(name string, release func() error) *handle {
	return &handle{name: name, release: release}
}

// adopt creates a child node. It fails when h is already released, so a child
// can never outlive its parent.
func (h *handle) adopt(name string, release func() error) (*handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, errors.Errorf("%s: parent %s already released", name, h.name)
	}
	child := &handle{name: name, release: release, parent: h}
	h.children = append(h.children, child)
	return child, nil
}

func (h *handle) isReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Release releases the subtree rooted at h. It is idempotent. Every node is
// released even when some fail; the first failure is returned.
func (h *handle) Release() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	children := h.children
	h.children = nil
	h.mu.Unlock()

	var first error
	for i := len(children) - 1; i >= 0; i-- {
		if err := children[i].Release(); err != nil {
			if first == nil {
				first = err
			} else {
				klog.Warningf("releasing %s: %v", children[i].name, err)
			}
		}
	}
	if h.release != nil {
		if err := h.release(); err != nil {
			err = errors.Wrapf(err, "releasing %s", h.name)
			if first == nil {
				first = err
			} else {
				klog.Warningf("%v", err)
			}
		}
	}
	if h.parent != nil {
		h.parent.forget(h)
	}
	klog.V(3).Infof("released %s", h.name)
	return first
}

func (h *handle) forget(child *handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, c := range h.children {
		if c == child {
			h.children = append(h.children[:i], h.children[i+1:]...)
			return
		}
	}
}

// live counts the unreleased nodes below h.
func (h *handle) live() int {
	h.mu.Lock()
	children := append([]*handle(nil), h.children...)
	h.mu.Unlock()
	n := 0
	for _, c := range children {
		n += 1 + c.live()
	}
	return n
}
