package partitions

import (
	"fmt"
	"strings"

	"github.com/notargets/offload/device"
)

// MaxDims is the largest index-space rank a dispatch may use.
const MaxDims = 3

// WorkPartition describes an N-dimensional index space split into work-groups.
// Global[d] must be an exact multiple of Local[d] in every dimension.
type WorkPartition struct {
	Global []int
	Local  []int
}

// New validates and returns a work partition.
func New(global, local []int) (WorkPartition, error) {
	wp := WorkPartition{
		Global: append([]int(nil), global...),
		Local:  append([]int(nil), local...),
	}
	if err := wp.Validate(); err != nil {
		return WorkPartition{}, err
	}
	return wp, nil
}

// Linear is a 1-D partition.
func Linear(global, local int) (WorkPartition, error) {
	return New([]int{global}, []int{local})
}

// Grid is a 2-D partition. Dimension 0 runs along x.
func Grid(globalX, globalY, localX, localY int) (WorkPartition, error) {
	return New([]int{globalX, globalY}, []int{localX, localY})
}

// Validate checks the partition invariants.
func (wp WorkPartition) Validate() error {
	if len(wp.Global) == 0 || len(wp.Global) > MaxDims {
		return device.NewError(device.ErrPartition, "Partition", 0,
			"work dimension %d out of range [1,%d]", len(wp.Global), MaxDims)
	}
	if len(wp.Local) != len(wp.Global) {
		return device.NewError(device.ErrPartition, "Partition", 0,
			"global has %d dimensions, local has %d", len(wp.Global), len(wp.Local))
	}
	for d := range wp.Global {
		g, l := wp.Global[d], wp.Local[d]
		if g <= 0 || l <= 0 {
			return device.NewError(device.ErrPartition, "Partition", 0,
				"dimension %d: sizes must be positive, global %d local %d", d, g, l)
		}
		if g%l != 0 {
			return device.NewError(device.ErrPartition, "Partition", 0,
				"dimension %d: global size %d is not a multiple of local size %d", d, g, l)
		}
	}
	return nil
}

// Dims returns the rank of the index space.
func (wp WorkPartition) Dims() int {
	return len(wp.Global)
}

// NumGroups returns the work-group count per dimension.
func (wp WorkPartition) NumGroups() []int {
	n := make([]int, len(wp.Global))
	for d := range wp.Global {
		n[d] = wp.Global[d] / wp.Local[d]
	}
	return n
}

// TotalGroups returns the number of work-groups in the whole partition.
func (wp WorkPartition) TotalGroups() int {
	total := 1
	for _, n := range wp.NumGroups() {
		total *= n
	}
	return total
}

// WorkItems returns the total number of work-items.
func (wp WorkPartition) WorkItems() int {
	total := 1
	for _, g := range wp.Global {
		total *= g
	}
	return total
}

// GroupSize returns the number of work-items in one work-group.
func (wp WorkPartition) GroupSize() int {
	total := 1
	for _, l := range wp.Local {
		total *= l
	}
	return total
}

// GroupID converts a linear group index into per-dimension group coordinates,
// dimension 0 varying fastest.
func (wp WorkPartition) GroupID(linear int) []int {
	groups := wp.NumGroups()
	id := make([]int, len(groups))
	for d, n := range groups {
		id[d] = linear % n
		linear /= n
	}
	return id
}

// GroupOrigin returns the global index of the first work-item of a group.
func (wp WorkPartition) GroupOrigin(groupID []int) []int {
	origin := make([]int, len(groupID))
	for d, g := range groupID {
		origin[d] = g * wp.Local[d]
	}
	return origin
}

// CheckDevice verifies that a work-group fits on a device.
func (wp WorkPartition) CheckDevice(maxWorkGroupSize int) error {
	if maxWorkGroupSize > 0 && wp.GroupSize() > maxWorkGroupSize {
		return device.NewError(device.ErrPartition, "Partition", 0,
			"work-group of %d items exceeds device limit %d", wp.GroupSize(), maxWorkGroupSize)
	}
	return nil
}

func (wp WorkPartition) String() string {
	return fmt.Sprintf("global %s local %s", dimString(wp.Global), dimString(wp.Local))
}

func dimString(v []int) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, "x")
}
