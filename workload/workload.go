// Package workload runs the two offload pipelines end to end: locate a device,
// build the kernel program, move the data, dispatch, read back and verify.
package workload

import (
	"fmt"
	"io"
	"math/rand"
	"strings"

	"github.com/notargets/offload/kernels"
	"github.com/notargets/offload/partitions"
	"github.com/notargets/offload/runner"
	"github.com/notargets/offload/verify"
)

// DefaultSeed reproduces the same inputs on every run.
const DefaultSeed = 1

// Options common to both pipelines.
type Options struct {
	Session runner.Config
	// KernelDir overrides the bundled kernel sources.
	KernelDir string
	Seed      int64
}

// Result of one pipeline run. Output is the device result as read back.
type Result struct {
	Workload  string
	Device    string
	Partition partitions.WorkPartition
	Report    verify.Report
	Timings   *runner.Timings
	Output    interface{}
}

// WorkGroups is the number of work-groups the dispatch ran.
func (r *Result) WorkGroups() int { return r.Partition.TotalGroups() }

// Print writes the verification verdict and timing table.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "%s on %s: %s, %d work-groups\n", r.Workload, r.Device, r.Partition, r.WorkGroups())
	fmt.Fprintln(w, r.Report)
	r.Timings.Report(w)
}

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = DefaultSeed
	}
	return rand.New(rand.NewSource(seed))
}

// loadSource picks the kernel dialect the session backend compiles.
func loadSource(s *runner.Session, dir, name string) (*runner.Source, error) {
	d := kernels.OpenCL
	if strings.HasPrefix(s.Backend.Name(), "occa") {
		d = kernels.OKL
	}
	return runner.LoadKernelSource(dir, kernels.ForDialect(name, d))
}
