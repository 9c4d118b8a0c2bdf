package workload

import (
	"github.com/notargets/offload/device"
	"github.com/notargets/offload/kernels"
	"github.com/notargets/offload/partitions"
	"github.com/notargets/offload/runner"
	"github.com/notargets/offload/runner/builder"
	"github.com/notargets/offload/verify"
)

// Vector addition defaults.
const (
	VectorSize      = 16384
	VectorLocalSize = 256
)

// VecAddOptions sizes the vector addition run.
type VecAddOptions struct {
	Options
	N     int
	Local int
}

func (o *VecAddOptions) defaults() {
	if o.N == 0 {
		o.N = VectorSize
	}
	if o.Local == 0 {
		o.Local = VectorLocalSize
	}
}

// VecAddInputs returns two vectors of values in [0,100).
func VecAddInputs(n int, seed int64) (a, b []int32) {
	r := newRand(seed)
	a = make([]int32, n)
	b = make([]int32, n)
	for i := 0; i < n; i++ {
		a[i] = int32(r.Intn(100))
		b[i] = int32(r.Intn(100))
	}
	return a, b
}

// VecAdd opens a session, runs C = A + B and closes the session.
func VecAdd(opts VecAddOptions) (*Result, error) {
	s, err := runner.Open(opts.Session)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	res, err := VecAddOn(s, opts)
	if err != nil {
		return nil, err
	}
	return res, s.Close()
}

// VecAddOn runs C = A + B on an open session. Every buffer and the program
// are released before it returns.
func VecAddOn(s *runner.Session, opts VecAddOptions) (*Result, error) {
	opts.defaults()
	a, b := VecAddInputs(opts.N, opts.Seed)
	c := make([]int32, opts.N)

	wp, err := partitions.Linear(opts.N, opts.Local)
	if err != nil {
		return nil, err
	}

	src, err := loadSource(s, opts.KernelDir, kernels.VecAddSource)
	if err != nil {
		return nil, err
	}
	prog, err := s.BuildProgram(src)
	if err != nil {
		return nil, err
	}
	defer prog.Release()
	k, err := prog.Kernel(kernels.VecAddKernel)
	if err != nil {
		return nil, err
	}

	bufA, err := s.AllocateFor("A", a, device.ReadOnly)
	if err != nil {
		return nil, err
	}
	defer bufA.Release()
	bufB, err := s.AllocateFor("B", b, device.ReadOnly)
	if err != nil {
		return nil, err
	}
	defer bufB.Release()
	bufC, err := s.AllocateFor("C", c, device.WriteOnly)
	if err != nil {
		return nil, err
	}
	defer bufC.Release()

	stop := s.Timings.Start(runner.PhaseUpload)
	if _, err = s.Upload(bufA, a, false); err != nil {
		return nil, err
	}
	if _, err = s.Upload(bufB, b, false); err != nil {
		return nil, err
	}
	if err = s.Finish(); err != nil {
		return nil, err
	}
	stop()

	if err = k.Bind(
		builder.Input("A").Bind(bufA),
		builder.Input("B").Bind(bufB),
		builder.Output("C").Bind(bufC),
	); err != nil {
		return nil, err
	}
	stop = s.Timings.Start(runner.PhaseDispatch)
	if _, err = s.Dispatch(k, wp); err != nil {
		return nil, err
	}
	if err = s.Finish(); err != nil {
		return nil, err
	}
	stop()

	stop = s.Timings.Start(runner.PhaseReadBack)
	if _, err = s.Download(bufC, c, true); err != nil {
		return nil, err
	}
	stop()

	stop = s.Timings.Start(runner.PhaseVerify)
	rep := verify.VecAdd(a, b, c)
	stop()

	return &Result{
		Workload:  "vecadd",
		Device:    s.Device.Name(),
		Partition: wp,
		Report:    rep,
		Timings:   s.Timings,
		Output:    c,
	}, nil
}
