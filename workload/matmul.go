package workload

import (
	"k8s.io/klog/v2"

	"github.com/notargets/offload/device"
	"github.com/notargets/offload/kernels"
	"github.com/notargets/offload/partitions"
	"github.com/notargets/offload/runner"
	"github.com/notargets/offload/runner/builder"
	"github.com/notargets/offload/verify"
)

// Matrix multiplication defaults. The work-group is 8x8 because 1000 is not a
// multiple of 16.
const (
	MatrixRows   = 1000
	MatrixInner  = 1000
	MatrixCols   = 1000
	MatrixLocalX = 8
	MatrixLocalY = 8
)

// MatMulOptions sizes the C = A x B run. A is Rows x Inner, B is Inner x Cols.
type MatMulOptions struct {
	Options
	Rows, Inner, Cols int
	LocalX, LocalY    int
	// Tolerance defaults to verify.DefaultMatMulTolerance(Inner).
	Tolerance *verify.Tolerance
}

func (o *MatMulOptions) defaults() {
	if o.Rows == 0 {
		o.Rows = MatrixRows
	}
	if o.Inner == 0 {
		o.Inner = MatrixInner
	}
	if o.Cols == 0 {
		o.Cols = MatrixCols
	}
	if o.LocalX == 0 {
		o.LocalX = MatrixLocalX
	}
	if o.LocalY == 0 {
		o.LocalY = MatrixLocalY
	}
	if o.Tolerance == nil {
		tol := verify.DefaultMatMulTolerance(o.Inner)
		o.Tolerance = &tol
	}
}

// MatMulInputs returns row-major matrices with entries in [0.01, 100.00].
func MatMulInputs(rows, inner, cols int, seed int64) (a, b []float32) {
	r := newRand(seed)
	a = make([]float32, rows*inner)
	for i := range a {
		a[i] = float32(r.Intn(10000)+1) * 0.01
	}
	b = make([]float32, inner*cols)
	for i := range b {
		b[i] = float32(r.Intn(10000)+1) * 0.01
	}
	return a, b
}

// MatMul opens a session, runs C = A x B and closes the session.
func MatMul(opts MatMulOptions) (*Result, error) {
	s, err := runner.Open(opts.Session)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	res, err := MatMulOn(s, opts)
	if err != nil {
		return nil, err
	}
	return res, s.Close()
}

// MatMulOn runs C = A x B on an open session. The index space is Cols x Rows:
// dimension 0 is the column of C, dimension 1 the row.
func MatMulOn(s *runner.Session, opts MatMulOptions) (*Result, error) {
	opts.defaults()
	a, b := MatMulInputs(opts.Rows, opts.Inner, opts.Cols, opts.Seed)
	c := make([]float32, opts.Rows*opts.Cols)

	// Reject the geometry before spending time on the build.
	wp, err := partitions.Grid(opts.Cols, opts.Rows, opts.LocalX, opts.LocalY)
	if err != nil {
		return nil, err
	}

	src, err := loadSource(s, opts.KernelDir, kernels.MatMulSource)
	if err != nil {
		return nil, err
	}
	prog, err := s.BuildProgram(src)
	if err != nil {
		return nil, err
	}
	defer prog.Release()
	k, err := prog.Kernel(kernels.MatMulKernel)
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
		builder.Scalar("ROW_A").Bind(int32(opts.Rows)),
		builder.Scalar("COL_A").Bind(int32(opts.Inner)),
		builder.Scalar("COL_B").Bind(int32(opts.Cols)),
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
	rep := verify.MatMul(a, b, c, opts.Rows, opts.Inner, opts.Cols, *opts.Tolerance)
	stop()
	if klog.V(1).Enabled() {
		klog.Infof("matmul %dx%dx%d: %s, max residual %.3g", opts.Rows, opts.Inner, opts.Cols,
			rep, verify.Residual(a, b, c, opts.Rows, opts.Inner, opts.Cols))
	}

	return &Result{
		Workload:  "matmul",
		Device:    s.Device.Name(),
		Partition: wp,
		Report:    rep,
		Timings:   s.Timings,
		Output:    c,
	}, nil
}
