// Package verify recomputes workload results sequentially on the host and
// compares them with device output.
package verify

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
)

// Mismatch is one element where device output and reference differ.
type Mismatch struct {
	Index    int
	Row, Col int // matrix coordinates, -1 for vectors
	Expected float64
	Got      float64
}

func (m Mismatch) String() string {
	if m.Index < 0 {
		return "array length mismatch"
	}
	if m.Row >= 0 {
		return fmt.Sprintf("C[%d][%d]: expected %v, got %v", m.Row, m.Col, m.Expected, m.Got)
	}
	return fmt.Sprintf("C[%d]: expected %v, got %v", m.Index, m.Expected, m.Got)
}

// Report is the outcome of a full comparison. Every element is compared; the
// first mismatch is kept.
type Report struct {
	Compared    int
	Mismatches  int
	First       *Mismatch
	MaxAbsError float64
	Tolerance   Tolerance
}

// OK reports whether every element matched.
func (r Report) OK() bool { return r.Mismatches == 0 && r.Compared > 0 }

func (r Report) String() string {
	if r.OK() {
		return fmt.Sprintf("PASSED: all %d elements match (%s)", r.Compared, r.Tolerance)
	}
	if r.Compared == 0 {
		return "FAILED: nothing compared"
	}
	return fmt.Sprintf("FAILED: %d of %d elements differ (%s); first at %s",
		r.Mismatches, r.Compared, r.Tolerance, r.First)
}

func (r *Report) record(m Mismatch) {
	r.Mismatches++
	if r.First == nil {
		r.First = &m
	}
}

// Tolerance for comparing floating point results. An element matches when it
// is within Abs or within Rel of the reference.
type Tolerance struct {
	Abs   float64
	Rel   float64
	Exact bool
}

// Exact compares bit for bit.
var Exact = Tolerance{Exact: true}

func (t Tolerance) String() string {
	if t.Exact {
		return "exact"
	}
	return fmt.Sprintf("abs %.3g, rel %.3g", t.Abs, t.Rel)
}

// float32 unit roundoff.
const epsilon32 = 1.0 / (1 << 23)

// DefaultMatMulTolerance bounds the rounding difference between two float32
// dot products of length inner that may sum in different orders or contract
// multiply-add pairs: inner units of roundoff relative to the result.
func DefaultMatMulTolerance(inner int) Tolerance {
	if inner < 1 {
		inner = 1
	}
	return Tolerance{Abs: 1e-6, Rel: float64(inner) * epsilon32}
}

func (t Tolerance) equal(expected, got float64) bool {
	if t.Exact {
		return expected == got
	}
	return scalar.EqualWithinAbsOrRel(expected, got, t.Abs, t.Rel)
}

// ReferenceVecAdd computes a[i] + b[i] sequentially.
func ReferenceVecAdd(a, b []int32) []int32 {
	out := make([]int32, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out
}

// ReferenceMatMul computes the row-major product of a (rows x inner) and
// b (inner x cols) with the triple loop, accumulating in float32 in k order.
func ReferenceMatMul(a, b []float32, rows, inner, cols int) []float32 {
	out := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			var sum float32
			for k := 0; k < inner; k++ {
				sum += a[r*inner+k] * b[k*cols+c]
			}
			out[r*cols+c] = sum
		}
	}
	return out
}

// VecAdd checks out[i] == a[i] + b[i] exactly for every i.
func VecAdd(a, b, out []int32) Report {
	rep := Report{Tolerance: Exact}
	if len(a) != len(b) || len(out) != len(a) {
		rep.record(Mismatch{Index: -1, Row: -1, Col: -1})
		return rep
	}
	for i, got := range out {
		want := a[i] + b[i]
		rep.Compared++
		if got != want {
			d := math.Abs(float64(want) - float64(got))
			rep.MaxAbsError = math.Max(rep.MaxAbsError, d)
			rep.record(Mismatch{Index: i, Row: -1, Col: -1, Expected: float64(want), Got: float64(got)})
		}
	}
	return rep
}

// MatMul checks every element of out against ReferenceMatMul within tol.
func MatMul(a, b, out []float32, rows, inner, cols int, tol Tolerance) Report {
	rep := Report{Tolerance: tol}
	if len(a) != rows*inner || len(b) != inner*cols || len(out) != rows*cols {
		rep.record(Mismatch{Index: -1, Row: -1, Col: -1})
		return rep
	}
	ref := ReferenceMatMul(a, b, rows, inner, cols)
	for i, got := range out {
		want := float64(ref[i])
		rep.Compared++
		d := math.Abs(want - float64(got))
		if d > rep.MaxAbsError || math.IsNaN(d) {
			rep.MaxAbsError = d
		}
		if !tol.equal(want, float64(got)) {
			rep.record(Mismatch{Index: i, Row: i / cols, Col: i % cols, Expected: want, Got: float64(got)})
		}
	}
	return rep
}

// Residual returns the largest absolute difference between out and the
// float64 product of a and b. It measures how far a float32 result is from
// the exact product, independent of summation order.
func Residual(a, b, out []float32, rows, inner, cols int) float64 {
	am := mat.NewDense(rows, inner, widen(a))
	bm := mat.NewDense(inner, cols, widen(b))
	var exact mat.Dense
	exact.Mul(am, bm)

	var diff mat.Dense
	diff.Sub(&exact, mat.NewDense(rows, cols, widen(out)))
	return floats.Norm(diff.RawMatrix().Data, math.Inf(1))
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
