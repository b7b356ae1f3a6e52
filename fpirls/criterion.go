package fpirls

import "math"

// Functional is the value of the penalized objective J split into the
// response-model part and the roughness penalty.
type Functional struct {
	Parametric float64
	Penalty    float64
}

// Total returns Parametric + Penalty.
func (j Functional) Total() float64 {
	return j.Parametric + j.Penalty
}

// Criterion decides when the inner loop of one grid point stops.
type Criterion struct {
	// Threshold on |J_prev - J_cur|. Zero disables the test.
	Threshold float64
	// MaxIterations caps the number of cycles.
	MaxIterations int
}

// Done is evaluated after a full prepare/solve/update cycle. iterations is the
// number of cycles completed so far, prev and cur the last two functionals.
// The threshold test needs a previous value and so only applies from the
// second cycle on.
func (c Criterion) Done(iterations int, prev, cur Functional) bool {
	if iterations < 1 {
		return false
	}
	if iterations >= c.MaxIterations {
		return true
	}
	if iterations < 2 {
		return false
	}
	return math.Abs(prev.Total()-cur.Total()) < c.Threshold
}

// Converged reports whether the threshold test was met, as opposed to the
// loop running into the iteration cap.
func (c Criterion) Converged(iterations int, prev, cur Functional) bool {
	return iterations >= 2 && math.Abs(prev.Total()-cur.Total()) < c.Threshold
}
