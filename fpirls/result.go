package fpirls

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// PointResult is the terminal state of one grid point.
type PointResult struct {
	Point   GridPoint
	LambdaS float64
	LambdaT float64

	Solution   *Solution
	Iterations int
	// Converged is false when the loop stopped at the iteration cap.
	Converged bool
	// J is the functional at the last iteration.
	J   Functional
	GCV float64

	FunctionEstimate *mat.VecDense
	BetaEstimate     *mat.VecDense

	// GAM only
	Mean             *mat.VecDense
	VarianceEstimate float64

	// Mixed effects only
	SigmaSq float64
	// SigmaB is the diagonal covariance σ² D⁻¹ of the random effects.
	SigmaB *mat.DiagDense
	// BHat holds the predicted random effects, one vector per group.
	BHat []*mat.VecDense
}

// JMin is the final (minimal) value of the functional.
func (r *PointResult) JMin() float64 { return r.J.Total() }

// DOF is the degrees of freedom reported by the solver.
func (r *PointResult) DOF() float64 { return r.Solution.DOF }

// Result collects the outcome of one Apply call, one entry per grid point in
// Grid.Index order.
type Result struct {
	Model  string
	Grid   Grid
	Points []PointResult
}

// At returns the record of p, or nil if p lies outside the grid.
func (r *Result) At(p GridPoint) *PointResult {
	if !r.Grid.Contains(p) {
		return nil
	}
	return &r.Points[r.Grid.Index(p)]
}

func (r *Result) table(f func(*PointResult) float64) [][]float64 {
	out := make([][]float64, r.Grid.NumS())
	for s := range out {
		out[s] = make([]float64, r.Grid.NumT())
		for t := range out[s] {
			out[s][t] = f(r.At(GridPoint{S: s, T: t}))
		}
	}
	return out
}

// Iterations returns the iteration counts indexed [s][t].
func (r *Result) Iterations() [][]int {
	out := make([][]int, r.Grid.NumS())
	for s := range out {
		out[s] = make([]int, r.Grid.NumT())
		for t := range out[s] {
			out[s][t] = r.At(GridPoint{S: s, T: t}).Iterations
		}
	}
	return out
}

// GCV returns the GCV values indexed [s][t], NoGCV where not computed.
func (r *Result) GCV() [][]float64 {
	return r.table(func(p *PointResult) float64 { return p.GCV })
}

// JMinima returns the final functional values indexed [s][t].
func (r *Result) JMinima() [][]float64 {
	return r.table(func(p *PointResult) float64 { return p.JMin() })
}

// DOF returns the degrees of freedom indexed [s][t].
func (r *Result) DOF() [][]float64 {
	return r.table(func(p *PointResult) float64 { return p.DOF() })
}

// Best selects the grid point with the smallest GCV, or with the smallest
// functional when GCV was not computed. Ties keep the first point in grid
// order.
func (r *Result) Best() *PointResult {
	if len(r.Points) == 0 {
		return nil
	}
	useGCV := true
	for i := range r.Points {
		if r.Points[i].GCV == NoGCV {
			useGCV = false
			break
		}
	}

	best := -1
	bestVal := math.Inf(1)
	for i := range r.Points {
		v := r.Points[i].JMin()
		if useGCV {
			v = r.Points[i].GCV
		}
		if math.IsNaN(v) {
			continue
		}
		if best < 0 || v < bestVal {
			best, bestVal = i, v
		}
	}
	if best < 0 {
		return nil
	}
	return &r.Points[best]
}
