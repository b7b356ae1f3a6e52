package fpirls

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Solver is the weighted penalized-regression system driven by f-PIRLS. It
// owns the mesh, the basis and the roughness operators.
//
// Given pseudo-observations z, weights W, covariates X and strengths λS, λT
// it minimizes
//
//	(z - Xβ - Ψc)ᵀ W (z - Xβ - Ψc) + λS (c-u)ᵀ P_S (c-u) + λT cᵀ P_T c
//
// over the covariate coefficients β and the basis coefficients c, where Ψ
// evaluates the basis at the observation locations and u is the forcing term.
type Solver interface {
	Solve(p *Problem) (*Solution, error)
	// SpacePenalty returns P_S.
	SpacePenalty() mat.Symmetric
	// TimePenalty returns P_T, or nil for purely spatial models.
	TimePenalty() mat.Symmetric
}

// Evaluator evaluates basis coefficients at the observation locations. It is
// only used once the iterations are over.
type Evaluator interface {
	Evaluate(coeff mat.Vector) (*mat.VecDense, error)
}

// Reentrant is implemented by solvers whose Solve may be called concurrently.
type Reentrant interface {
	Reentrant() bool
}

// Problem is one weighted regression request.
type Problem struct {
	Point   GridPoint
	LambdaS float64
	LambdaT float64

	// Observations are the (pseudo) responses in global observation order.
	Observations *mat.VecDense
	Weights      Weights
	// Covariates is n×p, nil when the model has none.
	Covariates *mat.Dense
	// Forcing is the forcing term in coefficient space, nil when absent.
	Forcing *mat.VecDense
}

// Solution is what the solver returns for one Problem.
type Solution struct {
	// Coefficients of the fitted function in the basis.
	Coefficients *mat.VecDense
	// Fitted is the function evaluated at the observation locations.
	Fitted *mat.VecDense
	// Beta holds the covariate coefficients, nil without covariates.
	Beta *mat.VecDense
	// DOF is the (possibly approximated) trace of the smoothing operator.
	DOF float64
}

// LinearPredictor returns Fitted + Xβ.
func (s *Solution) LinearPredictor(x *mat.Dense) *mat.VecDense {
	eta := mat.VecDenseCopyOf(s.Fitted)
	if x != nil && s.Beta != nil {
		eta.AddVec(eta, mulVec(x, s.Beta))
	}
	return eta
}

func (s *Solution) clone() *Solution {
	c := &Solution{DOF: s.DOF}
	if s.Coefficients != nil {
		c.Coefficients = mat.VecDenseCopyOf(s.Coefficients)
	}
	if s.Fitted != nil {
		c.Fitted = mat.VecDenseCopyOf(s.Fitted)
	}
	if s.Beta != nil {
		c.Beta = mat.VecDenseCopyOf(s.Beta)
	}
	return c
}

// WeightBlock is a dense weight matrix acting on a subset of observations.
type WeightBlock struct {
	// Index lists the global observation indices of the block rows.
	Index []int
	W     *mat.SymDense
}

// Weights is either a diagonal (Blocks == nil) or block diagonal weight
// matrix. In the block form every observation belongs to exactly one block.
type Weights struct {
	Diagonal *mat.VecDense
	Blocks   []WeightBlock
}

// DiagonalWeights wraps w as a diagonal weight matrix.
func DiagonalWeights(w *mat.VecDense) Weights {
	return Weights{Diagonal: w}
}

// IsBlock reports whether the weights are block diagonal.
func (w Weights) IsBlock() bool { return w.Blocks != nil }

// MulVec returns W v.
func (w Weights) MulVec(v mat.Vector) *mat.VecDense {
	n := v.Len()
	out := mat.NewVecDense(n, nil)
	if !w.IsBlock() {
		out.MulElemVec(w.Diagonal, v)
		return out
	}
	for _, b := range w.Blocks {
		local := vectorIndexing(v, b.Index)
		scatterVector(out, b.Index, mulVec(b.W, local))
	}
	return out
}

// Quad returns vᵀ W v.
func (w Weights) Quad(v mat.Vector) float64 {
	return mat.Dot(v, w.MulVec(v))
}

// Dense materializes W as an n×n matrix.
func (w Weights) Dense(n int) *mat.SymDense {
	out := mat.NewSymDense(n, nil)
	if !w.IsBlock() {
		for i := 0; i < n; i++ {
			out.SetSym(i, i, w.Diagonal.AtVec(i))
		}
		return out
	}
	for _, b := range w.Blocks {
		for i, gi := range b.Index {
			for j := i; j < len(b.Index); j++ {
				out.SetSym(gi, b.Index[j], b.W.At(i, j))
			}
		}
	}
	return out
}

// Validate checks that the weights cover n observations.
func (w Weights) Validate(n int) error {
	if !w.IsBlock() {
		if w.Diagonal == nil || w.Diagonal.Len() != n {
			return fmt.Errorf("%w: diagonal weights do not cover %d observations", ErrDimension, n)
		}
		return nil
	}
	seen := make([]bool, n)
	for _, b := range w.Blocks {
		r := b.W.SymmetricDim()
		if r != len(b.Index) {
			return fmt.Errorf("%w: weight block of size %d has %d indices", ErrDimension, r, len(b.Index))
		}
		for _, i := range b.Index {
			if i < 0 || i >= n || seen[i] {
				return fmt.Errorf("%w: weight blocks do not partition %d observations", ErrDimension, n)
			}
			seen[i] = true
		}
	}
	for _, s := range seen {
		if !s {
			return fmt.Errorf("%w: weight blocks do not partition %d observations", ErrDimension, n)
		}
	}
	return nil
}

func mulVec(a mat.Matrix, v mat.Vector) *mat.VecDense {
	r, _ := a.Dims()
	out := mat.NewVecDense(r, nil)
	out.MulVec(a, v)
	return out
}
