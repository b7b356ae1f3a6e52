// Package penreg is a dense reference implementation of the weighted
// penalized-regression system used by f-PIRLS. It is exact and meant for
// small problems, tests and examples; production meshes plug in a sparse
// finite-element solver through the same fpirls.Solver interface.
package penreg

import (
	"errors"
	"fmt"

	"github.com/n0madic/go-fpirls/fpirls"
	"gonum.org/v1/gonum/mat"
)

// Solver solves
//
//	min (z - Xβ - Ψc)ᵀ W (z - Xβ - Ψc) + λS (c-u)ᵀ P_S (c-u) + λT cᵀ P_T c
//
// by factoring the joint normal equations in (β, c).
type Solver struct {
	psi   *mat.Dense    // n×N basis evaluated at the observation locations
	space *mat.SymDense // N×N
	time  *mat.SymDense // N×N, nil for spatial models
}

// Option is a function type for configuring a Solver
type Option func(*Solver)

// WithTimePenalty adds a temporal roughness operator
func WithTimePenalty(p *mat.SymDense) Option {
	return func(s *Solver) {
		s.time = p
	}
}

// New creates a solver for the basis matrix psi and spatial penalty space.
func New(psi *mat.Dense, space *mat.SymDense, options ...Option) (*Solver, error) {
	if psi == nil || space == nil {
		return nil, errors.New("penreg: basis and penalty are required")
	}
	_, nb := psi.Dims()
	if space.SymmetricDim() != nb {
		return nil, fmt.Errorf("%w: penalty is %d×%d for %d basis functions",
			fpirls.ErrDimension, space.SymmetricDim(), space.SymmetricDim(), nb)
	}

	s := &Solver{psi: psi, space: space}

	// Apply options
	for _, opt := range options {
		opt(s)
	}

	if s.time != nil && s.time.SymmetricDim() != nb {
		return nil, fmt.Errorf("%w: time penalty is %d×%d for %d basis functions",
			fpirls.ErrDimension, s.time.SymmetricDim(), s.time.SymmetricDim(), nb)
	}
	return s, nil
}

// SpacePenalty returns P_S.
func (s *Solver) SpacePenalty() mat.Symmetric { return s.space }

// TimePenalty returns P_T or nil.
func (s *Solver) TimePenalty() mat.Symmetric {
	if s.time == nil {
		return nil
	}
	return s.time
}

// Reentrant reports that Solve keeps no mutable state.
func (s *Solver) Reentrant() bool { return true }

// Evaluate returns Ψc.
func (s *Solver) Evaluate(coeff mat.Vector) (*mat.VecDense, error) {
	n, nb := s.psi.Dims()
	if coeff.Len() != nb {
		return nil, fmt.Errorf("%w: %d coefficients for %d basis functions", fpirls.ErrDimension, coeff.Len(), nb)
	}
	out := mat.NewVecDense(n, nil)
	out.MulVec(s.psi, coeff)
	return out, nil
}

// Solve factors the normal equations of p. The degrees of freedom are the
// exact trace of the smoothing operator.
func (s *Solver) Solve(p *fpirls.Problem) (*fpirls.Solution, error) {
	n, nb := s.psi.Dims()
	if p.Observations.Len() != n {
		return nil, fmt.Errorf("%w: %d observations for %d basis rows", fpirls.ErrDimension, p.Observations.Len(), n)
	}
	pc := 0
	if p.Covariates != nil {
		_, pc = p.Covariates.Dims()
	}
	m := pc + nb

	// B = [X Ψ]
	b := mat.NewDense(n, m, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < pc; j++ {
			b.Set(i, j, p.Covariates.At(i, j))
		}
		for j := 0; j < nb; j++ {
			b.Set(i, pc+j, s.psi.At(i, j))
		}
	}

	w := p.Weights.Dense(n)
	var wb mat.Dense
	wb.Mul(w, b)
	var btwb mat.Dense
	btwb.Mul(b.T(), &wb)

	fit := mat.NewSymDense(m, nil)
	sys := mat.NewSymDense(m, nil)
	for i := 0; i < m; i++ {
		for j := i; j < m; j++ {
			v := 0.5 * (btwb.At(i, j) + btwb.At(j, i))
			fit.SetSym(i, j, v)
			if i >= pc && j >= pc {
				v += p.LambdaS * s.space.At(i-pc, j-pc)
				if s.time != nil {
					v += p.LambdaT * s.time.At(i-pc, j-pc)
				}
			}
			sys.SetSym(i, j, v)
		}
	}

	rhs := mat.NewVecDense(m, nil)
	rhs.MulVec(wb.T(), p.Observations)
	if p.Forcing != nil {
		if p.Forcing.Len() != nb {
			return nil, fmt.Errorf("%w: forcing term of length %d for %d basis functions", fpirls.ErrDimension, p.Forcing.Len(), nb)
		}
		pu := mat.NewVecDense(nb, nil)
		pu.MulVec(s.space, p.Forcing)
		for j := 0; j < nb; j++ {
			rhs.SetVec(pc+j, rhs.AtVec(pc+j)+p.LambdaS*pu.AtVec(j))
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(sys); !ok {
		return nil, fmt.Errorf("%w: penalized normal equations at %v", fpirls.ErrSingular, p.Point)
	}
	theta := mat.NewVecDense(m, nil)
	if err := chol.SolveVecTo(theta, rhs); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, err
		}
	}

	// dof = tr((BᵀWB + λP)⁻¹ BᵀWB)
	var h mat.Dense
	_ = chol.SolveTo(&h, fit)

	coeff := mat.VecDenseCopyOf(theta.SliceVec(pc, m))
	sol := &fpirls.Solution{
		Coefficients: coeff,
		Fitted:       mat.NewVecDense(n, nil),
		DOF:          mat.Trace(&h),
	}
	sol.Fitted.MulVec(s.psi, coeff)
	if pc > 0 {
		sol.Beta = mat.VecDenseCopyOf(theta.SliceVec(0, pc))
	}
	return sol, nil
}

// SecondDifference returns DᵀD for the (n-2)×n second difference operator
// D, the discrete roughness penalty of a regular chain of n nodes.
func SecondDifference(n int) *mat.SymDense {
	p := mat.NewSymDense(n, nil)
	for r := 0; r+2 < n; r++ {
		d := [3]float64{1, -2, 1}
		for a := 0; a < 3; a++ {
			for c := a; c < 3; c++ {
				i, j := r+a, r+c
				p.SetSym(i, j, p.At(i, j)+d[a]*d[c])
			}
		}
	}
	return p
}

// Ridge returns the n×n identity penalty.
func Ridge(n int) *mat.SymDense {
	p := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		p.SetSym(i, i, 1)
	}
	return p
}

// Identity returns the n×n identity basis, for observations located at the
// nodes.
func Identity(n int) *mat.Dense {
	psi := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		psi.Set(i, i, 1)
	}
	return psi
}
