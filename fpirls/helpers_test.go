package fpirls

import (
	"sync"

	"gonum.org/v1/gonum/mat"
)

// ridgeSolver fits c = (W + λS I)⁻¹ W z with the identity basis. It records
// every problem it receives.
type ridgeSolver struct {
	n    int
	fail error

	mu       sync.Mutex
	problems []*Problem
}

func newRidgeSolver(n int) *ridgeSolver {
	return &ridgeSolver{n: n}
}

func (r *ridgeSolver) SpacePenalty() mat.Symmetric {
	p := mat.NewSymDense(r.n, nil)
	for i := 0; i < r.n; i++ {
		p.SetSym(i, i, 1)
	}
	return p
}

func (r *ridgeSolver) TimePenalty() mat.Symmetric { return nil }

func (r *ridgeSolver) Solve(p *Problem) (*Solution, error) {
	r.mu.Lock()
	r.problems = append(r.problems, &Problem{
		Point:        p.Point,
		LambdaS:      p.LambdaS,
		LambdaT:      p.LambdaT,
		Observations: mat.VecDenseCopyOf(p.Observations),
		Weights:      p.Weights,
		Forcing:      p.Forcing,
	})
	r.mu.Unlock()

	if r.fail != nil {
		return nil, r.fail
	}

	w := p.Weights.Dense(r.n)
	sys := mat.NewSymDense(r.n, nil)
	sys.CopySym(w)
	for i := 0; i < r.n; i++ {
		sys.SetSym(i, i, sys.At(i, i)+p.LambdaS)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(sys); !ok {
		return nil, ErrSingular
	}
	rhs := mat.NewVecDense(r.n, nil)
	rhs.MulVec(w, p.Observations)
	c := mat.NewVecDense(r.n, nil)
	_ = chol.SolveVecTo(c, rhs)

	var h mat.Dense
	_ = chol.SolveTo(&h, w)

	return &Solution{
		Coefficients: c,
		Fitted:       mat.VecDenseCopyOf(c),
		DOF:          mat.Trace(&h),
	}, nil
}

func (r *ridgeSolver) recorded() []*Problem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Problem(nil), r.problems...)
}

func constVec(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
