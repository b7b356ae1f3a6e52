package fpirls

import (
	"errors"
	"math"
	"testing"

	"github.com/n0madic/go-fpirls/family"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func TestPoissonFirstIterationPseudoData(t *testing.T) {
	y := []float64{1, 2, 3, 4, 0, 2}
	mu0 := floats.Sum(y) / float64(len(y))

	solver := newRidgeSolver(len(y))
	d, err := NewGAM(solver, family.Poisson{}, Data{Observations: y}, SpaceGrid(0.5), constVec(len(y), mu0),
		WithMaxIterations(1))
	require.NoError(t, err)

	_, err = d.Apply(nil)
	require.NoError(t, err)

	problems := solver.recorded()
	require.Len(t, problems, 1)
	first := problems[0]
	require.False(t, first.Weights.IsBlock())

	for i, yi := range y {
		want := math.Log(mu0) + (yi-mu0)/mu0
		assert.InDelta(t, want, first.Observations.AtVec(i), 1e-12, "pseudo observation %d", i)
		assert.InDelta(t, mu0, first.Weights.Diagonal.AtVec(i), 1e-12, "weight %d", i)
	}
}

func TestGAMMeanFollowsInverseLink(t *testing.T) {
	y := []float64{0, 1, 1, 0, 1}
	solver := newRidgeSolver(len(y))
	d, err := NewGAM(solver, family.Bernoulli{}, Data{Observations: y}, SpaceGrid(1), constVec(len(y), 0.6),
		WithMaxIterations(3), WithThreshold(0))
	require.NoError(t, err)

	res, err := d.Apply(nil)
	require.NoError(t, err)

	p := res.At(GridPoint{})
	require.NotNil(t, p.Mean)
	for i := 0; i < p.Mean.Len(); i++ {
		want := family.Bernoulli{}.InvLink(p.Solution.Fitted.AtVec(i))
		assert.InDelta(t, want, p.Mean.AtVec(i), 1e-12)
	}

	// J is the total deviance at the final mean
	var dev float64
	for i, yi := range y {
		dev += family.Bernoulli{}.Deviance(p.Mean.AtVec(i), yi)
	}
	assert.InDelta(t, dev, p.J.Parametric, 1e-10)

	// GCV = n·dev/(n - dof)²
	n := float64(len(y))
	assert.InDelta(t, n*dev/math.Pow(n-p.DOF(), 2), p.GCV, 1e-10)
	assert.Equal(t, 1.0, p.VarianceEstimate)
}

func TestGAMGammaScale(t *testing.T) {
	// Starting at mu0 = y keeps every reciprocal-link predictor negative under
	// the shrinking ridge fit, so the mean stays inside the domain.
	y := []float64{0.5, 1.5, 2.0, 0.8, 1.1, 3.0}

	t.Run("fixed", func(t *testing.T) {
		d, err := NewGAM(newRidgeSolver(len(y)), family.NewGamma(2.5), Data{Observations: y}, SpaceGrid(0.1), y)
		require.NoError(t, err)
		res, err := d.Apply(nil)
		require.NoError(t, err)
		p := res.At(GridPoint{})
		assert.Equal(t, 2.5, p.VarianceEstimate)
		for i := 0; i < p.Mean.Len(); i++ {
			assert.Greater(t, p.Mean.AtVec(i), 0.0)
		}
	})

	t.Run("estimated", func(t *testing.T) {
		d, err := NewGAM(newRidgeSolver(len(y)), family.NewGamma(0), Data{Observations: y}, SpaceGrid(0.1), y)
		require.NoError(t, err)
		res, err := d.Apply(nil)
		require.NoError(t, err)

		p := res.At(GridPoint{})
		var chi2 float64
		for i, yi := range y {
			mu := p.Mean.AtVec(i)
			chi2 += (yi - mu) * (yi - mu) / (mu * mu)
		}
		assert.Greater(t, p.VarianceEstimate, 0.0)
		assert.InDelta(t, chi2/(float64(len(y))-p.DOF()), p.VarianceEstimate, 1e-10)
	})
}

func TestGAMPriorWeights(t *testing.T) {
	y := []float64{1, 2, 3, 4, 0, 2}
	w := []float64{1, 2, 0.5, 1, 3, 0}
	mu0 := floats.Sum(y) / float64(len(y))

	solver := newRidgeSolver(len(y))
	d, err := NewGAM(solver, family.Poisson{}, Data{Observations: y}, SpaceGrid(0.5), constVec(len(y), mu0),
		WithMaxIterations(2), WithThreshold(0), WithWeights(w))
	require.NoError(t, err)

	res, err := d.Apply(nil)
	require.NoError(t, err)

	// Working weights are p·mu for the log link
	first := solver.recorded()[0]
	for i := range y {
		assert.InDelta(t, w[i]*mu0, first.Weights.Diagonal.AtVec(i), 1e-12, "weight %d", i)
	}

	// J is the weighted deviance
	p := res.At(GridPoint{})
	var dev float64
	for i, yi := range y {
		dev += w[i] * family.Poisson{}.Deviance(p.Mean.AtVec(i), yi)
	}
	assert.InDelta(t, dev, p.J.Parametric, 1e-10)

	_, err = NewGAM(solver, family.Poisson{}, Data{Observations: y}, SpaceGrid(0.5), constVec(len(y), mu0),
		WithWeights([]float64{1, 1, 1, -1, 1, 1}))
	assert.Error(t, err)
}

func TestGAMRejectsInvalidInputs(t *testing.T) {
	y := []float64{1, 2, 3}
	solver := newRidgeSolver(3)

	_, err := NewGAM(solver, family.Poisson{}, Data{Observations: y}, SpaceGrid(1), []float64{1, 0, 1})
	assert.ErrorIs(t, err, ErrDomain)

	_, err = NewGAM(solver, family.Poisson{}, Data{Observations: []float64{1, -2, 3}}, SpaceGrid(1), constVec(3, 1))
	assert.ErrorIs(t, err, ErrDomain)

	_, err = NewGAM(solver, family.Poisson{}, Data{Observations: y}, SpaceGrid(1), constVec(2, 1))
	assert.ErrorIs(t, err, ErrDimension)

	_, err = NewGAM(solver, nil, Data{Observations: y}, SpaceGrid(1), constVec(3, 1))
	assert.Error(t, err)
}

// fixedSolver returns the same fitted values whatever it is asked.
type fixedSolver struct{ fitted []float64 }

func (f fixedSolver) SpacePenalty() mat.Symmetric { return nil }
func (f fixedSolver) TimePenalty() mat.Symmetric  { return nil }

func (f fixedSolver) Solve(*Problem) (*Solution, error) {
	v := mat.NewVecDense(len(f.fitted), append([]float64(nil), f.fitted...))
	return &Solution{Coefficients: v, Fitted: mat.VecDenseCopyOf(v)}, nil
}

func TestGAMDomainViolationDuringIterations(t *testing.T) {
	// A reciprocal link maps a positive linear predictor to a negative mean
	y := []float64{2, 3, 4}
	d, err := NewGAM(fixedSolver{fitted: []float64{-0.5, 0.5, -0.5}}, family.Exponential{},
		Data{Observations: y}, SpaceGrid(1), constVec(3, 3))
	require.NoError(t, err)

	res, err := d.Apply(nil)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrDomain)
}

func TestSolverFailurePropagates(t *testing.T) {
	solver := newRidgeSolver(3)
	solver.fail = errors.New("mesh order mismatch")

	d, err := NewGAM(solver, family.Poisson{}, Data{Observations: []float64{1, 2, 3}}, SpaceGrid(1, 2), constVec(3, 2))
	require.NoError(t, err)

	res, err := d.Apply(nil)
	assert.Nil(t, res)
	require.Error(t, err)
	assert.ErrorIs(t, err, solver.fail)
	assert.Len(t, solver.recorded(), 1, "no further grid point is attempted")
}
