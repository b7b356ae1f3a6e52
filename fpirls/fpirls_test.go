package fpirls_test

import (
	"bytes"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/n0madic/go-fpirls/family"
	"github.com/n0madic/go-fpirls/fpirls"
	"github.com/n0madic/go-fpirls/penreg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// chain returns the reference solver on a regular chain of n nodes with
// observations at the nodes.
func chain(t testing.TB, n int) *penreg.Solver {
	t.Helper()
	s, err := penreg.New(penreg.Identity(n), penreg.SecondDifference(n))
	require.NoError(t, err)
	return s
}

// poissonCounts draws counts with a smooth log-intensity.
func poissonCounts(n int, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	y := make([]float64, n)
	for i := range y {
		lambda := math.Exp(1 + math.Sin(2*math.Pi*float64(i)/float64(n)))
		// Knuth's method is fine for small intensities
		l, k, p := math.Exp(-lambda), 0, 1.0
		for {
			p *= rng.Float64()
			if p <= l {
				break
			}
			k++
		}
		y[i] = float64(k)
	}
	return y
}

func mean(y []float64) float64 {
	var s float64
	for _, v := range y {
		s += v
	}
	return s / float64(len(y))
}

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestPoissonGAMOnChain(t *testing.T) {
	const n = 30
	y := poissonCounts(n, 7)
	solver := chain(t, n)

	d, err := fpirls.NewGAM(solver, family.Poisson{}, fpirls.Data{Observations: y},
		fpirls.SpaceGrid(0.1, 1, 10, 100), constant(n, mean(y)), fpirls.WithEvaluator(solver))
	require.NoError(t, err)

	res, err := d.Apply(nil)
	require.NoError(t, err)

	prevDOF := math.Inf(1)
	for s := 0; s < 4; s++ {
		p := res.At(fpirls.GridPoint{S: s})
		assert.True(t, p.Converged, "point %v did not converge in %d iterations", p.Point, p.Iterations)
		assert.Less(t, p.DOF(), prevDOF, "dof not decreasing in λ")
		prevDOF = p.DOF()

		assert.Greater(t, p.GCV, 0.0, "point %v", p.Point)
		for i := 0; i < n; i++ {
			require.InDelta(t, math.Exp(p.FunctionEstimate.AtVec(i)), p.Mean.AtVec(i), 1e-9, "mean[%d]", i)
		}
		assert.Equal(t, 1.0, p.VarianceEstimate)
	}

	best := res.Best()
	for _, p := range res.Points {
		assert.GreaterOrEqual(t, p.GCV, best.GCV, "Best() GCV is not minimal, %v is lower", p.Point)
	}
}

func TestGridOrderIndependence(t *testing.T) {
	const n = 20
	y := poissonCounts(n, 3)

	run := func(lambdas ...float64) *fpirls.Result {
		d, err := fpirls.NewGAM(chain(t, n), family.Poisson{}, fpirls.Data{Observations: y},
			fpirls.SpaceGrid(lambdas...), constant(n, mean(y)))
		require.NoError(t, err)
		res, err := d.Apply(nil)
		require.NoError(t, err)
		return res
	}

	fwd := run(0.5, 5, 50)
	rev := run(50, 5, 0.5)
	for s := 0; s < 3; s++ {
		a := fwd.At(fpirls.GridPoint{S: s})
		b := rev.At(fpirls.GridPoint{S: 2 - s})
		assert.Equal(t, a.Iterations, b.Iterations, "λ=%g", a.LambdaS)
		assert.Equal(t, a.J, b.J, "λ=%g", a.LambdaS)
		assert.Equal(t, a.GCV, b.GCV, "λ=%g", a.LambdaS)
	}
}

func TestParallelMatchesSequential(t *testing.T) {
	const n = 25
	y := poissonCounts(n, 11)
	grid := fpirls.Grid{LambdaS: []float64{0.1, 1, 10}, LambdaT: []float64{0, 1}}

	run := func(opts ...fpirls.Option) *fpirls.Result {
		solver, err := penreg.New(penreg.Identity(n), penreg.SecondDifference(n),
			penreg.WithTimePenalty(penreg.SecondDifference(n)))
		require.NoError(t, err)
		d, err := fpirls.NewGAM(solver, family.Poisson{}, fpirls.Data{Observations: y}, grid, constant(n, mean(y)), opts...)
		require.NoError(t, err)
		res, err := d.Apply(nil)
		require.NoError(t, err)
		return res
	}

	seq := run()
	par := run(fpirls.WithParallelism(4))

	if diff := cmp.Diff(seq.Iterations(), par.Iterations()); diff != "" {
		t.Errorf("iterations mismatch (-seq +par):\n%s", diff)
	}
	if diff := cmp.Diff(seq.GCV(), par.GCV()); diff != "" {
		t.Errorf("GCV mismatch (-seq +par):\n%s", diff)
	}
	if diff := cmp.Diff(seq.JMinima(), par.JMinima()); diff != "" {
		t.Errorf("J mismatch (-seq +par):\n%s", diff)
	}
}

func TestStandardWithCovariates(t *testing.T) {
	const n = 12
	x := mat.NewDense(n, 1, nil)
	y := make([]float64, n)
	for i := range y {
		xi := float64(i%3) - 1
		x.Set(i, 0, xi)
		y[i] = 2*xi + math.Cos(float64(i)/3)
	}

	// A ridge penalty keeps the covariate identifiable
	solver, err := penreg.New(penreg.Identity(n), penreg.Ridge(n))
	require.NoError(t, err)

	d, err := fpirls.NewStandard(solver, fpirls.Data{Observations: y, Covariates: x}, fpirls.SpaceGrid(0.5))
	require.NoError(t, err)
	res, err := d.Apply(nil)
	require.NoError(t, err)

	p := res.At(fpirls.GridPoint{})
	require.NotNil(t, p.BetaEstimate)
	assert.Equal(t, 1, p.BetaEstimate.Len())
	assert.Equal(t, 2, p.Iterations)
	assert.True(t, p.Converged)
}

func TestMixedEffectsWithCovariates(t *testing.T) {
	const (
		groups  = 4
		perGrp  = 6
		n       = groups * perGrp
		q       = 2
		seed    = 5
		lambdaS = 2.0
	)
	rng := rand.New(rand.NewSource(seed))

	x := mat.NewDense(n, 1, nil)
	z := mat.NewDense(n, q, nil)
	labels := make([]int, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		g := i % groups
		ti := float64(i/groups) / perGrp
		labels[i] = g
		x.Set(i, 0, ti)
		z.Set(i, 0, 1)
		z.Set(i, 1, ti)
		b0 := float64(g) - 1.5
		y[i] = 1.5*ti + b0 + 0.3*b0*ti + math.Sin(float64(i)) + 0.1*rng.NormFloat64()
	}
	grouping, err := fpirls.NewGrouping(labels)
	require.NoError(t, err)

	solver, err := penreg.New(penreg.Identity(n), penreg.Ridge(n))
	require.NoError(t, err)

	d, err := fpirls.NewMixedEffects(solver, fpirls.Data{Observations: y, Covariates: x},
		fpirls.SpaceGrid(lambdaS), fpirls.RandomEffects{Design: z, Grouping: grouping},
		fpirls.WithMaxIterations(30))
	require.NoError(t, err)
	res, err := d.Apply(nil)
	require.NoError(t, err)

	p := res.At(fpirls.GridPoint{})
	assert.Greater(t, p.SigmaSq, 0.0)
	require.Len(t, p.BHat, groups)
	for l := 0; l < q; l++ {
		assert.Greater(t, p.SigmaB.At(l, l), 0.0, "SigmaB[%d]", l)
	}
	require.NotNil(t, p.BetaEstimate)
	assert.GreaterOrEqual(t, p.J.Parametric, 0.0)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	const n = 15
	y := poissonCounts(n, 9)
	solver := chain(t, n)
	d, err := fpirls.NewGAM(solver, family.Poisson{}, fpirls.Data{Observations: y},
		fpirls.SpaceGrid(1, 10), constant(n, mean(y)), fpirls.WithEvaluator(solver))
	require.NoError(t, err)
	res, err := d.Apply(nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, res.Save(&buf))
	loaded, err := fpirls.LoadResult(&buf)
	require.NoError(t, err)

	assert.Equal(t, "gam-poisson", loaded.Model)
	opts := []cmp.Option{
		cmp.Comparer(func(a, b *mat.VecDense) bool {
			if a == nil || b == nil {
				return a == b
			}
			return mat.Equal(a, b)
		}),
		cmpopts.IgnoreFields(fpirls.PointResult{}, "SigmaB"),
	}
	if diff := cmp.Diff(res.Points, loaded.Points, opts...); diff != "" {
		t.Errorf("round trip mismatch (-saved +loaded):\n%s", diff)
	}
	assert.Equal(t, res.Best().Point, loaded.Best().Point)

	_, err = fpirls.LoadResult(bytes.NewReader([]byte("not gob")))
	assert.Error(t, err)
}
