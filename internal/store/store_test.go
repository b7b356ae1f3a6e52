package store

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/n0madic/go-fpirls/fpirls"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleResult(gcv []float64) *fpirls.Result {
	grid := fpirls.SpaceGrid(0.1, 1, 10)
	res := &fpirls.Result{Model: "gam-poisson", Grid: grid, Points: make([]fpirls.PointResult, grid.Len())}
	for k := range res.Points {
		pt := grid.Point(k)
		ls, lt := grid.Lambdas(pt)
		res.Points[k] = fpirls.PointResult{
			Point:      pt,
			LambdaS:    ls,
			LambdaT:    lt,
			Solution:   &fpirls.Solution{DOF: 5 - float64(k)},
			Iterations: 3 + k,
			Converged:  k != 2,
			J:          fpirls.Functional{Parametric: 10, Penalty: float64(k)},
			GCV:        gcv[k],
		}
	}
	return res
}

func TestInsertAndGet(t *testing.T) {
	s := setupTestStore(t)

	run := &Run{Source: "problem.yaml", NumObs: 40}
	require.NoError(t, s.Insert(run, sampleResult([]float64{2, 1.5, 3})))
	require.NotEmpty(t, run.RunID)
	assert.NotZero(t, run.CreatedAt)

	got, err := s.Get(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, "gam-poisson", got.Model)
	assert.Equal(t, "problem.yaml", got.Source)
	assert.Equal(t, 40, got.NumObs)
	assert.Equal(t, 3, got.GridSize)
	assert.Equal(t, 1, got.BestS)
	assert.Equal(t, 1.0, got.BestLambdaS)
	assert.Equal(t, 1.5, got.BestGCV)
	assert.Equal(t, 11.0, got.BestJ)

	points, err := s.Points(run.RunID)
	require.NoError(t, err)
	require.Len(t, points, 3)
	for k, p := range points {
		assert.Equal(t, k, p.S)
		assert.Equal(t, 3+k, p.Iterations)
		assert.Equal(t, k != 2, p.Converged)
		assert.Equal(t, 5-float64(k), p.DOF)
	}

	_, err = s.Get("missing")
	assert.Error(t, err)
}

func TestNonFiniteValuesRoundTripAsNaN(t *testing.T) {
	s := setupTestStore(t)

	run := &Run{}
	require.NoError(t, s.Insert(run, sampleResult([]float64{math.Inf(1), 2, math.NaN()})))

	points, err := s.Points(run.RunID)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(points[0].GCV))
	assert.Equal(t, 2.0, points[1].GCV)
	assert.True(t, math.IsNaN(points[2].GCV))

	got, err := s.Get(run.RunID)
	require.NoError(t, err)
	assert.Empty(t, got.Source)
}

func TestListNewestFirst(t *testing.T) {
	s := setupTestStore(t)

	for i, id := range []string{"a", "b", "c"} {
		run := &Run{RunID: id, CreatedAt: int64(100 + i)}
		require.NoError(t, s.Insert(run, sampleResult([]float64{1, 2, 3})))
	}

	runs, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "c", runs[0].RunID)
	assert.Equal(t, "a", runs[2].RunID)

	runs, err = s.List(2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestDeleteCascades(t *testing.T) {
	s := setupTestStore(t)

	run := &Run{}
	require.NoError(t, s.Insert(run, sampleResult([]float64{1, 2, 3})))
	require.NoError(t, s.Delete(run.RunID))

	points, err := s.Points(run.RunID)
	require.NoError(t, err)
	assert.Empty(t, points)
	assert.Error(t, s.Delete(run.RunID))
}

func TestInsertRejectsDuplicateRun(t *testing.T) {
	s := setupTestStore(t)

	require.NoError(t, s.Insert(&Run{RunID: "dup"}, sampleResult([]float64{1, 2, 3})))
	assert.Error(t, s.Insert(&Run{RunID: "dup"}, sampleResult([]float64{1, 2, 3})))
	assert.Error(t, s.Insert(&Run{}, nil))

	runs, err := s.List(0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
