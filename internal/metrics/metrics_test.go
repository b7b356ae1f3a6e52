package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/n0madic/go-fpirls/fpirls"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	r, err := New(10)
	require.NoError(t, err)

	r.ObservePoint("gam-poisson", 4, true, 1.25, 3*time.Millisecond)
	r.ObservePoint("gam-poisson", 10, false, 2.5, time.Millisecond)
	r.ObservePoint("gam-poisson", 3, true, fpirls.NoGCV, time.Millisecond)
	r.ObserveFailure("mixed-effects")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.points.WithLabelValues("gam-poisson", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.points.WithLabelValues("gam-poisson", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.failures.WithLabelValues("mixed-effects")))
	// NoGCV leaves the gauge at the last real value
	assert.Equal(t, 2.5, testutil.ToFloat64(r.gcv.WithLabelValues("gam-poisson")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.iterations))
}

func TestRegistryGathersCollectors(t *testing.T) {
	r, err := New(5)
	require.NoError(t, err)
	r.ObservePoint("standard", 2, true, 0.5, time.Millisecond)

	n, err := testutil.GatherAndCount(r.Registry(), namespace+"_grid_points_total", namespace+"_last_gcv")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A second recorder registers into its own registry
	other, err := New(5)
	require.NoError(t, err)
	assert.NotSame(t, r.Registry(), other.Registry())
}

func TestObserveResult(t *testing.T) {
	r, err := New(0)
	require.NoError(t, err)

	grid := fpirls.SpaceGrid(0.1, 1)
	res := &fpirls.Result{Model: "standard", Grid: grid, Points: []fpirls.PointResult{
		{Point: grid.Point(0), LambdaS: 0.1, GCV: 3, Solution: &fpirls.Solution{}},
		{Point: grid.Point(1), LambdaS: 1, GCV: 2, Solution: &fpirls.Solution{}},
	}}
	r.ObserveResult(res)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.bestGCV.WithLabelValues("standard", "1", "0")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.bestGCV))
}

func TestWriteTextfile(t *testing.T) {
	r, err := New(5)
	require.NoError(t, err)
	r.ObservePoint("standard", 2, true, 0.5, time.Millisecond)

	path := filepath.Join(t.TempDir(), "fpirls.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.Contains(text, `fpirls_grid_points_total{converged="true",model="standard"} 1`), text)
	assert.Contains(t, text, "fpirls_iterations_bucket")
}
