package fpirls

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGridIndexing(t *testing.T) {
	g := Grid{LambdaS: []float64{0.1, 1, 10}, LambdaT: []float64{0.5, 5}}

	require.Equal(t, 6, g.Len())
	for i := 0; i < g.Len(); i++ {
		p := g.Point(i)
		assert.Equal(t, i, g.Index(p))
		assert.True(t, g.Contains(p))
	}

	want := []GridPoint{{0, 0}, {0, 1}, {1, 0}, {1, 1}, {2, 0}, {2, 1}}
	if diff := cmp.Diff(want, g.Points()); diff != "" {
		t.Errorf("Points() mismatch (-want +got):\n%s", diff)
	}

	ls, lt := g.Lambdas(GridPoint{S: 2, T: 1})
	assert.Equal(t, 10.0, ls)
	assert.Equal(t, 5.0, lt)
	assert.False(t, g.Contains(GridPoint{S: 3, T: 0}))
}

func TestSpaceGrid(t *testing.T) {
	g := SpaceGrid(1, 2)
	assert.Equal(t, 1, g.NumT())
	assert.Equal(t, 2, g.Len())
	_, lt := g.Lambdas(GridPoint{S: 1})
	assert.Zero(t, lt)

	// A missing temporal vector still yields one temporal slot
	g = Grid{LambdaS: []float64{1}}
	assert.Equal(t, 1, g.Len())
	_, lt = g.Lambdas(GridPoint{})
	assert.Zero(t, lt)
}

func TestGridValidate(t *testing.T) {
	assert.NoError(t, SpaceGrid(0, 1).Validate())
	assert.Error(t, Grid{}.Validate())
	assert.Error(t, SpaceGrid(-1).Validate())
	assert.Error(t, SpaceGrid(math.NaN()).Validate())
	assert.Error(t, Grid{LambdaS: []float64{1}, LambdaT: []float64{math.Inf(1)}}.Validate())
}
