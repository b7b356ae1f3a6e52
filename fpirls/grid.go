package fpirls

import (
	"errors"
	"fmt"
	"math"
)

// GridPoint identifies one pair of regularization strengths by its position
// in the spatial and temporal lambda vectors.
type GridPoint struct {
	S int
	T int
}

func (p GridPoint) String() string {
	return fmt.Sprintf("(%d,%d)", p.S, p.T)
}

// Grid is the externally supplied set of regularization strengths. A model
// without a temporal component uses a single temporal value.
type Grid struct {
	LambdaS []float64
	LambdaT []float64
}

// SpaceGrid returns a grid with no temporal component.
func SpaceGrid(lambdaS ...float64) Grid {
	return Grid{LambdaS: lambdaS, LambdaT: []float64{0}}
}

// Validate checks that the grid is non-empty and every strength is finite
// and non-negative.
func (g Grid) Validate() error {
	if len(g.LambdaS) == 0 {
		return errors.New("grid: no spatial regularization strengths")
	}
	for _, l := range g.LambdaS {
		if l < 0 || math.IsNaN(l) || math.IsInf(l, 0) {
			return fmt.Errorf("grid: invalid spatial strength %g", l)
		}
	}
	for _, l := range g.LambdaT {
		if l < 0 || math.IsNaN(l) || math.IsInf(l, 0) {
			return fmt.Errorf("grid: invalid temporal strength %g", l)
		}
	}
	return nil
}

// NumS is the number of spatial strengths.
func (g Grid) NumS() int { return len(g.LambdaS) }

// NumT is the number of temporal strengths, at least one.
func (g Grid) NumT() int {
	if len(g.LambdaT) == 0 {
		return 1
	}
	return len(g.LambdaT)
}

// Len is the number of grid points.
func (g Grid) Len() int { return g.NumS() * g.NumT() }

// Index maps a grid point to its position in grid-indexed slices.
func (g Grid) Index(p GridPoint) int { return p.S*g.NumT() + p.T }

// Point is the inverse of Index.
func (g Grid) Point(i int) GridPoint {
	return GridPoint{S: i / g.NumT(), T: i % g.NumT()}
}

// Contains reports whether p lies inside the grid.
func (g Grid) Contains(p GridPoint) bool {
	return p.S >= 0 && p.S < g.NumS() && p.T >= 0 && p.T < g.NumT()
}

// Points lists all grid points in row-major order.
func (g Grid) Points() []GridPoint {
	pts := make([]GridPoint, 0, g.Len())
	for i := 0; i < g.Len(); i++ {
		pts = append(pts, g.Point(i))
	}
	return pts
}

// Lambdas returns the strengths of p.
func (g Grid) Lambdas(p GridPoint) (lambdaS, lambdaT float64) {
	lambdaS = g.LambdaS[p.S]
	if len(g.LambdaT) > 0 {
		lambdaT = g.LambdaT[p.T]
	}
	return lambdaS, lambdaT
}
