package fpirls

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// ErrInvalidGrouping is returned when group indices do not form a bijection
// with the global observation ordering.
var ErrInvalidGrouping = errors.New("invalid grouping")

// Grouping maps the group-local observation order of the mixed-effects model
// to the global order used by the solver. Group g holds the observations
// Index(g)[0], Index(g)[1], ... in that order.
type Grouping struct {
	perm [][]int
	n    int
}

// NewGrouping builds a grouping from one group label per observation. Groups
// are ordered by label and observations keep their relative order inside a
// group.
func NewGrouping(labels []int) (*Grouping, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("%w: no observations", ErrInvalidGrouping)
	}
	byLabel := make(map[int][]int)
	for i, l := range labels {
		byLabel[l] = append(byLabel[l], i)
	}
	keys := make([]int, 0, len(byLabel))
	for k := range byLabel {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	perm := make([][]int, len(keys))
	for g, k := range keys {
		perm[g] = byLabel[k]
	}
	return NewGroupingFromIndex(perm, len(labels))
}

// NewGroupingFromSizes builds a grouping where consecutive runs of
// observations form the groups.
func NewGroupingFromSizes(sizes []int) (*Grouping, error) {
	perm := make([][]int, len(sizes))
	next := 0
	for g, s := range sizes {
		if s <= 0 {
			return nil, fmt.Errorf("%w: group %d has size %d", ErrInvalidGrouping, g, s)
		}
		perm[g] = make([]int, s)
		for i := range perm[g] {
			perm[g][i] = next
			next++
		}
	}
	return NewGroupingFromIndex(perm, next)
}

// NewGroupingFromIndex takes an explicit permutation map and verifies it is a
// bijection onto 0..n-1.
func NewGroupingFromIndex(perm [][]int, n int) (*Grouping, error) {
	if len(perm) == 0 {
		return nil, fmt.Errorf("%w: no groups", ErrInvalidGrouping)
	}
	seen := make([]bool, n)
	count := 0
	cp := make([][]int, len(perm))
	for g, ids := range perm {
		if len(ids) == 0 {
			return nil, fmt.Errorf("%w: group %d is empty", ErrInvalidGrouping, g)
		}
		for _, i := range ids {
			if i < 0 || i >= n {
				return nil, fmt.Errorf("%w: index %d out of range [0,%d)", ErrInvalidGrouping, i, n)
			}
			if seen[i] {
				return nil, fmt.Errorf("%w: observation %d assigned twice", ErrInvalidGrouping, i)
			}
			seen[i] = true
			count++
		}
		cp[g] = append([]int(nil), ids...)
	}
	if count != n {
		return nil, fmt.Errorf("%w: %d of %d observations assigned", ErrInvalidGrouping, count, n)
	}
	return &Grouping{perm: cp, n: n}, nil
}

// NumGroups returns the number of groups.
func (g *Grouping) NumGroups() int { return len(g.perm) }

// NumObs returns the total number of observations.
func (g *Grouping) NumObs() int { return g.n }

// Sizes returns the number of observations per group.
func (g *Grouping) Sizes() []int {
	s := make([]int, len(g.perm))
	for i, ids := range g.perm {
		s[i] = len(ids)
	}
	return s
}

// Index returns the global indices of group k. The slice must not be modified.
func (g *Grouping) Index(k int) []int { return g.perm[k] }

// Gather splits a global vector into per-group vectors.
func (g *Grouping) Gather(v mat.Vector) []*mat.VecDense {
	out := make([]*mat.VecDense, len(g.perm))
	for k, ids := range g.perm {
		out[k] = vectorIndexing(v, ids)
	}
	return out
}

// Scatter writes per-group vectors back into global order.
func (g *Grouping) Scatter(parts []*mat.VecDense) *mat.VecDense {
	out := mat.NewVecDense(g.n, nil)
	for k, ids := range g.perm {
		scatterVector(out, ids, parts[k])
	}
	return out
}

// vectorIndexing returns v[ids].
func vectorIndexing(v mat.Vector, ids []int) *mat.VecDense {
	out := mat.NewVecDense(len(ids), nil)
	for i, id := range ids {
		out.SetVec(i, v.AtVec(id))
	}
	return out
}

// matrixIndexing returns the rows ids of m.
func matrixIndexing(m mat.Matrix, ids []int) *mat.Dense {
	_, c := m.Dims()
	out := mat.NewDense(len(ids), c, nil)
	for i, id := range ids {
		for j := 0; j < c; j++ {
			out.Set(i, j, m.At(id, j))
		}
	}
	return out
}

// scatterVector sets dst[ids[i]] = src[i].
func scatterVector(dst *mat.VecDense, ids []int, src mat.Vector) {
	for i, id := range ids {
		dst.SetVec(id, src.AtVec(i))
	}
}
