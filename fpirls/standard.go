package fpirls

import "gonum.org/v1/gonum/mat"

// NewStandard returns a driver for plain penalized regression. The loop
// degenerates to a single weighted solve; the second iteration only confirms
// that J no longer moves.
func NewStandard(solver Solver, data Data, grid Grid, opts ...Option) (*Driver, error) {
	d, err := newDriver(solver, data, grid, opts)
	if err != nil {
		return nil, err
	}

	w := d.priorWeights
	if w == nil {
		w = mat.NewVecDense(d.y.Len(), nil)
		for i := 0; i < w.Len(); i++ {
			w.SetVec(i, 1)
		}
	}

	d.model = &standardModel{y: d.y, w: w, x: d.covariates}
	return d, nil
}

type standardModel struct {
	y *mat.VecDense
	w *mat.VecDense
	x *mat.Dense

	fitted []*mat.VecDense
}

func (m *standardModel) name() string { return "standard" }

func (m *standardModel) reset(size int) {
	m.fitted = make([]*mat.VecDense, size)
}

func (m *standardModel) prepare(k int, prob *Problem) error {
	prob.Observations = mat.VecDenseCopyOf(m.y)
	prob.Weights = DiagonalWeights(mat.VecDenseCopyOf(m.w))
	return nil
}

func (m *standardModel) update(k int, sol *Solution) error {
	m.fitted[k] = sol.LinearPredictor(m.x)
	return nil
}

// weightedRSS is Σ w (y - ŷ)².
func (m *standardModel) weightedRSS(k int) float64 {
	r := mat.NewVecDense(m.y.Len(), nil)
	r.SubVec(m.y, m.fitted[k])
	return DiagonalWeights(m.w).Quad(r)
}

func (m *standardModel) parametricJ(k int, sol *Solution) float64 {
	return m.weightedRSS(k)
}

func (m *standardModel) gcv(k int, sol *Solution, tune float64) float64 {
	return defaultGCV(m.y.Len(), m.weightedRSS(k), sol.DOF, tune)
}

func (m *standardModel) finalize(k int, sol *Solution, r *PointResult) error {
	if den := float64(m.y.Len()) - sol.DOF; den > 0 {
		r.VarianceEstimate = m.weightedRSS(k) / den
	}
	return nil
}
