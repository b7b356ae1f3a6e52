package fpirls

import (
	"errors"
	"fmt"

	"github.com/n0madic/go-fpirls/family"
	"gonum.org/v1/gonum/mat"
)

// NewGAM returns a driver for a generalized additive model with response
// distribution fam. mu0 is the initial mean, one value per observation, and
// must lie inside the family domain.
func NewGAM(solver Solver, fam family.Family, data Data, grid Grid, mu0 []float64, opts ...Option) (*Driver, error) {
	if fam == nil {
		return nil, errors.New("fpirls: nil family")
	}
	d, err := newDriver(solver, data, grid, opts)
	if err != nil {
		return nil, err
	}

	n := d.y.Len()
	if len(mu0) != n {
		return nil, fmt.Errorf("%w: %d initial means for %d observations", ErrDimension, len(mu0), n)
	}
	for i := 0; i < n; i++ {
		if !fam.ValidObservation(d.y.AtVec(i)) {
			return nil, fmt.Errorf("%w: %s observation %g at %d", ErrDomain, fam.Name(), d.y.AtVec(i), i)
		}
		if !fam.ValidMean(mu0[i]) {
			return nil, fmt.Errorf("%w: %s initial mean %g at %d", ErrDomain, fam.Name(), mu0[i], i)
		}
	}

	d.model = &gamModel{
		fam: fam,
		y:   d.y,
		x:   d.covariates,
		mu0: mat.NewVecDense(n, append([]float64(nil), mu0...)),
		pw:  d.priorWeights,
	}
	return d, nil
}

type gamModel struct {
	fam family.Family
	y   *mat.VecDense
	x   *mat.Dense
	mu0 *mat.VecDense
	pw  *mat.VecDense // prior weights, nil for unit weights

	points []gamPoint
}

// gamPoint is the working state of one grid point.
type gamPoint struct {
	mu     *mat.VecDense
	g      *mat.VecDense // diag(link_deriv(mu))
	pseudo *mat.VecDense
	w      *mat.VecDense
}

func (m *gamModel) name() string { return "gam-" + m.fam.Name() }

func (m *gamModel) reset(size int) {
	n := m.y.Len()
	m.points = make([]gamPoint, size)
	for k := range m.points {
		m.points[k] = gamPoint{
			mu:     mat.VecDenseCopyOf(m.mu0),
			g:      mat.NewVecDense(n, nil),
			pseudo: mat.NewVecDense(n, nil),
			w:      mat.NewVecDense(n, nil),
		}
	}
}

// prepare builds G, the pseudo-observations link(mu) + G(y - mu) and the
// weights p/(G² V(mu)) for prior weight p.
func (m *gamModel) prepare(k int, prob *Problem) error {
	st := &m.points[k]
	for i := 0; i < st.mu.Len(); i++ {
		mu := st.mu.AtVec(i)
		if !m.fam.ValidMean(mu) {
			return fmt.Errorf("%w: %s mean %g at observation %d", ErrDomain, m.fam.Name(), mu, i)
		}
		g := m.fam.LinkDeriv(mu)
		st.g.SetVec(i, g)
		st.pseudo.SetVec(i, m.fam.Link(mu)+g*(m.y.AtVec(i)-mu))
		st.w.SetVec(i, m.prior(i)/(g*g*m.fam.Variance(mu)))
	}

	prob.Observations = mat.VecDenseCopyOf(st.pseudo)
	prob.Weights = DiagonalWeights(mat.VecDenseCopyOf(st.w))
	return nil
}

// update maps the new linear predictor back to the mean scale.
func (m *gamModel) update(k int, sol *Solution) error {
	st := &m.points[k]
	eta := sol.LinearPredictor(m.x)
	for i := 0; i < eta.Len(); i++ {
		mu := m.fam.InvLink(eta.AtVec(i))
		if !m.fam.ValidMean(mu) {
			return fmt.Errorf("%w: %s linear predictor %g maps to mean %g at observation %d",
				ErrDomain, m.fam.Name(), eta.AtVec(i), mu, i)
		}
		st.mu.SetVec(i, mu)
	}
	return nil
}

func (m *gamModel) prior(i int) float64 {
	if m.pw == nil {
		return 1
	}
	return m.pw.AtVec(i)
}

func (m *gamModel) deviance(k int) float64 {
	mu := m.points[k].mu
	var dev float64
	for i := 0; i < mu.Len(); i++ {
		dev += m.prior(i) * m.fam.Deviance(mu.AtVec(i), m.y.AtVec(i))
	}
	return dev
}

func (m *gamModel) parametricJ(k int, sol *Solution) float64 {
	return m.deviance(k)
}

// gcv replaces the residual sum of squares by the total deviance.
func (m *gamModel) gcv(k int, sol *Solution, tune float64) float64 {
	return defaultGCV(m.y.Len(), m.deviance(k), sol.DOF, tune)
}

// pearson is Σ p (y - mu)² / V(mu).
func (m *gamModel) pearson(k int) float64 {
	mu := m.points[k].mu
	var chi2 float64
	for i := 0; i < mu.Len(); i++ {
		r := m.y.AtVec(i) - mu.AtVec(i)
		chi2 += m.prior(i) * r * r / m.fam.Variance(mu.AtVec(i))
	}
	return chi2
}

// varianceEstimate returns the dispersion: the fixed scale when the family
// carries one, the Pearson estimate when it is free, 1 otherwise.
func (m *gamModel) varianceEstimate(k int, dof float64) (float64, error) {
	scaled, ok := m.fam.(family.Scaled)
	if !ok {
		return 1, nil
	}
	if scale, fixed := scaled.Scale(); fixed {
		return scale, nil
	}
	den := float64(m.y.Len()) - dof
	if den <= 0 {
		return 0, fmt.Errorf("%w: %g residual degrees of freedom for scale estimate", ErrDimension, den)
	}
	return m.pearson(k) / den, nil
}

func (m *gamModel) finalize(k int, sol *Solution, r *PointResult) error {
	r.Mean = mat.VecDenseCopyOf(m.points[k].mu)
	phi, err := m.varianceEstimate(k, sol.DOF)
	if err != nil {
		return err
	}
	r.VarianceEstimate = phi
	return nil
}
