package fpirls

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// RandomEffects describes the grouped random-effects part of a mixed model
//
//	y_g = X_g β + f(p_g) + Z_g b_g + ε_g,   b_g ~ N(0, σ² D⁻¹),   ε_g ~ N(0, σ² I)
//
// with D diagonal.
type RandomEffects struct {
	// Design is the n×q random-effects design in global observation order.
	Design   *mat.Dense
	Grouping *Grouping
}

// NewMixedEffects returns a driver that estimates the random effects with an
// EM procedure nested inside f-PIRLS.
func NewMixedEffects(solver Solver, data Data, grid Grid, re RandomEffects, opts ...Option) (*Driver, error) {
	if re.Design == nil || re.Grouping == nil {
		return nil, errors.New("fpirls: mixed effects need a design and a grouping")
	}
	d, err := newDriver(solver, data, grid, opts)
	if err != nil {
		return nil, err
	}
	if d.priorWeights != nil {
		return nil, errors.New("fpirls: prior weights are not supported with random effects")
	}

	n := d.y.Len()
	rows, q := re.Design.Dims()
	if rows != n {
		return nil, fmt.Errorf("%w: random-effects design has %d rows, want %d", ErrDimension, rows, n)
	}
	if re.Grouping.NumObs() != n {
		return nil, fmt.Errorf("%w: grouping covers %d observations, want %d", ErrInvalidGrouping, re.Grouping.NumObs(), n)
	}

	m := &mixedModel{
		y:      d.y,
		x:      d.covariates,
		groups: re.Grouping,
		q:      q,
	}
	m.initializeMatrices(re.Design)
	d.model = m
	return d, nil
}

type mixedModel struct {
	y      *mat.VecDense
	x      *mat.Dense
	groups *Grouping
	q      int

	// Per group, read-only after construction
	z   []*mat.Dense
	ztz []*mat.SymDense
	xg  []*mat.Dense
	d0  []float64

	points []mixedPoint
}

// mixedPoint is the working state of one grid point.
type mixedPoint struct {
	d *mat.DiagDense

	// Per group: factor of Z̃ᵀZ̃ = ZᵀZ + D, Woodbury weights, predictions
	ztz  []mat.Cholesky
	w    []*mat.SymDense
	bhat []*mat.VecDense
	a    []*mat.Dense

	ltl     mat.Cholesky
	sigmaSq float64

	// Σ r_gᵀ W_g r_g, Σ ‖r_g - Z_g b̂_g‖² and the random-effects dof
	penalizedRSS float64
	rss          float64
	edf          float64
}

func (m *mixedModel) name() string { return "mixed-effects" }

// initializeMatrices extracts the group blocks, precomputes ZᵀZ and the
// initial relative precision D.
func (m *mixedModel) initializeMatrices(design *mat.Dense) {
	ng := m.groups.NumGroups()
	m.z = make([]*mat.Dense, ng)
	m.ztz = make([]*mat.SymDense, ng)
	if m.x != nil {
		m.xg = make([]*mat.Dense, ng)
	}

	for g := 0; g < ng; g++ {
		ids := m.groups.Index(g)
		m.z[g] = matrixIndexing(design, ids)
		m.ztz[g] = mat.NewSymDense(m.q, nil)
		m.ztz[g].SymOuterK(1, m.z[g].T())
		if m.x != nil {
			m.xg[g] = matrixIndexing(m.x, ids)
		}
	}

	// D_l = 0.375 · mean_g (ZᵀZ_g)_ll, 1 for an all-zero column
	d0 := make([]float64, m.q)
	for l := range d0 {
		for g := 0; g < ng; g++ {
			d0[l] += m.ztz[g].At(l, l)
		}
		d0[l] = 0.375 * d0[l] / float64(ng)
		if d0[l] <= 0 {
			d0[l] = 1
		}
	}
	m.d0 = d0
}

func (m *mixedModel) reset(size int) {
	ng := m.groups.NumGroups()
	m.points = make([]mixedPoint, size)
	for k := range m.points {
		m.points[k] = mixedPoint{
			d:    m.initialPrecision(),
			ztz:  make([]mat.Cholesky, ng),
			w:    make([]*mat.SymDense, ng),
			bhat: make([]*mat.VecDense, ng),
			a:    make([]*mat.Dense, ng),
		}
	}
}

func (m *mixedModel) prepare(k int, prob *Problem) error {
	if err := m.computeZtildeTZtilde(k); err != nil {
		return err
	}
	m.computeWeights(k)

	st := &m.points[k]
	blocks := make([]WeightBlock, len(st.w))
	for g := range st.w {
		blocks[g] = WeightBlock{Index: m.groups.Index(g), W: mat.NewSymDense(st.w[g].SymmetricDim(), nil)}
		blocks[g].W.CopySym(st.w[g])
	}
	prob.Observations = mat.VecDenseCopyOf(m.y)
	prob.Weights = Weights{Blocks: blocks}
	return nil
}

// computeZtildeTZtilde factors ZᵀZ_g + D for every group.
func (m *mixedModel) computeZtildeTZtilde(k int) error {
	st := &m.points[k]
	for g := range m.ztz {
		s := mat.NewSymDense(m.q, nil)
		s.CopySym(m.ztz[g])
		for l := 0; l < m.q; l++ {
			s.SetSym(l, l, s.At(l, l)+st.d.At(l, l))
		}
		if ok := st.ztz[g].Factorize(s); !ok {
			return fmt.Errorf("%w: Z̃ᵀZ̃ of group %d", ErrSingular, g)
		}
	}
	return nil
}

// computeWeights forms W_g = (I + Z_g D⁻¹ Z_gᵀ)⁻¹ through the Woodbury
// identity as I - Z_g (ZᵀZ_g + D)⁻¹ Z_gᵀ, so only q×q systems are solved.
func (m *mixedModel) computeWeights(k int) {
	st := &m.points[k]
	for g, z := range m.z {
		ng, _ := z.Dims()

		// (Z̃ᵀZ̃)⁻¹ Zᵀ, q×n_g. A mat.Condition error only flags poor
		// conditioning, the factorization already succeeded.
		var sz mat.Dense
		_ = st.ztz[g].SolveTo(&sz, z.T())
		var corr mat.Dense
		corr.Mul(z, &sz)

		w := mat.NewSymDense(ng, nil)
		for i := 0; i < ng; i++ {
			for j := i; j < ng; j++ {
				v := -0.5 * (corr.At(i, j) + corr.At(j, i))
				if i == j {
					v += 1
				}
				w.SetSym(i, j, v)
			}
		}
		st.w[g] = w
	}
}

// update runs the E-step and the M-step on the residuals of the new fit.
func (m *mixedModel) update(k int, sol *Solution) error {
	r := mat.NewVecDense(m.y.Len(), nil)
	r.SubVec(m.y, sol.LinearPredictor(m.x))
	rg := m.groups.Gather(r)

	m.computeBHat(k, rg)
	if err := m.computeSigmaSqHat(k, sol.DOF); err != nil {
		return err
	}
	if m.x != nil {
		if err := m.buildLTL(k); err != nil {
			return err
		}
		m.computeA(k)
	}
	return m.updateD(k)
}

// computeBHat predicts b̂_g = (Z̃ᵀZ̃_g)⁻¹ Z_gᵀ r_g and accumulates the residual
// sums used by J and GCV.
func (m *mixedModel) computeBHat(k int, rg []*mat.VecDense) {
	st := &m.points[k]
	st.penalizedRSS, st.rss, st.edf = 0, 0, 0

	for g, z := range m.z {
		zr := mat.NewVecDense(m.q, nil)
		zr.MulVec(z.T(), rg[g])

		b := mat.NewVecDense(m.q, nil)
		_ = st.ztz[g].SolveVecTo(b, zr)
		st.bhat[g] = b

		fit := mulVec(z, b)
		e := mat.NewVecDense(rg[g].Len(), nil)
		e.SubVec(rg[g], fit)

		st.rss += mat.Dot(e, e)
		st.penalizedRSS += mat.Inner(rg[g], st.w[g], rg[g])

		// tr((Z̃ᵀZ̃)⁻¹ ZᵀZ)
		var s mat.Dense
		_ = st.ztz[g].SolveTo(&s, m.ztz[g])
		st.edf += mat.Trace(&s)
	}
}

// computeSigmaSqHat is σ² = Σ r_gᵀ W_g r_g / (n - dof).
func (m *mixedModel) computeSigmaSqHat(k int, dof float64) error {
	st := &m.points[k]
	den := float64(m.y.Len()) - dof
	if den <= 0 {
		return fmt.Errorf("%w: %g residual degrees of freedom for σ²", ErrDimension, den)
	}
	st.sigmaSq = st.penalizedRSS / den
	if st.sigmaSq <= 0 {
		return fmt.Errorf("%w: zero residual variance", ErrSingular)
	}
	return nil
}

// buildLTL factors Σ X_gᵀ W_g X_g.
func (m *mixedModel) buildLTL(k int) error {
	st := &m.points[k]
	_, p := m.x.Dims()
	ltl := mat.NewSymDense(p, nil)

	for g, xg := range m.xg {
		var wx, xtwx mat.Dense
		wx.Mul(st.w[g], xg)
		xtwx.Mul(xg.T(), &wx)
		for i := 0; i < p; i++ {
			for j := i; j < p; j++ {
				ltl.SetSym(i, j, ltl.At(i, j)+0.5*(xtwx.At(i, j)+xtwx.At(j, i)))
			}
		}
	}
	if ok := st.ltl.Factorize(ltl); !ok {
		return fmt.Errorf("%w: LᵀL", ErrSingular)
	}
	return nil
}

// computeA caches A_g = (Z̃ᵀZ̃_g)⁻¹ Z_gᵀ X_g for the M-step.
func (m *mixedModel) computeA(k int) {
	st := &m.points[k]
	for g, z := range m.z {
		var ztx mat.Dense
		ztx.Mul(z.T(), m.xg[g])
		a := new(mat.Dense)
		_ = st.ztz[g].SolveTo(a, &ztx)
		st.a[g] = a
	}
}

// updateD is the M-step for the diagonal relative precision:
//
//	D_l = 1 / mean_g [ b̂²_gl/σ² + (Z̃ᵀZ̃_g)⁻¹_ll + (A_g (LᵀL)⁻¹ A_gᵀ)_ll ]
func (m *mixedModel) updateD(k int) error {
	st := &m.points[k]
	ng := len(m.z)
	psi := make([]float64, m.q)

	for g := 0; g < ng; g++ {
		var inv mat.SymDense
		if err := st.ztz[g].InverseTo(&inv); err != nil {
			return fmt.Errorf("%w: inverse of Z̃ᵀZ̃ of group %d", ErrSingular, g)
		}

		var corr *mat.Dense
		if m.x != nil {
			// (LᵀL)⁻¹ A_gᵀ, p×q
			var la mat.Dense
			_ = st.ltl.SolveTo(&la, st.a[g].T())
			corr = new(mat.Dense)
			corr.Mul(st.a[g], &la)
		}

		for l := 0; l < m.q; l++ {
			b := st.bhat[g].AtVec(l)
			psi[l] += b*b/st.sigmaSq + inv.At(l, l)
			if corr != nil {
				psi[l] += corr.At(l, l)
			}
		}
	}

	for l := range psi {
		psi[l] /= float64(ng)
		if psi[l] <= 0 {
			return fmt.Errorf("%w: non-positive random-effects variance %g", ErrSingular, psi[l])
		}
		st.d.SetDiag(l, 1/psi[l])
	}
	return nil
}

func (m *mixedModel) parametricJ(k int, sol *Solution) float64 {
	return m.points[k].penalizedRSS
}

// gcv counts the random-effects degrees of freedom on top of the solver's.
func (m *mixedModel) gcv(k int, sol *Solution, tune float64) float64 {
	st := &m.points[k]
	return defaultGCV(m.y.Len(), st.rss, sol.DOF+st.edf, tune)
}

// finalize reports Σ_b = σ² D⁻¹ and the predictions.
func (m *mixedModel) finalize(k int, sol *Solution, r *PointResult) error {
	st := &m.points[k]
	r.SigmaSq = st.sigmaSq

	sb := make([]float64, m.q)
	for l := range sb {
		sb[l] = st.sigmaSq / st.d.At(l, l)
	}
	r.SigmaB = mat.NewDiagDense(m.q, sb)

	r.BHat = make([]*mat.VecDense, len(st.bhat))
	for g, b := range st.bhat {
		r.BHat[g] = mat.VecDenseCopyOf(b)
	}
	return nil
}

// initialPrecision returns a copy of the initial guess for D.
func (m *mixedModel) initialPrecision() *mat.DiagDense {
	return mat.NewDiagDense(m.q, append([]float64(nil), m.d0...))
}
