// Package fpirls implements the functional penalized iteratively reweighted
// least squares procedure for smoothing over a mesh.
//
// One Driver evaluates every point of a supplied regularization grid. At each
// grid point it repeats
//   - prepare: the response model builds pseudo-observations and weights
//   - solve: the external Solver fits the weighted penalized regression
//   - update: the response model refreshes its parameters from the fit
//
// until the change of the penalized functional J drops below a threshold or
// the iteration cap is reached, then computes GCV. The response model is one
// of standard penalized regression, a GAM over an exponential family, or a
// mixed-effects model with grouped random effects.
package fpirls

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrDomain is returned when a family function is evaluated outside its
	// valid range, or an observation is impossible for the family.
	ErrDomain = errors.New("value outside family domain")
	// ErrSingular is returned when a factorization fails.
	ErrSingular = errors.New("singular or ill-conditioned system")
	// ErrDimension is returned on shape mismatches.
	ErrDimension = errors.New("dimension mismatch")
)

// NoGCV is reported as GCV value when GCV was not requested.
const NoGCV = -1.0

// Data holds the observations in global order and the optional covariates.
type Data struct {
	Observations []float64
	// Covariates is n×p, nil when there are none.
	Covariates *mat.Dense
}

// Recorder receives per grid point outcomes. Implementations must be safe for
// concurrent use when parallelism is enabled.
type Recorder interface {
	ObservePoint(model string, iterations int, converged bool, gcv float64, elapsed time.Duration)
	ObserveFailure(model string)
}

type nopRecorder struct{}

func (nopRecorder) ObservePoint(string, int, bool, float64, time.Duration) {}
func (nopRecorder) ObserveFailure(string)                                  {}

// responseModel is the model-specific half of f-PIRLS. All methods take the
// dense grid index k; state for different k is independent.
type responseModel interface {
	name() string
	// reset sizes the per grid point state. Called once per Apply.
	reset(size int)
	// prepare fills the observations and weights of prob (step 1).
	prepare(k int, prob *Problem) error
	// update consumes the regression result (step 3).
	update(k int, sol *Solution) error
	parametricJ(k int, sol *Solution) float64
	gcv(k int, sol *Solution, tune float64) float64
	// finalize fills the model-specific fields of r after the loop.
	finalize(k int, sol *Solution, r *PointResult) error
}

// Driver runs f-PIRLS over a grid of regularization strengths.
type Driver struct {
	solver     Solver
	evaluator  Evaluator
	model      responseModel
	grid       Grid
	y          *mat.VecDense
	covariates *mat.Dense

	criterion    Criterion
	tune         float64
	computeGCV   bool
	parallelism  int
	priorWeights *mat.VecDense

	logger   *slog.Logger
	recorder Recorder
}

func newDriver(solver Solver, data Data, grid Grid, opts []Option) (*Driver, error) {
	if solver == nil {
		return nil, errors.New("fpirls: nil solver")
	}
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	n := len(data.Observations)
	if n == 0 {
		return nil, errors.New("fpirls: no observations")
	}
	if data.Covariates != nil {
		if r, _ := data.Covariates.Dims(); r != n {
			return nil, fmt.Errorf("%w: covariates have %d rows, want %d", ErrDimension, r, n)
		}
	}

	d := &Driver{
		solver:     solver,
		grid:       grid,
		y:          mat.NewVecDense(n, append([]float64(nil), data.Observations...)),
		covariates: data.Covariates,
		criterion: Criterion{
			Threshold:     DefaultThreshold,
			MaxIterations: DefaultMaxIterations,
		},
		tune:        DefaultGCVInflation,
		computeGCV:  true,
		parallelism: 1,
		logger:      slog.New(slog.DiscardHandler),
		recorder:    nopRecorder{},
	}

	// Apply options
	for _, opt := range opts {
		opt(d)
	}

	if d.criterion.MaxIterations < 1 {
		return nil, fmt.Errorf("fpirls: max iterations must be positive, got %d", d.criterion.MaxIterations)
	}
	if d.criterion.Threshold < 0 {
		return nil, fmt.Errorf("fpirls: threshold must be non-negative, got %g", d.criterion.Threshold)
	}
	if d.priorWeights != nil && d.priorWeights.Len() != n {
		return nil, fmt.Errorf("%w: %d weights for %d observations", ErrDimension, d.priorWeights.Len(), n)
	}
	if d.priorWeights != nil {
		for i := 0; i < n; i++ {
			if d.priorWeights.AtVec(i) < 0 {
				return nil, errors.New("fpirls: negative observation weight")
			}
		}
	}
	return d, nil
}

// Grid returns the grid the driver evaluates.
func (d *Driver) Grid() Grid { return d.grid }

// Model returns the name of the response model.
func (d *Driver) Model() string { return d.model.name() }

// NumObs returns the number of observations.
func (d *Driver) NumObs() int { return d.y.Len() }

// Apply runs f-PIRLS at every grid point. forcing is the forcing term of the
// spatial penalty in coefficient space and may be nil. Any failure aborts the
// whole run and no Result is returned.
func (d *Driver) Apply(forcing *mat.VecDense) (*Result, error) {
	if forcing != nil {
		if p := d.solver.SpacePenalty(); p != nil && p.SymmetricDim() != forcing.Len() {
			return nil, fmt.Errorf("%w: forcing term has length %d, penalty is %d×%d",
				ErrDimension, forcing.Len(), p.SymmetricDim(), p.SymmetricDim())
		}
	}

	size := d.grid.Len()
	d.model.reset(size)
	points := make([]PointResult, size)

	run := func(k int) error {
		pr, err := d.runPoint(k, forcing)
		if err != nil {
			d.recorder.ObserveFailure(d.model.name())
			return err
		}
		points[k] = *pr
		return nil
	}

	if d.concurrent() {
		var g errgroup.Group
		g.SetLimit(d.parallelism)
		for k := 0; k < size; k++ {
			g.Go(func() error { return run(k) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for k := 0; k < size; k++ {
			if err := run(k); err != nil {
				return nil, err
			}
		}
	}

	// Point estimates once every grid point is done
	for k := range points {
		if err := d.additionalEstimates(k, &points[k]); err != nil {
			return nil, fmt.Errorf("grid point %v: %w", points[k].Point, err)
		}
	}

	return &Result{Model: d.model.name(), Grid: d.grid, Points: points}, nil
}

func (d *Driver) concurrent() bool {
	if d.parallelism <= 1 {
		return false
	}
	r, ok := d.solver.(Reentrant)
	return ok && r.Reentrant()
}

// runPoint iterates one grid point until the stopping criterion holds.
func (d *Driver) runPoint(k int, forcing *mat.VecDense) (*PointResult, error) {
	p := d.grid.Point(k)
	lambdaS, lambdaT := d.grid.Lambdas(p)
	start := time.Now()

	var (
		prev, cur  Functional
		sol        *Solution
		iterations int
	)
	for {
		prob := &Problem{
			Point:      p,
			LambdaS:    lambdaS,
			LambdaT:    lambdaT,
			Covariates: d.covariates,
			Forcing:    forcing,
		}

		// Step 1
		if err := d.model.prepare(k, prob); err != nil {
			return nil, fmt.Errorf("grid point %v: prepare: %w", p, err)
		}
		// Step 2
		s, err := d.solve(prob)
		if err != nil {
			return nil, fmt.Errorf("grid point %v: %w", p, err)
		}
		// Step 3
		if err := d.model.update(k, s); err != nil {
			return nil, fmt.Errorf("grid point %v: update: %w", p, err)
		}
		sol = s

		prev, cur = cur, d.computeJ(k, sol, lambdaS, lambdaT, forcing)
		iterations++

		d.logger.Debug("fpirls iteration",
			"model", d.model.name(),
			"point", p.String(),
			"iteration", iterations,
			"parametric", cur.Parametric,
			"penalty", cur.Penalty)

		if d.criterion.Done(iterations, prev, cur) {
			break
		}
	}

	converged := d.criterion.Converged(iterations, prev, cur)
	gcv := NoGCV
	if d.computeGCV {
		gcv = d.model.gcv(k, sol, d.tune)
	}

	elapsed := time.Since(start)
	d.recorder.ObservePoint(d.model.name(), iterations, converged, gcv, elapsed)
	if converged {
		d.logger.Info("fpirls grid point converged",
			"model", d.model.name(), "point", p.String(),
			"iterations", iterations, "j", cur.Total(), "gcv", gcv)
	} else {
		d.logger.Warn("fpirls grid point hit iteration cap",
			"model", d.model.name(), "point", p.String(),
			"iterations", iterations, "j", cur.Total())
	}

	return &PointResult{
		Point:      p,
		LambdaS:    lambdaS,
		LambdaT:    lambdaT,
		Solution:   sol.clone(),
		Iterations: iterations,
		Converged:  converged,
		J:          cur,
		GCV:        gcv,
	}, nil
}

// solve is the weighted-regression adapter: it checks the request, hands it
// to the solver and checks the answer.
func (d *Driver) solve(prob *Problem) (*Solution, error) {
	n := d.y.Len()
	if prob.Observations == nil || prob.Observations.Len() != n {
		return nil, fmt.Errorf("%w: pseudo-observations do not cover %d observations", ErrDimension, n)
	}
	if err := prob.Weights.Validate(n); err != nil {
		return nil, err
	}

	sol, err := d.solver.Solve(prob)
	if err != nil {
		return nil, fmt.Errorf("weighted regression: %w", err)
	}
	if sol == nil || sol.Fitted == nil || sol.Coefficients == nil {
		return nil, errors.New("weighted regression: incomplete solution")
	}
	if sol.Fitted.Len() != n {
		return nil, fmt.Errorf("%w: solver returned %d fitted values for %d observations", ErrDimension, sol.Fitted.Len(), n)
	}
	if d.covariates != nil {
		_, p := d.covariates.Dims()
		if sol.Beta == nil || sol.Beta.Len() != p {
			return nil, fmt.Errorf("%w: solver returned no estimate for %d covariates", ErrDimension, p)
		}
	}
	return sol, nil
}

// computeJ evaluates the functional: the model's parametric part and the
// roughness penalty of the fitted coefficients.
func (d *Driver) computeJ(k int, sol *Solution, lambdaS, lambdaT float64, forcing *mat.VecDense) Functional {
	var penalty float64

	if ps := d.solver.SpacePenalty(); ps != nil {
		c := sol.Coefficients
		if forcing != nil {
			diff := mat.NewVecDense(c.Len(), nil)
			diff.SubVec(c, forcing)
			c = diff
		}
		penalty += lambdaS * mat.Inner(c, ps, c)
	}
	if pt := d.solver.TimePenalty(); pt != nil {
		penalty += lambdaT * mat.Inner(sol.Coefficients, pt, sol.Coefficients)
	}

	return Functional{
		Parametric: d.model.parametricJ(k, sol),
		Penalty:    penalty,
	}
}

// additionalEstimates evaluates the final function and covariate estimates and
// lets the model add its own.
func (d *Driver) additionalEstimates(k int, r *PointResult) error {
	if d.evaluator != nil {
		fn, err := d.evaluator.Evaluate(r.Solution.Coefficients)
		if err != nil {
			return fmt.Errorf("evaluate function estimate: %w", err)
		}
		r.FunctionEstimate = fn
	} else {
		r.FunctionEstimate = mat.VecDenseCopyOf(r.Solution.Fitted)
	}
	if r.Solution.Beta != nil {
		r.BetaEstimate = mat.VecDenseCopyOf(r.Solution.Beta)
	}
	return d.model.finalize(k, r.Solution, r)
}

// defaultGCV is n·RSS / (n - tune·dof)².
func defaultGCV(n int, rss, dof, tune float64) float64 {
	den := float64(n) - tune*dof
	return float64(n) * rss / (den * den)
}
