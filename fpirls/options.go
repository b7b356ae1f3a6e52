package fpirls

import (
	"log/slog"

	"gonum.org/v1/gonum/mat"
)

// Default settings.
const (
	DefaultThreshold     = 2e-4
	DefaultMaxIterations = 15
	DefaultGCVInflation  = 1.0
)

// Option is a function type for configuring a Driver
type Option func(*Driver)

// WithThreshold sets the absolute tolerance on the change of J between two
// iterations
func WithThreshold(threshold float64) Option {
	return func(d *Driver) {
		d.criterion.Threshold = threshold
	}
}

// WithMaxIterations caps the number of iterations per grid point
func WithMaxIterations(n int) Option {
	return func(d *Driver) {
		d.criterion.MaxIterations = n
	}
}

// WithGCVInflation sets the factor multiplying the degrees of freedom in GCV
func WithGCVInflation(tune float64) Option {
	return func(d *Driver) {
		d.tune = tune
	}
}

// WithGCV enables or disables the GCV computation. When disabled every grid
// point reports NoGCV.
func WithGCV(enabled bool) Option {
	return func(d *Driver) {
		d.computeGCV = enabled
	}
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithRecorder attaches a metrics recorder
func WithRecorder(r Recorder) Option {
	return func(d *Driver) {
		if r != nil {
			d.recorder = r
		}
	}
}

// WithEvaluator sets the basis evaluator used for the final function
// estimates. Without it the solver's fitted values are reported.
func WithEvaluator(e Evaluator) Option {
	return func(d *Driver) {
		d.evaluator = e
	}
}

// WithParallelism evaluates up to n grid points at once. It only takes
// effect when the solver implements Reentrant and reports true.
func WithParallelism(n int) Option {
	return func(d *Driver) {
		d.parallelism = n
	}
}

// WithWeights sets prior observation weights. The standard model weights the
// residuals, the GAM scales the working weights, the deviance and the Pearson
// statistic. Mixed-effects drivers reject them.
func WithWeights(w []float64) Option {
	return func(d *Driver) {
		if w != nil {
			d.priorWeights = mat.NewVecDense(len(w), append([]float64(nil), w...))
		}
	}
}
