// Package metrics exports f-PIRLS grid point outcomes as Prometheus metrics.
package metrics

import (
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/n0madic/go-fpirls/fpirls"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrRegistrationFailed is returned when a collector cannot be registered.
var ErrRegistrationFailed = errors.New("metric registration failed")

const namespace = "fpirls"

// Recorder implements fpirls.Recorder on top of a Prometheus registry. All
// methods are safe for concurrent use.
type Recorder struct {
	registry *prometheus.Registry

	points     *prometheus.CounterVec
	failures   *prometheus.CounterVec
	iterations *prometheus.HistogramVec
	duration   *prometheus.HistogramVec
	gcv        *prometheus.GaugeVec
	bestGCV    *prometheus.GaugeVec
}

var _ fpirls.Recorder = (*Recorder)(nil)

// New creates a Recorder with its own registry. maxIterations sizes the
// iteration histogram.
func New(maxIterations int) (*Recorder, error) {
	if maxIterations < 1 {
		maxIterations = fpirls.DefaultMaxIterations
	}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		points: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "grid_points_total",
				Help:      "Grid points evaluated, by model and termination reason",
			},
			[]string{"model", "converged"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "grid_point_failures_total",
				Help:      "Grid points aborted by an error",
			},
			[]string{"model"},
		),
		iterations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "iterations",
				Help:      "Iterations needed per grid point",
				Buckets:   prometheus.LinearBuckets(1, 1, maxIterations),
			},
			[]string{"model"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "grid_point_duration_seconds",
				Help:      "Wall time per grid point",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"model"},
		),
		gcv: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_gcv",
				Help:      "GCV of the most recently finished grid point",
			},
			[]string{"model"},
		),
		bestGCV: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "best_gcv",
				Help:      "Smallest GCV of the last completed run",
			},
			[]string{"model", "lambda_s", "lambda_t"},
		),
	}

	for _, c := range []prometheus.Collector{r.points, r.failures, r.iterations, r.duration, r.gcv, r.bestGCV} {
		if err := r.registry.Register(c); err != nil {
			return nil, errors.Join(ErrRegistrationFailed, err)
		}
	}
	return r, nil
}

// Registry returns the registry holding the collectors.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObservePoint records a finished grid point.
func (r *Recorder) ObservePoint(model string, iterations int, converged bool, gcv float64, elapsed time.Duration) {
	r.points.WithLabelValues(model, strconv.FormatBool(converged)).Inc()
	r.iterations.WithLabelValues(model).Observe(float64(iterations))
	r.duration.WithLabelValues(model).Observe(elapsed.Seconds())
	if gcv != fpirls.NoGCV && !math.IsNaN(gcv) {
		r.gcv.WithLabelValues(model).Set(gcv)
	}
}

// ObserveFailure records an aborted grid point.
func (r *Recorder) ObserveFailure(model string) {
	r.failures.WithLabelValues(model).Inc()
}

// ObserveResult publishes the selected grid point of a completed run.
func (r *Recorder) ObserveResult(res *fpirls.Result) {
	best := res.Best()
	if best == nil || best.GCV == fpirls.NoGCV {
		return
	}
	r.bestGCV.Reset()
	r.bestGCV.WithLabelValues(res.Model,
		strconv.FormatFloat(best.LambdaS, 'g', -1, 64),
		strconv.FormatFloat(best.LambdaT, 'g', -1, 64),
	).Set(best.GCV)
}

// WriteTextfile writes the current state in the Prometheus text format, for
// collection by the node exporter textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}
