// Package family implements the exponential-family distributions used by the
// GAM response model: link, inverse link, variance and unit deviance.
//
// The set of families is closed. Each value is stateless apart from the Gamma
// scale parameter and may be shared between goroutines.
package family

import (
	"fmt"
	"math"
	"strings"
)

// Family is the capability set consumed by the GAM driver.
type Family interface {
	// Name returns the lower case family name used in configuration files.
	Name() string
	// Link maps a mean to the linear predictor scale.
	Link(mu float64) float64
	// LinkDeriv is the derivative of Link. It is the per-observation scaling G.
	LinkDeriv(mu float64) float64
	// InvLink is the exact inverse of Link.
	InvLink(theta float64) float64
	// Variance is the variance function V(mu), positive on the valid domain.
	Variance(mu float64) float64
	// Deviance is the unit deviance of observation x at mean mu.
	Deviance(mu, x float64) float64
	// ValidMean reports whether mu lies in the domain of the functions above.
	ValidMean(mu float64) bool
	// ValidObservation reports whether x is a possible response value.
	ValidObservation(x float64) bool
}

// Scaled is implemented by families with a free dispersion parameter.
type Scaled interface {
	Family
	// Scale returns the fixed scale and true, or 0 and false when the scale
	// has to be estimated from the residuals.
	Scale() (float64, bool)
}

// ByName returns the family registered under name. The scale argument is only
// used by Gamma; a non-positive value requests estimation.
func ByName(name string, scale float64) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bernoulli", "binomial":
		return Bernoulli{}, nil
	case "poisson":
		return Poisson{}, nil
	case "exponential":
		return Exponential{}, nil
	case "gamma":
		return NewGamma(scale), nil
	default:
		return nil, fmt.Errorf("unknown family %q", name)
	}
}

// xlogy returns x*log(x/y) with the convention 0*log(0) = 0.
func xlogy(x, y float64) float64 {
	if x == 0 {
		return 0
	}
	return x * math.Log(x/y)
}

// Bernoulli is the binary response family with the logit link.
type Bernoulli struct{}

func (Bernoulli) Name() string { return "bernoulli" }

func (Bernoulli) Link(mu float64) float64 { return math.Log(mu / (1 - mu)) }

func (Bernoulli) LinkDeriv(mu float64) float64 { return 1 / (mu * (1 - mu)) }

func (Bernoulli) InvLink(theta float64) float64 { return 1 / (1 + math.Exp(-theta)) }

func (Bernoulli) Variance(mu float64) float64 { return mu * (1 - mu) }

// Deviance is the binomial unit deviance. For x in {0, 1} it reduces to
// -2*log(1-mu) and -2*log(mu).
func (Bernoulli) Deviance(mu, x float64) float64 {
	d := 2 * (xlogy(x, mu) + xlogy(1-x, 1-mu))
	return math.Max(d, 0)
}

func (Bernoulli) ValidMean(mu float64) bool { return mu > 0 && mu < 1 }

func (Bernoulli) ValidObservation(x float64) bool { return x >= 0 && x <= 1 }

// Poisson is the count family with the log link.
type Poisson struct{}

func (Poisson) Name() string { return "poisson" }

func (Poisson) Link(mu float64) float64 { return math.Log(mu) }

func (Poisson) LinkDeriv(mu float64) float64 { return 1 / mu }

func (Poisson) InvLink(theta float64) float64 { return math.Exp(theta) }

func (Poisson) Variance(mu float64) float64 { return mu }

func (Poisson) Deviance(mu, x float64) float64 {
	d := 2 * (xlogy(x, mu) - (x - mu))
	return math.Max(d, 0)
}

func (Poisson) ValidMean(mu float64) bool { return mu > 0 && !math.IsInf(mu, 1) }

func (Poisson) ValidObservation(x float64) bool { return x >= 0 }

// reciprocal holds the functions shared by Exponential and Gamma.
type reciprocal struct{}

func (reciprocal) Link(mu float64) float64 { return -1 / mu }

func (reciprocal) LinkDeriv(mu float64) float64 { return 1 / (mu * mu) }

func (reciprocal) InvLink(theta float64) float64 { return -1 / theta }

func (reciprocal) Variance(mu float64) float64 { return mu * mu }

func (reciprocal) Deviance(mu, x float64) float64 {
	d := 2 * ((x-mu)/mu - math.Log(x/mu))
	return math.Max(d, 0)
}

func (reciprocal) ValidMean(mu float64) bool { return mu > 0 && !math.IsInf(mu, 1) }

func (reciprocal) ValidObservation(x float64) bool { return x > 0 }

// Exponential is the exponential family with the canonical reciprocal link.
type Exponential struct{ reciprocal }

func (Exponential) Name() string { return "exponential" }

// Gamma is the gamma family with the canonical reciprocal link and a scale
// parameter.
type Gamma struct {
	reciprocal
	scale float64
}

// NewGamma returns a Gamma family. A positive scale is held fixed, anything
// else is estimated by the driver.
func NewGamma(scale float64) Gamma {
	if scale <= 0 || math.IsNaN(scale) {
		scale = 0
	}
	return Gamma{scale: scale}
}

func (Gamma) Name() string { return "gamma" }

func (g Gamma) Scale() (float64, bool) {
	return g.scale, g.scale > 0
}
