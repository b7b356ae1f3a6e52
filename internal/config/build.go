package config

import (
	"fmt"
	"math"

	"github.com/n0madic/go-fpirls/family"
	"github.com/n0madic/go-fpirls/fpirls"
	"github.com/n0madic/go-fpirls/penreg"
	"gonum.org/v1/gonum/mat"
)

// Problem is a ready to run configuration.
type Problem struct {
	Driver  *fpirls.Driver
	Solver  *penreg.Solver
	Forcing *mat.VecDense
}

// Build assembles the reference solver and the driver. opts are applied
// after the options derived from the file, so callers can attach a logger or
// a recorder.
func (c *Config) Build(opts ...fpirls.Option) (*Problem, error) {
	solver, err := c.solver()
	if err != nil {
		return nil, err
	}

	data := fpirls.Data{
		Observations: c.Data.Observations,
		Covariates:   dense(c.Data.Covariates),
	}
	grid := fpirls.Grid{LambdaS: c.Grid.LambdaS, LambdaT: c.Grid.LambdaT}
	all := append(c.options(solver), opts...)

	var d *fpirls.Driver
	switch c.Model {
	case ModelStandard:
		d, err = fpirls.NewStandard(solver, data, grid, all...)
	case ModelGAM:
		fam, ferr := family.ByName(c.Family, c.Scale)
		if ferr != nil {
			return nil, ferr
		}
		mu0, merr := c.initialMean(fam)
		if merr != nil {
			return nil, merr
		}
		d, err = fpirls.NewGAM(solver, fam, data, grid, mu0, all...)
	case ModelMixed:
		grouping, gerr := fpirls.NewGrouping(c.RandomEffects.Groups)
		if gerr != nil {
			return nil, gerr
		}
		re := fpirls.RandomEffects{Design: dense(c.RandomEffects.Design), Grouping: grouping}
		d, err = fpirls.NewMixedEffects(solver, data, grid, re, all...)
	default:
		return nil, fmt.Errorf("%w: unknown model %q", ErrInvalidConfig, c.Model)
	}
	if err != nil {
		return nil, err
	}

	p := &Problem{Driver: d, Solver: solver}
	if c.Forcing != nil {
		p.Forcing = mat.NewVecDense(len(c.Forcing), append([]float64(nil), c.Forcing...))
	}
	return p, nil
}

func (c *Config) options(solver *penreg.Solver) []fpirls.Option {
	opts := []fpirls.Option{fpirls.WithEvaluator(solver)}
	if c.Threshold != nil {
		opts = append(opts, fpirls.WithThreshold(*c.Threshold))
	}
	if c.MaxIterations > 0 {
		opts = append(opts, fpirls.WithMaxIterations(c.MaxIterations))
	}
	if c.GCV != nil {
		opts = append(opts, fpirls.WithGCV(*c.GCV))
	}
	if c.Tune > 0 {
		opts = append(opts, fpirls.WithGCVInflation(c.Tune))
	}
	if c.Parallelism > 0 {
		opts = append(opts, fpirls.WithParallelism(c.Parallelism))
	}
	if c.Data.Weights != nil {
		opts = append(opts, fpirls.WithWeights(c.Data.Weights))
	}
	return opts
}

func (c *Config) solver() (*penreg.Solver, error) {
	nb := c.NumBasis()
	psi := dense(c.Basis)
	if psi == nil {
		psi = penreg.Identity(nb)
	}

	space := penalty(c.Penalty, nb)
	if space == nil {
		space = penreg.SecondDifference(nb)
	}
	var opts []penreg.Option
	if tp := penalty(c.TimePenalty, nb); tp != nil {
		opts = append(opts, penreg.WithTimePenalty(tp))
	}
	return penreg.New(psi, space, opts...)
}

// zeroCountMean replaces zero Poisson counts in the default initial mean.
const zeroCountMean = 0.1

// initialMean is the configured mean, or a default derived from each
// observation: (y+0.5)/2 for bernoulli, y for the others, with zero Poisson
// counts raised to zeroCountMean.
func (c *Config) initialMean(fam family.Family) ([]float64, error) {
	if c.Data.InitialMean != nil {
		return c.Data.InitialMean, nil
	}
	mu0 := make([]float64, len(c.Data.Observations))
	for i, y := range c.Data.Observations {
		switch fam.Name() {
		case "bernoulli":
			mu0[i] = (y + 0.5) / 2
		case "poisson":
			mu0[i] = math.Max(y, zeroCountMean)
		default:
			mu0[i] = y
		}
		if !fam.ValidMean(mu0[i]) {
			return nil, fmt.Errorf("%w: default initial mean %g at %d is outside the %s domain, set data.initial_mean",
				ErrInvalidConfig, mu0[i], i, fam.Name())
		}
	}
	return mu0, nil
}

func penalty(kind string, n int) *mat.SymDense {
	switch kind {
	case PenaltySecondDifference:
		return penreg.SecondDifference(n)
	case PenaltyIdentity:
		return penreg.Ridge(n)
	}
	return nil
}

func dense(rows [][]float64) *mat.Dense {
	if len(rows) == 0 {
		return nil
	}
	m := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, r := range rows {
		m.SetRow(i, r)
	}
	return m
}
