// Package config reads f-PIRLS problem files.
//
// A problem file is YAML:
//
//	model: gam                # standard | gam | mixed
//	family: poisson           # gam only
//	grid:
//	  lambda_s: [0.1, 1, 10]
//	  lambda_t: [0]
//	threshold: 2.0e-4
//	max_iterations: 15
//	penalty: second_difference
//	data:
//	  observations: [1, 0, 3, 2]
//
// Values are overridden by FPIRLS_* environment variables and then
// validated.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Model kinds.
const (
	ModelStandard = "standard"
	ModelGAM      = "gam"
	ModelMixed    = "mixed"
)

// Penalty kinds.
const (
	PenaltyNone             = "none"
	PenaltySecondDifference = "second_difference"
	PenaltyIdentity         = "identity"
)

// ErrInvalidConfig is returned when a problem file fails validation.
var ErrInvalidConfig = errors.New("invalid config")

var validate = validator.New()

// Config is one f-PIRLS problem.
type Config struct {
	Model  string  `yaml:"model" validate:"required,oneof=standard gam mixed"`
	Family string  `yaml:"family" validate:"omitempty,oneof=bernoulli binomial poisson exponential gamma"`
	Scale  float64 `yaml:"scale" validate:"gte=0"`

	Grid GridConfig `yaml:"grid"`

	// Zero values select the library defaults
	Threshold     *float64 `yaml:"threshold" validate:"omitempty,gte=0"`
	MaxIterations int      `yaml:"max_iterations" validate:"gte=0"`
	GCV           *bool    `yaml:"gcv"`
	Tune          float64  `yaml:"tune" validate:"gte=0"`
	Parallelism   int      `yaml:"parallelism" validate:"gte=0"`

	Penalty     string      `yaml:"penalty" validate:"omitempty,oneof=second_difference identity"`
	TimePenalty string      `yaml:"time_penalty" validate:"omitempty,oneof=none second_difference identity"`
	Basis       [][]float64 `yaml:"basis" validate:"omitempty,dive,min=1"`
	Forcing     []float64   `yaml:"forcing"`

	Data          DataConfig           `yaml:"data"`
	RandomEffects *RandomEffectsConfig `yaml:"random_effects"`
}

// GridConfig lists the smoothing strengths.
type GridConfig struct {
	LambdaS []float64 `yaml:"lambda_s" validate:"required,min=1,dive,gte=0"`
	LambdaT []float64 `yaml:"lambda_t" validate:"omitempty,dive,gte=0"`
}

// DataConfig holds the observations in global order.
type DataConfig struct {
	Observations []float64 `yaml:"observations" validate:"required,min=1"`
	// Covariates has one row per observation
	Covariates  [][]float64 `yaml:"covariates" validate:"omitempty,dive,min=1"`
	Weights     []float64   `yaml:"weights" validate:"omitempty,dive,gte=0"`
	InitialMean []float64   `yaml:"initial_mean"`
}

// RandomEffectsConfig describes the grouping and the random-effects design of
// a mixed model.
type RandomEffectsConfig struct {
	Groups []int       `yaml:"groups" validate:"required,min=1"`
	Design [][]float64 `yaml:"design" validate:"required,min=1,dive,min=1"`
}

// Load reads and validates the problem file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML problem.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Override from environment variables
	loadFromEnv(&c)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func loadFromEnv(c *Config) {
	if v := os.Getenv("FPIRLS_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Threshold = &f
		}
	}
	if v := os.Getenv("FPIRLS_MAX_ITERATIONS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.MaxIterations = i
		}
	}
	if v := os.Getenv("FPIRLS_PARALLELISM"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.Parallelism = i
		}
	}
}

// Validate checks the struct tags and the rules that span several fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	n := len(c.Data.Observations)
	switch c.Model {
	case ModelGAM:
		if c.Family == "" {
			return fmt.Errorf("%w: gam model needs a family", ErrInvalidConfig)
		}
	case ModelMixed:
		if c.RandomEffects == nil {
			return fmt.Errorf("%w: mixed model needs random_effects", ErrInvalidConfig)
		}
		if len(c.RandomEffects.Groups) != n || len(c.RandomEffects.Design) != n {
			return fmt.Errorf("%w: random_effects need one group and one design row per observation", ErrInvalidConfig)
		}
		if err := rectangular("random_effects.design", c.RandomEffects.Design); err != nil {
			return err
		}
		if c.Data.Weights != nil {
			return fmt.Errorf("%w: mixed model does not take data.weights", ErrInvalidConfig)
		}
	}

	if c.Data.Covariates != nil {
		if len(c.Data.Covariates) != n {
			return fmt.Errorf("%w: %d covariate rows for %d observations", ErrInvalidConfig, len(c.Data.Covariates), n)
		}
		if err := rectangular("data.covariates", c.Data.Covariates); err != nil {
			return err
		}
	}
	if c.Data.Weights != nil && len(c.Data.Weights) != n {
		return fmt.Errorf("%w: %d weights for %d observations", ErrInvalidConfig, len(c.Data.Weights), n)
	}
	if c.Data.InitialMean != nil && len(c.Data.InitialMean) != n {
		return fmt.Errorf("%w: %d initial means for %d observations", ErrInvalidConfig, len(c.Data.InitialMean), n)
	}
	if c.Basis != nil {
		if len(c.Basis) != n {
			return fmt.Errorf("%w: basis has %d rows for %d observations", ErrInvalidConfig, len(c.Basis), n)
		}
		if err := rectangular("basis", c.Basis); err != nil {
			return err
		}
	}
	if c.Forcing != nil && len(c.Forcing) != c.NumBasis() {
		return fmt.Errorf("%w: forcing has length %d for %d basis functions", ErrInvalidConfig, len(c.Forcing), c.NumBasis())
	}
	return nil
}

// NumBasis is the number of basis functions, one per observation unless an
// explicit basis is given.
func (c *Config) NumBasis() int {
	if c.Basis != nil {
		return len(c.Basis[0])
	}
	return len(c.Data.Observations)
}

func rectangular(name string, rows [][]float64) error {
	for i, r := range rows {
		if len(r) != len(rows[0]) {
			return fmt.Errorf("%w: %s row %d has %d columns, want %d", ErrInvalidConfig, name, i, len(r), len(rows[0]))
		}
	}
	return nil
}
