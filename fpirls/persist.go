package fpirls

import (
	"encoding/gob"
	"errors"
	"io"

	"gonum.org/v1/gonum/mat"
)

// ResultState represents the serializable state of a Result
type ResultState struct {
	Version int          `gob:"version"`
	Model   string       `gob:"model"`
	LambdaS []float64    `gob:"lambda_s"`
	LambdaT []float64    `gob:"lambda_t"`
	Points  []PointState `gob:"points"`
}

// PointState is the flattened form of a PointResult
type PointState struct {
	S, T       int
	LambdaS    float64
	LambdaT    float64
	Iterations int
	Converged  bool
	Parametric float64
	Penalty    float64
	GCV        float64
	DOF        float64

	Coefficients []float64
	Fitted       []float64
	Beta         []float64

	FunctionEstimate []float64
	BetaEstimate     []float64
	Mean             []float64
	VarianceEstimate float64

	SigmaSq float64
	SigmaB  []float64
	BHat    [][]float64
}

func rawVec(v *mat.VecDense) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}

func vecOf(data []float64) *mat.VecDense {
	if data == nil {
		return nil
	}
	return mat.NewVecDense(len(data), append([]float64(nil), data...))
}

// Save serializes the result to gob format
func (r *Result) Save(w io.Writer) error {
	state := ResultState{
		Version: 1,
		Model:   r.Model,
		LambdaS: r.Grid.LambdaS,
		LambdaT: r.Grid.LambdaT,
		Points:  make([]PointState, len(r.Points)),
	}

	for i := range r.Points {
		p := &r.Points[i]
		ps := PointState{
			S:                p.Point.S,
			T:                p.Point.T,
			LambdaS:          p.LambdaS,
			LambdaT:          p.LambdaT,
			Iterations:       p.Iterations,
			Converged:        p.Converged,
			Parametric:       p.J.Parametric,
			Penalty:          p.J.Penalty,
			GCV:              p.GCV,
			FunctionEstimate: rawVec(p.FunctionEstimate),
			BetaEstimate:     rawVec(p.BetaEstimate),
			Mean:             rawVec(p.Mean),
			VarianceEstimate: p.VarianceEstimate,
			SigmaSq:          p.SigmaSq,
		}
		if p.Solution != nil {
			ps.DOF = p.Solution.DOF
			ps.Coefficients = rawVec(p.Solution.Coefficients)
			ps.Fitted = rawVec(p.Solution.Fitted)
			ps.Beta = rawVec(p.Solution.Beta)
		}
		if p.SigmaB != nil {
			n := p.SigmaB.SymmetricDim()
			ps.SigmaB = make([]float64, n)
			for l := 0; l < n; l++ {
				ps.SigmaB[l] = p.SigmaB.At(l, l)
			}
		}
		for _, b := range p.BHat {
			ps.BHat = append(ps.BHat, rawVec(b))
		}
		state.Points[i] = ps
	}

	encoder := gob.NewEncoder(w)
	return encoder.Encode(state)
}

// LoadResult deserializes a result saved with Save
func LoadResult(r io.Reader) (*Result, error) {
	decoder := gob.NewDecoder(r)

	var state ResultState
	if err := decoder.Decode(&state); err != nil {
		return nil, err
	}

	if state.Version != 1 {
		return nil, errors.New("unsupported result version")
	}

	grid := Grid{LambdaS: state.LambdaS, LambdaT: state.LambdaT}
	if len(state.Points) != grid.Len() {
		return nil, errors.New("result points do not match grid size")
	}

	res := &Result{Model: state.Model, Grid: grid, Points: make([]PointResult, len(state.Points))}
	for i, ps := range state.Points {
		p := GridPoint{S: ps.S, T: ps.T}
		if grid.Index(p) != i {
			return nil, errors.New("result points out of grid order")
		}
		pr := PointResult{
			Point:      p,
			LambdaS:    ps.LambdaS,
			LambdaT:    ps.LambdaT,
			Iterations: ps.Iterations,
			Converged:  ps.Converged,
			J:          Functional{Parametric: ps.Parametric, Penalty: ps.Penalty},
			GCV:        ps.GCV,
			Solution: &Solution{
				Coefficients: vecOf(ps.Coefficients),
				Fitted:       vecOf(ps.Fitted),
				Beta:         vecOf(ps.Beta),
				DOF:          ps.DOF,
			},
			FunctionEstimate: vecOf(ps.FunctionEstimate),
			BetaEstimate:     vecOf(ps.BetaEstimate),
			Mean:             vecOf(ps.Mean),
			VarianceEstimate: ps.VarianceEstimate,
			SigmaSq:          ps.SigmaSq,
		}
		if len(ps.SigmaB) > 0 {
			pr.SigmaB = mat.NewDiagDense(len(ps.SigmaB), append([]float64(nil), ps.SigmaB...))
		}
		for _, b := range ps.BHat {
			pr.BHat = append(pr.BHat, vecOf(b))
		}
		res.Points[i] = pr
	}

	return res, nil
}
