package train

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	ferrors "github.com/foresight/foresight/internal/errors"
)

const (
	AlgorithmLinear = "linear_regression"
	AlgorithmRidge  = "ridge_regression"
	AlgorithmForest = "random_forest"
)

// linearState is the serialized form of a fitted linear model.
// Coefficients are aligned with the artifact's feature names.
type linearState struct {
	Intercept    float64   `json:"intercept"`
	Coefficients []float64 `json:"coefficients"`
	Ridge        bool      `json:"ridge,omitempty"`
	Lambda       float64   `json:"lambda,omitempty"`
}

// LinearModel is a fitted ordinary or ridge least-squares model.
type LinearModel struct {
	state    linearState
	features []string
}

// Kind returns the algorithm identifier.
func (m *LinearModel) Kind() string {
	if m.state.Ridge {
		return AlgorithmRidge
	}
	return AlgorithmLinear
}

// Predict evaluates the linear model on one feature vector. The input
// must contain every trained feature.
func (m *LinearModel) Predict(features map[string]float64) (float64, error) {
	y := m.state.Intercept
	for i, name := range m.features {
		v, ok := features[name]
		if !ok {
			return 0, fmt.Errorf("missing feature %q", name)
		}
		y += m.state.Coefficients[i] * v
	}
	return y, nil
}

// State serializes the model parameters.
func (m *LinearModel) State() (json.RawMessage, error) {
	return json.Marshal(m.state)
}

// fitLinear fits y = b0 + b.x by regularized normal equations. lambda
// of zero gives ordinary least squares; the intercept is never
// penalized. Non-finite parameters mean the problem is degenerate and
// the fit is rejected.
func fitLinear(x [][]float64, y []float64, features []string, lambda float64) (*LinearModel, error) {
	n := len(x)
	p := len(features)
	if n == 0 || p == 0 {
		return nil, ferrors.NewTrainingError(ferrors.CodeInsufficientData,
			"empty design matrix", nil)
	}

	// Design matrix with a leading intercept column
	design := mat.NewDense(n, p+1, nil)
	for i := 0; i < n; i++ {
		design.Set(i, 0, 1)
		for j := 0; j < p; j++ {
			design.Set(i, j+1, x[i][j])
		}
	}
	yVec := mat.NewVecDense(n, y)

	var xtx mat.Dense
	xtx.Mul(design.T(), design)
	for j := 1; j <= p; j++ {
		xtx.Set(j, j, xtx.At(j, j)+lambda)
	}

	var xty mat.VecDense
	xty.MulVec(design.T(), yVec)

	var coef mat.VecDense
	if err := coef.SolveVec(&xtx, &xty); err != nil {
		return nil, ferrors.NewTrainingError(ferrors.CodeTrainingDiverged,
			"normal equations are singular", err)
	}

	state := linearState{
		Intercept:    coef.AtVec(0),
		Coefficients: make([]float64, p),
		Ridge:        lambda > 0,
		Lambda:       lambda,
	}
	if !isFinite(state.Intercept) {
		return nil, ferrors.NewTrainingError(ferrors.CodeTrainingDiverged,
			"fit produced non-finite intercept", nil)
	}
	for j := 0; j < p; j++ {
		c := coef.AtVec(j + 1)
		if !isFinite(c) {
			return nil, ferrors.NewTrainingError(ferrors.CodeTrainingDiverged,
				fmt.Sprintf("fit produced non-finite coefficient for %q", features[j]), nil)
		}
		state.Coefficients[j] = c
	}

	return &LinearModel{state: state, features: features}, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
