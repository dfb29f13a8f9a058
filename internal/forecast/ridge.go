// Package forecast fits and serves the per-horizon temperature models: ridge
// regression over the engineered feature matrix, alpha picked by time-series
// cross-validation, artifacts persisted as versioned gob files.
package forecast

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// fitRidge solves the ridge normal equations on standardized features:
// (XsᵀXs + αI)w = Xsᵀ(y − ȳ). The returned weights live in standardized
// space; mean, std and the target mean travel with them so prediction can
// reproduce the scaling.
func fitRidge(x [][]float64, y []float64, alpha float64) (weights, mean, std []float64, yMean float64, err error) {
	n := len(x)
	if n == 0 || n != len(y) {
		return nil, nil, nil, 0, fmt.Errorf("forecast: need matching non-empty x and y, got %d and %d rows", n, len(y))
	}
	p := len(x[0])
	if p == 0 {
		return nil, nil, nil, 0, fmt.Errorf("forecast: empty feature rows")
	}

	mean, std = standardize(x)
	for _, yi := range y {
		yMean += yi
	}
	yMean /= float64(n)

	xs := mat.NewDense(n, p, nil)
	for i, row := range x {
		for j, v := range row {
			xs.Set(i, j, (v-mean[j])/std[j])
		}
	}
	yc := mat.NewVecDense(n, nil)
	for i, yi := range y {
		yc.SetVec(i, yi-yMean)
	}

	var gram mat.Dense
	gram.Mul(xs.T(), xs)
	for j := 0; j < p; j++ {
		gram.Set(j, j, gram.At(j, j)+alpha)
	}
	var rhs mat.VecDense
	rhs.MulVec(xs.T(), yc)

	sym := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			sym.SetSym(i, j, gram.At(i, j))
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(sym) {
		return nil, nil, nil, 0, fmt.Errorf("forecast: ridge system not positive definite (alpha %.4g)", alpha)
	}
	var w mat.VecDense
	if err := chol.SolveVecTo(&w, &rhs); err != nil {
		return nil, nil, nil, 0, fmt.Errorf("forecast: solve ridge system: %w", err)
	}

	weights = make([]float64, p)
	for j := range weights {
		weights[j] = w.AtVec(j)
	}
	return weights, mean, std, yMean, nil
}

// standardize computes per-column mean and standard deviation. Constant
// columns get std 1 so they scale to zero instead of dividing by zero.
func standardize(x [][]float64) (mean, std []float64) {
	n, p := len(x), len(x[0])
	mean = make([]float64, p)
	std = make([]float64, p)
	for _, row := range x {
		for j, v := range row {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= float64(n)
	}
	for _, row := range x {
		for j, v := range row {
			d := v - mean[j]
			std[j] += d * d
		}
	}
	for j := range std {
		std[j] = math.Sqrt(std[j] / float64(n))
		if std[j] < 1e-12 {
			std[j] = 1
		}
	}
	return mean, std
}
