package forecast

import (
	"fmt"
	"math"
	"time"
)

// DefaultAlphas is the regularization grid searched during training.
var DefaultAlphas = []float64{0.1, 1, 10, 100}

const defaultFolds = 3

// TrainOptions configures one horizon's fit.
type TrainOptions struct {
	Horizon         int
	PipelineVersion int
	Columns         []string
	// Alphas overrides DefaultAlphas.
	Alphas []float64
	// Folds overrides the default 3 cross-validation folds.
	Folds int
	// TrainedAt stamps the artifact; zero means time.Now.
	TrainedAt time.Time
}

// Result carries the fitted model and its out-of-fold predictions. OOF
// predictions are the honest ones: each was produced by a model that never
// saw its row, so metrics computed from them estimate live performance.
type Result struct {
	Model *Model
	// OOF[i] predicts y[OOFIndex[i]].
	OOF      []float64
	OOFIndex []int
}

// Train grid-searches alpha with expanding-window cross-validation, then
// refits on all rows with the winner. Fold splits respect time order: every
// validation row is strictly later than all of its training rows.
func Train(x [][]float64, y []float64, opts TrainOptions) (*Result, error) {
	if opts.Horizon < 1 {
		return nil, fmt.Errorf("forecast: horizon must be at least 1, got %d", opts.Horizon)
	}
	if len(x) != len(y) {
		return nil, fmt.Errorf("forecast: x has %d rows, y has %d", len(x), len(y))
	}
	folds := opts.Folds
	if folds <= 0 {
		folds = defaultFolds
	}
	alphas := opts.Alphas
	if len(alphas) == 0 {
		alphas = DefaultAlphas
	}
	splits := expandingFolds(len(x), folds)
	if len(splits) == 0 {
		return nil, fmt.Errorf("forecast: %d rows is too few for %d folds", len(x), folds)
	}

	bestAlpha := alphas[0]
	bestRMSE := math.Inf(1)
	var bestOOF []float64
	var bestIdx []int
	for _, alpha := range alphas {
		oof, idx, err := crossValidate(x, y, splits, alpha)
		if err != nil {
			return nil, err
		}
		actual := make([]float64, len(idx))
		for i, j := range idx {
			actual[i] = y[j]
		}
		rmse := Evaluate(oof, actual).RMSE
		if rmse < bestRMSE {
			bestRMSE, bestAlpha = rmse, alpha
			bestOOF, bestIdx = oof, idx
		}
	}

	weights, mean, std, yMean, err := fitRidge(x, y, bestAlpha)
	if err != nil {
		return nil, err
	}
	trainedAt := opts.TrainedAt
	if trainedAt.IsZero() {
		trainedAt = time.Now().UTC()
	}
	return &Result{
		Model: &Model{
			SchemaVersion:   ArtifactSchemaVersion,
			PipelineVersion: opts.PipelineVersion,
			Horizon:         opts.Horizon,
			Columns:         opts.Columns,
			Mean:            mean,
			Std:             std,
			Weights:         weights,
			Intercept:       yMean,
			Alpha:           bestAlpha,
			TrainedAt:       trainedAt,
		},
		OOF:      bestOOF,
		OOFIndex: bestIdx,
	}, nil
}

type foldSplit struct {
	trainEnd int // train on [0, trainEnd)
	valEnd   int // validate on [trainEnd, valEnd)
}

// expandingFolds cuts n rows into folds+1 consecutive segments: the first is
// always training-only, each later segment is one fold's validation set with
// everything before it as training.
func expandingFolds(n, folds int) []foldSplit {
	seg := n / (folds + 1)
	if seg < 1 {
		return nil
	}
	splits := make([]foldSplit, 0, folds)
	for k := 1; k <= folds; k++ {
		end := (k + 1) * seg
		if k == folds {
			end = n
		}
		splits = append(splits, foldSplit{trainEnd: k * seg, valEnd: end})
	}
	return splits
}

func crossValidate(x [][]float64, y []float64, splits []foldSplit, alpha float64) (oof []float64, idx []int, err error) {
	for _, s := range splits {
		weights, mean, std, yMean, err := fitRidge(x[:s.trainEnd], y[:s.trainEnd], alpha)
		if err != nil {
			return nil, nil, fmt.Errorf("forecast: cross-validation fold ending at %d: %w", s.valEnd, err)
		}
		m := Model{Mean: mean, Std: std, Weights: weights, Intercept: yMean}
		for i := s.trainEnd; i < s.valEnd; i++ {
			pred, err := m.Predict(x[i])
			if err != nil {
				return nil, nil, err
			}
			oof = append(oof, pred)
			idx = append(idx, i)
		}
	}
	return oof, idx, nil
}

// Metrics is the standard regression scorecard.
type Metrics struct {
	MAE  float64 `json:"mae"`
	RMSE float64 `json:"rmse"`
	MAPE float64 `json:"mape"`
	R2   float64 `json:"r2"`
}

// Evaluate computes metrics for predictions against actuals. MAPE skips
// near-zero actuals rather than exploding. Degenerate inputs yield NaNs.
func Evaluate(pred, actual []float64) Metrics {
	n := len(pred)
	if n == 0 || n != len(actual) {
		return Metrics{MAE: math.NaN(), RMSE: math.NaN(), MAPE: math.NaN(), R2: math.NaN()}
	}
	var sumAbs, sumSq, sumAPE, meanY float64
	apeCount := 0
	for i := range pred {
		d := pred[i] - actual[i]
		sumAbs += math.Abs(d)
		sumSq += d * d
		if math.Abs(actual[i]) > 1e-6 {
			sumAPE += math.Abs(d / actual[i])
			apeCount++
		}
		meanY += actual[i]
	}
	meanY /= float64(n)
	var ssTot float64
	for _, a := range actual {
		d := a - meanY
		ssTot += d * d
	}
	m := Metrics{
		MAE:  sumAbs / float64(n),
		RMSE: math.Sqrt(sumSq / float64(n)),
		MAPE: math.NaN(),
		R2:   math.NaN(),
	}
	if apeCount > 0 {
		m.MAPE = 100 * sumAPE / float64(apeCount)
	}
	if ssTot > 0 {
		m.R2 = 1 - sumSq/ssTot
	}
	return m
}
