// Tonearc - Adaptive Track Preference Model Pipeline
// Copyright 2026 Tonearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearc/tonearc

// Package trainer produces model artifacts from accumulated feedback.
//
// The baseline trainer fits a ridge regression from track features to
// user ratings and evaluates it with k-fold cross validation so the
// reported metrics reflect held-out data, not training fit.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"math"

	json "github.com/goccy/go-json"

	"github.com/tonearc/tonearc/internal/registry"
)

var (
	// ErrEmptyDataset indicates there are no samples to train on.
	ErrEmptyDataset = errors.New("trainer: empty dataset")

	// ErrRaggedDataset indicates inconsistent feature dimensions.
	ErrRaggedDataset = errors.New("trainer: inconsistent feature dimensions")
)

// Dataset is the training input assembled from collected feedback.
type Dataset struct {
	// Features holds one feature vector per sample.
	Features [][]float64

	// Targets holds the rating for each sample, same length as Features.
	Targets []float64
}

// Len returns the number of samples.
func (d Dataset) Len() int { return len(d.Features) }

// validate checks shape consistency and returns the feature dimension.
func (d Dataset) validate() (int, error) {
	if d.Len() == 0 {
		return 0, ErrEmptyDataset
	}
	if len(d.Targets) != d.Len() {
		return 0, fmt.Errorf("%w: %d feature rows, %d targets", ErrRaggedDataset, d.Len(), len(d.Targets))
	}
	dim := len(d.Features[0])
	if dim == 0 {
		return 0, fmt.Errorf("%w: zero-width feature vectors", ErrRaggedDataset)
	}
	for i, row := range d.Features {
		if len(row) != dim {
			return 0, fmt.Errorf("%w: row %d has %d features, want %d", ErrRaggedDataset, i, len(row), dim)
		}
	}
	return dim, nil
}

// Result is a trained artifact plus its held-out evaluation.
type Result struct {
	Artifact        []byte
	Metrics         registry.Metrics
	SampleCount     int
	FeatureDim      int
	Hyperparameters map[string]float64
}

// Trainer fits a model from a dataset.
type Trainer interface {
	// Train fits the model and evaluates it. Implementations must
	// respect ctx cancellation between folds.
	Train(ctx context.Context, ds Dataset) (Result, error)

	// ModelType names the artifact family this trainer produces.
	ModelType() string
}

// RidgeConfig tunes the baseline trainer.
type RidgeConfig struct {
	// Lambda is the L2 regularization strength.
	Lambda float64

	// Folds is the number of cross-validation folds. Folds are capped
	// at the sample count for tiny datasets.
	Folds int
}

// Ridge is the baseline preference model: linear regression with L2
// regularization and an intercept term.
type Ridge struct {
	cfg RidgeConfig
}

// NewRidge creates the baseline trainer.
func NewRidge(cfg RidgeConfig) *Ridge {
	if cfg.Lambda <= 0 {
		cfg.Lambda = 1.0
	}
	if cfg.Folds < 2 {
		cfg.Folds = 5
	}
	return &Ridge{cfg: cfg}
}

// ModelType implements Trainer.
func (r *Ridge) ModelType() string { return "preference-ridge" }

// ridgeModel is the serialized artifact. Weights[0] is the intercept.
type ridgeModel struct {
	Weights []float64 `json:"weights"`
	Lambda  float64   `json:"lambda"`
}

// Train implements Trainer. The final artifact is fit on the full
// dataset; metrics come from k-fold held-out predictions.
func (r *Ridge) Train(ctx context.Context, ds Dataset) (Result, error) {
	dim, err := ds.validate()
	if err != nil {
		return Result{}, err
	}

	n := ds.Len()
	folds := r.cfg.Folds
	if folds > n {
		folds = n
	}

	// Held-out predictions, one per sample, gathered across folds.
	preds := make([]float64, n)
	if folds >= 2 {
		for f := 0; f < folds; f++ {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			trainDS, holdIdx := splitFold(ds, folds, f)
			w, err := fitRidge(trainDS, r.cfg.Lambda)
			if err != nil {
				return Result{}, err
			}
			for _, i := range holdIdx {
				preds[i] = predict(w, ds.Features[i])
			}
		}
	}

	w, err := fitRidge(ds, r.cfg.Lambda)
	if err != nil {
		return Result{}, err
	}
	if folds < 2 {
		// Too few samples to hold anything out; report training fit.
		for i := range preds {
			preds[i] = predict(w, ds.Features[i])
		}
	}

	artifact, err := json.Marshal(ridgeModel{Weights: w, Lambda: r.cfg.Lambda})
	if err != nil {
		return Result{}, fmt.Errorf("encoding artifact: %w", err)
	}

	return Result{
		Artifact:    artifact,
		Metrics:     evaluate(preds, ds.Targets),
		SampleCount: n,
		FeatureDim:  dim,
		Hyperparameters: map[string]float64{
			"lambda": r.cfg.Lambda,
			"folds":  float64(folds),
		},
	}, nil
}

// LoadRidge decodes a serialized ridge artifact into a predictor.
func LoadRidge(artifact []byte) (func(features []float64) float64, error) {
	var m ridgeModel
	if err := json.Unmarshal(artifact, &m); err != nil {
		return nil, fmt.Errorf("decoding artifact: %w", err)
	}
	if len(m.Weights) == 0 {
		return nil, errors.New("trainer: artifact has no weights")
	}
	w := m.Weights
	return func(features []float64) float64 {
		return predict(w, features)
	}, nil
}

// splitFold returns the training subset for fold f and the held-out
// sample indices. Samples are assigned to folds round-robin so class
// balance does not depend on insertion order.
func splitFold(ds Dataset, folds, f int) (Dataset, []int) {
	var train Dataset
	var hold []int
	for i := 0; i < ds.Len(); i++ {
		if i%folds == f {
			hold = append(hold, i)
			continue
		}
		train.Features = append(train.Features, ds.Features[i])
		train.Targets = append(train.Targets, ds.Targets[i])
	}
	return train, hold
}

// fitRidge solves (X'X + lambda*I) w = X'y with an intercept column.
// The intercept is not regularized.
func fitRidge(ds Dataset, lambda float64) ([]float64, error) {
	n := ds.Len()
	if n == 0 {
		return nil, ErrEmptyDataset
	}
	d := len(ds.Features[0]) + 1 // leading intercept column

	// Normal equations.
	a := make([][]float64, d)
	for i := range a {
		a[i] = make([]float64, d+1) // augmented with X'y
	}
	for s := 0; s < n; s++ {
		row := make([]float64, d)
		row[0] = 1.0
		copy(row[1:], ds.Features[s])
		for i := 0; i < d; i++ {
			for j := 0; j < d; j++ {
				a[i][j] += row[i] * row[j]
			}
			a[i][d] += row[i] * ds.Targets[s]
		}
	}
	for i := 1; i < d; i++ {
		a[i][i] += lambda
	}

	return solve(a)
}

// solve runs Gaussian elimination with partial pivoting on the
// augmented system.
func solve(a [][]float64) ([]float64, error) {
	d := len(a)
	for col := 0; col < d; col++ {
		pivot := col
		for r := col + 1; r < d; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return nil, errors.New("trainer: singular system, increase lambda")
		}
		a[col], a[pivot] = a[pivot], a[col]
		for r := col + 1; r < d; r++ {
			factor := a[r][col] / a[col][col]
			for c := col; c <= d; c++ {
				a[r][c] -= factor * a[col][c]
			}
		}
	}

	w := make([]float64, d)
	for i := d - 1; i >= 0; i-- {
		sum := a[i][d]
		for j := i + 1; j < d; j++ {
			sum -= a[i][j] * w[j]
		}
		w[i] = sum / a[i][i]
	}
	return w, nil
}

func predict(w []float64, features []float64) float64 {
	out := w[0]
	for i, f := range features {
		if i+1 >= len(w) {
			break
		}
		out += w[i+1] * f
	}
	return out
}

// evaluate computes mse, mae and r2 from predictions against targets.
func evaluate(preds, targets []float64) registry.Metrics {
	n := float64(len(targets))
	var sse, sae, mean float64
	for _, y := range targets {
		mean += y
	}
	mean /= n
	var sst float64
	for i, y := range targets {
		diff := preds[i] - y
		sse += diff * diff
		sae += math.Abs(diff)
		dev := y - mean
		sst += dev * dev
	}

	r2 := 0.0
	if sst > 0 {
		r2 = 1.0 - sse/sst
	}
	return registry.Metrics{
		MSE: sse / n,
		MAE: sae / n,
		R2:  r2,
	}
}
