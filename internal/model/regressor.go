// Package model implements the Model Loader (C7): per-process-memoized
// loading of a named run_id's per-country regressors, feature scaler,
// adjacency matrix, and metadata.
package model

import "fmt"

// Regressor is the capability the core depends on: producing a scalar delta
// from a fixed-length feature vector. The trained artifact's internal
// representation is opaque to everything downstream of the loader.
type Regressor interface {
	Predict(features []float64) (float64, error)
	Kind() string
}

// LinearRegressor is a tagged variant backed by a dense weight vector plus
// intercept: predict(x) = intercept + w . x. This is the kind produced for
// every country in practice; other kinds are modeled for forward
// compatibility with the loader's tagged-variant dispatch.
type LinearRegressor struct {
	Weights   []float64
	Intercept float64
}

func (r *LinearRegressor) Kind() string { return "linear" }

func (r *LinearRegressor) Predict(features []float64) (float64, error) {
	if len(features) != len(r.Weights) {
		return 0, fmt.Errorf("linear regressor: expected %d features, got %d", len(r.Weights), len(features))
	}
	sum := r.Intercept
	for i, w := range r.Weights {
		sum += w * features[i]
	}
	return sum, nil
}

// TreeEnsembleRegressor is a tagged variant backed by an additive sum of
// shallow decision stumps, the shape a gradient-boosted regressor's leaves
// reduce to at inference time once splits are flattened.
type TreeEnsembleRegressor struct {
	Stumps []Stump
	Bias   float64
}

// Stump is one boosting round's decision: add LeftValue if the feature at
// FeatureIndex is below Threshold, else add RightValue.
type Stump struct {
	FeatureIndex int
	Threshold    float64
	LeftValue    float64
	RightValue   float64
}

func (r *TreeEnsembleRegressor) Kind() string { return "tree_ensemble" }

func (r *TreeEnsembleRegressor) Predict(features []float64) (float64, error) {
	sum := r.Bias
	for _, s := range r.Stumps {
		if s.FeatureIndex < 0 || s.FeatureIndex >= len(features) {
			return 0, fmt.Errorf("tree ensemble: feature index %d out of range (have %d)", s.FeatureIndex, len(features))
		}
		if features[s.FeatureIndex] < s.Threshold {
			sum += s.LeftValue
		} else {
			sum += s.RightValue
		}
	}
	return sum, nil
}
