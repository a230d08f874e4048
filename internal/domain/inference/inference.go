// Package inference implements the Inference Engine (C8): per-country
// regression followed by temperature-scaled attention aggregation, with
// full contribution attribution.
package inference

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/oilsignal/oilsignal/internal/domain"
	"github.com/oilsignal/oilsignal/internal/domain/universe"
	"github.com/oilsignal/oilsignal/internal/errs"
	"github.com/oilsignal/oilsignal/internal/model"
	"github.com/oilsignal/oilsignal/internal/obs"
)

// Predict produces a PredictionReport for the latest date present in
// dataset, using bundle's regressors, scaler, and adjacency matrix. metrics
// may be nil, in which case latency and attention entropy are simply not
// recorded. fallbackTemperature is used when the bundle's own metadata
// doesn't specify one.
func Predict(dataset domain.ProcessedDataset, bundle *model.Bundle, u universe.Universe, metrics *obs.Registry, fallbackTemperature float64) (domain.PredictionReport, error) {
	start := time.Now()
	defer func() {
		if metrics != nil {
			metrics.InferenceLatency.Observe(time.Since(start).Seconds())
		}
	}()

	latestByCountry, latestDate, referenceClose := latestRowPerCountry(dataset)
	if len(latestByCountry) == 0 {
		return domain.PredictionReport{}, errs.New(errs.KindUpstreamUnavailable, "inference.Predict", fmt.Errorf("dataset has no rows"), nil)
	}

	if len(dataset.Meta.FeatureNames) != len(bundle.Metadata.FeatureNames) {
		return domain.PredictionReport{}, errs.New(errs.KindSchemaMismatch, "inference.Predict", fmt.Errorf("dataset has %d features, bundle declares %d", len(dataset.Meta.FeatureNames), len(bundle.Metadata.FeatureNames)), nil)
	}
	for i, n := range dataset.Meta.FeatureNames {
		if bundle.Metadata.FeatureNames[i] != n {
			return domain.PredictionReport{}, errs.New(errs.KindSchemaMismatch, "inference.Predict", fmt.Errorf("feature_names mismatch at position %d: dataset=%q bundle=%q", i, n, bundle.Metadata.FeatureNames[i]), nil)
		}
	}

	type countryState struct {
		country domain.CountryCode
		index   int // canonical universe index, for adjacency row lookup
		rawDelta float64
	}

	var present []countryState
	var skipped []domain.CountryCode
	for _, country := range u.Codes() {
		row, ok := latestByCountry[country]
		if !ok {
			skipped = append(skipped, country)
			continue
		}
		reg, ok := bundle.Regressors[country]
		if !ok {
			skipped = append(skipped, country)
			continue
		}
		x := row.Ordered(dataset.Meta.FeatureNames)
		scaled, err := bundle.Scaler.Apply(x)
		if err != nil {
			return domain.PredictionReport{}, errs.New(errs.KindInternalInvariant, "inference.Predict", err, map[string]any{"country": string(country)})
		}
		delta, err := reg.Predict(scaled)
		if err != nil {
			return domain.PredictionReport{}, errs.New(errs.KindInternalInvariant, "inference.Predict", err, map[string]any{"country": string(country)})
		}
		present = append(present, countryState{country: country, index: u.IndexOf(country), rawDelta: delta})
	}

	if len(present) == 0 {
		return domain.PredictionReport{}, errs.New(errs.KindUpstreamUnavailable, "inference.Predict", fmt.Errorf("no countries with both a feature row and a regressor"), nil)
	}

	temperature := bundle.Metadata.Temperature
	if temperature == 0 {
		temperature = fallbackTemperature
	}
	if temperature == 0 {
		temperature = 0.25
	}

	scores := make([]float64, len(present))
	maxScore := math.Inf(-1)
	for i, cs := range present {
		s := bundle.Adjacency.RowSum(cs.index) * math.Abs(cs.rawDelta)
		scores[i] = s
		if s > maxScore {
			maxScore = s
		}
	}

	expScores := make([]float64, len(present))
	var sumExp float64
	for i, s := range scores {
		e := math.Exp((s - maxScore) / temperature)
		expScores[i] = e
		sumExp += e
	}

	perCountry := make(map[domain.CountryCode]domain.PerCountryPrediction, len(present))
	var predictedDelta, totalAbsContribution float64
	var attentionSum, attentionEntropy float64
	contributions := make([]float64, len(present))
	for i, cs := range present {
		attention := expScores[i] / sumExp
		attentionSum += attention
		if attention > 0 {
			attentionEntropy -= attention * math.Log(attention)
		}
		contribution := cs.rawDelta * attention
		contributions[i] = contribution
		predictedDelta += contribution
		totalAbsContribution += math.Abs(contribution)
		perCountry[cs.country] = domain.PerCountryPrediction{
			RawDelta:        cs.rawDelta,
			AttentionWeight: attention,
			Contribution:    contribution,
		}
	}
	if metrics != nil {
		metrics.AttentionEntropy.Set(attentionEntropy)
	}

	for country, pc := range perCountry {
		pct := 0.0
		if totalAbsContribution > 0 {
			pct = math.Abs(pc.Contribution) / totalAbsContribution * 100
		}
		pc.Percentage = pct
		perCountry[country] = pc
	}

	if math.IsNaN(predictedDelta) || math.IsInf(predictedDelta, 0) {
		return domain.PredictionReport{}, errs.New(errs.KindInternalInvariant, "inference.Predict", fmt.Errorf("predicted_delta is non-finite after clamp"), nil)
	}
	if math.Abs(attentionSum-1) > 1e-6 {
		return domain.PredictionReport{}, errs.New(errs.KindInternalInvariant, "inference.Predict", fmt.Errorf("attention weights sum to %f, expected 1", attentionSum), nil)
	}

	sort.Slice(skipped, func(i, j int) bool { return skipped[i] < skipped[j] })

	return domain.PredictionReport{
		TargetDate:           latestDate,
		ReferenceClose:       referenceClose,
		PredictedDelta:       predictedDelta,
		PredictedClose:       referenceClose + predictedDelta,
		PerCountry:           perCountry,
		TotalAbsContribution: totalAbsContribution,
		ModelVersion:         bundle.Metadata.ModelVersion,
		SkippedCountries:     skipped,
		ColdStart:            dataset.Meta.ColdStart,
	}, nil
}

// latestRowPerCountry returns, for each country, its last (most recent
// date) FeatureRow in dataset, plus the overall latest date and the
// corresponding wti_price as the reference close.
func latestRowPerCountry(dataset domain.ProcessedDataset) (map[domain.CountryCode]domain.FeatureRow, domain.Date, float64) {
	latest := make(map[domain.CountryCode]domain.FeatureRow)
	var latestDate domain.Date
	var referenceClose float64
	first := true

	for _, row := range dataset.Rows {
		existing, ok := latest[row.Country]
		if !ok || existing.Date.Before(row.Date) {
			latest[row.Country] = row
		}
		if first || latestDate.Before(row.Date) {
			latestDate = row.Date
			referenceClose = row.Features["wti_price"]
			first = false
		}
	}
	return latest, latestDate, referenceClose
}
