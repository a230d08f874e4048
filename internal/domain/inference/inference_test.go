package inference

import (
	"math"
	"testing"
	"time"

	"github.com/oilsignal/oilsignal/internal/domain"
	"github.com/oilsignal/oilsignal/internal/domain/universe"
	"github.com/oilsignal/oilsignal/internal/errs"
	"github.com/oilsignal/oilsignal/internal/model"
)

func featureRow(country domain.CountryCode, date domain.Date, wtiPrice float64) domain.FeatureRow {
	return domain.FeatureRow{
		Country: country,
		Date:    date,
		Features: map[string]float64{
			"wti_price": wtiPrice,
			"signal":    1.0,
		},
	}
}

func baseBundle(regressors map[domain.CountryCode]model.Regressor, adjacency [][]float64) *model.Bundle {
	return &model.Bundle{
		Regressors: regressors,
		Scaler:     model.Scaler{Mean: []float64{0, 0}, Scale: []float64{1, 1}},
		Adjacency:  model.Adjacency{Matrix: adjacency},
		Metadata: model.Metadata{
			FeatureNames: []string{"wti_price", "signal"},
			ModelVersion: "test-v1",
			Temperature:  1.0,
		},
	}
}

// TestAttentionDegenerateSignal covers spec scenario S5: two countries with
// equal adjacency row sums and raw deltas of +0.5 / -0.5.
func TestAttentionDegenerateSignal(t *testing.T) {
	u := universe.New([]domain.CountryCode{"USA", "CAN"})
	date := domain.Date{Year: 2025, Month: time.March, Day: 10}
	dataset := domain.ProcessedDataset{
		Meta: domain.DatasetMeta{FeatureNames: []string{"wti_price", "signal"}},
		Rows: []domain.FeatureRow{
			featureRow("USA", date, 80.0),
			featureRow("CAN", date, 80.0),
		},
	}
	bundle := baseBundle(map[domain.CountryCode]model.Regressor{
		"USA": &model.LinearRegressor{Weights: []float64{0, 0.5}, Intercept: 0},
		"CAN": &model.LinearRegressor{Weights: []float64{0, -0.5}, Intercept: 0},
	}, [][]float64{{0, 1}, {1, 0}})

	report, err := Predict(dataset, bundle, u, nil, 0.25)
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}
	if math.Abs(report.PredictedDelta) > 1e-9 {
		t.Fatalf("expected predicted_delta ~0, got %f", report.PredictedDelta)
	}
	if math.Abs(report.TotalAbsContribution-0.5) > 1e-9 {
		t.Fatalf("expected total_abs_contribution 0.5, got %f", report.TotalAbsContribution)
	}
	for c, pc := range report.PerCountry {
		if math.Abs(pc.AttentionWeight-0.5) > 1e-9 {
			t.Fatalf("expected attention 0.5 for %s, got %f", c, pc.AttentionWeight)
		}
		if math.Abs(pc.Percentage-50) > 1e-6 {
			t.Fatalf("expected percentage 50 for %s, got %f", c, pc.Percentage)
		}
	}
}

// TestSchemaMismatchRefusesInference covers spec scenario S6.
func TestSchemaMismatchRefusesInference(t *testing.T) {
	u := universe.New([]domain.CountryCode{"USA"})
	date := domain.Date{Year: 2025, Month: time.March, Day: 10}
	dataset := domain.ProcessedDataset{
		Meta: domain.DatasetMeta{FeatureNames: []string{"wti_price", "signal", "extra"}},
		Rows: []domain.FeatureRow{featureRow("USA", date, 80.0)},
	}
	bundle := baseBundle(map[domain.CountryCode]model.Regressor{
		"USA": &model.LinearRegressor{Weights: []float64{0, 0.5}, Intercept: 0},
	}, [][]float64{{0}})

	_, err := Predict(dataset, bundle, u, nil, 0.25)
	if err == nil {
		t.Fatal("expected schema mismatch error")
	}
	if kind, ok := errs.KindOf(err); !ok || kind != errs.KindSchemaMismatch {
		t.Fatalf("expected KindSchemaMismatch, got %v (ok=%v)", kind, ok)
	}
}

func TestAttentionWeightsSumToOne(t *testing.T) {
	u := universe.New([]domain.CountryCode{"USA", "CAN", "ARE"})
	date := domain.Date{Year: 2025, Month: time.March, Day: 10}
	dataset := domain.ProcessedDataset{
		Meta: domain.DatasetMeta{FeatureNames: []string{"wti_price", "signal"}},
		Rows: []domain.FeatureRow{
			featureRow("USA", date, 80.0),
			featureRow("CAN", date, 80.0),
			featureRow("ARE", date, 80.0),
		},
	}
	bundle := baseBundle(map[domain.CountryCode]model.Regressor{
		"USA": &model.LinearRegressor{Weights: []float64{0, 0.3}, Intercept: 0},
		"CAN": &model.LinearRegressor{Weights: []float64{0, -0.2}, Intercept: 0},
		"ARE": &model.LinearRegressor{Weights: []float64{0, 0.1}, Intercept: 0},
	}, [][]float64{{0, 1, 2}, {1, 0, 1}, {2, 1, 0}})

	report, err := Predict(dataset, bundle, u, nil, 0.25)
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}
	var sumAttn, sumContrib float64
	for _, pc := range report.PerCountry {
		sumAttn += pc.AttentionWeight
		sumContrib += pc.Contribution
	}
	if math.Abs(sumAttn-1) > 1e-9 {
		t.Fatalf("expected attention weights to sum to 1, got %f", sumAttn)
	}
	if math.Abs(sumContrib-report.PredictedDelta) > 1e-9 {
		t.Fatalf("expected sum of contributions to equal predicted_delta, got %f vs %f", sumContrib, report.PredictedDelta)
	}
}

func TestSkipsCountriesMissingRegressor(t *testing.T) {
	u := universe.New([]domain.CountryCode{"USA", "CAN"})
	date := domain.Date{Year: 2025, Month: time.March, Day: 10}
	dataset := domain.ProcessedDataset{
		Meta: domain.DatasetMeta{FeatureNames: []string{"wti_price", "signal"}},
		Rows: []domain.FeatureRow{
			featureRow("USA", date, 80.0),
			featureRow("CAN", date, 80.0),
		},
	}
	bundle := baseBundle(map[domain.CountryCode]model.Regressor{
		"USA": &model.LinearRegressor{Weights: []float64{0, 0.3}, Intercept: 0},
	}, [][]float64{{0, 1}, {1, 0}})

	report, err := Predict(dataset, bundle, u, nil, 0.25)
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}
	if len(report.SkippedCountries) != 1 || report.SkippedCountries[0] != "CAN" {
		t.Fatalf("expected CAN skipped, got %v", report.SkippedCountries)
	}
}
