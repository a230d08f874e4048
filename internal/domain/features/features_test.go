package features

import (
	"math"
	"testing"
	"time"

	"github.com/oilsignal/oilsignal/internal/domain"
)

func mkDate(y int, m time.Month, d int) domain.Date {
	return domain.Date{Year: y, Month: m, Day: d}
}

// TestRSISaturation covers spec scenario S4: 14 consecutive positive daily
// deltas on WTI. RSI must read exactly 100 once the seed window closes.
func TestRSISaturation(t *testing.T) {
	var rows []domain.AlignedRow
	price := 50.0
	for i := 0; i < 16; i++ {
		rows = append(rows, domain.AlignedRow{
			Country:  "USA",
			Date:     mkDate(2025, 3, 1).AddDays(i),
			WTIPrice: price,
		})
		price += 1.0
	}
	result := Engineer(rows)
	// RSI seeds at index == rsiPeriod (14), i.e. the 15th row (0-indexed 14).
	target := result.Rows[14]
	if rsi := target.Features["wti_rsi"]; rsi != 100 {
		t.Fatalf("expected wti_rsi 100, got %f", rsi)
	}
}

func TestNoNaNsInOutput(t *testing.T) {
	var rows []domain.AlignedRow
	for i := 0; i < 5; i++ {
		rows = append(rows, domain.AlignedRow{
			Country:  "USA",
			Date:     mkDate(2025, 3, 1).AddDays(i),
			WTIPrice: 80 + float64(i),
			AvgTone:  1.5,
		})
	}
	result := Engineer(rows)
	for _, row := range result.Rows {
		for name, v := range row.Features {
			if math.IsNaN(v) {
				t.Fatalf("feature %q is NaN in row %s/%s", name, row.Country, row.Date)
			}
		}
	}
}

func TestFeatureNamesMatchEngineeredKeys(t *testing.T) {
	rows := []domain.AlignedRow{
		{Country: "USA", Date: mkDate(2025, 3, 1), WTIPrice: 80, BrentPrice: 85},
	}
	result := Engineer(rows)
	names := FeatureNames()
	if len(names) != len(result.FeatureNames) {
		t.Fatalf("FeatureNames length mismatch: %d vs %d", len(names), len(result.FeatureNames))
	}
	row := result.Rows[0]
	for _, n := range names {
		if _, ok := row.Features[n]; !ok {
			t.Fatalf("feature %q from FeatureNames missing from engineered row", n)
		}
	}
}

func TestColdStartFlagBelowThirtyRows(t *testing.T) {
	rows := []domain.AlignedRow{
		{Country: "USA", Date: mkDate(2025, 3, 1), WTIPrice: 80},
	}
	result := Engineer(rows)
	if !result.ColdStart {
		t.Fatal("expected cold-start flag for a country with < 30 rows")
	}
}

func TestMomentumIsDifferenceOfMovingAverages(t *testing.T) {
	var rows []domain.AlignedRow
	for i := 0; i < 25; i++ {
		rows = append(rows, domain.AlignedRow{
			Country:  "USA",
			Date:     mkDate(2025, 1, 1).AddDays(i),
			WTIPrice: 100 + float64(i)*0.5,
		})
	}
	result := Engineer(rows)
	last := result.Rows[len(result.Rows)-1]
	ma5 := last.Features["wti_return_ma5"]
	ma20 := last.Features["wti_return_ma20"]
	mom := last.Features["wti_momentum_5_20"]
	if math.Abs(mom-(ma5-ma20)) > 1e-9 {
		t.Fatalf("expected momentum = ma5-ma20, got %f vs %f", mom, ma5-ma20)
	}
}
