package align

import (
	"testing"
	"time"

	"github.com/oilsignal/oilsignal/internal/domain"
	"github.com/oilsignal/oilsignal/internal/domain/universe"
)

func date(y int, m time.Month, day int) domain.Date {
	return domain.Date{Year: y, Month: m, Day: day}
}

// TestAlignEmptyNewsDay covers spec scenario S1: no events for USA on
// 2025-03-10, with a WTI close carried from the Friday before.
func TestAlignEmptyNewsDay(t *testing.T) {
	u := universe.New([]domain.CountryCode{"USA"})
	start := date(2025, 3, 7)
	end := date(2025, 3, 10)

	in := Input{
		Events: map[domain.Date][]domain.AggregatedEvent{},
		Prices: []domain.PricePoint{
			{Date: date(2025, 3, 7), WTIClose: 79.50},
			{Date: date(2025, 3, 10), WTIClose: 80.00},
		},
	}
	rows, dropped := Align(in, u, start, end)
	if len(dropped) != 0 {
		t.Fatalf("expected no dropped dates, got %v", dropped)
	}

	var target *domain.AlignedRow
	for i := range rows {
		if rows[i].Date == end {
			target = &rows[i]
		}
	}
	if target == nil {
		t.Fatal("expected a row for 2025-03-10")
	}
	if target.EventCount != 0 || target.AvgTone != 0 || target.ToneStd != 0 {
		t.Fatalf("expected zero-filled event fields, got %+v", target)
	}
	if target.WTIPrice != 80.00 {
		t.Fatalf("expected wti_price 80.00, got %f", target.WTIPrice)
	}
}

// TestAlignWeekendForwardFill covers spec scenario S2.
func TestAlignWeekendForwardFill(t *testing.T) {
	u := universe.New([]domain.CountryCode{"USA"})
	start := date(2025, 3, 7)
	end := date(2025, 3, 10)

	in := Input{
		Events: map[domain.Date][]domain.AggregatedEvent{},
		Prices: []domain.PricePoint{
			{Date: date(2025, 3, 7), WTIClose: 79.50},
			{Date: date(2025, 3, 10), WTIClose: 80.00},
		},
	}
	rows, _ := Align(in, u, start, end)

	var saturday *domain.AlignedRow
	for i := range rows {
		if rows[i].Date == date(2025, 3, 8) {
			saturday = &rows[i]
		}
	}
	if saturday == nil {
		t.Fatal("expected a row for Saturday 2025-03-08")
	}
	if saturday.WTIPrice != 79.50 {
		t.Fatalf("expected forward-filled wti_price 79.50, got %f", saturday.WTIPrice)
	}
}

func TestAlignDropsLeadingDatesWithoutPriorPrice(t *testing.T) {
	u := universe.New([]domain.CountryCode{"USA"})
	start := date(2025, 3, 1)
	end := date(2025, 3, 10)

	in := Input{
		Events: map[domain.Date][]domain.AggregatedEvent{},
		Prices: []domain.PricePoint{
			{Date: date(2025, 3, 5), WTIClose: 78.0},
		},
	}
	_, dropped := Align(in, u, start, end)
	if len(dropped) != 4 {
		t.Fatalf("expected 4 dropped leading dates, got %d: %v", len(dropped), dropped)
	}
}

func TestAlignSortOrderIsLexicographic(t *testing.T) {
	u := universe.New([]domain.CountryCode{"USA", "ARE"})
	start := date(2025, 3, 9)
	end := date(2025, 3, 10)
	in := Input{
		Events: map[domain.Date][]domain.AggregatedEvent{},
		Prices: []domain.PricePoint{
			{Date: date(2025, 3, 9), WTIClose: 80},
			{Date: date(2025, 3, 10), WTIClose: 81},
		},
	}
	rows, _ := Align(in, u, start, end)
	if rows[0].Country != "ARE" || rows[len(rows)-1].Country != "USA" {
		t.Fatalf("expected ARE before USA, got order: %v, %v", rows[0].Country, rows[len(rows)-1].Country)
	}
}
