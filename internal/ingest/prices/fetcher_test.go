package prices

import (
	"testing"
	"time"

	"github.com/oilsignal/oilsignal/internal/domain"
)

func d(y int, m time.Month, day int) domain.Date {
	return domain.Date{Year: y, Month: m, Day: day}
}

func TestInnerJoinKeepsOnlyCommonDates(t *testing.T) {
	wti := []domain.PricePoint{
		{Date: d(2025, 3, 7), WTIClose: 79.5},
		{Date: d(2025, 3, 10), WTIClose: 80.0},
	}
	brent := []domain.PricePoint{
		{Date: d(2025, 3, 10), BrentClose: 85.0},
	}
	joined := innerJoin(wti, brent)
	if len(joined) != 1 {
		t.Fatalf("expected 1 joined row, got %d", len(joined))
	}
	if joined[0].WTIClose != 80.0 || joined[0].BrentClose != 85.0 {
		t.Fatalf("unexpected joined row: %+v", joined[0])
	}
}

func TestTrimToWindowExcludesOutOfRange(t *testing.T) {
	points := []domain.PricePoint{
		{Date: d(2025, 1, 1), WTIClose: 70},
		{Date: d(2025, 3, 1), WTIClose: 75},
		{Date: d(2025, 3, 10), WTIClose: 80},
	}
	trimmed := trimToWindow(points, d(2025, 3, 10), 10)
	if len(trimmed) != 2 {
		t.Fatalf("expected 2 points (Mar 1, Mar 10) within 10-day window, got %d: %+v", len(trimmed), trimmed)
	}
}
