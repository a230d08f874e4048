package aggregate

import (
	"testing"
	"time"

	"github.com/oilsignal/oilsignal/internal/domain"
	"github.com/oilsignal/oilsignal/internal/domain/universe"
)

func countrySet(codes ...domain.CountryCode) map[domain.CountryCode]struct{} {
	out := make(map[domain.CountryCode]struct{}, len(codes))
	for _, c := range codes {
		out[c] = struct{}{}
	}
	return out
}

func themeSet(tokens ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		out[t] = struct{}{}
	}
	return out
}

func TestAggregateSingleEventToneStdZero(t *testing.T) {
	u := universe.New([]domain.CountryCode{"SAU"})
	date := domain.Date{Year: 2025, Month: time.March, Day: 10}
	events := []domain.EventRecord{
		{Timestamp: date.Time(), SourceID: "a.com", CountrySet: countrySet("SAU"), ToneScore: -3.2, ThemeSet: themeSet("energy")},
	}
	got := Aggregate(events, date, u)
	if len(got) != 1 {
		t.Fatalf("expected 1 aggregated row, got %d", len(got))
	}
	row := got[0]
	if row.EventCount != 1 || row.AvgTone != -3.2 || row.ToneStd != 0 {
		t.Fatalf("unexpected row: %+v", row)
	}
}

func TestAggregateDropsCountriesOutsideUniverse(t *testing.T) {
	u := universe.New([]domain.CountryCode{"USA"})
	date := domain.Date{Year: 2025, Month: time.March, Day: 10}
	events := []domain.EventRecord{
		{SourceID: "a.com", CountrySet: countrySet("RUS"), ToneScore: 1, ThemeSet: themeSet("trade")},
	}
	got := Aggregate(events, date, u)
	if len(got) != 0 {
		t.Fatalf("expected no rows for country outside universe, got %d", len(got))
	}
}

func TestAggregateThemeMapping(t *testing.T) {
	u := universe.New([]domain.CountryCode{"USA"})
	date := domain.Date{Year: 2025, Month: time.March, Day: 10}
	events := []domain.EventRecord{
		{SourceID: "a.com", CountrySet: countrySet("USA"), ToneScore: 1, ThemeSet: themeSet("CRUDEOILPRICE")},
	}
	got := Aggregate(events, date, u)
	if len(got) != 1 {
		t.Fatalf("expected 1 row, got %d", len(got))
	}
	if got[0].ThemeCounts[domain.ThemeEnergy] != 1 {
		t.Fatalf("expected energy theme count 1, got %+v", got[0].ThemeCounts)
	}
}

func TestAggregateMultiEventStats(t *testing.T) {
	u := universe.New([]domain.CountryCode{"USA"})
	date := domain.Date{Year: 2025, Month: time.March, Day: 10}
	events := []domain.EventRecord{
		{SourceID: "a.com", CountrySet: countrySet("USA"), ToneScore: 2, ThemeSet: themeSet("trade")},
		{SourceID: "b.com", CountrySet: countrySet("USA"), ToneScore: 4, ThemeSet: themeSet("trade")},
	}
	got := Aggregate(events, date, u)
	if got[0].EventCount != 2 || got[0].UniqueSources != 2 {
		t.Fatalf("unexpected row: %+v", got[0])
	}
	if got[0].AvgTone != 3 {
		t.Fatalf("expected avg tone 3, got %f", got[0].AvgTone)
	}
}
