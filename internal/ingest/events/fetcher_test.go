package events

import (
	"testing"
	"time"

	"github.com/oilsignal/oilsignal/internal/domain"
)

func TestBundleStampsCoversFullDay(t *testing.T) {
	date := domain.Date{Year: 2025, Month: time.March, Day: 10}
	stamps := bundleStamps(date)
	if len(stamps) != bundlesPerDay {
		t.Fatalf("expected %d stamps, got %d", bundlesPerDay, len(stamps))
	}
	if stamps[0] != "20250310000000" {
		t.Fatalf("expected first stamp 20250310000000, got %s", stamps[0])
	}
	if stamps[len(stamps)-1] != "20250310234500" {
		t.Fatalf("expected last stamp 20250310234500, got %s", stamps[len(stamps)-1])
	}
}

func TestParseRowExtractsFields(t *testing.T) {
	cols := make([]string, 35)
	cols[colSourceID] = "example.com"
	cols[colLocations] = "1#Riyadh, Saudi Arabia#SA#SAU#24.6#46.7#1;"
	cols[colThemes] = "TAX_FNCACT_ENERGY;WB_678_OIL;"
	cols[colTone] = "-3.2,1.1,2.2,0,0,0"
	line := joinTab(cols)

	ts := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	rec, ok := parseRow(line, ts)
	if !ok {
		t.Fatal("expected row to parse")
	}
	if rec.ToneScore != -3.2 {
		t.Fatalf("expected tone -3.2, got %f", rec.ToneScore)
	}
	if _, ok := rec.CountrySet["SAU"]; !ok {
		t.Fatalf("expected SAU in country set, got %v", rec.CountrySet)
	}
	if len(rec.ThemeSet) != 2 {
		t.Fatalf("expected 2 themes, got %v", rec.ThemeSet)
	}
}

func TestParseRowDropsShortLine(t *testing.T) {
	if _, ok := parseRow("a\tb\tc", time.Now()); ok {
		t.Fatal("expected short line to fail parse")
	}
}

func TestParseRowDropsEmptyCountrySet(t *testing.T) {
	cols := make([]string, 35)
	cols[colTone] = "1.0"
	line := joinTab(cols)
	if _, ok := parseRow(line, time.Now()); ok {
		t.Fatal("expected row with no countries to be dropped")
	}
}

func joinTab(cols []string) string {
	out := cols[0]
	for _, c := range cols[1:] {
		out += "\t" + c
	}
	return out
}
