// Package domain holds the record schema shared by every stage of the
// pipeline: raw events and prices in, a feature matrix and a prediction
// report out. Nothing in this package performs I/O.
package domain

import (
	"fmt"
	"time"
)

// CountryCode is a canonical three-letter ISO country identifier.
type CountryCode string

// Date is a calendar day at UTC midnight. Using a dedicated type (rather than
// time.Time everywhere) keeps "same day" comparisons exact and makes the
// country-day grid hashable as a map key.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateFromTime truncates t to its UTC calendar day.
func DateFromTime(t time.Time) Date {
	u := t.UTC()
	return Date{Year: u.Year(), Month: u.Month(), Day: u.Day()}
}

// Time returns the UTC midnight instant for the date.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// AddDays returns the date n calendar days later (n may be negative).
func (d Date) AddDays(n int) Date {
	return DateFromTime(d.Time().AddDate(0, 0, n))
}

// Before reports whether d precedes other.
func (d Date) Before(other Date) bool { return d.Time().Before(other.Time()) }

// Compare returns -1, 0, or 1 as d is before, equal to, or after other.
func (d Date) Compare(other Date) int {
	if d.Before(other) {
		return -1
	}
	if other.Before(d) {
		return 1
	}
	return 0
}

// String renders the date as YYYY-MM-DD.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// YYYYMMDD renders the date with no separators, the form used in artifact
// store keys.
func (d Date) YYYYMMDD() string {
	return fmt.Sprintf("%04d%02d%02d", d.Year, d.Month, d.Day)
}

// ThemeCategory is one of the fixed enumerated news themes (K in spec).
type ThemeCategory string

const (
	ThemeEnergy     ThemeCategory = "energy"
	ThemeConflict   ThemeCategory = "conflict"
	ThemeSanctions  ThemeCategory = "sanctions"
	ThemeTrade      ThemeCategory = "trade"
	ThemeEconomy    ThemeCategory = "economy"
	ThemePolicy     ThemeCategory = "policy"
)

// AllThemes is the fixed, ordered theme enumeration K.
var AllThemes = []ThemeCategory{
	ThemeEnergy, ThemeConflict, ThemeSanctions, ThemeTrade, ThemeEconomy, ThemePolicy,
}

// EventRecord is one parsed global-event row, produced by the Event Fetcher
// and consumed by the Event Aggregator. CountrySet and ThemeSet are
// deduplicated.
type EventRecord struct {
	Timestamp   time.Time
	SourceID    string
	CountrySet  map[CountryCode]struct{}
	ToneScore   float64
	ThemeSet    map[string]struct{} // raw prefix-trimmed theme tokens, pre-category-mapping
}

// AggregatedEvent is the per-(country,date) rollup produced by the Event
// Aggregator.
type AggregatedEvent struct {
	Country       CountryCode
	Date          Date
	EventCount    int
	AvgTone       float64
	ToneStd       float64
	UniqueSources int
	ThemeCounts   map[ThemeCategory]int
}

// PricePoint is a single day's close for both benchmark instruments. Only
// business days are present; the Aligner forward-fills the rest.
type PricePoint struct {
	Date      Date
	WTIClose  float64
	BrentClose float64
}

// AlignedRow is one (country, date) row after the Aligner has merged
// AggregatedEvent and PricePoint data onto the canonical grid.
type AlignedRow struct {
	Country CountryCode
	Date    Date

	EventCount    int
	AvgTone       float64
	ToneStd       float64
	UniqueSources int
	ThemeCounts   map[ThemeCategory]int

	WTIPrice   float64
	BrentPrice float64
}

// FeatureRow is an AlignedRow extended with the derived feature vector. The
// vector's column order is authoritative only in combination with the
// FeatureNames slice it was built against; FeatureRow itself stores features
// as a name->value map so callers never depend on incidental map iteration
// order.
type FeatureRow struct {
	Country  CountryCode
	Date     Date
	Features map[string]float64
}

// Ordered projects the row's features onto names, in order. Every name must
// be present (the Feature Engineer guarantees this at construction time); a
// missing name is a programmer error, not a data error, and panics.
func (r FeatureRow) Ordered(names []string) []float64 {
	out := make([]float64, len(names))
	for i, n := range names {
		v, ok := r.Features[n]
		if !ok {
			panic(fmt.Sprintf("feature %q missing from row %s/%s", n, r.Country, r.Date))
		}
		out[i] = v
	}
	return out
}

// DatasetMeta carries the per-run metadata that travels with a
// ProcessedDataset: the feature name vector that pins column order, a
// content hash for idempotence checks, and the cold-start flag from §9.
type DatasetMeta struct {
	TargetDate   Date      `json:"target_date"`
	FeatureNames []string  `json:"feature_names"`
	ContentHash  string    `json:"content_hash"`
	ColdStart    bool      `json:"cold_start"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// ProcessedDataset is the immutable, ordered collection of FeatureRows
// published by one pipeline run.
type ProcessedDataset struct {
	Meta DatasetMeta   `json:"meta"`
	Rows []FeatureRow `json:"rows"`
}

// PerCountryPrediction is one country's contribution to a PredictionReport.
type PerCountryPrediction struct {
	RawDelta        float64 `json:"raw_delta"`
	AttentionWeight float64 `json:"attention_weight"`
	Contribution    float64 `json:"contribution"`
	Percentage      float64 `json:"percentage"`
}

// PredictionReport is the Inference Engine's output for one target date.
type PredictionReport struct {
	TargetDate            Date                                  `json:"target_date"`
	ReferenceClose        float64                                `json:"reference_close"`
	PredictedDelta        float64                                `json:"predicted_delta"`
	PredictedClose        float64                                `json:"predicted_close"`
	PerCountry            map[CountryCode]PerCountryPrediction   `json:"per_country"`
	TotalAbsContribution  float64                                `json:"total_abs_contribution"`
	ModelVersion          string                                 `json:"model_version"`
	SkippedCountries      []CountryCode                          `json:"skipped_countries,omitempty"`
	ColdStart             bool                                   `json:"cold_start,omitempty"`
}
