// Package aggregate implements the Event Aggregator: it emits one
// contribution per (country, theme) pair touched by each event, restricted
// to the trained universe and the fixed theme enumeration, then rolls those
// contributions up into per (country, date) AggregatedEvents.
package aggregate

import (
	"math"
	"strings"

	"github.com/oilsignal/oilsignal/internal/domain"
	"github.com/oilsignal/oilsignal/internal/domain/universe"
)

// themeKeywords is the static, case-insensitive substring keyword table used
// to map a raw theme token to one of the fixed categories. The first
// matching category wins; a token may still contribute to more than one
// category since each event's ThemeSet can contain multiple tokens.
var themeKeywords = map[domain.ThemeCategory][]string{
	domain.ThemeEnergy:    {"oil", "energy", "petroleum", "opec", "crude", "gas"},
	domain.ThemeConflict:  {"conflict", "military", "war", "attack", "terror"},
	domain.ThemeSanctions: {"sanction", "embargo", "blacklist"},
	domain.ThemeTrade:     {"trade", "tariff", "export", "import"},
	domain.ThemeEconomy:   {"econ", "gdp", "inflation", "market", "fiscal"},
	domain.ThemePolicy:    {"policy", "regulation", "government", "legislation"},
}

// categoriesFor returns the set of categories a raw theme token maps to.
func categoriesFor(token string) map[domain.ThemeCategory]struct{} {
	lower := strings.ToLower(token)
	out := make(map[domain.ThemeCategory]struct{})
	for _, cat := range domain.AllThemes {
		for _, kw := range themeKeywords[cat] {
			if strings.Contains(lower, kw) {
				out[cat] = struct{}{}
				return out
			}
		}
	}
	return out
}

// Aggregate rolls up events for date into per-country AggregatedEvents,
// restricted to u and the fixed theme enumeration. Records touching no
// country in u contribute nothing.
func Aggregate(events []domain.EventRecord, date domain.Date, u universe.Universe) []domain.AggregatedEvent {
	type accum struct {
		tones       []float64
		sources     map[string]struct{}
		themeCounts map[domain.ThemeCategory]int
	}
	byCountry := make(map[domain.CountryCode]*accum)

	for _, ev := range events {
		cats := eventCategories(ev)
		for country := range ev.CountrySet {
			if !u.Contains(country) {
				continue
			}
			a, ok := byCountry[country]
			if !ok {
				a = &accum{sources: make(map[string]struct{}), themeCounts: make(map[domain.ThemeCategory]int)}
				byCountry[country] = a
			}
			a.tones = append(a.tones, ev.ToneScore)
			a.sources[ev.SourceID] = struct{}{}
			for cat := range cats {
				a.themeCounts[cat]++
			}
		}
	}

	out := make([]domain.AggregatedEvent, 0, len(byCountry))
	for country, a := range byCountry {
		out = append(out, domain.AggregatedEvent{
			Country:       country,
			Date:          date,
			EventCount:    len(a.tones),
			AvgTone:       mean(a.tones),
			ToneStd:       sampleStd(a.tones),
			UniqueSources: len(a.sources),
			ThemeCounts:   a.themeCounts,
		})
	}
	return out
}

// eventCategories unions the theme categories matched by every raw token in
// the event's ThemeSet.
func eventCategories(ev domain.EventRecord) map[domain.ThemeCategory]struct{} {
	out := make(map[domain.ThemeCategory]struct{})
	for token := range ev.ThemeSet {
		for cat := range categoriesFor(token) {
			out[cat] = struct{}{}
		}
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// sampleStd returns the sample standard deviation, 0 when n <= 1.
func sampleStd(xs []float64) float64 {
	n := len(xs)
	if n <= 1 {
		return 0
	}
	m := mean(xs)
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(n-1))
}
