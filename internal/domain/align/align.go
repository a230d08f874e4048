// Package align implements the Aligner: it merges per-day AggregatedEvents
// and the price series into the canonical country x date grid U x D, zero
// filling absent events and forward-filling absent prices.
package align

import (
	"sort"

	"github.com/oilsignal/oilsignal/internal/domain"
	"github.com/oilsignal/oilsignal/internal/domain/universe"
)

// Input bundles one run's aggregated events (across every date in D, keyed
// by country+date) and price series into the Aligner's arguments.
type Input struct {
	// Events is keyed by date; callers accumulate one []AggregatedEvent per
	// day across the trailing window before calling Align.
	Events map[domain.Date][]domain.AggregatedEvent
	Prices []domain.PricePoint
}

// Align builds the AlignedRow grid over u x the dates in [start, end]
// inclusive. Returns the rows in lexicographic (country, date) order, plus
// the set of dates dropped from the whole grid for lacking any prior price.
func Align(in Input, u universe.Universe, start, end domain.Date) ([]domain.AlignedRow, []domain.Date) {
	priceByDate := make(map[domain.Date]domain.PricePoint, len(in.Prices))
	for _, p := range in.Prices {
		priceByDate[p.Date] = p
	}

	dates := dateRange(start, end)
	lastPrice, firstPriceIdx := forwardFillPlan(dates, priceByDate)

	var dropped []domain.Date
	for i, d := range dates {
		if i < firstPriceIdx {
			dropped = append(dropped, d)
		}
	}
	usableDates := dates[firstPriceIdx:]

	eventByCountryDate := make(map[domain.CountryCode]map[domain.Date]domain.AggregatedEvent)
	for _, dayEvents := range in.Events {
		for _, ev := range dayEvents {
			if !u.Contains(ev.Country) {
				continue
			}
			m, ok := eventByCountryDate[ev.Country]
			if !ok {
				m = make(map[domain.Date]domain.AggregatedEvent)
				eventByCountryDate[ev.Country] = m
			}
			m[ev.Date] = ev
		}
	}

	rows := make([]domain.AlignedRow, 0, u.Len()*len(usableDates))
	for _, country := range u.Codes() {
		for _, d := range usableDates {
			row := domain.AlignedRow{Country: country, Date: d}
			if ev, ok := eventByCountryDate[country][d]; ok {
				row.EventCount = ev.EventCount
				row.AvgTone = ev.AvgTone
				row.ToneStd = ev.ToneStd
				row.UniqueSources = ev.UniqueSources
				row.ThemeCounts = ev.ThemeCounts
			}
			price := lastPrice[d]
			row.WTIPrice = price.WTIClose
			row.BrentPrice = price.BrentClose
			rows = append(rows, row)
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Country != rows[j].Country {
			return rows[i].Country < rows[j].Country
		}
		return rows[i].Date.Before(rows[j].Date)
	})
	return rows, dropped
}

// dateRange returns every calendar day from start to end inclusive.
func dateRange(start, end domain.Date) []domain.Date {
	var out []domain.Date
	for d := start; !end.Before(d); d = d.AddDays(1) {
		out = append(out, d)
	}
	return out
}

// forwardFillPlan returns, per date, the price point to use (the date's own
// price if a trading day, else the nearest preceding trading day's), and the
// index of the first date in dates for which a price is available at all
// (forward-filled or direct). Dates before that index have no prior price
// within the window and are dropped from the whole grid.
func forwardFillPlan(dates []domain.Date, priceByDate map[domain.Date]domain.PricePoint) (map[domain.Date]domain.PricePoint, int) {
	out := make(map[domain.Date]domain.PricePoint, len(dates))
	firstIdx := len(dates)
	var current domain.PricePoint
	haveCurrent := false

	for i, d := range dates {
		if p, ok := priceByDate[d]; ok {
			current = p
			haveCurrent = true
		}
		if haveCurrent {
			out[d] = current
			if firstIdx == len(dates) {
				firstIdx = i
			}
		}
	}
	return out, firstIdx
}
