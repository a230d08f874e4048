// Package features implements the Feature Engineer: it derives a fixed,
// deterministic feature vector per (country, date) from the AlignedRow grid.
// Every function here is a pure function of prior rows within the same
// country group; no feature depends on future data or another country's rows.
package features

import (
	"math"
	"sort"

	"github.com/oilsignal/oilsignal/internal/domain"
)

// maxLookback bounds how far back a feature may look within a country
// group, per the FeatureRow invariant in the data model.
const maxLookback = 30

const epsilon = 1e-9

var priceLagOffsets = []int{1, 2, 3, 5, 7, 14, 30}
var returnLagOffsets = []int{1, 2, 3, 5, 7, 14, 30}
var rollingWindows = []int{5, 10, 20, 30}
var newsLagOffsets = []int{1, 2, 3, 5, 7}

const rsiPeriod = 14

// Result is the Feature Engineer's output: the derived rows, the fixed
// column order they were built against, and whether any country in the
// batch had fewer than 30 rows of history (a cold-start signal, not a
// change to the feature values themselves).
type Result struct {
	Rows         []domain.FeatureRow
	FeatureNames []string
	ColdStart    bool
	ClampCount   int
}

// Engineer derives the feature vector for every row in aligned, which MUST
// already be sorted in lexicographic (country, date) order (the Aligner's
// contract).
func Engineer(aligned []domain.AlignedRow) Result {
	names := FeatureNames()

	groups := groupByCountry(aligned)
	coldStart := false

	var clampCount int
	rows := make([]domain.FeatureRow, 0, len(aligned))
	for _, country := range sortedCountries(groups) {
		group := groups[country]
		if len(group) < 30 {
			coldStart = true
		}

		wtiFeatures := instrumentFeatures(group, func(r domain.AlignedRow) float64 { return r.WTIPrice }, "wti")
		brentFeatures := instrumentFeatures(group, func(r domain.AlignedRow) float64 { return r.BrentPrice }, "brent")
		newsFeat := newsFeatures(group)

		for i, row := range group {
			merged := make(map[string]float64, len(names))
			for k, v := range wtiFeatures[i] {
				merged[k] = v
			}
			for k, v := range brentFeatures[i] {
				merged[k] = v
			}
			for k, v := range newsFeat[i] {
				merged[k] = v
			}
			for k, v := range merged {
				clean, clamped := sanitize(v)
				merged[k] = clean
				if clamped {
					clampCount++
				}
			}
			rows = append(rows, domain.FeatureRow{Country: row.Country, Date: row.Date, Features: merged})
		}
	}

	return Result{Rows: rows, FeatureNames: names, ColdStart: coldStart, ClampCount: clampCount}
}

// sanitize replaces NaN (insufficient history) and non-finite values (±Inf)
// with 0, reporting whether a clamp occurred.
func sanitize(v float64) (float64, bool) {
	if math.IsNaN(v) {
		return 0, false // NaN from insufficient history is policy, not a clamp
	}
	if math.IsInf(v, 0) {
		return 0, true
	}
	return v, false
}

func groupByCountry(rows []domain.AlignedRow) map[domain.CountryCode][]domain.AlignedRow {
	out := make(map[domain.CountryCode][]domain.AlignedRow)
	for _, r := range rows {
		out[r.Country] = append(out[r.Country], r)
	}
	return out
}

func sortedCountries(groups map[domain.CountryCode][]domain.AlignedRow) []domain.CountryCode {
	out := make([]domain.CountryCode, 0, len(groups))
	for c := range groups {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// instrumentFeatures computes the price/return/lag/MA/std/momentum/RSI
// family for one instrument across a single country's ordered rows.
func instrumentFeatures(group []domain.AlignedRow, priceOf func(domain.AlignedRow) float64, prefix string) []map[string]float64 {
	n := len(group)
	prices := make([]float64, n)
	for i, r := range group {
		prices[i] = priceOf(r)
	}

	deltas := make([]float64, n)
	returns := make([]float64, n)
	for i := range prices {
		if i == 0 {
			deltas[i] = math.NaN()
			returns[i] = math.NaN()
			continue
		}
		deltas[i] = prices[i] - prices[i-1]
		returns[i] = deltas[i] / prices[i-1]
	}

	rsi := wilderRSI(prices, rsiPeriod)

	out := make([]map[string]float64, n)
	for i := 0; i < n; i++ {
		m := map[string]float64{
			prefix + "_price":  prices[i],
			prefix + "_delta":  deltas[i],
			prefix + "_return": returns[i],
			prefix + "_rsi":    rsi[i],
		}
		for _, lag := range priceLagOffsets {
			m[lagName(prefix+"_price", lag)] = lagged(prices, i, lag)
		}
		for _, lag := range returnLagOffsets {
			m[lagName(prefix+"_return", lag)] = lagged(returns, i, lag)
		}
		for _, w := range rollingWindows {
			m[rollName(prefix+"_return_ma", w)] = rollingMean(returns, i, w)
			m[rollName(prefix+"_return_std", w)] = rollingStd(returns, i, w)
		}
		m[prefix+"_momentum_5_20"] = rollingMean(returns, i, 5) - rollingMean(returns, i, 20)
		m[prefix+"_momentum_10_30"] = rollingMean(returns, i, 10) - rollingMean(returns, i, 30)
		out[i] = m
	}
	return out
}

// newsFeatures computes the per-country news feature family: base values,
// lags, changes, and per-theme z-score/spike indicators.
func newsFeatures(group []domain.AlignedRow) []map[string]float64 {
	n := len(group)
	avgTone := make([]float64, n)
	toneStd := make([]float64, n)
	eventCount := make([]float64, n)
	for i, r := range group {
		avgTone[i] = r.AvgTone
		toneStd[i] = r.ToneStd
		eventCount[i] = float64(r.EventCount)
	}

	themeSeries := make(map[domain.ThemeCategory][]float64, len(domain.AllThemes))
	for _, theme := range domain.AllThemes {
		series := make([]float64, n)
		for i, r := range group {
			series[i] = float64(r.ThemeCounts[theme])
		}
		themeSeries[theme] = series
	}

	out := make([]map[string]float64, n)
	for i := 0; i < n; i++ {
		m := map[string]float64{
			"avg_tone":    avgTone[i],
			"tone_std":    toneStd[i],
			"event_count": eventCount[i],
		}
		addLagsAndChange(m, avgTone, i, "avg_tone")
		addLagsAndChange(m, toneStd, i, "tone_std")
		addLagsAndChange(m, eventCount, i, "event_count")

		for _, theme := range domain.AllThemes {
			series := themeSeries[theme]
			name := "theme_" + string(theme)
			change := delta1(series, i)
			pctChange := pctChangeAt(series, i)
			z := rollingZScore(series, i, 30)
			spike := 0.0
			if z > 2 {
				spike = 1.0
			}
			m[name+"_change"] = change
			m[name+"_pct_change"] = pctChange
			m[name+"_zscore"] = z
			m[name+"_spike"] = spike
		}
		out[i] = m
	}
	return out
}

// addLagsAndChange adds the fixed news lag set plus change/pct_change for
// one base series under the given feature-name prefix.
func addLagsAndChange(m map[string]float64, series []float64, i int, prefix string) {
	for _, lag := range newsLagOffsets {
		m[lagName(prefix, lag)] = lagged(series, i, lag)
	}
	m[prefix+"_change"] = delta1(series, i)
	m[prefix+"_pct_change"] = pctChangeAt(series, i)
}

func lagName(prefix string, lag int) string {
	return prefix + "_lag" + itoa(lag)
}

func rollName(prefix string, w int) string {
	return prefix + itoa(w)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// lagged returns series[i-lag], clamped to the maxLookback window and to
// NaN when the offset falls outside the available history.
func lagged(series []float64, i, lag int) float64 {
	if lag > maxLookback || i-lag < 0 {
		return math.NaN()
	}
	return series[i-lag]
}

func delta1(series []float64, i int) float64 {
	if i < 1 {
		return math.NaN()
	}
	return series[i] - series[i-1]
}

func pctChangeAt(series []float64, i int) float64 {
	if i < 1 {
		return math.NaN()
	}
	change := series[i] - series[i-1]
	denom := math.Abs(series[i-1])
	if denom < epsilon {
		denom = epsilon
	}
	return change / denom
}

// rollingMean returns the mean of the trailing w values ending at i
// (inclusive), NaN if fewer than w values are available.
func rollingMean(series []float64, i, w int) float64 {
	start := i - w + 1
	if start < 0 {
		return math.NaN()
	}
	var sum float64
	for j := start; j <= i; j++ {
		sum += series[j]
	}
	return sum / float64(w)
}

// rollingStd returns the sample standard deviation of the trailing w values
// ending at i (inclusive), NaN if fewer than w values are available.
func rollingStd(series []float64, i, w int) float64 {
	start := i - w + 1
	if start < 0 || w < 2 {
		return math.NaN()
	}
	m := rollingMean(series, i, w)
	var sumSq float64
	for j := start; j <= i; j++ {
		d := series[j] - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(w-1))
}

// rollingZScore returns (x_i - rollingMean)/rollingStd over the trailing w
// values ending at i, 0 when the rolling std is 0 or history is
// insufficient.
func rollingZScore(series []float64, i, w int) float64 {
	start := i - w + 1
	if start < 0 {
		return 0
	}
	m := rollingMean(series, i, w)
	s := rollingStd(series, i, w)
	if s == 0 || math.IsNaN(s) {
		return 0
	}
	return (series[i] - m) / s
}

// wilderRSI computes the 14-day Wilder RSI over a price series: the seed
// average gain/loss is the simple mean of the first `period` gains/losses,
// then each subsequent value is an EMA recurrence with alpha = 1/period.
// Entries before the seed is available are NaN.
func wilderRSI(prices []float64, period int) []float64 {
	n := len(prices)
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	if n <= period {
		return out
	}

	gains := make([]float64, n)
	losses := make([]float64, n)
	for i := 1; i < n; i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains[i] = change
		} else {
			losses[i] = -change
		}
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		avgGain += gains[i]
		avgLoss += losses[i]
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiFromAverages(avgGain, avgLoss)

	for i := period + 1; i < n; i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
		out[i] = rsiFromAverages(avgGain, avgLoss)
	}
	return out
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}
