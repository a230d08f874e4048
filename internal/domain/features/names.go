package features

import "github.com/oilsignal/oilsignal/internal/domain"

// FeatureNames returns the fixed, ordered list of feature column names this
// package produces. A ModelBundle's metadata.feature_names must match this
// list exactly (order included) for inference to proceed; a mismatch is a
// SchemaMismatch.
func FeatureNames() []string {
	var names []string
	for _, prefix := range []string{"wti", "brent"} {
		names = append(names, instrumentFeatureNames(prefix)...)
	}
	names = append(names, newsFeatureNames()...)
	return names
}

func instrumentFeatureNames(prefix string) []string {
	names := []string{
		prefix + "_price",
		prefix + "_delta",
		prefix + "_return",
		prefix + "_rsi",
	}
	for _, lag := range priceLagOffsets {
		names = append(names, lagName(prefix+"_price", lag))
	}
	for _, lag := range returnLagOffsets {
		names = append(names, lagName(prefix+"_return", lag))
	}
	for _, w := range rollingWindows {
		names = append(names, rollName(prefix+"_return_ma", w))
	}
	for _, w := range rollingWindows {
		names = append(names, rollName(prefix+"_return_std", w))
	}
	names = append(names, prefix+"_momentum_5_20", prefix+"_momentum_10_30")
	return names
}

func newsFeatureNames() []string {
	var names []string
	for _, base := range []string{"avg_tone", "tone_std", "event_count"} {
		names = append(names, base)
		for _, lag := range newsLagOffsets {
			names = append(names, lagName(base, lag))
		}
		names = append(names, base+"_change", base+"_pct_change")
	}
	for _, theme := range domain.AllThemes {
		name := "theme_" + string(theme)
		names = append(names, name+"_change", name+"_pct_change", name+"_zscore", name+"_spike")
	}
	return names
}
