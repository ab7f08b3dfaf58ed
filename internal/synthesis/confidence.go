package synthesis

// defaultUncertainty stands in when the generator reports no uncertainty
// signal of its own.
const defaultUncertainty = 0.5

// confidence aggregates how well-supported an answer is by its citations.
// The result always lies in [0,1]. Truncated answers never call this; they
// report an indeterminate (nil) confidence instead of a fabricated number.
func confidence(citationCount int, meanRelevance float64, uncertainty *float64) float64 {
	count := float64(citationCount)
	if count > 5 {
		count = 5
	}
	u := defaultUncertainty
	if uncertainty != nil {
		u = clamp01(*uncertainty)
	}
	return clamp01(0.2*count/5 + 0.6*clamp01(meanRelevance) + 0.2*(1-u))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
