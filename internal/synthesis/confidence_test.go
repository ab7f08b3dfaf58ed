package synthesis

import (
	"math"
	"testing"
)

func TestConfidenceBounds(t *testing.T) {
	cases := []struct {
		citations   int
		relevance   float64
		uncertainty *float64
	}{
		{0, 0, nil},
		{1, 0.5, nil},
		{5, 1, f64(0)},
		{20, 2, f64(-1)},
		{3, -0.5, f64(5)},
	}
	for _, tc := range cases {
		got := confidence(tc.citations, tc.relevance, tc.uncertainty)
		if got < 0 || got > 1 {
			t.Errorf("confidence(%d, %v, %v) = %v, out of [0,1]", tc.citations, tc.relevance, tc.uncertainty, got)
		}
	}
}

func TestConfidenceMonotonicInCitations(t *testing.T) {
	prev := -1.0
	for n := 0; n <= 5; n++ {
		got := confidence(n, 0.5, nil)
		if got < prev {
			t.Fatalf("confidence decreased at %d citations: %v < %v", n, got, prev)
		}
		prev = got
	}
	// Citation contribution saturates at five.
	if confidence(5, 0.5, nil) != confidence(50, 0.5, nil) {
		t.Error("citation term should saturate at 5")
	}
}

func TestConfidenceUsesDefaultUncertainty(t *testing.T) {
	withDefault := confidence(2, 0.6, nil)
	withExplicit := confidence(2, 0.6, f64(defaultUncertainty))
	if math.Abs(withDefault-withExplicit) > 1e-9 {
		t.Fatalf("nil uncertainty should equal the default: %v vs %v", withDefault, withExplicit)
	}
}

func f64(v float64) *float64 { return &v }
