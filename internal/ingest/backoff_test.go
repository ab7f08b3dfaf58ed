package ingest

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Max: 8 * time.Second}
	for attempt := 0; attempt < 10; attempt++ {
		d := p.Delay(attempt)
		base := time.Second << uint(attempt)
		if base > p.Max || base <= 0 {
			base = p.Max
		}
		if d < base {
			t.Fatalf("attempt %d: delay %v below base %v", attempt, d, base)
		}
		// Jitter adds at most 25%.
		if d > base+base/4 {
			t.Fatalf("attempt %d: delay %v exceeds base+jitter bound", attempt, d)
		}
	}
}

func TestBackoffDefaults(t *testing.T) {
	var p BackoffPolicy
	if d := p.Delay(0); d < time.Second {
		t.Fatalf("zero-value policy should default to one second base, got %v", d)
	}
	if d := p.Delay(30); d > time.Minute+time.Minute/4 {
		t.Fatalf("huge attempts must cap at the default max, got %v", d)
	}
}
