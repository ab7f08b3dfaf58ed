package synthesis

import (
	"reflect"
	"testing"
)

func TestScannerWholeMarkers(t *testing.T) {
	var s markerScanner
	got := s.feed("supported by [1] and later [2].")
	if !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("markers = %v", got)
	}
}

func TestScannerSplitAcrossDeltas(t *testing.T) {
	var s markerScanner
	if got := s.feed("claim ["); got != nil {
		t.Fatalf("partial marker should be held back, got %v", got)
	}
	if got := s.feed("1"); got != nil {
		t.Fatalf("digits without closing bracket should be held back, got %v", got)
	}
	if got := s.feed("2] done"); !reflect.DeepEqual(got, []int{12}) {
		t.Fatalf("markers = %v", got)
	}
}

func TestScannerIgnoresNonMarkers(t *testing.T) {
	var s markerScanner
	if got := s.feed("array[index] and [] and [a1]"); got != nil {
		t.Fatalf("non-numeric brackets must not match, got %v", got)
	}
}

func TestScannerBoundsPendingBuffer(t *testing.T) {
	var s markerScanner
	if got := s.feed("[123456789"); got != nil {
		t.Fatalf("oversized digit run must not match, got %v", got)
	}
	if got := s.feed("] then [3]"); !reflect.DeepEqual(got, []int{3}) {
		t.Fatalf("markers = %v", got)
	}
}

func TestScannerAdjacentMarkers(t *testing.T) {
	var s markerScanner
	if got := s.feed("[1][2][1]"); !reflect.DeepEqual(got, []int{1, 2, 1}) {
		t.Fatalf("markers = %v", got)
	}
}
