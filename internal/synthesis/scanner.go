package synthesis

import (
	"strconv"
	"strings"
)

// maxMarkerDigits bounds how many digits a [n] marker may carry; anything
// longer is treated as ordinary text so a runaway digit run cannot grow the
// pending buffer without bound.
const maxMarkerDigits = 4

// markerScanner finds [n] citation markers incrementally over a growing
// output buffer. Each feed call scans only the newly appended text (plus a
// possible partial marker held back from the previous call), keeping
// correlation O(new tokens) per step.
type markerScanner struct {
	pending string
}

// feed appends delta and returns the marker values completed by it, in
// order of appearance.
func (s *markerScanner) feed(delta string) []int {
	s.pending += delta
	var out []int
	i := 0
	for {
		j := strings.IndexByte(s.pending[i:], '[')
		if j < 0 {
			i = len(s.pending)
			break
		}
		start := i + j
		k := start + 1
		for k < len(s.pending) && s.pending[k] >= '0' && s.pending[k] <= '9' {
			k++
		}
		digits := k - start - 1
		if digits > maxMarkerDigits {
			i = k
			continue
		}
		if k == len(s.pending) {
			// Marker may continue in the next delta; hold it back.
			i = start
			break
		}
		if digits > 0 && s.pending[k] == ']' {
			n, err := strconv.Atoi(s.pending[start+1 : k])
			if err == nil {
				out = append(out, n)
			}
			i = k + 1
			continue
		}
		i = start + 1
	}
	s.pending = s.pending[i:]
	return out
}
