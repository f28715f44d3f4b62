// Package tokens provides approximate token accounting for budgeted queries.
// Estimates follow the common 4-characters-per-token heuristic; exactness is
// not required, only consistency between estimation and truncation.
package tokens

import "unicode/utf8"

// Level budget fractions of a caller-supplied token budget. The remaining
// 40% is deliberately unallocated to leave headroom for caller-side
// formatting around the returned content.
var levelFractions = map[int]float64{
	1: 0.25,
	2: 0.20,
	3: 0.10,
	4: 0.03,
	5: 0.02,
}

// Estimate returns the approximate token count for text: ceil(len/4).
// Empty input estimates to zero.
func Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

// AllocateBudget splits a total token budget across the five levels.
// Keys are levels 1-5.
func AllocateBudget(total int) map[int]int {
	budget := make(map[int]int, 5)
	for level, frac := range levelFractions {
		budget[level] = int(float64(total) * frac)
	}
	return budget
}

// Truncate cuts text so its estimated token count fits max, appending an
// ellipsis marker. Text that already fits is returned unchanged. The cut
// backs up to a rune boundary so the result stays valid UTF-8.
func Truncate(text string, max int) string {
	if Estimate(text) <= max {
		return text
	}
	limit := max*4 - 3
	if limit < 0 {
		limit = 0
	}
	if limit > len(text) {
		limit = len(text)
	}
	for limit > 0 && limit < len(text) && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit] + "..."
}
