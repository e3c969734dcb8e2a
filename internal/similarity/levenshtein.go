// Package similarity holds the pure string and statistics primitives used by
// fraud detection: edit-distance similarity and dispersion of numeric series.
package similarity

// Levenshtein returns the edit distance between a and b counted in runes.
func Levenshtein(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	if len(ra) < len(rb) {
		ra, rb = rb, ra
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// Ratio returns (maxLen - editDistance) / maxLen in [0, 1].
// Equal strings (including two empty strings) score 1; one empty string scores 0.
func Ratio(a, b string) float64 {
	if a == b {
		return 1
	}
	la := len([]rune(a))
	lb := len([]rune(b))
	if la == 0 || lb == 0 {
		return 0
	}
	maxLen := max(la, lb)
	return float64(maxLen-Levenshtein(a, b)) / float64(maxLen)
}
