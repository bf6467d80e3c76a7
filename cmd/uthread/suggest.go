package main

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// maxSuggestDistance bounds how far a typo may be from a known name.
const maxSuggestDistance = 2

// suggest returns the candidate closest to input, or "" if none is within
// maxSuggestDistance edits. Ties go to the earlier candidate.
func suggest(input string, candidates []string) string {
	input = strings.ToLower(input)
	best, bestDist := "", maxSuggestDistance+1
	for _, c := range candidates {
		if d := levenshtein.ComputeDistance(input, c); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}
