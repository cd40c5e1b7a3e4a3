// Package tokens approximates LLM token counts for usage accounting.
// The heuristic is one token per four characters; do not use it for
// truncation.
package tokens

import "unicode/utf8"

const charsPerToken = 4

// Estimate returns ceil(characters/4).
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + charsPerToken - 1) / charsPerToken
}

// EstimateAll sums Estimate over texts.
func EstimateAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += Estimate(t)
	}
	return total
}
