package provider

import "strings"

// EstimateTokens approximates the token count of a prompt. Prose averages
// about 1.33 tokens per word; code runs closer to one token per four bytes,
// so the larger of the two is used.
func EstimateTokens(p Prompt) int {
	return estimate(p.System) + estimate(p.User)
}

func estimate(s string) int {
	if s == "" {
		return 0
	}
	byWords := len(strings.Fields(s)) * 4 / 3
	byBytes := len(s) / 4
	return max(byWords, byBytes)
}
