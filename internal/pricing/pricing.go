// Package pricing maps providers and models to per-million-token prices.
package pricing

import (
	"sort"
	"strings"
)

// Pricing is USD per one million tokens.
type Pricing struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name"`
	Input       float64 `json:"input"`
	CachedInput float64 `json:"cached_input"`
	Output      float64 `json:"output"`
}

const perMillion = 1_000_000

var providers = map[string]Pricing{
	"deepseek":  {ID: "deepseek", DisplayName: "DeepSeek", Input: 0.28, CachedInput: 0.028, Output: 0.42},
	"openai":    {ID: "openai", DisplayName: "OpenAI", Input: 0.15, CachedInput: 0.075, Output: 0.60},
	"anthropic": {ID: "anthropic", DisplayName: "Anthropic", Input: 0.80, CachedInput: 0.08, Output: 4.00},
	"google":    {ID: "google", DisplayName: "Google Gemini", Input: 0.10, CachedInput: 0.025, Output: 0.40},
}

var models = map[string]Pricing{
	"deepseek-chat":     {ID: "deepseek-chat", DisplayName: "DeepSeek V3", Input: 0.28, CachedInput: 0.028, Output: 0.42},
	"deepseek-reasoner": {ID: "deepseek-reasoner", DisplayName: "DeepSeek R1", Input: 0.28, CachedInput: 0.028, Output: 0.42},
	"gpt-4o":            {ID: "gpt-4o", DisplayName: "GPT-4o", Input: 2.50, CachedInput: 1.25, Output: 10.00},
	"gpt-4o-mini":       {ID: "gpt-4o-mini", DisplayName: "GPT-4o mini", Input: 0.15, CachedInput: 0.075, Output: 0.60},
	"gpt-4.1":           {ID: "gpt-4.1", DisplayName: "GPT-4.1", Input: 2.00, CachedInput: 0.50, Output: 8.00},
	"gpt-4.1-mini":      {ID: "gpt-4.1-mini", DisplayName: "GPT-4.1 mini", Input: 0.40, CachedInput: 0.10, Output: 1.60},
	"claude-3-5-haiku":  {ID: "claude-3-5-haiku", DisplayName: "Claude 3.5 Haiku", Input: 0.80, CachedInput: 0.08, Output: 4.00},
	"claude-sonnet-4":   {ID: "claude-sonnet-4", DisplayName: "Claude Sonnet 4", Input: 3.00, CachedInput: 0.30, Output: 15.00},
	"gemini-2.0-flash":  {ID: "gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash", Input: 0.10, CachedInput: 0.025, Output: 0.40},
}

// Lookup finds pricing by provider id first, then by model id.
func Lookup(id string) (Pricing, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	if p, ok := providers[id]; ok {
		return p, true
	}
	p, ok := models[id]
	return p, ok
}

// CalculateCost estimates the USD cost of a call. Unknown ids cost zero.
func CalculateCost(id string, inputTokens, outputTokens int, cacheHit bool) float64 {
	p, ok := Lookup(id)
	if !ok {
		return 0
	}

	inputPrice := p.Input
	if cacheHit {
		inputPrice = p.CachedInput
	}
	return (float64(inputTokens)*inputPrice + float64(outputTokens)*p.Output) / perMillion
}

// Providers returns provider pricing sorted by id, for display.
func Providers() []Pricing {
	out := make([]Pricing, 0, len(providers))
	for _, p := range providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
