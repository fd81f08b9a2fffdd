// Package pricing holds the static model pricing, cross-provider model
// equivalence, cheaper-alternative, and fallback-chain tables.
package pricing

import (
	"strings"

	"github.com/costrelay/costrelay/internal/usage"
)

// ModelPricing holds per-1K-token prices in USD.
type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Prices per 1K tokens. Approximate list prices; unknown models cost zero
// rather than failing the request.
var modelPricing = map[string]ModelPricing{
	// OpenAI
	"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-4":         {InputPer1K: 0.03, OutputPer1K: 0.06},
	"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"o1":            {InputPer1K: 0.015, OutputPer1K: 0.06},
	"o1-mini":       {InputPer1K: 0.003, OutputPer1K: 0.012},

	// Anthropic
	"claude-opus-4":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-sonnet-4":   {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-haiku-4":    {InputPer1K: 0.001, OutputPer1K: 0.005},
	"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku":  {InputPer1K: 0.001, OutputPer1K: 0.005},

	// Google
	"gemini-2.5-pro":   {InputPer1K: 0.00125, OutputPer1K: 0.01},
	"gemini-2.5-flash": {InputPer1K: 0.0003, OutputPer1K: 0.0025},
	"gemini-2.0-flash": {InputPer1K: 0.0001, OutputPer1K: 0.0004},
}

// Lookup returns pricing for a model, falling back to the longest matching
// prefix so dated variants (claude-sonnet-4-20250514) resolve.
func Lookup(model string) (ModelPricing, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	if p, ok := modelPricing[model]; ok {
		return p, true
	}
	best := ""
	for name := range modelPricing {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return ModelPricing{}, false
	}
	return modelPricing[best], true
}

// Cost computes the USD cost of a call from actual token counts.
func Cost(model string, u usage.TokenUsage) float64 {
	p, ok := Lookup(model)
	if !ok {
		return 0
	}
	return float64(u.InputTokens)/1000*p.InputPer1K + float64(u.OutputTokens)/1000*p.OutputPer1K
}

// Savings computes the exact USD amount saved by answering with a cheaper
// model, priced on the actual post-call token counts.
func Savings(originalModel, routedModel string, u usage.TokenUsage) float64 {
	original := Cost(originalModel, u)
	routed := Cost(routedModel, u)
	if original <= routed {
		return 0
	}
	return original - routed
}
