// Package router downgrades requested models to cheaper equivalents. The
// decision runs on cheap structural signals extracted from the raw body;
// savings are computed later from actual token counts, so the estimate only
// has to be good enough to pick a lane.
package router

import (
	"strings"

	"github.com/costrelay/costrelay/internal/models"
	"github.com/costrelay/costrelay/internal/pricing"
	"github.com/costrelay/costrelay/internal/provider"
	"github.com/tidwall/gjson"
)

// Decision is the router's output for one request.
type Decision struct {
	WasRouted     bool
	OriginalModel string
	RoutedModel   string
}

// Model returns the model the request should be forwarded with.
func (d Decision) Model() string {
	if d.WasRouted {
		return d.RoutedModel
	}
	return d.OriginalModel
}

// Signals are the structural features the routing heuristics read. All are
// derivable from the body with a handful of JSON path reads.
type Signals struct {
	EstimatedTokens int
	HasTools        bool
	HasMultimodal   bool
	SystemChars     int
}

// Router applies per-key routing settings.
type Router struct {
	maxSimpleTokens int
	maxSystemChars  int
}

// New constructs a Router. Thresholds at or below zero fall back to the
// defaults.
func New(maxSimpleTokens, maxSystemChars int) *Router {
	if maxSimpleTokens <= 0 {
		maxSimpleTokens = 400
	}
	if maxSystemChars <= 0 {
		maxSystemChars = 200
	}
	return &Router{maxSimpleTokens: maxSimpleTokens, maxSystemChars: maxSystemChars}
}

// ExtractSignals reads the routing signals from a raw request body.
func ExtractSignals(p provider.Provider, body []byte) Signals {
	var s Signals
	if gjson.GetBytes(body, "tools").IsArray() || gjson.GetBytes(body, "functions").IsArray() {
		s.HasTools = true
	}

	var chars int
	for _, msg := range p.ExtractMessages(body) {
		chars += len(msg.Content)
		if msg.Role == "system" {
			s.SystemChars += len(msg.Content)
		}
	}
	// Rough chars-per-token ratio for English-ish text.
	s.EstimatedTokens = chars / 4

	s.HasMultimodal = hasMultimodal(body)
	return s
}

// hasMultimodal detects non-text content parts across the three request
// dialects: OpenAI content arrays, Anthropic content blocks, and Gemini
// inline/file parts.
func hasMultimodal(body []byte) bool {
	found := false
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if !content.IsArray() {
			return true
		}
		content.ForEach(func(_, part gjson.Result) bool {
			partType := part.Get("type").String()
			if partType != "" && partType != "text" {
				found = true
				return false
			}
			return true
		})
		return !found
	})
	if found {
		return true
	}
	gjson.GetBytes(body, "contents").ForEach(func(_, content gjson.Result) bool {
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if part.Get("inline_data").Exists() || part.Get("inlineData").Exists() || part.Get("file_data").Exists() || part.Get("fileData").Exists() {
				found = true
				return false
			}
			return true
		})
		return !found
	})
	return found
}

// isSimple reports whether a request qualifies for downgrade routing.
func (r *Router) isSimple(s Signals) bool {
	return s.EstimatedTokens <= r.maxSimpleTokens &&
		!s.HasTools &&
		!s.HasMultimodal &&
		s.SystemChars <= r.maxSystemChars
}

// Decide picks the model to forward. mode is one of the models.Routing*
// values; rules apply only in manual mode.
func (r *Router) Decide(mode, model string, rules []models.RoutingRule, signals Signals) Decision {
	decision := Decision{OriginalModel: model}
	if r == nil || strings.TrimSpace(model) == "" {
		return decision
	}

	switch mode {
	case models.RoutingManual:
		for _, rule := range rules {
			if rule.FromModel != model || strings.TrimSpace(rule.ToModel) == "" || rule.ToModel == model {
				continue
			}
			if !r.ruleQualifies(rule.Condition, signals) {
				continue
			}
			decision.WasRouted = true
			decision.RoutedModel = rule.ToModel
			return decision
		}
	case models.RoutingAuto:
		if !r.isSimple(signals) {
			return decision
		}
		cheaper, ok := pricing.CheaperAlternative(model)
		if !ok || cheaper == model {
			return decision
		}
		decision.WasRouted = true
		decision.RoutedModel = cheaper
	}
	return decision
}

func (r *Router) ruleQualifies(condition string, signals Signals) bool {
	switch condition {
	case models.ConditionSimpleOnly:
		return r.isSimple(signals)
	case models.ConditionShortOnly:
		return signals.EstimatedTokens <= r.maxSimpleTokens
	default:
		return true
	}
}
