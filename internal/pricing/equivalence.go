package pricing

import "strings"

// Fallback chains: the fixed ordered list of alternate providers tried after
// a retryable failure of the named provider.
var fallbackChains = map[string][]string{
	"openai":    {"anthropic", "google"},
	"anthropic": {"openai", "google"},
	"google":    {"openai", "anthropic"},
}

// FallbackChain returns the alternate providers for a failed provider.
func FallbackChain(provider string) []string {
	chain, ok := fallbackChains[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil
	}
	out := make([]string, len(chain))
	copy(out, chain)
	return out
}

// equivalents maps a model to its closest-capability model on each other
// provider.
var equivalents = map[string]map[string]string{
	"gpt-4o": {
		"anthropic": "claude-sonnet-4",
		"google":    "gemini-2.5-pro",
	},
	"gpt-4o-mini": {
		"anthropic": "claude-haiku-4",
		"google":    "gemini-2.5-flash",
	},
	"gpt-4": {
		"anthropic": "claude-opus-4",
		"google":    "gemini-2.5-pro",
	},
	"claude-opus-4": {
		"openai": "gpt-4",
		"google": "gemini-2.5-pro",
	},
	"claude-sonnet-4": {
		"openai": "gpt-4o",
		"google": "gemini-2.5-pro",
	},
	"claude-haiku-4": {
		"openai": "gpt-4o-mini",
		"google": "gemini-2.5-flash",
	},
	"gemini-2.5-pro": {
		"openai":    "gpt-4o",
		"anthropic": "claude-sonnet-4",
	},
	"gemini-2.5-flash": {
		"openai":    "gpt-4o-mini",
		"anthropic": "claude-haiku-4",
	},
}

// Equivalent resolves the closest model on a target provider: exact match
// first, then the longest prefix match so dated variants resolve.
func Equivalent(model, targetProvider string) (string, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	targetProvider = strings.ToLower(strings.TrimSpace(targetProvider))

	if byProvider, ok := equivalents[model]; ok {
		if eq, okTarget := byProvider[targetProvider]; okTarget {
			return eq, true
		}
		return "", false
	}

	best := ""
	for name := range equivalents {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return "", false
	}
	eq, ok := equivalents[best][targetProvider]
	return eq, ok
}

// cheaperAlternatives maps a model to its predefined cheaper same-provider
// alternative, used by auto routing for simple requests.
var cheaperAlternatives = map[string]string{
	"gpt-4":           "gpt-4o",
	"gpt-4-turbo":     "gpt-4o",
	"gpt-4o":          "gpt-4o-mini",
	"o1":              "o1-mini",
	"claude-opus-4":   "claude-sonnet-4",
	"claude-sonnet-4": "claude-haiku-4",
	"gemini-2.5-pro":  "gemini-2.5-flash",
}

// CheaperAlternative returns the predefined downgrade for a model.
func CheaperAlternative(model string) (string, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	if alt, ok := cheaperAlternatives[model]; ok {
		return alt, true
	}
	best := ""
	for name := range cheaperAlternatives {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return "", false
	}
	return cheaperAlternatives[best], true
}
