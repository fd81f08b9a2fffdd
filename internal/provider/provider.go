// Package provider implements the closed set of upstream wire formats the
// proxy speaks: OpenAI-style chat completions, Anthropic-style messages, and
// Google-style generateContent. Each capability the core needs (usage
// extraction, message normalization, body construction, stream scanning)
// has exactly one implementation point per provider.
package provider

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/costrelay/costrelay/internal/usage"
)

// Message is the provider-neutral view of one conversation turn. System
// prompts are represented as a leading system-role message; structured and
// multimodal content blocks are collapsed to their text.
type Message struct {
	Role    string
	Content string
}

// GenParams carries the generation fields shared across provider schemas.
type GenParams struct {
	Temperature *float64
	MaxTokens   *int
	Stream      bool
}

// StreamScanner accumulates usage from one provider's SSE event grammar while
// the raw bytes are forwarded to the caller unmodified.
type StreamScanner interface {
	Feed(chunk []byte)
	// Finish flushes trailing data and returns the merged usage.
	Finish() usage.TokenUsage
}

// Provider is one upstream wire format.
type Provider interface {
	Name() string
	// Endpoint returns the upstream URL for a model and transport.
	Endpoint(model string, stream bool) string
	// ApplyAuth attaches the credential to an outbound request.
	ApplyAuth(req *http.Request, credential string)
	// ExtractUsage pulls token accounting from a buffered response body.
	ExtractUsage(body []byte) usage.TokenUsage
	// ExtractMessages normalizes the request body's conversation.
	ExtractMessages(body []byte) []Message
	// BuildBody re-emits a normalized conversation in this provider's shape.
	BuildBody(model string, msgs []Message, params GenParams) ([]byte, error)
	// NewStreamScanner returns a scanner for this provider's event grammar.
	NewStreamScanner() StreamScanner
}

// The provider registry. The set is closed; adding a provider means adding
// one implementation of each capability here.
var registry = map[string]Provider{
	"openai":    OpenAI{},
	"anthropic": Anthropic{},
	"google":    Google{},
}

// ByName returns the provider implementation for a name.
func ByName(name string) (Provider, error) {
	p, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("provider: unsupported provider %q", name)
	}
	return p, nil
}

// DetectFromModel infers the provider from a model name prefix.
func DetectFromModel(model string) (string, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(model, "gpt-"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return "openai", true
	case strings.HasPrefix(model, "claude-"):
		return "anthropic", true
	case strings.HasPrefix(model, "gemini-"):
		return "google", true
	default:
		return "", false
	}
}
