package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/costrelay/costrelay/internal/provider"
	"github.com/tidwall/gjson"
)

// Request carries the semantically relevant fields of one proxied request.
// Transport flags like streaming are deliberately absent: they do not change
// the answer, so they must not change the key.
type Request struct {
	Provider    string
	Model       string
	Temperature string
	MaxTokens   string
	Messages    []provider.Message
}

// NewRequest extracts the cache-relevant fields from a raw request body.
// Google bodies carry generation parameters under generationConfig rather
// than at the top level.
func NewRequest(providerName, model string, p provider.Provider, body []byte) Request {
	temperature := gjson.GetBytes(body, "temperature").Raw
	if temperature == "" {
		temperature = gjson.GetBytes(body, "generationConfig.temperature").Raw
	}
	maxTokens := gjson.GetBytes(body, "max_tokens").Raw
	if maxTokens == "" {
		maxTokens = gjson.GetBytes(body, "generationConfig.maxOutputTokens").Raw
	}
	return Request{
		Provider:    providerName,
		Model:       model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Messages:    p.ExtractMessages(body),
	}
}

// ExactKey hashes the request fields verbatim.
func (r Request) ExactKey() string {
	return r.digest(false)
}

// NormalizedKey hashes the request with message text normalized, so
// formatting-only differences collapse to the same key.
func (r Request) NormalizedKey() string {
	return r.digest(true)
}

// QueryText returns the concatenated message text used by the semantic tier.
func (r Request) QueryText() string {
	var parts []string
	for _, msg := range r.Messages {
		parts = append(parts, msg.Content)
	}
	return strings.Join(parts, "\n")
}

// digest builds a stable serialization and hashes it. Field order is fixed;
// a separator byte that cannot appear in normalized text keeps fields from
// bleeding into each other.
func (r Request) digest(normalized bool) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(r.Provider)
	write(r.Model)
	write(r.Temperature)
	write(r.MaxTokens)
	for _, msg := range r.Messages {
		write(msg.Role)
		if normalized {
			write(Normalize(msg.Content))
			continue
		}
		write(msg.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}
