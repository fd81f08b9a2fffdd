// Package transform rewrites a request body from one provider's wire format
// to another's, used when fallback crosses provider boundaries. Translation
// goes through the neutral message form, so only text conversation state
// survives; provider-specific extras (tool definitions, response formats) do
// not carry across and fallback callers gate on that upstream.
package transform

import (
	"fmt"
	"strings"

	"github.com/costrelay/costrelay/internal/provider"
	"github.com/tidwall/gjson"
)

// Translate re-emits body, currently in from's format, as a to-format request
// for targetModel. Shared generation parameters (temperature, max tokens,
// stream flag) are carried over; everything else is rebuilt.
func Translate(from, to provider.Provider, body []byte, targetModel string, stream bool) ([]byte, error) {
	if from == nil || to == nil {
		return nil, fmt.Errorf("transform: nil provider")
	}
	if strings.TrimSpace(targetModel) == "" {
		return nil, fmt.Errorf("transform: empty target model")
	}

	msgs := from.ExtractMessages(body)
	if len(msgs) == 0 {
		return nil, fmt.Errorf("transform: no messages in %s request", from.Name())
	}

	params := provider.GenParams{Stream: stream}
	if temp := extractTemperature(from.Name(), body); temp != nil {
		params.Temperature = temp
	}
	if maxTokens := extractMaxTokens(from.Name(), body); maxTokens > 0 {
		params.MaxTokens = &maxTokens
	}

	out, errBuild := to.BuildBody(targetModel, msgs, params)
	if errBuild != nil {
		return nil, fmt.Errorf("transform: build %s body: %w", to.Name(), errBuild)
	}
	return out, nil
}

// extractTemperature reads the sampling temperature wherever the source
// dialect puts it.
func extractTemperature(fromName string, body []byte) *float64 {
	paths := []string{"temperature"}
	if fromName == "google" {
		paths = []string{"generationConfig.temperature", "generation_config.temperature"}
	}
	for _, path := range paths {
		if v := gjson.GetBytes(body, path); v.Exists() {
			temp := v.Float()
			return &temp
		}
	}
	return nil
}

// extractMaxTokens reads the output cap wherever the source dialect puts it.
func extractMaxTokens(fromName string, body []byte) int {
	paths := []string{"max_tokens", "max_completion_tokens"}
	if fromName == "google" {
		paths = []string{"generationConfig.maxOutputTokens", "generation_config.max_output_tokens"}
	}
	for _, path := range paths {
		if v := gjson.GetBytes(body, path); v.Exists() {
			return int(v.Int())
		}
	}
	return 0
}
