package provider

import (
	"net/http"
	"strconv"

	"github.com/costrelay/costrelay/internal/usage"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"
)

func itoa(i int) string { return strconv.Itoa(i) }

// Anthropic implements the Anthropic messages wire format.
type Anthropic struct{}

// Name returns the provider identifier.
func (Anthropic) Name() string { return "anthropic" }

// Endpoint returns the messages URL; transport does not change it.
func (Anthropic) Endpoint(_ string, _ bool) string { return anthropicBaseURL }

// ApplyAuth attaches the api key and version headers.
func (Anthropic) ApplyAuth(req *http.Request, credential string) {
	req.Header.Set("x-api-key", credential)
	req.Header.Set("anthropic-version", anthropicVersion)
}

// ExtractUsage reads usage.input_tokens / usage.output_tokens.
func (Anthropic) ExtractUsage(body []byte) usage.TokenUsage {
	u := usage.TokenUsage{
		InputTokens:  int(gjson.GetBytes(body, "usage.input_tokens").Int()),
		OutputTokens: int(gjson.GetBytes(body, "usage.output_tokens").Int()),
		Model:        gjson.GetBytes(body, "model").String(),
	}
	u.TotalTokens = u.InputTokens + u.OutputTokens
	return u
}

// ExtractMessages normalizes the conversation. The dedicated system field,
// either a string or an array of text blocks, becomes a leading system
// message.
func (Anthropic) ExtractMessages(body []byte) []Message {
	var msgs []Message
	if system := collapseContent(gjson.GetBytes(body, "system")); system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		msgs = append(msgs, Message{
			Role:    msg.Get("role").String(),
			Content: collapseContent(msg.Get("content")),
		})
		return true
	})
	return msgs
}

// BuildBody emits an Anthropic request, lifting leading system messages into
// the dedicated system field.
func (Anthropic) BuildBody(model string, msgs []Message, params GenParams) ([]byte, error) {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "model", model)

	idx := 0
	for _, msg := range msgs {
		if msg.Role == "system" {
			existing := gjson.GetBytes(body, "system").String()
			if existing != "" {
				existing += "\n"
			}
			body, _ = sjson.SetBytes(body, "system", existing+msg.Content)
			continue
		}
		body, _ = sjson.SetBytes(body, "messages."+itoa(idx)+".role", msg.Role)
		body, _ = sjson.SetBytes(body, "messages."+itoa(idx)+".content", msg.Content)
		idx++
	}

	// max_tokens is required by the messages API.
	maxTokens := 4096
	if params.MaxTokens != nil {
		maxTokens = *params.MaxTokens
	}
	body, _ = sjson.SetBytes(body, "max_tokens", maxTokens)
	if params.Temperature != nil {
		body, _ = sjson.SetBytes(body, "temperature", *params.Temperature)
	}
	if params.Stream {
		body, _ = sjson.SetBytes(body, "stream", true)
	}
	return body, nil
}

// NewStreamScanner returns a scanner merging message_start and message_delta.
func (Anthropic) NewStreamScanner() StreamScanner {
	s := &anthropicScanner{}
	s.sse = usage.NewSSEScanner(s.onEvent)
	return s
}

type anthropicScanner struct {
	sse   *usage.SSEScanner
	total usage.TokenUsage
}

func (s *anthropicScanner) Feed(chunk []byte) { s.sse.Feed(chunk) }

func (s *anthropicScanner) Finish() usage.TokenUsage {
	s.sse.Finish()
	return s.total
}

// onEvent captures input tokens and model from message_start and output
// tokens from message_delta; both events must land for a complete reading.
func (s *anthropicScanner) onEvent(data []byte) {
	switch gjson.GetBytes(data, "type").String() {
	case "message_start":
		s.total.Merge(usage.TokenUsage{
			InputTokens: int(gjson.GetBytes(data, "message.usage.input_tokens").Int()),
			Model:       gjson.GetBytes(data, "message.model").String(),
		})
	case "message_delta":
		s.total.Merge(usage.TokenUsage{
			OutputTokens: int(gjson.GetBytes(data, "usage.output_tokens").Int()),
		})
	}
}
