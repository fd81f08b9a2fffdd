package provider

import (
	"net/http"
	"strings"

	"github.com/costrelay/costrelay/internal/usage"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const openAIBaseURL = "https://api.openai.com/v1/chat/completions"

// OpenAI implements the OpenAI chat-completions wire format.
type OpenAI struct{}

// Name returns the provider identifier.
func (OpenAI) Name() string { return "openai" }

// Endpoint returns the chat completions URL; transport does not change it.
func (OpenAI) Endpoint(_ string, _ bool) string { return openAIBaseURL }

// ApplyAuth attaches a bearer credential.
func (OpenAI) ApplyAuth(req *http.Request, credential string) {
	req.Header.Set("Authorization", "Bearer "+credential)
}

// ExtractUsage reads usage.prompt_tokens / usage.completion_tokens.
func (OpenAI) ExtractUsage(body []byte) usage.TokenUsage {
	u := usage.TokenUsage{
		InputTokens:  int(gjson.GetBytes(body, "usage.prompt_tokens").Int()),
		OutputTokens: int(gjson.GetBytes(body, "usage.completion_tokens").Int()),
		Model:        gjson.GetBytes(body, "model").String(),
	}
	u.TotalTokens = u.InputTokens + u.OutputTokens
	return u
}

// ExtractMessages normalizes the messages array. Content is either a plain
// string or an array of typed parts whose text is collapsed.
func (OpenAI) ExtractMessages(body []byte) []Message {
	var msgs []Message
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		content := msg.Get("content")
		msgs = append(msgs, Message{Role: role, Content: collapseContent(content)})
		return true
	})
	return msgs
}

// collapseContent flattens a string-or-parts content value to text.
func collapseContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	var parts []string
	content.ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text").String(); text != "" {
			parts = append(parts, text)
		}
		return true
	})
	return strings.Join(parts, "\n")
}

// BuildBody emits an OpenAI request with system turns inline in messages.
func (OpenAI) BuildBody(model string, msgs []Message, params GenParams) ([]byte, error) {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "model", model)
	for i, msg := range msgs {
		body, _ = sjson.SetBytes(body, "messages."+itoa(i)+".role", msg.Role)
		body, _ = sjson.SetBytes(body, "messages."+itoa(i)+".content", msg.Content)
	}
	if params.Temperature != nil {
		body, _ = sjson.SetBytes(body, "temperature", *params.Temperature)
	}
	if params.MaxTokens != nil {
		body, _ = sjson.SetBytes(body, "max_tokens", *params.MaxTokens)
	}
	if params.Stream {
		body, _ = sjson.SetBytes(body, "stream", true)
		// OpenAI only reports streamed usage when asked for it.
		body, _ = sjson.SetBytes(body, "stream_options.include_usage", true)
	}
	return body, nil
}

// NewStreamScanner returns a scanner for the final usage-bearing chunk.
func (OpenAI) NewStreamScanner() StreamScanner {
	s := &openAIScanner{}
	s.sse = usage.NewSSEScanner(s.onEvent)
	return s
}

type openAIScanner struct {
	sse   *usage.SSEScanner
	total usage.TokenUsage
}

func (s *openAIScanner) Feed(chunk []byte) { s.sse.Feed(chunk) }

func (s *openAIScanner) Finish() usage.TokenUsage {
	s.sse.Finish()
	return s.total
}

func (s *openAIScanner) onEvent(data []byte) {
	if model := gjson.GetBytes(data, "model").String(); model != "" {
		s.total.Model = model
	}
	u := gjson.GetBytes(data, "usage")
	if !u.Exists() || u.Type == gjson.Null {
		return
	}
	s.total.Merge(usage.TokenUsage{
		InputTokens:  int(u.Get("prompt_tokens").Int()),
		OutputTokens: int(u.Get("completion_tokens").Int()),
	})
}
