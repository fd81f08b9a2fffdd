package provider

import (
	"fmt"
	"net/http"

	"github.com/costrelay/costrelay/internal/usage"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const googleBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"

// Google implements the Gemini generateContent wire format.
type Google struct{}

// Name returns the provider identifier.
func (Google) Name() string { return "google" }

// Endpoint embeds the model in the path and selects the streaming verb.
func (Google) Endpoint(model string, stream bool) string {
	if stream {
		return fmt.Sprintf("%s/%s:streamGenerateContent?alt=sse", googleBaseURL, model)
	}
	return fmt.Sprintf("%s/%s:generateContent", googleBaseURL, model)
}

// ApplyAuth attaches the API key header.
func (Google) ApplyAuth(req *http.Request, credential string) {
	req.Header.Set("x-goog-api-key", credential)
}

// ExtractUsage reads usageMetadata.promptTokenCount / candidatesTokenCount.
func (Google) ExtractUsage(body []byte) usage.TokenUsage {
	u := usage.TokenUsage{
		InputTokens:  int(gjson.GetBytes(body, "usageMetadata.promptTokenCount").Int()),
		OutputTokens: int(gjson.GetBytes(body, "usageMetadata.candidatesTokenCount").Int()),
		Model:        gjson.GetBytes(body, "modelVersion").String(),
	}
	u.TotalTokens = u.InputTokens + u.OutputTokens
	return u
}

// ExtractMessages normalizes contents plus systemInstruction. Gemini's
// "model" role maps to the neutral "assistant".
func (Google) ExtractMessages(body []byte) []Message {
	var msgs []Message
	if system := collapseParts(gjson.GetBytes(body, "systemInstruction")); system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	gjson.GetBytes(body, "contents").ForEach(func(_, content gjson.Result) bool {
		role := content.Get("role").String()
		if role == "model" {
			role = "assistant"
		}
		if role == "" {
			role = "user"
		}
		msgs = append(msgs, Message{Role: role, Content: collapseParts(content)})
		return true
	})
	return msgs
}

// collapseParts joins the text parts of a content entry.
func collapseParts(content gjson.Result) string {
	var out string
	content.Get("parts").ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text").String(); text != "" {
			if out != "" {
				out += "\n"
			}
			out += text
		}
		return true
	})
	return out
}

// BuildBody emits a Gemini request, lifting leading system messages into
// systemInstruction and mapping assistant back to the "model" role.
func (Google) BuildBody(_ string, msgs []Message, params GenParams) ([]byte, error) {
	body := []byte(`{}`)

	idx := 0
	for _, msg := range msgs {
		if msg.Role == "system" {
			existing := gjson.GetBytes(body, "systemInstruction.parts.0.text").String()
			if existing != "" {
				existing += "\n"
			}
			body, _ = sjson.SetBytes(body, "systemInstruction.parts.0.text", existing+msg.Content)
			continue
		}
		role := msg.Role
		if role == "assistant" {
			role = "model"
		}
		body, _ = sjson.SetBytes(body, "contents."+itoa(idx)+".role", role)
		body, _ = sjson.SetBytes(body, "contents."+itoa(idx)+".parts.0.text", msg.Content)
		idx++
	}

	if params.Temperature != nil {
		body, _ = sjson.SetBytes(body, "generationConfig.temperature", *params.Temperature)
	}
	if params.MaxTokens != nil {
		body, _ = sjson.SetBytes(body, "generationConfig.maxOutputTokens", *params.MaxTokens)
	}
	return body, nil
}

// NewStreamScanner returns a scanner reading in-line usageMetadata chunks,
// last one wins.
func (Google) NewStreamScanner() StreamScanner {
	s := &googleScanner{}
	s.sse = usage.NewSSEScanner(s.onEvent)
	return s
}

type googleScanner struct {
	sse   *usage.SSEScanner
	total usage.TokenUsage
}

func (s *googleScanner) Feed(chunk []byte) { s.sse.Feed(chunk) }

func (s *googleScanner) Finish() usage.TokenUsage {
	s.sse.Finish()
	return s.total
}

func (s *googleScanner) onEvent(data []byte) {
	meta := gjson.GetBytes(data, "usageMetadata")
	if !meta.Exists() {
		return
	}
	input := int(meta.Get("promptTokenCount").Int())
	output := int(meta.Get("candidatesTokenCount").Int())
	if input > 0 {
		s.total.InputTokens = input
	}
	if output > 0 {
		s.total.OutputTokens = output
	}
	s.total.TotalTokens = s.total.InputTokens + s.total.OutputTokens
	if model := gjson.GetBytes(data, "modelVersion").String(); model != "" {
		s.total.Model = model
	}
}
