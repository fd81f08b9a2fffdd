package provider

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestDetectFromModel(t *testing.T) {
	cases := []struct {
		model    string
		provider string
		ok       bool
	}{
		{"gpt-4o", "openai", true},
		{"o1-mini", "openai", true},
		{"claude-sonnet-4", "anthropic", true},
		{"gemini-2.5-flash", "google", true},
		{"llama-3", "", false},
	}
	for _, tc := range cases {
		got, ok := DetectFromModel(tc.model)
		if got != tc.provider || ok != tc.ok {
			t.Fatalf("DetectFromModel(%q) = %q,%v; want %q,%v", tc.model, got, ok, tc.provider, tc.ok)
		}
	}
}

func TestOpenAI_ExtractUsage(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","usage":{"prompt_tokens":10,"completion_tokens":20,"total_tokens":30}}`)
	u := OpenAI{}.ExtractUsage(body)
	if u.InputTokens != 10 || u.OutputTokens != 20 || u.TotalTokens != 30 {
		t.Fatalf("unexpected usage: %+v", u)
	}
	if u.Model != "gpt-4o" {
		t.Fatalf("expected model gpt-4o, got %q", u.Model)
	}
}

func TestAnthropic_ExtractUsage(t *testing.T) {
	body := []byte(`{"model":"claude-sonnet-4","usage":{"input_tokens":12,"output_tokens":34}}`)
	u := Anthropic{}.ExtractUsage(body)
	if u.InputTokens != 12 || u.OutputTokens != 34 || u.TotalTokens != 46 {
		t.Fatalf("unexpected usage: %+v", u)
	}
}

func TestGoogle_ExtractUsage(t *testing.T) {
	body := []byte(`{"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":7}}`)
	u := Google{}.ExtractUsage(body)
	if u.InputTokens != 5 || u.OutputTokens != 7 || u.TotalTokens != 12 {
		t.Fatalf("unexpected usage: %+v", u)
	}
}

func TestOpenAI_ExtractMessages_MultimodalCollapse(t *testing.T) {
	body := []byte(`{"messages":[
		{"role":"system","content":"be terse"},
		{"role":"user","content":[{"type":"text","text":"what is"},{"type":"image_url","image_url":{"url":"https://x/y.png"}},{"type":"text","text":"this"}]}
	]}`)
	msgs := OpenAI{}.ExtractMessages(body)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "be terse" {
		t.Fatalf("unexpected system message: %+v", msgs[0])
	}
	if msgs[1].Content != "what is\nthis" {
		t.Fatalf("expected collapsed text, got %q", msgs[1].Content)
	}
}

func TestAnthropic_ExtractMessages_SystemField(t *testing.T) {
	body := []byte(`{"system":"be terse","messages":[{"role":"user","content":"hi"}]}`)
	msgs := Anthropic{}.ExtractMessages(body)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "be terse" {
		t.Fatalf("expected leading system message, got %+v", msgs[0])
	}
	if msgs[1].Role != "user" || msgs[1].Content != "hi" {
		t.Fatalf("unexpected user message: %+v", msgs[1])
	}
}

func TestGoogle_BuildBody_SystemInstruction(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hi"},
	}
	body, err := Google{}.BuildBody("gemini-2.5-flash", msgs, GenParams{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := gjson.GetBytes(body, "systemInstruction.parts.0.text").String(); got != "be terse" {
		t.Fatalf("expected systemInstruction, got %q", got)
	}
	if got := gjson.GetBytes(body, "contents.0.role").String(); got != "user" {
		t.Fatalf("expected user content, got %q", got)
	}
	if got := gjson.GetBytes(body, "contents.0.parts.0.text").String(); got != "hi" {
		t.Fatalf("expected hi, got %q", got)
	}
}

func TestAnthropicScanner_MergesStartAndDelta(t *testing.T) {
	scanner := Anthropic{}.NewStreamScanner()
	scanner.Feed([]byte("event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"model\":\"claude-sonnet-4\",\"usage\":{\"input_tokens\":12}}}\n\n"))
	scanner.Feed([]byte("event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"hello\"}}\n\n"))
	scanner.Feed([]byte("event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":34}}\n\n"))

	u := scanner.Finish()
	if u.InputTokens != 12 || u.OutputTokens != 34 || u.TotalTokens != 46 {
		t.Fatalf("expected {12 34 46}, got %+v", u)
	}
	if u.Model != "claude-sonnet-4" {
		t.Fatalf("expected model from message_start, got %q", u.Model)
	}
}

func TestOpenAIScanner_FinalUsageChunk(t *testing.T) {
	scanner := OpenAI{}.NewStreamScanner()
	scanner.Feed([]byte("data: {\"model\":\"gpt-4o\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}],\"usage\":null}\n\n"))
	scanner.Feed([]byte("data: {\"choices\":[],\"usage\":{\"prompt_tokens\":8,\"completion_tokens\":3}}\n\n"))
	scanner.Feed([]byte("data: [DONE]\n\n"))

	u := scanner.Finish()
	if u.InputTokens != 8 || u.OutputTokens != 3 || u.TotalTokens != 11 {
		t.Fatalf("expected {8 3 11}, got %+v", u)
	}
}

func TestGoogleScanner_LastChunkWins(t *testing.T) {
	scanner := Google{}.NewStreamScanner()
	scanner.Feed([]byte("data: {\"usageMetadata\":{\"promptTokenCount\":5,\"candidatesTokenCount\":1}}\n\n"))
	scanner.Feed([]byte("data: {\"usageMetadata\":{\"promptTokenCount\":5,\"candidatesTokenCount\":9}}\n\n"))

	u := scanner.Finish()
	if u.InputTokens != 5 || u.OutputTokens != 9 || u.TotalTokens != 14 {
		t.Fatalf("expected {5 9 14}, got %+v", u)
	}
}

func TestScanner_SplitEventAcrossChunks(t *testing.T) {
	scanner := Anthropic{}.NewStreamScanner()
	full := "data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":7}}}\n\n"
	scanner.Feed([]byte(full[:20]))
	scanner.Feed([]byte(full[20:]))

	u := scanner.Finish()
	if u.InputTokens != 7 {
		t.Fatalf("expected input=7 across split chunks, got %+v", u)
	}
}
