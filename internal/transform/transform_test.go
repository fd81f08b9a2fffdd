package transform

import (
	"testing"

	"github.com/costrelay/costrelay/internal/provider"
	"github.com/tidwall/gjson"
)

func mustProvider(t *testing.T, name string) provider.Provider {
	t.Helper()
	p, err := provider.ByName(name)
	if err != nil {
		t.Fatalf("provider %s: %v", name, err)
	}
	return p
}

func TestTranslateAnthropicToOpenAI(t *testing.T) {
	anthropic := mustProvider(t, "anthropic")
	openai := mustProvider(t, "openai")

	body := []byte(`{
		"model": "claude-sonnet-4",
		"system": "Answer briefly.",
		"max_tokens": 512,
		"temperature": 0.2,
		"messages": [
			{"role": "user", "content": "Name the largest ocean."},
			{"role": "assistant", "content": "The Pacific."},
			{"role": "user", "content": "And the second largest?"}
		]
	}`)

	out, err := Translate(anthropic, openai, body, "gpt-4o", false)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}

	if got := gjson.GetBytes(out, "model").String(); got != "gpt-4o" {
		t.Fatalf("model = %q; want gpt-4o", got)
	}
	msgs := gjson.GetBytes(out, "messages").Array()
	if len(msgs) != 4 {
		t.Fatalf("got %d messages; want 4 (system + 3 turns)", len(msgs))
	}
	if msgs[0].Get("role").String() != "system" || msgs[0].Get("content").String() != "Answer briefly." {
		t.Fatalf("system prompt not carried: %s", msgs[0].Raw)
	}
	if msgs[2].Get("role").String() != "assistant" {
		t.Fatalf("assistant turn lost: %s", msgs[2].Raw)
	}
	if got := gjson.GetBytes(out, "max_tokens").Int(); got != 512 {
		t.Fatalf("max_tokens = %d; want 512", got)
	}
	if got := gjson.GetBytes(out, "temperature").Float(); got != 0.2 {
		t.Fatalf("temperature = %v; want 0.2", got)
	}
}

func TestTranslateOpenAIToGoogle(t *testing.T) {
	openai := mustProvider(t, "openai")
	google := mustProvider(t, "google")

	body := []byte(`{
		"model": "gpt-4o",
		"temperature": 0.7,
		"max_tokens": 128,
		"messages": [
			{"role": "system", "content": "Be concise."},
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": "hi"}
		]
	}`)

	out, err := Translate(openai, google, body, "gemini-2.5-flash", false)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}

	if got := gjson.GetBytes(out, "systemInstruction.parts.0.text").String(); got != "Be concise." {
		t.Fatalf("systemInstruction = %q", got)
	}
	contents := gjson.GetBytes(out, "contents").Array()
	if len(contents) != 2 {
		t.Fatalf("got %d contents; want 2", len(contents))
	}
	if contents[1].Get("role").String() != "model" {
		t.Fatalf("assistant role should map to model, got %s", contents[1].Raw)
	}
	if got := gjson.GetBytes(out, "generationConfig.maxOutputTokens").Int(); got != 128 {
		t.Fatalf("maxOutputTokens = %d; want 128", got)
	}
	if got := gjson.GetBytes(out, "generationConfig.temperature").Float(); got != 0.7 {
		t.Fatalf("temperature = %v; want 0.7", got)
	}
}

func TestTranslateGoogleToAnthropic(t *testing.T) {
	google := mustProvider(t, "google")
	anthropic := mustProvider(t, "anthropic")

	body := []byte(`{
		"systemInstruction": {"parts": [{"text": "Be terse."}]},
		"generationConfig": {"temperature": 0.1, "maxOutputTokens": 64},
		"contents": [
			{"role": "user", "parts": [{"text": "ping"}]},
			{"role": "model", "parts": [{"text": "pong"}]}
		]
	}`)

	out, err := Translate(google, anthropic, body, "claude-sonnet-4", false)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}

	if got := gjson.GetBytes(out, "system").String(); got != "Be terse." {
		t.Fatalf("system = %q", got)
	}
	msgs := gjson.GetBytes(out, "messages").Array()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages; want 2", len(msgs))
	}
	if msgs[1].Get("role").String() != "assistant" {
		t.Fatalf("model role should map back to assistant, got %s", msgs[1].Raw)
	}
	if got := gjson.GetBytes(out, "max_tokens").Int(); got != 64 {
		t.Fatalf("max_tokens = %d; want 64", got)
	}
	if got := gjson.GetBytes(out, "temperature").Float(); got != 0.1 {
		t.Fatalf("temperature = %v; want 0.1", got)
	}
}

func TestTranslateStreamFlag(t *testing.T) {
	anthropic := mustProvider(t, "anthropic")
	openai := mustProvider(t, "openai")

	body := []byte(`{"model":"claude-sonnet-4","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`)
	out, err := Translate(anthropic, openai, body, "gpt-4o", true)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if !gjson.GetBytes(out, "stream").Bool() {
		t.Fatal("stream flag not set")
	}
	if !gjson.GetBytes(out, "stream_options.include_usage").Bool() {
		t.Fatal("stream usage option not set")
	}
}

func TestTranslateEmptyConversation(t *testing.T) {
	openai := mustProvider(t, "openai")
	anthropic := mustProvider(t, "anthropic")
	if _, err := Translate(openai, anthropic, []byte(`{"model":"gpt-4o"}`), "claude-sonnet-4", false); err == nil {
		t.Fatal("expected error for empty conversation")
	}
}
