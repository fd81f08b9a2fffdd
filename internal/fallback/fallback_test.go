package fallback

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/costrelay/costrelay/internal/provider"
	"github.com/tidwall/gjson"
)

func testEngine(t *testing.T, endpoints map[string]string) *Engine {
	t.Helper()
	e := NewEngine(&http.Client{}, 5*time.Second, time.Millisecond, 2*time.Millisecond)
	e.endpointFn = func(p provider.Provider, _ string, _ bool) string {
		return endpoints[p.Name()]
	}
	e.sleepFn = func(context.Context, time.Duration) error { return nil }
	return e
}

const openAIBody = `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"max_tokens":16}`

func TestExecutePrimarySuccess(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"usage":{"prompt_tokens":1,"completion_tokens":1}}`))
	}))
	defer srv.Close()

	e := testEngine(t, map[string]string{"openai": srv.URL})
	result, err := e.Execute(context.Background(), Request{
		Provider:        "openai",
		Model:           "gpt-4o",
		Body:            []byte(openAIBody),
		Credentials:     map[string]string{"openai": "sk-test"},
		FallbackEnabled: true,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.FellBack {
		t.Fatal("primary success must not be marked as fallback")
	}
	if result.Provider != "openai" || result.Status != http.StatusOK {
		t.Fatalf("unexpected result %+v", result)
	}
	if calls != 1 {
		t.Fatalf("calls = %d; want 1", calls)
	}
}

func TestExecuteFallsBackWithTranslation(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer primary.Close()

	var altBody []byte
	var altAuth string
	alt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		altBody, _ = io.ReadAll(r.Body)
		altAuth = r.Header.Get("x-api-key")
		_, _ = w.Write([]byte(`{"usage":{"input_tokens":3,"output_tokens":4}}`))
	}))
	defer alt.Close()

	e := testEngine(t, map[string]string{"openai": primary.URL, "anthropic": alt.URL})
	result, err := e.Execute(context.Background(), Request{
		Provider: "openai",
		Model:    "gpt-4o",
		Body:     []byte(openAIBody),
		Credentials: map[string]string{
			"openai":    "sk-test",
			"anthropic": "ak-test",
		},
		FallbackEnabled: true,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.FellBack {
		t.Fatal("expected fallback")
	}
	if result.Provider != "anthropic" || result.Model != "claude-sonnet-4" {
		t.Fatalf("unexpected fallback target %s/%s", result.Provider, result.Model)
	}
	if altAuth != "ak-test" {
		t.Fatalf("alternate credential = %q; want ak-test", altAuth)
	}
	// The body must arrive in the alternate's wire format.
	if got := gjson.GetBytes(altBody, "messages.0.content").String(); got != "hi" {
		t.Fatalf("translated body = %s", altBody)
	}
	if !gjson.GetBytes(altBody, "max_tokens").Exists() {
		t.Fatalf("max_tokens not carried: %s", altBody)
	}
}

func TestExecuteChainExhaustionReturnsLastFailure(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"primary down"}`))
	}))
	defer primary.Close()

	altCalls := 0
	alt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		altCalls++
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"alternate overloaded"}`))
	}))
	defer alt.Close()

	// No google credential: the chain's third provider is skipped entirely.
	e := testEngine(t, map[string]string{"openai": primary.URL, "anthropic": alt.URL})
	result, err := e.Execute(context.Background(), Request{
		Provider: "openai",
		Model:    "gpt-4o",
		Body:     []byte(openAIBody),
		Credentials: map[string]string{
			"openai":    "sk-test",
			"anthropic": "ak-test",
		},
		FallbackEnabled: true,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Provider != "anthropic" {
		t.Fatalf("last failure should come from anthropic, got %s", result.Provider)
	}
	if result.Status != http.StatusTooManyRequests {
		t.Fatalf("status = %d; want 429", result.Status)
	}
	if !result.FellBack {
		t.Fatal("exhausted chain result must be marked as fallback")
	}
	if altCalls != 1 {
		t.Fatalf("alternate calls = %d; want 1", altCalls)
	}
}

func TestExecutePermanentErrorStopsChain(t *testing.T) {
	primaryCalls := 0
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		primaryCalls++
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer primary.Close()

	altCalls := 0
	alt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		altCalls++
	}))
	defer alt.Close()

	e := testEngine(t, map[string]string{"openai": primary.URL, "anthropic": alt.URL})
	result, err := e.Execute(context.Background(), Request{
		Provider: "openai",
		Model:    "gpt-4o",
		Body:     []byte(openAIBody),
		Credentials: map[string]string{
			"openai":    "sk-test",
			"anthropic": "ak-test",
		},
		FallbackEnabled: true,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != http.StatusUnauthorized || result.FellBack {
		t.Fatalf("expected passthrough of 401, got %+v", result)
	}
	if altCalls != 0 {
		t.Fatalf("alternate must not be tried after a permanent error, calls = %d", altCalls)
	}
	if primaryCalls != 1 {
		t.Fatalf("primary calls = %d; want 1", primaryCalls)
	}
}

func TestExecuteFallbackDisabled(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer primary.Close()

	altCalls := 0
	alt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		altCalls++
	}))
	defer alt.Close()

	e := testEngine(t, map[string]string{"openai": primary.URL, "anthropic": alt.URL})
	result, err := e.Execute(context.Background(), Request{
		Provider: "openai",
		Model:    "gpt-4o",
		Body:     []byte(openAIBody),
		Credentials: map[string]string{
			"openai":    "sk-test",
			"anthropic": "ak-test",
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != http.StatusBadGateway || result.FellBack {
		t.Fatalf("unexpected result %+v", result)
	}
	if altCalls != 0 {
		t.Fatalf("fallback disabled but alternate was called %d times", altCalls)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	e := NewEngine(nil, 0, 200*time.Millisecond, 2*time.Second)
	want := []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		2 * time.Second,
		2 * time.Second,
	}
	for i, w := range want {
		if got := e.backoff(i); got != w {
			t.Fatalf("backoff(%d) = %v; want %v", i, got, w)
		}
	}
}
