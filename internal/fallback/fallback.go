// Package fallback executes upstream calls with cross-provider retry. The
// primary provider is tried first; retryable failures walk the provider's
// fallback chain, translating the request body into each alternate's wire
// format and swapping in the closest-capability model. Permanent upstream
// errors pass through unchanged and stop the chain.
package fallback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/costrelay/costrelay/internal/pricing"
	"github.com/costrelay/costrelay/internal/provider"
	"github.com/costrelay/costrelay/internal/transform"
	log "github.com/sirupsen/logrus"
)

// Request is one upstream call to execute.
type Request struct {
	// Provider is the primary provider name; Body is in its wire format.
	Provider string
	Model    string
	Body     []byte
	Stream   bool
	// Credentials maps provider name to plaintext credential. An alternate
	// without a credential is skipped.
	Credentials map[string]string
	// FallbackEnabled gates the chain; when false only the primary is tried.
	FallbackEnabled bool
}

// Result is the outcome of the last attempt made.
type Result struct {
	Provider string
	Model    string
	Status   int
	Header   http.Header
	// Body holds the buffered response for non-streaming calls.
	Body []byte
	// Stream is the live response body for streaming calls; the caller owns
	// closing it.
	Stream io.ReadCloser
	// FellBack is true when the responding provider is not the primary.
	FellBack bool
}

// Engine drives upstream attempts.
type Engine struct {
	client         *http.Client
	attemptTimeout time.Duration
	backoffBase    time.Duration
	backoffCap     time.Duration

	// endpointFn exists so tests can point attempts at a local server.
	endpointFn func(p provider.Provider, model string, stream bool) string
	sleepFn    func(ctx context.Context, d time.Duration) error
}

// NewEngine constructs an Engine. Zero durations fall back to defaults.
func NewEngine(client *http.Client, attemptTimeout, backoffBase, backoffCap time.Duration) *Engine {
	if client == nil {
		client = &http.Client{}
	}
	if attemptTimeout <= 0 {
		attemptTimeout = 20 * time.Second
	}
	if backoffBase <= 0 {
		backoffBase = 200 * time.Millisecond
	}
	if backoffCap <= 0 {
		backoffCap = 2 * time.Second
	}
	return &Engine{
		client:         client,
		attemptTimeout: attemptTimeout,
		backoffBase:    backoffBase,
		backoffCap:     backoffCap,
		endpointFn: func(p provider.Provider, model string, stream bool) string {
			return p.Endpoint(model, stream)
		},
		sleepFn: sleepContext,
	}
}

// SetEndpointResolver overrides upstream URL construction, for self-hosted
// gateways and tests that point attempts at a local server.
func (e *Engine) SetEndpointResolver(fn func(p provider.Provider, model string, stream bool) string) {
	if e == nil || fn == nil {
		return
	}
	e.endpointFn = fn
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryableStatus reports whether an upstream status drives the chain.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

type attempt struct {
	providerName string
	model        string
}

// attempts builds the ordered attempt list: the primary first, then each
// chain provider that has both a credential and a known equivalent model.
func (e *Engine) attempts(req Request) []attempt {
	list := []attempt{{providerName: req.Provider, model: req.Model}}
	if !req.FallbackEnabled {
		return list
	}
	for _, alt := range pricing.FallbackChain(req.Provider) {
		if _, ok := req.Credentials[alt]; !ok {
			continue
		}
		model, ok := pricing.Equivalent(req.Model, alt)
		if !ok {
			continue
		}
		list = append(list, attempt{providerName: alt, model: model})
	}
	return list
}

// Execute runs the attempt sequence. A non-nil Result with a retryable
// status means every eligible attempt failed and the last failure is being
// passed through; the Result names the provider that produced it.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	primary, errPrimary := provider.ByName(req.Provider)
	if errPrimary != nil {
		return nil, errPrimary
	}

	var lastResult *Result
	var lastErr error
	for i, att := range e.attempts(req) {
		if i > 0 {
			if errSleep := e.sleepFn(ctx, e.backoff(i-1)); errSleep != nil {
				break
			}
			log.WithFields(log.Fields{
				"provider": att.providerName,
				"model":    att.model,
			}).Info("retrying on fallback provider")
		}

		target, errTarget := provider.ByName(att.providerName)
		if errTarget != nil {
			lastErr = errTarget
			continue
		}

		body := req.Body
		if att.providerName != req.Provider {
			translated, errTranslate := transform.Translate(primary, target, req.Body, att.model, req.Stream)
			if errTranslate != nil {
				lastErr = errTranslate
				continue
			}
			body = translated
		}

		result, errDo := e.do(ctx, target, att, body, req)
		if errDo != nil {
			lastErr = errDo
			continue
		}
		result.FellBack = i > 0
		if retryableStatus(result.Status) {
			lastResult = result
			lastErr = nil
			continue
		}
		// Success or a permanent error; either way the chain stops here.
		return result, nil
	}

	if lastResult != nil {
		return lastResult, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("fallback: all providers failed: %w", lastErr)
	}
	return nil, fmt.Errorf("fallback: no eligible provider for %s/%s", req.Provider, req.Model)
}

func (e *Engine) backoff(attemptIdx int) time.Duration {
	d := e.backoffBase << attemptIdx
	if d > e.backoffCap || d <= 0 {
		return e.backoffCap
	}
	return d
}

func (e *Engine) do(ctx context.Context, target provider.Provider, att attempt, body []byte, req Request) (*Result, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if !req.Stream {
		// Streaming responses outlive any sane per-attempt deadline; the
		// timeout only guards buffered calls.
		callCtx, cancel = context.WithTimeout(ctx, e.attemptTimeout)
		defer cancel()
	}

	httpReq, errNew := http.NewRequestWithContext(callCtx, http.MethodPost, e.endpointFn(target, att.model, req.Stream), bytes.NewReader(body))
	if errNew != nil {
		return nil, fmt.Errorf("fallback: build request: %w", errNew)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	target.ApplyAuth(httpReq, req.Credentials[att.providerName])

	resp, errDo := e.client.Do(httpReq)
	if errDo != nil {
		return nil, fmt.Errorf("fallback: %s call: %w", att.providerName, errDo)
	}

	result := &Result{
		Provider: att.providerName,
		Model:    att.model,
		Status:   resp.StatusCode,
		Header:   resp.Header,
	}

	if req.Stream && resp.StatusCode < http.StatusBadRequest {
		result.Stream = resp.Body
		return result, nil
	}

	defer func() { _ = resp.Body.Close() }()
	buffered, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		return nil, fmt.Errorf("fallback: read %s response: %w", att.providerName, errRead)
	}
	result.Body = buffered
	return result, nil
}
