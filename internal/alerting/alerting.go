// Package alerting delivers budget and anomaly notifications. Delivery is
// fire-and-forget: the proxy hot path never waits on or fails because of a
// notifier.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Alert describes one crossed budget threshold.
type Alert struct {
	OrgID        string  `json:"orgId"`
	Level        string  `json:"level"`
	LayerID      string  `json:"layerId"`
	Bucket       string  `json:"bucket"`
	Threshold    float64 `json:"threshold"`
	CurrentSpend float64 `json:"currentSpend"`
	Limit        float64 `json:"limit"`
	Message      string  `json:"message"`
}

// Notifier delivers alerts. Implementations must be safe for concurrent use
// and must not block for longer than their own internal timeout.
type Notifier interface {
	Notify(ctx context.Context, alert Alert)
}

// Func adapts a plain function into a Notifier.
type Func func(ctx context.Context, alert Alert)

// Notify implements Notifier.
func (f Func) Notify(ctx context.Context, alert Alert) {
	if f == nil {
		return
	}
	f(ctx, alert)
}

// LogNotifier writes alerts to the structured log. It is the default sink
// when no webhook is configured.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(_ context.Context, alert Alert) {
	log.WithFields(log.Fields{
		"org":       alert.OrgID,
		"level":     alert.Level,
		"layer":     alert.LayerID,
		"bucket":    alert.Bucket,
		"threshold": alert.Threshold,
		"spend":     alert.CurrentSpend,
		"limit":     alert.Limit,
	}).Warn(alert.Message)
}

// WebhookNotifier posts alerts as JSON to a configured endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier constructs a WebhookNotifier. Returns nil when the URL
// is empty so callers can treat an unconfigured webhook as absent.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: timeout}}
}

// Notify implements Notifier. Delivery failures are logged and dropped.
func (n *WebhookNotifier) Notify(ctx context.Context, alert Alert) {
	if n == nil || n.client == nil {
		return
	}
	payload, errMarshal := json.Marshal(alert)
	if errMarshal != nil {
		log.WithError(errMarshal).Warn("alert webhook payload marshal failed")
		return
	}
	req, errNew := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if errNew != nil {
		log.WithError(errNew).Warn("alert webhook request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, errDo := n.client.Do(req)
	if errDo != nil {
		log.WithError(errDo).Warn("alert webhook delivery failed")
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		log.WithField("status", resp.StatusCode).Warn("alert webhook rejected")
	}
}

// Multi fans an alert out to several notifiers.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, alert Alert) {
	for _, n := range m {
		if n == nil {
			continue
		}
		n.Notify(ctx, alert)
	}
}
