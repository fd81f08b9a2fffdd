// Package observability ships per-request events to an external sink.
// Events are buffered in memory and flushed on a timer or when the batch
// fills, whichever comes first. Everything here is best effort: a full
// buffer, a down sink, or a rate-capped org drops events, never requests.
package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/costrelay/costrelay/internal/counter"
	log "github.com/sirupsen/logrus"
)

// Event is one proxied request's observability record.
type Event struct {
	OrgID        string  `json:"orgId"`
	ProxyKeyID   uint64  `json:"proxyKeyId"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Status       int     `json:"status"`
	LatencyMs    int64   `json:"latencyMs"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	Cost         float64 `json:"cost"`
	CacheTier    string  `json:"cacheTier,omitempty"`
	Timestamp    int64   `json:"timestamp"`
}

// Dispatcher batches events and posts them to the sink.
type Dispatcher struct {
	sinkURL         string
	client          *http.Client
	store           counter.Store
	orgEventsPerMin int
	flushInterval   time.Duration
	batchSize       int

	mu      sync.Mutex
	pending []Event

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	nowFn func() time.Time
}

// NewDispatcher constructs a Dispatcher. An empty sink URL disables delivery;
// events are still counted and dropped, which keeps call sites uniform.
func NewDispatcher(sinkURL string, store counter.Store, orgEventsPerMin int, flushInterval time.Duration, batchSize int) *Dispatcher {
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if orgEventsPerMin <= 0 {
		orgEventsPerMin = 600
	}
	return &Dispatcher{
		sinkURL:         strings.TrimSpace(sinkURL),
		client:          &http.Client{Timeout: 10 * time.Second},
		store:           store,
		orgEventsPerMin: orgEventsPerMin,
		flushInterval:   flushInterval,
		batchSize:       batchSize,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
		nowFn:           time.Now,
	}
}

// Start launches the flush loop.
func (d *Dispatcher) Start() {
	go func() {
		defer close(d.doneCh)
		ticker := time.NewTicker(d.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				d.flush()
				return
			case <-ticker.C:
				d.flush()
			}
		}
	}()
}

// Close flushes remaining events and stops the loop.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.doneCh
}

// Record enqueues one event. It never blocks on the sink; at most it takes
// the buffer mutex and one counter-store round trip for the org cap.
func (d *Dispatcher) Record(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = d.nowFn().Unix()
	}
	if !d.underOrgCap(ctx, event.OrgID) {
		return
	}

	d.mu.Lock()
	d.pending = append(d.pending, event)
	full := len(d.pending) >= d.batchSize
	d.mu.Unlock()
	if full {
		go d.flush()
	}
}

// underOrgCap enforces the per-org rolling cap over one-minute windows.
// Counter failures fail open.
func (d *Dispatcher) underOrgCap(ctx context.Context, orgID string) bool {
	if d.store == nil || orgID == "" {
		return true
	}
	key := fmt.Sprintf("obs:org:%s:%d", orgID, d.nowFn().Unix()/60)
	count, errIncr := d.store.IncrByFloat(ctx, key, 1)
	if errIncr != nil {
		log.WithError(errIncr).Debug("observability org cap counter failed")
		return true
	}
	if count == 1 {
		if errExpire := d.store.Expire(ctx, key, 2*time.Minute); errExpire != nil {
			log.WithError(errExpire).Debug("observability org cap expire failed")
		}
	}
	return count <= float64(d.orgEventsPerMin)
}

func (d *Dispatcher) flush() {
	d.mu.Lock()
	batch := d.pending
	d.pending = nil
	d.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if d.sinkURL == "" {
		return
	}

	payload, errMarshal := json.Marshal(batch)
	if errMarshal != nil {
		log.WithError(errMarshal).Warn("observability batch marshal failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, errNew := http.NewRequestWithContext(ctx, http.MethodPost, d.sinkURL, bytes.NewReader(payload))
	if errNew != nil {
		log.WithError(errNew).Warn("observability request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, errDo := d.client.Do(req)
	if errDo != nil {
		log.WithError(errDo).Warn("observability batch delivery failed")
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		log.WithFields(log.Fields{
			"status": resp.StatusCode,
			"events": len(batch),
		}).Warn("observability sink rejected batch")
	}
}
