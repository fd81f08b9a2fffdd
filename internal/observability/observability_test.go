package observability

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/costrelay/costrelay/internal/counter"
)

type sink struct {
	mu      sync.Mutex
	batches [][]Event
}

func (s *sink) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var batch []Event
		if err := json.Unmarshal(body, &batch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.batches = append(s.batches, batch)
		s.mu.Unlock()
	}
}

func (s *sink) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, b := range s.batches {
		total += len(b)
	}
	return total
}

func TestDispatcherFlushesOnBatchSize(t *testing.T) {
	s := &sink{}
	srv := httptest.NewServer(s.handler())
	defer srv.Close()

	d := NewDispatcher(srv.URL, nil, 1000, time.Hour, 3)
	d.Start()
	defer d.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		d.Record(ctx, Event{OrgID: "org-1", ProxyKeyID: 1, Status: 200})
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.eventCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := s.eventCount(); got != 3 {
		t.Fatalf("sink received %d events; want 3", got)
	}
}

func TestDispatcherFlushesOnClose(t *testing.T) {
	s := &sink{}
	srv := httptest.NewServer(s.handler())
	defer srv.Close()

	d := NewDispatcher(srv.URL, nil, 1000, time.Hour, 100)
	d.Start()
	d.Record(context.Background(), Event{OrgID: "org-1", Status: 200})
	d.Close()

	if got := s.eventCount(); got != 1 {
		t.Fatalf("sink received %d events after close; want 1", got)
	}
}

func TestDispatcherOrgCap(t *testing.T) {
	s := &sink{}
	srv := httptest.NewServer(s.handler())
	defer srv.Close()

	store := counter.NewMemoryStore(0)
	d := NewDispatcher(srv.URL, store, 2, time.Hour, 100)
	d.Start()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		d.Record(ctx, Event{OrgID: "org-1", Status: 200})
	}
	// A different org has its own window.
	d.Record(ctx, Event{OrgID: "org-2", Status: 200})
	d.Close()

	if got := s.eventCount(); got != 3 {
		t.Fatalf("sink received %d events; want 2 capped + 1 other org", got)
	}
}

func TestDispatcherRecordDoesNotBlockOnSlowSink(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	d := NewDispatcher(srv.URL, nil, 1000, time.Hour, 1000)
	d.Start()

	start := time.Now()
	for i := 0; i < 100; i++ {
		d.Record(context.Background(), Event{OrgID: "org-1", Status: 200})
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("recording took %v; must not wait on the sink", elapsed)
	}
	d.stopOnce.Do(func() { close(d.stopCh) })
}
