package counter

import (
	"context"
	"errors"
	"testing"
	"time"
)

// failingStore always errors, standing in for an unreachable Redis.
type failingStore struct{ calls int }

var errDown = errors.New("connection refused")

func (f *failingStore) Get(context.Context, string) (string, error) { f.calls++; return "", errDown }
func (f *failingStore) Set(context.Context, string, string, time.Duration) error {
	f.calls++
	return errDown
}
func (f *failingStore) IncrByFloat(context.Context, string, float64) (float64, error) {
	f.calls++
	return 0, errDown
}
func (f *failingStore) Expire(context.Context, string, time.Duration) error {
	f.calls++
	return errDown
}
func (f *failingStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	f.calls++
	return false, errDown
}
func (f *failingStore) LPush(context.Context, string, ...string) error { f.calls++; return errDown }
func (f *failingStore) LRange(context.Context, string, int64, int64) ([]string, error) {
	f.calls++
	return nil, errDown
}
func (f *failingStore) LTrim(context.Context, string, int64, int64) error {
	f.calls++
	return errDown
}
func (f *failingStore) HIncrBy(context.Context, string, string, int64) (int64, error) {
	f.calls++
	return 0, errDown
}
func (f *failingStore) HIncrByFloat(context.Context, string, string, float64) (float64, error) {
	f.calls++
	return 0, errDown
}
func (f *failingStore) HGetAll(context.Context, string) (map[string]string, error) {
	f.calls++
	return nil, errDown
}
func (f *failingStore) Scan(context.Context, string) ([]string, error) {
	f.calls++
	return nil, errDown
}
func (f *failingStore) Del(context.Context, ...string) error { f.calls++; return errDown }

func TestManager_FallsBackToMemory(t *testing.T) {
	primary := &failingStore{}
	m := NewManager(primary, NewMemoryStore(10))
	ctx := context.Background()

	if err := m.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set should degrade, got %v", err)
	}
	val, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get should degrade, got %v", err)
	}
	if val != "v" {
		t.Fatalf("expected value from fallback, got %q", val)
	}
}

func TestManager_BreakerSkipsPrimary(t *testing.T) {
	primary := &failingStore{}
	m := NewManager(primary, NewMemoryStore(10))
	now := time.Now()
	m.nowFn = func() time.Time { return now }
	ctx := context.Background()

	_ = m.Set(ctx, "a", "1", 0)
	callsAfterTrip := primary.calls
	_ = m.Set(ctx, "b", "2", 0)
	if primary.calls != callsAfterTrip {
		t.Fatalf("expected breaker to skip primary, calls %d -> %d", callsAfterTrip, primary.calls)
	}

	now = now.Add(breakerDuration + time.Second)
	_ = m.Set(ctx, "c", "3", 0)
	if primary.calls == callsAfterTrip {
		t.Fatalf("expected primary probe after breaker expiry")
	}
}

func TestManager_NilPrimaryUsesFallback(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()

	got, err := m.IncrByFloat(ctx, "spend", 1.5)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if got != 1.5 {
		t.Fatalf("expected 1.5, got %v", got)
	}
}
