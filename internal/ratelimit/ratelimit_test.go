package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiterWindow(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()
	now := time.Date(2024, 5, 15, 10, 30, 12, 0, time.UTC)

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "k:1", 3, now)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if res.Remaining != 2-i {
			t.Fatalf("remaining = %d; want %d", res.Remaining, 2-i)
		}
	}

	res, err := l.Allow(ctx, "k:1", 3, now.Add(10*time.Second))
	if err != nil {
		t.Fatalf("allow over limit: %v", err)
	}
	if res.Allowed {
		t.Fatal("fourth request in the same minute should be denied")
	}
	if !res.Reset.Equal(time.Date(2024, 5, 15, 10, 31, 0, 0, time.UTC)) {
		t.Fatalf("reset = %v; want top of next minute", res.Reset)
	}

	// Next window starts fresh.
	res, err = l.Allow(ctx, "k:1", 3, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("allow next window: %v", err)
	}
	if !res.Allowed {
		t.Fatal("new window should allow")
	}
}

func TestMemoryLimiterKeysIndependent(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()
	now := time.Now()

	if res, _ := l.Allow(ctx, "k:1", 1, now); !res.Allowed {
		t.Fatal("first key should be allowed")
	}
	if res, _ := l.Allow(ctx, "k:1", 1, now); res.Allowed {
		t.Fatal("first key should now be denied")
	}
	if res, _ := l.Allow(ctx, "k:2", 1, now); !res.Allowed {
		t.Fatal("second key must not share the first key's counter")
	}
}

func TestMemoryLimiterZeroLimitDisables(t *testing.T) {
	l := NewMemoryLimiter()
	for i := 0; i < 100; i++ {
		res, err := l.Allow(context.Background(), "k:1", 0, time.Now())
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !res.Allowed {
			t.Fatal("zero limit must disable limiting")
		}
	}
}

func TestManagerWithoutRedis(t *testing.T) {
	m := NewManager(nil, "", nil)
	res, err := m.Allow(context.Background(), KeyFor(7), 1)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !res.Allowed {
		t.Fatal("first request should be allowed")
	}
	res, err = m.Allow(context.Background(), KeyFor(7), 1)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if res.Allowed {
		t.Fatal("limit exhausted, request should be denied")
	}
}

func TestKeyFor(t *testing.T) {
	if got := KeyFor(42); got != "k:42" {
		t.Fatalf("KeyFor(42) = %q", got)
	}
	if got := KeyFor(0); got != "" {
		t.Fatalf("KeyFor(0) = %q; want empty", got)
	}
}
