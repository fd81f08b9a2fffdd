// Package ratelimit enforces per-key request ceilings in fixed one-minute
// windows. Redis keeps the windows shared across replicas; an in-memory
// limiter takes over behind a circuit breaker when Redis is unreachable.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

const window = time.Minute

// Result describes the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// Limiter provides rate limit checks.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, now time.Time) (Result, error)
}

// KeyFor builds the limiter key for a proxy key.
func KeyFor(proxyKeyID uint64) string {
	if proxyKeyID == 0 {
		return ""
	}
	return fmt.Sprintf("k:%d", proxyKeyID)
}

func windowStart(now time.Time) int64 {
	return now.Unix() - now.Unix()%int64(window/time.Second)
}

func windowReset(now time.Time) time.Time {
	return time.Unix(windowStart(now)+int64(window/time.Second), 0).UTC()
}
