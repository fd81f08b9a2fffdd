// Package async runs fire-and-forget work. Tasks detach from the request
// context and never propagate failures back to the caller.
package async

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

const taskTimeout = 5 * time.Second

// Go runs fn on its own goroutine with a fresh context. Panics are caught
// and logged so a bad task cannot take the process down.
func Go(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("task", name).Warnf("async task panicked: %v", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
		defer cancel()
		fn(ctx)
	}()
}
