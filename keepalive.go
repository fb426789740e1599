package dslock

import (
	"context"
	"errors"
	"time"
)

// KeepAlive refreshes token every interval until ctx is done. The first
// refresh failure is sent on the returned channel and stops the loop; the
// channel is closed when the loop exits. Cancel ctx before releasing the lock.
func (l *Locker) KeepAlive(ctx context.Context, token Token, interval time.Duration) <-chan error {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		logger := l.loggerFor(ctx)
		logger.Debug("lock.keepalive.start", "interval", interval, "expires_at", token.expiresAt)
		current := token
		for {
			select {
			case <-ctx.Done():
				logger.Debug("lock.keepalive.stop", "expires_at", current.expiresAt)
				return
			case <-l.clock.After(interval):
			}
			if ctx.Err() != nil {
				return
			}
			next, err := l.Refresh(ctx, current)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.Warn("lock.keepalive.failed", "error", err)
				errs <- err
				return
			}
			current = next
		}
	}()
	return errs
}
