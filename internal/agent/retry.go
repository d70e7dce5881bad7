package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Startup wait deadlines per dependency class.
const (
	DatabaseWaitDeadline  = 300 * time.Second
	IdPWaitDeadline       = 300 * time.Second
	TicketingWaitDeadline = 120 * time.Second

	backoffInitial = 2 * time.Second
	backoffMax     = 30 * time.Second
)

// WaitFor polls fn with bounded exponential backoff (base 2, 2s..30s) until
// it succeeds or the deadline elapses. Failures are surfaced only after the
// deadline: the returned error wraps the most recent one with the dependency
// name.
func WaitFor(ctx context.Context, logger *slog.Logger, name string, deadline time.Duration, fn func(context.Context) error) error {
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	delay := backoffInitial
	attempt := 0
	var lastErr error

	for {
		attempt++
		err := fn(waitCtx)
		if err == nil {
			if attempt > 1 {
				logger.Info("dependency ready", "dependency", name, "attempts", attempt)
			}
			return nil
		}
		lastErr = err

		logger.Warn("dependency not ready, retrying",
			"dependency", name,
			"attempt", attempt,
			"sleep", delay.String(),
			"error", err)

		select {
		case <-waitCtx.Done():
			return fmt.Errorf("agent: %s not ready after %s: %w", name, deadline, lastErr)
		case <-time.After(delay):
		}

		delay *= 2
		if delay > backoffMax {
			delay = backoffMax
		}
	}
}
