package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentctl/runctl/internal/shared"
)

// withBusyRetry retries fn with exponential backoff when SQLite reports the
// database is busy or locked, the same pattern the teacher applies inline in
// its TTL worker and DeleteAgentSession — generalized here into one helper
// every repository method can share.
func withBusyRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, op string, fn func() error) error {
	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("sqlite operation conflicted, retrying", "op", op, "attempt", i+1, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		return fmt.Errorf("%s after retries: %w", op, err)
	}
	return nil
}
