package stage

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/improv-stage/internal/store"
)

// CleanupCallback is called for every session removed by the TTL worker.
type CleanupCallback func(sessionID string)

// StartTTLWorker runs a background goroutine that periodically deletes
// expired sessions and notifies onCleanup for each one.
func StartTTLWorker(ctx context.Context, repo store.Repository, interval time.Duration, onCleanup CleanupCallback) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				cleanupExpiredSessions(ctx, repo, time.Now(), onCleanup)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func cleanupExpiredSessions(ctx context.Context, repo store.Repository, now time.Time, onCleanup CleanupCallback) int {
	expired, err := repo.DeleteExpiredSessions(ctx, now)
	if err != nil {
		slog.Error("TTL worker failed to delete expired sessions", "error", err)
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	for _, id := range expired {
		if onCleanup != nil {
			onCleanup(id)
		}
	}

	slog.Info("TTL worker cleanup completed", "cleaned", len(expired))
	return len(expired)
}
