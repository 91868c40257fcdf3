package database

import (
	"context"
	"log/slog"
	"time"
)

// StartCleanupTicker runs a background goroutine that periodically removes
// session history and asset events older than retentionDays. If
// retentionDays is 0 no cleanup is performed. The goroutine stops when ctx
// is cancelled.
func StartCleanupTicker(ctx context.Context, sessions SessionRepository, assetEvents AssetEventRepository, retentionDays int, interval time.Duration) {
	if retentionDays <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				PruneHistory(ctx, sessions, assetEvents, retentionDays, time.Now())
			}
		}
	}()
}

// PruneHistory deletes finished sessions started, and asset events
// recorded, more than retentionDays before now. It returns how many rows of
// each were removed; a failing table is logged and counts as zero.
func PruneHistory(ctx context.Context, sessions SessionRepository, assetEvents AssetEventRepository, retentionDays int, now time.Time) (int64, int64) {
	cutoff := now.AddDate(0, 0, -retentionDays)

	deletedSessions, err := sessions.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("session retention cleanup failed", "error", err)
		deletedSessions = 0
	}

	var deletedEvents int64
	if assetEvents != nil {
		deletedEvents, err = assetEvents.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			slog.Error("asset event retention cleanup failed", "error", err)
			deletedEvents = 0
		}
	}

	if deletedSessions > 0 || deletedEvents > 0 {
		slog.Info("history retention cleanup",
			"sessions_deleted", deletedSessions,
			"asset_events_deleted", deletedEvents,
			"retention_days", retentionDays,
		)
	}
	return deletedSessions, deletedEvents
}
