package jobs

import (
	"context"
	"log/slog"
	"time"
)

// Archiver soft-archives idle conversations.
type Archiver interface {
	ArchiveInactiveConversations(ctx context.Context, before time.Time) (int64, error)
}

const archiveSweepInterval = time.Hour

// StartArchiveSweeper runs a background goroutine that periodically archives
// conversations idle for longer than after. Archived conversations are kept
// for audit but are no longer resumed by session key.
func StartArchiveSweeper(ctx context.Context, repo Archiver, after time.Duration, logger *slog.Logger) {
	if after <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(archiveSweepInterval)
	go func() {
		defer ticker.Stop()
		logger.Info("archive sweeper started", "interval", archiveSweepInterval, "after", after)

		for {
			select {
			case <-ticker.C:
				sweepInactiveConversations(ctx, repo, after, logger)
			case <-ctx.Done():
				logger.Info("archive sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepInactiveConversations(ctx context.Context, repo Archiver, after time.Duration, logger *slog.Logger) {
	archived, err := repo.ArchiveInactiveConversations(ctx, time.Now().Add(-after))
	if err != nil {
		logger.Error("archive sweeper failed", "error", err)
		return
	}
	if archived > 0 {
		logger.Info("archive sweeper archived conversations", "count", archived)
	}
}
