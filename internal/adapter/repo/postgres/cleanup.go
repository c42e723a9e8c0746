package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// CleanupService deletes results and documents past the retention period.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
	now           func() time.Time
}

// NewCleanupService creates a cleanup service; retentionDays <= 0 means 90.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays, now: time.Now}
}

// CleanupOldData removes everything created before the retention cutoff in
// one transaction.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := s.now().UTC().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=cleanup.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	deleted := make(map[string]int64, 3)
	for _, table := range []string{"grading_results", "submissions", "reference_materials"} {
		tag, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE created_at < $1`, cutoff)
		if err != nil {
			return fmt.Errorf("op=cleanup.delete %s: %w", table, err)
		}
		deleted[table] = tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=cleanup.commit: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_results", deleted["grading_results"]),
		slog.Int64("deleted_submissions", deleted["submissions"]),
		slog.Int64("deleted_materials", deleted["reference_materials"]),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic runs CleanupOldData now and then every interval until ctx is
// done.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
