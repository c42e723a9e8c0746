package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
)

// StuckJobSweeper fails jobs that have sat in processing without progress
// for longer than maxProcessingAge, e.g. after a worker crash.
type StuckJobSweeper struct {
	jobs             domain.JobStore
	maxProcessingAge time.Duration
	interval         time.Duration
	now              func() time.Time
}

func NewStuckJobSweeper(jobs domain.JobStore, maxProcessingAge, interval time.Duration) *StuckJobSweeper {
	if jobs == nil {
		return nil
	}
	if maxProcessingAge <= 0 {
		maxProcessingAge = 30 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{
		jobs:             jobs,
		maxProcessingAge: maxProcessingAge,
		interval:         interval,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) int {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	cutoff := s.now().Add(-s.maxProcessingAge)
	span.SetAttributes(attribute.Float64("jobs.max_processing_age_seconds", s.maxProcessingAge.Seconds()))

	ids, err := s.jobs.ListProcessing(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck job sweep failed to list jobs", slog.Any("error", err))
		return 0
	}

	marked := 0
	msg := fmt.Sprintf("job made no progress for %v; marked as failed by sweeper", s.maxProcessingAge)
	for _, id := range ids {
		jobCtx, jobSpan := tracer.Start(ctx, "StuckJobSweeper.markFailed")
		jobSpan.SetAttributes(attribute.String("job.id", id))
		_, err := s.jobs.Update(jobCtx, id, func(j *domain.GradingJob) error {
			// Re-check against the latest state; the job may have moved on.
			if j.Status != domain.JobProcessing || !j.UpdatedAt.Before(cutoff) {
				return errSkipJob
			}
			return j.Fail(msg, s.now())
		})
		switch {
		case err == nil:
			marked++
			slog.Warn("stuck job marked as failed", slog.String("job_id", id))
		case errors.Is(err, errSkipJob):
		default:
			jobSpan.RecordError(err)
			slog.Error("stuck job sweep failed to update job status", slog.String("job_id", id), slog.Any("error", err))
		}
		jobSpan.End()
	}

	span.SetAttributes(
		attribute.Int("jobs.total_checked", len(ids)),
		attribute.Int("jobs.total_marked_failed", marked),
	)
	return marked
}

var errSkipJob = errors.New("job no longer stuck")
