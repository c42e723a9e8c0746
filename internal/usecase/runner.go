package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
	obsctx "github.com/fairyhunter13/ai-grading-orchestrator/internal/observability"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/service/grading"
)

// SchemaAnalyzer turns reference materials into a grading schema.
type SchemaAnalyzer interface {
	Analyze(ctx context.Context, materials []domain.ReferenceMaterial) (domain.GradingSchema, error)
	Fallback() domain.GradingSchema
}

// SubmissionGrader grades one submission. It never fails; degraded results
// come back as pending.
type SubmissionGrader interface {
	Grade(ctx context.Context, schema domain.GradingSchema, sub domain.Submission) domain.GradingResult
}

// Progress checkpoints. Grading fills the range between schemaReady and 99.
const (
	progressLoading     = 5
	progressAnalyzing   = 10
	progressSchemaReady = 30
)

// Runner executes grading tasks. One Runner serves many jobs; all job state
// lives in the JobStore.
type Runner struct {
	materials   domain.MaterialRepository
	jobs        domain.JobStore
	results     domain.ResultRepository
	analyzer    SchemaAnalyzer
	grader      SubmissionGrader
	concurrency int
	poll        config.PollConfig
	now         func() time.Time
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// Results persists each result as it is produced. Optional.
	Results domain.ResultRepository
	// Concurrency bounds submissions graded at once within one job.
	Concurrency int
	// Poll decides how long to wait for documents still being extracted.
	Poll config.PollConfig
	Now  func() time.Time
}

// NewRunner builds a Runner.
func NewRunner(materials domain.MaterialRepository, jobs domain.JobStore, analyzer SchemaAnalyzer, grader SubmissionGrader, opts RunnerOptions) *Runner {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Runner{
		materials:   materials,
		jobs:        jobs,
		results:     opts.Results,
		analyzer:    analyzer,
		grader:      grader,
		concurrency: opts.Concurrency,
		poll:        opts.Poll,
		now:         opts.Now,
	}
}

// Run drives one job from processing to a terminal state. Analysis and
// grading failures become degraded results; only bookkeeping failures and
// panics outside a submission move the job to error. Redelivered tasks for
// finished jobs are ignored.
func (r *Runner) Run(ctx context.Context, task domain.GradingTask) (err error) {
	ctx = obsctx.ContextWithJob(ctx, task.JobID)
	lg := obsctx.LoggerFromContext(ctx)
	ctx, span := otel.Tracer("usecase").Start(ctx, "Runner.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", task.JobID),
		attribute.String("job.mode", string(task.Mode)),
		attribute.Int("job.submissions", len(task.SubmissionIDs)),
	)

	job, err := r.jobs.Get(ctx, task.JobID)
	if err != nil {
		return fmt.Errorf("op=usecase.Run: %w", err)
	}
	if job.Status.Terminal() {
		lg.Info("job already finished, skipping task", slog.String("status", string(job.Status)))
		return nil
	}
	mode := task.Mode
	if mode == "" {
		mode = domain.ModeIndividual
	}
	observability.StartProcessingJob(string(mode))
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			lg.Error("panic while running job", slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("%w: panic: %v", domain.ErrInternal, rec)
		}
		if err == nil {
			observability.CompleteJob(string(mode))
			lg.Info("job complete", slog.Duration("elapsed", time.Since(start)))
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			// Shutdown; the sweeper or a redelivery picks the job up.
			lg.Warn("job interrupted", slog.Any("error", err))
			observability.JobsProcessing.WithLabelValues(string(mode)).Dec()
			return
		}
		r.fail(ctx, task.JobID, err)
		observability.FailJob(string(mode))
	}()

	r.advance(ctx, task.JobID, progressLoading, "loading reference materials")
	materials, goneRefs, err := waitExtracted(ctx, r.poll, task.ReferenceIDs, r.materials.GetMaterial,
		func(m domain.ReferenceMaterial) domain.ExtractionStatus { return m.ExtractionStatus })
	if err != nil {
		return fmt.Errorf("op=usecase.Run: load materials: %w", err)
	}
	subs, goneSubs, err := waitExtracted(ctx, r.poll, task.SubmissionIDs, r.materials.GetSubmission,
		func(s domain.Submission) domain.ExtractionStatus { return s.ExtractionStatus })
	if err != nil {
		return fmt.Errorf("op=usecase.Run: load submissions: %w", err)
	}
	units := gradingUnits(mode, subs)
	gone := make(map[string]bool, len(goneSubs))
	for _, id := range goneSubs {
		gone[id] = true
		units = append(units, domain.Submission{ID: id, Name: id})
	}
	if len(goneSubs) > 0 {
		lg.Warn("submissions removed before grading", slog.Any("submission_ids", goneSubs))
	}

	r.advance(ctx, task.JobID, progressAnalyzing, "analyzing reference materials")
	var (
		schema    domain.GradingSchema
		schemaErr error
	)
	if len(goneRefs) > 0 {
		schemaErr = fmt.Errorf("%w: reference materials %s no longer exist", domain.ErrPrecondition, strings.Join(goneRefs, ", "))
	} else {
		schema, schemaErr = r.analyzer.Analyze(ctx, materials)
	}
	if schemaErr != nil {
		if !errors.Is(schemaErr, domain.ErrPrecondition) {
			return fmt.Errorf("op=usecase.Run: analyze: %w", schemaErr)
		}
		lg.Warn("reference materials unusable, submissions will not be graded", slog.Any("error", schemaErr))
		schema = r.analyzer.Fallback()
	}
	if task.PassThreshold != nil {
		schema.PassThreshold = *task.PassThreshold
	}
	r.advance(ctx, task.JobID, progressSchemaReady, fmt.Sprintf("schema ready: %d sections", len(schema.Sections)))

	results := make([]domain.GradingResult, len(units))
	var done atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, sub := range units {
		g.Go(func() error {
			switch {
			case schemaErr != nil:
				results[i] = grading.Synthesize(schema, sub.ID, sub.Name, schemaErr, r.now())
			case gone[sub.ID]:
				cause := fmt.Errorf("%w: submission %s no longer exists", domain.ErrPrecondition, sub.ID)
				results[i] = grading.Synthesize(schema, sub.ID, sub.Name, cause, r.now())
			default:
				results[i] = r.gradeOne(gctx, schema, sub)
			}
			r.persist(gctx, task.JobID, results[i])
			n := int(done.Add(1))
			pct := progressSchemaReady + (99-progressSchemaReady)*n/len(units)
			r.advance(gctx, task.JobID, pct, fmt.Sprintf("graded %d of %d submissions", n, len(units)))
			return nil
		})
	}
	// Workers never return errors.
	_ = g.Wait()

	_, err = r.jobs.Update(ctx, task.JobID, func(j *domain.GradingJob) error {
		return j.Complete(results, r.now())
	})
	if errors.Is(err, domain.ErrConflict) {
		lg.Warn("job finished elsewhere before results were stored", slog.Any("error", err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=usecase.Run: complete: %w", err)
	}
	return nil
}

// gradeOne isolates a single submission: a panic inside grading becomes a
// degraded result instead of taking the job down.
func (r *Runner) gradeOne(ctx context.Context, schema domain.GradingSchema, sub domain.Submission) (res domain.GradingResult) {
	defer func() {
		if rec := recover(); rec != nil {
			obsctx.LoggerFromContext(ctx).Error("panic while grading submission",
				slog.String("submission_id", sub.ID),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
			res = grading.Synthesize(schema, sub.ID, sub.Name, fmt.Errorf("%w: panic: %v", domain.ErrInternal, rec), r.now())
		}
	}()
	return r.grader.Grade(ctx, schema, sub)
}

func (r *Runner) persist(ctx context.Context, jobID string, res domain.GradingResult) {
	if r.results == nil {
		return
	}
	if err := r.results.Save(ctx, jobID, res); err != nil {
		obsctx.LoggerFromContext(ctx).Warn("failed to persist result",
			slog.String("submission_id", res.SubmissionID), slog.Any("error", err))
	}
}

// advance records progress. Progress is advisory, so store errors are
// logged and ignored.
func (r *Runner) advance(ctx context.Context, jobID string, progress int, step string) {
	_, err := r.jobs.Update(ctx, jobID, func(j *domain.GradingJob) error {
		return j.Advance(progress, step, r.now())
	})
	if err != nil {
		obsctx.LoggerFromContext(ctx).Warn("failed to record progress",
			slog.Int("progress", progress), slog.String("step", step), slog.Any("error", err))
	}
}

func (r *Runner) fail(ctx context.Context, jobID string, cause error) {
	lg := obsctx.LoggerFromContext(ctx)
	lg.Error("job failed", slog.Any("error", cause))
	_, err := r.jobs.Update(ctx, jobID, func(j *domain.GradingJob) error {
		return j.Fail(cause.Error(), r.now())
	})
	if err != nil {
		lg.Error("failed to mark job as failed", slog.Any("error", err))
	}
}

// waitExtracted loads documents by id, polling while any is still pending
// extraction. When the wait runs out the last snapshot is returned and the
// grading stages report the pending documents as precondition failures.
// Documents deleted since submission are left out and their ids returned.
func waitExtracted[T any](ctx context.Context, poll config.PollConfig, ids []string,
	get func(domain.Context, string) (T, error), status func(T) domain.ExtractionStatus,
) ([]T, []string, error) {
	var (
		out  []T
		gone []string
	)
	errPending := errors.New("documents pending extraction")
	op := func() error {
		out, gone = make([]T, 0, len(ids)), nil
		pending := false
		for _, id := range ids {
			doc, err := get(ctx, id)
			if errors.Is(err, domain.ErrNotFound) {
				gone = append(gone, id)
				continue
			}
			if err != nil {
				return backoff.Permanent(err)
			}
			if status(doc) == domain.ExtractionPending {
				pending = true
			}
			out = append(out, doc)
		}
		if pending {
			return errPending
		}
		return nil
	}
	var b backoff.BackOff = &backoff.StopBackOff{}
	if poll.MaxWait > 0 {
		b = poll.NewBackOff()
	}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err == nil || errors.Is(err, errPending) {
		return out, gone, nil
	}
	return nil, nil, err
}

// gradingUnits returns the logical submissions to grade. Combined mode
// concatenates every submission into one.
func gradingUnits(mode domain.GradingMode, subs []domain.Submission) []domain.Submission {
	if mode != domain.ModeCombined || len(subs) < 2 {
		return subs
	}
	ids := make([]string, 0, len(subs))
	var b strings.Builder
	for i, s := range subs {
		ids = append(ids, s.ID)
		text := strings.TrimSpace(s.Text())
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "=== Part %d: %s ===\n%s", i+1, s.Name, text)
	}
	combined := domain.Submission{
		ID:               strings.Join(ids, "+"),
		Name:             fmt.Sprintf("Combined submission (%d files)", len(subs)),
		ExtractionStatus: domain.ExtractionCompleted,
	}
	if b.Len() > 0 {
		text := b.String()
		combined.ExtractedText = &text
	}
	return []domain.Submission{combined}
}
