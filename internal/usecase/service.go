// Package usecase contains the grading job lifecycle: document registration,
// job submission, execution and lookup.
package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
	obsctx "github.com/fairyhunter13/ai-grading-orchestrator/internal/observability"
	"github.com/fairyhunter13/ai-grading-orchestrator/pkg/textx"
)

// SubmitRequest asks for submissions to be graded against reference
// materials.
type SubmitRequest struct {
	ReferenceIDs  []string
	SubmissionIDs []string
	Mode          domain.GradingMode
	// PassThreshold overrides the schema threshold, in percent.
	PassThreshold *float64
}

// DocumentInput registers a reference material or submission. Text may be
// nil while extraction is still running elsewhere.
type DocumentInput struct {
	Name             string
	Text             *string
	ExtractionStatus domain.ExtractionStatus
}

// GradingService accepts jobs and answers status and result queries.
type GradingService struct {
	Materials  domain.MaterialRepository
	Jobs       domain.JobStore
	Dispatcher domain.Dispatcher
	// ResultRepo is consulted when a completed job no longer carries its
	// results inline. Optional.
	ResultRepo domain.ResultRepository
	now        func() time.Time
}

// NewGradingService constructs a GradingService with its dependencies.
func NewGradingService(m domain.MaterialRepository, j domain.JobStore, d domain.Dispatcher, r domain.ResultRepository) GradingService {
	return GradingService{Materials: m, Jobs: j, Dispatcher: d, ResultRepo: r, now: func() time.Time { return time.Now().UTC() }}
}

// Submit validates every referenced document, creates a processing job and
// dispatches it. It returns as soon as the task is handed off.
func (s GradingService) Submit(ctx domain.Context, req SubmitRequest) (string, error) {
	lg := obsctx.LoggerFromContext(ctx)
	if len(req.ReferenceIDs) == 0 {
		return "", fmt.Errorf("%w: at least one reference material is required", domain.ErrInvalidArgument)
	}
	if len(req.SubmissionIDs) == 0 {
		return "", fmt.Errorf("%w: at least one submission is required", domain.ErrInvalidArgument)
	}
	mode, err := domain.ParseGradingMode(string(req.Mode))
	if err != nil {
		return "", err
	}
	if t := req.PassThreshold; t != nil && (*t < 0 || *t > 100) {
		return "", fmt.Errorf("%w: pass threshold must be between 0 and 100, got %v", domain.ErrInvalidArgument, *t)
	}
	if err := checkUnique("reference", req.ReferenceIDs); err != nil {
		return "", err
	}
	if err := checkUnique("submission", req.SubmissionIDs); err != nil {
		return "", err
	}

	for _, id := range req.ReferenceIDs {
		m, err := s.Materials.GetMaterial(ctx, id)
		if err != nil {
			return "", fmt.Errorf("op=usecase.Submit: reference material %s: %w", id, err)
		}
		if err := usable("reference material", m.Name, m.ExtractionStatus, m.ExtractedText); err != nil {
			return "", err
		}
	}
	for _, id := range req.SubmissionIDs {
		sub, err := s.Materials.GetSubmission(ctx, id)
		if err != nil {
			return "", fmt.Errorf("op=usecase.Submit: submission %s: %w", id, err)
		}
		if err := usable("submission", sub.Name, sub.ExtractionStatus, sub.ExtractedText); err != nil {
			return "", err
		}
	}

	now := s.clock()
	job := domain.GradingJob{
		ID:            uuid.NewString(),
		Status:        domain.JobProcessing,
		CurrentStep:   "queued",
		Mode:          mode,
		PassThreshold: req.PassThreshold,
		ReferenceIDs:  req.ReferenceIDs,
		SubmissionIDs: req.SubmissionIDs,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Jobs.Create(ctx, job); err != nil {
		return "", fmt.Errorf("op=usecase.Submit: %w", err)
	}
	observability.EnqueueJob(string(mode))

	task := domain.GradingTask{
		JobID:         job.ID,
		ReferenceIDs:  job.ReferenceIDs,
		SubmissionIDs: job.SubmissionIDs,
		Mode:          mode,
		PassThreshold: job.PassThreshold,
	}
	if err := s.Dispatcher.Dispatch(ctx, task); err != nil {
		lg.Error("dispatch failed", slog.String("job_id", job.ID), slog.Any("error", err))
		if _, uerr := s.Jobs.Update(ctx, job.ID, func(j *domain.GradingJob) error {
			return j.Fail("dispatch failed", s.clock())
		}); uerr != nil {
			lg.Error("failed to mark job as failed", slog.String("job_id", job.ID), slog.Any("error", uerr))
		}
		return "", fmt.Errorf("op=usecase.Submit: dispatch: %w", err)
	}
	lg.Info("grading job submitted",
		slog.String("job_id", job.ID),
		slog.String("mode", string(mode)),
		slog.Int("references", len(job.ReferenceIDs)),
		slog.Int("submissions", len(job.SubmissionIDs)))
	return job.ID, nil
}

// usable accepts documents whose text is available or still being
// extracted.
func usable(kind, name string, status domain.ExtractionStatus, text *string) error {
	switch status {
	case domain.ExtractionPending:
		return nil
	case domain.ExtractionCompleted:
		if textx.IsBlank(text) {
			return fmt.Errorf("%w: %s %q has no extracted text", domain.ErrInvalidArgument, kind, name)
		}
		return nil
	case domain.ExtractionError:
		return fmt.Errorf("%w: text extraction failed for %s %q", domain.ErrInvalidArgument, kind, name)
	}
	return fmt.Errorf("%w: %s %q has unknown extraction status %q", domain.ErrInvalidArgument, kind, name, status)
}

func checkUnique(kind string, ids []string) error {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: empty %s id", domain.ErrInvalidArgument, kind)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate %s id %s", domain.ErrInvalidArgument, kind, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Status returns the job as currently stored.
func (s GradingService) Status(ctx domain.Context, jobID string) (domain.GradingJob, error) {
	j, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return domain.GradingJob{}, fmt.Errorf("op=usecase.Status: %w", err)
	}
	return j, nil
}

// Results returns the results of a completed job in submission order. A job
// that is still processing yields ErrNotReady, a failed job ErrConflict.
func (s GradingService) Results(ctx domain.Context, jobID string) ([]domain.GradingResult, error) {
	j, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.Results: %w", err)
	}
	switch j.Status {
	case domain.JobProcessing:
		return nil, fmt.Errorf("%w: job %s is %d%% done", domain.ErrNotReady, jobID, j.Progress)
	case domain.JobError:
		return nil, fmt.Errorf("%w: job %s failed: %s", domain.ErrConflict, jobID, j.Error)
	}
	if len(j.Results) > 0 || s.ResultRepo == nil {
		return j.Results, nil
	}
	rs, err := s.ResultRepo.ListByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.Results: %w", err)
	}
	return rs, nil
}

// RegisterMaterial stores a reference material and returns its id.
func (s GradingService) RegisterMaterial(ctx domain.Context, in DocumentInput) (string, error) {
	name, text, status, err := normalizeDocument(in)
	if err != nil {
		return "", err
	}
	id, err := s.Materials.CreateMaterial(ctx, domain.ReferenceMaterial{
		Name: name, ExtractedText: text, ExtractionStatus: status, CreatedAt: s.clock(),
	})
	if err != nil {
		return "", fmt.Errorf("op=usecase.RegisterMaterial: %w", err)
	}
	return id, nil
}

// RegisterSubmission stores a submission and returns its id.
func (s GradingService) RegisterSubmission(ctx domain.Context, in DocumentInput) (string, error) {
	name, text, status, err := normalizeDocument(in)
	if err != nil {
		return "", err
	}
	id, err := s.Materials.CreateSubmission(ctx, domain.Submission{
		Name: name, ExtractedText: text, ExtractionStatus: status, CreatedAt: s.clock(),
	})
	if err != nil {
		return "", fmt.Errorf("op=usecase.RegisterSubmission: %w", err)
	}
	return id, nil
}

// RecordExtraction stores the result of text extraction for a document
// that was registered as pending.
func (s GradingService) RecordExtraction(ctx domain.Context, kind domain.DocumentKind, id string, text *string, status domain.ExtractionStatus) error {
	rec, ok := s.Materials.(domain.ExtractionRecorder)
	if !ok {
		return fmt.Errorf("%w: document store cannot record extraction", domain.ErrInternal)
	}
	if kind != domain.DocumentMaterial && kind != domain.DocumentSubmission {
		return fmt.Errorf("%w: unknown document kind %q", domain.ErrInvalidArgument, kind)
	}
	if text != nil {
		clean := textx.SanitizeText(*text)
		text = &clean
	}
	if status == "" && text != nil {
		status = domain.ExtractionCompleted
	}
	switch status {
	case domain.ExtractionCompleted:
		if textx.IsBlank(text) {
			return fmt.Errorf("%w: empty extracted text", domain.ErrInvalidArgument)
		}
	case domain.ExtractionError:
		text = nil
	default:
		return fmt.Errorf("%w: extraction status must be completed or error, got %q", domain.ErrInvalidArgument, status)
	}
	if err := rec.SetExtraction(ctx, kind, id, text, status); err != nil {
		return fmt.Errorf("op=usecase.RecordExtraction: %w", err)
	}
	obsctx.LoggerFromContext(ctx).Info("extraction recorded",
		slog.String("kind", string(kind)), slog.String("id", id), slog.String("status", string(status)))
	return nil
}

// normalizeDocument sanitizes text and infers the extraction status: text
// without a status means completed, no text means pending.
func normalizeDocument(in DocumentInput) (string, *string, domain.ExtractionStatus, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return "", nil, "", fmt.Errorf("%w: document name is required", domain.ErrInvalidArgument)
	}
	var text *string
	if in.Text != nil {
		clean := textx.SanitizeText(*in.Text)
		text = &clean
	}
	status := in.ExtractionStatus
	if status == "" {
		status = domain.ExtractionPending
		if text != nil {
			status = domain.ExtractionCompleted
		}
	}
	if !status.Valid() {
		return "", nil, "", fmt.Errorf("%w: unknown extraction status %q", domain.ErrInvalidArgument, status)
	}
	if status == domain.ExtractionCompleted && textx.IsBlank(text) {
		return "", nil, "", fmt.Errorf("%w: empty extracted text", domain.ErrInvalidArgument)
	}
	return name, text, status, nil
}

func (s GradingService) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now()
}

// ResultsETag is a content hash of v used for conditional result reads.
func ResultsETag(v any) string {
	b, _ := json.Marshal(v)
	sum := sha256.Sum256(b)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
