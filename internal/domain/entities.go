package domain

import (
	"context"
	"fmt"
	"time"
)

// ExtractionStatus tracks the upstream text extraction of a document.
type ExtractionStatus string

const (
	ExtractionPending   ExtractionStatus = "pending"
	ExtractionCompleted ExtractionStatus = "completed"
	ExtractionError     ExtractionStatus = "error"
)

// Valid reports whether s is a known extraction status.
func (s ExtractionStatus) Valid() bool {
	switch s {
	case ExtractionPending, ExtractionCompleted, ExtractionError:
		return true
	}
	return false
}

// ReferenceMaterial is a rubric, assignment brief or marking guide.
// ExtractedText is nil until extraction completes.
type ReferenceMaterial struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	ExtractedText    *string          `json:"extracted_text,omitempty"`
	ExtractionStatus ExtractionStatus `json:"extraction_status"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Submission is a student document to be graded.
type Submission struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	ExtractedText    *string          `json:"extracted_text,omitempty"`
	ExtractionStatus ExtractionStatus `json:"extraction_status"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Text returns the extracted text or "".
func (s Submission) Text() string {
	if s.ExtractedText == nil {
		return ""
	}
	return *s.ExtractedText
}

// ResultStatus is the pass/fail verdict of a graded submission. Pending
// marks a degraded result produced without a model judgment.
type ResultStatus string

const (
	ResultPass    ResultStatus = "pass"
	ResultFail    ResultStatus = "fail"
	ResultPending ResultStatus = "pending"
)

// SectionFeedback is the per-section outcome. 0 <= Score <= MaxScore.
type SectionFeedback struct {
	Score        float64  `json:"score"`
	MaxScore     float64  `json:"maxScore"`
	Feedback     string   `json:"feedback"`
	Strengths    []string `json:"strengths"`
	Improvements []string `json:"improvements"`
	GradeLevel   string   `json:"gradeLevel,omitempty"`
	Evidence     []string `json:"evidence,omitempty"`
}

// GradingResult is the output of grading one (logical) submission.
type GradingResult struct {
	SubmissionID     string                     `json:"submissionId"`
	SubmissionName   string                     `json:"submissionName"`
	TotalScore       float64                    `json:"totalScore"`
	MaxPossibleScore float64                    `json:"maxPossibleScore"`
	OverallFeedback  string                     `json:"overallFeedback"`
	Status           ResultStatus               `json:"status"`
	SectionFeedback  map[string]SectionFeedback `json:"sectionFeedback"`
	Degraded         bool                       `json:"degraded"`
	Provider         string                     `json:"provider,omitempty"`
	SchemaOrigin     SchemaOrigin               `json:"schemaOrigin,omitempty"`
	CreatedAt        time.Time                  `json:"createdAt"`
}

// JobStatus is the lifecycle state of a grading job.
type JobStatus string

const (
	JobProcessing JobStatus = "processing"
	JobComplete   JobStatus = "complete"
	JobError      JobStatus = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool { return s == JobComplete || s == JobError }

// GradingMode selects how submissions are grouped.
type GradingMode string

const (
	// ModeIndividual grades each submission separately.
	ModeIndividual GradingMode = "individual"
	// ModeCombined concatenates all submissions and grades them once.
	ModeCombined GradingMode = "combined"
)

// ParseGradingMode returns ModeIndividual for an empty string.
func ParseGradingMode(s string) (GradingMode, error) {
	switch GradingMode(s) {
	case "", ModeIndividual:
		return ModeIndividual, nil
	case ModeCombined:
		return ModeCombined, nil
	}
	return "", fmt.Errorf("%w: unknown grading mode %q", ErrInvalidArgument, s)
}

// GradingJob tracks one request to grade submissions against materials.
type GradingJob struct {
	ID            string          `json:"id"`
	Status        JobStatus       `json:"status"`
	Progress      int             `json:"progress"`
	CurrentStep   string          `json:"currentStep"`
	Error         string          `json:"error,omitempty"`
	Mode          GradingMode     `json:"mode"`
	PassThreshold *float64        `json:"passThreshold,omitempty"`
	ReferenceIDs  []string        `json:"referenceIds"`
	SubmissionIDs []string        `json:"submissionIds"`
	Results       []GradingResult `json:"results,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

// Advance moves progress forward and records the step. Progress never
// decreases and never reaches 100 before Complete.
func (j *GradingJob) Advance(progress int, step string, now time.Time) error {
	if j.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrConflict, j.ID, j.Status)
	}
	if progress > 99 {
		progress = 99
	}
	if progress > j.Progress {
		j.Progress = progress
	}
	if step != "" {
		j.CurrentStep = step
	}
	j.UpdatedAt = now
	return nil
}

// Complete stores results and moves the job to its terminal success state.
func (j *GradingJob) Complete(results []GradingResult, now time.Time) error {
	if j.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrConflict, j.ID, j.Status)
	}
	j.Status = JobComplete
	j.Progress = 100
	j.CurrentStep = "complete"
	j.Results = results
	j.UpdatedAt = now
	j.CompletedAt = &now
	return nil
}

// Fail records an orchestration failure. Progress is left where it was.
func (j *GradingJob) Fail(msg string, now time.Time) error {
	if j.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrConflict, j.ID, j.Status)
	}
	j.Status = JobError
	j.Error = msg
	j.CurrentStep = "error"
	j.UpdatedAt = now
	j.CompletedAt = &now
	return nil
}

// GradingTask is the dispatch payload handed to a runner.
type GradingTask struct {
	JobID         string      `json:"job_id"`
	ReferenceIDs  []string    `json:"reference_ids"`
	SubmissionIDs []string    `json:"submission_ids"`
	Mode          GradingMode `json:"mode"`
	PassThreshold *float64    `json:"pass_threshold,omitempty"`
}

// DecodingParams are provider-neutral sampling settings.
type DecodingParams struct {
	Temperature     float64
	TopP            float64
	TopK            int
	MaxOutputTokens int
}

// GenerateRequest is a single prompt sent to a language model provider.
type GenerateRequest struct {
	Prompt            string
	SystemInstruction string
	Params            DecodingParams
	JSONMode          bool
}

// Provider (port) is one language model backend.
type Provider interface {
	Name() string
	Generate(ctx Context, req GenerateRequest) (string, error)
}

// Repositories (ports)

type MaterialRepository interface {
	CreateMaterial(ctx Context, m ReferenceMaterial) (string, error)
	GetMaterial(ctx Context, id string) (ReferenceMaterial, error)
	CreateSubmission(ctx Context, s Submission) (string, error)
	GetSubmission(ctx Context, id string) (Submission, error)
}

// DocumentKind names the two kinds of graded document.
type DocumentKind string

const (
	DocumentMaterial   DocumentKind = "material"
	DocumentSubmission DocumentKind = "submission"
)

// ExtractionRecorder stores the outcome of text extraction for a document
// registered while extraction was pending.
type ExtractionRecorder interface {
	SetExtraction(ctx Context, kind DocumentKind, id string, text *string, status ExtractionStatus) error
}

type ResultRepository interface {
	Save(ctx Context, jobID string, r GradingResult) error
	ListByJob(ctx Context, jobID string) ([]GradingResult, error)
}

// JobStore holds job state. Update applies fn to the latest stored job and
// persists the result atomically; if fn returns an error nothing is written.
type JobStore interface {
	Create(ctx Context, j GradingJob) error
	Get(ctx Context, id string) (GradingJob, error)
	Update(ctx Context, id string, fn func(*GradingJob) error) (GradingJob, error)
	ListProcessing(ctx Context, startedBefore time.Time) ([]string, error)
}

// Dispatcher (port) hands a task to something that will run it.
type Dispatcher interface {
	Dispatch(ctx Context, task GradingTask) error
}

// Context aliases context.Context so ports read naturally inside domain.
type Context = context.Context
