package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/ai"
	jobmemory "github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/jobstore/memory"
	repomemory "github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/service/grading"
)

const essaySchemaJSON = `{
  "title": "Essay",
  "marking_schema_type": "numerical",
  "total_possible_marks": 30,
  "pass_threshold": 60,
  "sections": [
    {"name": "Intro", "max_score": 10},
    {"name": "Body", "max_score": 20}
  ]
}`

const passingGradeJSON = `{"sectionFeedback":{"Intro":{"score":8,"feedback":"clear"},"Body":{"score":10,"feedback":"thin"}},"totalScore":18,"maxPossibleScore":30,"overallFeedback":"Solid.","status":"pass"}`

// scriptedProvider answers by prompt content. Analysis prompts get the
// schema, prompts mentioning a failing marker get an error, everything else
// a passing grade.
type scriptedProvider struct {
	name    string
	failOn  string
	schema  string
	grade   string
	mu      sync.Mutex
	prompts []string
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Generate(_ context.Context, req domain.GenerateRequest) (string, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, req.Prompt)
	p.mu.Unlock()
	switch {
	case strings.Contains(req.Prompt, "Reference material 1"):
		return p.schema, nil
	case p.failOn != "" && strings.Contains(req.Prompt, p.failOn):
		return "", fmt.Errorf("scripted: %w", domain.ErrProviderUnavailable)
	}
	return p.grade, nil
}

func (p *scriptedProvider) gradingPrompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, pr := range p.prompts {
		if !strings.Contains(pr, "Reference material 1") {
			out = append(out, pr)
		}
	}
	return out
}

func newScripted(failOn string) *scriptedProvider {
	return &scriptedProvider{name: "groq", failOn: failOn, schema: essaySchemaJSON, grade: passingGradeJSON}
}

// recordingStore wraps the memory store and records progress after every
// successful update.
type recordingStore struct {
	*jobmemory.Store
	mu       sync.Mutex
	progress []int
}

func (s *recordingStore) Update(ctx domain.Context, id string, fn func(*domain.GradingJob) error) (domain.GradingJob, error) {
	j, err := s.Store.Update(ctx, id, fn)
	if err == nil {
		s.mu.Lock()
		s.progress = append(s.progress, j.Progress)
		s.mu.Unlock()
	}
	return j, err
}

func (s *recordingStore) history() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.progress...)
}

type fixture struct {
	docs    *repomemory.Documents
	results *repomemory.Results
	jobs    *recordingStore
	runner  *Runner
}

func newFixture(t *testing.T, p domain.Provider, concurrency int) *fixture {
	t.Helper()
	chain := ai.NewChain([]domain.Provider{p}, time.Second)
	analyzer := grading.NewAnalyzer(chain, grading.AnalyzerOptions{})
	engine := grading.NewEngine(chain, grading.EngineOptions{})
	return newFixtureWith(t, analyzer, engine, concurrency)
}

func newFixtureWith(t *testing.T, analyzer SchemaAnalyzer, grader SubmissionGrader, concurrency int) *fixture {
	t.Helper()
	f := &fixture{
		docs:    repomemory.NewDocuments(),
		results: repomemory.NewResults(),
		jobs:    &recordingStore{Store: jobmemory.New()},
	}
	f.runner = NewRunner(f.docs, f.jobs, analyzer, grader, RunnerOptions{
		Results:     f.results,
		Concurrency: concurrency,
		Poll:        config.PollConfig{MaxWait: time.Second, InitialInterval: 5 * time.Millisecond, MaxInterval: 20 * time.Millisecond, Multiplier: 2},
	})
	return f
}

func (f *fixture) material(t *testing.T, name, text string) string {
	t.Helper()
	id, err := f.docs.CreateMaterial(context.Background(), domain.ReferenceMaterial{Name: name, ExtractedText: &text, ExtractionStatus: domain.ExtractionCompleted})
	require.NoError(t, err)
	return id
}

func (f *fixture) submission(t *testing.T, id, text string) string {
	t.Helper()
	_, err := f.docs.CreateSubmission(context.Background(), domain.Submission{ID: id, Name: id + ".txt", ExtractedText: &text, ExtractionStatus: domain.ExtractionCompleted})
	require.NoError(t, err)
	return id
}

// start creates a processing job for task so the runner can pick it up.
func (f *fixture) start(t *testing.T, task domain.GradingTask) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.jobs.Create(context.Background(), domain.GradingJob{
		ID: task.JobID, Status: domain.JobProcessing, Mode: task.Mode,
		ReferenceIDs: task.ReferenceIDs, SubmissionIDs: task.SubmissionIDs,
		CreatedAt: now, UpdatedAt: now,
	}))
}
