package grading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/ai"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
)

// fakeProvider answers with a fixed response or error and records prompts.
type fakeProvider struct {
	name string
	resp string
	err  error

	mu      sync.Mutex
	prompts []string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Generate(_ context.Context, req domain.GenerateRequest) (string, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, req.Prompt)
	p.mu.Unlock()
	return p.resp, p.err
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

func failing(name string) *fakeProvider {
	return &fakeProvider{name: name, err: fmt.Errorf("boom: %w", domain.ErrProviderUnavailable)}
}

func chainOf(ps ...domain.Provider) *ai.Chain { return ai.NewChain(ps, time.Second) }

func text(s string) *string { return &s }

func material(name, body string) domain.ReferenceMaterial {
	return domain.ReferenceMaterial{ID: name, Name: name, ExtractedText: text(body), ExtractionStatus: domain.ExtractionCompleted}
}

func submission(id, body string) domain.Submission {
	return domain.Submission{ID: id, Name: id + ".txt", ExtractedText: text(body), ExtractionStatus: domain.ExtractionCompleted}
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func introBodySchema() domain.GradingSchema {
	return domain.GradingSchema{
		Title: "Essay",
		Kind:  domain.SchemaNumerical,
		Sections: []domain.SchemaSection{
			{Name: "Intro", MaxScore: domain.Float(10), Criteria: domain.SectionCriteria{Ranges: defaultRanges(10)}},
			{Name: "Body", MaxScore: domain.Float(20), Criteria: domain.SectionCriteria{Ranges: defaultRanges(20)}},
		},
		TotalPossibleMarks: domain.Float(30),
		PassThreshold:      60,
		Origin:             domain.OriginAI,
	}
}
