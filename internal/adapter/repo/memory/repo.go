// Package memory implements the document and result repositories in
// process memory. Used by default and by the CLI.
package memory

import (
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
)

// Documents stores reference materials and submissions.
type Documents struct {
	mu          sync.RWMutex
	materials   map[string]domain.ReferenceMaterial
	submissions map[string]domain.Submission
}

// NewDocuments returns an empty repository.
func NewDocuments() *Documents {
	return &Documents{
		materials:   make(map[string]domain.ReferenceMaterial),
		submissions: make(map[string]domain.Submission),
	}
}

// CreateMaterial stores m, assigning an id when it has none.
func (d *Documents) CreateMaterial(_ domain.Context, m domain.ReferenceMaterial) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.ExtractedText = cloneText(m.ExtractedText)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.materials[m.ID]; ok {
		return "", fmt.Errorf("op=memory.CreateMaterial: %w: material %s exists", domain.ErrConflict, m.ID)
	}
	d.materials[m.ID] = m
	return m.ID, nil
}

// GetMaterial returns the material with id.
func (d *Documents) GetMaterial(_ domain.Context, id string) (domain.ReferenceMaterial, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.materials[id]
	if !ok {
		return domain.ReferenceMaterial{}, fmt.Errorf("op=memory.GetMaterial: %w: material %s", domain.ErrNotFound, id)
	}
	m.ExtractedText = cloneText(m.ExtractedText)
	return m, nil
}

// CreateSubmission stores s, assigning an id when it has none.
func (d *Documents) CreateSubmission(_ domain.Context, s domain.Submission) (string, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.ExtractedText = cloneText(s.ExtractedText)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.submissions[s.ID]; ok {
		return "", fmt.Errorf("op=memory.CreateSubmission: %w: submission %s exists", domain.ErrConflict, s.ID)
	}
	d.submissions[s.ID] = s
	return s.ID, nil
}

// GetSubmission returns the submission with id.
func (d *Documents) GetSubmission(_ domain.Context, id string) (domain.Submission, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.submissions[id]
	if !ok {
		return domain.Submission{}, fmt.Errorf("op=memory.GetSubmission: %w: submission %s", domain.ErrNotFound, id)
	}
	s.ExtractedText = cloneText(s.ExtractedText)
	return s, nil
}

// SetExtraction records the extraction outcome of a material or
// submission.
func (d *Documents) SetExtraction(_ domain.Context, kind domain.DocumentKind, id string, text *string, status domain.ExtractionStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch kind {
	case domain.DocumentMaterial:
		m, ok := d.materials[id]
		if !ok {
			return fmt.Errorf("op=memory.SetExtraction: %w: material %s", domain.ErrNotFound, id)
		}
		m.ExtractedText, m.ExtractionStatus = cloneText(text), status
		d.materials[id] = m
	case domain.DocumentSubmission:
		sub, ok := d.submissions[id]
		if !ok {
			return fmt.Errorf("op=memory.SetExtraction: %w: submission %s", domain.ErrNotFound, id)
		}
		sub.ExtractedText, sub.ExtractionStatus = cloneText(text), status
		d.submissions[id] = sub
	default:
		return fmt.Errorf("op=memory.SetExtraction: %w: document kind %q", domain.ErrInvalidArgument, kind)
	}
	return nil
}

// Ping always succeeds.
func (d *Documents) Ping(domain.Context) error { return nil }

func cloneText(p *string) *string {
	if p == nil {
		return nil
	}
	s := *p
	return &s
}

// Results keeps grading results per job in insertion order.
type Results struct {
	mu    sync.Mutex
	byJob map[string][]domain.GradingResult
}

// NewResults returns an empty result repository.
func NewResults() *Results {
	return &Results{byJob: make(map[string][]domain.GradingResult)}
}

// Save appends r, replacing an earlier result for the same submission.
func (r *Results) Save(_ domain.Context, jobID string, res domain.GradingResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.byJob[jobID]
	for i := range list {
		if list[i].SubmissionID == res.SubmissionID {
			list[i] = res
			return nil
		}
	}
	r.byJob[jobID] = append(list, res)
	return nil
}

// ListByJob returns the stored results of jobID.
func (r *Results) ListByJob(_ domain.Context, jobID string) ([]domain.GradingResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.byJob[jobID]), nil
}
