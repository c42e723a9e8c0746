// Package memory provides a process-local JobStore.
package memory

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
)

// Store keeps jobs in a map. Update holds the lock for the whole
// read-modify-write so concurrent updates of one job never lose writes.
type Store struct {
	mu   sync.Mutex
	jobs map[string]domain.GradingJob
}

// New returns an empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]domain.GradingJob)}
}

// Create stores a new job. Ids must be unique.
func (s *Store) Create(_ domain.Context, j domain.GradingJob) error {
	if j.ID == "" {
		return fmt.Errorf("op=memory.Create: %w: job id required", domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("op=memory.Create: %w: job %s exists", domain.ErrConflict, j.ID)
	}
	s.jobs[j.ID] = clone(j)
	return nil
}

// Get returns a copy of the job.
func (s *Store) Get(_ domain.Context, id string) (domain.GradingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.GradingJob{}, fmt.Errorf("op=memory.Get: %w: job %s", domain.ErrNotFound, id)
	}
	return clone(j), nil
}

// Update applies fn to a copy of the latest job and stores it unless fn
// fails.
func (s *Store) Update(_ domain.Context, id string, fn func(*domain.GradingJob) error) (domain.GradingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.GradingJob{}, fmt.Errorf("op=memory.Update: %w: job %s", domain.ErrNotFound, id)
	}
	next := clone(j)
	if err := fn(&next); err != nil {
		return domain.GradingJob{}, err
	}
	s.jobs[id] = clone(next)
	return next, nil
}

// ListProcessing returns ids of processing jobs last updated before
// startedBefore.
func (s *Store) ListProcessing(_ domain.Context, startedBefore time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, j := range s.jobs {
		if j.Status == domain.JobProcessing && j.UpdatedAt.Before(startedBefore) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(domain.Context) error { return nil }

func clone(j domain.GradingJob) domain.GradingJob {
	j.ReferenceIDs = slices.Clone(j.ReferenceIDs)
	j.SubmissionIDs = slices.Clone(j.SubmissionIDs)
	j.Results = slices.Clone(j.Results)
	if j.PassThreshold != nil {
		t := *j.PassThreshold
		j.PassThreshold = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		j.CompletedAt = &t
	}
	return j
}
