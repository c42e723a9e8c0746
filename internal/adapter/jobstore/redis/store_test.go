package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, ttl), mr
}

func processingJob(id string, updated time.Time) domain.GradingJob {
	return domain.GradingJob{
		ID:            id,
		Status:        domain.JobProcessing,
		Mode:          domain.ModeIndividual,
		ReferenceIDs:  []string{"r1"},
		SubmissionIDs: []string{"s1", "s2"},
		CreatedAt:     updated.UTC(),
		UpdatedAt:     updated.UTC(),
	}
}

func TestStore_CreateGet(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t, time.Hour)
	j := processingJob("j1", time.Now())

	require.NoError(t, s.Create(ctx, j))
	assert.ErrorIs(t, s.Create(ctx, j), domain.ErrConflict)
	assert.ErrorIs(t, s.Create(ctx, domain.GradingJob{}), domain.ErrInvalidArgument)

	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, j.SubmissionIDs, got.SubmissionIDs)
	assert.True(t, j.UpdatedAt.Equal(got.UpdatedAt))
	assert.Equal(t, time.Hour, mr.TTL(jobKey("j1")))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_GetCorruptPayload(t *testing.T) {
	s, mr := newTestStore(t, 0)
	require.NoError(t, mr.Set(jobKey("bad"), "{not json"))
	_, err := s.Get(context.Background(), "bad")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_UpdateAppliesAndIndexes(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 0)
	start := time.Now().Add(-time.Hour)
	require.NoError(t, s.Create(ctx, processingJob("j1", start)))

	ids, err := s.ListProcessing(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, ids)

	j, err := s.Update(ctx, "j1", func(j *domain.GradingJob) error {
		return j.Complete([]domain.GradingResult{{SubmissionID: "s1", Status: domain.ResultPass}}, time.Now())
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobComplete, j.Status)
	assert.Equal(t, 100, j.Progress)

	stored, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, stored.Results, 1)

	ids, err = s.ListProcessing(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStore_UpdateKeepsStateOnError(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 0)
	require.NoError(t, s.Create(ctx, processingJob("j1", time.Now())))

	boom := errors.New("boom")
	_, err := s.Update(ctx, "j1", func(j *domain.GradingJob) error {
		j.Progress = 60
		return boom
	})
	assert.ErrorIs(t, err, boom)
	j, _ := s.Get(ctx, "j1")
	assert.Zero(t, j.Progress)

	_, err = s.Update(ctx, "j1", func(j *domain.GradingJob) error {
		if err := j.Fail("x", time.Now()); err != nil {
			return err
		}
		return j.Fail("again", time.Now())
	})
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = s.Update(ctx, "missing", func(*domain.GradingJob) error { return nil })
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_UpdatePreservesTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t, 10*time.Minute)
	require.NoError(t, s.Create(ctx, processingJob("j1", time.Now())))
	mr.FastForward(4 * time.Minute)

	_, err := s.Update(ctx, "j1", func(j *domain.GradingJob) error {
		return j.Advance(30, "grading", time.Now())
	})
	require.NoError(t, err)
	assert.Equal(t, 6*time.Minute, mr.TTL(jobKey("j1")))
}

func TestStore_TerminalTransitionRestartsTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t, 10*time.Minute)
	require.NoError(t, s.Create(ctx, processingJob("j1", time.Now())))
	mr.FastForward(8 * time.Minute)

	_, err := s.Update(ctx, "j1", func(j *domain.GradingJob) error {
		return j.Complete(nil, time.Now())
	})
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, mr.TTL(jobKey("j1")))

	mr.FastForward(3 * time.Minute)
	_, err = s.Update(ctx, "j1", func(j *domain.GradingJob) error {
		j.Error = "note"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7*time.Minute, mr.TTL(jobKey("j1")))
}

func TestStore_ConcurrentUpdatesKeepEveryWrite(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 0)
	require.NoError(t, s.Create(ctx, processingJob("j1", time.Now())))

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "j1", func(j *domain.GradingJob) error {
				j.CurrentStep += "x"
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	j, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Len(t, j.CurrentStep, writers)
}

func TestStore_ListProcessing(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t, 0)
	now := time.Now()
	require.NoError(t, s.Create(ctx, processingJob("old", now.Add(-2*time.Hour))))
	require.NoError(t, s.Create(ctx, processingJob("fresh", now)))
	require.NoError(t, s.Create(ctx, processingJob("gone", now.Add(-3*time.Hour))))
	done := processingJob("done", now.Add(-time.Hour))
	done.Status = domain.JobComplete
	require.NoError(t, s.Create(ctx, done))
	mr.Del(jobKey("gone"))

	ids, err := s.ListProcessing(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)

	members, err := mr.ZMembers(processingKey)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"old", "fresh"}, members)
}

func TestStore_Ping(t *testing.T) {
	s, mr := newTestStore(t, 0)
	require.NoError(t, s.Ping(context.Background()))
	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}
