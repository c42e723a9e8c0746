// Package redis is a JobStore backed by Redis, shared by the API server and
// any number of workers.
package redis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
)

const (
	keyPrefix     = "grading:job:"
	processingKey = "grading:jobs:processing"
)

// Store keeps each job as a JSON string and indexes processing jobs in a
// sorted set scored by last update (unix millis). Update is optimistic:
// WATCH, read, apply, MULTI/EXEC, retried on conflict.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	// newBackOff builds the retry schedule for conflicting updates.
	newBackOff func() backoff.BackOff
}

// New returns a Store. Jobs expire ttl after creation while processing and
// ttl after reaching a terminal state; zero keeps them forever.
func New(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl, newBackOff: defaultBackOff}
}

func defaultBackOff() backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 2 * time.Millisecond
	expo.MaxInterval = 100 * time.Millisecond
	expo.MaxElapsedTime = 5 * time.Second
	expo.Reset()
	return expo
}

func jobKey(id string) string { return keyPrefix + id }

// Create stores a new job; an existing id is a conflict.
func (s *Store) Create(ctx domain.Context, j domain.GradingJob) error {
	if j.ID == "" {
		return fmt.Errorf("op=redis.Create: %w: job id required", domain.ErrInvalidArgument)
	}
	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("op=redis.Create: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(j.ID), b, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("op=redis.Create: %w", err)
	}
	if !ok {
		return fmt.Errorf("op=redis.Create: %w: job %s exists", domain.ErrConflict, j.ID)
	}
	if j.Status == domain.JobProcessing {
		if err := s.rdb.ZAdd(ctx, processingKey, redis.Z{Score: score(j.UpdatedAt), Member: j.ID}).Err(); err != nil {
			return fmt.Errorf("op=redis.Create: index: %w", err)
		}
	}
	return nil
}

// Get loads a job.
func (s *Store) Get(ctx domain.Context, id string) (domain.GradingJob, error) {
	raw, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.GradingJob{}, fmt.Errorf("op=redis.Get: %w: job %s", domain.ErrNotFound, id)
		}
		return domain.GradingJob{}, fmt.Errorf("op=redis.Get: %w", err)
	}
	var j domain.GradingJob
	if err := json.Unmarshal(raw, &j); err != nil {
		return domain.GradingJob{}, fmt.Errorf("op=redis.Get: decode job %s: %w", id, err)
	}
	return j, nil
}

// Update applies fn to the latest stored job and writes the result in one
// transaction. A concurrent write to the same job aborts the transaction
// and fn runs again on the fresh state.
func (s *Store) Update(ctx domain.Context, id string, fn func(*domain.GradingJob) error) (domain.GradingJob, error) {
	key := jobKey(id)
	var out domain.GradingJob
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
			}
			return err
		}
		var j domain.GradingJob
		if err := json.Unmarshal(raw, &j); err != nil {
			return fmt.Errorf("decode job %s: %w", id, err)
		}
		wasTerminal := j.Status.Terminal()
		if err := fn(&j); err != nil {
			return err
		}
		b, err := json.Marshal(j)
		if err != nil {
			return err
		}
		ttl := tx.TTL(ctx, key).Val()
		if ttl <= 0 || (!wasTerminal && j.Status.Terminal()) {
			ttl = s.ttl
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, b, ttl)
			if j.Status == domain.JobProcessing {
				p.ZAdd(ctx, processingKey, redis.Z{Score: score(j.UpdatedAt), Member: id})
			} else {
				p.ZRem(ctx, processingKey, id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = j
		return nil
	}

	op := func() error {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(s.newBackOff(), ctx)); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return domain.GradingJob{}, fmt.Errorf("op=redis.Update: %w: job %s kept changing", domain.ErrConflict, id)
		}
		return domain.GradingJob{}, err
	}
	return out, nil
}

// ListProcessing returns ids of processing jobs last updated before
// startedBefore. Index entries whose job expired are dropped.
func (s *Store) ListProcessing(ctx domain.Context, startedBefore time.Time) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, processingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(score(startedBefore), 'f', 0, 64),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redis.ListProcessing: %w", err)
	}
	out := ids[:0]
	for _, id := range ids {
		n, err := s.rdb.Exists(ctx, jobKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("op=redis.ListProcessing: %w", err)
		}
		if n == 0 {
			_ = s.rdb.ZRem(ctx, processingKey, id).Err()
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx domain.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func score(t time.Time) float64 { return float64(t.UnixMilli()) }
