package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
)

// ResultRepo persists grading results. The full result is kept as JSONB;
// score and status columns are copied out for reporting queries.
type ResultRepo struct{ Pool PgxPool }

// NewResultRepo constructs a ResultRepo with the given pool.
func NewResultRepo(p PgxPool) *ResultRepo { return &ResultRepo{Pool: p} }

// Save inserts res, replacing an earlier result for the same submission in
// the same job.
func (r *ResultRepo) Save(ctx domain.Context, jobID string, res domain.GradingResult) error {
	ctx, span := startSpan(ctx, "results.Save", "UPSERT", "grading_results")
	defer span.End()
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("op=result.save: %w", err)
	}
	createdAt := res.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	q := `INSERT INTO grading_results (job_id, submission_id, status, total_score, max_possible_score, degraded, payload, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (job_id, submission_id)
	DO UPDATE SET status=EXCLUDED.status, total_score=EXCLUDED.total_score, max_possible_score=EXCLUDED.max_possible_score, degraded=EXCLUDED.degraded, payload=EXCLUDED.payload`
	if _, err := r.Pool.Exec(ctx, q, jobID, res.SubmissionID, string(res.Status), res.TotalScore, res.MaxPossibleScore, res.Degraded, payload, createdAt); err != nil {
		span.RecordError(err)
		return fmt.Errorf("op=result.save: %w", err)
	}
	return nil
}

// ListByJob returns the results of jobID in the order they were first saved.
func (r *ResultRepo) ListByJob(ctx domain.Context, jobID string) ([]domain.GradingResult, error) {
	ctx, span := startSpan(ctx, "results.ListByJob", "SELECT", "grading_results")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT payload FROM grading_results WHERE job_id=$1 ORDER BY seq`, jobID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("op=result.list: %w", err)
	}
	defer rows.Close()

	var out []domain.GradingResult
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("op=result.list: %w", err)
		}
		var res domain.GradingResult
		if err := json.Unmarshal(payload, &res); err != nil {
			return nil, fmt.Errorf("op=result.list: decode: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=result.list: %w", err)
	}
	return out, nil
}
