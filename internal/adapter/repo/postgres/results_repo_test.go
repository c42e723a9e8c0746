package postgres

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
)

func TestResultRepo_Save(t *testing.T) {
	p := &fakePool{}
	res := domain.GradingResult{SubmissionID: "s1", TotalScore: 18, MaxPossibleScore: 30, Status: domain.ResultPass}
	require.NoError(t, NewResultRepo(p).Save(context.Background(), "j1", res))

	require.Len(t, p.execs, 1)
	got := p.execs[0]
	assert.True(t, strings.HasPrefix(got.sql, "INSERT INTO grading_results"))
	assert.Contains(t, got.sql, "ON CONFLICT (job_id, submission_id)")
	assert.Equal(t, []any{"j1", "s1", "pass", 18.0, 30.0, false}, got.args[:6])

	var decoded domain.GradingResult
	require.NoError(t, json.Unmarshal(got.args[6].([]byte), &decoded))
	assert.Equal(t, "s1", decoded.SubmissionID)

	p = &fakePool{execErr: assert.AnError}
	err := NewResultRepo(p).Save(context.Background(), "j1", res)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=result.save")
}

func TestResultRepo_ListByJob(t *testing.T) {
	a, _ := json.Marshal(domain.GradingResult{SubmissionID: "a", Status: domain.ResultFail})
	b, _ := json.Marshal(domain.GradingResult{SubmissionID: "b", Status: domain.ResultPending, Degraded: true})
	rows := &fakeRows{data: [][]any{{a}, {b}}}
	p := &fakePool{rows: rows}

	got, err := NewResultRepo(p).ListByJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].SubmissionID)
	assert.True(t, got[1].Degraded)
	assert.True(t, rows.closed)
	assert.Equal(t, []any{"j1"}, p.execs[0].args)
}

func TestResultRepo_ListByJobErrors(t *testing.T) {
	_, err := NewResultRepo(&fakePool{queryErr: assert.AnError}).ListByJob(context.Background(), "j1")
	assert.ErrorIs(t, err, assert.AnError)

	_, err = NewResultRepo(&fakePool{rows: &fakeRows{data: [][]any{{[]byte("{")}}}}).ListByJob(context.Background(), "j1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")

	_, err = NewResultRepo(&fakePool{rows: &fakeRows{err: assert.AnError}}).ListByJob(context.Background(), "j1")
	assert.ErrorIs(t, err, assert.AnError)
}
