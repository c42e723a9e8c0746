package grading

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
)

func newTestEngine(ps ...domain.Provider) *Engine {
	return NewEngine(chainOf(ps...), EngineOptions{Now: func() time.Time { return fixedNow }})
}

// assertInvariants checks score bounds, total consistency, status
// determinism and section completeness for a result.
func assertInvariants(t *testing.T, schema domain.GradingSchema, res domain.GradingResult) {
	t.Helper()
	sum := 0.0
	for name, fb := range res.SectionFeedback {
		assert.GreaterOrEqual(t, fb.Score, 0.0, name)
		assert.LessOrEqual(t, fb.Score, fb.MaxScore, name)
		sum += fb.Score
	}
	assert.ElementsMatch(t, schema.SectionNames(), keys(res.SectionFeedback))
	if res.Status == domain.ResultPending {
		assert.True(t, res.Degraded)
		assert.NotEmpty(t, res.OverallFeedback)
		return
	}
	assert.LessOrEqual(t, math.Abs(res.TotalScore-sum), totalTolerance)
	pass := res.TotalScore*100 >= schema.PassThreshold*res.MaxPossibleScore
	assert.Equal(t, pass, res.Status == domain.ResultPass)
}

func keys(m map[string]domain.SectionFeedback) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestGrade_RecomputesStatus(t *testing.T) {
	// 18/30 is exactly 60%, so the model's nonsense status is replaced by pass.
	p := &fakeProvider{name: "groq", resp: `Here you go:
` + "```json" + `
{"sectionFeedback":{"Intro":{"score":8,"feedback":"clear"},"Body":{"score":10,"feedback":"thin"}},
 "totalScore":18,"maxPossibleScore":30,"overallFeedback":"Solid start.","status":"???"}
` + "```"}
	schema := introBodySchema()
	res := newTestEngine(p).Grade(context.Background(), schema, submission("s1", "My essay."))

	assert.Equal(t, domain.ResultPass, res.Status)
	assert.Equal(t, 18.0, res.TotalScore)
	assert.Equal(t, 30.0, res.MaxPossibleScore)
	assert.Equal(t, "groq", res.Provider)
	assert.Equal(t, "s1", res.SubmissionID)
	assert.Equal(t, "s1.txt", res.SubmissionName)
	assert.Equal(t, fixedNow, res.CreatedAt)
	assert.False(t, res.Degraded)
	assertInvariants(t, schema, res)
	assert.Contains(t, p.prompts[0], `"Intro"`)
	assert.Contains(t, p.prompts[0], "My essay.")
}

func TestNormalizeResult(t *testing.T) {
	schema := introBodySchema()
	lg := slog.Default()

	tests := []struct {
		name       string
		obj        map[string]any
		wantTotal  float64
		wantStatus domain.ResultStatus
		check      func(t *testing.T, res domain.GradingResult)
	}{
		{
			name: "scores clamped to section max",
			obj: map[string]any{
				"sectionFeedback": map[string]any{
					"Intro": map[string]any{"score": 14.0},
					"Body":  map[string]any{"score": -3.0},
				},
				"totalScore": 25.0, "overallFeedback": "x", "status": "pass", "maxPossibleScore": 30.0,
			},
			wantTotal:  10,
			wantStatus: domain.ResultFail,
			check: func(t *testing.T, res domain.GradingResult) {
				assert.Equal(t, 10.0, res.SectionFeedback["Intro"].Score)
				assert.Equal(t, 0.0, res.SectionFeedback["Body"].Score)
			},
		},
		{
			name: "drifting total replaced by sum",
			obj: map[string]any{
				"sectionFeedback": map[string]any{
					"Intro": map[string]any{"score": 9.0},
					"Body":  map[string]any{"score": 15.0},
				},
				"totalScore": 29.0, "overallFeedback": "x", "status": "fail", "maxPossibleScore": 30.0,
			},
			wantTotal:  24,
			wantStatus: domain.ResultPass,
		},
		{
			name: "stated total within tolerance kept",
			obj: map[string]any{
				"sectionFeedback": map[string]any{
					"Intro": map[string]any{"score": 5.0},
					"Body":  map[string]any{"score": 12.5},
				},
				"totalScore": 18.0, "overallFeedback": "x", "status": "fail", "maxPossibleScore": 30.0,
			},
			wantTotal:  18,
			wantStatus: domain.ResultPass,
		},
		{
			name: "missing section synthesised, unknown dropped, names matched loosely",
			obj: map[string]any{
				"sectionFeedback": map[string]any{
					"  intro ":    map[string]any{"score": "7/10", "strengths": "good hook"},
					"Conclusion": map[string]any{"score": 5.0},
				},
				"totalScore": 12.0, "overallFeedback": "", "status": "fail", "maxPossibleScore": 30.0,
			},
			wantTotal:  7,
			wantStatus: domain.ResultFail,
			check: func(t *testing.T, res domain.GradingResult) {
				body := res.SectionFeedback["Body"]
				assert.Equal(t, 0.0, body.Score)
				assert.Equal(t, 20.0, body.MaxScore)
				assert.Contains(t, body.Feedback, "not addressed")
				assert.Equal(t, []string{"good hook"}, res.SectionFeedback["Intro"].Strengths)
				assert.NotContains(t, res.SectionFeedback, "Conclusion")
				assert.Equal(t, "Scored 7 out of 30.", res.OverallFeedback)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := normalizeResult(schema, tt.obj, lg)
			assert.Equal(t, tt.wantTotal, res.TotalScore)
			assert.Equal(t, tt.wantStatus, res.Status)
			assertInvariants(t, schema, res)
			if tt.check != nil {
				tt.check(t, res)
			}
		})
	}
}

func TestGrade_FallsBackOnMissingKeys(t *testing.T) {
	partial := &fakeProvider{name: "openrouter", resp: `{"sectionFeedback":{"Intro":{"score":5}}}`}
	prose := &fakeProvider{name: "groq", resp: "I think this essay deserves a B."}
	good := &fakeProvider{name: "anthropic", resp: `{"sectionFeedback":{"Intro":{"score":4},"Body":{"score":6}},"totalScore":10,"maxPossibleScore":30,"overallFeedback":"Needs work.","status":"fail"}`}

	schema := introBodySchema()
	res := newTestEngine(partial, prose, good).Grade(context.Background(), schema, submission("s1", "text"))
	assert.Equal(t, "anthropic", res.Provider)
	assert.Equal(t, domain.ResultFail, res.Status)
	assert.Equal(t, 1, partial.Calls())
	assert.Equal(t, 1, prose.Calls())
	assertInvariants(t, schema, res)
}

func TestGrade_AllProvidersFail(t *testing.T) {
	schema := introBodySchema()
	res := newTestEngine(failing("groq"), failing("openai")).Grade(context.Background(), schema, submission("s1", "text"))

	assert.Equal(t, domain.ResultPending, res.Status)
	assert.True(t, res.Degraded)
	assert.Contains(t, res.OverallFeedback, "every AI provider failed")
	assert.Equal(t, 30.0, res.MaxPossibleScore)
	assertInvariants(t, schema, res)
}

func TestGrade_EmptySubmission(t *testing.T) {
	p := &fakeProvider{name: "groq", resp: `{}`}
	schema := introBodySchema()
	sub := domain.Submission{ID: "s9", Name: "blank.pdf", ExtractionStatus: domain.ExtractionCompleted}

	res := newTestEngine(p).Grade(context.Background(), schema, sub)
	assert.Equal(t, domain.ResultPending, res.Status)
	assert.Contains(t, res.OverallFeedback, "no extracted text")
	assert.Zero(t, p.Calls())
	assertInvariants(t, schema, res)
}

func TestGrade_QualitativeSectionsUseDefaultMax(t *testing.T) {
	schema := domain.GradingSchema{
		Title: "Reflection", Kind: domain.SchemaQualitative, PassThreshold: 50,
		Sections: []domain.SchemaSection{{Name: "Insight"}, {Name: "Clarity"}},
	}
	p := &fakeProvider{name: "ollama", resp: `{"sectionFeedback":{"Insight":{"score":6,"gradeLevel":"credit"},"Clarity":{"score":3}},"totalScore":9,"maxPossibleScore":20,"overallFeedback":"ok","status":"fail"}`}

	res := newTestEngine(p).Grade(context.Background(), schema, submission("s", "reflection"))
	assert.Equal(t, 20.0, res.MaxPossibleScore)
	assert.Equal(t, domain.ResultFail, res.Status)
	assert.Equal(t, "credit", res.SectionFeedback["Insight"].GradeLevel)
	assertInvariants(t, schema, res)
}

func TestGrade_TruncatesLongSubmission(t *testing.T) {
	p := &fakeProvider{name: "groq", resp: `{"sectionFeedback":{},"totalScore":0,"maxPossibleScore":30,"overallFeedback":"x","status":"fail"}`}
	e := NewEngine(chainOf(p), EngineOptions{MaxSubmissionTokens: 20})
	long := strings.Repeat("The argument develops across many paragraphs. ", 300)

	e.Grade(context.Background(), introBodySchema(), submission("s", long))
	require.Equal(t, 1, p.Calls())
	assert.Contains(t, p.prompts[0], "submission truncated")
	assert.Less(t, len(p.prompts[0]), len(long))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, domain.ResultPass, statusFor(18, 30, 60))
	assert.Equal(t, domain.ResultFail, statusFor(17.99, 30, 60))
	assert.Equal(t, domain.ResultPass, statusFor(0, 30, 0))
	assert.Equal(t, domain.ResultFail, statusFor(5, 0, 50))
}
