package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/httpserver"
	jobmemory "github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/jobstore/memory"
	repomemory "github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/usecase"
)

type captureDispatcher struct {
	mu    sync.Mutex
	tasks []domain.GradingTask
	err   error
}

func (d *captureDispatcher) Dispatch(_ context.Context, t domain.GradingTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, t)
	return nil
}

type env struct {
	h    http.Handler
	jobs *jobmemory.Store
	docs *repomemory.Documents
	disp *captureDispatcher
	srv  *httpserver.Server
}

func newEnv(t *testing.T, cfg config.Config) *env {
	t.Helper()
	e := &env{jobs: jobmemory.New(), docs: repomemory.NewDocuments(), disp: &captureDispatcher{}}
	svc := usecase.NewGradingService(e.docs, e.jobs, e.disp, repomemory.NewResults())
	e.srv = httpserver.NewServer(cfg, svc)

	r := chi.NewRouter()
	r.Use(httpserver.Recoverer(), httpserver.RequestID(), httpserver.AccessLog())
	r.Post("/v1/materials", e.srv.RegisterMaterialHandler())
	r.Post("/v1/submissions", e.srv.RegisterSubmissionHandler())
	r.Put("/v1/materials/{id}/extraction", e.srv.MaterialExtractionHandler())
	r.Put("/v1/submissions/{id}/extraction", e.srv.SubmissionExtractionHandler())
	r.Post("/v1/grading-jobs", e.srv.SubmitJobHandler())
	r.Get("/v1/grading-jobs/{id}", e.srv.JobStatusHandler())
	r.Get("/v1/grading-jobs/{id}/results", e.srv.JobResultsHandler())
	r.Get("/healthz", e.srv.HealthzHandler())
	r.Get("/readyz", e.srv.ReadyzHandler())
	e.h = r
	return e
}

func (e *env) do(t *testing.T, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type errBody struct {
	Error struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details"`
	} `json:"error"`
}

func (e *env) register(t *testing.T, path, body string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, path, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[map[string]string](t, rec)["id"]
}

func TestSubmitJob_Accepted(t *testing.T) {
	e := newEnv(t, config.Config{})
	ref := e.register(t, "/v1/materials", `{"name":"brief.txt","text":"Write an essay on rivers."}`)
	sub := e.register(t, "/v1/submissions", `{"name":"alice.txt","text":"Rivers flow."}`)

	rec := e.do(t, http.MethodPost, "/v1/grading-jobs",
		`{"reference_ids":["`+ref+`"],"submission_ids":["`+sub+`"],"mode":"individual","pass_threshold":70}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	got := decode[map[string]string](t, rec)
	assert.Equal(t, "processing", got["status"])
	assert.Equal(t, "/v1/grading-jobs/"+got["id"], rec.Header().Get("Location"))
	assert.NotEmpty(t, rec.Header().Get(httpserver.RequestIDHeader))

	require.Len(t, e.disp.tasks, 1)
	assert.Equal(t, got["id"], e.disp.tasks[0].JobID)
	require.NotNil(t, e.disp.tasks[0].PassThreshold)
	assert.InDelta(t, 70, *e.disp.tasks[0].PassThreshold, 0.001)
}

func TestSubmitJob_Validation(t *testing.T) {
	e := newEnv(t, config.Config{})
	cases := []struct {
		name   string
		body   string
		field  string
		status int
	}{
		{"missing refs", `{"submission_ids":["s1"]}`, "reference_ids", http.StatusBadRequest},
		{"empty subs", `{"reference_ids":["r1"],"submission_ids":[]}`, "submission_ids", http.StatusBadRequest},
		{"bad id", `{"reference_ids":["r/1"],"submission_ids":["s1"]}`, "reference_ids[0]", http.StatusBadRequest},
		{"bad mode", `{"reference_ids":["r1"],"submission_ids":["s1"],"mode":"pairs"}`, "mode", http.StatusBadRequest},
		{"threshold", `{"reference_ids":["r1"],"submission_ids":["s1"],"pass_threshold":101}`, "pass_threshold", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/v1/grading-jobs", tc.body)
			require.Equal(t, tc.status, rec.Code)
			body := decode[errBody](t, rec)
			assert.Equal(t, "INVALID_ARGUMENT", body.Error.Code)
			assert.Contains(t, body.Error.Details, tc.field)
		})
	}
	assert.Empty(t, e.disp.tasks)
}

func TestSubmitJob_UnknownDocumentIs404(t *testing.T) {
	e := newEnv(t, config.Config{})
	ref := e.register(t, "/v1/materials", `{"name":"brief.txt","text":"brief"}`)
	rec := e.do(t, http.MethodPost, "/v1/grading-jobs", `{"reference_ids":["`+ref+`"],"submission_ids":["nope"]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[errBody](t, rec).Error.Code)
}

func TestSubmitJob_DispatchFailureIs500WithoutLeak(t *testing.T) {
	e := newEnv(t, config.Config{})
	e.disp.err = errors.New("broker 10.0.0.7:9092 unreachable")
	ref := e.register(t, "/v1/materials", `{"name":"brief.txt","text":"brief"}`)
	sub := e.register(t, "/v1/submissions", `{"name":"a.txt","text":"essay"}`)
	rec := e.do(t, http.MethodPost, "/v1/grading-jobs", `{"reference_ids":["`+ref+`"],"submission_ids":["`+sub+`"]}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode[errBody](t, rec)
	assert.Equal(t, "INTERNAL", body.Error.Code)
	assert.NotContains(t, body.Error.Message, "10.0.0.7")
}

func TestSubmitJob_RejectsBadBodies(t *testing.T) {
	e := newEnv(t, config.Config{})
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/grading-jobs", `{"reference_ids":`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/grading-jobs", `{"extra":1}`).Code)
	rec := e.do(t, http.MethodPost, "/v1/grading-jobs", `{}`, "Content-Type", "text/plain")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(t, http.MethodPost, "/v1/grading-jobs", `{}`, "Accept", "text/html")
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
}

func TestJobStatusAndResults(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, config.Config{})
	now := time.Now().UTC()
	require.NoError(t, e.jobs.Create(ctx, domain.GradingJob{
		ID: "job-1", Status: domain.JobProcessing, Mode: domain.ModeIndividual,
		ReferenceIDs: []string{"r1"}, SubmissionIDs: []string{"s1"}, CreatedAt: now, UpdatedAt: now,
	}))

	rec := e.do(t, http.MethodGet, "/v1/grading-jobs/job-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[map[string]any](t, rec)
	assert.Equal(t, "processing", job["status"])
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = e.do(t, http.MethodGet, "/v1/grading-jobs/job-1/results", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_READY", decode[errBody](t, rec).Error.Code)

	_, err := e.jobs.Update(ctx, "job-1", func(j *domain.GradingJob) error {
		return j.Complete([]domain.GradingResult{{SubmissionID: "s1", Status: domain.ResultPass, TotalScore: 8, MaxPossibleScore: 10}}, now)
	})
	require.NoError(t, err)

	rec = e.do(t, http.MethodGet, "/v1/grading-jobs/job-1/results", "")
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)
	var body struct {
		JobID   string                 `json:"jobId"`
		Results []domain.GradingResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "job-1", body.JobID)
	require.Len(t, body.Results, 1)
	assert.Equal(t, domain.ResultPass, body.Results[0].Status)

	rec = e.do(t, http.MethodGet, "/v1/grading-jobs/job-1/results", "", "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/v1/grading-jobs/job-1/results", "", "If-None-Match", `"stale"`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJobResults_FailedJobIsConflict(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, config.Config{})
	now := time.Now().UTC()
	require.NoError(t, e.jobs.Create(ctx, domain.GradingJob{ID: "job-2", Status: domain.JobProcessing, CreatedAt: now, UpdatedAt: now}))
	_, err := e.jobs.Update(ctx, "job-2", func(j *domain.GradingJob) error { return j.Fail("provider outage", now) })
	require.NoError(t, err)

	rec := e.do(t, http.MethodGet, "/v1/grading-jobs/job-2/results", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONFLICT", decode[errBody](t, rec).Error.Code)
}

func TestJobStatus_NotFoundAndBadID(t *testing.T) {
	e := newEnv(t, config.Config{})
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/grading-jobs/missing", "").Code)
	long := strings.Repeat("a", 101)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/grading-jobs/"+long, "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/grading-jobs/a$b/results", "").Code)
}

func TestRegisterDocument_PendingThenExtraction(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, config.Config{})
	id := e.register(t, "/v1/submissions", `{"name":"scan.pdf"}`)
	sub, err := e.docs.GetSubmission(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExtractionPending, sub.ExtractionStatus)

	rec := e.do(t, http.MethodPut, "/v1/submissions/"+id+"/extraction", `{"text":"  extracted essay  "}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	sub, err = e.docs.GetSubmission(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExtractionCompleted, sub.ExtractionStatus)
	require.NotNil(t, sub.ExtractedText)
	assert.Equal(t, "extracted essay", strings.TrimSpace(*sub.ExtractedText))

	mid := e.register(t, "/v1/materials", `{"name":"rubric.docx","extraction_status":"pending"}`)
	rec = e.do(t, http.MethodPut, "/v1/materials/"+mid+"/extraction", `{"status":"error"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	m, err := e.docs.GetMaterial(ctx, mid)
	require.NoError(t, err)
	assert.Equal(t, domain.ExtractionError, m.ExtractionStatus)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPut, "/v1/materials/nope/extraction", `{"text":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPut, "/v1/materials/"+mid+"/extraction", `{"status":"pending"}`).Code)
}

func TestRegisterDocument_Validation(t *testing.T) {
	e := newEnv(t, config.Config{MaxDocumentKB: 1})
	rec := e.do(t, http.MethodPost, "/v1/materials", `{"text":"no name"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errBody](t, rec).Error.Details, "name")

	rec = e.do(t, http.MethodPost, "/v1/materials", `{"name":"a","extraction_status":"done"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errBody](t, rec).Error.Details, "extraction_status")

	rec = e.do(t, http.MethodPost, "/v1/submissions", `{"name":"a","text":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	big := strings.Repeat("x", 2048)
	rec = e.do(t, http.MethodPost, "/v1/submissions", `{"name":"big.txt","text":"`+big+`"}`)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", decode[errBody](t, rec).Error.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	e := newEnv(t, config.Config{})
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", "").Code)

	e.srv.Checks = []httpserver.ReadinessCheck{
		{Name: "redis", Check: func(context.Context) error { return nil }},
	}
	rec := e.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	e.srv.Checks = append(e.srv.Checks, httpserver.ReadinessCheck{
		Name: "db", Check: func(context.Context) error { return errors.New("db down") },
	})
	rec = e.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Checks []struct {
			Name    string `json:"name"`
			OK      bool   `json:"ok"`
			Details string `json:"details"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Checks, 2)
	assert.True(t, body.Checks[0].OK)
	assert.False(t, body.Checks[1].OK)
	assert.Equal(t, "db down", body.Checks[1].Details)
}
