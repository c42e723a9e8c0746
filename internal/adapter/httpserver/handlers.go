package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/usecase"
)

// GradingAPI is the part of the grading service the handlers need.
type GradingAPI interface {
	Submit(ctx domain.Context, req usecase.SubmitRequest) (string, error)
	Status(ctx domain.Context, jobID string) (domain.GradingJob, error)
	Results(ctx domain.Context, jobID string) ([]domain.GradingResult, error)
	RegisterMaterial(ctx domain.Context, in usecase.DocumentInput) (string, error)
	RegisterSubmission(ctx domain.Context, in usecase.DocumentInput) (string, error)
	RecordExtraction(ctx domain.Context, kind domain.DocumentKind, id string, text *string, status domain.ExtractionStatus) error
}

// ReadinessCheck probes one dependency for /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg     config.Config
	Grading GradingAPI
	Checks  []ReadinessCheck
}

// NewServer wires the handlers to the grading service.
func NewServer(cfg config.Config, grading GradingAPI, checks ...ReadinessCheck) *Server {
	return &Server{Cfg: cfg, Grading: grading, Checks: checks}
}

const maxJobBodyBytes = 64 << 10

type submitJobRequest struct {
	ReferenceIDs  []string `json:"reference_ids" validate:"required,min=1,max=50,dive,docid"`
	SubmissionIDs []string `json:"submission_ids" validate:"required,min=1,max=200,dive,docid"`
	Mode          string   `json:"mode" validate:"omitempty,oneof=individual combined"`
	PassThreshold *float64 `json:"pass_threshold" validate:"omitempty,gte=0,lte=100"`
}

type documentRequest struct {
	Name             string  `json:"name" validate:"required,max=255"`
	Text             *string `json:"text"`
	ExtractionStatus string  `json:"extraction_status" validate:"extraction"`
}

type extractionRequest struct {
	Text   *string `json:"text"`
	Status string  `json:"status" validate:"omitempty,oneof=completed error"`
}

type resultsResponse struct {
	JobID   string                 `json:"jobId"`
	Results []domain.GradingResult `json:"results"`
}

// decodeBody reads a bounded JSON body into v and validates it.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) (map[string]string, error) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return nil, fmt.Errorf("%w: content-type must be application/json", domain.ErrInvalidArgument)
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return map[string]string{"max_bytes": fmt.Sprint(tooLarge.Limit)}, errPayloadTooLarge
		}
		return nil, fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidArgument, err)
	}
	return validate(v)
}

var errPayloadTooLarge = fmt.Errorf("%w: payload too large", domain.ErrInvalidArgument)

func writeDecodeError(w http.ResponseWriter, r *http.Request, err error, details map[string]string) {
	if errors.Is(err, errPayloadTooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
			Code: "PAYLOAD_TOO_LARGE", Message: err.Error(), Details: details,
		}})
		return
	}
	writeError(w, r, err, details)
}

// SubmitJobHandler accepts a grading job and answers 202 with its id.
func (s *Server) SubmitJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(r) {
			writeNotAcceptable(w, r)
			return
		}
		var req submitJobRequest
		if details, err := decodeBody(w, r, maxJobBodyBytes, &req); err != nil {
			writeDecodeError(w, r, err, details)
			return
		}
		id, err := s.Grading.Submit(r.Context(), usecase.SubmitRequest{
			ReferenceIDs:  req.ReferenceIDs,
			SubmissionIDs: req.SubmissionIDs,
			Mode:          domain.GradingMode(req.Mode),
			PassThreshold: req.PassThreshold,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.Header().Set("Location", "/v1/grading-jobs/"+id)
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(domain.JobProcessing)})
	}
}

// JobStatusHandler returns the stored job.
func (s *Server) JobStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(r) {
			writeNotAcceptable(w, r)
			return
		}
		id := chi.URLParam(r, "id")
		if err := checkID("id", id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		job, err := s.Grading.Status(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if job.Status == domain.JobProcessing {
			w.Header().Set("Cache-Control", "no-store")
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// JobResultsHandler returns the results of a completed job. Clients may
// poll with If-None-Match and get 304 while nothing changed.
func (s *Server) JobResultsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(r) {
			writeNotAcceptable(w, r)
			return
		}
		id := chi.URLParam(r, "id")
		if err := checkID("id", id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		results, err := s.Grading.Results(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if results == nil {
			results = []domain.GradingResult{}
		}
		body := resultsResponse{JobID: id, Results: results}
		etag := usecase.ResultsETag(body)
		w.Header().Set("ETag", etag)
		if match := r.Header.Get("If-None-Match"); match != "" && etagMatches(match, etag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func etagMatches(header, etag string) bool {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "*" || strings.TrimPrefix(part, "W/") == etag {
			return true
		}
	}
	return false
}

// RegisterMaterialHandler stores a reference material.
func (s *Server) RegisterMaterialHandler() http.HandlerFunc {
	return s.registerDocument(domain.DocumentMaterial, s.Grading.RegisterMaterial)
}

// RegisterSubmissionHandler stores a submission.
func (s *Server) RegisterSubmissionHandler() http.HandlerFunc {
	return s.registerDocument(domain.DocumentSubmission, s.Grading.RegisterSubmission)
}

func (s *Server) registerDocument(kind domain.DocumentKind, register func(domain.Context, usecase.DocumentInput) (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(r) {
			writeNotAcceptable(w, r)
			return
		}
		var req documentRequest
		if details, err := decodeBody(w, r, s.maxDocumentBytes(), &req); err != nil {
			writeDecodeError(w, r, err, details)
			return
		}
		id, err := register(r.Context(), usecase.DocumentInput{
			Name:             req.Name,
			Text:             req.Text,
			ExtractionStatus: domain.ExtractionStatus(req.ExtractionStatus),
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("document registered", "kind", string(kind), "id", id)
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

// MaterialExtractionHandler records extracted text for a material.
func (s *Server) MaterialExtractionHandler() http.HandlerFunc {
	return s.recordExtraction(domain.DocumentMaterial)
}

// SubmissionExtractionHandler records extracted text for a submission.
func (s *Server) SubmissionExtractionHandler() http.HandlerFunc {
	return s.recordExtraction(domain.DocumentSubmission)
}

func (s *Server) recordExtraction(kind domain.DocumentKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := checkID("id", id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req extractionRequest
		if details, err := decodeBody(w, r, s.maxDocumentBytes(), &req); err != nil {
			writeDecodeError(w, r, err, details)
			return
		}
		if err := s.Grading.RecordExtraction(r.Context(), kind, id, req.Text, domain.ExtractionStatus(req.Status)); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) maxDocumentBytes() int64 {
	kb := s.Cfg.MaxDocumentKB
	if kb <= 0 {
		kb = 2048
	}
	return kb << 10
}

// HealthzHandler reports liveness only.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler runs every readiness check and answers 503 if any fails.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, len(s.Checks))
		ok := true
		for _, c := range s.Checks {
			if err := c.Check(ctx); err != nil {
				ok = false
				checks = append(checks, check{Name: c.Name, Details: err.Error()})
				continue
			}
			checks = append(checks, check{Name: c.Name, OK: true})
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
