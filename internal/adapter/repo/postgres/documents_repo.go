package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
)

const uniqueViolation = "23505"

// DocumentRepo persists reference materials and submissions. Both kinds
// share one column layout in separate tables.
type DocumentRepo struct{ Pool PgxPool }

// NewDocumentRepo constructs a DocumentRepo with the given pool.
func NewDocumentRepo(p PgxPool) *DocumentRepo { return &DocumentRepo{Pool: p} }

type document struct {
	ID        string
	Name      string
	Text      *string
	Status    domain.ExtractionStatus
	CreatedAt time.Time
}

func tableFor(kind domain.DocumentKind) (string, error) {
	switch kind {
	case domain.DocumentMaterial:
		return "reference_materials", nil
	case domain.DocumentSubmission:
		return "submissions", nil
	}
	return "", fmt.Errorf("%w: document kind %q", domain.ErrInvalidArgument, kind)
}

func startSpan(ctx domain.Context, name, op, table string) (domain.Context, trace.Span) {
	ctx, span := otel.Tracer("repo.documents").Start(ctx, name)
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", op),
		attribute.String("db.sql.table", table),
	)
	return ctx, span
}

// CreateMaterial stores m and returns its id (generated when empty).
func (r *DocumentRepo) CreateMaterial(ctx domain.Context, m domain.ReferenceMaterial) (string, error) {
	return r.insert(ctx, "reference_materials", document{m.ID, m.Name, m.ExtractedText, m.ExtractionStatus, m.CreatedAt})
}

// CreateSubmission stores s and returns its id (generated when empty).
func (r *DocumentRepo) CreateSubmission(ctx domain.Context, s domain.Submission) (string, error) {
	return r.insert(ctx, "submissions", document{s.ID, s.Name, s.ExtractedText, s.ExtractionStatus, s.CreatedAt})
}

func (r *DocumentRepo) insert(ctx domain.Context, table string, d document) (string, error) {
	ctx, span := startSpan(ctx, table+".Create", "INSERT", table)
	defer span.End()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO ` + table + ` (id, name, extracted_text, extraction_status, created_at) VALUES ($1,$2,$3,$4,$5)`
	if _, err := r.Pool.Exec(ctx, q, d.ID, d.Name, d.Text, string(d.Status), d.CreatedAt); err != nil {
		span.RecordError(err)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return "", fmt.Errorf("op=%s.create: %w: id %s exists", table, domain.ErrConflict, d.ID)
		}
		return "", fmt.Errorf("op=%s.create: %w", table, err)
	}
	return d.ID, nil
}

// GetMaterial loads a reference material by id.
func (r *DocumentRepo) GetMaterial(ctx domain.Context, id string) (domain.ReferenceMaterial, error) {
	d, err := r.get(ctx, "reference_materials", id)
	if err != nil {
		return domain.ReferenceMaterial{}, err
	}
	return domain.ReferenceMaterial{ID: d.ID, Name: d.Name, ExtractedText: d.Text, ExtractionStatus: d.Status, CreatedAt: d.CreatedAt}, nil
}

// GetSubmission loads a submission by id.
func (r *DocumentRepo) GetSubmission(ctx domain.Context, id string) (domain.Submission, error) {
	d, err := r.get(ctx, "submissions", id)
	if err != nil {
		return domain.Submission{}, err
	}
	return domain.Submission{ID: d.ID, Name: d.Name, ExtractedText: d.Text, ExtractionStatus: d.Status, CreatedAt: d.CreatedAt}, nil
}

func (r *DocumentRepo) get(ctx domain.Context, table, id string) (document, error) {
	ctx, span := startSpan(ctx, table+".Get", "SELECT", table)
	defer span.End()
	q := `SELECT id, name, extracted_text, extraction_status, created_at FROM ` + table + ` WHERE id=$1`
	var (
		d      document
		status string
	)
	if err := r.Pool.QueryRow(ctx, q, id).Scan(&d.ID, &d.Name, &d.Text, &status, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return document{}, fmt.Errorf("op=%s.get: %w: %s", table, domain.ErrNotFound, id)
		}
		span.RecordError(err)
		return document{}, fmt.Errorf("op=%s.get: %w", table, err)
	}
	d.Status = domain.ExtractionStatus(status)
	return d, nil
}

// SetExtraction records the extraction outcome of a document.
func (r *DocumentRepo) SetExtraction(ctx domain.Context, kind domain.DocumentKind, id string, text *string, status domain.ExtractionStatus) error {
	table, err := tableFor(kind)
	if err != nil {
		return fmt.Errorf("op=documents.set_extraction: %w", err)
	}
	ctx, span := startSpan(ctx, table+".SetExtraction", "UPDATE", table)
	defer span.End()
	q := `UPDATE ` + table + ` SET extracted_text=$2, extraction_status=$3 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, text, string(status))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("op=%s.set_extraction: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=%s.set_extraction: %w: %s", table, domain.ErrNotFound, id)
	}
	return nil
}
