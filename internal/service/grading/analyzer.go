// Package grading implements the two grading stages: rubric analysis turns
// reference materials into a GradingSchema, and the engine grades a
// submission against it. Neither stage returns provider or parse failures to
// its caller; both degrade to a best-effort schema or a pending result.
package grading

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/ai"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
	obsctx "github.com/fairyhunter13/ai-grading-orchestrator/internal/observability"
	"github.com/fairyhunter13/ai-grading-orchestrator/pkg/textx"
)

// Analyzer derives a grading schema from reference materials.
type Analyzer struct {
	chain            *ai.Chain
	params           domain.DecodingParams
	cache            *ai.Cache[domain.GradingSchema]
	fallback         domain.GradingSchema
	defaultThreshold float64
}

// AnalyzerOptions configures an Analyzer.
type AnalyzerOptions struct {
	Params domain.DecodingParams
	// CacheSize bounds the analysed-schema cache; zero disables it.
	CacheSize int
	// Fallback is returned when neither providers nor heuristics yield a
	// schema. Empty means the embedded default.
	Fallback         domain.GradingSchema
	DefaultThreshold float64
}

// NewAnalyzer builds an Analyzer over chain.
func NewAnalyzer(chain *ai.Chain, opts AnalyzerOptions) *Analyzer {
	if opts.DefaultThreshold <= 0 {
		opts.DefaultThreshold = 50
	}
	if len(opts.Fallback.Sections) == 0 {
		// The embedded schema is validated by config tests.
		opts.Fallback, _ = config.LoadDefaultSchema("")
	}
	return &Analyzer{
		chain:            chain,
		params:           opts.Params,
		cache:            ai.NewCache[domain.GradingSchema](opts.CacheSize),
		fallback:         opts.Fallback,
		defaultThreshold: opts.DefaultThreshold,
	}
}

// CheckMaterials verifies that every material has extracted text. The error
// names the first offending material.
func CheckMaterials(materials []domain.ReferenceMaterial) error {
	if len(materials) == 0 {
		return fmt.Errorf("%w: no reference materials", domain.ErrPrecondition)
	}
	for _, m := range materials {
		switch m.ExtractionStatus {
		case domain.ExtractionCompleted:
		case domain.ExtractionPending:
			return fmt.Errorf("%w: reference material %q is still being extracted", domain.ErrPrecondition, m.Name)
		case domain.ExtractionError:
			return fmt.Errorf("%w: text extraction failed for reference material %q", domain.ErrPrecondition, m.Name)
		default:
			return fmt.Errorf("%w: reference material %q has unknown extraction status %q", domain.ErrPrecondition, m.Name, m.ExtractionStatus)
		}
		if textx.IsBlank(m.ExtractedText) {
			return fmt.Errorf("%w: reference material %q has no extracted text", domain.ErrPrecondition, m.Name)
		}
	}
	return nil
}

// Analyze returns a usable schema for materials. The only error is a
// precondition failure; provider and parse failures degrade to heuristic or
// default schemas.
func (a *Analyzer) Analyze(ctx context.Context, materials []domain.ReferenceMaterial) (domain.GradingSchema, error) {
	if err := CheckMaterials(materials); err != nil {
		return domain.GradingSchema{}, err
	}
	lg := obsctx.LoggerFromContext(ctx)
	ctx, span := otel.Tracer("grading").Start(ctx, "grading.Analyze")
	defer span.End()

	keyParts := make([]string, 0, len(materials)*2)
	texts := make([]string, 0, len(materials))
	for _, m := range materials {
		keyParts = append(keyParts, m.Name, *m.ExtractedText)
		texts = append(texts, *m.ExtractedText)
	}
	key := ai.KeyFor(keyParts...)
	if cached, ok := a.cache.Get(key); ok {
		lg.Debug("schema cache hit", slog.String("title", cached.Title))
		span.SetAttributes(attribute.Bool("grading.schema_cached", true))
		observability.RecordSchemaOrigin(string(cached.Origin))
		return cached, nil
	}

	title := deriveTitle(materials)
	source := strings.Join(texts, "\n\n")
	req := domain.GenerateRequest{
		Prompt:            buildAnalysisPrompt(materials),
		SystemInstruction: analysisSystemPrompt,
		Params:            a.params,
		JSONMode:          true,
	}
	accept := func(raw string) (domain.GradingSchema, error) {
		obj, err := ai.ExtractObject(raw)
		if err != nil {
			return domain.GradingSchema{}, err
		}
		return NormalizeSchema(obj, NormalizeOptions{
			FallbackTitle: title,
			SourceText:    source,
			PassThreshold: a.defaultThreshold,
			Logger:        lg,
		})
	}

	out, err := ai.Run(ctx, a.chain, "analyze", req, accept)
	if err == nil {
		schema := out.Value
		lg.Info("schema derived",
			slog.String("provider", out.Provider),
			slog.String("origin", string(schema.Origin)),
			slog.String("kind", string(schema.Kind)),
			slog.Int("sections", len(schema.Sections)))
		if schema.Origin == domain.OriginAI {
			a.cache.Put(key, schema)
		}
		span.SetAttributes(attribute.String("grading.schema_origin", string(schema.Origin)))
		observability.RecordSchemaOrigin(string(schema.Origin))
		return schema, nil
	}

	lg.Warn("schema analysis failed on every provider, degrading", slog.Any("error", err))
	schema := a.degradedSchema(title, source)
	span.SetAttributes(attribute.String("grading.schema_origin", string(schema.Origin)))
	observability.RecordSchemaOrigin(string(schema.Origin))
	return schema, nil
}

// degradedSchema prefers headings scanned from the materials over the
// static default.
func (a *Analyzer) degradedSchema(title, source string) domain.GradingSchema {
	if found := ExtractHeuristicSections(source); len(found) > 0 {
		return heuristicSchema(title, found, a.defaultThreshold)
	}
	return a.Fallback()
}

// Fallback returns the static default schema.
func (a *Analyzer) Fallback() domain.GradingSchema {
	s := a.fallback
	s.Origin = domain.OriginDefault
	if s.PassThreshold <= 0 {
		s.PassThreshold = a.defaultThreshold
	}
	return s
}

func deriveTitle(materials []domain.ReferenceMaterial) string {
	for _, m := range materials {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			continue
		}
		if i := strings.LastIndex(name, "."); i > 0 {
			name = name[:i]
		}
		return "Assessment: " + name
	}
	return "Assessment"
}
