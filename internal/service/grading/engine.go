package grading

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/ai"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
	obsctx "github.com/fairyhunter13/ai-grading-orchestrator/internal/observability"
	"github.com/fairyhunter13/ai-grading-orchestrator/pkg/textx"
)

// requiredKeys must all be present in a model grade before it is accepted.
var requiredKeys = []string{"totalScore", "maxPossibleScore", "overallFeedback", "status", "sectionFeedback"}

// Engine grades one submission against a schema.
type Engine struct {
	chain     *ai.Chain
	params    domain.DecodingParams
	counter   *tokencount.Counter
	maxTokens int
	// tokenModel picks the tokenizer used for the submission budget.
	tokenModel string
	now        func() time.Time
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Params domain.DecodingParams
	// MaxSubmissionTokens truncates long submissions; zero disables it.
	MaxSubmissionTokens int
	TokenModel          string
	Now                 func() time.Time
}

// NewEngine builds an Engine over chain.
func NewEngine(chain *ai.Chain, opts EngineOptions) *Engine {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.TokenModel == "" {
		opts.TokenModel = "gpt-4"
	}
	return &Engine{
		chain:      chain,
		params:     opts.Params,
		counter:    tokencount.DefaultCounter,
		maxTokens:  opts.MaxSubmissionTokens,
		tokenModel: opts.TokenModel,
		now:        opts.Now,
	}
}

// Grade always returns a well-formed result. Missing submission text and
// provider exhaustion produce a pending result from Synthesize.
func (e *Engine) Grade(ctx context.Context, schema domain.GradingSchema, sub domain.Submission) domain.GradingResult {
	lg := obsctx.LoggerFromContext(ctx).With(slog.String("submission_id", sub.ID))
	ctx, span := otel.Tracer("grading").Start(ctx, "grading.Grade")
	defer span.End()
	span.SetAttributes(attribute.String("grading.submission_id", sub.ID))

	text := textx.SanitizeText(sub.Text())
	if text == "" {
		cause := fmt.Errorf("%w: submission %q has no extracted text", domain.ErrPrecondition, displayName(sub))
		lg.Warn("cannot grade submission", slog.Any("error", cause))
		return e.degraded(schema, sub, cause)
	}
	if cut, truncated := e.counter.Truncate(text, e.tokenModel, e.maxTokens); truncated {
		lg.Info("submission truncated to token budget", slog.Int("max_tokens", e.maxTokens))
		text = cut
	}

	req := domain.GenerateRequest{
		Prompt:            buildGradingPrompt(schema, displayName(sub), text),
		SystemInstruction: gradingSystemPrompt,
		Params:            e.params,
		JSONMode:          true,
	}
	out, err := ai.Run(ctx, e.chain, "grade", req, acceptGrade)
	if err != nil {
		lg.Warn("grading failed on every provider", slog.Any("error", err))
		return e.degraded(schema, sub, err)
	}

	res := normalizeResult(schema, out.Value, lg)
	res.SubmissionID = sub.ID
	res.SubmissionName = displayName(sub)
	res.Provider = out.Provider
	res.SchemaOrigin = schema.Origin
	res.CreatedAt = e.now()
	span.SetAttributes(attribute.String("grading.status", string(res.Status)))
	observability.ObserveResult(string(res.Status), false, res.TotalScore, res.MaxPossibleScore)
	return res
}

func (e *Engine) degraded(schema domain.GradingSchema, sub domain.Submission, cause error) domain.GradingResult {
	res := Synthesize(schema, sub.ID, displayName(sub), cause, e.now())
	observability.ObserveResult(string(res.Status), true, res.TotalScore, res.MaxPossibleScore)
	return res
}

// acceptGrade rejects responses missing any required key so the chain moves
// on to the next provider.
func acceptGrade(raw string) (map[string]any, error) {
	obj, err := ai.ExtractObject(raw)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, k := range requiredKeys {
		if _, ok := obj[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: grade missing keys %s", domain.ErrSchemaInvalid, strings.Join(missing, ", "))
	}
	if _, ok := obj["sectionFeedback"].(map[string]any); !ok {
		return nil, fmt.Errorf("%w: sectionFeedback is not an object", domain.ErrSchemaInvalid)
	}
	return obj, nil
}

// normalizeResult makes a model grade satisfy the result invariants: scores
// clamped to [0, max], every schema section present, unknown sections
// dropped, total consistent with the parts and status derived from the
// threshold.
func normalizeResult(schema domain.GradingSchema, obj map[string]any, lg *slog.Logger) domain.GradingResult {
	given, _ := obj["sectionFeedback"].(map[string]any)
	byKey := make(map[string]map[string]any, len(given))
	for name, v := range given {
		if m, ok := v.(map[string]any); ok {
			byKey[sectionKey(name)] = m
		} else if f, ok := asFloat(v); ok {
			byKey[sectionKey(name)] = map[string]any{"score": f}
		}
	}

	res := domain.GradingResult{SectionFeedback: make(map[string]domain.SectionFeedback, len(schema.Sections))}
	sum, maxSum := 0.0, 0.0
	for _, sec := range schema.Sections {
		top := sectionMax(sec)
		maxSum += top
		key := sectionKey(sec.Name)
		m, ok := byKey[key]
		if !ok {
			lg.Warn("model omitted section, scoring zero", slog.String("section", sec.Name))
			res.SectionFeedback[sec.Name] = domain.SectionFeedback{
				MaxScore:     top,
				Feedback:     "This section was not addressed in the assessment.",
				Strengths:    []string{},
				Improvements: []string{fmt.Sprintf("Address the %q criteria directly.", sec.Name)},
			}
			continue
		}
		delete(byKey, key)

		score, ok := asFloat(m["score"])
		if !ok {
			score = 0
		}
		if score < 0 || score > top {
			lg.Debug("clamping section score", slog.String("section", sec.Name), slog.Float64("score", score), slog.Float64("max", top))
		}
		score = round2(clamp(score, 0, top))
		sum += score
		res.SectionFeedback[sec.Name] = domain.SectionFeedback{
			Score:        score,
			MaxScore:     top,
			Feedback:     asString(m["feedback"]),
			Strengths:    nonNil(asStrings(m["strengths"])),
			Improvements: nonNil(asStrings(m["improvements"])),
			GradeLevel:   asString(firstOf(m, "gradeLevel", "grade_level", "grade")),
			Evidence:     asStrings(m["evidence"]),
		}
	}
	for name := range byKey {
		lg.Warn("dropping section not in schema", slog.String("section", name))
	}

	total := sum
	if stated, ok := asFloat(obj["totalScore"]); ok && math.Abs(stated-sum) <= totalTolerance && stated <= maxSum && stated >= 0 {
		total = stated
	} else if ok {
		lg.Info("recomputed total from section scores", slog.Float64("stated", stated), slog.Float64("sum", sum))
	}
	res.TotalScore = round2(total)
	res.MaxPossibleScore = round2(maxSum)
	res.Status = statusFor(res.TotalScore, res.MaxPossibleScore, schema.PassThreshold)

	res.OverallFeedback = asString(obj["overallFeedback"])
	if res.OverallFeedback == "" {
		res.OverallFeedback = fmt.Sprintf("Scored %s out of %s.", formatNumber(res.TotalScore), formatNumber(res.MaxPossibleScore))
	}
	return res
}

// statusFor is pass iff total/max >= threshold percent. It compares
// cross-multiplied values so 18/30 against 60 is exact.
func statusFor(total, maxPossible, threshold float64) domain.ResultStatus {
	if maxPossible <= 0 {
		return domain.ResultFail
	}
	if total*100 >= threshold*maxPossible-1e-9 {
		return domain.ResultPass
	}
	return domain.ResultFail
}

// sectionMax is the section's own maximum or defaultSectionMax.
func sectionMax(sec domain.SchemaSection) float64 {
	if sec.MaxScore != nil && *sec.MaxScore >= 0 {
		return *sec.MaxScore
	}
	return defaultSectionMax
}

func schemaMax(s domain.GradingSchema) float64 {
	total := 0.0
	for _, sec := range s.Sections {
		total += sectionMax(sec)
	}
	return total
}

func displayName(sub domain.Submission) string {
	if strings.TrimSpace(sub.Name) != "" {
		return sub.Name
	}
	return sub.ID
}
