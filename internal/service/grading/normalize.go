package grading

import (
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
)

// totalTolerance is the slack allowed between a stated total and the sum of
// the parts before the sum wins.
const totalTolerance = 1.0

// defaultSectionMax is used for sections that carry no maximum of their own.
// The grading prompt asks for scores out of this value.
const defaultSectionMax = 10.0

// NormalizeOptions carries the inputs NormalizeSchema needs besides the raw
// model object.
type NormalizeOptions struct {
	// FallbackTitle replaces a missing title.
	FallbackTitle string
	// SourceText is scanned for headings when the model gave no sections.
	SourceText    string
	PassThreshold float64
	Logger        *slog.Logger
}

// NormalizeSchema validates a model-produced schema object and repairs what
// it can: title, kind, criteria shapes and numeric totals. It fails only when
// no sections can be obtained at all, neither from the model nor from the
// source text.
func NormalizeSchema(raw map[string]any, opts NormalizeOptions) (domain.GradingSchema, error) {
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}

	s := domain.GradingSchema{Origin: domain.OriginAI}
	s.Title = asString(raw["title"])
	if s.Title == "" {
		s.Title = opts.FallbackTitle
	}
	kind, ok := domain.ParseSchemaKind(asString(firstOf(raw, "marking_schema_type", "schema_type", "type")))
	if !ok {
		kind = domain.SchemaQualitative
	}
	s.Kind = kind
	s.PassThreshold = passThreshold(raw["pass_threshold"], opts.PassThreshold)
	if v, ok := asFloat(firstOf(raw, "total_possible_marks", "total_marks")); ok && v > 0 {
		s.TotalPossibleMarks = domain.Float(v)
	}

	s.Sections = parseSections(raw["sections"])
	if len(s.Sections) == 0 {
		found := ExtractHeuristicSections(opts.SourceText)
		if len(found) == 0 {
			return domain.GradingSchema{}, fmt.Errorf("%w: schema has no sections", domain.ErrSchemaInvalid)
		}
		lg.Warn("model schema had no sections, using heuristic headings", slog.Int("sections", len(found)))
		return heuristicSchema(s.Title, found, s.PassThreshold), nil
	}

	reconcileMarks(&s, lg)
	for i := range s.Sections {
		backfillCriteria(s.Kind, &s.Sections[i])
	}
	return s, nil
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

// passThreshold accepts a percentage or a fraction and falls back to def.
func passThreshold(v any, def float64) float64 {
	f, ok := asFloat(v)
	switch {
	case !ok || f <= 0:
		return def
	case f <= 1:
		return f * 100
	case f > 100:
		return def
	}
	return f
}

func parseSections(v any) []domain.SchemaSection {
	items, _ := v.([]any)
	out := make([]domain.SchemaSection, 0, len(items))
	seen := map[string]bool{}
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name := asString(firstOf(m, "name", "title", "section"))
		if name == "" {
			continue
		}
		sec := domain.SchemaSection{Name: uniqueName(seen, name)}
		if f, ok := asFloat(firstOf(m, "max_score", "maxScore", "weight", "marks")); ok && f >= 0 {
			sec.MaxScore = domain.Float(f)
		}
		criteria, _ := m["criteria"].(map[string]any)
		if criteria == nil {
			criteria = m
		}
		sec.Criteria = parseCriteria(criteria)
		out = append(out, sec)
	}
	return out
}

func parseCriteria(m map[string]any) domain.SectionCriteria {
	var c domain.SectionCriteria
	bandsSrc, _ := m["bands"].(map[string]any)
	if bandsSrc == nil {
		bandsSrc = m
	}
	bands := &domain.QualitativeBands{}
	found := false
	for _, key := range domain.BandKeys {
		raw, ok := bandsSrc[key]
		if !ok {
			continue
		}
		var bc domain.BandCriterion
		switch t := raw.(type) {
		case string:
			bc.Description = strings.TrimSpace(t)
		case map[string]any:
			bc.Description = asString(t["description"])
			bc.Examples = asStrings(t["examples"])
		}
		if bc.Description == "" && len(bc.Examples) == 0 {
			continue
		}
		bands.SetBand(key, &bc)
		found = true
	}
	if found {
		c.Bands = bands
	}

	ranges, _ := firstOf(m, "ranges", "mark_ranges").([]any)
	for _, r := range ranges {
		rm, ok := r.(map[string]any)
		if !ok {
			continue
		}
		lo, okLo := asFloat(rm["min"])
		hi, okHi := asFloat(rm["max"])
		if !okLo || !okHi || hi < lo {
			continue
		}
		c.Ranges = append(c.Ranges, domain.MarkRange{
			Min: lo, Max: hi,
			Grade:       asString(rm["grade"]),
			Description: asString(rm["description"]),
		})
	}
	return c
}

// backfillCriteria makes the criteria shape agree with the schema kind.
// Bands and ranges never coexist on one section afterwards.
func backfillCriteria(kind domain.SchemaKind, sec *domain.SchemaSection) {
	wantRanges := false
	switch kind {
	case domain.SchemaNumerical, domain.SchemaWeighted:
		wantRanges = true
	case domain.SchemaHybrid:
		// Each section keeps its own shape.
		switch sec.Criteria.Shape() {
		case domain.CriteriaNumerical:
			wantRanges = true
		case domain.CriteriaQualitative:
			wantRanges = false
		case domain.CriteriaNone:
			wantRanges = sec.MaxScore != nil
		}
	case domain.SchemaQualitative:
		wantRanges = false
	}

	if wantRanges {
		sec.Criteria.Bands = nil
		top := defaultSectionMax
		if sec.MaxScore != nil && *sec.MaxScore > 0 {
			top = *sec.MaxScore
		}
		if len(sec.Criteria.Ranges) == 0 {
			sec.Criteria.Ranges = defaultRanges(top)
		}
		return
	}
	sec.Criteria.Ranges = nil
	if sec.Criteria.Bands == nil {
		sec.Criteria.Bands = &domain.QualitativeBands{}
	}
	for _, key := range domain.BandKeys {
		if sec.Criteria.Bands.Band(key) == nil {
			d := genericBands[key]
			sec.Criteria.Bands.SetBand(key, &d)
		}
	}
}

// reconcileMarks enforces non-negative maxima and a total equal to their sum
// for mark-based kinds. Inconsistent totals are corrected and logged rather
// than rejected.
func reconcileMarks(s *domain.GradingSchema, lg *slog.Logger) {
	if !s.Kind.UsesMarks() {
		known, sum := 0, 0.0
		for _, sec := range s.Sections {
			if sec.MaxScore != nil {
				known++
				sum += *sec.MaxScore
			}
		}
		if known == len(s.Sections) && sum > 0 {
			s.TotalPossibleMarks = domain.Float(sum)
		} else {
			s.TotalPossibleMarks = nil
		}
		return
	}

	var missing []int
	sum := 0.0
	for i, sec := range s.Sections {
		if sec.MaxScore == nil {
			if top := rangesTop(sec.Criteria.Ranges); top > 0 {
				s.Sections[i].MaxScore = domain.Float(top)
				sum += top
				continue
			}
			missing = append(missing, i)
			continue
		}
		sum += *sec.MaxScore
	}
	if len(missing) > 0 {
		share := defaultSectionMax
		if s.TotalPossibleMarks != nil && *s.TotalPossibleMarks > sum {
			share = (*s.TotalPossibleMarks - sum) / float64(len(missing))
		}
		for _, i := range missing {
			s.Sections[i].MaxScore = domain.Float(share)
			sum += share
		}
		lg.Warn("backfilled missing section maxima", slog.Int("sections", len(missing)), slog.Float64("share", share))
	}
	if sum <= 0 {
		lg.Warn("schema section maxima sum to zero, using defaults", slog.Int("sections", len(s.Sections)))
		sum = 0
		for i := range s.Sections {
			s.Sections[i].MaxScore = domain.Float(defaultSectionMax)
			sum += defaultSectionMax
		}
	}
	if s.TotalPossibleMarks == nil || math.Abs(*s.TotalPossibleMarks-sum) > totalTolerance {
		if s.TotalPossibleMarks != nil {
			lg.Warn("schema total disagrees with section maxima, using the sum",
				slog.Float64("stated_total", *s.TotalPossibleMarks),
				slog.Float64("section_sum", sum))
		}
		s.TotalPossibleMarks = domain.Float(sum)
	}
}

func rangesTop(ranges []domain.MarkRange) float64 {
	top := 0.0
	for _, r := range ranges {
		top = math.Max(top, r.Max)
	}
	return top
}

// defaultRanges splits top into the conventional five grade bands.
func defaultRanges(top float64) []domain.MarkRange {
	cuts := []struct {
		lo, hi float64
		grade  string
		desc   string
	}{
		{0, 0.5, "Fail", "Does not meet the requirements of this section."},
		{0.5, 0.65, "Pass", "Meets the basic requirements with notable gaps."},
		{0.65, 0.75, "Credit", "Meets the requirements competently."},
		{0.75, 0.85, "Distinction", "Exceeds the requirements with strong work."},
		{0.85, 1, "High Distinction", "Outstanding work that fully satisfies every requirement."},
	}
	out := make([]domain.MarkRange, 0, len(cuts))
	for _, c := range cuts {
		out = append(out, domain.MarkRange{
			Min:         round2(c.lo * top),
			Max:         round2(c.hi * top),
			Grade:       c.grade,
			Description: c.desc,
		})
	}
	return out
}

var genericBands = map[string]domain.BandCriterion{
	domain.BandFail:            {Description: "Does not meet the minimum requirements for this criterion."},
	domain.BandPass:            {Description: "Meets the basic requirements with limited depth."},
	domain.BandCredit:          {Description: "Meets the requirements competently with some insight."},
	domain.BandDistinction:     {Description: "Exceeds the requirements with clear, well supported work."},
	domain.BandHighDistinction: {Description: "Exceptional work showing depth, originality and precision."},
}
