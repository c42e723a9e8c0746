package grading

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-grading-orchestrator/pkg/textx"
)

// HeuristicSection is a rubric heading found by pattern scanning, e.g.
// "Methodology (20 points)". Body is the text up to the next heading.
type HeuristicSection struct {
	Name    string
	Points  float64
	Percent bool
	Body    string
}

const (
	headingPrefix = `^(?:#{1,6}\s*|\d{1,2}[.)]\s+|[-*•]\s+)?`
	pointUnit     = `(points?|pts?|marks?|%)`
	maxBodyChars  = 600
)

var headingPatterns = []*regexp.Regexp{
	// Methodology (20 points) / Analysis [15 pts]
	regexp.MustCompile(`(?i)` + headingPrefix + `(.{2,80}?)\s*[(\[]\s*(\d+(?:\.\d+)?)\s*` + pointUnit + `\s*[)\]]\s*:?\s*$`),
	// Methodology - 20 marks / Analysis: 10%
	regexp.MustCompile(`(?i)` + headingPrefix + `(.{2,80}?)\s*[-–:]\s*(\d+(?:\.\d+)?)\s*` + pointUnit + `\s*$`),
}

func matchHeading(line string) (HeuristicSection, bool) {
	line = strings.TrimSpace(line)
	for _, re := range headingPatterns {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := strings.Trim(strings.TrimSpace(m[1]), "*_:#-")
		name = strings.TrimSpace(name)
		if name == "" || !unicode.IsLetter([]rune(name)[0]) {
			continue
		}
		pts, err := strconv.ParseFloat(m[2], 64)
		if err != nil || pts <= 0 {
			continue
		}
		return HeuristicSection{Name: name, Points: pts, Percent: m[3] == "%"}, true
	}
	return HeuristicSection{}, false
}

// ExtractHeuristicSections scans text for point-valued headings. It is a
// best-effort fallback for when no provider produced usable sections.
func ExtractHeuristicSections(text string) []HeuristicSection {
	var (
		out  []HeuristicSection
		body []string
		seen = map[string]bool{}
	)
	flush := func() {
		if len(out) == 0 {
			return
		}
		joined := strings.TrimSpace(strings.Join(body, "\n"))
		out[len(out)-1].Body = textx.TruncateRunes(joined, maxBodyChars)
		body = body[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		h, ok := matchHeading(line)
		if !ok {
			if len(out) > 0 {
				body = append(body, strings.TrimSpace(line))
			}
			continue
		}
		flush()
		h.Name = uniqueName(seen, h.Name)
		out = append(out, h)
	}
	flush()
	return out
}

// heuristicSchema builds a schema from scanned headings. Percent headings
// make a weighted schema, point headings a numerical one.
func heuristicSchema(title string, found []HeuristicSection, passThreshold float64) domain.GradingSchema {
	kind := domain.SchemaNumerical
	percent := 0
	for _, h := range found {
		if h.Percent {
			percent++
		}
	}
	if percent*2 > len(found) {
		kind = domain.SchemaWeighted
	}
	s := domain.GradingSchema{
		Title:         title,
		Kind:          kind,
		PassThreshold: passThreshold,
		Origin:        domain.OriginHeuristic,
	}
	total := 0.0
	for _, h := range found {
		total += h.Points
		ranges := defaultRanges(h.Points)
		if h.Body != "" {
			top := &ranges[len(ranges)-1]
			top.Description = top.Description + " Criteria: " + h.Body
		}
		s.Sections = append(s.Sections, domain.SchemaSection{
			Name:     h.Name,
			MaxScore: domain.Float(h.Points),
			Criteria: domain.SectionCriteria{Ranges: ranges},
		})
	}
	s.TotalPossibleMarks = domain.Float(total)
	return s
}
