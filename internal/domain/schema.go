package domain

import "strings"

// SchemaKind enumerates the supported marking schema types.
type SchemaKind string

const (
	SchemaQualitative SchemaKind = "qualitative"
	SchemaNumerical   SchemaKind = "numerical"
	SchemaWeighted    SchemaKind = "weighted"
	SchemaHybrid      SchemaKind = "hybrid"
)

// ParseSchemaKind normalises s into a known kind. ok is false when s is not
// one of the four enumerated kinds.
func ParseSchemaKind(s string) (SchemaKind, bool) {
	switch SchemaKind(strings.ToLower(strings.TrimSpace(s))) {
	case SchemaQualitative:
		return SchemaQualitative, true
	case SchemaNumerical:
		return SchemaNumerical, true
	case SchemaWeighted:
		return SchemaWeighted, true
	case SchemaHybrid:
		return SchemaHybrid, true
	}
	return "", false
}

// UsesMarks reports whether sections of this kind carry numeric maxima that
// must add up to the schema total.
func (k SchemaKind) UsesMarks() bool {
	switch k {
	case SchemaNumerical, SchemaWeighted:
		return true
	case SchemaQualitative, SchemaHybrid:
		return false
	}
	return false
}

// SchemaOrigin records how a schema was produced. Heuristic and default
// schemas are best effort and must never be reported as AI derived.
type SchemaOrigin string

const (
	OriginAI        SchemaOrigin = "ai"
	OriginHeuristic SchemaOrigin = "heuristic"
	OriginDefault   SchemaOrigin = "default"
)

// Grade band keys, lowest first.
const (
	BandFail            = "fail"
	BandPass            = "pass"
	BandCredit          = "credit"
	BandDistinction     = "distinction"
	BandHighDistinction = "high_distinction"
)

// BandKeys lists qualitative band keys in ascending order.
var BandKeys = []string{BandFail, BandPass, BandCredit, BandDistinction, BandHighDistinction}

// BandCriterion describes one qualitative grade band.
type BandCriterion struct {
	Description string   `json:"description" yaml:"description"`
	Examples    []string `json:"examples,omitempty" yaml:"examples,omitempty"`
}

// QualitativeBands holds the five named bands of a qualitative section.
type QualitativeBands struct {
	Fail            *BandCriterion `json:"fail,omitempty" yaml:"fail,omitempty"`
	Pass            *BandCriterion `json:"pass,omitempty" yaml:"pass,omitempty"`
	Credit          *BandCriterion `json:"credit,omitempty" yaml:"credit,omitempty"`
	Distinction     *BandCriterion `json:"distinction,omitempty" yaml:"distinction,omitempty"`
	HighDistinction *BandCriterion `json:"high_distinction,omitempty" yaml:"high_distinction,omitempty"`
}

// Band returns the band stored under key, or nil.
func (b *QualitativeBands) Band(key string) *BandCriterion {
	if b == nil {
		return nil
	}
	switch key {
	case BandFail:
		return b.Fail
	case BandPass:
		return b.Pass
	case BandCredit:
		return b.Credit
	case BandDistinction:
		return b.Distinction
	case BandHighDistinction:
		return b.HighDistinction
	}
	return nil
}

// SetBand stores c under key. Unknown keys are ignored.
func (b *QualitativeBands) SetBand(key string, c *BandCriterion) {
	switch key {
	case BandFail:
		b.Fail = c
	case BandPass:
		b.Pass = c
	case BandCredit:
		b.Credit = c
	case BandDistinction:
		b.Distinction = c
	case BandHighDistinction:
		b.HighDistinction = c
	}
}

// MarkRange maps a numeric interval to a grade label.
type MarkRange struct {
	Min         float64 `json:"min" yaml:"min"`
	Max         float64 `json:"max" yaml:"max"`
	Grade       string  `json:"grade" yaml:"grade"`
	Description string  `json:"description" yaml:"description"`
}

// CriteriaShape identifies which arm of SectionCriteria is populated.
type CriteriaShape int

const (
	CriteriaNone CriteriaShape = iota
	CriteriaQualitative
	CriteriaNumerical
)

// SectionCriteria is a tagged union: at most one of Bands or Ranges is set.
type SectionCriteria struct {
	Bands  *QualitativeBands `json:"bands,omitempty" yaml:"bands,omitempty"`
	Ranges []MarkRange       `json:"ranges,omitempty" yaml:"ranges,omitempty"`
}

// Shape reports the populated arm. Bands win if both were set by a caller
// that ignored the invariant.
func (c SectionCriteria) Shape() CriteriaShape {
	switch {
	case c.Bands != nil:
		return CriteriaQualitative
	case len(c.Ranges) > 0:
		return CriteriaNumerical
	}
	return CriteriaNone
}

// SchemaSection is one graded section of a schema.
type SchemaSection struct {
	Name     string          `json:"name" yaml:"name"`
	MaxScore *float64        `json:"max_score,omitempty" yaml:"max_score,omitempty"`
	Criteria SectionCriteria `json:"criteria" yaml:"criteria"`
}

// GradingSchema is the normalised output of rubric analysis.
type GradingSchema struct {
	Title              string          `json:"title" yaml:"title"`
	Kind               SchemaKind      `json:"marking_schema_type" yaml:"marking_schema_type"`
	Sections           []SchemaSection `json:"sections" yaml:"sections"`
	TotalPossibleMarks *float64        `json:"total_possible_marks,omitempty" yaml:"total_possible_marks,omitempty"`
	PassThreshold      float64         `json:"pass_threshold" yaml:"pass_threshold"`
	Origin             SchemaOrigin    `json:"origin" yaml:"-"`
}

// SectionNames returns the section names in schema order.
func (s GradingSchema) SectionNames() []string {
	out := make([]string, 0, len(s.Sections))
	for _, sec := range s.Sections {
		out = append(out, sec.Name)
	}
	return out
}

// Section finds a section by name.
func (s GradingSchema) Section(name string) (SchemaSection, bool) {
	for _, sec := range s.Sections {
		if sec.Name == name {
			return sec, true
		}
	}
	return SchemaSection{}, false
}

// Float is a small helper for optional numeric fields.
func Float(v float64) *float64 { return &v }
