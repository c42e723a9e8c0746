package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
)

//go:embed default_schema.yaml
var embeddedDefaultSchema []byte

// LoadDefaultSchema returns the last-resort grading schema. When path is set
// the file replaces the embedded copy.
func LoadDefaultSchema(path string) (domain.GradingSchema, error) {
	content := embeddedDefaultSchema
	if strings.TrimSpace(path) != "" {
		// #nosec G304 -- operator supplied configuration file
		b, err := os.ReadFile(path)
		if err != nil {
			return domain.GradingSchema{}, fmt.Errorf("op=config.LoadDefaultSchema: %w", err)
		}
		content = b
	}
	return parseDefaultSchema(content)
}

func parseDefaultSchema(content []byte) (domain.GradingSchema, error) {
	var s domain.GradingSchema
	if err := yaml.Unmarshal(content, &s); err != nil {
		return domain.GradingSchema{}, fmt.Errorf("op=config.parseDefaultSchema: %w", err)
	}
	if len(s.Sections) == 0 {
		return domain.GradingSchema{}, fmt.Errorf("op=config.parseDefaultSchema: %w: no sections", domain.ErrSchemaInvalid)
	}
	if _, ok := domain.ParseSchemaKind(string(s.Kind)); !ok {
		s.Kind = domain.SchemaQualitative
	}
	if s.PassThreshold <= 0 {
		s.PassThreshold = 50
	}
	s.Origin = domain.OriginDefault
	return s, nil
}
