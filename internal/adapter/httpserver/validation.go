package httpserver

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
)

const maxIDLength = 100

var (
	idPattern   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	idStripper  = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
	vldOnce     sync.Once
	vld         *validator.Validate
	errBadIDMsg = "id must be 1-100 characters of letters, digits, '-' or '_'"
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() {
		vld = validator.New(validator.WithRequiredStructEnabled())
		// Report json names so details line up with the request body.
		vld.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = vld.RegisterValidation("docid", func(fl validator.FieldLevel) bool {
			return ValidID(fl.Field().String())
		})
		_ = vld.RegisterValidation("extraction", func(fl validator.FieldLevel) bool {
			s := fl.Field().String()
			return s == "" || domain.ExtractionStatus(s).Valid()
		})
	})
	return vld
}

// ValidID reports whether id is safe to use as a job or document id.
func ValidID(id string) bool {
	return id != "" && len(id) <= maxIDLength && idPattern.MatchString(id)
}

// SanitizeID strips characters that are not allowed in ids and truncates
// the result. Used for client supplied request ids.
func SanitizeID(id string) string {
	id = idStripper.ReplaceAllString(id, "")
	if len(id) > maxIDLength {
		id = id[:maxIDLength]
	}
	return id
}

// checkID wraps an invalid path id as ErrInvalidArgument.
func checkID(field, id string) error {
	if !ValidID(id) {
		return fmt.Errorf("%w: %s: %s", domain.ErrInvalidArgument, field, errBadIDMsg)
	}
	return nil
}

// validate runs struct tags and returns field -> failed tag on error.
func validate(v any) (map[string]string, error) {
	err := getValidator().Struct(v)
	if err == nil {
		return nil, nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	details := make(map[string]string, len(ve))
	for _, fe := range ve {
		details[fe.Field()] = fe.Tag()
	}
	return details, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
