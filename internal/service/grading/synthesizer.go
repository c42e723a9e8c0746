package grading

import (
	"errors"
	"fmt"
	"time"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
)

const retryAdvice = "Grading could not be completed automatically. Please retry later or request a manual review."

// Synthesize builds the degraded result used whenever grading cannot finish.
// It is always pending, never pass or fail, so it cannot be mistaken for a
// real grade.
func Synthesize(schema domain.GradingSchema, submissionID, submissionName string, cause error, now time.Time) domain.GradingResult {
	reason := describeCause(cause)
	res := domain.GradingResult{
		SubmissionID:    submissionID,
		SubmissionName:  submissionName,
		Status:          domain.ResultPending,
		OverallFeedback: fmt.Sprintf("This submission was not graded: %s. %s", reason, retryAdvice),
		SectionFeedback: make(map[string]domain.SectionFeedback, len(schema.Sections)),
		Degraded:        true,
		SchemaOrigin:    schema.Origin,
		CreatedAt:       now,
	}
	for _, sec := range schema.Sections {
		top := sectionMax(sec)
		res.MaxPossibleScore += top
		res.SectionFeedback[sec.Name] = domain.SectionFeedback{
			MaxScore:     top,
			Feedback:     "Not assessed: " + reason + ".",
			Strengths:    []string{},
			Improvements: []string{"Retry grading later."},
		}
	}
	res.MaxPossibleScore = round2(res.MaxPossibleScore)
	return res
}

// describeCause turns an error into a sentence fragment fit for end users.
// Provider internals stay in the logs.
func describeCause(err error) string {
	switch {
	case err == nil:
		return "an unknown error occurred"
	case errors.Is(err, domain.ErrPrecondition):
		return err.Error()
	case errors.Is(err, domain.ErrAllProvidersFailed):
		return "every AI provider failed or returned an unusable response"
	case errors.Is(err, domain.ErrUpstreamTimeout):
		return "the AI provider timed out"
	case errors.Is(err, domain.ErrContentBlocked):
		return "the AI provider declined to grade this content"
	}
	return "an internal error occurred while grading"
}
