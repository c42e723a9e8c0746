// Package ai holds the provider-independent pieces of talking to language
// models: response extraction, refusal detection, circuit breakers and the
// ordered fallback chain.
package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
)

// maxCandidates bounds how many opening brackets are tried as JSON starts.
const maxCandidates = 16

var (
	fencedBlock = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*[ \t]*\r?\n?(.*?)```")
	fenceMarker = regexp.MustCompile("```[a-zA-Z0-9_-]*")
)

// ExtractionError reports a response that held no parseable JSON. It matches
// domain.ErrSchemaInvalid under errors.Is.
type ExtractionError struct {
	Raw       string
	Candidate string
	Err       error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%v: %v", domain.ErrSchemaInvalid, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Is reports true for domain.ErrSchemaInvalid.
func (e *ExtractionError) Is(target error) bool { return target == domain.ErrSchemaInvalid }

// ExtractJSON pulls the first JSON object or array out of a model response.
// It never substitutes defaults: an empty response is ErrEmptyResponse and
// anything unparseable is an *ExtractionError.
func ExtractJSON(raw string) (any, error) {
	var v any
	if err := ExtractJSONInto(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ExtractObject is ExtractJSON restricted to a top-level object.
func ExtractObject(raw string) (map[string]any, error) {
	v, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &ExtractionError{Raw: raw, Err: fmt.Errorf("top-level value is %T, want object", v)}
	}
	return obj, nil
}

// ExtractJSONInto decodes the extracted JSON into v.
func ExtractJSONInto(raw string, v any) error {
	text, err := extractCandidate(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return &ExtractionError{Raw: raw, Candidate: text, Err: err}
	}
	return nil
}

// extractCandidate returns the first substring of raw that is valid JSON.
// Fenced bodies are searched in order, then the whole response with its fence
// markers removed.
func extractCandidate(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", domain.ErrEmptyResponse
	}
	var candidates []string
	bodies := markdownBodies(raw)
	for i, body := range bodies {
		found := balancedCandidates(body)
		// A bare scalar counts only when the whole response is that scalar.
		if len(found) == 0 && i == len(bodies)-1 && len(candidates) == 0 && json.Valid([]byte(body)) {
			return body, nil
		}
		for _, c := range found {
			if json.Valid([]byte(c)) {
				return c, nil
			}
		}
		candidates = append(candidates, found...)
	}
	if len(candidates) == 0 {
		return "", &ExtractionError{Raw: raw, Candidate: stripFences(raw), Err: fmt.Errorf("no JSON object or array found")}
	}

	// Lenient pass only after every strict attempt failed.
	for _, c := range candidates {
		if fixed := removeTrailingCommas(c); fixed != c && json.Valid([]byte(fixed)) {
			return fixed, nil
		}
	}

	var probe any
	err := json.Unmarshal([]byte(candidates[0]), &probe)
	return "", &ExtractionError{Raw: raw, Candidate: candidates[0], Err: err}
}

// markdownBodies lists the non-empty bodies of fenced code blocks in order,
// followed by the full text with fence markers dropped.
func markdownBodies(s string) []string {
	var out []string
	for _, m := range fencedBlock.FindAllStringSubmatch(s, -1) {
		if body := strings.TrimSpace(m[1]); body != "" {
			out = append(out, body)
		}
	}
	return append(out, stripFences(s))
}

func stripFences(s string) string {
	return strings.TrimSpace(fenceMarker.ReplaceAllString(s, ""))
}

// balancedCandidates scans for '{' or '[' starts and returns each balanced
// span, in order. Brackets inside string literals are ignored. An unbalanced
// tail is returned as-is so the parse error can describe it.
func balancedCandidates(s string) []string {
	var out []string
	for start := 0; start < len(s) && len(out) < maxCandidates; start++ {
		if s[start] != '{' && s[start] != '[' {
			continue
		}
		end, ok := matchBracket(s, start)
		if ok {
			out = append(out, s[start:end+1])
			// Nested values of a rejected candidate are not candidates.
			start = end
			continue
		}
		if end == len(s) {
			out = append(out, s[start:])
			break
		}
	}
	return out
}

// matchBracket returns the index of the bracket closing s[start]. On a
// mismatched closer it returns that index and false; on truncation it
// returns len(s) and false.
func matchBracket(s string, start int) (int, bool) {
	stack := make([]byte, 0, 8)
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != ch {
				return i, false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i, true
			}
		}
	}
	return len(s), false
}

// removeTrailingCommas drops commas that directly precede a closing bracket,
// outside of string literals.
func removeTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			b.WriteByte(ch)
			continue
		}
		if ch == '"' {
			inString = true
		}
		if ch == ',' {
			j := i + 1
			for j < len(s) && strings.IndexByte(" \t\r\n", s[j]) >= 0 {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(ch)
	}
	return b.String()
}
