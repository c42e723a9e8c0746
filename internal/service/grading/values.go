package grading

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var leadingNumber = regexp.MustCompile(`^\s*(-?\d+(?:\.\d+)?)`)

// asFloat reads a number from loosely typed model output. Strings such as
// "8", "8.5/10" or "20 points" yield their leading number.
func asFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case string:
		m := leadingNumber.FindStringSubmatch(t)
		if m == nil {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func asString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// asStrings accepts a JSON array of strings or a single string.
func asStrings(v any) []string {
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := asString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// sectionKey folds a section name for tolerant matching.
func sectionKey(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// uniqueName suffixes name with " (n)" until its key is unused in seen, then
// records the key.
func uniqueName(seen map[string]bool, name string) string {
	cand := name
	for n := 2; seen[sectionKey(cand)]; n++ {
		cand = fmt.Sprintf("%s (%d)", name, n)
	}
	seen[sectionKey(cand)] = true
	return cand
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
