package ai

import (
	"strings"
)

// RefusalAnalysis describes why a response was judged to be a refusal.
type RefusalAnalysis struct {
	IsRefusal   bool
	RefusalType string
	Indicator   string
}

// Refusal categories.
const (
	RefusalPolicy     = "policy"
	RefusalCapability = "capability"
	RefusalApology    = "apology"
)

var refusalIndicators = []struct {
	phrase string
	kind   string
}{
	{"i'm sorry, but", RefusalApology},
	{"i apologize, but", RefusalApology},
	{"against my guidelines", RefusalPolicy},
	{"violates our content policy", RefusalPolicy},
	{"content policy", RefusalPolicy},
	{"i can't help with", RefusalPolicy},
	{"i cannot help with", RefusalPolicy},
	{"i'm not able to", RefusalCapability},
	{"i am not able to", RefusalCapability},
	{"i'm unable to", RefusalCapability},
	{"i am unable to", RefusalCapability},
	{"i cannot", RefusalCapability},
	{"i can't", RefusalCapability},
}

// DetectRefusal inspects a response that did not contain usable JSON and
// reports whether it reads like the model declining the task. Only the
// opening of the response is considered so essays quoted back in feedback do
// not trigger it.
func DetectRefusal(response string) RefusalAnalysis {
	head := strings.ToLower(strings.TrimSpace(response))
	if len(head) > 400 {
		head = head[:400]
	}
	if head == "" || strings.HasPrefix(head, "{") || strings.HasPrefix(head, "[") {
		return RefusalAnalysis{}
	}
	for _, ind := range refusalIndicators {
		if strings.Contains(head, ind.phrase) {
			return RefusalAnalysis{IsRefusal: true, RefusalType: ind.kind, Indicator: ind.phrase}
		}
	}
	return RefusalAnalysis{}
}
