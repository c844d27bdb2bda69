package llm

import (
	"regexp"
	"strings"
)

var fenceRe = regexp.MustCompile("(?s)^\\s*```(?:json|JSON)?\\s*\\n?(.*?)\\n?```\\s*$")

// CleanJSONFence strips a leading/trailing markdown code fence (``` or
// ```json, case-insensitive language tag) from raw LLM output before JSON
// parsing. Bare JSON (no fence) passes through unchanged except for
// surrounding whitespace. Grounded on the planner's raw-output handling in
// spec.md §4.6: "a JSON cleaner that strips common markdown code-fence
// wrappers... before parsing".
func CleanJSONFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if m := fenceRe.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1])
	}
	return trimmed
}
