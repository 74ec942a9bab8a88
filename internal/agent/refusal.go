package agent

import (
	"regexp"
	"strings"
)

// Refusal signals: structured and known English patterns, matched
// case-insensitively on assistant text or thrown error messages. A match
// triggers the refusal-fallback model when one is configured.
var refusalSubstrings = []string{
	`"is_refusal": true`,
	"the ai refused to respond to this request",
	"content safety refusal",
}

// invalid_prompt followed by "safety reasons" within a short window, the
// shape OpenAI uses for hard prompt rejections.
var invalidPromptPattern = regexp.MustCompile(`(?is)invalid_prompt.{0,160}safety\s+reasons`)

// IsRefusal reports whether text carries a refusal signal.
func IsRefusal(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, needle := range refusalSubstrings {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return invalidPromptPattern.MatchString(text)
}
