package engine

import (
	"strings"

	"instapilot/internal/models"
)

// TriggerMatches evaluates an automation keyword against event text. The
// "any" sentinel always matches; otherwise a case-folded substring test.
// No regex, no tokenization: partial-word hits are accepted behavior.
func TriggerMatches(keyword, text string) bool {
	keyword = strings.TrimSpace(keyword)
	if strings.EqualFold(keyword, models.TriggerAny) {
		return true
	}
	if text == "" || keyword == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(keyword))
}

// IsCredentialWellFormed rejects missing tokens and tokens carrying the
// literal substrings "undefined" or "null", which a broken connect flow has
// been observed to persist into the token field.
func IsCredentialWellFormed(token string) bool {
	if token == "" {
		return false
	}
	if strings.Contains(token, "undefined") || strings.Contains(token, "null") {
		return false
	}
	return true
}
