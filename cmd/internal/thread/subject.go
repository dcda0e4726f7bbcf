package thread

import (
	"regexp"
	"strings"
)

// Reply/forward markers across common mail clients and locales, with optional
// counters such as "Re[2]:" or "Re(3):".
var subjectPrefixRE = regexp.MustCompile(`(?i)^\s*(re|fw|fwd|sv|vs|aw|wg|antw|tr|rif|r)\s*(\[\d+\]|\(\d+\))?\s*[:：]\s*`)

// NormalizeSubject strips reply and forward markers repeatedly (case-insensitive),
// collapses whitespace and lowercases.
func NormalizeSubject(s string) string {
	for {
		next := subjectPrefixRE.ReplaceAllString(s, "")
		if next == s {
			break
		}
		s = next
	}
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
