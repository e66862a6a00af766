package circuitbreaker

import (
	"regexp"
	"strings"
)

var (
	urlPattern   = regexp.MustCompile(`https?://\S+`)
	hexPattern   = regexp.MustCompile(`\b[0-9a-fA-F]{8,}\b`)
	digitPattern = regexp.MustCompile(`\d+`)
	spacePattern = regexp.MustCompile(`\s+`)
)

// NormalizeReason derives a stable fingerprint from a raw failure reason:
// lowercase, URLs collapsed to <url>, long hex runs collapsed to <hex>,
// remaining digit runs collapsed to <n>, and whitespace collapsed to a
// single space. This is what lets two failures with different issue
// numbers or timestamps embedded in their message still land in the same
// circuit-breaker bucket.
func NormalizeReason(reason string) string {
	s := strings.ToLower(reason)
	s = urlPattern.ReplaceAllString(s, "<url>")
	s = hexPattern.ReplaceAllString(s, "<hex>")
	s = digitPattern.ReplaceAllString(s, "<n>")
	s = spacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
