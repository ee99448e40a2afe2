package util

import (
	"regexp"
	"strings"
)

// MaskToken keeps the first and last four characters of a secret for log correlation.
func MaskToken(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + "…" + s[len(s)-4:]
}

var secretFields = regexp.MustCompile(`(?i)("?(?:access_token|refresh_token|client_secret|fb_exchange_token|id_token)"?\s*[:=]\s*"?)([^"&,\s}]+)`)

// RedactSecrets scrubs token-like values out of provider payloads before they are logged.
func RedactSecrets(body string) string {
	const max = 2048
	if len(body) > max {
		body = Truncate(body, max) + "...(truncated)"
	}
	return secretFields.ReplaceAllString(body, "${1}[REDACTED]")
}
