package logger

import (
	"strings"
)

// Redact masks a secret for logging, keeping the first four and last two
// runes. Short secrets are fully masked.
func Redact(secret string) string {
	if secret == "" {
		return ""
	}
	runes := []rune(secret)
	if len(runes) <= 8 {
		return strings.Repeat("*", len(runes))
	}
	return string(runes[:4]) + strings.Repeat("*", len(runes)-6) + string(runes[len(runes)-2:])
}

// RedactAuthorization masks the credential part of an Authorization header
// value, preserving the scheme ("Bearer sk-a***xy").
func RedactAuthorization(header string) string {
	if header == "" {
		return ""
	}
	scheme, cred, found := strings.Cut(header, " ")
	if !found {
		return Redact(header)
	}
	return scheme + " " + Redact(strings.TrimSpace(cred))
}

// RedactBody trims a response body for inclusion in errors and logs:
// bounded to max bytes and stripped of anything resembling a bearer token.
func RedactBody(body string, max int) string {
	if max > 0 && len(body) > max {
		body = body[:max] + "...(truncated)"
	}
	return maskTokens(body)
}

// maskTokens blanks common API-key shapes (sk-..., Bearer ...) inside text.
func maskTokens(s string) string {
	for _, prefix := range []string{"sk-", "Bearer "} {
		idx := 0
		for {
			i := strings.Index(s[idx:], prefix)
			if i < 0 {
				break
			}
			start := idx + i + len(prefix)
			end := start
			for end < len(s) && isTokenRune(s[end]) {
				end++
			}
			if end > start {
				s = s[:start] + strings.Repeat("*", end-start) + s[end:]
			}
			idx = start
		}
	}
	return s
}

func isTokenRune(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_':
		return true
	}
	return false
}
