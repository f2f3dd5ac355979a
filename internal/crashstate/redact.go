package crashstate

import (
	"regexp"
	"sort"
	"strings"
)

const (
	maxSessionEntries = 64
	maxKeyLength      = 128
	maxValueLength    = 1024
	maxErrorLength    = 4096
)

var sensitiveKeyParts = []string{"password", "passwd", "secret", "token", "key", "auth", "cookie", "credential", "session_id"}

var (
	bearerPattern = regexp.MustCompile(`(?i)\b(bearer|basic)\s+[A-Za-z0-9._~+/=-]{8,}`)
	jwtPattern    = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*`)
	apiKeyPattern = regexp.MustCompile(`\b(sk|pk|rk)-[A-Za-z0-9_-]{16,}`)
)

// Redact drops session entries whose key or value looks like a credential and
// truncates what remains. The input map is not modified.
func Redact(session map[string]string) map[string]string {
	if len(session) == 0 {
		return nil
	}
	keys := make([]string, 0, len(session))
	for key := range session {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(session))
	for _, key := range keys {
		if len(out) >= maxSessionEntries {
			break
		}
		trimmed := strings.TrimSpace(key)
		if trimmed == "" || len(trimmed) > maxKeyLength || sensitiveKey(trimmed) {
			continue
		}
		value := session[key]
		if looksLikeCredential(value) {
			continue
		}
		out[trimmed] = truncate(value, maxValueLength)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// scrub masks credential-looking substrings inside free text such as error
// messages.
func scrub(text string) string {
	text = bearerPattern.ReplaceAllString(text, "[redacted]")
	text = jwtPattern.ReplaceAllString(text, "[redacted]")
	text = apiKeyPattern.ReplaceAllString(text, "[redacted]")
	return truncate(text, maxErrorLength)
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

func looksLikeCredential(value string) bool {
	v := strings.TrimSpace(value)
	return bearerPattern.MatchString(v) || jwtPattern.MatchString(v) || apiKeyPattern.MatchString(v)
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8Start(value[cut]) {
		cut--
	}
	return value[:cut]
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
