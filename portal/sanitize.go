package portal

import (
	"encoding/json"
	"strings"
)

// Field length limits for the provisioning form.
const (
	maxSSIDLen   = 32
	maxPassLen   = 64
	maxURLLen    = 200
	maxConfigLen = 2048
)

// sanitizeInput truncates, trims and strips angle brackets so persisted
// strings can never smuggle markup back out through /info or the backend
// config post.
func sanitizeInput(s string, maxLen int) string {
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "<", "")
	s = strings.ReplaceAll(s, ">", "")
	return s
}

// sanitizeText additionally strips quote characters and escapes, for
// fields that end up inside JSON documents.
func sanitizeText(s string, maxLen int) string {
	s = sanitizeInput(s, maxLen)
	for _, bad := range []string{`"`, "'", "&", `\`} {
		s = strings.ReplaceAll(s, bad, "")
	}
	return s
}

// sanitizeSSID applies the text rules and drops control characters,
// keeping printable ASCII and UTF-8 multibyte sequences.
func sanitizeSSID(s string) string {
	s = sanitizeText(s, maxSSIDLen)
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 32 || c&0x80 != 0 {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// validConfigJSON checks the content-configuration document just enough
// to reject garbage: it must be a JSON object with a top-level "modes"
// field. Everything else inside is the backend's concern.
func validConfigJSON(s string) bool {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return false
	}
	_, ok := doc["modes"]
	return ok
}

// validURL accepts only explicit http/https addresses.
func validURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
