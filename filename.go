package main

import (
	"regexp"
	"strings"
)

var (
	extendedFilenameRe = regexp.MustCompile(`(?i)filename\*=UTF-8''([^;]+)`)
	simpleFilenameRe   = regexp.MustCompile(`(?i)filename="?([^";]+)"?`)

	// Characters that are not allowed in Windows file names.
	forbiddenFilenameChars = strings.NewReplacer(
		`\`, "_", "/", "_", ":", "_", "*", "_", "?", "_",
		`"`, "_", "<", "_", ">", "_", "|", "_",
	)
)

// extendedFilename extracts an RFC 5987 filename* value and percent-decodes it.
func extendedFilename(disposition string) (string, bool) {
	m := extendedFilenameRe.FindStringSubmatch(disposition)
	if m == nil {
		return "", false
	}
	return unescapeLenient(m[1]), true
}

// unescapeLenient decodes every valid %XX sequence and keeps malformed ones
// as literal text.
func unescapeLenient(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case c >= 'a':
		return c - 'a' + 10
	case c >= 'A':
		return c - 'A' + 10
	default:
		return c - '0'
	}
}

// simpleFilename extracts a quoted or unquoted filename= value.
func simpleFilename(disposition string) (string, bool) {
	m := simpleFilenameRe.FindStringSubmatch(disposition)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ResolveFilename picks a local file name for a download from the
// Content-Disposition header value, falling back to fallback when the header
// carries no usable filename. The result is always sanitized.
func ResolveFilename(disposition, fallback string) string {
	if strings.TrimSpace(disposition) == "" {
		return SanitizeFilename(fallback)
	}
	for _, extract := range []func(string) (string, bool){extendedFilename, simpleFilename} {
		if name, ok := extract(disposition); ok {
			return SanitizeFilename(name)
		}
	}
	return SanitizeFilename(fallback)
}

// SanitizeFilename replaces characters that are invalid on common
// filesystems and never returns an empty string.
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(forbiddenFilenameChars.Replace(name))
	if name == "" {
		return "report"
	}
	return name
}
