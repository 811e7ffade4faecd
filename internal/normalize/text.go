package normalize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// The whitespace class is spelled out so the pattern does not depend on
// regexp flavour defaults.
var (
	urlPattern        = regexp.MustCompile(`https?://[^\t\n\f\r ]+`)
	whitespacePattern = regexp.MustCompile(`[\t\n\f\r ]+`)
	mediaPathPattern  = regexp.MustCompile(`/files/(.+)$`)
)

// StripURLs removes every http(s) URL from s.
func StripURLs(s string) string {
	return urlPattern.ReplaceAllString(s, "")
}

// CollapseWhitespace replaces every whitespace run with a single space.
func CollapseWhitespace(s string) string {
	return whitespacePattern.ReplaceAllString(s, " ")
}

// ForDedupe is the fingerprint text used by both duplicate tiers. The order
// is fixed: URLs first, then whitespace, then case.
func ForDedupe(s string) string {
	return strings.ToLower(strings.TrimSpace(CollapseWhitespace(StripURLs(s))))
}

// Redact returns the description with URLs removed and whitespace collapsed.
func Redact(s string) string {
	return strings.TrimSpace(CollapseWhitespace(StripURLs(s)))
}

// IsBlank reports whether s is empty after trimming.
func IsBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// IsLinkOnly reports whether s carries fewer than minChars meaningful runes
// once URLs, punctuation and symbols are gone.
func IsLinkOnly(s string, minChars int) bool {
	stripped := StripURLs(s)
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return r
	}, stripped)
	cleaned = strings.TrimSpace(CollapseWhitespace(cleaned))
	return utf8.RuneCountInString(cleaned) < minChars
}

// MediaPath extracts the path after "/files/" from a media URL; "" if the
// URL is empty or has no such segment.
func MediaPath(mediaURL string) string {
	if mediaURL == "" {
		return ""
	}
	m := mediaPathPattern.FindStringSubmatch(mediaURL)
	if m == nil {
		return ""
	}
	return m[1]
}
