package moderation

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Patterns a submission must not carry: script/markup injection and the
// obvious SQL tautologies. Matching is deliberately coarse; the external
// classifier does the real content review.
var disallowedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script`),
	regexp.MustCompile(`(?i)<\s*/?\s*[a-z][a-z0-9-]*(\s|>|/)`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)on[a-z]+\s*=`),
	regexp.MustCompile(`(?i)(;|--|/\*)\s*(drop|delete|insert|update|union)\b`),
	regexp.MustCompile(`(?i)'\s*or\s+'?1'?\s*=\s*'?1`),
}

// blockedTerms is the fast local pre-filter consulted before any external
// moderation call is spent on a submission.
var blockedTerms = []string{
	"nsfw",
	"nude",
	"naked",
	"gore",
	"beheading",
	"porn",
	"hentai",
	"kill yourself",
	"swastika",
}

// ContainsDisallowedMarkup reports whether text matches a markup, script, or
// injection pattern the wall refuses to store.
func ContainsDisallowedMarkup(text string) bool {
	for _, pattern := range disallowedPatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// ContainsBlockedTerm reports whether text trips the local known-bad-terms
// list. A hit fails the piece immediately with no external call made.
func ContainsBlockedTerm(text string) bool {
	lowered := strings.ToLower(text)
	for _, term := range blockedTerms {
		if strings.Contains(lowered, term) {
			return true
		}
	}
	return false
}

// Truncate bounds a string to max bytes without splitting the final rune.
func Truncate(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	truncated := text[:max]
	for len(truncated) > 0 && !utf8.ValidString(truncated) {
		truncated = truncated[:len(truncated)-1]
	}
	return truncated
}
