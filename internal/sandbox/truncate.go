package sandbox

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Truncate shortens s to at most max characters (runes), preferring to
// cut at the last whitespace before the limit, and appends a marker
// giving the kept and total character counts. Invalid UTF-8 is replaced
// first, so the result is always valid UTF-8.
func Truncate(s string, max int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	total := utf8.RuneCountInString(s)
	if max < 0 {
		max = 0
	}
	if total <= max {
		return s
	}

	// Byte offset of the rune boundary after max runes.
	boundary := 0
	for i := 0; i < max; i++ {
		_, size := utf8.DecodeRuneInString(s[boundary:])
		boundary += size
	}

	head := s[:boundary]
	if i := strings.LastIndexFunc(head, unicode.IsSpace); i >= 0 {
		head = head[:i]
	}
	return fmt.Sprintf("%s...\n[TRUNCATED: %d/%d chars]", head, utf8.RuneCountInString(head), total)
}
