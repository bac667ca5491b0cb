package sandbox

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"fits", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"cuts at whitespace", "héllo wörld ünïcode", 8, "héllo...\n[TRUNCATED: 5/19 chars]"},
		{"no whitespace", "日本語テキスト", 3, "日本語...\n[TRUNCATED: 3/7 chars]"},
		{"zero", "abc", 0, "...\n[TRUNCATED: 0/3 chars]"},
		{"invalid bytes repaired", "ab\xffcd", 10, "ab\uFFFDcd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.in, tt.max); got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
		})
	}
}

func TestTruncate_NeverSplitsCharacters(t *testing.T) {
	inputs := []string{
		strings.Repeat("🙂", 40),
		"mixed ascii, ñ, ü, 漢字 and 🚀 rockets " + strings.Repeat("é", 30),
		"\xe6\x97\xa5\xe6\x9c", // truncated multi-byte sequence
		strings.Repeat("á ", 25),
	}
	for _, in := range inputs {
		for max := 0; max <= utf8.RuneCountInString(in)+1; max++ {
			got := Truncate(in, max)
			if !utf8.ValidString(got) {
				t.Fatalf("Truncate(%q, %d) produced invalid UTF-8: %q", in, max, got)
			}
		}
	}
}
