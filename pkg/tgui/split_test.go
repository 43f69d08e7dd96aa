package tgui

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitShortIsUntouched(t *testing.T) {
	t.Parallel()

	got := Split("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitPrefersNewlines(t *testing.T) {
	t.Parallel()

	line := strings.Repeat("a", 6)
	s := strings.Join([]string{line, line, line, line}, "\n") // 27 runes
	got := Split(s, 14, "")
	if len(got) < 2 {
		t.Fatalf("expected several chunks, got %q", got)
	}
	for _, c := range got {
		if utf8.RuneCountInString(c) > 14 {
			t.Fatalf("chunk too long: %q", c)
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk has stray newline: %q", c)
		}
	}
	if strings.Join(got, "\n") != s {
		t.Fatalf("rejoined text differs: %q", got)
	}
}

func TestSplitAvoidsCuttingHTMLTags(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("x", 8) + "<b>bold</b>"
	got := Split(s, 10, "HTML")
	for _, c := range got {
		if strings.Count(c, "<") != strings.Count(c, ">") {
			t.Fatalf("chunk splits a tag: %q (all=%q)", c, got)
		}
	}
}

func TestSplitCountsRunes(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("é", 25)
	got := Split(s, 10, "")
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
}
