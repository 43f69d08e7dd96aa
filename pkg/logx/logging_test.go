package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestWithFieldsAreWritten(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "scheduler"))
	log.Info("task armed", String("id", "newsletter"), Int("n", 3))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if m["comp"] != "scheduler" || m["id"] != "newsletter" || m["message"] != "task armed" {
		t.Fatalf("unexpected line: %v", m)
	}
	if _, ok := m["caller"]; !ok {
		t.Fatalf("caller missing: %v", m)
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Debug("hidden")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing below warn, got %q", buf.String())
	}
	if log.Enabled(LevelInfo) {
		t.Fatalf("info should be disabled")
	}
	log.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn line missing: %q", buf.String())
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Error("ignored", Err(nil))
	if Nop().IsZero() {
		t.Fatalf("Nop should not be zero")
	}
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()

	line := `{"level":"warn","time":"x","message":"sync failed","err":"boom","comp":"catalog"}`
	got := formatAlert([]byte(line))
	want := "[WARN] sync failed\n- comp=catalog\n- err=boom"
	if got != want {
		t.Fatalf("formatAlert=%q want %q", got, want)
	}
	if got := formatAlert([]byte("  not json  ")); got != "not json" {
		t.Fatalf("raw fallback=%q", got)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" INFO ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestClip(t *testing.T) {
	t.Parallel()

	if got := clip("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("clip=%q", got)
	}
	if got := clip("short", 12); got != "short" {
		t.Fatalf("clip=%q", got)
	}
}
