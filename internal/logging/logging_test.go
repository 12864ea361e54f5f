package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q)=%v,%v want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewJSONAndSet(t *testing.T) {
	var buf bytes.Buffer
	l := New("json", slog.LevelDebug, &buf)
	prev := L()
	Set(l)
	t.Cleanup(func() { Set(prev) })
	Set(nil)
	L().Debug("state_changed", "to", "connected")
	if !strings.Contains(buf.String(), `"msg":"state_changed"`) {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
