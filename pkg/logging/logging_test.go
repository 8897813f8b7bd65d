package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", ""} {
		if err := Validate(level); err != nil {
			t.Errorf("Validate(%q) = %v", level, err)
		}
	}
	if err := Validate("loud"); err == nil {
		t.Error("Validate should reject unknown levels")
	}
}

func TestSetupFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	if err := Setup(Options{Level: "warn", Output: &buf}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	slog.Info("hidden")
	slog.Warn("visible")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record emitted at warn level")
	}
	if !strings.Contains(out, "visible") {
		t.Error("warn record missing")
	}
}

func TestSetupJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := Setup(Options{Format: "json", Output: &buf}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	slog.Info("hello", "k", "v")
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("output not JSON: %q", buf.String())
	}
}

func TestSetupRejectsBadLevel(t *testing.T) {
	if err := Setup(Options{Level: "nope"}); err == nil {
		t.Error("Setup should reject an unknown level")
	}
}
