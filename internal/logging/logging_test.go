package logging

import (
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{" info ", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestUsePretty(t *testing.T) {
	if !usePretty("true") {
		t.Error("usePretty(true) = false")
	}
	if usePretty("false") {
		t.Error("usePretty(false) = true")
	}
}

func TestDiscardSilent(t *testing.T) {
	logger := Discard()
	logger.Error("should not panic or print", "key", "value")
}
