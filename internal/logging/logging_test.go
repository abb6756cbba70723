package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"DEBUG", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"critical", LevelCritical, false},
		{"loud", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestCriticalAboveError(t *testing.T) {
	if LevelCritical <= slog.LevelError {
		t.Fatalf("critical (%d) must sort above error (%d)", LevelCritical, slog.LevelError)
	}
}

func TestNew_RendersWorkerLevelNames(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelTrace)

	Trace(logger, "tracing")
	Critical(logger, "fatal", "error", "boom")

	out := buf.String()
	if !strings.Contains(out, "level=TRACE") {
		t.Errorf("expected TRACE level in output, got %q", out)
	}
	if !strings.Contains(out, "level=CRITICAL") {
		t.Errorf("expected CRITICAL level in output, got %q", out)
	}
}

func TestNew_HonoursFloor(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelWarn)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered, got %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn line missing, got %q", out)
	}
}
