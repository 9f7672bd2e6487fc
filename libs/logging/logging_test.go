package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestComponentLoggerAddsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewLoggerTo(&buf, "info", "custody", "test"), "gateway")
	logger.Info("event applied", "event_id", "evt-1")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for key, want := range map[string]string{"service": "custody", "env": "test", "component": "gateway", "event_id": "evt-1"} {
		if record[key] != want {
			t.Fatalf("expected %s=%s, got %v", key, want, record[key])
		}
	}
}
