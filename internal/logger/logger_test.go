package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON log output, got error: %v\nraw output: %s", err, buf.String())
	}
	return entry
}

func TestSetup_ReturnsJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf, "")

	l.Info("login completed",
		slog.String("provider", "google"),
		slog.String("user_guid", "u-123"),
		slog.Int("status", 200),
	)

	entry := decode(t, &buf)
	if entry["msg"] != "login completed" {
		t.Errorf("msg = %v, want %q", entry["msg"], "login completed")
	}
	if entry["provider"] != "google" || entry["user_guid"] != "u-123" {
		t.Errorf("attributes = %v", entry)
	}
	if entry["status"] != float64(200) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if entry["service"] != ServiceName {
		t.Errorf("service = %v, want %q", entry["service"], ServiceName)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected 'time' field in JSON log output")
	}
}

func TestSetup_LevelFilter(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{name: "未指定はINFO", level: "", wantDebug: false, wantInfo: true},
		{name: "debug", level: "DEBUG", wantDebug: true, wantInfo: true},
		{name: "warn", level: "warn", wantDebug: false, wantInfo: false},
		{name: "不正値はINFO", level: "verbose", wantDebug: false, wantInfo: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := Setup(&buf, tt.level)

			l.Debug("d")
			if got := buf.Len() > 0; got != tt.wantDebug {
				t.Errorf("debug emitted = %v, want %v", got, tt.wantDebug)
			}
			buf.Reset()
			l.Info("i")
			if got := buf.Len() > 0; got != tt.wantInfo {
				t.Errorf("info emitted = %v, want %v", got, tt.wantInfo)
			}
		})
	}
}

func TestSetupDefault_SetsGlobalLogger(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	SetupDefault(&buf, "info")

	slog.Default().Warn("global test", slog.String("test_key", "test_val"))

	entry := decode(t, &buf)
	if entry["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", entry["level"])
	}
	if entry["test_key"] != "test_val" {
		t.Errorf("test_key = %v, want %q", entry["test_key"], "test_val")
	}
}
