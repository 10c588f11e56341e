package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v\n%s", err, buf.String())
	}
	return entry
}

func TestSetup_WritesOneJSONObjectPerRecord(t *testing.T) {
	var buf bytes.Buffer
	Setup(&buf, slog.LevelInfo).Warn("notification dispatched",
		slog.String("user_id", "u-123"),
		slog.String("reaction", "DRILL"),
		slog.Int("http_status", 200),
	)

	entry := decodeEntry(t, &buf)
	want := map[string]interface{}{
		"msg":         "notification dispatched",
		"level":       "WARN",
		"user_id":     "u-123",
		"reaction":    "DRILL",
		"http_status": float64(200),
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %v", k, entry[k], v)
		}
	}
	if _, ok := entry["time"]; !ok {
		t.Error("time field missing")
	}
}

func TestSetupDefault_SetsGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	SetupDefault(&buf)
	t.Cleanup(func() { SetupDefault(nil) })

	slog.Default().Info("global test")

	if got := decodeEntry(t, &buf)["msg"]; got != "global test" {
		t.Errorf("msg = %v, want %q", got, "global test")
	}
}

func TestSetup_AddsServiceAttribute(t *testing.T) {
	var buf bytes.Buffer
	Setup(&buf, nil).Info("service test")

	if got := decodeEntry(t, &buf)["service"]; got != ServiceName {
		t.Errorf("service = %v, want %q", got, ServiceName)
	}
}

func TestSetup_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf, slog.LevelWarn)

	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected no output for INFO at WARN level, got %s", buf.String())
	}

	l.Error("kept")
	if !bytes.Contains(buf.Bytes(), []byte(`"msg":"kept"`)) {
		t.Errorf("expected ERROR entry, got %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetupDefault_RespectsLogLevelEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	var buf bytes.Buffer
	SetupDefault(&buf)
	t.Cleanup(func() { SetupDefault(nil) })

	slog.Default().Warn("suppressed")
	if buf.Len() != 0 {
		t.Errorf("expected WARN to be suppressed, got %s", buf.String())
	}
}
