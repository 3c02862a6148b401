package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogHandler_Formats(t *testing.T) {
	t.Parallel()

	var js bytes.Buffer
	slog.New(newLogHandler(&js, "info", "json")).Info("ws.state", "connection_id", "c1")
	var rec map[string]any
	if err := json.Unmarshal(js.Bytes(), &rec); err != nil {
		t.Fatalf("json output: %v (%q)", err, js.String())
	}
	if rec["msg"] != "ws.state" || rec["connection_id"] != "c1" {
		t.Fatalf("json record: %v", rec)
	}

	var pretty bytes.Buffer
	slog.New(newLogHandler(&pretty, "debug", "pretty")).Debug("monitor.sweep", "reaped", 2)
	out := pretty.String()
	if !strings.Contains(out, "[DEBUG]") || !strings.Contains(out, "msg=monitor.sweep") || !strings.Contains(out, "reaped=2") {
		t.Fatalf("pretty output: %q", out)
	}
	if out != stripANSI(out) {
		t.Fatalf("non-terminal writer must not be colored: %q", out)
	}

	var filtered bytes.Buffer
	slog.New(newLogHandler(&filtered, "warn", "text")).Info("dropped")
	if filtered.Len() != 0 {
		t.Fatalf("info must be filtered at warn: %q", filtered.String())
	}
}
