package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

type captureWriter struct {
	levels   []LogLevel
	messages []string
}

func (w *captureWriter) Write(level LogLevel, _ time.Time, message string) {
	w.levels = append(w.levels, level)
	w.messages = append(w.messages, message)
}

func TestLevelFiltering(t *testing.T) {
	w := &captureWriter{}
	l := NewLoggerWithWriter(w)
	l.SetLevel(WARN)

	l.Trace("trace %d", 1)
	l.Debug("debug")
	l.Info("info")
	l.Warn("warn %s", "x")
	l.Error("error")

	if len(w.messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d: %v", len(w.messages), w.messages)
	}
	if w.messages[0] != "warn x" || w.levels[0] != WARN {
		t.Errorf("Unexpected first message %q at %s", w.messages[0], w.levels[0])
	}
	if l.Enabled(INFO) {
		t.Error("INFO should not be enabled at WARN")
	}
	if !l.Enabled(ERROR) {
		t.Error("ERROR should be enabled at WARN")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"trace", TRACE, false},
		{"DEBUG", DEBUG, false},
		{" info ", INFO, false},
		{"", INFO, false},
		{"warning", WARN, false},
		{"error", ERROR, false},
		{"fatal", FATAL, false},
		{"loud", INFO, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestStandardWriterFormat(t *testing.T) {
	var buf bytes.Buffer
	w := NewStandardWriter()
	w.SetOutput(&buf)
	w.Write(INFO, time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local), "hello")

	got := buf.String()
	if !strings.HasPrefix(got, "INFO: 2024/01/02 03:04:05 hello") {
		t.Errorf("Unexpected output %q", got)
	}
}

func TestZerologWriterEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(NewZerologWriter(&buf))
	l.SetLevel(TRACE)
	l.Trace("dropped %d bytes", 12)

	var rec map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("Output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["message"] != "dropped 12 bytes" {
		t.Errorf("Unexpected message field: %v", rec["message"])
	}
	if rec["level"] != "trace" {
		t.Errorf("Unexpected level field: %v", rec["level"])
	}
}
