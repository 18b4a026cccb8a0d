package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	t.Run("creates log file and parent directories", func(t *testing.T) {
		dir := t.TempDir()
		logPath := filepath.Join(dir, "logs", "run-20260101-120000.txt")

		logger, err := NewLogger(logPath, LevelDebug)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		defer logger.Close()

		if _, err := os.Stat(logPath); os.IsNotExist(err) {
			t.Errorf("log file was not created at %s", logPath)
		}
	})

	t.Run("writes to stderr when path is empty", func(t *testing.T) {
		logger, err := NewLogger("", LevelInfo)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		defer logger.Close()

		if logger.sink.file != nil {
			t.Error("expected file to be nil when path is empty")
		}
	})
}

func readEntries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("line is not valid JSON: %v (%s)", err, line)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelWarn)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	entries := readEntries(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries at WARN, got %d", len(entries))
	}
	if entries[0]["msg"] != "warn message" || entries[1]["msg"] != "error message" {
		t.Errorf("unexpected messages: %v", entries)
	}
}

func TestChildLoggersCarryContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelDebug)

	child := logger.WithRun("20260101-120000").WithStage("waiting_ci").WithTask(3).WithComponent("workflow")
	child.Info("polling", "attempt", 2)

	entries := readEntries(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e["run_id"] != "20260101-120000" {
		t.Errorf("run_id = %v", e["run_id"])
	}
	if e["stage"] != "waiting_ci" {
		t.Errorf("stage = %v", e["stage"])
	}
	if e["task_index"] != float64(3) {
		t.Errorf("task_index = %v", e["task_index"])
	}
	if e["component"] != "workflow" {
		t.Errorf("component = %v", e["component"])
	}
	if e["attempt"] != float64(2) {
		t.Errorf("attempt = %v", e["attempt"])
	}
}

func TestChildDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWriterLogger(&buf, LevelInfo)
	_ = parent.WithRun("abc")

	parent.Info("plain")
	entries := readEntries(t, &buf)
	if _, ok := entries[0]["run_id"]; ok {
		t.Error("parent logger should not carry child attributes")
	}
}

func TestLevelForVerbosity(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{VerbosityQuiet, LevelWarn},
		{VerbosityNormal, LevelInfo},
		{VerbosityVerbose, LevelDebug},
		{"VERBOSE", LevelDebug},
		{"", LevelInfo},
		{"chatty", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := LevelForVerbosity(tt.in); got != tt.want {
				t.Errorf("LevelForVerbosity(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestChildCloseClosesSharedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.txt")
	logger, err := NewLogger(path, "info")
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	child := logger.WithComponent("state")
	child.Info("before close")
	if err := child.Close(); err != nil {
		t.Fatalf("child Close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("parent Close after child failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"component":"state"`) {
		t.Errorf("log file = %s", data)
	}
}

func TestLowercaseLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "warn")
	logger.Info("hidden")
	logger.Warn("shown")
	if entries := readEntries(t, &buf); len(entries) != 1 {
		t.Errorf("expected 1 entry at warn, got %d", len(entries))
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	l := NopLogger()
	if OrNop(l) != l {
		t.Error("OrNop should return the given logger")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	logger, err := NewLogger(filepath.Join(t.TempDir(), "run.txt"), LevelInfo)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
