// Package logging writes the JSON run log. Every entry carries the run,
// stage, task and component it came from so a run can be reconstructed from
// logs/run-<id>.txt alone.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Level names accepted by NewLogger.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Run verbosity values stored in run options.
const (
	VerbosityQuiet   = "quiet"
	VerbosityNormal  = "normal"
	VerbosityVerbose = "verbose"
)

// sink is the file shared by a logger and all of its children.
type sink struct {
	mu   sync.Mutex
	file *os.File
}

func (s *sink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	f := s.file
	s.file = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

// Logger is a structured logger. Child loggers created with the With
// methods share the parent's output. Safe for concurrent use.
type Logger struct {
	slog *slog.Logger
	sink *sink
}

// NewLogger appends JSON entries to logPath, creating parent directories.
// An empty logPath logs to stderr.
func NewLogger(logPath string, level string) (*Logger, error) {
	if logPath == "" {
		return NewWriterLogger(os.Stderr, level), nil
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	l := NewWriterLogger(file, level)
	l.sink.file = file
	return l, nil
}

// NewWriterLogger logs JSON entries to w.
func NewWriterLogger(w io.Writer, level string) *Logger {
	return &Logger{
		slog: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slogLevel(level)})),
		sink: &sink{},
	}
}

func slogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// LevelForVerbosity maps quiet, normal and verbose onto WARN, INFO and
// DEBUG. Anything else is INFO.
func LevelForVerbosity(verbosity string) string {
	switch strings.ToLower(verbosity) {
	case VerbosityQuiet:
		return LevelWarn
	case VerbosityVerbose:
		return LevelDebug
	}
	return LevelInfo
}

// WithRun tags entries with the run ID.
func (l *Logger) WithRun(runID string) *Logger {
	return l.with(slog.String("run_id", runID))
}

// WithStage tags entries with the workflow stage.
func (l *Logger) WithStage(stage string) *Logger {
	return l.with(slog.String("stage", stage))
}

// WithTask tags entries with the task index.
func (l *Logger) WithTask(index int) *Logger {
	return l.with(slog.Int("task_index", index))
}

// WithComponent tags entries with the emitting package, e.g. "faultguard".
func (l *Logger) WithComponent(name string) *Logger {
	return l.with(slog.String("component", name))
}

// With tags entries with alternating key-value pairs. Pairs whose key is
// not a string are dropped.
func (l *Logger) With(args ...any) *Logger {
	attrs := make([]any, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		if key, ok := args[i].(string); ok {
			attrs = append(attrs, slog.Any(key, args[i+1]))
		}
	}
	if len(attrs) == 0 {
		return l
	}
	return l.with(attrs...)
}

func (l *Logger) with(attrs ...any) *Logger {
	return &Logger{slog: l.slog.With(attrs...), sink: l.sink}
}

func (l *Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args) }
func (l *Logger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args) }
func (l *Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args) }

func (l *Logger) log(level slog.Level, msg string, args []any) {
	l.slog.Log(context.Background(), level, msg, args...)
}

// Close syncs and closes the log file. Closing twice, closing a child, or
// closing a writer-backed logger is harmless.
func (l *Logger) Close() error {
	return l.sink.close()
}

// NopLogger discards everything.
func NopLogger() *Logger {
	return NewWriterLogger(io.Discard, LevelError)
}

// OrNop returns l, or a NopLogger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return NopLogger()
	}
	return l
}
