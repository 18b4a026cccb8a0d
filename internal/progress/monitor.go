// Package progress tracks work-session telemetry and derives a health signal
// used to abort runs that are stalled or looping on the same task.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Signal is the health of the current work session.
type Signal string

// Health signals.
const (
	SignalHealthy    Signal = "healthy"
	SignalSlow       Signal = "slow"
	SignalStalled    Signal = "stalled"
	SignalLoop       Signal = "loop_detected"
	SignalRegressing Signal = "regressing"
)

// Session outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeCanceled    = "canceled"
	OutcomeInterrupted = "interrupted"
)

// Per-million token prices used for cost estimates.
const (
	inputPricePerMillion  = 3.0
	outputPricePerMillion = 15.0
)

// Config holds the thresholds for health detection.
type Config struct {
	// StallThreshold is the longest gap without activity before stalling.
	StallThreshold time.Duration `json:"stall_threshold" yaml:"stall_threshold"`
	// SlowThreshold is the session duration after which the session is slow.
	SlowThreshold time.Duration `json:"slow_threshold" yaml:"slow_threshold"`
	// MaxSameTaskAttempts is how often one task may be started before a loop
	// is reported.
	MaxSameTaskAttempts int `json:"max_same_task_attempts" yaml:"max_same_task_attempts"`
	// MaxSessionDuration is the hard cap on a single session.
	MaxSessionDuration time.Duration `json:"max_session_duration" yaml:"max_session_duration"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		StallThreshold:      300 * time.Second,
		SlowThreshold:       120 * time.Second,
		MaxSameTaskAttempts: 3,
		MaxSessionDuration:  1800 * time.Second,
	}
}

// StrictConfig detects problems sooner.
func StrictConfig() Config {
	return Config{
		StallThreshold:      120 * time.Second,
		SlowThreshold:       60 * time.Second,
		MaxSameTaskAttempts: 2,
		MaxSessionDuration:  900 * time.Second,
	}
}

// PresetConfig returns the named preset, falling back to DefaultConfig.
func PresetConfig(name string) Config {
	if name == "strict" {
		return StrictConfig()
	}
	return DefaultConfig()
}

// SessionMetrics records one work-session invocation.
type SessionMetrics struct {
	ID           string    `json:"id" yaml:"id"`
	TaskIndex    int       `json:"task_index" yaml:"task_index"`
	Description  string    `json:"description" yaml:"description"`
	Start        time.Time `json:"start" yaml:"start"`
	End          time.Time `json:"end,omitempty" yaml:"end,omitempty"`
	InputTokens  int64     `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens int64     `json:"output_tokens" yaml:"output_tokens"`
	APICalls     int       `json:"api_calls" yaml:"api_calls"`
	ToolCalls    int       `json:"tool_calls" yaml:"tool_calls"`
	Errors       int       `json:"errors" yaml:"errors"`
	Outcome      string    `json:"outcome" yaml:"outcome"`
}

// Duration returns the session length, measured to now if still running.
func (m SessionMetrics) Duration(now time.Time) time.Duration {
	if !m.End.IsZero() {
		return m.End.Sub(m.Start)
	}
	return now.Sub(m.Start)
}

// TotalTokens returns input plus output tokens.
func (m SessionMetrics) TotalTokens() int64 {
	return m.InputTokens + m.OutputTokens
}

// EstimatedCost returns the approximate cost in USD.
func (m SessionMetrics) EstimatedCost() float64 {
	return float64(m.InputTokens)/1_000_000*inputPricePerMillion +
		float64(m.OutputTokens)/1_000_000*outputPricePerMillion
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor tracks sessions and detects stalls, loops and regressions.
// It is safe for concurrent use.
type Monitor struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	sessions     []SessionMetrics
	current      *SessionMetrics
	attempts     map[int]int
	lastProgress time.Time
	// lastStarted is the task index of the most recent session. It outlives
	// the session so loops and regressions are visible between sessions.
	lastStarted int
	// furthest is the highest task index progress was recorded at.
	furthest int
}

// NewMonitor creates a Monitor with the given thresholds.
func NewMonitor(cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:         cfg,
		now:         time.Now,
		attempts:    make(map[int]int),
		lastStarted: -1,
		furthest:    -1,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lastProgress = m.now()
	return m
}

// Config returns the monitor's thresholds.
func (m *Monitor) Config() Config {
	return m.cfg
}

// StartSession begins tracking a session for taskIndex and returns its id.
// A session still in progress is ended as interrupted.
func (m *Monitor) StartSession(taskIndex int, description string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.endLocked(OutcomeInterrupted)
	}
	now := m.now()
	m.current = &SessionMetrics{
		ID:          uuid.NewString(),
		TaskIndex:   taskIndex,
		Description: description,
		Start:       now,
		Outcome:     "unknown",
	}
	m.attempts[taskIndex]++
	m.lastStarted = taskIndex
	m.lastProgress = now
	return m.current.ID
}

// EndSession finishes the current session. It returns false when no session
// is running.
func (m *Monitor) EndSession(outcome string) (SessionMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endLocked(outcome)
}

func (m *Monitor) endLocked(outcome string) (SessionMetrics, bool) {
	if m.current == nil {
		return SessionMetrics{}, false
	}
	m.current.End = m.now()
	m.current.Outcome = outcome
	done := *m.current
	m.sessions = append(m.sessions, done)
	m.current = nil
	return done, true
}

// RecordActivity marks the session as making progress.
func (m *Monitor) RecordActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.lastProgress = m.now()
	}
}

// RecordTokens records one API call with its token usage.
func (m *Monitor) RecordTokens(input, output int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}
	m.current.APICalls++
	m.current.InputTokens += input
	m.current.OutputTokens += output
	m.lastProgress = m.now()
}

// RecordToolCall records a tool invocation by the engine.
func (m *Monitor) RecordToolCall(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}
	m.current.ToolCalls++
	m.lastProgress = m.now()
}

// RecordError counts an error in the current session.
func (m *Monitor) RecordError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Errors++
	}
}

// RecordProgress records that the run reached taskIndex. The furthest
// index seen is kept, so a later session on an earlier task reports
// regressing until the run catches up again.
func (m *Monitor) RecordProgress(taskIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if taskIndex > m.furthest {
		m.furthest = taskIndex
	}
	m.lastProgress = m.now()
}

// Health returns the run's health and a reason for any signal other than
// healthy. Checks run in order: loop, regression, idle stall, session
// duration cap, then slow. Loop and regression are judged on the most
// recent session even after it ended; the timing checks need a running
// session.
func (m *Monitor) Health() (Signal, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthLocked()
}

func (m *Monitor) healthLocked() (Signal, string) {
	if reason, ok := m.loopLocked(); ok {
		return SignalLoop, reason
	}
	if idx := m.lastStarted; idx >= 0 && idx < m.furthest {
		return SignalRegressing, fmt.Sprintf("regressing: task %d is behind last progress at task %d", idx+1, m.furthest+1)
	}
	if reason, ok := m.stallLocked(); ok {
		return SignalStalled, reason
	}
	if m.current != nil {
		if d := m.current.Duration(m.now()); d > m.cfg.SlowThreshold {
			return SignalSlow, fmt.Sprintf("slow: session running for %.0f seconds", d.Seconds())
		}
	}
	return SignalHealthy, ""
}

func (m *Monitor) loopLocked() (string, bool) {
	idx := m.lastStarted
	if idx < 0 {
		return "", false
	}
	if n := m.attempts[idx]; n > m.cfg.MaxSameTaskAttempts {
		return fmt.Sprintf("loop detected: task %d attempted %d times", idx+1, n), true
	}
	return "", false
}

func (m *Monitor) stallLocked() (string, bool) {
	if m.current == nil {
		return "", false
	}
	if idle := m.now().Sub(m.lastProgress); idle > m.cfg.StallThreshold {
		return fmt.Sprintf("stalled: no progress for %.0f seconds", idle.Seconds()), true
	}
	return m.overrunLocked()
}

func (m *Monitor) overrunLocked() (string, bool) {
	if m.current == nil {
		return "", false
	}
	if m.current.Duration(m.now()) > m.cfg.MaxSessionDuration {
		return fmt.Sprintf("stalled: session exceeded %.0f seconds", m.cfg.MaxSessionDuration.Seconds()), true
	}
	return "", false
}

// ShouldAbort reports whether the run should halt because of a loop or a
// stall. A regression does not abort; it is reported by Health.
func (m *Monitor) ShouldAbort() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reason, ok := m.loopLocked(); ok {
		return true, reason
	}
	if reason, ok := m.stallLocked(); ok {
		return true, reason
	}
	return false, ""
}

// Overrun reports whether the running session passed MaxSessionDuration.
func (m *Monitor) Overrun() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reason, ok := m.overrunLocked()
	return ok, reason
}

// Current returns the running session, if any.
func (m *Monitor) Current() (SessionMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return SessionMetrics{}, false
	}
	return *m.current, true
}

// Sessions returns the finished sessions in order.
func (m *Monitor) Sessions() []SessionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SessionMetrics(nil), m.sessions...)
}

// Diagnostics is a point-in-time view for debugging.
type Diagnostics struct {
	Current       *SessionMetrics `json:"current_session" yaml:"current_session"`
	TotalSessions int             `json:"total_sessions" yaml:"total_sessions"`
	TaskAttempts  map[int]int     `json:"task_attempts" yaml:"task_attempts"`
	Signal        Signal          `json:"progress_state" yaml:"progress_state"`
	SinceProgress time.Duration   `json:"time_since_progress" yaml:"time_since_progress"`
	LastStarted   int             `json:"last_started_task" yaml:"last_started_task"`
	Furthest      int             `json:"furthest_task_index" yaml:"furthest_task_index"`
}

// Diagnostics returns the monitor's internal counters.
func (m *Monitor) Diagnostics() Diagnostics {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := Diagnostics{
		TotalSessions: len(m.sessions),
		TaskAttempts:  make(map[int]int, len(m.attempts)),
		SinceProgress: m.now().Sub(m.lastProgress),
		LastStarted:   m.lastStarted,
		Furthest:      m.furthest,
	}
	for k, v := range m.attempts {
		d.TaskAttempts[k] = v
	}
	if m.current != nil {
		cur := *m.current
		d.Current = &cur
	}
	d.Signal, _ = m.healthLocked()
	return d
}

// Summary aggregates finished sessions.
type Summary struct {
	TotalSessions      int           `json:"total_sessions" yaml:"total_sessions"`
	TotalDuration      time.Duration `json:"total_duration" yaml:"total_duration"`
	TotalTokens        int64         `json:"total_tokens" yaml:"total_tokens"`
	TotalCost          float64       `json:"total_cost" yaml:"total_cost"`
	AvgSessionDuration time.Duration `json:"avg_session_duration" yaml:"avg_session_duration"`
	SuccessRate        float64       `json:"success_rate" yaml:"success_rate"`
	APICalls           int           `json:"total_api_calls" yaml:"total_api_calls"`
	ToolCalls          int           `json:"total_tool_calls" yaml:"total_tool_calls"`
	Errors             int           `json:"total_errors" yaml:"total_errors"`
}

// Summary returns totals across all finished sessions. SuccessRate is a
// percentage.
func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Summary
	if len(m.sessions) == 0 {
		return s
	}
	successes := 0
	for _, sess := range m.sessions {
		s.TotalDuration += sess.Duration(sess.End)
		s.TotalTokens += sess.TotalTokens()
		s.TotalCost += sess.EstimatedCost()
		s.APICalls += sess.APICalls
		s.ToolCalls += sess.ToolCalls
		s.Errors += sess.Errors
		if sess.Outcome == OutcomeSuccess {
			successes++
		}
	}
	s.TotalSessions = len(m.sessions)
	s.AvgSessionDuration = s.TotalDuration / time.Duration(len(m.sessions))
	s.SuccessRate = float64(successes) / float64(len(m.sessions)) * 100
	return s
}

// Reset clears all tracking data.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = nil
	m.current = nil
	m.attempts = make(map[int]int)
	m.lastProgress = m.now()
	m.lastStarted = -1
	m.furthest = -1
}
