package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	tmerrors "github.com/sebyx07/claude-task-master-py-sub000/internal/errors"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/logging"
)

// DefaultKeepLogs is the number of run logs kept by CleanupOnSuccess.
const DefaultKeepLogs = 10

// SaveOptions tunes a single Save call.
type SaveOptions struct {
	// SkipValidation bypasses the transition table. Reserved for operator
	// tooling such as explicit rollbacks.
	SkipValidation bool
}

// Store is the durable record of one run. It composes a FileStore for atomic
// writes, a BackupManager for snapshots and recovery, a PRContextStore for
// change request artifacts and a SessionLock for cross-process exclusion.
type Store struct {
	files     *FileStore
	backups   *BackupManager
	prContext *PRContextStore
	lock      *SessionLock
	logger    *logging.Logger
	now       func() time.Time
	keepLogs  int

	mu         sync.Mutex
	lastStatus Status
	loaded     bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the store.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNop(l).WithComponent("state") }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
		s.backups.now = now
	}
}

// WithKeepLogs sets how many run logs survive CleanupOnSuccess.
func WithKeepLogs(n int) Option {
	return func(s *Store) { s.keepLogs = n }
}

// WithMaxBackups bounds the number of state snapshots kept on disk.
func WithMaxBackups(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.backups.maxBackups = n
		}
	}
}

// NewStore creates a Store for the state directory dir.
func NewStore(dir string, opts ...Option) *Store {
	files := NewFileStore(dir)
	s := &Store{
		files:     files,
		backups:   NewBackupManager(files),
		prContext: NewPRContextStore(files),
		logger:    logging.NopLogger(),
		now:       time.Now,
		keepLogs:  DefaultKeepLogs,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lock = NewSessionLock(dir, s.logger)
	return s
}

// Dir returns the state directory.
func (s *Store) Dir() string { return s.files.Dir() }

// Backups exposes the BackupManager.
func (s *Store) Backups() *BackupManager { return s.backups }

// PRContext exposes the PRContextStore.
func (s *Store) PRContext() *PRContextStore { return s.prContext }

// Exists reports whether a run state is present.
func (s *Store) Exists() bool {
	return s.files.Exists(StateFileName)
}

// StatePath returns the path of state.json.
func (s *Store) StatePath() string {
	return s.files.Path(StateFileName)
}

// LogPath returns the log file of runID.
func (s *Store) LogPath(runID string) string {
	return s.files.Path(filepath.Join(LogsDirName, "run-"+runID+".txt"))
}

// Initialize creates a new run. It fails with ErrStateExists when a run
// state is already present.
func (s *Store) Initialize(goal, model string, opts Options) (*RunState, error) {
	if s.Exists() {
		return nil, tmerrors.NewAlreadyExistsError("state", s.Dir()).WithCause(tmerrors.ErrStateExists)
	}

	if err := os.MkdirAll(s.files.Path(LogsDirName), 0o755); err != nil {
		return nil, tmerrors.NewStateError("failed to create state directory", err).WithPath(s.Dir())
	}

	now := s.now()
	st := &RunState{
		Status:        StatusPlanning,
		WorkflowStage: StageWorking,
		RunID:         NewRunID(now),
		Model:         model,
		Options:       opts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.files.WriteText(GoalFileName, goal); err != nil {
		return nil, tmerrors.NewStateError("failed to write goal", err).WithPath(s.files.Path(GoalFileName))
	}
	if err := s.files.WriteJSON(StateFileName, st); err != nil {
		return nil, tmerrors.NewStateError("failed to write state", err).WithPath(s.StatePath())
	}

	s.remember(st.Status)
	s.logger.Info("run initialized", "run_id", st.RunID, "model", model)
	return st, nil
}

// Load reads the run state. A missing file yields ErrStateNotFound. A file
// that fails to decode triggers recovery from the newest valid backup; when
// none exists the error wraps ErrStateCorrupted.
func (s *Store) Load() (*RunState, error) {
	data, err := s.files.Read(StateFileName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, tmerrors.NewNotFoundError("state", s.StatePath()).WithCause(tmerrors.ErrStateNotFound)
		}
		return nil, tmerrors.NewStateError("failed to read state", err).WithPath(s.StatePath())
	}

	st, decodeErr := decodeState(data)
	if decodeErr == nil {
		s.remember(st.Status)
		return st, nil
	}

	s.logger.Warn("state file invalid, attempting recovery", "error", decodeErr.Error())
	recovered, from, err := s.backups.Recover()
	if err != nil {
		return nil, tmerrors.NewStateError("recovery failed", err).WithPath(s.StatePath())
	}
	if recovered == nil {
		return nil, tmerrors.NewStateError("no valid backup available", tmerrors.Join(tmerrors.ErrStateCorrupted, decodeErr)).
			WithPath(s.StatePath())
	}

	s.logger.Info("state recovered from backup", "backup", from)
	s.remember(recovered.Status)
	return recovered, nil
}

func (s *Store) remember(status Status) {
	s.mu.Lock()
	s.lastStatus = status
	s.loaded = true
	s.mu.Unlock()
}

// Save persists st after validating its status change against the status
// that is currently on disk.
func (s *Store) Save(st *RunState) error {
	return s.SaveWithOptions(st, SaveOptions{})
}

// SaveWithOptions persists st, optionally bypassing transition validation.
func (s *Store) SaveWithOptions(st *RunState, opts SaveOptions) error {
	if err := st.Validate(); err != nil {
		return tmerrors.NewValidationError("refusing to save invalid state").WithCause(err)
	}

	if !opts.SkipValidation {
		if ext, ok := s.externalHalt(); ok && st.Status == StatusWorking {
			s.logger.Info("keeping status set by another process", "status", string(ext))
			st.Status = ext
		}
		prev, ok := s.previousStatus()
		if ok {
			if err := ValidateTransition(prev, st.Status); err != nil {
				return err
			}
		}
	}

	st.UpdatedAt = s.now()
	if err := s.files.WriteJSON(StateFileName, st); err != nil {
		return tmerrors.NewStateError("failed to write state", err).WithPath(s.StatePath()).WithStatus(string(st.Status))
	}
	s.remember(st.Status)
	return nil
}

// previousStatus returns the status on disk, falling back to the last status
// this Store saw when the file cannot be read.
func (s *Store) previousStatus() (Status, bool) {
	if data, err := s.files.Read(StateFileName); err == nil {
		if st, err := decodeState(data); err == nil {
			return st.Status, true
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus, s.loaded
}

// externalHalt reports a pause or stop written to disk by another process
// since this Store last loaded or saved the state.
func (s *Store) externalHalt() (Status, bool) {
	data, err := s.files.Read(StateFileName)
	if err != nil {
		return "", false
	}
	onDisk, err := decodeState(data)
	if err != nil {
		return "", false
	}
	if onDisk.Status != StatusPaused && onDisk.Status != StatusStopped {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded || s.lastStatus == onDisk.Status {
		return "", false
	}
	return onDisk.Status, true
}

// CreateBackup snapshots the current state file.
func (s *Store) CreateBackup() (string, error) {
	path, err := s.backups.Backup("")
	if err != nil {
		return "", tmerrors.NewStateError("failed to create backup", err).WithPath(s.StatePath())
	}
	return path, nil
}

// AcquireSessionLock takes the exclusive session lock for this directory.
func (s *Store) AcquireSessionLock(runID string) error {
	if err := os.MkdirAll(s.Dir(), 0o755); err != nil {
		return tmerrors.NewStateError("failed to create state directory", err).WithPath(s.Dir())
	}
	return s.lock.Acquire(runID)
}

// ReleaseSessionLock drops the session lock if held.
func (s *Store) ReleaseSessionLock() error {
	return s.lock.Release()
}

// IsSessionActive reports whether any orchestrator holds the session lock.
func (s *Store) IsSessionActive() bool {
	return s.lock.IsActive()
}

// LockHolder returns the metadata of the session lock holder.
func (s *Store) LockHolder() (*LockInfo, error) {
	return s.lock.Holder()
}

// CleanupOnSuccess releases the session lock and removes every artifact in
// the state directory except the logs directory, which is pruned to the
// newest keepLogs run logs.
func (s *Store) CleanupOnSuccess(runID string) error {
	if err := s.ReleaseSessionLock(); err != nil {
		s.logger.Warn("failed to release session lock during cleanup", "error", err.Error())
	}

	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		return tmerrors.NewStateError("failed to list state directory", err).WithPath(s.Dir())
	}
	for _, e := range entries {
		if e.IsDir() && e.Name() == LogsDirName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.Dir(), e.Name())); err != nil {
			return tmerrors.NewStateError("failed to remove artifact", err).WithPath(e.Name())
		}
	}

	s.mu.Lock()
	s.loaded = false
	s.mu.Unlock()

	s.pruneLogs()
	s.logger.Info("state cleaned after success", "run_id", runID)
	return nil
}

func (s *Store) pruneLogs() {
	matches, err := filepath.Glob(filepath.Join(s.files.Path(LogsDirName), "run-*.txt"))
	if err != nil || len(matches) <= s.keepLogs {
		return
	}

	type logFile struct {
		path string
		mod  time.Time
	}
	logs := make([]logFile, 0, len(matches))
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil {
			logs = append(logs, logFile{m, info.ModTime()})
		}
	}
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].mod.Equal(logs[j].mod) {
			return logs[i].path > logs[j].path
		}
		return logs[i].mod.After(logs[j].mod)
	})
	for _, l := range logs[min(len(logs), s.keepLogs):] {
		_ = os.Remove(l.path)
	}
}

// UpdateOptions applies patch to the stored options and returns the fields
// that actually changed, keyed by their JSON name.
func (s *Store) UpdateOptions(patch OptionsPatch) (map[string]any, error) {
	st, err := s.Load()
	if err != nil {
		return nil, err
	}

	changed := make(map[string]any)
	o := &st.Options
	if patch.AutoMerge != nil && *patch.AutoMerge != o.AutoMerge {
		o.AutoMerge = *patch.AutoMerge
		changed["auto_merge"] = o.AutoMerge
	}
	if patch.ClearMaxSessions && o.MaxSessions != nil {
		o.MaxSessions = nil
		changed["max_sessions"] = nil
	} else if patch.MaxSessions != nil {
		if *patch.MaxSessions < 1 {
			return nil, tmerrors.NewValidationError("max_sessions must be at least 1").
				WithField("max_sessions").WithValue(*patch.MaxSessions)
		}
		if o.MaxSessions == nil || *o.MaxSessions != *patch.MaxSessions {
			n := *patch.MaxSessions
			o.MaxSessions = &n
			changed["max_sessions"] = n
		}
	}
	if patch.PauseOnPR != nil && *patch.PauseOnPR != o.PauseOnPR {
		o.PauseOnPR = *patch.PauseOnPR
		changed["pause_on_pr"] = o.PauseOnPR
	}
	if patch.EnableCheckpointing != nil && *patch.EnableCheckpointing != o.EnableCheckpointing {
		o.EnableCheckpointing = *patch.EnableCheckpointing
		changed["enable_checkpointing"] = o.EnableCheckpointing
	}
	if patch.LogLevel != nil && *patch.LogLevel != o.LogLevel {
		switch strings.ToLower(*patch.LogLevel) {
		case "quiet", "normal", "verbose":
		default:
			return nil, tmerrors.NewValidationError("log_level must be quiet, normal or verbose").
				WithField("log_level").WithValue(*patch.LogLevel)
		}
		o.LogLevel = strings.ToLower(*patch.LogLevel)
		changed["log_level"] = o.LogLevel
	}
	if patch.LogFormat != nil && *patch.LogFormat != o.LogFormat {
		switch *patch.LogFormat {
		case "text", "json":
		default:
			return nil, tmerrors.NewValidationError("log_format must be text or json").
				WithField("log_format").WithValue(*patch.LogFormat)
		}
		o.LogFormat = *patch.LogFormat
		changed["log_format"] = o.LogFormat
	}
	if patch.PRPerTask != nil && *patch.PRPerTask != o.PRPerTask {
		o.PRPerTask = *patch.PRPerTask
		changed["pr_per_task"] = o.PRPerTask
	}

	if len(changed) == 0 {
		return changed, nil
	}
	if err := s.Save(st); err != nil {
		return nil, err
	}
	s.logger.Info("options updated", "changed", fmt.Sprint(changed))
	return changed, nil
}

// Text artifacts.

// LoadGoal returns the run goal.
func (s *Store) LoadGoal() (string, error) { return s.files.ReadText(GoalFileName) }

// LoadCriteria returns the success criteria, or "" when none were recorded.
func (s *Store) LoadCriteria() (string, error) { return s.files.ReadText(CriteriaFileName) }

// SaveCriteria stores the success criteria.
func (s *Store) SaveCriteria(c string) error { return s.files.WriteText(CriteriaFileName, c) }

// LoadPlan returns the plan document, or "" when none exists.
func (s *Store) LoadPlan() (string, error) { return s.files.ReadText(PlanFileName) }

// SavePlan stores the plan document.
func (s *Store) SavePlan(p string) error { return s.files.WriteText(PlanFileName, p) }

// LoadProgress returns the progress document.
func (s *Store) LoadProgress() (string, error) { return s.files.ReadText(ProgressFileName) }

// SaveProgress stores the progress document.
func (s *Store) SaveProgress(p string) error { return s.files.WriteText(ProgressFileName, p) }

// AppendProgress adds a section to the progress document.
func (s *Store) AppendProgress(section string) error {
	current, err := s.LoadProgress()
	if err != nil {
		return err
	}
	return s.SaveProgress(current + section)
}

// LoadContext returns accumulated engine context.
func (s *Store) LoadContext() (string, error) { return s.files.ReadText(ContextFileName) }

// SaveContext stores accumulated engine context.
func (s *Store) SaveContext(c string) error { return s.files.WriteText(ContextFileName, c) }
