package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CorruptedSuffix marks a copy of a state file that failed to decode.
const CorruptedSuffix = ".corrupted"

// DefaultMaxBackups bounds the number of regular backups kept on disk.
const DefaultMaxBackups = 20

// BackupManager writes timestamped snapshots of the state file and restores
// the newest valid one when the primary file is corrupt.
type BackupManager struct {
	files      *FileStore
	dir        string
	maxBackups int
	now        func() time.Time
}

// NewBackupManager creates a BackupManager writing into the backups directory
// of files.
func NewBackupManager(files *FileStore) *BackupManager {
	return &BackupManager{
		files:      files,
		dir:        files.Path(BackupsDirName),
		maxBackups: DefaultMaxBackups,
		now:        time.Now,
	}
}

// Dir returns the backup directory.
func (b *BackupManager) Dir() string {
	return b.dir
}

// Backup copies the current state file into the backup directory as
// state.<timestamp>-<id><suffix>.json and returns its path. It returns ""
// with no error when there is no state file to copy.
func (b *BackupManager) Backup(suffix string) (string, error) {
	data, err := b.files.Read(StateFileName)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read state for backup: %w", err)
	}

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	name := fmt.Sprintf("state.%s-%s%s.json", b.now().Format(RunIDFormat), uuid.NewString()[:8], suffix)
	path := filepath.Join(b.dir, name)
	if err := atomicWriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}

	if suffix == "" {
		b.prune()
	}
	return path, nil
}

type backupFile struct {
	path    string
	modTime time.Time
}

// list returns regular (non-corrupted) backups, newest first.
func (b *BackupManager) list() []backupFile {
	matches, err := filepath.Glob(filepath.Join(b.dir, "state.*.json"))
	if err != nil {
		return nil
	}

	files := make([]backupFile, 0, len(matches))
	for _, m := range matches {
		if strings.HasSuffix(m, CorruptedSuffix+".json") {
			continue
		}
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		files = append(files, backupFile{path: m, modTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].path > files[j].path
		}
		return files[i].modTime.After(files[j].modTime)
	})
	return files
}

// List returns the paths of regular backups, newest first.
func (b *BackupManager) List() []string {
	files := b.list()
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths
}

func (b *BackupManager) prune() {
	if b.maxBackups <= 0 {
		return
	}
	files := b.list()
	for _, f := range files[min(len(files), b.maxBackups):] {
		_ = os.Remove(f.path)
	}
}

// Recover returns the newest backup that decodes and validates, along with
// the path it came from. The corrupt primary, if present, is first preserved
// with CorruptedSuffix. When recovery succeeds the primary is rewritten from
// the recovered snapshot.
func (b *BackupManager) Recover() (*RunState, string, error) {
	if b.files.Exists(StateFileName) {
		if _, err := b.Backup(CorruptedSuffix); err != nil {
			return nil, "", err
		}
	}

	for _, f := range b.list() {
		data, err := os.ReadFile(f.path)
		if err != nil {
			continue
		}
		st, err := decodeState(data)
		if err != nil {
			continue
		}
		if err := b.files.Write(StateFileName, data); err != nil {
			return nil, "", fmt.Errorf("failed to restore state from backup: %w", err)
		}
		return st, f.path, nil
	}
	return nil, "", nil
}

func decodeState(data []byte) (*RunState, error) {
	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return &st, nil
}
