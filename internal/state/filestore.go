package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File names inside the state directory.
const (
	StateFileName    = "state.json"
	GoalFileName     = "goal.txt"
	CriteriaFileName = "criteria.txt"
	PlanFileName     = "plan.md"
	ProgressFileName = "progress.md"
	ContextFileName  = "context.md"
	LogsDirName      = "logs"
	BackupsDirName   = "backups"
)

// FileStore reads and writes files under one directory. Every write goes
// through a temp file in the same directory followed by a rename, so a crash
// mid-write leaves either the old or the new content on disk.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a FileStore rooted at dir. The directory is created
// lazily on first write.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the root directory.
func (fs *FileStore) Dir() string {
	return fs.dir
}

// Path returns the absolute path of name inside the store.
func (fs *FileStore) Path(name string) string {
	return filepath.Join(fs.dir, name)
}

// Exists reports whether name exists.
func (fs *FileStore) Exists(name string) bool {
	_, err := os.Stat(fs.Path(name))
	return err == nil
}

// Write atomically replaces name with data.
func (fs *FileStore) Write(name string, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path := fs.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return atomicWriteFile(path, data, 0o644)
}

// Read returns the contents of name. A missing file yields an error
// satisfying os.IsNotExist.
func (fs *FileStore) Read(name string) ([]byte, error) {
	return os.ReadFile(fs.Path(name))
}

// WriteText atomically writes a text artifact.
func (fs *FileStore) WriteText(name, content string) error {
	return fs.Write(name, []byte(content))
}

// ReadText returns a text artifact, or "" when it does not exist.
func (fs *FileStore) ReadText(name string) (string, error) {
	data, err := fs.Read(name)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// WriteJSON atomically writes v as indented JSON.
func (fs *FileStore) WriteJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	return fs.Write(name, append(data, '\n'))
}

// Remove deletes name, ignoring a missing file.
func (fs *FileStore) Remove(name string) error {
	if err := os.Remove(fs.Path(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RemoveAll deletes name recursively.
func (fs *FileStore) RemoveAll(name string) error {
	return os.RemoveAll(fs.Path(name))
}

// atomicWriteFile writes data to a temp file in the target directory, syncs
// it, then renames it over path.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
