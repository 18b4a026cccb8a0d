package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sebyx07/claude-task-master-py-sub000/internal/logging"
)

// watchDebounce collapses the burst of events produced by an atomic rename.
const watchDebounce = 50 * time.Millisecond

// Watcher observes state.json for status changes made by another process,
// such as a pause or stop issued from the control surface.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onChange func(Status)
	logger   *logging.Logger

	mu     sync.Mutex
	last   Status
	stopCh chan struct{}
	done   chan struct{}
}

// NewWatcher watches the state directory dir. onChange is called from
// the watcher goroutine with the new status each time it differs from the
// previously observed one.
func NewWatcher(dir string, onChange func(Status), logger *logging.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory rather than the file: atomic renames replace the
	// inode, which drops a file-level watch.
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher:  fw,
		path:     filepath.Join(dir, StateFileName),
		onChange: onChange,
		logger:   logging.OrNop(logger).WithComponent("state-watcher"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.last = w.readStatus()
	return w, nil
}

// Start begins delivering events.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop ends the watch and waits for the event goroutine to exit.
func (w *Watcher) Stop() {
	select {
	case <-w.stopCh:
		return
	default:
	}
	close(w.stopCh)
	_ = w.watcher.Close()
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)

	debounce := time.NewTimer(0)
	<-debounce.C
	pending := false

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = true
			debounce.Reset(watchDebounce)

		case <-debounce.C:
			if !pending {
				continue
			}
			pending = false
			w.check()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("state watch error", "error", err.Error())
		}
	}
}

func (w *Watcher) check() {
	status := w.readStatus()
	if status == "" {
		return
	}

	w.mu.Lock()
	changed := status != w.last
	w.last = status
	w.mu.Unlock()

	if changed && w.onChange != nil {
		w.logger.Debug("status changed on disk", "status", string(status))
		w.onChange(status)
	}
}

func (w *Watcher) readStatus() Status {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return ""
	}
	var partial struct {
		Status Status `json:"status"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return ""
	}
	return partial.Status
}
