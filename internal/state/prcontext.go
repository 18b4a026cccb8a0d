package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Files written inside a change request's context directory.
const (
	ResolveFileName   = "resolve-comments.json"
	AddressedFileName = "addressed-threads.json"
	SummaryFileName   = "comments_summary.txt"
	ciDirName         = "ci"
	commentsDirName   = "comments"
)

// ReviewComment is one unresolved review comment saved for the engine.
type ReviewComment struct {
	ThreadID  string `json:"thread_id"`
	CommentID string `json:"comment_id"`
	Author    string `json:"author"`
	Body      string `json:"body"`
	Path      string `json:"path"`
	Line      int    `json:"line"`
}

// Resolution actions the engine may report for a review thread.
const (
	ActionFixed     = "fixed"
	ActionExplained = "explained"
	ActionSkipped   = "skipped"
)

// Resolution is one entry of resolve-comments.json, written by the engine
// after it has worked through review threads.
type Resolution struct {
	ThreadID string `json:"thread_id"`
	Action   string `json:"action"`
	Message  string `json:"message"`
}

type resolveFile struct {
	Resolutions []Resolution `json:"resolutions"`
}

// PRContextStore keeps per change request artifacts the engine reads: CI
// failure logs and review comments, plus the resolution file it writes back.
type PRContextStore struct {
	files *FileStore
}

// NewPRContextStore creates a PRContextStore inside files.
func NewPRContextStore(files *FileStore) *PRContextStore {
	return &PRContextStore{files: files}
}

func (p *PRContextStore) rel(pr int, parts ...string) string {
	return filepath.Join(append([]string{"debugging", "pr", strconv.Itoa(pr)}, parts...)...)
}

// Dir returns the absolute context directory for pr.
func (p *PRContextStore) Dir(pr int) string {
	return p.files.Path(p.rel(pr))
}

// ResolvePath returns where the engine should write resolve-comments.json.
func (p *PRContextStore) ResolvePath(pr int) string {
	return p.files.Path(p.rel(pr, ResolveFileName))
}

func sanitize(s string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", " ", "_")
	return r.Replace(s)
}

// ClearCIFailures removes previously saved CI logs for pr.
func (p *PRContextStore) ClearCIFailures(pr int) error {
	return p.files.RemoveAll(p.rel(pr, ciDirName))
}

// SaveCIFailure writes the logs of one failing check.
func (p *PRContextStore) SaveCIFailure(pr int, checkName, logs string) error {
	content := fmt.Sprintf("CI Check Failed: %s\nPR: #%d\n\n%s\nFAILURE LOGS:\n%s\n\n%s\n",
		checkName, pr, strings.Repeat("=", 60), strings.Repeat("=", 60), logs)
	return p.files.WriteText(p.rel(pr, ciDirName, "failed_"+sanitize(checkName)+".txt"), content)
}

// SaveComments replaces the saved review comments for pr and writes a
// summary listing the files they touch.
func (p *PRContextStore) SaveComments(pr int, comments []ReviewComment) error {
	if err := p.files.RemoveAll(p.rel(pr, commentsDirName)); err != nil {
		return fmt.Errorf("failed to clear comments: %w", err)
	}

	paths := make(map[string]struct{})
	for i, c := range comments {
		path := c.Path
		if path == "" {
			path = "general"
		}
		paths[path] = struct{}{}

		name := fmt.Sprintf("%03d_%s_L%d.txt", i+1, sanitize(path), c.Line)
		body := fmt.Sprintf("Thread ID: %s\nComment ID: %s\nFile: %s\nLine: %d\nAuthor: %s\nStatus: Unresolved\n\n%s\n",
			c.ThreadID, c.CommentID, path, c.Line, c.Author, c.Body)
		if err := p.files.WriteText(p.rel(pr, commentsDirName, name), body); err != nil {
			return err
		}
	}

	sorted := make([]string, 0, len(paths))
	for path := range paths {
		sorted = append(sorted, path)
	}
	sort.Strings(sorted)

	var sb strings.Builder
	fmt.Fprintf(&sb, "PR #%d Review Comments\nTotal: %d comments\n\nFiles with comments:\n", pr, len(comments))
	for _, path := range sorted {
		fmt.Fprintf(&sb, "  - %s\n", path)
	}
	return p.files.WriteText(p.rel(pr, SummaryFileName), sb.String())
}

// Load returns the saved comments and CI failures of pr as one document.
func (p *PRContextStore) Load(pr int) (string, error) {
	var sections []string

	commentFiles, _ := filepath.Glob(filepath.Join(p.Dir(pr), commentsDirName, "*.txt"))
	sort.Strings(commentFiles)
	if len(commentFiles) > 0 {
		sections = append(sections, "## Review Comments\n")
		for _, f := range commentFiles {
			data, err := os.ReadFile(f)
			if err != nil {
				return "", err
			}
			stem := strings.TrimSuffix(filepath.Base(f), ".txt")
			sections = append(sections, fmt.Sprintf("### %s\n%s\n", stem, data))
		}
	}

	ciFiles, _ := filepath.Glob(filepath.Join(p.Dir(pr), ciDirName, "failed_*.txt"))
	sort.Strings(ciFiles)
	if len(ciFiles) > 0 {
		sections = append(sections, "## CI Failures\n")
		for _, f := range ciFiles {
			data, err := os.ReadFile(f)
			if err != nil {
				return "", err
			}
			sections = append(sections, string(data))
		}
	}

	return strings.Join(sections, "\n"), nil
}

// Resolutions reads resolve-comments.json. A missing file yields no entries.
func (p *PRContextStore) Resolutions(pr int) ([]Resolution, error) {
	data, err := p.files.Read(p.rel(pr, ResolveFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var rf resolveFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ResolveFileName, err)
	}
	return rf.Resolutions, nil
}

// ClearResolutions deletes resolve-comments.json so it is not replayed.
func (p *PRContextStore) ClearResolutions(pr int) error {
	return p.files.Remove(p.rel(pr, ResolveFileName))
}

// AddressedThreads returns thread IDs handled in earlier review cycles.
func (p *PRContextStore) AddressedThreads(pr int) (map[string]bool, error) {
	out := make(map[string]bool)
	data, err := p.files.Read(p.rel(pr, AddressedFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", AddressedFileName, err)
	}
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// MarkAddressed records thread IDs as handled.
func (p *PRContextStore) MarkAddressed(pr int, threadIDs ...string) error {
	existing, err := p.AddressedThreads(pr)
	if err != nil {
		return err
	}
	for _, id := range threadIDs {
		if id != "" {
			existing[id] = true
		}
	}
	ids := make([]string, 0, len(existing))
	for id := range existing {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return p.files.WriteJSON(p.rel(pr, AddressedFileName), ids)
}

// Clear removes all context for pr.
func (p *PRContextStore) Clear(pr int) error {
	return p.files.RemoveAll(p.rel(pr))
}
