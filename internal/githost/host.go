// Package githost defines the version-control host the workflow drives and
// implements it for GitHub.
package githost

import (
	"context"
	"time"
)

// CheckState is the aggregate state of a change request's checks.
type CheckState string

// Check states.
const (
	CheckPending CheckState = "pending"
	CheckSuccess CheckState = "success"
	CheckFailure CheckState = "failure"
	CheckError   CheckState = "error"
)

// Mergeable is the host's view of whether a change request can merge.
type Mergeable string

// Mergeable states.
const (
	MergeableYes         Mergeable = "mergeable"
	MergeableConflicting Mergeable = "conflicting"
	MergeableUnknown     Mergeable = "unknown"
)

// State is the lifecycle state of a change request.
type State string

// Change request states.
const (
	StateOpen   State = "open"
	StateClosed State = "closed"
	StateMerged State = "merged"
)

// CheckDetail is one check run or commit status.
type CheckDetail struct {
	ID         int64  `json:"id,omitempty"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion,omitempty"`
	URL        string `json:"url,omitempty"`
}

// Failed reports whether the check finished unsuccessfully.
func (c CheckDetail) Failed() bool {
	switch c.Conclusion {
	case "failure", "timed_out", "cancelled", "action_required", "error":
		return true
	}
	return false
}

// Pending reports whether the check has not finished.
func (c CheckDetail) Pending() bool {
	return c.Status != "completed"
}

// Status is a snapshot of a change request.
type Status struct {
	Number            int           `json:"number"`
	State             State         `json:"state"`
	CheckState        CheckState    `json:"check_state"`
	ChecksPending     int           `json:"checks_pending"`
	ChecksPassed      int           `json:"checks_passed"`
	ChecksFailed      int           `json:"checks_failed"`
	UnresolvedThreads int           `json:"unresolved_threads"`
	Mergeable         Mergeable     `json:"mergeable"`
	BaseBranch        string        `json:"base_branch"`
	HeadBranch        string        `json:"head_branch"`
	URL               string        `json:"url,omitempty"`
	Checks            []CheckDetail `json:"checks,omitempty"`
}

// Comment is one review comment, together with the thread it belongs to.
type Comment struct {
	ThreadID  string    `json:"thread_id"`
	CommentID int64     `json:"comment_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Path      string    `json:"path,omitempty"`
	Line      int       `json:"line,omitempty"`
	URL       string    `json:"url,omitempty"`
	Resolved  bool      `json:"resolved"`
	Outdated  bool      `json:"outdated"`
	CreatedAt time.Time `json:"created_at"`
}

// NewChangeRequest describes a change request to open.
type NewChangeRequest struct {
	Title string
	Body  string
	Head  string
	Base  string
	Draft bool
}

// Host is the version-control host.
type Host interface {
	CreateChangeRequest(ctx context.Context, req NewChangeRequest) (int, error)
	GetStatus(ctx context.Context, number int) (Status, error)
	Merge(ctx context.Context, number int) error
	ListComments(ctx context.Context, number int, onlyUnresolved bool) ([]Comment, error)
	// DetectChangeRequestForCurrentBranch returns the open change request
	// whose head is the checked out branch. ok is false when there is none.
	DetectChangeRequestForCurrentBranch(ctx context.Context) (number int, ok bool, err error)
	ReplyToThread(ctx context.Context, number int, threadID, body string) error
	ResolveThread(ctx context.Context, threadID string) error
	// FailedCheckLogs returns log text keyed by check name for every failed
	// check of the change request.
	FailedCheckLogs(ctx context.Context, number int) (map[string]string, error)
	RequestReviewers(ctx context.Context, number int) error
}
