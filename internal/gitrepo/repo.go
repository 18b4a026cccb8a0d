// Package gitrepo reads and updates the local working copy with go-git.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	tmerrors "github.com/sebyx07/claude-task-master-py-sub000/internal/errors"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/logging"
)

// ErrDetachedHead is returned when HEAD does not point at a branch.
var ErrDetachedHead = errors.New("HEAD is detached")

// Option configures a Repo.
type Option func(*Repo)

// WithToken authenticates HTTPS fetches with a host token.
func WithToken(token string) Option {
	return func(r *Repo) {
		if token != "" {
			r.auth = &githttp.BasicAuth{Username: "x-access-token", Password: token}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Repo) { r.logger = logging.OrNop(l).WithComponent("gitrepo") }
}

// Repo is a git working copy.
type Repo struct {
	repo   *git.Repository
	dir    string
	remote string
	auth   transport.AuthMethod
	logger *logging.Logger
}

// Open opens the repository containing dir. remote names the remote used for
// pulls and slug detection and defaults to origin.
func Open(dir, remote string, opts ...Option) (*Repo, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open git repository %s: %w", dir, err)
	}
	if remote == "" {
		remote = "origin"
	}
	r := &Repo{repo: repo, dir: dir, remote: remote, logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// CurrentBranch returns the short name of the checked out branch.
func (r *Repo) CurrentBranch(_ context.Context) (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", ErrDetachedHead
	}
	return head.Name().Short(), nil
}

// IsClean reports whether the working tree has no uncommitted changes.
func (r *Repo) IsClean() (bool, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return false, err
	}
	st, err := wt.Status()
	if err != nil {
		return false, err
	}
	return st.IsClean(), nil
}

// CheckoutBase switches to branch and fast-forwards it from the remote.
// A local branch missing from the working copy is created from its remote
// tracking ref. A repository without the remote is only checked out.
func (r *Repo) CheckoutBase(ctx context.Context, branch string) error {
	if branch == "" {
		return tmerrors.NewValidationError("branch is required").WithField("git.target_branch")
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		return err
	}

	local := plumbing.NewBranchReferenceName(branch)
	opts := &git.CheckoutOptions{Branch: local}
	if _, err := r.repo.Reference(local, true); errors.Is(err, plumbing.ErrReferenceNotFound) {
		remoteRef, rerr := r.repo.Reference(plumbing.NewRemoteReferenceName(r.remote, branch), true)
		if rerr != nil {
			return fmt.Errorf("branch %s not found locally or on %s: %w", branch, r.remote, rerr)
		}
		opts.Create = true
		opts.Hash = remoteRef.Hash()
	} else if err != nil {
		return err
	}

	if err := wt.Checkout(opts); err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}
	r.logger.Info("checked out base branch", "branch", branch)

	if _, err := r.repo.Remote(r.remote); errors.Is(err, git.ErrRemoteNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	err = wt.PullContext(ctx, &git.PullOptions{
		RemoteName:    r.remote,
		ReferenceName: local,
		SingleBranch:  true,
		Auth:          r.auth,
	})
	switch {
	case err == nil:
		r.logger.Info("pulled base branch", "branch", branch)
	case errors.Is(err, git.NoErrAlreadyUpToDate):
	default:
		return fmt.Errorf("pull %s: %w", branch, err)
	}
	return nil
}

// RemoteSlug returns the owner and repository name of the remote.
func (r *Repo) RemoteSlug() (owner, name string, err error) {
	remote, err := r.repo.Remote(r.remote)
	if err != nil {
		return "", "", fmt.Errorf("remote %s: %w", r.remote, err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", "", fmt.Errorf("remote %s has no url", r.remote)
	}
	return ParseSlug(urls[0])
}

// ParseSlug extracts owner/name from a remote URL. Both scp-style
// (git@github.com:owner/name.git) and URL forms are accepted.
func ParseSlug(remoteURL string) (owner, name string, err error) {
	raw := strings.TrimSpace(remoteURL)
	var path string
	switch {
	case strings.Contains(raw, "://"):
		u, perr := url.Parse(raw)
		if perr != nil {
			return "", "", fmt.Errorf("parse remote url: %w", perr)
		}
		path = u.Path
	case strings.Contains(raw, ":"):
		path = raw[strings.LastIndex(raw, ":")+1:]
	default:
		path = raw
	}

	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[len(parts)-2] == "" || parts[len(parts)-1] == "" {
		return "", "", tmerrors.NewValidationError("cannot determine owner/repo from remote url").WithValue(remoteURL)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}
