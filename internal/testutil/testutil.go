// Package testutil provides git fixtures for tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var signature = object.Signature{Name: "Task Master Test", Email: "test@taskmaster.dev"}

// SetupTestRepo creates a repository on branch main with one commit. It is
// removed when the test completes.
func SetupTestRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	_, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("main")},
	})
	if err != nil {
		t.Fatalf("failed to init git repo: %v", err)
	}
	CommitFile(t, dir, "README.md", "# Test Repository\n", "Initial commit")
	return dir
}

// SetupTestRepoWithRemote creates a repository whose origin is a bare
// repository that already holds main. Pushing over the file transport needs
// the git binary, so the test is skipped without it.
func SetupTestRepoWithRemote(t *testing.T) (repoDir, remoteDir string) {
	t.Helper()
	SkipIfNoGit(t)

	remoteDir = t.TempDir()
	_, err := git.PlainInitWithOptions(remoteDir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("main")},
		Bare:        true,
	})
	if err != nil {
		t.Fatalf("failed to init bare repo: %v", err)
	}

	repoDir = SetupTestRepo(t)
	repo := open(t, repoDir)
	if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{remoteDir}}); err != nil {
		t.Fatalf("failed to add remote: %v", err)
	}
	Push(t, repoDir, "main")
	return repoDir, remoteDir
}

// Push pushes branch to origin.
func Push(t *testing.T, repoDir, branch string) {
	t.Helper()

	ref := plumbing.NewBranchReferenceName(branch)
	err := open(t, repoDir).Push(&git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(ref + ":" + ref)},
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		t.Fatalf("failed to push %s: %v", branch, err)
	}
}

// CommitFile creates or updates a file and commits it.
func CommitFile(t *testing.T, repoDir, path, content, message string) {
	t.Helper()

	fullPath := filepath.Join(repoDir, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}

	wt := worktree(t, repoDir)
	if _, err := wt.Add(path); err != nil {
		t.Fatalf("failed to stage file %s: %v", path, err)
	}
	sig := signature
	sig.When = time.Now()
	if _, err := wt.Commit(message, &git.CommitOptions{Author: &sig}); err != nil {
		t.Fatalf("failed to commit file %s: %v", path, err)
	}
}

// CreateBranch creates branch at HEAD and checks it out.
func CreateBranch(t *testing.T, repoDir, branch string) {
	t.Helper()

	err := worktree(t, repoDir).Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: true,
	})
	if err != nil {
		t.Fatalf("failed to create branch %s: %v", branch, err)
	}
}

// HeadHash returns the commit HEAD points at.
func HeadHash(t *testing.T, repoDir string) string {
	t.Helper()

	head, err := open(t, repoDir).Head()
	if err != nil {
		t.Fatalf("failed to resolve HEAD: %v", err)
	}
	return head.Hash().String()
}

func open(t *testing.T, dir string) *git.Repository {
	t.Helper()

	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("failed to open repo %s: %v", dir, err)
	}
	return repo
}

func worktree(t *testing.T, dir string) *git.Worktree {
	t.Helper()

	wt, err := open(t, dir).Worktree()
	if err != nil {
		t.Fatalf("failed to open worktree %s: %v", dir, err)
	}
	return wt
}

// SkipIfNoGit skips the test if the git binary is not in PATH.
func SkipIfNoGit(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH, skipping test")
	}
}
