package gitinterop

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/odvcencio/harbr/internal/models"
)

var testSignature = object.Signature{Name: "Harbr Test", Email: "test@harbr.dev", When: time.Unix(1700000000, 0).UTC()}

// initBareFixture creates an empty bare repository without the git binary.
func initBareFixture(t *testing.T, dir string) {
	t.Helper()
	if _, err := git.PlainInit(dir, true); err != nil {
		t.Fatalf("init bare fixture: %v", err)
	}
}

type populatedFixture struct {
	dir    string
	commit plumbing.Hash
	tag    plumbing.Hash
}

// initPopulatedFixture creates a repository with one commit on master, an annotated tag v1
// and a lightweight tag light.
func initPopulatedFixture(t *testing.T) populatedFixture {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add("README"); err != nil {
		t.Fatal(err)
	}
	sig := testSignature
	commit, err := wt.Commit("initial", &git.CommitOptions{Author: &sig, Committer: &sig})
	if err != nil {
		t.Fatal(err)
	}
	tagRef, err := repo.CreateTag("v1", commit, &git.CreateTagOptions{Tagger: &sig, Message: "v1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.CreateTag("light", commit, nil); err != nil {
		t.Fatal(err)
	}
	return populatedFixture{dir: dir, commit: commit, tag: tagRef.Hash()}
}

// pktLines decodes body into payload strings; flush packets become "".
func pktLines(t *testing.T, body []byte) []string {
	t.Helper()
	var lines []string
	s := pktline.NewScanner(bytes.NewReader(body))
	for s.Scan() {
		lines = append(lines, string(s.Bytes()))
	}
	if err := s.Err(); err != nil {
		t.Fatalf("decode pkt-lines: %v", err)
	}
	return lines
}

type fakeResolver struct {
	mu    sync.Mutex
	repos map[string]*models.Repository
}

func newFakeResolver(repos ...*models.Repository) *fakeResolver {
	f := &fakeResolver{repos: make(map[string]*models.Repository)}
	for _, r := range repos {
		f.repos[r.Name] = r
	}
	return f
}

func (f *fakeResolver) Lookup(_ context.Context, name string) (*models.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.repos[name]
	if !ok {
		return nil, ErrNotFound
	}
	if !r.Active {
		return nil, ErrInactive
	}
	cp := *r
	return &cp, nil
}

func (f *fakeResolver) setActive(name string, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.repos[name]; ok {
		r.Active = active
	}
}

func requireGit(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("git")
	if err != nil {
		t.Skip("git binary not available")
	}
	return path
}

// runGit runs the git client with an isolated configuration.
func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := gitCommand(t, dir, args...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return string(out)
}

func gitCommand(t *testing.T, dir string, args ...string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"HOME="+t.TempDir(),
		"GIT_CONFIG_NOSYSTEM=1",
		"GIT_TERMINAL_PROMPT=0",
		"GIT_AUTHOR_NAME=Harbr Test",
		"GIT_AUTHOR_EMAIL=test@harbr.dev",
		"GIT_COMMITTER_NAME=Harbr Test",
		"GIT_COMMITTER_EMAIL=test@harbr.dev",
	)
	return cmd
}

func isExitCode(err error, code int) bool {
	var ee *exec.ExitError
	return errors.As(err, &ee) && ee.ExitCode() == code
}
