package gitinterop

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/odvcencio/harbr/internal/models"
	"github.com/odvcencio/harbr/internal/repolock"
	"github.com/prometheus/client_golang/prometheus"
)

type liveServer struct {
	url      string
	dir      string
	git      *Toolchain
	locks    *repolock.Table
	resolver *fakeResolver

	mu     sync.Mutex
	pushes [][]RefUpdate
}

func newLiveServer(t *testing.T) *liveServer {
	t.Helper()
	requireGit(t)
	ls := &liveServer{git: NewToolchain("git", 0), locks: repolock.NewTable()}
	ls.dir = filepath.Join(t.TempDir(), "demo")
	if err := ls.git.InitBare(context.Background(), ls.dir); err != nil {
		t.Fatal(err)
	}
	ls.resolver = newFakeResolver(&models.Repository{ID: 1, Name: "demo", StoragePath: ls.dir, Active: true})

	h := NewSmartHTTPHandler(ls.resolver, ls.locks, NewRefAdvertiser(ls.locks), NewPackBridge(ls.git, ls.locks, 0), HandlerOptions{
		Prefix:  "/git",
		Metrics: NewMetrics(prometheus.NewRegistry()),
		AfterPush: func(_ context.Context, repo *models.Repository, updates []RefUpdate) {
			ls.mu.Lock()
			defer ls.mu.Unlock()
			ls.pushes = append(ls.pushes, updates)
		},
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	ls.url = srv.URL + "/git/demo.git"
	return ls
}

func commitFile(t *testing.T, work, name, content string) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(work, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, work, "add", name)
	runGit(t, work, "commit", "-q", "-m", "update "+name)
	return strings.TrimSpace(runGit(t, work, "rev-parse", "HEAD"))
}

func TestPushFetchRoundTrip(t *testing.T) {
	ls := newLiveServer(t)

	work := t.TempDir()
	runGit(t, work, "init", "-q")
	runGit(t, work, "checkout", "-q", "-b", "main")
	first := commitFile(t, work, "README", "hello\n")
	runGit(t, work, "push", "-q", ls.url, "main:refs/heads/main")

	ls.mu.Lock()
	if len(ls.pushes) != 1 || len(ls.pushes[0]) != 1 {
		ls.mu.Unlock()
		t.Fatalf("pushes = %+v, want one update", ls.pushes)
	}
	got := ls.pushes[0][0]
	ls.mu.Unlock()
	if got.Name != "refs/heads/main" || got.New != first || !got.Creates() {
		t.Fatalf("recorded update = %+v", got)
	}

	// The advertisement now reflects the push.
	body, err := NewRefAdvertiser(ls.locks).Render(ls.dir, UploadPack)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(body, []byte(first+" refs/heads/main")) {
		t.Fatalf("advertisement missing pushed ref:\n%q", body)
	}

	clone := filepath.Join(t.TempDir(), "clone")
	runGit(t, filepath.Dir(clone), "clone", "-q", "--branch", "main", ls.url, clone)
	if head := strings.TrimSpace(runGit(t, clone, "rev-parse", "HEAD")); head != first {
		t.Fatalf("cloned HEAD = %s, want %s", head, first)
	}

	second := commitFile(t, work, "CHANGES", "v2\n")
	runGit(t, work, "push", "-q", ls.url, "main:refs/heads/main")
	runGit(t, clone, "fetch", "-q", "origin")
	if fetched := strings.TrimSpace(runGit(t, clone, "rev-parse", "origin/main")); fetched != second {
		t.Fatalf("fetched origin/main = %s, want %s", fetched, second)
	}

	out, err := ls.git.LsRemote(context.Background(), ls.url)
	if err != nil {
		t.Fatalf("ls-remote: %v", err)
	}
	if !strings.Contains(string(out), second+"\trefs/heads/main") {
		t.Fatalf("ls-remote output = %q", out)
	}
}

func TestCloneEmptyRepository(t *testing.T) {
	ls := newLiveServer(t)
	clone := filepath.Join(t.TempDir(), "clone")
	runGit(t, filepath.Dir(clone), "clone", "-q", ls.url, clone)
	if _, err := os.Stat(filepath.Join(clone, ".git")); err != nil {
		t.Fatalf("clone of empty repository did not produce a work tree: %v", err)
	}
}

func TestLsRemoteUnknownRepositoryFails(t *testing.T) {
	ls := newLiveServer(t)
	_, err := ls.git.LsRemote(context.Background(), strings.Replace(ls.url, "demo.git", "missing.git", 1))
	if !errors.Is(err, ErrAbnormalExit) {
		t.Fatalf("err = %v, want ErrAbnormalExit", err)
	}
}

func TestUploadPackAcceptsGzipBody(t *testing.T) {
	ls := newLiveServer(t)
	work := t.TempDir()
	runGit(t, work, "init", "-q")
	runGit(t, work, "checkout", "-q", "-b", "main")
	head := commitFile(t, work, "README", "hello\n")
	runGit(t, work, "push", "-q", ls.url, "main:refs/heads/main")

	var req bytes.Buffer
	p := newPktBuffer()
	p.linef("want %s no-progress\n", head)
	p.flush()
	p.linef("done\n")
	raw, err := p.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	zw := gzip.NewWriter(&req)
	zw.Write(raw)
	zw.Close()

	httpReq, err := http.NewRequest(http.MethodPost, ls.url+"/git-upload-pack", &req)
	if err != nil {
		t.Fatal(err)
	}
	httpReq.Header.Set("Content-Type", UploadPack.RequestContentType())
	httpReq.Header.Set("Content-Encoding", "gzip")
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/x-git-upload-pack-result" {
		t.Fatalf("content type = %q", got)
	}
	if !bytes.Contains(body, []byte("NAK")) || !bytes.Contains(body, []byte("PACK")) {
		t.Fatalf("response does not look like a pack exchange: %q", body[:min(len(body), 64)])
	}
}

func TestPushToInactiveRepositoryIsRejected(t *testing.T) {
	ls := newLiveServer(t)
	ls.resolver.setActive("demo", false)

	work := t.TempDir()
	runGit(t, work, "init", "-q")
	runGit(t, work, "checkout", "-q", "-b", "main")
	commitFile(t, work, "README", "hello\n")
	out, err := gitCommand(t, work, "push", "-q", ls.url, "main:refs/heads/main").CombinedOutput()
	if err == nil {
		t.Fatalf("push to inactive repository succeeded: %s", out)
	}
	if !isExitCode(err, 128) && !isExitCode(err, 1) {
		t.Fatalf("unexpected push failure %v: %s", err, out)
	}
}

func TestFetchSeesPushesWhole(t *testing.T) {
	ls := newLiveServer(t)

	work := t.TempDir()
	runGit(t, work, "init", "-q")
	runGit(t, work, "checkout", "-q", "-b", "main")
	commits := []string{commitFile(t, work, "README", "v0\n")}
	runGit(t, work, "push", "-q", ls.url, "main:refs/heads/main", "main:refs/heads/release")
	for i := 1; i <= 6; i++ {
		commits = append(commits, commitFile(t, work, "README", strings.Repeat("v", i)+"\n"))
	}
	known := make(map[string]bool, len(commits))
	for _, c := range commits {
		known[c] = true
	}

	clones := make([]string, 4)
	for i := range clones {
		clones[i] = filepath.Join(t.TempDir(), "clone")
		runGit(t, filepath.Dir(clones[i]), "clone", "-q", "--bare", ls.url, clones[i])
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, c := range commits[1:] {
			if out, err := gitCommand(t, work, "push", "-q", ls.url, c+":refs/heads/main", c+":refs/heads/release").CombinedOutput(); err != nil {
				t.Errorf("push %s: %v\n%s", c, err, out)
				return
			}
		}
	}()
	for _, clone := range clones {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 5 {
				if out, err := gitCommand(t, clone, "fetch", "-q", "origin", "+refs/heads/*:refs/heads/*").CombinedOutput(); err != nil {
					t.Errorf("fetch: %v\n%s", err, out)
					return
				}
				out, err := gitCommand(t, clone, "rev-parse", "refs/heads/main", "refs/heads/release").CombinedOutput()
				if err != nil {
					t.Errorf("rev-parse: %v\n%s", err, out)
					return
				}
				refs := strings.Fields(string(out))
				if len(refs) != 2 || refs[0] != refs[1] || !known[refs[0]] {
					t.Errorf("fetch observed a partial push: main/release = %v", refs)
					return
				}
			}
		}()
	}
	wg.Wait()

	final := commits[len(commits)-1]
	for _, clone := range clones {
		runGit(t, clone, "fetch", "-q", "origin", "+refs/heads/*:refs/heads/*")
		if got := strings.TrimSpace(runGit(t, clone, "rev-parse", "refs/heads/main")); got != final {
			t.Fatalf("main after all pushes = %s, want %s", got, final)
		}
	}
}
