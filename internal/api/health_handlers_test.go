package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/odvcencio/harbr/internal/auth"
	"github.com/odvcencio/harbr/internal/database"
	"github.com/odvcencio/harbr/internal/gitinterop"
	"github.com/odvcencio/harbr/internal/jobs"
	"github.com/odvcencio/harbr/internal/repolock"
	"github.com/odvcencio/harbr/internal/service"
)

func TestHealthEndpointReportsQueueAndGit(t *testing.T) {
	server := setupInternalTestServer(t, "git", true)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp := httptest.NewRecorder()
	server.ServeHTTP(resp, req)

	var body healthResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if !body.Queue.Enabled {
		t.Fatal("expected maintenance queue to be reported as enabled")
	}
	if body.Queue.Depth != 0 {
		t.Fatalf("expected queue depth 0, got %d", body.Queue.Depth)
	}
	if body.Git.Available {
		if resp.Code != http.StatusOK || body.Status != "ok" {
			t.Fatalf("expected ok health, got %d %q", resp.Code, body.Status)
		}
	}
}

func TestHealthEndpointDegradedWithoutGit(t *testing.T) {
	server := setupInternalTestServer(t, filepath.Join(t.TempDir(), "no-such-git"), false)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp := httptest.NewRecorder()
	server.ServeHTTP(resp, req)

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", resp.Code)
	}
	var body healthResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if body.Status != "degraded" || body.Git.Available {
		t.Fatalf("expected degraded without git, got %+v", body)
	}
	if len(body.Errors) != 1 || body.Errors[0] != "git_unavailable" {
		t.Fatalf("unexpected errors %v", body.Errors)
	}
	if body.Queue.Enabled {
		t.Fatal("expected maintenance queue to be disabled")
	}
}

func TestMetricsEndpointExposesGitAndHTTPMetrics(t *testing.T) {
	server := setupInternalTestServer(t, "git", false)

	server.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/git/missing/info/refs?service=git-upload-pack", nil))

	resp := httptest.NewRecorder()
	server.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	body := resp.Body.String()
	for _, name := range []string{"harbr_http_requests_total", "harbr_git_exchanges_total"} {
		if !containsLine(body, name) {
			t.Fatalf("expected scrape output to contain %q", name)
		}
	}
}

func setupInternalTestServer(t *testing.T, gitBinary string, maintenance bool) *Server {
	t.Helper()
	return newInternalTestServer(t, gitBinary, maintenance, ServerOptions{})
}

func newInternalTestServer(t *testing.T, gitBinary string, maintenance bool, opts ServerOptions) *Server {
	t.Helper()
	tmpDir := t.TempDir()

	db, err := database.OpenSQLite(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	if maintenance {
		opts.Maintenance = jobs.NewQueue(db, jobs.QueueOptions{})
	}
	authSvc := auth.NewService("test-secret-123456", 24*time.Hour)
	locks := repolock.NewTable()
	git := gitinterop.NewToolchain(gitBinary, 0)
	registry := service.NewRepoRegistry(db, locks, git, filepath.Join(tmpDir, "repos"))
	return NewServer(db, authSvc, registry, locks, git, opts)
}
