package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/odvcencio/harbr/internal/gitinterop"
)

// RemoteCheck is the outcome of probing a URL with `git ls-remote`.
type RemoteCheck struct {
	IsGitServer bool   `json:"is_git_server"`
	Details     string `json:"details,omitempty"`
	Error       string `json:"error,omitempty"`
}

// RemoteChecker tells whether a URL is served by a git server.
type RemoteChecker struct {
	git     *gitinterop.Toolchain
	timeout time.Duration
}

func NewRemoteChecker(git *gitinterop.Toolchain, timeout time.Duration) *RemoteChecker {
	return &RemoteChecker{git: git, timeout: timeout}
}

// Check probes rawURL. Only a malformed URL is returned as an error; an unreachable or
// non-git remote is reported in the result.
func (c *RemoteChecker) Check(ctx context.Context, rawURL string) (RemoteCheck, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return RemoteCheck{}, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || (u.Host == "" && u.Scheme != "file") {
		return RemoteCheck{}, fmt.Errorf("url %q must be absolute", rawURL)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	_, err = c.git.LsRemote(ctx, u.String())
	if err == nil {
		return RemoteCheck{IsGitServer: true, Details: "Connected to " + u.String()}, nil
	}
	var exitErr *gitinterop.AbnormalExitError
	switch {
	case errors.As(err, &exitErr):
		msg := strings.TrimSpace(exitErr.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("git ls-remote exited with status %d", exitErr.Code)
		}
		return RemoteCheck{Error: msg}, nil
	case errors.Is(err, gitinterop.ErrSpawnFailed):
		return RemoteCheck{}, err
	default:
		return RemoteCheck{Error: fmt.Sprintf("Failed to reach server %s: %v", u, err)}, nil
	}
}
