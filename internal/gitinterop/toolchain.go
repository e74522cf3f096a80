package gitinterop

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"
)

const (
	defaultMaxStderrBytes = 64 << 10
	processWaitDelay      = 5 * time.Second
)

// Toolchain runs the external git executable.
type Toolchain struct {
	Binary         string
	MaxStderrBytes int
}

func NewToolchain(binary string, maxStderrBytes int) *Toolchain {
	if binary == "" {
		binary = "git"
	}
	if maxStderrBytes <= 0 {
		maxStderrBytes = defaultMaxStderrBytes
	}
	return &Toolchain{Binary: binary, MaxStderrBytes: maxStderrBytes}
}

// Available reports whether the configured binary can be found.
func (t *Toolchain) Available() error {
	_, err := exec.LookPath(t.Binary)
	return err
}

func (t *Toolchain) command(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, t.Binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_CONFIG_NOSYSTEM=1",
	)
	cmd.WaitDelay = processWaitDelay
	return cmd
}

// run executes git to completion and returns its stdout.
func (t *Toolchain) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := t.command(ctx, dir, args...)
	var stdout bytes.Buffer
	stderr := newCappedBuffer(t.MaxStderrBytes)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Binary: t.Binary, Err: err}
	}
	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return stdout.Bytes(), ErrTimeout
			}
			return stdout.Bytes(), ctxErr
		}
		return stdout.Bytes(), exitError(err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// InitBare creates a bare repository at dir. Nothing is cleaned up on failure.
func (t *Toolchain) InitBare(ctx context.Context, dir string) error {
	_, err := t.run(ctx, "", "init", "--bare", "--quiet", dir)
	if err == nil {
		return nil
	}
	var exitErr *AbnormalExitError
	if errors.As(err, &exitErr) {
		return &InitFailedError{Stderr: exitErr.Stderr, Err: err}
	}
	return &InitFailedError{Err: err}
}

// GC runs `git gc --auto --quiet` in the repository at dir and waits for it. Detaching is
// disabled so the repack never outlives the caller's guard.
func (t *Toolchain) GC(ctx context.Context, dir string) error {
	_, err := t.run(ctx, dir, "-c", "gc.autoDetach=false", "gc", "--auto", "--quiet")
	return err
}

// LsRemote probes url with `git ls-remote --exit-code`. A nil error means the remote
// answered as a git server with at least one ref.
func (t *Toolchain) LsRemote(ctx context.Context, url string) ([]byte, error) {
	return t.run(ctx, "", "ls-remote", "--quiet", "--exit-code", "--", url)
}

// StatelessRPC prepares `git <service> --stateless-rpc <dir>` without starting it.
func (t *Toolchain) StatelessRPC(ctx context.Context, service Service, dir string) *exec.Cmd {
	return t.command(ctx, dir, service.Subcommand(), "--stateless-rpc", dir)
}

func exitError(err error, stderr string) error {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &AbnormalExitError{Code: ee.ExitCode(), Stderr: stderr}
	}
	return err
}

// cappedBuffer keeps the first max bytes written and silently drops the rest so a chatty
// subprocess cannot grow memory without bound.
type cappedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room := c.max - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
