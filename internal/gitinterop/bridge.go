package gitinterop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/odvcencio/harbr/internal/models"
	"github.com/odvcencio/harbr/internal/repolock"
	"golang.org/x/sync/errgroup"
)

// PackBridge pipes a stateless-rpc pack exchange between an HTTP client and a git subprocess.
type PackBridge struct {
	git     *Toolchain
	locks   *repolock.Table
	timeout time.Duration
}

// NewPackBridge returns a bridge. A zero timeout means the subprocess may run as long as
// the request context allows.
func NewPackBridge(git *Toolchain, locks *repolock.Table, timeout time.Duration) *PackBridge {
	return &PackBridge{git: git, locks: locks, timeout: timeout}
}

// Timeout bounds each exchange. Zero means unbounded.
func (b *PackBridge) Timeout() time.Duration { return b.timeout }

// ExchangeResult describes a finished exchange.
type ExchangeResult struct {
	BytesIn  int64
	BytesOut int64
	Started  bool
}

// Exchange takes the guard required by service on repo and streams the exchange.
func (b *PackBridge) Exchange(ctx context.Context, repo *models.Repository, service Service, body io.Reader, out io.Writer) (ExchangeResult, error) {
	guard, err := b.locks.Acquire(ctx, repo.Name, service.LockMode())
	if err != nil {
		return ExchangeResult{}, err
	}
	defer guard.Release()
	return b.Stream(ctx, repo.StoragePath, service, body, out)
}

// Stream runs `git <service> --stateless-rpc dir`, copying body to its stdin and its stdout to
// out concurrently. The caller must hold the guard for service. Failures are returned as
// *ExchangeError so callers can tell whether the client already saw response bytes.
func (b *PackBridge) Stream(ctx context.Context, dir string, service Service, body io.Reader, out io.Writer) (ExchangeResult, error) {
	runCtx, cancel := b.processContext(ctx)
	defer cancel()

	sink := &firstByteWriter{w: out}
	var result ExchangeResult
	fail := func(err error) (ExchangeResult, error) {
		result.Started = sink.started.Load()
		result.BytesOut = sink.n.Load()
		return result, &ExchangeError{Service: string(service), Started: result.Started, Err: err}
	}

	cmd := b.git.StatelessRPC(runCtx, service, dir)
	stderr := newCappedBuffer(b.git.MaxStderrBytes)
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fail(&SpawnError{Binary: b.git.Binary, Err: err})
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail(&SpawnError{Binary: b.git.Binary, Err: err})
	}
	if err := cmd.Start(); err != nil {
		return fail(&SpawnError{Binary: b.git.Binary, Err: err})
	}

	// A body read blocked on a slow client would otherwise outlive the killed process.
	if d, ok := body.(readDeadliner); ok {
		stop := context.AfterFunc(runCtx, func() { d.SetReadDeadline(time.Now()) })
		defer stop()
	}

	var in atomic.Int64
	var g errgroup.Group
	g.Go(func() error {
		defer stdin.Close()
		n, err := io.Copy(stdin, body)
		in.Store(n)
		if err != nil && !isClosedPipe(err) {
			// The client went away or sent a broken body: stop the process.
			cancel()
			return fmt.Errorf("%w: request body: %v", ErrIOFailure, err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := io.Copy(sink, stdout); err != nil {
			cancel()
			// Drain so git is not blocked writing into a full pipe.
			io.Copy(io.Discard, stdout)
			return fmt.Errorf("%w: response: %v", ErrIOFailure, err)
		}
		return nil
	})

	pumpErr := g.Wait()
	waitErr := cmd.Wait()
	result.BytesIn = in.Load()

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return fail(ErrTimeout)
	case ctx.Err() != nil:
		return fail(fmt.Errorf("%w: %v", ErrIOFailure, ctx.Err()))
	case pumpErr != nil:
		return fail(pumpErr)
	case waitErr != nil:
		return fail(exitError(waitErr, stderr.String()))
	}
	result.Started = sink.started.Load()
	result.BytesOut = sink.n.Load()
	return result, nil
}

func (b *PackBridge) processContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout > 0 {
		return context.WithTimeout(ctx, b.timeout)
	}
	return context.WithCancel(ctx)
}

// isClosedPipe reports the errors seen when git exits or closes stdin before the body is
// fully forwarded. The exit status decides the outcome in that case.
func isClosedPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed)
}

// readDeadliner is implemented by request bodies whose blocked reads can be interrupted.
type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

// firstByteWriter records whether anything has been written and flushes every chunk so
// pack data and progress reach the client as git produces them.
type firstByteWriter struct {
	w       io.Writer
	started atomic.Bool
	n       atomic.Int64
}

func (f *firstByteWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	f.started.Store(true)
	n, err := f.w.Write(p)
	f.n.Add(int64(n))
	if err != nil {
		return n, err
	}
	if rw, ok := f.w.(http.ResponseWriter); ok {
		if err := http.NewResponseController(rw).Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return n, err
		}
	}
	return n, nil
}
