package gitinterop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/odvcencio/harbr/internal/models"
	"github.com/odvcencio/harbr/internal/repolock"
)

type sessionAction int

const (
	actionInfoRefs sessionAction = iota
	actionUploadPack
	actionReceivePack
)

func (a sessionAction) String() string {
	switch a {
	case actionInfoRefs:
		return "info-refs"
	case actionUploadPack:
		return "upload-pack"
	case actionReceivePack:
		return "receive-pack"
	default:
		return "unknown"
	}
}

type sessionState int

const (
	stateReceived sessionState = iota
	stateNameValidated
	stateRepoResolved
	stateLockAcquired
	stateStreaming
	stateCompleted
	stateFailed
)

func (s sessionState) String() string {
	switch s {
	case stateReceived:
		return "received"
	case stateNameValidated:
		return "name_validated"
	case stateRepoResolved:
		return "repo_resolved"
	case stateLockAcquired:
		return "lock_acquired"
	case stateStreaming:
		return "streaming"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s sessionState) terminal() bool {
	return s == stateCompleted || s == stateFailed
}

// stateHandlers holds exactly one step function per non-terminal state. Each step performs
// the work that leads out of its state and returns the next state.
var stateHandlers = map[sessionState]func(*protocolSession) sessionState{
	stateReceived:      (*protocolSession).onReceived,
	stateNameValidated: (*protocolSession).onNameValidated,
	stateRepoResolved:  (*protocolSession).onRepoResolved,
	stateLockAcquired:  (*protocolSession).onLockAcquired,
	stateStreaming:     (*protocolSession).onStreaming,
}

// protocolSession is the per-request state. It never outlives the handler call.
type protocolSession struct {
	h      *SmartHTTPHandler
	w      http.ResponseWriter
	r      *http.Request
	ctx    context.Context
	start  time.Time
	action sessionAction

	repoName string
	service  Service
	repo     *models.Repository
	guard    *repolock.Guard
	updates  []RefUpdate

	advertisement []byte
	body          io.Reader
	cleanup       func()

	state    sessionState
	trace    []sessionState
	exchange ExchangeResult
	status   int
	err      error
	abort    bool
}

// drive runs the state machine to a terminal state. The guard is always released before it
// returns, including when a step panics.
func (s *protocolSession) drive() {
	defer func() {
		if s.cleanup != nil {
			s.cleanup()
		}
		s.guard.Release()
	}()
	s.trace = append(s.trace, s.state)
	for !s.state.terminal() {
		step := stateHandlers[s.state]
		s.state = step(s)
		s.trace = append(s.trace, s.state)
	}
	if s.state == stateFailed {
		s.respondError()
		return
	}
	s.guard.Release()
	if s.action == actionReceivePack && len(s.updates) > 0 && s.h.opts.AfterPush != nil {
		s.h.opts.AfterPush(context.WithoutCancel(s.ctx), s.repo, s.updates)
	}
}

func (s *protocolSession) fail(status int, err error) sessionState {
	s.status = status
	s.err = err
	return stateFailed
}

// onReceived checks the service and the repository name.
func (s *protocolSession) onReceived() sessionState {
	switch s.action {
	case actionInfoRefs:
		raw := s.r.URL.Query().Get("service")
		svc, ok := ParseService(raw)
		if !ok {
			if raw == "" {
				return s.fail(http.StatusForbidden, errors.New("service parameter required"))
			}
			return s.fail(http.StatusForbidden, fmt.Errorf("unsupported service %q", raw))
		}
		s.service = svc
	case actionUploadPack:
		s.service = UploadPack
	case actionReceivePack:
		s.service = ReceivePack
	default:
		return s.fail(http.StatusForbidden, errors.New("unsupported action"))
	}
	s.h.opts.Metrics.sessionStarted(s.service)

	s.repoName = NameFromPath(s.repoName)
	if err := ValidateName(s.repoName); err != nil {
		return s.fail(http.StatusNotFound, err)
	}
	return stateNameValidated
}

// onNameValidated resolves the record, checks access and reads the request preamble.
func (s *protocolSession) onNameValidated() sessionState {
	repo, err := s.h.repos.Lookup(s.ctx, s.repoName)
	if err != nil {
		return s.fail(lookupStatus(err), err)
	}
	s.repo = repo
	if authorize := s.h.opts.Authorize; authorize != nil {
		if status, err := authorize(s.w, s.r, repo, s.service.Writes()); err != nil {
			return s.fail(status, err)
		}
	}
	if s.action != actionInfoRefs {
		if err := s.prepareBody(); err != nil {
			return s.fail(bodyStatus(err), err)
		}
	}
	return stateRepoResolved
}

// prepareBody reads what the session needs from the request body before any guard is
// taken, so a stalled client cannot hold the repository. The reads share the exchange
// timeout.
func (s *protocolSession) prepareBody() error {
	rc := http.NewResponseController(s.w)
	if timeout := s.h.bridge.Timeout(); timeout > 0 {
		if err := rc.SetReadDeadline(time.Now().Add(timeout)); err == nil {
			defer rc.SetReadDeadline(time.Time{})
		}
	}

	body, cleanup, err := decodeRequestBody(s.w, s.r)
	s.cleanup = cleanup
	if err != nil {
		return err
	}
	if s.service == ReceivePack {
		updates, replay, err := peekRefUpdates(body)
		if err != nil {
			return err
		}
		s.updates = updates
		body = requestBody{Reader: replay, rc: rc}
	}
	s.body = body
	return nil
}

// onRepoResolved waits for the guard the service needs.
func (s *protocolSession) onRepoResolved() sessionState {
	guard, err := s.h.locks.Acquire(s.ctx, s.repoName, s.service.LockMode())
	if err != nil {
		return s.fail(http.StatusServiceUnavailable, fmt.Errorf("wait for repository lock: %w", err))
	}
	s.guard = guard

	// The repository may have been deactivated while this session waited for the guard.
	repo, err := s.h.repos.Lookup(s.ctx, s.repoName)
	if err != nil {
		return s.fail(lookupStatus(err), err)
	}
	s.repo = repo
	return stateLockAcquired
}

// onLockAcquired prepares everything that can still fail with a clean status.
func (s *protocolSession) onLockAcquired() sessionState {
	if s.action == actionInfoRefs {
		body, err := s.h.advertiser.Render(s.repo.StoragePath, s.service)
		if err != nil {
			return s.fail(http.StatusInternalServerError, err)
		}
		s.advertisement = body
	}
	return stateStreaming
}

// onStreaming sends the response. Failures past the first byte cannot become a status.
func (s *protocolSession) onStreaming() sessionState {
	if s.action == actionInfoRefs {
		hdr := s.w.Header()
		hdr.Set("Content-Type", s.service.AdvertisementContentType())
		hdr.Set("Cache-Control", "no-cache")
		s.w.WriteHeader(http.StatusOK)
		n, err := s.w.Write(s.advertisement)
		s.exchange = ExchangeResult{BytesOut: int64(n), Started: true}
		if err != nil {
			return s.fail(http.StatusInternalServerError, &ExchangeError{Service: string(s.service), Started: true, Err: fmt.Errorf("%w: %v", ErrIOFailure, err)})
		}
		return stateCompleted
	}

	hdr := s.w.Header()
	hdr.Set("Content-Type", s.service.ResultContentType())
	hdr.Set("Cache-Control", "no-cache")
	result, err := s.h.bridge.Stream(s.ctx, s.repo.StoragePath, s.service, s.body, s.w)
	s.exchange = result
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return s.fail(http.StatusGatewayTimeout, err)
		}
		return s.fail(http.StatusInternalServerError, err)
	}
	return stateCompleted
}

// respondError turns a failure into an HTTP status when nothing has been sent yet and
// marks the connection for abort otherwise.
func (s *protocolSession) respondError() {
	if s.exchange.Started || ResponseStarted(s.err) {
		s.abort = true
		return
	}
	msg := http.StatusText(s.status)
	if s.err != nil && s.status < http.StatusInternalServerError {
		msg = s.err.Error()
	}
	s.w.Header().Del("Cache-Control")
	http.Error(s.w, msg, s.status)
}

func (s *protocolSession) resultLabel() string {
	switch {
	case s.state == stateCompleted:
		return "ok"
	case s.abort:
		return "aborted"
	case s.status == http.StatusGatewayTimeout, s.status == http.StatusRequestTimeout:
		return "timeout"
	case s.status == http.StatusServiceUnavailable:
		return "unavailable"
	case s.status >= http.StatusInternalServerError:
		return "error"
	default:
		return "rejected"
	}
}

func (s *protocolSession) traceString() string {
	parts := make([]string, len(s.trace))
	for i, st := range s.trace {
		parts[i] = st.String()
	}
	return strings.Join(parts, ">")
}

func bodyStatus(err error) int {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return http.StatusRequestTimeout
	}
	return http.StatusBadRequest
}

func lookupStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInactive), errors.Is(err, ErrInvalidName):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
