package gitinterop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/odvcencio/harbr/internal/models"
	"github.com/odvcencio/harbr/internal/repolock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/odvcencio/harbr/internal/gitinterop"

// RepoResolver maps a validated name to its active record. It returns ErrNotFound or
// ErrInactive for names that cannot be served.
type RepoResolver interface {
	Lookup(ctx context.Context, name string) (*models.Repository, error)
}

// HandlerOptions configures a SmartHTTPHandler.
type HandlerOptions struct {
	// Prefix is prepended to every route, e.g. "/git".
	Prefix string
	// Authorize decides whether r may read (write=false) or push to repo. It returns the
	// status to reply with when access is denied and may set response headers itself.
	Authorize func(w http.ResponseWriter, r *http.Request, repo *models.Repository, write bool) (int, error)
	// AfterPush runs after a successful receive-pack, once the write guard is released.
	AfterPush func(ctx context.Context, repo *models.Repository, updates []RefUpdate)
	Metrics   *Metrics
	Logger    *slog.Logger
}

// SmartHTTPHandler implements the git smart HTTP protocol.
type SmartHTTPHandler struct {
	repos      RepoResolver
	locks      *repolock.Table
	advertiser *RefAdvertiser
	bridge     *PackBridge
	opts       HandlerOptions
	tracer     trace.Tracer
}

func NewSmartHTTPHandler(repos RepoResolver, locks *repolock.Table, advertiser *RefAdvertiser, bridge *PackBridge, opts HandlerOptions) *SmartHTTPHandler {
	opts.Prefix = strings.TrimRight(opts.Prefix, "/")
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SmartHTTPHandler{
		repos:      repos,
		locks:      locks,
		advertiser: advertiser,
		bridge:     bridge,
		opts:       opts,
		tracer:     otel.Tracer(tracerName),
	}
}

// RegisterRoutes sets up git smart HTTP protocol routes.
func (h *SmartHTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	p := h.opts.Prefix
	mux.HandleFunc("GET "+p+"/{repo}/info/refs", h.handleInfoRefs)
	mux.HandleFunc("POST "+p+"/{repo}/git-upload-pack", h.handleUploadPack)
	mux.HandleFunc("POST "+p+"/{repo}/git-receive-pack", h.handleReceivePack)
}

// GET {prefix}/{repo}/info/refs?service=git-upload-pack|git-receive-pack
func (h *SmartHTTPHandler) handleInfoRefs(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, actionInfoRefs)
}

// POST {prefix}/{repo}/git-upload-pack
func (h *SmartHTTPHandler) handleUploadPack(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, actionUploadPack)
}

// POST {prefix}/{repo}/git-receive-pack
func (h *SmartHTTPHandler) handleReceivePack(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, actionReceivePack)
}

// serve drives one protocol session. A failure after the response started aborts the
// connection once the guard has been released.
func (h *SmartHTTPHandler) serve(w http.ResponseWriter, r *http.Request, action sessionAction) {
	s := h.run(w, r, action)
	if s.abort {
		panic(http.ErrAbortHandler)
	}
}

func (h *SmartHTTPHandler) run(w http.ResponseWriter, r *http.Request, action sessionAction) *protocolSession {
	ctx, span := h.tracer.Start(r.Context(), "git.exchange", trace.WithSpanKind(trace.SpanKindInternal))
	s := &protocolSession{
		h:        h,
		w:        w,
		r:        r,
		ctx:      ctx,
		action:   action,
		repoName: r.PathValue("repo"),
		start:    time.Now(),
		state:    stateReceived,
	}
	s.drive()
	s.finish(span)
	return s
}

func (s *protocolSession) finish(span trace.Span) {
	h := s.h
	result := s.resultLabel()
	if s.service != "" {
		h.opts.Metrics.streamed(s.service, s.exchange.BytesIn, s.exchange.BytesOut)
		h.opts.Metrics.sessionFinished(s.service, result)
	}

	span.SetAttributes(
		attribute.String("git.repo", s.repoName),
		attribute.String("git.action", s.action.String()),
		attribute.String("git.service", string(s.service)),
		attribute.String("git.state", s.state.String()),
		attribute.Int64("git.bytes_in", s.exchange.BytesIn),
		attribute.Int64("git.bytes_out", s.exchange.BytesOut),
	)
	if s.abort || (s.err != nil && s.status >= http.StatusInternalServerError) {
		span.RecordError(s.err)
		span.SetStatus(codes.Error, result)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	attrs := []any{
		"repo", s.repoName,
		"action", s.action.String(),
		"state", s.state.String(),
		"trace", s.traceString(),
		"bytes_in", s.exchange.BytesIn,
		"bytes_out", s.exchange.BytesOut,
		"duration", time.Since(s.start),
	}
	var exitErr *AbnormalExitError
	if errors.As(s.err, &exitErr) {
		attrs = append(attrs, "exit_code", exitErr.Code)
	}
	switch {
	case s.err == nil:
		h.opts.Logger.Debug("git session completed", attrs...)
	case s.abort || s.status >= http.StatusInternalServerError:
		h.opts.Logger.Error("git session failed", append(attrs, "status", s.status, "error", s.err)...)
	default:
		h.opts.Logger.Info("git session rejected", append(attrs, "status", s.status, "error", s.err)...)
	}
}

// requestBody lets the bridge interrupt a read blocked on a slow client.
type requestBody struct {
	io.Reader
	rc *http.ResponseController
}

func (b requestBody) SetReadDeadline(t time.Time) error { return b.rc.SetReadDeadline(t) }

func decodeRequestBody(w http.ResponseWriter, r *http.Request) (io.Reader, func(), error) {
	var body io.Reader = r.Body
	cleanup := func() {}
	switch enc := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, cleanup, fmt.Errorf("gzip request body: %w", err)
		}
		body = gz
		cleanup = func() { gz.Close() }
	default:
		return nil, cleanup, fmt.Errorf("unsupported content encoding %q", enc)
	}
	return requestBody{Reader: body, rc: http.NewResponseController(w)}, cleanup, nil
}
