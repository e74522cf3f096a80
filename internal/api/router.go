package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/odvcencio/harbr/internal/auth"
	"github.com/odvcencio/harbr/internal/database"
	"github.com/odvcencio/harbr/internal/gitinterop"
	"github.com/odvcencio/harbr/internal/jobs"
	"github.com/odvcencio/harbr/internal/repolock"
	"github.com/odvcencio/harbr/internal/service"
	"github.com/prometheus/client_golang/prometheus"
)

type ServerOptions struct {
	// GitPrefix is where the smart HTTP routes are mounted. Defaults to "/git".
	GitPrefix string
	// AuthEnabled requires credentials for pushes, private repositories and mutations.
	AuthEnabled        bool
	CORSAllowedOrigins []string
	TrustedProxies     []string
	GitTimeout         time.Duration
	CheckTimeout       time.Duration
	// Maintenance receives a job after every push that updated refs. Nil disables it.
	Maintenance *jobs.Queue
	Registerer  prometheus.Registerer
	Gatherer    prometheus.Gatherer
	Logger      *slog.Logger
}

type Server struct {
	db       database.DB
	authSvc  *auth.Service
	registry *service.RepoRegistry
	checker  *service.RemoteChecker
	locks    *repolock.Table
	git      *gitinterop.Toolchain
	opts     ServerOptions
	logger   *slog.Logger
	clientIP *clientIPResolver

	mux     *http.ServeMux
	handler http.Handler
}

func NewServer(db database.DB, authSvc *auth.Service, registry *service.RepoRegistry, locks *repolock.Table, git *gitinterop.Toolchain, opts ServerOptions) *Server {
	if opts.GitPrefix == "" {
		opts.GitPrefix = "/git"
	}
	opts.GitPrefix = "/" + strings.Trim(opts.GitPrefix, "/")
	if opts.Registerer == nil && opts.Gatherer == nil {
		reg := prometheus.NewRegistry()
		opts.Registerer, opts.Gatherer = reg, reg
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		db:       db,
		authSvc:  authSvc,
		registry: registry,
		checker:  service.NewRemoteChecker(git, opts.CheckTimeout),
		locks:    locks,
		git:      git,
		opts:     opts,
		logger:   opts.Logger,
		clientIP: newClientIPResolver(opts.TrustedProxies),
		mux:      http.NewServeMux(),
	}

	gitMetrics := gitinterop.NewMetrics(opts.Registerer)
	locks.SetObserver(gitMetrics.LockObserver())
	hooks := gitinterop.HandlerOptions{
		Prefix:    opts.GitPrefix,
		Authorize: s.authorizeProtocolRepoAccess,
		Metrics:   gitMetrics,
		Logger:    opts.Logger.With("component", "git"),
	}
	if opts.Maintenance != nil {
		hooks.AfterPush = jobs.EnqueueAfterPush(opts.Maintenance, opts.Logger)
	}
	gitHandler := gitinterop.NewSmartHTTPHandler(registry, locks,
		gitinterop.NewRefAdvertiser(locks),
		gitinterop.NewPackBridge(git, locks, opts.GitTimeout),
		hooks)

	s.routes(gitHandler)
	s.handler = chainMiddleware(s.mux,
		requestTracingMiddleware,
		func(next http.Handler) http.Handler {
			return requestMetricsMiddleware(newHTTPMetrics(opts.Registerer), next)
		},
		requestIDMiddleware,
		requestLoggingMiddleware(s.logger, s.clientIP),
		corsMiddleware(opts.CORSAllowedOrigins),
		requestBodyLimitMiddleware(opts.GitPrefix),
		auth.Middleware(authSvc),
	)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes(gitHandler *gitinterop.SmartHTTPHandler) {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", metricsHandler(s.opts.Gatherer))

	// Auth
	s.mux.HandleFunc("POST /auth/token", s.handleIssueToken)

	// Repositories
	s.mux.HandleFunc("POST /repos", s.requireAuth(s.handleCreateRepo))
	s.mux.HandleFunc("GET /repos", s.handleListRepos)
	s.mux.HandleFunc("GET /repos/{name}", s.handleGetRepo)
	s.mux.HandleFunc("PATCH /repos/{name}", s.requireAuth(s.handleUpdateRepo))
	s.mux.HandleFunc("DELETE /repos/{name}", s.requireAuth(s.handleDeleteRepo))
	s.mux.HandleFunc("GET /repos/{name}/maintenance", s.handleGetRepoMaintenance)

	// Remote probe
	s.mux.HandleFunc("POST /check", s.handleCheck)

	// Git smart HTTP
	gitHandler.RegisterRoutes(s.mux)
}

type middlewareFunc func(http.Handler) http.Handler

// chainMiddleware wraps h so the first middleware is the outermost.
func chainMiddleware(h http.Handler, middleware ...middlewareFunc) http.Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}

// requireAuth rejects anonymous callers when auth is enabled. Basic credentials are
// accepted as well as bearer tokens.
func (s *Server) requireAuth(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.opts.AuthEnabled {
			fn(w, r)
			return
		}
		claims, err := s.requestClaims(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", basicChallenge)
			jsonError(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		if claims == nil {
			w.Header().Set("WWW-Authenticate", basicChallenge)
			jsonError(w, "authentication required", http.StatusUnauthorized)
			return
		}
		fn(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	}
}
