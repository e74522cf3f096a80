package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/odvcencio/harbr/internal/api"
	"github.com/odvcencio/harbr/internal/auth"
	"github.com/odvcencio/harbr/internal/config"
	"github.com/odvcencio/harbr/internal/database"
	"github.com/odvcencio/harbr/internal/gitinterop"
	"github.com/odvcencio/harbr/internal/jobs"
	"github.com/odvcencio/harbr/internal/repolock"
	"github.com/odvcencio/harbr/internal/service"
	"github.com/prometheus/client_golang/prometheus"
)

const usage = `Usage: harbr <command>

Commands:
  serve          Start the server
  migrate        Run database migrations
  token          Issue a bearer token for a configured user
  hash-password  Print a bcrypt hash for auth.users
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "migrate":
		cmdMigrate(os.Args[2:])
	case "token":
		cmdToken(os.Args[2:])
	case "hash-password":
		cmdHashPassword(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Parse(args)

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateServe(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	gitTimeout, _ := cfg.GitTimeout()
	checkTimeout, _ := cfg.CheckTimeout()

	traceShutdown, err := initTracing(context.Background())
	if err != nil {
		slog.Error("init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := traceShutdown(ctx); err != nil {
			slog.Error("shutdown tracing", "error", err)
		}
	}()

	git := gitinterop.NewToolchain(cfg.Git.Binary, cfg.Git.MaxStderrBytes)
	if err := git.Available(); err != nil {
		slog.Error("git binary not found", "binary", cfg.Git.Binary, "error", err)
		os.Exit(1)
	}

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Auto-migrate on startup
	if err := db.Migrate(context.Background()); err != nil {
		slog.Error("migrate", "error", err)
		os.Exit(1)
	}

	authSvc, err := newAuthService(cfg)
	if err != nil {
		slog.Error("init auth", "error", err)
		os.Exit(1)
	}

	locks := repolock.NewTable()
	registry := service.NewRepoRegistry(db, locks, git, cfg.Storage.Path)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var queue *jobs.Queue
	var pool *jobs.WorkerPool
	if cfg.Git.Maintenance {
		queue = jobs.NewQueue(db, jobs.QueueOptions{})
		pool = jobs.NewWorkerPool(queue, jobs.NewGCProcessor(registry, locks, git, slog.Default()), jobs.WorkerPoolOptions{
			Workers: cfg.Git.MaintenanceWorkers,
			Logger:  slog.Default().With("component", "maintenance"),
			Metrics: jobs.NewMetrics(prometheus.DefaultRegisterer),
		})
		if err := pool.Start(ctx); err != nil {
			slog.Error("start maintenance workers", "error", err)
			os.Exit(1)
		}
	}

	server := api.NewServer(db, authSvc, registry, locks, git, api.ServerOptions{
		GitPrefix:          cfg.Server.GitPrefix,
		AuthEnabled:        cfg.Auth.Enabled,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		TrustedProxies:     cfg.Server.TrustedProxies,
		GitTimeout:         gitTimeout,
		CheckTimeout:       checkTimeout,
		Maintenance:        queue,
		Registerer:         prometheus.DefaultRegisterer,
		Gatherer:           prometheus.DefaultGatherer,
		Logger:             slog.Default(),
	})

	// Pack exchanges stream for as long as git.timeout allows, so only headers are bounded.
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("harbr listening", "addr", cfg.Addr(), "git_prefix", cfg.Server.GitPrefix, "auth", cfg.Auth.Enabled)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("listen", "error", err)
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown http server", "error", err)
	}
	if pool != nil {
		if err := pool.Stop(shutdownCtx); err != nil {
			slog.Error("stop maintenance workers", "error", err)
		}
	}
}

func cmdMigrate(args []string) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		slog.Error("migrate", "error", err)
		os.Exit(1)
	}
	slog.Info("migrations complete")
}

func cmdToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	username := fs.String("user", "", "configured user to issue the token for")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	token, err := issueToken(cfg, *username)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func cmdHashPassword(args []string) {
	fs := flag.NewFlagSet("hash-password", flag.ExitOnError)
	fs.Parse(args)

	hash, err := hashPassword(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash password: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

func openDB(cfg *config.Config) (database.DB, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		return database.OpenSQLite(cfg.Database.DSN)
	case "postgres":
		return database.OpenPostgres(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}

func newAuthService(cfg *config.Config) (*auth.Service, error) {
	dur, err := cfg.TokenDuration()
	if err != nil {
		return nil, err
	}
	users := make([]auth.User, 0, len(cfg.Auth.Users))
	for _, u := range cfg.Auth.Users {
		users = append(users, auth.User{Username: strings.TrimSpace(u.Username), PasswordHash: u.PasswordHash})
	}
	return auth.NewService(cfg.Auth.JWTSecret, dur, users...), nil
}

func issueToken(cfg *config.Config, username string) (string, error) {
	if username == "" {
		return "", errors.New("-user is required")
	}
	authSvc, err := newAuthService(cfg)
	if err != nil {
		return "", err
	}
	if !authSvc.HasUser(username) {
		return "", fmt.Errorf("user %q is not configured", username)
	}
	return authSvc.GenerateToken(username)
}

// hashPassword reads one line from r and returns its bcrypt hash.
func hashPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("empty password on stdin")
	}
	return auth.NewService("", time.Hour).HashPassword(password)
}
