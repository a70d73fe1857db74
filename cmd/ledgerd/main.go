// Command ledgerd runs the receipt ledger and task/lease HTTP API.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/pstryder/ledger/pkg/api"
	"github.com/pstryder/ledger/pkg/audit"
	"github.com/pstryder/ledger/pkg/auth"
	"github.com/pstryder/ledger/pkg/config"
	"github.com/pstryder/ledger/pkg/identity"
	"github.com/pstryder/ledger/pkg/kernel"
	"github.com/pstryder/ledger/pkg/ledger"
	"github.com/pstryder/ledger/pkg/lease"
	"github.com/pstryder/ledger/pkg/reaper"
	"github.com/pstryder/ledger/pkg/task"
)

func main() {
	cfg := config.Load()

	logLevel := slog.LevelInfo
	if cfg.LogLevel == "DEBUG" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		slog.Warn("database not reachable at startup, continuing (will retry per-request)", "error", err)
	}
	migrate(db)

	receiptLedger := ledger.NewPostgresLedger(db)
	taskStore := task.NewPostgresStore(db)
	leaseManager := lease.NewPostgresManager(db, cfg.DefaultLeaseTTL, cfg.MaxLeaseTTL)

	sweeper := reaper.New(leaseManager, cfg.ReaperInterval)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go sweeper.Run(ctx)
	defer sweeper.Stop()

	var validator *auth.JWTValidator
	if cfg.JWTPublicKeyPath == "" {
		slog.Warn("JWT_PUBLIC_KEY_PATH not set, minting an ephemeral in-memory key set for local development only")
		keySet, err := identity.NewInMemoryKeySet()
		if err != nil {
			slog.Error("failed to initialize identity key set", "error", err)
			os.Exit(1)
		}
		validator = auth.NewJWTValidator(keySet)
	} else {
		slog.Error("file-backed key set loading is not implemented; set no JWT_PUBLIC_KEY_PATH to run with an ephemeral dev key set")
		os.Exit(1)
	}

	var limiterStore kernel.LimiterStore
	if cfg.RedisURL != "" {
		opts, err := parseRedisURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		limiterStore = kernel.NewRedisLimiterStore(opts.addr, opts.password, opts.db)
	} else {
		slog.Warn("REDIS_URL not set, falling back to a single-instance in-memory rate limiter")
		limiterStore = kernel.NewInMemoryLimiterStore()
	}
	policy := kernel.BackpressurePolicy{
		RPM:   cfg.RateLimitRPM,
		Burst: cfg.RateLimitBurst,
	}

	idempotencyStore := api.NewPostgresIdempotencyStore(db, 24*time.Hour)
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			idempotencyStore.Cleanup()
		}
	}()

	router := api.NewRouter(api.RouterDeps{
		Ledger:        receiptLedger,
		TaskStore:     taskStore,
		LeaseManager:  leaseManager,
		ChainDepthCap: 0,
		Idempotency:   idempotencyStore,
		Audit:         audit.NewLogger(),
	})

	ipLimiter := api.NewGlobalRateLimiter(cfg.RateLimitRPM/60+1, cfg.RateLimitBurst)
	cors := auth.CORSMiddleware(nil)

	handler := auth.RequestIDMiddleware(
		cors(
			ipLimiter.Middleware(
				auth.NewMiddleware(validator)(
					auth.RateLimitMiddleware(limiterStore, policy)(router),
				),
			),
		),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ledgerd listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
}

type redisOpts struct {
	addr     string
	password string
	db       int
}

// parseRedisURL accepts redis://[:password@]host:port[/db].
func parseRedisURL(raw string) (redisOpts, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return redisOpts{}, fmt.Errorf("parsing REDIS_URL: %w", err)
	}
	opts := redisOpts{addr: u.Host}
	if pw, ok := u.User.Password(); ok {
		opts.password = pw
	}
	if path := strings.TrimPrefix(u.Path, "/"); path != "" {
		n, err := strconv.Atoi(path)
		if err != nil {
			return redisOpts{}, fmt.Errorf("parsing REDIS_URL db index: %w", err)
		}
		opts.db = n
	}
	return opts, nil
}

// migrate applies the schema each package owns. Every kept package exposes
// its own Schema() so the daemon never has to know column-level detail
// about a store it doesn't otherwise touch.
func migrate(db *sql.DB) {
	for _, stmt := range []string{ledger.Schema(), task.Schema(), lease.Schema(), api.IdempotencySchema()} {
		if _, err := db.Exec(stmt); err != nil {
			slog.Error("schema migration failed", "error", err)
			os.Exit(1)
		}
	}
}
