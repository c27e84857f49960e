// ABOUTME: Gateway orchestrator that wires the store, services, and HTTP server
// ABOUTME: Manages the server lifecycle, the liveness sweeper, and health endpoints

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/2389/dockhand/internal/agent"
	"github.com/2389/dockhand/internal/auth"
	"github.com/2389/dockhand/internal/config"
	"github.com/2389/dockhand/internal/deploy"
	"github.com/2389/dockhand/internal/dispatch"
	"github.com/2389/dockhand/internal/idempotency"
	"github.com/2389/dockhand/internal/notify"
	"github.com/2389/dockhand/internal/protocol"
	"github.com/2389/dockhand/internal/store"
	"github.com/2389/dockhand/internal/tasks"
)

// Gateway owns the controller's components and serves its HTTP API.
type Gateway struct {
	config     *config.Config
	store      store.Store
	registry   *agent.Registry
	queue      *tasks.Queue
	reconciler *deploy.Reconciler
	dispatcher *dispatch.Dispatcher
	sweeper    *agent.Sweeper
	httpServer *http.Server
	router     *mux.Router
	logger     *slog.Logger

	// broadcaster wakes agent streams when tasks are queued
	broadcaster *notify.Broadcaster

	// idempotency replays dispatch responses; nil when disabled
	idempotency idempotency.Store

	// verifier checks operator JWTs; nil when operator auth is disabled
	verifier auth.TokenVerifier

	// heartbeatLimiter bounds heartbeat load across all agents
	heartbeatLimiter *rate.Limiter

	// streamPing is the WebSocket keepalive interval
	streamPing time.Duration
}

// Params assembles a Gateway from already-constructed dependencies.
type Params struct {
	Config      *config.Config
	Store       store.Store
	Idempotency idempotency.Store // optional
	Logger      *slog.Logger
	// Now overrides the clock for every service. Defaults to time.Now.
	Now func() time.Time
	// BcryptCost overrides agent token hashing cost. Zero uses the default.
	BcryptCost int
	// StreamPing overrides the WebSocket keepalive interval.
	StreamPing time.Duration
}

// initStore creates the store selected by config. DOCKHAND_DB_PATH overrides
// the SQLite path.
func initStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		s, err := store.NewPostgresStore(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	default:
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("DOCKHAND_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	}
}

// initIdempotency creates the configured idempotency backend, or nil when disabled.
func initIdempotency(ctx context.Context, cfg *config.Config) (idempotency.Store, error) {
	if !cfg.Idempotency.IsEnabled() {
		return nil, nil
	}
	switch cfg.Idempotency.Backend {
	case config.BackendRedis:
		s, err := idempotency.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Idempotency.TTL)
		if err != nil {
			return nil, fmt.Errorf("initializing idempotency store: %w", err)
		}
		return s, nil
	default:
		return idempotency.NewMemoryStore(cfg.Idempotency.TTL, cfg.Idempotency.MaxEntries), nil
	}
}

// New creates a Gateway with the store and idempotency backend selected by cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	idem, err := initIdempotency(ctx, cfg)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	gw, err := NewWithParams(Params{Config: cfg, Store: s, Idempotency: idem, Logger: logger})
	if err != nil {
		_ = s.Close()
		if idem != nil {
			_ = idem.Close()
		}
		return nil, err
	}
	return gw, nil
}

// NewWithParams wires services around p.Store and builds the HTTP server.
func NewWithParams(p Params) (*Gateway, error) {
	cfg := p.Config
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	streamPing := p.StreamPing
	if streamPing <= 0 {
		streamPing = defaultStreamPing
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
		logger.Info("operator auth enabled")
	} else {
		logger.Warn("operator auth disabled - no jwt_secret configured")
	}

	registry := agent.NewRegistry(p.Store, logger, agent.Options{
		LivenessTimeout: cfg.Agents.LivenessTimeout,
		RequireToken:    cfg.Agents.TokensRequired(),
		EnrollmentKey:   cfg.Agents.EnrollmentKey,
		BcryptCost:      p.BcryptCost,
		Now:             now,
	})
	if !registry.TokensRequired() {
		logger.Warn("agent tokens disabled - any caller knowing an agent ID can poll for it")
	}

	broadcaster := notify.NewBroadcaster(logger)
	reconciler := deploy.NewReconciler(deploy.Params{Store: p.Store, Logger: logger, Now: now})
	queue := tasks.NewQueue(tasks.Params{
		Store:    p.Store,
		Agents:   registry,
		Observer: reconciler,
		Notifier: broadcaster,
		Logger:   logger,
		Now:      now,
	})

	gw := &Gateway{
		config:           cfg,
		store:            p.Store,
		registry:         registry,
		queue:            queue,
		reconciler:       reconciler,
		dispatcher:       dispatch.New(registry, queue, reconciler, logger),
		broadcaster:      broadcaster,
		idempotency:      p.Idempotency,
		verifier:         verifier,
		heartbeatLimiter: rate.NewLimiter(rate.Limit(cfg.Agents.HeartbeatRate), cfg.Agents.HeartbeatBurst),
		streamPing:       streamPing,
		logger:           logger.With("component", "gateway"),
	}
	if cfg.Agents.SweepInterval > 0 {
		gw.sweeper = agent.NewSweeper(registry, cfg.Agents.SweepInterval, logger)
	}

	gw.router = gw.buildRouter()
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	return gw, nil
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// startServer starts the HTTP server in a goroutine, returning error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run serves HTTP on the configured address and blocks until ctx is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	g.logger.Info("starting gateway",
		"http_addr", ln.Addr().String(),
		"database", g.config.Database.Driver,
		"liveness_timeout", g.config.Agents.LivenessTimeout,
	)

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	if g.sweeper != nil {
		go g.sweeper.Run(sweepCtx)
	}

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)
	stopSweeper()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout, since
// the caller's context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Closing the broadcaster ends open agent streams.
	g.broadcaster.Close()

	if g.idempotency != nil {
		errs = appendCloseError(errs, "idempotency close", g.idempotency.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	protocol.WriteJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok"})
}

// pinger is implemented by backends that can check their connection.
type pinger interface {
	Ping(ctx context.Context) error
}

// handleReady returns 200 OK if the store and, when networked, the
// idempotency backend are reachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "dependency", "store", "error", err)
		protocol.WriteJSON(w, http.StatusServiceUnavailable, protocol.HealthResponse{Status: "unavailable", Error: "store unreachable"})
		return
	}
	if p, ok := g.idempotency.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			g.logger.Warn("readiness check failed", "dependency", "idempotency", "error", err)
			protocol.WriteJSON(w, http.StatusServiceUnavailable, protocol.HealthResponse{Status: "unavailable", Error: "idempotency store unreachable"})
			return
		}
	}
	protocol.WriteJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ready"})
}
