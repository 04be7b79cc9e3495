// ABOUTME: Daemon wiring for the router: store, metrics, sessions, router core, and HTTP surfaces.
// ABOUTME: Manages listeners (TCP or tsnet), the pid file, and graceful shutdown ordering.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/tsnet"

	"github.com/itsharex/mcpm.sh/internal/auth"
	"github.com/itsharex/mcpm.sh/internal/config"
	"github.com/itsharex/mcpm.sh/internal/mcp"
	"github.com/itsharex/mcpm.sh/internal/metrics"
	"github.com/itsharex/mcpm.sh/internal/router"
	"github.com/itsharex/mcpm.sh/internal/session"
	"github.com/itsharex/mcpm.sh/internal/store"
)

// Daemon bundles every long-lived component of the router process.
type Daemon struct {
	config   *config.Config
	logger   *slog.Logger
	store    *store.SQLiteStore
	metrics  *metrics.Metrics
	sessions *session.Manager
	router   *router.Router

	httpServer  *http.Server
	tsnetServer *tsnet.Server

	startedAt time.Time
	stop      chan struct{}
}

// New wires a daemon from configuration. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	m := metrics.New()
	sessions := session.NewManager(logger)

	rt := router.New(router.Config{
		Logger:       logger,
		Metrics:      m,
		Auditor:      sqlStore,
		MaxPending:   cfg.Router.MaxPending,
		CallTimeout:  cfg.Router.CallTimeout,
		SwapTimeout:  cfg.Router.SwapTimeout,
		DrainGrace:   cfg.Router.DrainGrace,
		PingInterval: cfg.Router.PingInterval,
		PingTimeout:  cfg.Router.PingTimeout,
	})

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}
	if cfg.Auth.ShareKey == "" && verifier == nil {
		logger.Warn("no share key or JWT secret configured, endpoint is open")
	}

	mcpServer, err := mcp.NewServer(mcp.Config{
		Router:        rt,
		Sessions:      sessions,
		Logger:        logger,
		ShareKey:      cfg.Auth.ShareKey,
		TokenVerifier: verifier,
		RequireAuth:   cfg.Auth.RequireAuth,
	})
	if err != nil {
		sqlStore.Close()
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}

	d := &Daemon{
		config:   cfg,
		logger:   logger.With("component", "daemon"),
		store:    sqlStore,
		metrics:  m,
		sessions: sessions,
		router:   rt,
		stop:     make(chan struct{}),
	}

	mux := http.NewServeMux()
	mcpServer.RegisterRoutes(mux)
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/health/ready", d.handleReady)

	// Control API is guarded separately from the MCP endpoint.
	guard := auth.Middleware(cfg.Auth.ShareKey, verifier)
	mux.Handle("/api/status", guard(http.HandlerFunc(d.handleStatus)))
	mux.Handle("/api/activate", guard(http.HandlerFunc(d.handleActivate)))
	mux.Handle("/api/deactivate", guard(http.HandlerFunc(d.handleDeactivate)))
	mux.Handle("/api/events", guard(http.HandlerFunc(d.handleEvents)))
	mux.Handle("/api/usage", guard(http.HandlerFunc(d.handleUsage)))

	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, m.Handler())
	}

	d.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return d, nil
}

// Router exposes the router core, mainly for tests.
func (d *Daemon) Router() *router.Router {
	return d.router
}

// Run starts the daemon and blocks until the context is canceled or a
// server fails. Returns nil on graceful shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.writePIDFile(); err != nil {
		return err
	}
	d.startedAt = time.Now()

	ln, err := d.setupListener(ctx)
	if err != nil {
		return err
	}

	go d.housekeeping()

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := d.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		d.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		d.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := d.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (d *Daemon) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return d.Shutdown(ctx)
}

// Shutdown stops accepting requests, drains the router, and releases
// resources in dependency order.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var errs []error

	if err := d.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if err := d.router.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("router shutdown: %w", err))
	}
	d.sessions.CloseAll()

	close(d.stop)

	if d.tsnetServer != nil {
		if err := d.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	if err := d.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	d.removePIDFile()

	d.logger.Info("daemon stopped")
	return errors.Join(errs...)
}

// setupListener creates the TCP or tsnet listener based on configuration.
func (d *Daemon) setupListener(ctx context.Context) (net.Listener, error) {
	if d.config.Tailscale.Enabled {
		return d.setupTailscaleListener(ctx)
	}
	return net.Listen("tcp", d.config.Server.Addr())
}

// setupTailscaleListener joins the tailnet and listens there, which is how
// a router gets shared with other machines without exposing localhost.
func (d *Daemon) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := d.config.Tailscale

	stateDir := tsCfg.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(config.DefaultConfigDir(), "tsnet")
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey := tsCfg.AuthKey
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}

	d.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		AuthKey:   authKey,
		Ephemeral: tsCfg.Ephemeral,
		Logf:      func(format string, args ...any) {}, // tsnet is chatty
	}

	status, err := d.tsnetServer.Up(ctx)
	if err != nil {
		_ = d.tsnetServer.Close()
		return nil, fmt.Errorf("joining tailnet: %w", err)
	}
	if len(status.TailscaleIPs) > 0 {
		d.logger.Info("joined tailnet", "hostname", tsCfg.Hostname, "ip", status.TailscaleIPs[0].String())
	}

	ln, err := d.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = d.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailnet: %w", err)
	}
	return ln, nil
}

// housekeeping expires idle sessions and prunes old history.
func (d *Daemon) housekeeping() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			if idle := d.config.Router.SessionIdleTimeout; idle > 0 {
				d.sessions.Sweep(idle)
			}
			d.metrics.SetSessions(d.sessions.Count())
			if retention := d.config.Database.Retention; retention > 0 {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := d.store.Prune(ctx, retention); err != nil {
					d.logger.Warn("pruning history", "error", err)
				}
				cancel()
			}
		}
	}
}
