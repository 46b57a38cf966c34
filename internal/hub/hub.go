// Package hub is the main orchestrator that ties all server components together.
package hub

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/amurg-ai/parley/internal/api"
	"github.com/amurg-ai/parley/internal/auth"
	"github.com/amurg-ai/parley/internal/config"
	"github.com/amurg-ai/parley/internal/messaging"
	"github.com/amurg-ai/parley/internal/presence"
	"github.com/amurg-ai/parley/internal/realtime"
	"github.com/amurg-ai/parley/internal/store"
)

// Hub is the main server process.
type Hub struct {
	cfg      *config.Config
	store    store.Store
	presence presence.Tracker
	manager  *realtime.Manager
	api      *api.Server
	logger   *slog.Logger
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	tracker, err := presence.New(cfg.Presence, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init presence: %w", err)
	}

	// A fresh process has no live connections, so any presence left behind
	// by a previous run is stale.
	resetCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	n, err := tracker.Reset(resetCtx)
	cancel()
	if err != nil {
		_ = tracker.Close()
		_ = db.Close()
		return nil, fmt.Errorf("reset presence: %w", err)
	}
	if n > 0 {
		logger.Info("cleared stale presence records", "count", n)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry := realtime.NewRegistry(logger)
	metrics := realtime.NewMetrics(reg, registry)
	router := realtime.NewRouter(registry, metrics, logger, cfg.Session.SendTimeout.Duration)
	manager := realtime.NewManager(registry, tracker, metrics, logger, realtime.ManagerOptions{
		CloseSuperseded: cfg.Session.ShouldCloseSuperseded(),
		Audit:           db,
	})
	gateway := realtime.NewGateway(manager, authProvider, logger, realtime.GatewayOptions{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageBytes: cfg.Session.MaxMessageBytes,
		SendTimeout:     cfg.Session.SendTimeout.Duration,
	})

	messages := messaging.NewService(db, router, logger, int(cfg.Session.MaxMessageBytes))

	apiSrv := api.NewServer(api.Deps{
		Store:         db,
		AuthProvider:  authProvider,
		LoginProvider: loginProvider,
		Messages:      messages,
		Presence:      tracker,
		ChatHandler:   gateway.HandleChatWS,
		Gatherer:      reg,
	}, cfg, logger)

	h := &Hub{
		cfg:      cfg,
		store:    db,
		presence: tracker,
		manager:  manager,
		api:      apiSrv,
		logger:   logger.With("component", "hub"),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			h.logger.Warn("allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	h.logger.Info("hub initialized",
		"auth_provider", authProvider.Name(),
		"storage", cfg.Storage.Driver,
		"presence", cfg.Presence.Driver,
	)

	return h, nil
}

// Handler returns the HTTP handler serving the API and the chat socket.
func (h *Hub) Handler() http.Handler {
	return h.api.Handler()
}

// Run starts the HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.cfg.Server.Addr,
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start rate limiter cleanup tasks.
	h.api.StartBackgroundTasks(ctx)

	// Start retention purger.
	if h.cfg.Storage.AuditRetention.Duration > 0 {
		go h.runRetentionPurger(ctx, h.cfg.Storage.AuditRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Sessions drain before the listener and the store go away.
		if err := h.manager.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("sessions did not drain before deadline", "error", err)
		}

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.manager.Shutdown(context.Background())
		h.close()
		return err
	}
}

func (h *Hub) close() {
	if err := h.presence.Close(); err != nil {
		h.logger.Warn("close presence tracker", "error", err)
	}
	h.logger.Info("closing store")
	_ = h.store.Close()
}

func (h *Hub) runRetentionPurger(ctx context.Context, auditRetention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.purgeAudit(ctx, auditRetention)
		}
	}
}

func (h *Hub) purgeAudit(ctx context.Context, auditRetention time.Duration) {
	cutoff := time.Now().Add(-auditRetention)
	if n, err := h.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
		h.logger.Warn("retention purge: audit events failed", "error", err)
	} else if n > 0 {
		h.logger.Info("retention purge: deleted old audit events", "count", n)
	}
}

// NewLogger builds the process logger from the logging config.
func NewLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: logLevel}
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}
