// Package hub is the main orchestrator that ties all billing components together.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/directoryhub/directory-hub/internal/api"
	"github.com/directoryhub/directory-hub/internal/auth"
	"github.com/directoryhub/directory-hub/internal/billing"
	"github.com/directoryhub/directory-hub/internal/config"
	"github.com/directoryhub/directory-hub/internal/email"
	"github.com/directoryhub/directory-hub/internal/store"
	"github.com/directoryhub/directory-hub/internal/tasks"
)

// Hub is the main hub process.
type Hub struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	tasks        *tasks.Runner
	api          *api.Server
	logger       *slog.Logger
}

// Options overrides collaborators that are normally built from config.
type Options struct {
	// Gateway replaces the Stripe client.
	Gateway billing.Gateway
	// Sender replaces the configured email sender.
	Sender email.Sender
}

// New creates a new hub from configuration.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	gateway := opts.Gateway
	if gateway == nil {
		gateway = billing.NewStripeGateway(cfg.Billing.StripeSecretKey)
	}
	sender := opts.Sender
	if sender == nil {
		sender = email.NewSender(cfg.Email, cfg.Platform.ServiceKey, logger)
	}

	runner := tasks.NewRunner(logger, cfg.Email.Timeout.Duration+5*time.Second)
	reconciler := billing.NewReconciler(db, gateway, runner, sender, cfg.Server.BaseURL, logger)
	checkout := billing.NewCheckout(db, gateway, billing.PlanFromConfig(cfg.Billing), cfg.Server.BaseURL, logger)
	webhook := billing.NewWebhookHandler(cfg.Billing.StripeWebhookSecret, reconciler, logger)

	apiSrv := api.NewServer(db, authProvider, checkout, webhook, cfg, logger)

	h := &Hub{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		tasks:        runner,
		api:          apiSrv,
		logger:       logger.With("component", "hub"),
	}

	if !webhook.Verifying() {
		logger.Warn("STRIPE_WEBHOOK_SECRET is not set, webhook signatures are NOT verified (development only)")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	logger.Info("hub configured",
		"storage", cfg.Storage.Driver,
		"auth", authProvider.Name(),
		"environment", cfg.Server.Environment,
	)

	return h, nil
}

// Handler returns the HTTP handler serving the API.
func (h *Hub) Handler() http.Handler {
	return h.api.Handler()
}

// Run starts the HTTP server and blocks until the context is canceled or the
// listener fails. On the way out it drains background tasks and closes the store.
func (h *Hub) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.cfg.Server.Addr)
	if err != nil {
		h.close()
		return fmt.Errorf("listen %s: %w", h.cfg.Server.Addr, err)
	}
	return h.serve(ctx, ln)
}

func (h *Hub) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Rate limiter cleanup stops with the group.
	h.api.StartBackgroundTasks(gctx)

	g.Go(func() error {
		h.logger.Info("hub listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}
		return nil
	})

	runErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), h.cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := h.tasks.Wait(drainCtx); err != nil {
		h.logger.Warn("background tasks did not finish before shutdown", "error", err)
	}

	h.close()
	h.logger.Info("shutdown complete")

	if runErr != nil {
		return runErr
	}
	return ctx.Err()
}

func (h *Hub) close() {
	if c, ok := h.authProvider.(io.Closer); ok {
		_ = c.Close()
	}
	h.logger.Info("closing store")
	if err := h.store.Close(); err != nil {
		h.logger.Warn("close store failed", "error", err)
	}
}
