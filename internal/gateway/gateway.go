// ABOUTME: Gateway orchestrator wiring store, auth, lifecycle, proxy and TLS
// ABOUTME: Manages the HTTP(S) listener and graceful shutdown ordering

package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/atelierhq/atelier-gateway/internal/auth"
	"github.com/atelierhq/atelier-gateway/internal/certs"
	"github.com/atelierhq/atelier-gateway/internal/config"
	"github.com/atelierhq/atelier-gateway/internal/lifecycle"
	"github.com/atelierhq/atelier-gateway/internal/proxy"
	"github.com/atelierhq/atelier-gateway/internal/registry"
	"github.com/atelierhq/atelier-gateway/internal/store"
)

// Gateway orchestrates the session gateway components: tenant store,
// authentication, backend lifecycle, routing and TLS.
type Gateway struct {
	config        *config.Config
	store         store.Store
	issuer        *auth.Issuer
	authenticator *auth.Authenticator
	registry      *registry.Registry
	lifecycle     *lifecycle.Manager
	router        *proxy.Router
	certManager   *certs.Manager
	httpServer    *http.Server
	logger        *slog.Logger
}

// initStore creates the store from config, honoring the ATELIER_DB_PATH
// environment override.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("ATELIER_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initCertManager creates the certificate manager when TLS is configured.
// Returns nil when the gateway serves plain HTTP.
func initCertManager(cfg *config.Config, s store.Store, logger *slog.Logger) (*certs.Manager, error) {
	if cfg.TLS.CertFile == "" {
		return nil, nil
	}
	renewer := &certs.CommandRenewer{
		Command: cfg.TLS.RenewCommand,
		Logger:  logger.With("component", "cert-renewer"),
	}
	return certs.NewManager(cfg.Server.Domain, cfg.TLS.CertFile, cfg.TLS.KeyFile,
		certs.Config{
			RenewThreshold: cfg.TLS.RenewThreshold,
			RenewInterval:  cfg.TLS.RenewInterval,
		},
		renewer, s, logger.With("component", "certs"))
}

// New creates a Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	issuer, err := auth.NewIssuer([]byte(cfg.Auth.TokenSecret), cfg.Auth.TokenTTL)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating token issuer: %w", err)
	}
	authenticator := auth.NewAuthenticator(s, cfg.Auth.RateLimitWindow, cfg.Auth.RateLimitMaxFailures,
		logger.With("component", "auth"))

	reg := registry.New(cfg.Backend.PortRangeStart, cfg.Backend.PortRangeEnd,
		logger.With("component", "registry"))
	runner := lifecycle.NewExecRunner(cfg.Backend.Command, cfg.Backend.Args,
		logger.With("component", "runner"))
	prober := lifecycle.NewHTTPProber(cfg.Backend.HealthPath)
	manager := lifecycle.NewManager(reg, runner, prober, lifecycle.Config{
		ProvisionTimeout:   cfg.Backend.ProvisionTimeout,
		HealthInterval:     cfg.Backend.HealthInterval,
		RestartBackoffBase: cfg.Backend.RestartBackoffBase,
		RestartBackoffCap:  cfg.Backend.RestartBackoffCap,
		RestartMaxAttempts: cfg.Backend.RestartMaxAttempts,
		DrainTimeout:       cfg.Backend.DrainTimeout,
	}, logger.With("component", "lifecycle"))

	router := proxy.NewRouter(s, authenticator, issuer, manager, reg, proxy.Config{
		WaitForReady:  cfg.Proxy.WaitForReady,
		RetryAttempts: cfg.Proxy.RetryAttempts,
		RetryBackoff:  cfg.Proxy.RetryBackoff,
	}, logger.With("component", "proxy"))
	manager.SetConnTracker(router)

	certManager, err := initCertManager(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	gw := &Gateway{
		config:        cfg,
		store:         s,
		issuer:        issuer,
		authenticator: authenticator,
		registry:      reg,
		lifecycle:     manager,
		router:        router,
		certManager:   certManager,
		logger:        logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", gw.handleHealth)
	gw.registerAdminRoutes(mux)
	mux.Handle("/", router.Handler())

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// setupListener creates the listener, TLS-wrapped when certificates are
// configured. Renewals swap certificates without a listener restart.
func (g *Gateway) setupListener() (net.Listener, error) {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	if g.certManager == nil {
		return ln, nil
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: g.certManager.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// Run starts the gateway and blocks until the context is canceled or a
// server error occurs. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener()
	if err != nil {
		return err
	}

	renewCtx, cancelRenew := context.WithCancel(ctx)
	defer cancelRenew()
	if g.certManager != nil {
		go g.certManager.Run(renewCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening",
			"addr", ln.Addr().String(),
			"domain", g.config.Server.Domain,
			"tls", g.certManager != nil,
		)
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown runs Shutdown with a fresh context; the run context is
// already canceled by the time this is called.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops accepting traffic, drains and terminates every backend
// instance, then closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	g.lifecycle.Shutdown(ctx)

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the gateway is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
