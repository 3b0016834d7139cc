package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aussiebroadwan/attendance/internal/metrics"
	"github.com/aussiebroadwan/attendance/pkg/credstore"
	"github.com/aussiebroadwan/attendance/pkg/gateway"
	"github.com/aussiebroadwan/attendance/pkg/idp"
	"github.com/aussiebroadwan/attendance/pkg/session"
	"github.com/aussiebroadwan/attendance/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

var (
	ErrNotSignedIn  = errors.New("app: not signed in")
	ErrSessionEnded = errors.New("app: session ended")
)

// Option customises New.
type Option func(*Application)

// WithLogger replaces the logger built from the config.
func WithLogger(l *slog.Logger) Option {
	return func(app *Application) { app.logger = l }
}

// WithHTTPClient sets the client used for backend and provider calls.
func WithHTTPClient(c *http.Client) Option {
	return func(app *Application) { app.httpClient = c }
}

// Application wires the credential store, identity provider, gateway and
// session manager for one user.
type Application struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client

	registry *prometheus.Registry
	metrics  *metrics.Collector

	store   credstore.Store
	idp     *idp.Adapter
	api     *gateway.Client
	session *session.Manager

	metricsServer *http.Server
}

// New creates a new Application with all dependencies initialised.
func New(ctx context.Context, cfg Config, opts ...Option) (*Application, error) {
	app := &Application{cfg: cfg, registry: prometheus.NewRegistry()}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		app.logger = slogx.New(slogx.Config{
			Service: "attendctl",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		})
	}
	app.metrics = metrics.NewCollector(app.registry)

	store, err := credstore.New(ctx, cfg.storeConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	app.store = store

	idpCfg := cfg.idpConfig()
	idpCfg.OIDC.HTTPClient = app.httpClient
	app.idp = idp.New(idpCfg, nil, store, app.logger)
	app.idp.SetMetrics(app.metrics)

	gwCfg := cfg.gatewayConfig()
	gwCfg.HTTPClient = app.httpClient
	// Refresh-time renewals use the same threshold as the background loop.
	gwCfg.FederatedMinValidity = app.idp.MinValidity()
	app.api = gateway.New(gwCfg, store, app.idp, app.logger)
	app.api.SetMetrics(app.metrics)

	app.session, err = session.New(session.Config{RecheckInterval: cfg.RecheckInterval}, session.Deps{
		Store:            store,
		API:              app.api,
		IdentityProvider: app.idp,
		Logger:           app.logger,
		Metrics:          app.metrics,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to build session manager: %w", err)
	}

	app.logger.Debug("application initialised",
		"store", cfg.StoreDriver,
		"api", cfg.APIURL,
		"sso_enabled", app.idp.Enabled(),
	)
	return app, nil
}

func (app *Application) Config() Config                 { return app.cfg }
func (app *Application) Logger() *slog.Logger           { return app.logger }
func (app *Application) Session() *session.Manager      { return app.session }
func (app *Application) API() *gateway.Client           { return app.api }
func (app *Application) IdentityProvider() *idp.Adapter { return app.idp }
func (app *Application) Registry() *prometheus.Registry { return app.registry }
func (app *Application) Store() credstore.Store         { return app.store }

// Run keeps the stored session alive until ctx is cancelled, a shutdown
// signal arrives or the session ends. It validates the session first and
// fails with ErrNotSignedIn when there is none.
func (app *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() {
		if err := app.Shutdown(); err != nil {
			app.logger.Error("shutdown failed", "error", err)
		}
	}()

	if !app.session.CheckAuth(ctx) {
		return ErrNotSignedIn
	}

	ended := make(chan session.Status, 1)
	cancel := app.session.Subscribe(func(s session.Status) {
		if s.State == session.StateLoggedOut || s.State == session.StateForcedLogout {
			select {
			case ended <- s:
			default:
			}
		}
	})
	defer cancel()

	app.session.StartMonitor()

	serverErrors := make(chan error, 1)
	if app.cfg.MetricsAddr != "" {
		app.metricsServer = &http.Server{
			Addr:              app.cfg.MetricsAddr,
			Handler:           app.metricsMux(),
			ReadHeaderTimeout: 3 * time.Second,
		}
		go func() {
			serverErrors <- app.metricsServer.ListenAndServe()
		}()
	}

	st := app.session.Status()
	app.logger.Info("keeping session alive",
		"method", st.Method,
		"recheck_interval", app.cfg.RecheckInterval,
		"metrics_addr", app.cfg.MetricsAddr,
	)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server failed: %w", err)
		}
	case s := <-ended:
		app.logger.Warn("session ended", "state", s.State, "reason", s.Reason)
		return fmt.Errorf("%w: %s", ErrSessionEnded, s.Reason.Message())
	case <-ctx.Done():
		app.logger.Info("shutdown signal received")
	}
	return nil
}

func (app *Application) metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler(app.registry))
	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return slogx.HTTPMiddleware(app.logger)(mux)
}

// Shutdown stops background work and releases the credential store. It is
// safe to call more than once.
func (app *Application) Shutdown() error {
	if app.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
		defer cancel()
		if err := app.metricsServer.Shutdown(ctx); err != nil {
			app.logger.Error("graceful metrics server shutdown failed", "error", err)
			_ = app.metricsServer.Close()
		}
		app.metricsServer = nil
	}

	app.session.Dispose()

	if app.store == nil {
		return nil
	}
	err := app.store.Close()
	app.store = nil
	if err != nil && !errors.Is(err, credstore.ErrClosed) {
		app.logger.Error("error closing credential store", "error", err)
		return err
	}
	return nil
}
