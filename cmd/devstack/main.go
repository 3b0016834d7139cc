// Command devstack runs the development attendance API and OpenID Connect
// provider side by side.
package main

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

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/attendance/internal/app"
	"github.com/aussiebroadwan/attendance/internal/devstack/backend"
	"github.com/aussiebroadwan/attendance/internal/devstack/provider"
	"github.com/aussiebroadwan/attendance/pkg/slogx"
)

type options struct {
	apiAddr      string
	idpAddr      string
	clientID     string
	clientSecret string
	accessTTL    time.Duration
	logLevel     string
}

func main() {
	opts := options{
		apiAddr:   ":3000",
		idpAddr:   ":8180",
		clientID:  "attendance",
		accessTTL: 5 * time.Minute,
		logLevel:  "info",
	}

	root := &cobra.Command{
		Use:          "devstack",
		Short:        "Run the development attendance API and identity provider",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	f := root.Flags()
	f.StringVar(&opts.apiAddr, "api-addr", opts.apiAddr, "Listen address of the attendance API (served under /api)")
	f.StringVar(&opts.idpAddr, "idp-addr", opts.idpAddr, "Listen address of the identity provider")
	f.StringVar(&opts.clientID, "client-id", opts.clientID, "OIDC client id accepted by the provider")
	f.StringVar(&opts.clientSecret, "client-secret", opts.clientSecret, "OIDC client secret, empty for a public client")
	f.DurationVar(&opts.accessTTL, "access-ttl", opts.accessTTL, "Lifetime of provider access tokens")
	f.StringVar(&opts.logLevel, "log-level", opts.logLevel, "Log level (debug, info, warn, error)")

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	logger := slogx.New(slogx.Config{
		Service: "devstack",
		Version: app.BuildVersion,
		Env:     "dev",
		Level:   opts.logLevel,
		Format:  "text",
	})

	idp, err := provider.New(provider.Config{
		ClientID:       opts.clientID,
		ClientSecret:   opts.clientSecret,
		AccessTokenTTL: opts.accessTTL,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build provider: %w", err)
	}
	api, err := backend.New(backend.Config{
		FederatedVerifier: idp,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build backend: %w", err)
	}

	servers := []*http.Server{
		{Addr: opts.apiAddr, Handler: api, ReadHeaderTimeout: 3 * time.Second},
		{Addr: opts.idpAddr, Handler: idp, ReadHeaderTimeout: 3 * time.Second},
	}

	serverErrors := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			serverErrors <- srv.ListenAndServe()
		}()
	}
	logger.Info("devstack started", "api_addr", opts.apiAddr, "idp_addr", opts.idpAddr, "client_id", opts.clientID)
	for _, a := range backend.DefaultAccounts() {
		logger.Info("seeded account", "login", a.Login, "password", a.Password, "sso_subject", a.FederatedSubject)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdown(servers, logger)
	return runErr
}

func shutdown(servers []*http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("graceful server shutdown failed", "addr", srv.Addr, "error", err)
			_ = srv.Close()
		}
	}
	logger.Info("devstack stopped")
}
