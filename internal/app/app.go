// Package app wires the server together: local event source, auth, and
// the HTTP/websocket transport.
package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/entraide/beacon/internal/auth"
	"github.com/entraide/beacon/internal/config"
	"github.com/entraide/beacon/internal/source/local"
	transporthttp "github.com/entraide/beacon/internal/transport/http"
)

// App owns the server's long-lived resources.
type App struct {
	server          *stdhttp.Server
	src             *local.Source
	shutdownTimeout time.Duration
	log             *zerolog.Logger
}

// New constructs the application with the provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	src, err := local.New(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("init source: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      24 * time.Hour,
	}
	authService := auth.NewService(src, jwtConfig)

	server := transporthttp.NewServer(src, authService, cfg, logger)

	return &App{
		server:          server,
		src:             src,
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             logger,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or a
// fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

func (a *App) cleanup() {
	if a.src != nil {
		if err := a.src.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close source")
		} else {
			a.log.Info().Msg("source closed")
		}
	}
}
