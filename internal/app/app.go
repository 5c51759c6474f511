package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/edulink/chat-server/internal/auth"
	"github.com/edulink/chat-server/internal/chat"
	"github.com/edulink/chat-server/internal/config"
	"github.com/edulink/chat-server/internal/core"
	"github.com/edulink/chat-server/internal/presence"
	"github.com/edulink/chat-server/internal/store"
	"github.com/edulink/chat-server/internal/store/sqlite"
	transporthttp "github.com/edulink/chat-server/internal/transport/http"
)

// App wires the messaging core and transport layers together.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	store           store.Store
	history         *chat.History
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      cfg.TokenTTL,
	}
	authService := auth.NewService(st, jwtConfig)

	registry := presence.NewRegistry()
	router := core.NewRouter(registry, cfg.EventQueueSize, logger)
	ingress := chat.NewIngress(st, router, logger)
	history := chat.NewHistory(st, router, cfg.MarkReadWindow, logger)

	server := transporthttp.NewServer(transporthttp.Deps{
		Auth:     authService,
		Store:    st,
		Registry: registry,
		Router:   router,
		Ingress:  ingress,
		History:  history,
	}, cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		store:           st,
		history:         history,
		log:             logger,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
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

// cleanup flushes pending read markers and closes resources.
func (a *App) cleanup() {
	if a.history != nil {
		a.history.Flush()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
