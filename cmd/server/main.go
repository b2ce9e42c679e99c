package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hearth-im/hearth/internal/api/http"
	"github.com/hearth-im/hearth/internal/application/roomstate"
	"github.com/hearth-im/hearth/internal/config"
	"github.com/hearth-im/hearth/internal/domain/eventauth"
	"github.com/hearth-im/hearth/internal/infrastructure/keystore"
	"github.com/hearth-im/hearth/internal/infrastructure/postgres"
	"github.com/hearth-im/hearth/internal/infrastructure/sse"
	"github.com/hearth-im/hearth/internal/infrastructure/tracing"
	"github.com/hearth-im/hearth/internal/migrations"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}
	logger = logger.With().Str("server_name", cfg.ServerName).Logger()

	ctx := context.Background()
	shutdownTracing, err := tracing.Setup(ctx, "hearth-state", cfg.OTelEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing error")
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("db error")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool, migrations.FS); err != nil {
		logger.Fatal().Err(err).Msg("migration error")
	}

	var authOpts []eventauth.Option
	if cfg.ServerKeys != "" {
		keys, err := keystore.Parse(cfg.ServerKeys)
		if err != nil {
			logger.Fatal().Err(err).Msg("server keys error")
		}
		logger.Info().Int("keys", keys.Len()).Msg("verifying event signatures")
		authOpts = append(authOpts, eventauth.WithSignatureVerifier(keys))
	}

	stateSvc := roomstate.NewService(postgres.NewRoomRepository(pool), roomstate.Config{
		CacheSize:        cfg.StateCacheSize,
		CacheTTL:         cfg.StateCacheTTL,
		TrustIfNoContext: cfg.TrustIfNoContext,
	}, logger, authOpts...)

	hub := sse.NewHub()
	defer hub.Stop()
	apiServer := httpapi.NewServer(stateSvc, hub, cfg.APIToken, logger)
	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
	if err := shutdownTracing(ctxShutdown); err != nil {
		logger.Warn().Err(err).Msg("tracing shutdown failed")
	}
}
