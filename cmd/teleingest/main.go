package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/akave-ai/teleingest/internal/config"
	"github.com/akave-ai/teleingest/internal/database"
	"github.com/akave-ai/teleingest/internal/logger"
	"github.com/akave-ai/teleingest/internal/observability"
	"github.com/akave-ai/teleingest/internal/repository"
	"github.com/akave-ai/teleingest/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "teleingest: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	log := logger.New(cfg.Observability)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nrApp, err := observability.NewRelic(cfg.Observability, log)
	if err != nil {
		return err
	}
	defer observability.Shutdown(nrApp, 10*time.Second)

	pool, err := database.NewPool(ctx, cfg.Database, cfg.Observability.Logging.QueryLogLevel, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	// the store may come up after us; ingestion buffers until it does
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Batcher.StatusTimeout)
	if err := repository.NewTelemetryRepository(pool).Ping(pingCtx); err != nil {
		log.Warn().Err(err).Msg("telemetry store not reachable at startup")
	} else {
		log.Info().Str("host", cfg.Database.Host).Str("database", cfg.Database.Name).Msg("telemetry store reachable")
	}
	cancel()

	if cfg.Database.AutoMigrate {
		if err := database.RunMigrations(ctx, pool, log); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
	}

	srv, err := server.New(cfg, server.Deps{
		Pool:     pool,
		Registry: observability.NewRegistry(),
		NewRelic: nrApp,
		Log:      log,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server exited")
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}
