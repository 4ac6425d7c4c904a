// Command migrate creates or updates the telemetry schema.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/akave-ai/teleingest/internal/config"
	"github.com/akave-ai/teleingest/internal/database"
	"github.com/akave-ai/teleingest/internal/logger"
)

func main() {
	list := pflag.Bool("list", false, "list embedded migrations and exit")
	timeout := pflag.Duration("timeout", time.Minute, "overall timeout")
	pflag.Parse()

	if *list {
		names, err := database.MigrationNames()
		if err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Observability)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := database.NewPool(ctx, cfg.Database, cfg.Observability.Logging.QueryLogLevel, log)
	if err != nil {
		log.Fatal().Err(err).Msg("database pool")
	}
	defer pool.Close()

	if err := database.RunMigrations(ctx, pool, log); err != nil {
		pool.Close()
		log.Fatal().Err(err).Msg("migrations failed")
	}
}
