package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/multitracer"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/newrelic/go-agent/v3/integrations/nrpgx5"
	"github.com/rs/zerolog"

	"github.com/akave-ai/teleingest/internal/config"
	"github.com/akave-ai/teleingest/internal/logger"
)

// PoolConfig builds the pgxpool configuration for cfg. Queries are traced to
// zerolog and, when a transaction is present in the context, to New Relic.
func PoolConfig(cfg config.DatabaseConfig, queryLogLevel string, log zerolog.Logger) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	pc.MaxConns = cfg.MaxConns
	pc.MinConns = cfg.MinConns
	pc.MaxConnLifetime = cfg.ConnMaxLifetime
	pc.MaxConnIdleTime = cfg.ConnMaxIdleTime
	pc.ConnConfig.Tracer = multitracer.New(
		logger.NewPgxTracer(log, queryLogLevel),
		nrpgx5.NewTracer(),
	)
	return pc, nil
}

// NewPool creates the connection pool. Connections are opened lazily, so an
// unreachable database does not fail here.
func NewPool(ctx context.Context, cfg config.DatabaseConfig, queryLogLevel string, log zerolog.Logger) (*pgxpool.Pool, error) {
	pc, err := PoolConfig(cfg, queryLogLevel, log)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	return pool, nil
}
