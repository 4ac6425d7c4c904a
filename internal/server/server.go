package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/akave-ai/teleingest/internal/batcher"
	"github.com/akave-ai/teleingest/internal/config"
	"github.com/akave-ai/teleingest/internal/handler"
	"github.com/akave-ai/teleingest/internal/logger"
	"github.com/akave-ai/teleingest/internal/observability"
	"github.com/akave-ai/teleingest/internal/repository"
	"github.com/akave-ai/teleingest/internal/response"
	"github.com/akave-ai/teleingest/internal/service"
)

// Deps are the process-wide resources owned by main.
type Deps struct {
	Pool     *pgxpool.Pool
	Registry *prometheus.Registry
	NewRelic *newrelic.Application
	Log      zerolog.Logger
}

// Server holds the Echo app and dependencies.
type Server struct {
	Echo    *echo.Echo
	Config  *config.Config
	batcher *batcher.Batcher
	log     zerolog.Logger
}

// New builds the Echo server, the batcher writing through the telemetry
// repository, and registers routes.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	repo := repository.NewTelemetryRepository(deps.Pool)
	return newServer(cfg, repo, repo, deps)
}

func newServer(cfg *config.Config, store batcher.Store, reader service.Reader, deps Deps) (*Server, error) {
	log := logger.Component(deps.Log, "server")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = response.HTTPErrorHandler
	e.Use(
		middleware.Recover(),
		middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}),
		requestLogger(logger.Component(deps.Log, "http")),
		middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: cfg.Server.CORSAllowedOrigins}),
		middleware.BodyLimit(cfg.Server.BodyLimit),
		observability.Middleware(deps.NewRelic),
	)

	opts := &batcher.BatcherOpts{
		OnFlush: func(count int, batchID string) {
			deps.NewRelic.RecordCustomEvent("TelemetryFlush", map[string]any{
				"count":    count,
				"batch_id": batchID,
			})
		},
		OnRetry: func(attempt int, wait time.Duration, err error) {
			deps.NewRelic.RecordCustomEvent("TelemetryChunkRetry", map[string]any{
				"attempt": attempt,
				"wait_ms": wait.Milliseconds(),
				"error":   err.Error(),
			})
		},
	}
	if cfg.Observability.Metrics.Enabled && deps.Registry != nil {
		m, err := batcher.NewMetrics(deps.Registry)
		if err != nil {
			return nil, fmt.Errorf("register batcher metrics: %w", err)
		}
		opts.Metrics = m
		e.GET(cfg.Observability.Metrics.Path, echo.WrapHandler(observability.MetricsHandler(deps.Registry)))
	}

	bc := batcher.ConfigFrom(cfg.Batcher)
	b := batcher.NewBatcher(bc, store, logger.Component(deps.Log, "batcher"), opts)

	h := &handler.TelemetryHandler{
		Service: service.NewTelemetryService(b, reader, logger.Component(deps.Log, "service")),
		Log:     logger.Component(deps.Log, "handler"),
	}
	h.Register(e)

	log.Info().
		Int("batch_size", bc.BatchSize).
		Int("max_retries", bc.MaxRetries).
		Dur("retry_base_delay", bc.RetryBaseDelay).
		Msg("batcher enabled")

	return &Server{Echo: e, Config: cfg, batcher: b, log: log}, nil
}

func requestLogger(log zerolog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogMethod:    true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := log.Info()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				ev = log.Error().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("request")
			return nil
		},
	})
}

// Start serves HTTP until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.Echo.Server.ReadTimeout = s.Config.Server.ReadTimeout
	s.Echo.Server.WriteTimeout = s.Config.Server.WriteTimeout
	s.Echo.Server.IdleTimeout = s.Config.Server.IdleTimeout

	addr := ":" + s.Config.Server.Port
	s.log.Info().Str("addr", addr).Msg("http server listening")
	if err := s.Echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and makes a
// final flush of the pending batch.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Echo.Shutdown(ctx)
	if !s.batcher.Stop(ctx) {
		err = errors.Join(err, errors.New("final flush failed"))
	}
	return err
}
