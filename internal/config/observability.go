package config

import (
	"fmt"

	"github.com/rs/zerolog"
)

// ServiceName is reported to New Relic and attached to every log line.
const ServiceName = "teleingest"

type ObservabilityConfig struct {
	ServiceName string         `koanf:"service_name"`
	Environment string         `koanf:"environment"`
	Logging     LoggingConfig  `koanf:"logging" validate:"required"`
	NewRelic    NewRelicConfig `koanf:"new_relic"`
	Metrics     MetricsConfig  `koanf:"metrics"`
}

type LoggingConfig struct {
	Level         string `koanf:"level" validate:"required"`
	Format        string `koanf:"format" validate:"required,oneof=console json"`
	QueryLogLevel string `koanf:"query_level" validate:"required,oneof=trace debug info warn error none"`
}

type NewRelicConfig struct {
	LicenseKey         string `koanf:"license_key"`
	AppLogForwarding   bool   `koanf:"app_log_forwarding"`
	DistributedTracing bool   `koanf:"distributed_tracing"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

func DefaultObservabilityConfig() *ObservabilityConfig {
	return &ObservabilityConfig{
		ServiceName: ServiceName,
		Environment: "development",
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "console",
			QueryLogLevel: "warn",
		},
		NewRelic: NewRelicConfig{
			DistributedTracing: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Validate checks fields the struct tags cannot express.
func (c *ObservabilityConfig) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging level %q: %w", c.Logging.Level, err)
	}
	if c.Metrics.Enabled && (c.Metrics.Path == "" || c.Metrics.Path[0] != '/') {
		return fmt.Errorf("metrics path must start with '/', got %q", c.Metrics.Path)
	}
	return nil
}

// NewRelicEnabled reports whether a New Relic application should be started.
func (c *ObservabilityConfig) NewRelicEnabled() bool {
	return c.NewRelic.LicenseKey != ""
}

// GetLogLevel returns the configured zerolog level, falling back to info.
func (c *ObservabilityConfig) GetLogLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.Logging.Level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
