package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"

	"github.com/copyleftdev/orchard/internal/optimization"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development" validate:"required"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080" validate:"min=1,max=65535"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
		// StartRate limits new runs per second across all clients.
		StartRate  float64 `env:"HTTP_START_RATE" envDefault:"5" validate:"gt=0"`
		StartBurst int     `env:"HTTP_START_BURST" envDefault:"10" validate:"min=1"`
		// MaxBodyBytes caps request bodies on the start and RPC endpoints.
		MaxBodyBytes int64 `env:"HTTP_MAX_BODY_BYTES" envDefault:"1048576" validate:"min=1"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error fatal DEBUG INFO WARN ERROR FATAL"`
		Format string `env:"LOG_FORMAT" envDefault:"json" validate:"oneof=json text"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr" validate:"required"`
		// Rotation settings apply when Output is a file path.
		MaxSizeMB  int `env:"LOG_MAX_SIZE_MB" envDefault:"100" validate:"min=1"`
		MaxBackups int `env:"LOG_MAX_BACKUPS" envDefault:"3" validate:"min=0"`
		MaxAgeDays int `env:"LOG_MAX_AGE_DAYS" envDefault:"28" validate:"min=0"`
	}
	Orchard struct {
		Iterations  int   `env:"ORCHARD_ITERATIONS" envDefault:"1000" validate:"min=1"`
		LogInterval int   `env:"ORCHARD_LOG_INTERVAL" envDefault:"100" validate:"min=1"`
		WorkerCount int   `env:"ORCHARD_WORKER_COUNT" envDefault:"1" validate:"min=1,max=256"`
		Seed        int64 `env:"ORCHARD_SEED" envDefault:"0"`
		// MaxIterations caps the budget a single HTTP request may ask for.
		MaxIterations int `env:"ORCHARD_MAX_ITERATIONS" envDefault:"10000000" validate:"min=1"`
		// RunTimeout bounds server-side runs. Zero disables the bound.
		RunTimeout time.Duration `env:"ORCHARD_RUN_TIMEOUT" envDefault:"5m"`
		// RunRetention is how long a finished run stays queryable. Zero keeps
		// finished runs until the server stops.
		RunRetention time.Duration `env:"ORCHARD_RUN_RETENTION" envDefault:"1h" validate:"min=0"`
	}
}

// RunConfig collects everything one command-line run needs.
type RunConfig struct {
	Path        string `validate:"required"`
	Iterations  int    `validate:"min=1"`
	LogInterval int    `validate:"min=1"`
	Workers     int    `validate:"min=1"`
	Seed        int64
	Format      string `validate:"oneof=text json"`
}

// Run returns the run defaults taken from the environment.
func (c *Config) Run() RunConfig {
	return RunConfig{
		Iterations:  c.Orchard.Iterations,
		LogInterval: c.Orchard.LogInterval,
		Workers:     c.Orchard.WorkerCount,
		Seed:        c.Orchard.Seed,
		Format:      "text",
	}
}

var validate = validator.New()

func Load() (*Config, error) {
	cfg := &Config{}

	// Parse environment variables
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks a RunConfig before it is handed to the engine.
func (r RunConfig) Validate() error {
	if err := validate.Struct(r); err != nil {
		return optimization.InvalidParameterf("run configuration: %v", err).
			WithComponent("config").WithOperation("RunConfig.Validate")
	}
	return nil
}
