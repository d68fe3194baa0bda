package spanz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds the tracer settings.
type Config struct {
	// MaxSamples caps the successful spans kept per builder and period.
	MaxSamples int32 `env:"SPANZ_MAX_SAMPLES,default=1"`
	// MaxErrors caps the failed spans kept per builder and period.
	MaxErrors int32 `env:"SPANZ_MAX_ERRORS,default=10"`
	// Period is the interval between flushes in Tracer.Run.
	Period time.Duration `env:"SPANZ_PERIOD,default=15s"`
	// Workers enables a bounded pool for async report handlers when > 0.
	Workers int `env:"SPANZ_WORKERS,default=0"`
	// QueueSize is the worker pool queue length.
	QueueSize int `env:"SPANZ_QUEUE_SIZE,default=64"`
}

// DefaultConfig returns the defaults also used by LoadConfig.
func DefaultConfig() Config {
	return Config{
		MaxSamples: 1,
		MaxErrors:  10,
		Period:     15 * time.Second,
		QueueSize:  64,
	}
}

// LoadConfig reads the config from SPANZ_* environment variables.
func LoadConfig(ctx context.Context) (Config, error) {
	var c Config
	if err := envconfig.Process(ctx, &c); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the config for values the tracer cannot run with.
func (c Config) Validate() error {
	switch {
	case c.MaxSamples < 0:
		return fmt.Errorf("%w: max samples %d < 0", ErrInvalidConfig, c.MaxSamples)
	case c.MaxErrors < 0:
		return fmt.Errorf("%w: max errors %d < 0", ErrInvalidConfig, c.MaxErrors)
	case c.Period <= 0:
		return fmt.Errorf("%w: period %s must be positive", ErrInvalidConfig, c.Period)
	case c.Workers < 0:
		return fmt.Errorf("%w: workers %d < 0", ErrInvalidConfig, c.Workers)
	case c.Workers > 0 && c.QueueSize <= 0:
		return fmt.Errorf("%w: queue size %d must be positive", ErrInvalidConfig, c.QueueSize)
	}
	return nil
}
