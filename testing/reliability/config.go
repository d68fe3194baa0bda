package reliability

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// ReliabilityConfig holds configuration for reliability testing.
type ReliabilityConfig struct {
	Level         string        `env:"SPANZ_RELIABILITY_LEVEL"`                  // "basic" or "stress"
	Duration      time.Duration `env:"SPANZ_RELIABILITY_DURATION,default=30s"`   // Test duration for stress tests
	MaxGoroutines int           `env:"SPANZ_RELIABILITY_MAX_GOROUTINES,default=100"`
	SamplesCap    int32         `env:"SPANZ_RELIABILITY_SAMPLES_CAP,default=16"`
	ErrorsCap     int32         `env:"SPANZ_RELIABILITY_ERRORS_CAP,default=8"`
}

// getReliabilityConfig reads configuration from environment variables.
// An unparsable environment disables the suite rather than failing it.
func getReliabilityConfig() ReliabilityConfig {
	var config ReliabilityConfig
	if err := envconfig.Process(context.Background(), &config); err != nil {
		return ReliabilityConfig{}
	}
	return config
}
