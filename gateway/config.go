package gateway

import (
	"io"

	"github.com/wudi/filterkit/internal/config"
	igw "github.com/wudi/filterkit/internal/gateway"
	"github.com/wudi/filterkit/internal/logging"
)

// Config is the local gateway host configuration.
type Config = config.Config

// RouteConfig maps a path prefix to an upstream cluster.
type RouteConfig = config.RouteConfig

// ReloadResult reports the outcome of a configuration reload.
type ReloadResult = igw.ReloadResult

// DefaultConfig returns a configuration with the loader's defaults applied.
func DefaultConfig() *Config {
	return config.DefaultConfig()
}

// LoadConfig loads and validates a gateway configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	return config.NewLoader().Load(path)
}

// ParseConfig parses and validates a gateway configuration from YAML bytes.
func ParseConfig(data []byte) (*Config, error) {
	return config.NewLoader().Parse(data)
}

// SetupLogging installs the process logger described by cfg.Logging. The
// returned closer, non-nil for file output, should be closed on exit.
func SetupLogging(cfg *Config) (io.Closer, error) {
	logger, closer, err := logging.NewWithConfig(logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		MaxSize:    cfg.Logging.Rotation.MaxSize,
		MaxBackups: cfg.Logging.Rotation.MaxBackups,
		MaxAge:     cfg.Logging.Rotation.MaxAge,
		Compress:   cfg.Logging.Rotation.Compress,
		LocalTime:  cfg.Logging.Rotation.LocalTime,
	})
	if err != nil {
		return nil, err
	}
	logging.SetGlobal(logger)
	return closer, nil
}
