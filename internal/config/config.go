package config

import (
	"time"
)

// Config represents the local gateway host configuration
type Config struct {
	Listen    string              `yaml:"listen"`
	Logging   LoggingConfig       `yaml:"logging"`
	Plugin    PluginConfig        `yaml:"plugin"`
	Routes    []RouteConfig       `yaml:"routes"`
	Upstreams map[string][]string `yaml:"upstreams"` // cluster name -> host:port list
	Consul    ConsulConfig        `yaml:"consul"`
	Dispatch  DispatchConfig      `yaml:"dispatch"`
	Metrics   MetricsConfig       `yaml:"metrics"`
	Tracing   TracingConfig       `yaml:"tracing"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`  // debug, info, warn, error
	Output   string            `yaml:"output"` // stdout, stderr or a file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames
}

// PluginConfig points at the filter configuration. Exactly one of
// ConfigFile or Config may be set; neither means an empty configuration.
type PluginConfig struct {
	ConfigFile string         `yaml:"config_file"` // JSON or YAML, watched for changes
	Config     map[string]any `yaml:"config"`
	VMID       string         `yaml:"vm_id"`
}

// RouteConfig maps a path prefix to a route name and upstream cluster
type RouteConfig struct {
	Name       string `yaml:"name"`
	PathPrefix string `yaml:"path_prefix"`
	Cluster    string `yaml:"cluster"`
}

// ConsulConfig defines Consul connection settings
type ConsulConfig struct {
	Address    string `yaml:"address"`
	Scheme     string `yaml:"scheme"`
	Datacenter string `yaml:"datacenter"`
	Token      string `yaml:"token"`
}

// DispatchConfig controls outbound calls made on behalf of the filter
type DispatchConfig struct {
	RateLimit       float64       `yaml:"rate_limit"` // calls per second, 0 = unlimited
	Burst           int           `yaml:"burst"`
	MaxFailures     uint32        `yaml:"max_failures"` // consecutive failures before a cluster breaker opens
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
	ResolveCacheTTL time.Duration `yaml:"resolve_cache_ttl"`
	ResolveCache    int           `yaml:"resolve_cache_size"`
}

// MetricsConfig defines the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig enables OpenTelemetry spans around filter phases
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ServiceName string            `yaml:"service_name"`
	Endpoint    string            `yaml:"endpoint"` // OTLP gRPC collector
	Insecure    bool              `yaml:"insecure"`
	SampleRate  float64           `yaml:"sample_rate"`
	Headers     map[string]string `yaml:"headers"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Listen: ":8080",
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Upstreams: make(map[string][]string),
		Consul: ConsulConfig{
			Address:    "localhost:8500",
			Scheme:     "http",
			Datacenter: "dc1",
		},
		Dispatch: DispatchConfig{
			Burst:           50,
			MaxFailures:     5,
			BreakerTimeout:  30 * time.Second,
			ResolveCacheTTL: 30 * time.Second,
			ResolveCache:    1024,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			ServiceName: "filterkit-gateway",
			SampleRate:  1.0,
		},
	}
}
