package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/tidwall/gjson"
	"github.com/wudi/filterkit/cluster"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file. A relative plugin
// config_file is resolved against the directory of path.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := l.Parse(data)
	if err != nil {
		return nil, err
	}
	if f := cfg.Plugin.ConfigFile; f != "" && !filepath.IsAbs(f) {
		cfg.Plugin.ConfigFile = filepath.Join(filepath.Dir(path), f)
	}
	return cfg, nil
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", cfg.Listen, err)
	}

	switch cfg.Logging.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", cfg.Logging.Level)
	}

	if r := cfg.Logging.Rotation; r.MaxSize < 0 || r.MaxBackups < 0 || r.MaxAge < 0 {
		return fmt.Errorf("logging: rotation limits must be >= 0")
	}

	if cfg.Plugin.ConfigFile != "" && len(cfg.Plugin.Config) > 0 {
		return fmt.Errorf("plugin: config_file and config are mutually exclusive")
	}

	routeNames := make(map[string]bool)
	for i, route := range cfg.Routes {
		if route.Name == "" {
			return fmt.Errorf("route %d: name is required", i)
		}
		if routeNames[route.Name] {
			return fmt.Errorf("duplicate route name: %s", route.Name)
		}
		routeNames[route.Name] = true

		if !strings.HasPrefix(route.PathPrefix, "/") {
			return fmt.Errorf("route %s: path_prefix must start with /", route.Name)
		}
		if route.Cluster == "" {
			return fmt.Errorf("route %s: cluster is required", route.Name)
		}
		if _, err := cluster.ParseName(route.Cluster); err != nil {
			return fmt.Errorf("route %s: %w", route.Name, err)
		}
	}

	for name, addrs := range cfg.Upstreams {
		if len(addrs) == 0 {
			return fmt.Errorf("upstream %s: at least one address is required", name)
		}
		for _, addr := range addrs {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return fmt.Errorf("upstream %s: invalid address %q: %w", name, addr, err)
			}
		}
	}

	d := cfg.Dispatch
	if d.RateLimit < 0 {
		return fmt.Errorf("dispatch: rate_limit must be >= 0")
	}
	if d.RateLimit > 0 && d.Burst <= 0 {
		return fmt.Errorf("dispatch: burst must be > 0 when rate_limit is set")
	}
	if d.BreakerTimeout < 0 || d.ResolveCacheTTL < 0 {
		return fmt.Errorf("dispatch: durations must be >= 0")
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics: path must start with /")
	}

	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing: sample_rate must be between 0 and 1")
	}

	return nil
}

// PluginJSON returns the filter configuration as JSON. A config file may
// be JSON or YAML; an unset configuration yields nil.
func PluginJSON(cfg PluginConfig) ([]byte, error) {
	if cfg.ConfigFile != "" {
		return LoadPluginFile(cfg.ConfigFile)
	}
	if len(cfg.Config) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plugin config: %w", err)
	}
	return data, nil
}

// LoadPluginFile reads a filter configuration file and converts it to JSON.
func LoadPluginFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin config: %w", err)
	}
	return PluginBytesToJSON(data)
}

// PluginBytesToJSON passes JSON through unchanged and converts YAML.
func PluginBytesToJSON(data []byte) ([]byte, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	if gjson.ValidBytes(data) {
		return data, nil
	}
	out, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("failed to convert plugin config to JSON: %w", err)
	}
	return out, nil
}
