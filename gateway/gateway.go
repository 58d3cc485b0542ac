// Package gateway runs a filter locally: it serves HTTP through the filter's
// hooks and performs the filter's outbound calls against real clusters.
//
//	vm := wrapper.New[MyConfig]("my-filter", ...)
//	srv, err := gateway.New(vm).WithConfigPath("gateway.yaml").Build()
//	if err != nil { ... }
//	srv.Run()
package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/wudi/filterkit/host"
	igw "github.com/wudi/filterkit/internal/gateway"
	"github.com/wudi/filterkit/internal/middleware"
)

// GatewayBuilder constructs a gateway Server for a filter VM.
type GatewayBuilder struct {
	vm           host.VMContext
	cfg          *Config
	configPath   string
	pauseTimeout time.Duration
	middleware   []func(http.Handler) http.Handler
}

// New creates a new GatewayBuilder for vm.
func New(vm host.VMContext) *GatewayBuilder {
	return &GatewayBuilder{vm: vm}
}

// WithConfig sets the gateway configuration.
func (b *GatewayBuilder) WithConfig(cfg *Config) *GatewayBuilder {
	b.cfg = cfg
	return b
}

// WithConfigPath sets the path to the YAML config file. It is loaded by
// Build when no config was given and is re-read on reload.
func (b *GatewayBuilder) WithConfigPath(path string) *GatewayBuilder {
	b.configPath = path
	return b
}

// WithPauseTimeout bounds how long a paused request waits for the filter.
func (b *GatewayBuilder) WithPauseTimeout(d time.Duration) *GatewayBuilder {
	b.pauseTimeout = d
	return b
}

// AddMiddleware wraps proxied traffic in mw, in front of the filter. The
// first registered middleware is outermost.
func (b *GatewayBuilder) AddMiddleware(mw func(http.Handler) http.Handler) *GatewayBuilder {
	b.middleware = append(b.middleware, mw)
	return b
}

// Build validates the configuration, starts the filter's root context and
// constructs a ready-to-run Server.
func (b *GatewayBuilder) Build() (*Server, error) {
	if b.vm == nil {
		return nil, fmt.Errorf("gateway: a filter VM is required")
	}

	cfg := b.cfg
	if cfg == nil {
		if b.configPath == "" {
			return nil, fmt.Errorf("gateway: a config or config path is required")
		}
		var err error
		if cfg, err = LoadConfig(b.configPath); err != nil {
			return nil, err
		}
	}

	srv, err := igw.NewServer(cfg, b.configPath, b.vm)
	if err != nil {
		return nil, err
	}
	if b.pauseTimeout > 0 {
		srv.Gateway().SetPauseTimeout(b.pauseTimeout)
	}
	for _, mw := range b.middleware {
		srv.Use(middleware.Middleware(mw))
	}

	return &Server{internal: srv}, nil
}

// Server wraps the internal gateway server with a public API.
type Server struct {
	internal *igw.Server
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	return s.internal.Run()
}

// Start starts the server without blocking.
func (s *Server) Start() error {
	return s.internal.Start()
}

// Addr returns the bound listen address once started.
func (s *Server) Addr() string {
	return s.internal.Addr()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.internal.Shutdown(timeout)
}

// Handler returns the server's root http.Handler, useful for testing
// or embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.internal.Handler()
}

// ReloadConfig triggers a hot config reload from the config file.
func (s *Server) ReloadConfig() ReloadResult {
	return s.internal.ReloadConfig()
}

// Reload applies cfg without reading the config file.
func (s *Server) Reload(cfg *Config) ReloadResult {
	return s.internal.Gateway().Reload(cfg)
}

// ReloadPlugin replaces the filter's configuration (JSON) and keeps routes.
func (s *Server) ReloadPlugin(pluginConfig []byte) ReloadResult {
	return s.internal.Gateway().ReloadPlugin(pluginConfig)
}

// ReloadHistory returns past reload results, oldest first.
func (s *Server) ReloadHistory() []ReloadResult {
	return s.internal.ReloadHistory()
}
