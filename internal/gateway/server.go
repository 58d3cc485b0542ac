package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wudi/filterkit/host"
	"github.com/wudi/filterkit/internal/config"
	"github.com/wudi/filterkit/internal/logging"
	"github.com/wudi/filterkit/internal/metrics"
	"github.com/wudi/filterkit/internal/middleware"
	"github.com/wudi/filterkit/internal/tracing"
	"go.uber.org/zap"
)

// ReloadsPath serves the reload history as JSON.
const ReloadsPath = "/-/reloads"

// Server wraps the gateway with HTTP server functionality
type Server struct {
	gateway    *Gateway
	httpServer *http.Server
	listener   net.Listener
	metrics    *metrics.Collector
	tracer     *tracing.Tracer
	configPath string
	extra      []middleware.Middleware

	mu            sync.Mutex
	config        *config.Config
	watcher       *config.Watcher
	reloadHistory []ReloadResult
}

// NewServer creates a gateway server running vm.
// configPath is the path to the YAML config file (used for reload).
func NewServer(cfg *config.Config, configPath string, vm host.VMContext) (*Server, error) {
	var m *metrics.Collector
	if cfg.Metrics.Enabled {
		m = metrics.NewCollector()
	}

	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	gw, err := New(cfg, vm, m)
	if err != nil {
		tracer.Close()
		return nil, err
	}

	s := &Server{
		gateway:    gw,
		metrics:    m,
		tracer:     tracer,
		config:     cfg,
		configPath: configPath,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Gateway returns the wrapped gateway.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Use wraps proxied traffic in additional middleware, outermost first.
// It must be called before Start.
func (s *Server) Use(mw ...middleware.Middleware) {
	s.extra = append(s.extra, mw...)
	s.httpServer.Handler = s.handler()
}

// Handler returns the root handler, including the admin endpoints.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	if s.metrics != nil {
		mux.Handle(s.config.Metrics.Path, s.metrics.Handler())
	}
	mux.HandleFunc(ReloadsPath, s.handleReloads)

	proxied := middleware.NewChain(s.extra...).Then(s.gateway.Handler())
	mux.Handle("/", s.tracer.Middleware()(proxied))
	return mux
}

func (s *Server) handleReloads(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.ReloadHistory())
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln

	if err := s.startWatcher(s.config.Plugin.ConfigFile); err != nil {
		ln.Close()
		return err
	}

	go func() {
		logging.Info("Gateway listening", zap.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

// startWatcher watches path for plugin configuration changes, replacing any
// previous watcher. An empty path stops watching.
func (s *Server) startWatcher(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher != nil {
		s.watcher.Stop()
		s.watcher = nil
	}
	if path == "" {
		return nil
	}

	w, err := config.NewWatcher(path)
	if err != nil {
		return fmt.Errorf("failed to watch plugin config: %w", err)
	}
	w.OnChange(func(data []byte) {
		result := s.gateway.ReloadPlugin(data)
		s.recordReload(result)
		if result.Success {
			logging.Info("Plugin configuration reloaded", zap.String("path", path))
		} else {
			logging.Error("Plugin configuration rejected", zap.String("path", path), zap.String("error", result.Error))
		}
	})
	if err := w.Start(); err != nil {
		w.Stop()
		return fmt.Errorf("failed to watch plugin config: %w", err)
	}
	s.watcher = w
	return nil
}

// Run starts the server and handles graceful shutdown.
// SIGHUP triggers a config reload; SIGINT/SIGTERM triggers shutdown.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(quit)
	for sig := range quit {
		switch sig {
		case syscall.SIGHUP:
			result := s.ReloadConfig()
			if result.Success {
				logging.Info("Config reloaded successfully",
					zap.Strings("changes", result.Changes),
				)
			} else {
				logging.Error("Config reload failed",
					zap.String("error", result.Error),
				)
			}
		default:
			logging.Info("Shutting down gracefully...")
			return s.Shutdown(30 * time.Second)
		}
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var firstErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Error("HTTP server shutdown error", zap.Error(err))
		firstErr = err
	}

	s.mu.Lock()
	if s.watcher != nil {
		s.watcher.Stop()
		s.watcher = nil
	}
	s.mu.Unlock()

	if err := s.gateway.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.tracer.Close(); err != nil {
		logging.Error("Tracer shutdown error", zap.Error(err))
	}

	logging.Info("Server shutdown complete")
	return firstErr
}

// ReloadConfig loads a new config from the config path and performs a hot reload.
func (s *Server) ReloadConfig() ReloadResult {
	if s.configPath == "" {
		return ReloadResult{
			Timestamp: time.Now(),
			Error:     "no config path configured",
		}
	}

	newCfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		result := ReloadResult{
			Timestamp: time.Now(),
			Error:     fmt.Sprintf("config load failed: %v", err),
		}
		s.recordReload(result)
		return result
	}

	result := s.gateway.Reload(newCfg)
	if result.Success {
		s.mu.Lock()
		oldFile := s.config.Plugin.ConfigFile
		s.config = newCfg
		s.mu.Unlock()

		if newCfg.Plugin.ConfigFile != oldFile && s.listener != nil {
			if err := s.startWatcher(newCfg.Plugin.ConfigFile); err != nil {
				logging.Error("Failed to watch new plugin config", zap.Error(err))
			}
		}
	}

	s.recordReload(result)
	return result
}

func (s *Server) recordReload(result ReloadResult) {
	s.mu.Lock()
	s.reloadHistory = appendReloadHistory(s.reloadHistory, result)
	s.mu.Unlock()
}

// ReloadHistory returns past reload results, oldest first.
func (s *Server) ReloadHistory() []ReloadResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ReloadResult(nil), s.reloadHistory...)
}
