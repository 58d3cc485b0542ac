// Package gateway is a local host for filters: it runs a filter VM in front
// of upstream clusters over net/http, delivering the same hooks a proxy
// would and performing the filter's outbound calls for real.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wudi/filterkit/host"
	"github.com/wudi/filterkit/internal/config"
	ferrors "github.com/wudi/filterkit/internal/errors"
	"github.com/wudi/filterkit/internal/logging"
	"github.com/wudi/filterkit/internal/metrics"
	"github.com/wudi/filterkit/internal/middleware"
	"github.com/wudi/filterkit/internal/upstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultPauseTimeout bounds how long a paused request waits for the filter.
const DefaultPauseTimeout = 30 * time.Second

// Gateway serves requests through a filter VM.
type Gateway struct {
	vm      host.VMContext
	metrics *metrics.Collector
	tracer  trace.Tracer

	stateMu sync.RWMutex
	current *gatewayState

	redis *upstream.RedisClients

	// mu serializes every call into the VM, including ticks and call
	// responses, the way a proxy worker thread would.
	mu              sync.Mutex
	root            *rootHost
	nextContextID   uint32
	nextCallout     uint32
	pendingCallouts int
	pauseTimeout    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// gatewayState holds everything that is replaced on a config reload.
type gatewayState struct {
	config     *config.Config
	routes     []config.RouteConfig // longest prefix first
	resolver   *upstream.Resolver
	dispatcher *upstream.Dispatcher
}

// New creates a gateway for vm and loads the plugin configuration named by
// cfg. m may be nil.
func New(cfg *config.Config, vm host.VMContext, m *metrics.Collector) (*Gateway, error) {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		vm:           vm,
		metrics:      m,
		tracer:       otel.Tracer("filterkit/gateway"),
		pauseTimeout: DefaultPauseTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	g.redis = upstream.NewRedisClients(func(ctx context.Context, clusterName string) (string, error) {
		return g.state().resolver.Resolve(ctx, clusterName, "")
	}, m)

	st, err := g.buildState(cfg)
	if err != nil {
		cancel()
		return nil, err
	}
	g.current = st

	pluginCfg, err := config.PluginJSON(cfg.Plugin)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := g.LoadPlugin(pluginCfg); err != nil {
		cancel()
		return nil, err
	}
	return g, nil
}

func (g *Gateway) buildState(cfg *config.Config) (*gatewayState, error) {
	resolver, err := upstream.NewResolver(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	routes := append([]config.RouteConfig(nil), cfg.Routes...)
	sort.SliceStable(routes, func(i, j int) bool {
		return len(routes[i].PathPrefix) > len(routes[j].PathPrefix)
	})

	return &gatewayState{
		config:     cfg,
		routes:     routes,
		resolver:   resolver,
		dispatcher: upstream.NewDispatcher(cfg.Dispatch, resolver, g.metrics),
	}, nil
}

func (g *Gateway) state() *gatewayState {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	return g.current
}

func (st *gatewayState) match(path string) (config.RouteConfig, bool) {
	for _, r := range st.routes {
		if strings.HasPrefix(path, r.PathPrefix) {
			return r, true
		}
	}
	return config.RouteConfig{}, false
}

// LoadPlugin starts a new root context with pluginConfig (JSON, nil for
// none). On success it replaces the current root; on failure the current
// root keeps serving.
func (g *Gateway) LoadPlugin(pluginConfig []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ctx.Err() != nil {
		return fmt.Errorf("gateway is closed")
	}

	g.nextContextID++
	rh := &rootHost{
		g:        g,
		id:       g.nextContextID,
		config:   pluginConfig,
		stopTick: make(chan struct{}),
	}
	rh.root = g.vm.NewPluginContext(rh.id, rh)
	ok := rh.root.OnPluginStart(len(pluginConfig))
	if g.metrics != nil {
		g.metrics.RecordPluginLoad(ok)
	}
	if !ok {
		return ferrors.New(ferrors.KindConfig, "filter rejected the plugin configuration")
	}

	if g.root != nil {
		g.root.stopTicker()
	}
	g.root = rh
	rh.startTicker()

	logging.Info("Plugin configuration loaded",
		zap.Uint32("root_id", rh.id),
		zap.Int("config_bytes", len(pluginConfig)),
		zap.Duration("tick_period", rh.tickPeriod),
	)
	return nil
}

// SetPauseTimeout changes how long a paused request waits for the filter.
// Requests already waiting keep their timeout.
func (g *Gateway) SetPauseTimeout(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pauseTimeout = d
}

// PendingCallouts returns the number of outbound calls in flight.
func (g *Gateway) PendingCallouts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pendingCallouts
}

// reportPending must be called with mu held.
func (g *Gateway) reportPending() {
	if g.metrics != nil {
		g.metrics.SetPendingCallouts(g.pendingCallouts)
	}
}

// Handler returns the gateway wrapped in its middleware chain.
func (g *Gateway) Handler() http.Handler {
	return middleware.NewBuilder().
		Use(middleware.Recovery()).
		Use(middleware.RequestID()).
		Use(middleware.AccessLog()).
		Handler(g)
}

// ServeHTTP routes the request and runs it through the filter.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	st := g.state()

	route, ok := st.match(r.URL.Path)
	if !ok {
		writeError(w, r, ferrors.ErrRouteNotFound)
		return
	}

	x := &exchange{g: g, st: st, route: route, w: w, r: r}
	x.run()

	if g.metrics != nil {
		g.metrics.RecordRequest(route.Name, x.code, time.Since(start))
	}
}

// Close stops ticks, cancels outbound calls and waits for them to finish.
func (g *Gateway) Close() error {
	g.cancel()

	g.mu.Lock()
	if g.root != nil {
		g.root.stopTicker()
	}
	g.mu.Unlock()

	g.wg.Wait()
	return g.redis.Close()
}

func writeError(w http.ResponseWriter, r *http.Request, e *ferrors.FilterError) {
	if reqID := middleware.RequestIDFromContext(r.Context()); reqID != "" {
		e = e.WithRequestID(reqID)
	}
	e.WriteJSON(w)
}
