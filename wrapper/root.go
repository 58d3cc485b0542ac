package wrapper

import (
	"errors"
	"runtime/debug"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/wudi/filterkit/client"
	"github.com/wudi/filterkit/host"
	ferrors "github.com/wudi/filterkit/internal/errors"
	"github.com/wudi/filterkit/internal/logging"
	"github.com/wudi/filterkit/matcher"
	"go.uber.org/zap"
)

// PluginIDKey is stripped from the configuration before parsing.
const PluginIDKey = "_plugin_id_"

// PluginContext is the root context handed to config parsers and reachable
// from every request. It dispatches outbound calls for client.ClusterClient
// and client.RedisClusterClient.
type PluginContext interface {
	client.Dispatcher
	client.RedisDispatcher
	SetContext(key string, value any)
	GetContext(key string) any
	// RegisterTickFunc schedules fn every periodMs of host time. It only
	// succeeds while the configuration is being parsed.
	RegisterTickFunc(periodMs int64, fn func()) error
	PluginID() string
	Host() host.Host
	Logger() *zap.Logger
}

// pendingCall is an outbound call awaiting its response. Exactly one of
// onResponse and onRedisResponse is set.
type pendingCall struct {
	onResponse      func(numHeaders, bodySize, numTrailers int)
	onRedisResponse func(status, responseSize int)
	stream          host.Stream
}

// CommonPluginCtx is the root context of one configuration load.
type CommonPluginCtx[C any] struct {
	vm        *VM[C]
	contextID uint32
	host      host.Host
	logger    *zap.Logger
	pluginID  string

	matcher      matcher.RuleMatcher[C]
	scheduler    *TickScheduler
	userContext  map[string]any
	pending      map[uint32]pendingCall
	activeStream host.Stream
}

var _ host.PluginContext = (*CommonPluginCtx[struct{}])(nil)
var _ PluginContext = (*CommonPluginCtx[struct{}])(nil)

func newPluginContext[C any](vm *VM[C], contextID uint32, h host.Host) *CommonPluginCtx[C] {
	logger := vm.logger
	if logger == nil {
		logger = logging.NewHostLogger(h, vm.name, vm.logLevel)
	}
	logger = logger.With(zap.String("vm_id", vm.id))
	return &CommonPluginCtx[C]{
		vm:          vm,
		contextID:   contextID,
		host:        h,
		logger:      logger,
		scheduler:   newTickScheduler(logger),
		userContext: make(map[string]any),
		pending:     make(map[uint32]pendingCall),
	}
}

func (r *CommonPluginCtx[C]) SetContext(key string, value any) {
	r.userContext[key] = value
}

func (r *CommonPluginCtx[C]) GetContext(key string) any {
	return r.userContext[key]
}

func (r *CommonPluginCtx[C]) RegisterTickFunc(periodMs int64, fn func()) error {
	return r.scheduler.Register(periodMs, fn)
}

func (r *CommonPluginCtx[C]) PluginID() string { return r.pluginID }

func (r *CommonPluginCtx[C]) Host() host.Host { return r.host }

func (r *CommonPluginCtx[C]) Logger() *zap.Logger { return r.logger }

func (r *CommonPluginCtx[C]) ActiveStream() host.Stream { return r.activeStream }

// Matcher exposes the parsed rules of this load.
func (r *CommonPluginCtx[C]) Matcher() *matcher.RuleMatcher[C] {
	return &r.matcher
}

// enter marks s as the active stream until the returned func runs.
func (r *CommonPluginCtx[C]) enter(s host.Stream) func() {
	prev := r.activeStream
	r.activeStream = s
	return func() { r.activeStream = prev }
}

func (r *CommonPluginCtx[C]) OnPluginStart(configSize int) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("plugin start panicked", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			ok = false
		}
	}()
	if err := r.start(); err != nil {
		r.logger.Error("plugin start failed", zap.Error(err))
		return false
	}
	return true
}

func (r *CommonPluginCtx[C]) start() error {
	if r.vm.prePluginStartOrReload != nil {
		if err := r.vm.prePluginStartOrReload(r); err != nil {
			return ferrors.Wrap(err, ferrors.KindConfig, "pre plugin start hook")
		}
	}

	data, err := r.host.GetPluginConfiguration()
	if err != nil && !errors.Is(err, host.ErrNotFound) {
		return ferrors.Wrap(err, ferrors.KindHost, "read plugin configuration")
	}

	var config gjson.Result
	if len(data) > 0 {
		if !gjson.ValidBytes(data) {
			return ferrors.New(ferrors.KindConfig, "plugin configuration is not valid JSON")
		}
		if id := gjson.GetBytes(data, PluginIDKey); id.Exists() {
			r.pluginID = id.String()
			r.logger = r.logger.With(zap.String("plugin_id", r.pluginID))
			if data, err = sjson.DeleteBytes(data, PluginIDKey); err != nil {
				return ferrors.Wrap(err, ferrors.KindConfig, "strip "+PluginIDKey)
			}
		}
		config = gjson.ParseBytes(data)
	}

	parse, err := r.configParser()
	if err != nil {
		return err
	}

	r.scheduler.open = true
	err = r.matcher.ParseRuleConfig(config, parse, r.overrideParser())
	r.scheduler.open = false
	if err != nil {
		return err
	}

	if r.scheduler.Len() > 0 {
		if err := r.host.SetTickPeriodMilliseconds(TickPeriodMs); err != nil {
			return ferrors.Wrap(err, ferrors.KindHost, "set tick period")
		}
	}
	r.logger.Info("plugin started",
		zap.Int("rules", len(r.matcher.Rules())),
		zap.Int("tick_funcs", r.scheduler.Len()),
	)
	return nil
}

func (r *CommonPluginCtx[C]) configParser() (func(gjson.Result, *C) error, error) {
	switch {
	case r.vm.parseConfigWithContext != nil:
		return func(json gjson.Result, c *C) error {
			return r.vm.parseConfigWithContext(r, json, c)
		}, nil
	case r.vm.parseConfig != nil:
		return r.vm.parseConfig, nil
	case r.vm.parseRawConfig != nil:
		return func(json gjson.Result, c *C) error {
			return r.vm.parseRawConfig([]byte(json.Raw), c)
		}, nil
	}
	var zero C
	if _, empty := any(zero).(struct{}); !empty {
		return nil, ferrors.New(ferrors.KindConfig, "filter %s has a config type but no config parser", r.vm.name)
	}
	return func(gjson.Result, *C) error { return nil }, nil
}

func (r *CommonPluginCtx[C]) overrideParser() func(gjson.Result, C, *C) error {
	switch {
	case r.vm.parseOverrideConfig != nil:
		return r.vm.parseOverrideConfig
	case r.vm.parseOverrideRawConfig != nil:
		return func(json gjson.Result, global C, c *C) error {
			return r.vm.parseOverrideRawConfig([]byte(json.Raw), global, c)
		}
	}
	return nil
}

func (r *CommonPluginCtx[C]) OnTick() {
	r.scheduler.Run(r.host.Now)
}

// DispatchHttpCall submits a call through the host and remembers which
// request was active so the response runs in the same context.
func (r *CommonPluginCtx[C]) DispatchHttpCall(clusterName string, headers []host.Header, body []byte, timeoutMs uint32,
	onResponse func(numHeaders, bodySize, numTrailers int)) error {
	id, err := r.host.DispatchHttpCall(clusterName, headers, body, nil, timeoutMs)
	if err != nil {
		return err
	}
	if _, dup := r.pending[id]; dup {
		r.logger.Warn("host reused a pending callout id", zap.Uint32("callout_id", id))
	}
	r.pending[id] = pendingCall{onResponse: onResponse, stream: r.activeStream}
	return nil
}

func (r *CommonPluginCtx[C]) GetHttpCallResponseHeaders() ([]host.Header, error) {
	return r.host.GetHttpCallResponseHeaders()
}

func (r *CommonPluginCtx[C]) GetHttpCallResponseBody(start, maxSize int) ([]byte, error) {
	return r.host.GetHttpCallResponseBody(start, maxSize)
}

// PendingCalls returns the number of calls awaiting a response.
func (r *CommonPluginCtx[C]) PendingCalls() int {
	return len(r.pending)
}

func (r *CommonPluginCtx[C]) OnHttpCallResponse(calloutID uint32, numHeaders, bodySize, numTrailers int) {
	call, ok := r.takePending(calloutID, "http")
	if !ok || call.onResponse == nil {
		return
	}
	defer r.enter(call.stream)()
	defer r.recoverCallback("http", calloutID)
	call.onResponse(numHeaders, bodySize, numTrailers)
}

func (r *CommonPluginCtx[C]) RedisInit(clusterName, username, password string, timeoutMs uint32) error {
	return r.host.RedisInit(clusterName, username, password, timeoutMs)
}

// DispatchRedisCall submits a redis command through the host; the reply
// runs in the context of the request that was active.
func (r *CommonPluginCtx[C]) DispatchRedisCall(clusterName string, query []byte, onResponse func(status, responseSize int)) error {
	id, err := r.host.DispatchRedisCall(clusterName, query)
	if err != nil {
		return err
	}
	if _, dup := r.pending[id]; dup {
		r.logger.Warn("host reused a pending callout id", zap.Uint32("callout_id", id))
	}
	r.pending[id] = pendingCall{onRedisResponse: onResponse, stream: r.activeStream}
	return nil
}

func (r *CommonPluginCtx[C]) GetRedisCallResponse(start, maxSize int) ([]byte, error) {
	return r.host.GetRedisCallResponse(start, maxSize)
}

func (r *CommonPluginCtx[C]) OnRedisCallResponse(calloutID uint32, status, responseSize int) {
	call, ok := r.takePending(calloutID, "redis")
	if !ok || call.onRedisResponse == nil {
		return
	}
	defer r.enter(call.stream)()
	defer r.recoverCallback("redis", calloutID)
	call.onRedisResponse(status, responseSize)
}

func (r *CommonPluginCtx[C]) takePending(calloutID uint32, kind string) (pendingCall, bool) {
	call, ok := r.pending[calloutID]
	if !ok {
		r.logger.Warn("response for unknown callout",
			zap.String("kind", kind), zap.Uint32("callout_id", calloutID))
		return pendingCall{}, false
	}
	delete(r.pending, calloutID)
	return call, true
}

func (r *CommonPluginCtx[C]) recoverCallback(kind string, calloutID uint32) {
	if p := recover(); p != nil {
		r.logger.Error(kind+" call callback panicked",
			zap.Uint32("callout_id", calloutID),
			zap.Any("panic", p),
			zap.ByteString("stack", debug.Stack()),
		)
	}
}

func (r *CommonPluginCtx[C]) NewHttpContext(contextID uint32, s host.Stream) host.HttpContext {
	return newHttpContext(r, contextID, s)
}
