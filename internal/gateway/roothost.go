package gateway

import (
	"sync"
	"time"

	"github.com/wudi/filterkit/host"
	"github.com/wudi/filterkit/internal/logging"
	"github.com/wudi/filterkit/internal/upstream"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// rootHost is the host side of one plugin configuration load. Each reload
// creates a new rootHost; requests and callouts keep the one they started on.
type rootHost struct {
	g      *Gateway
	id     uint32
	config []byte
	root   host.PluginContext

	// guarded by g.mu
	tickPeriod   time.Duration
	response     *upstream.Response
	redisReply   []byte
	inRedisReply bool

	stopTick chan struct{}
	stopOnce sync.Once
}

var _ host.Host = (*rootHost)(nil)

func (rh *rootHost) GetPluginConfiguration() ([]byte, error) {
	if rh.config == nil {
		return nil, host.ErrNotFound
	}
	return rh.config, nil
}

func (rh *rootHost) SetTickPeriodMilliseconds(periodMs uint32) error {
	rh.tickPeriod = time.Duration(periodMs) * time.Millisecond
	return nil
}

// DispatchHttpCall runs the call on its own goroutine and delivers the result
// to this root under the VM lock. A failed call is delivered without headers.
func (rh *rootHost) DispatchHttpCall(cluster string, headers []host.Header, body []byte, trailers []host.Header, timeoutMs uint32) (uint32, error) {
	if cluster == "" {
		return 0, host.ErrBadArgument
	}
	g := rh.g
	if g.ctx.Err() != nil {
		return 0, host.ErrInternalFailure
	}

	g.nextCallout++
	id := g.nextCallout
	g.pendingCallouts++
	g.reportPending()

	call := upstream.Call{
		Cluster: cluster,
		Headers: headers,
		Body:    body,
		Timeout: time.Duration(timeoutMs) * time.Millisecond,
	}
	dispatcher := g.state().dispatcher

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		resp, err := dispatcher.Do(g.ctx, call)
		if err != nil {
			logging.Warn("outbound call failed",
				zap.Uint32("callout_id", id),
				zap.String("cluster", cluster),
				zap.Error(err),
			)
			resp = &upstream.Response{}
		}
		rh.deliver(id, resp)
	}()
	return id, nil
}

func (rh *rootHost) deliver(id uint32, resp *upstream.Response) {
	g := rh.g
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pendingCallouts--
	g.reportPending()

	rh.response = resp
	defer func() { rh.response = nil }()
	rh.root.OnHttpCallResponse(id, len(resp.Headers), len(resp.Body), 0)
}

func (rh *rootHost) GetHttpCallResponseHeaders() ([]host.Header, error) {
	if rh.response == nil {
		return nil, host.ErrNotFound
	}
	return rh.response.Headers, nil
}

func (rh *rootHost) GetHttpCallResponseBody(start, maxSize int) ([]byte, error) {
	if rh.response == nil {
		return nil, host.ErrNotFound
	}
	return host.ReadRange(rh.response.Body, start, maxSize)
}

// RedisInit registers credentials with the gateway's redis clients. cluster
// may carry a "?db=N" suffix.
func (rh *rootHost) RedisInit(cluster, username, password string, timeoutMs uint32) error {
	if err := rh.g.redis.Init(cluster, username, password, time.Duration(timeoutMs)*time.Millisecond); err != nil {
		logging.Warn("redis init rejected", zap.String("cluster", cluster), zap.Error(err))
		return host.ErrBadArgument
	}
	return nil
}

// DispatchRedisCall runs the command on its own goroutine and delivers the
// reply to this root under the VM lock. An unreachable cluster is delivered
// as a non-zero status without a reply.
func (rh *rootHost) DispatchRedisCall(cluster string, query []byte) (uint32, error) {
	if cluster == "" {
		return 0, host.ErrBadArgument
	}
	g := rh.g
	if g.ctx.Err() != nil {
		return 0, host.ErrInternalFailure
	}
	args, err := upstream.ParseRedisCommand(query)
	if err != nil {
		logging.Warn("invalid redis command", zap.String("cluster", cluster), zap.Error(err))
		return 0, host.ErrBadArgument
	}
	target, err := g.redis.Target(cluster)
	if err != nil {
		return 0, host.ErrNotFound
	}

	g.nextCallout++
	id := g.nextCallout
	g.pendingCallouts++
	g.reportPending()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		status := 0
		reply, err := target.Do(g.ctx, args)
		if err != nil {
			logging.Warn("redis call failed",
				zap.Uint32("callout_id", id),
				zap.String("cluster", cluster),
				zap.Error(err),
			)
			status, reply = 1, nil
		}
		rh.deliverRedis(id, status, reply)
	}()
	return id, nil
}

func (rh *rootHost) deliverRedis(id uint32, status int, reply []byte) {
	g := rh.g
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pendingCallouts--
	g.reportPending()

	rh.redisReply = reply
	rh.inRedisReply = true
	defer func() {
		rh.redisReply = nil
		rh.inRedisReply = false
	}()
	rh.root.OnRedisCallResponse(id, status, len(reply))
}

func (rh *rootHost) GetRedisCallResponse(start, maxSize int) ([]byte, error) {
	if !rh.inRedisReply {
		return nil, host.ErrNotFound
	}
	return host.ReadRange(rh.redisReply, start, maxSize)
}

func (rh *rootHost) Log(level host.LogLevel, msg string) {
	logging.Global().Log(zapLevel(level), msg, zap.Uint32("root_id", rh.id))
}

func (rh *rootHost) Now() time.Time {
	return time.Now()
}

// startTicker delivers ticks while the root is current.
func (rh *rootHost) startTicker() {
	if rh.tickPeriod <= 0 {
		return
	}
	g := rh.g
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(rh.tickPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.mu.Lock()
				rh.root.OnTick()
				g.mu.Unlock()
			case <-rh.stopTick:
				return
			case <-g.ctx.Done():
				return
			}
		}
	}()
}

func (rh *rootHost) stopTicker() {
	rh.stopOnce.Do(func() { close(rh.stopTick) })
}

func zapLevel(l host.LogLevel) zapcore.Level {
	switch l {
	case host.LogLevelTrace, host.LogLevelDebug:
		return zapcore.DebugLevel
	case host.LogLevelInfo:
		return zapcore.InfoLevel
	case host.LogLevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
