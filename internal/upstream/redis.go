package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tidwall/resp"
	"github.com/wudi/filterkit/internal/logging"
	"github.com/wudi/filterkit/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrRedisNotInitialized is returned for a cluster RedisInit never named.
var ErrRedisNotInitialized = errors.New("redis cluster not initialized")

// DefaultRedisTimeout applies when RedisInit passes no timeout.
const DefaultRedisTimeout = 500 * time.Millisecond

// ResolveFunc returns one address for a cluster.
type ResolveFunc func(ctx context.Context, clusterName string) (string, error)

type redisSettings struct {
	username string
	password string
	db       int
	timeout  time.Duration
}

// RedisTarget is the client of one initialized redis cluster.
type RedisTarget struct {
	cluster  string
	client   *redis.Client
	settings redisSettings
	metrics  *metrics.Collector
	tracer   trace.Tracer
}

// RedisClients holds one go-redis client per initialized cluster. Clients
// dial through resolve, so addresses follow the current upstream config.
type RedisClients struct {
	resolve ResolveFunc
	metrics *metrics.Collector
	tracer  trace.Tracer

	mu      sync.Mutex
	targets map[string]*RedisTarget
}

// NewRedisClients creates an empty client set. m may be nil.
func NewRedisClients(resolve ResolveFunc, m *metrics.Collector) *RedisClients {
	return &RedisClients{
		resolve: resolve,
		metrics: m,
		tracer:  otel.Tracer("filterkit/upstream"),
		targets: make(map[string]*RedisTarget),
	}
}

// parseRedisCluster splits "name?db=N" into the cluster name and database.
func parseRedisCluster(spec string) (string, int, error) {
	name, query, found := strings.Cut(spec, "?")
	if name == "" {
		return "", 0, fmt.Errorf("empty redis cluster name")
	}
	if !found {
		return name, 0, nil
	}
	v, ok := strings.CutPrefix(query, "db=")
	if !ok {
		return "", 0, fmt.Errorf("unsupported redis cluster option %q", query)
	}
	db, err := strconv.Atoi(v)
	if err != nil || db < 0 {
		return "", 0, fmt.Errorf("invalid redis database %q", v)
	}
	return name, db, nil
}

// Init registers credentials for a cluster. Re-initializing with the same
// settings keeps the existing connections.
func (p *RedisClients) Init(spec, username, password string, timeout time.Duration) error {
	name, db, err := parseRedisCluster(spec)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = DefaultRedisTimeout
	}
	settings := redisSettings{username: username, password: password, db: db, timeout: timeout}

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.targets[name]; ok {
		if t.settings == settings {
			return nil
		}
		t.client.Close()
	}
	p.targets[name] = &RedisTarget{
		cluster:  name,
		client:   p.newClient(name, settings),
		settings: settings,
		metrics:  p.metrics,
		tracer:   p.tracer,
	}

	logging.Info("Redis cluster initialized",
		zap.String("cluster", name),
		zap.Int("db", db),
		zap.Duration("timeout", timeout),
	)
	return nil
}

func (p *RedisClients) newClient(name string, s redisSettings) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: name,
		Dialer: func(ctx context.Context, network, _ string) (net.Conn, error) {
			addr, err := p.resolve(ctx, name)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
		Username:              s.username,
		Password:              s.password,
		DB:                    s.db,
		Protocol:              2,
		DialTimeout:           s.timeout,
		ReadTimeout:           s.timeout,
		WriteTimeout:          s.timeout,
		ContextTimeoutEnabled: true,
		MaxRetries:            -1,
		DisableIdentity:       true,
	})
}

// Target returns the client for clusterName.
func (p *RedisClients) Target(clusterName string) (*RedisTarget, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.targets[clusterName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRedisNotInitialized, clusterName)
	}
	return t, nil
}

// Close closes every client.
func (p *RedisClients) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for name, t := range p.targets {
		if err := t.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis client %s: %w", name, err))
		}
		delete(p.targets, name)
	}
	return errors.Join(errs...)
}

// ParseRedisCommand decodes a RESP array of command words.
func ParseRedisCommand(query []byte) ([]any, error) {
	v, _, err := resp.NewReader(bytes.NewReader(query)).ReadValue()
	if err != nil {
		return nil, fmt.Errorf("decode redis command: %w", err)
	}
	words := v.Array()
	if len(words) == 0 {
		return nil, fmt.Errorf("redis command must be a non-empty array")
	}
	args := make([]any, len(words))
	for i, w := range words {
		args[i] = w.String()
	}
	return args, nil
}

// Do runs args and returns the RESP encoded reply. Replies from the server,
// including error replies, are not errors; an error means the cluster could
// not be reached.
func (t *RedisTarget) Do(ctx context.Context, args []any) ([]byte, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, t.settings.timeout)
	defer cancel()

	command := ""
	if len(args) > 0 {
		command = strings.ToLower(fmt.Sprint(args[0]))
	}
	ctx, span := t.tracer.Start(ctx, "redis "+command,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("filterkit.cluster", t.cluster),
			attribute.String("db.system", "redis"),
			attribute.String("db.operation", command),
		),
	)
	defer span.End()

	v, err := t.client.Do(ctx, args...).Result()
	var redisErr redis.Error
	switch {
	case err == nil:
	case errors.Is(err, redis.Nil):
		v = nil
	case errors.As(err, &redisErr):
		v = redisErr
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.record(metrics.ResultError, start)
		return nil, err
	}

	t.record(metrics.ResultOK, start)
	return replyValue(v).MarshalRESP()
}

func (t *RedisTarget) record(result string, start time.Time) {
	if t.metrics != nil {
		t.metrics.RecordCallout(t.cluster, result, time.Since(start))
	}
}

// replyValue converts a go-redis reply into its RESP value.
func replyValue(v any) resp.Value {
	switch v := v.(type) {
	case nil:
		return resp.NullValue()
	case string:
		return resp.StringValue(v)
	case []byte:
		return resp.StringValue(string(v))
	case int64:
		return resp.IntegerValue(int(v))
	case bool:
		if v {
			return resp.IntegerValue(1)
		}
		return resp.IntegerValue(0)
	case float64:
		return resp.StringValue(strconv.FormatFloat(v, 'f', -1, 64))
	case []any:
		vals := make([]resp.Value, len(v))
		for i, e := range v {
			vals[i] = replyValue(e)
		}
		return resp.ArrayValue(vals)
	case error:
		return resp.ErrorValue(v)
	default:
		return resp.StringValue(fmt.Sprint(v))
	}
}
