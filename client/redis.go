package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/resp"
	"github.com/wudi/filterkit/cluster"
	"github.com/wudi/filterkit/host"
	ferrors "github.com/wudi/filterkit/internal/errors"
	"go.uber.org/zap"
)

// RedisDispatcher is the root context side of a redis call.
type RedisDispatcher interface {
	RedisInit(clusterName, username, password string, timeoutMs uint32) error
	// DispatchRedisCall submits a RESP encoded command; onResponse runs once
	// when the host delivers the reply.
	DispatchRedisCall(clusterName string, query []byte, onResponse func(status, responseSize int)) error
	GetRedisCallResponse(start, maxSize int) ([]byte, error)
}

// RedisResponseCallback receives the reply of a redis call. Transport
// failures arrive as an error value.
type RedisResponseCallback func(response resp.Value)

// authRetries bounds how often a NOAUTH reply re-runs RedisInit.
const authRetries = 2

type redisOptions struct {
	database int
}

// RedisOption configures RedisClusterClient.Init.
type RedisOption func(*redisOptions)

// WithDatabase selects the logical database.
func WithDatabase(db int) RedisOption {
	return func(o *redisOptions) {
		o.database = db
	}
}

// RedisClusterClient sends redis commands to one cluster.
type RedisClusterClient[C cluster.Cluster] struct {
	dispatcher RedisDispatcher
	cluster    C

	initialized bool
	ready       bool
	username    string
	password    string
	timeout     uint32
	options     redisOptions
}

// NewRedisClusterClient binds a redis cluster to the dispatcher of a root
// context. Calls fail until Init has run.
func NewRedisClusterClient[C cluster.Cluster](d RedisDispatcher, c C) *RedisClusterClient[C] {
	if isNil(d) {
		d = nil
	}
	return &RedisClusterClient[C]{dispatcher: d, cluster: c}
}

// Init registers credentials with the host. A failed registration is
// logged and retried on the next call.
func (c *RedisClusterClient[C]) Init(username, password string, timeoutMs uint32, opts ...RedisOption) error {
	if c.dispatcher == nil {
		return ferrors.New(ferrors.KindHost, "redis init: no root context")
	}
	if c.clusterName() == "" {
		return ferrors.New(ferrors.KindHost, "redis init: cluster %T has no name", c.cluster)
	}
	for _, opt := range opts {
		opt(&c.options)
	}
	c.username = username
	c.password = password
	c.timeout = timeoutMs
	c.initialized = true

	if err := c.dispatcher.RedisInit(c.initName(), username, password, timeoutMs); err != nil {
		c.ready = false
		c.logger().Warn("redis init failed, retrying on next call",
			zap.String("cluster", c.clusterName()),
			zap.Error(err),
		)
		return nil
	}
	c.ready = true
	return nil
}

// Ready reports whether the host accepted the credentials.
func (c *RedisClusterClient[C]) Ready() bool {
	return c.ready
}

func (c *RedisClusterClient[C]) clusterName() string {
	var req cluster.Request
	if sd, ok := c.dispatcher.(interface{ ActiveStream() host.Stream }); ok {
		if s := sd.ActiveStream(); s != nil {
			req = s
		}
	}
	return c.cluster.ClusterName(req)
}

func (c *RedisClusterClient[C]) initName() string {
	name := c.clusterName()
	if c.options.database != 0 {
		name = fmt.Sprintf("%s?db=%d", name, c.options.database)
	}
	return name
}

func (c *RedisClusterClient[C]) logger() *zap.Logger {
	if ls, ok := c.dispatcher.(loggerSource); ok {
		if l := ls.Logger(); l != nil {
			return l
		}
	}
	return zap.NewNop()
}

func (c *RedisClusterClient[C]) checkReady() error {
	if c.dispatcher == nil {
		return ferrors.New(ferrors.KindHost, "redis call: no root context")
	}
	if !c.initialized {
		return ferrors.New(ferrors.KindHost, "redis client for %s is not ready, call Init first", c.clusterName())
	}
	if c.ready {
		return nil
	}
	if err := c.dispatcher.RedisInit(c.initName(), c.username, c.password, c.timeout); err != nil {
		return ferrors.Wrap(err, ferrors.KindHost, "redis init "+c.clusterName())
	}
	c.ready = true
	return nil
}

// Command sends args as one command, the way redis-cli would.
func (c *RedisClusterClient[C]) Command(args []any, cb RedisResponseCallback) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	return c.dispatch(encodeCommand(args), cb, uuid.NewString(), false)
}

func (c *RedisClusterClient[C]) dispatch(query []byte, cb RedisResponseCallback, requestID string, authRetried bool) error {
	clusterName := c.clusterName()
	log := c.logger()
	start := time.Now()
	d := c.dispatcher
	err := d.DispatchRedisCall(clusterName, query, func(status, responseSize int) {
		value := c.readReply(status, responseSize, requestID)

		if !authRetried && strings.HasPrefix(value.String(), "NOAUTH") {
			for attempt := 1; attempt <= authRetries; attempt++ {
				log.Info("redis call not authenticated, re-running init",
					zap.String("request_id", requestID), zap.Int("attempt", attempt))
				if err := d.RedisInit(c.initName(), c.username, c.password, c.timeout); err != nil {
					continue
				}
				if err := c.dispatch(query, cb, requestID, true); err != nil {
					log.Error("redis call retry failed", zap.String("request_id", requestID), zap.Error(err))
					if cb != nil {
						cb(resp.ErrorValue(err))
					}
				}
				return
			}
		}

		log.Debug("redis call end",
			zap.String("request_id", requestID),
			zap.String("cluster", clusterName),
			zap.Int("status", status),
			zap.Int("response_size", responseSize),
			zap.Duration("elapsed", time.Since(start)),
		)
		if cb != nil {
			cb(value)
		}
	})
	if err != nil {
		log.Warn("redis call dispatch failed",
			zap.String("request_id", requestID),
			zap.String("cluster", clusterName),
			zap.Error(err),
		)
		return ferrors.Wrap(err, ferrors.KindHost, "dispatch redis call to "+clusterName)
	}

	log.Debug("redis call start",
		zap.String("request_id", requestID),
		zap.String("cluster", clusterName),
		zap.Int("query_size", len(query)),
	)
	return nil
}

func (c *RedisClusterClient[C]) readReply(status, responseSize int, requestID string) resp.Value {
	log := c.logger()
	if status != 0 {
		log.Error("cannot connect to redis cluster",
			zap.String("request_id", requestID), zap.Int("status", status))
		return resp.ErrorValue(errors.New("cannot connect to redis cluster"))
	}
	data, err := c.dispatcher.GetRedisCallResponse(0, responseSize)
	if err != nil {
		log.Error("read redis response failed", zap.String("request_id", requestID), zap.Error(err))
		return resp.ErrorValue(errors.New("cannot get redis response"))
	}
	value, _, err := resp.NewReader(bytes.NewReader(data)).ReadValue()
	if err != nil && err != io.EOF {
		log.Error("decode redis response failed", zap.String("request_id", requestID), zap.Error(err))
		return resp.ErrorValue(errors.New("cannot read redis response"))
	}
	return value
}

// encodeCommand renders args as a RESP array of bulk strings.
func encodeCommand(args []any) []byte {
	vals := make([]resp.Value, 0, len(args))
	for _, arg := range args {
		vals = append(vals, resp.StringValue(fmt.Sprint(arg)))
	}
	var buf bytes.Buffer
	resp.NewWriter(&buf).WriteArray(vals)
	return buf.Bytes()
}

// sortedPairs flattens kv in key order.
func sortedPairs(kv map[string]any, valueFirst bool) []any {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, 2*len(kv))
	for _, k := range keys {
		if valueFirst {
			out = append(out, kv[k], k)
		} else {
			out = append(out, k, kv[k])
		}
	}
	return out
}

func (c *RedisClusterClient[C]) Eval(script string, numKeys int, keys, args []any, cb RedisResponseCallback) error {
	params := append([]any{"eval", script, numKeys}, keys...)
	return c.Command(append(params, args...), cb)
}

// Key

func (c *RedisClusterClient[C]) Del(key string, cb RedisResponseCallback) error {
	return c.Command([]any{"del", key}, cb)
}

func (c *RedisClusterClient[C]) Exists(key string, cb RedisResponseCallback) error {
	return c.Command([]any{"exists", key}, cb)
}

func (c *RedisClusterClient[C]) Expire(key string, ttl int, cb RedisResponseCallback) error {
	return c.Command([]any{"expire", key, ttl}, cb)
}

func (c *RedisClusterClient[C]) Persist(key string, cb RedisResponseCallback) error {
	return c.Command([]any{"persist", key}, cb)
}

// String

func (c *RedisClusterClient[C]) Get(key string, cb RedisResponseCallback) error {
	return c.Command([]any{"get", key}, cb)
}

func (c *RedisClusterClient[C]) Set(key string, value any, cb RedisResponseCallback) error {
	return c.Command([]any{"set", key, value}, cb)
}

func (c *RedisClusterClient[C]) SetEx(key string, value any, ttl int, cb RedisResponseCallback) error {
	return c.Command([]any{"set", key, value, "ex", ttl}, cb)
}

// SetNX sets key only if it does not exist; a ttl of 0 means no expiry.
func (c *RedisClusterClient[C]) SetNX(key string, value any, ttl int, cb RedisResponseCallback) error {
	args := []any{"set", key, value, "nx"}
	if ttl > 0 {
		args = append(args, "ex", ttl)
	}
	return c.Command(args, cb)
}

func (c *RedisClusterClient[C]) MGet(keys []string, cb RedisResponseCallback) error {
	args := []any{"mget"}
	for _, k := range keys {
		args = append(args, k)
	}
	return c.Command(args, cb)
}

func (c *RedisClusterClient[C]) MSet(kv map[string]any, cb RedisResponseCallback) error {
	return c.Command(append([]any{"mset"}, sortedPairs(kv, false)...), cb)
}

func (c *RedisClusterClient[C]) Incr(key string, cb RedisResponseCallback) error {
	return c.Command([]any{"incr", key}, cb)
}

func (c *RedisClusterClient[C]) Decr(key string, cb RedisResponseCallback) error {
	return c.Command([]any{"decr", key}, cb)
}

func (c *RedisClusterClient[C]) IncrBy(key string, delta int, cb RedisResponseCallback) error {
	return c.Command([]any{"incrby", key, delta}, cb)
}

func (c *RedisClusterClient[C]) DecrBy(key string, delta int, cb RedisResponseCallback) error {
	return c.Command([]any{"decrby", key, delta}, cb)
}

// List

func (c *RedisClusterClient[C]) LLen(key string, cb RedisResponseCallback) error {
	return c.Command([]any{"llen", key}, cb)
}

func (c *RedisClusterClient[C]) RPush(key string, vals []any, cb RedisResponseCallback) error {
	return c.Command(append([]any{"rpush", key}, vals...), cb)
}

func (c *RedisClusterClient[C]) RPop(key string, cb RedisResponseCallback) error {
	return c.Command([]any{"rpop", key}, cb)
}

func (c *RedisClusterClient[C]) LPush(key string, vals []any, cb RedisResponseCallback) error {
	return c.Command(append([]any{"lpush", key}, vals...), cb)
}

func (c *RedisClusterClient[C]) LPop(key string, cb RedisResponseCallback) error {
	return c.Command([]any{"lpop", key}, cb)
}

func (c *RedisClusterClient[C]) LIndex(key string, index int, cb RedisResponseCallback) error {
	return c.Command([]any{"lindex", key, index}, cb)
}

func (c *RedisClusterClient[C]) LRange(key string, start, stop int, cb RedisResponseCallback) error {
	return c.Command([]any{"lrange", key, start, stop}, cb)
}

func (c *RedisClusterClient[C]) LRem(key string, count int, value any, cb RedisResponseCallback) error {
	return c.Command([]any{"lrem", key, count, value}, cb)
}

func (c *RedisClusterClient[C]) LInsertBefore(key string, pivot, value any, cb RedisResponseCallback) error {
	return c.Command([]any{"linsert", key, "before", pivot, value}, cb)
}

func (c *RedisClusterClient[C]) LInsertAfter(key string, pivot, value any, cb RedisResponseCallback) error {
	return c.Command([]any{"linsert", key, "after", pivot, value}, cb)
}

// Hash

func (c *RedisClusterClient[C]) HExists(key, field string, cb RedisResponseCallback) error {
	return c.Command([]any{"hexists", key, field}, cb)
}

func (c *RedisClusterClient[C]) HDel(key string, fields []string, cb RedisResponseCallback) error {
	args := []any{"hdel", key}
	for _, f := range fields {
		args = append(args, f)
	}
	return c.Command(args, cb)
}

func (c *RedisClusterClient[C]) HLen(key string, cb RedisResponseCallback) error {
	return c.Command([]any{"hlen", key}, cb)
}

func (c *RedisClusterClient[C]) HGet(key, field string, cb RedisResponseCallback) error {
	return c.Command([]any{"hget", key, field}, cb)
}

func (c *RedisClusterClient[C]) HSet(key, field string, value any, cb RedisResponseCallback) error {
	return c.Command([]any{"hset", key, field, value}, cb)
}

func (c *RedisClusterClient[C]) HMGet(key string, fields []string, cb RedisResponseCallback) error {
	args := []any{"hmget", key}
	for _, f := range fields {
		args = append(args, f)
	}
	return c.Command(args, cb)
}

func (c *RedisClusterClient[C]) HMSet(key string, kv map[string]any, cb RedisResponseCallback) error {
	return c.Command(append([]any{"hmset", key}, sortedPairs(kv, false)...), cb)
}

func (c *RedisClusterClient[C]) HKeys(key string, cb RedisResponseCallback) error {
	return c.Command([]any{"hkeys", key}, cb)
}

func (c *RedisClusterClient[C]) HVals(key string, cb RedisResponseCallback) error {
	return c.Command([]any{"hvals", key}, cb)
}

func (c *RedisClusterClient[C]) HGetAll(key string, cb RedisResponseCallback) error {
	return c.Command([]any{"hgetall", key}, cb)
}

func (c *RedisClusterClient[C]) HIncrBy(key, field string, delta int, cb RedisResponseCallback) error {
	return c.Command([]any{"hincrby", key, field, delta}, cb)
}

func (c *RedisClusterClient[C]) HIncrByFloat(key, field string, delta float64, cb RedisResponseCallback) error {
	return c.Command([]any{"hincrbyfloat", key, field, delta}, cb)
}

// Set

func (c *RedisClusterClient[C]) SCard(key string, cb RedisResponseCallback) error {
	return c.Command([]any{"scard", key}, cb)
}

func (c *RedisClusterClient[C]) SAdd(key string, vals []any, cb RedisResponseCallback) error {
	return c.Command(append([]any{"sadd", key}, vals...), cb)
}

func (c *RedisClusterClient[C]) SRem(key string, vals []any, cb RedisResponseCallback) error {
	return c.Command(append([]any{"srem", key}, vals...), cb)
}

func (c *RedisClusterClient[C]) SIsMember(key string, value any, cb RedisResponseCallback) error {
	return c.Command([]any{"sismember", key, value}, cb)
}

func (c *RedisClusterClient[C]) SMembers(key string, cb RedisResponseCallback) error {
	return c.Command([]any{"smembers", key}, cb)
}

func (c *RedisClusterClient[C]) SDiff(key1, key2 string, cb RedisResponseCallback) error {
	return c.Command([]any{"sdiff", key1, key2}, cb)
}

func (c *RedisClusterClient[C]) SInter(key1, key2 string, cb RedisResponseCallback) error {
	return c.Command([]any{"sinter", key1, key2}, cb)
}

func (c *RedisClusterClient[C]) SUnion(key1, key2 string, cb RedisResponseCallback) error {
	return c.Command([]any{"sunion", key1, key2}, cb)
}

// Sorted set

func (c *RedisClusterClient[C]) ZCard(key string, cb RedisResponseCallback) error {
	return c.Command([]any{"zcard", key}, cb)
}

// ZAdd adds members with their scores.
func (c *RedisClusterClient[C]) ZAdd(key string, scores map[string]any, cb RedisResponseCallback) error {
	return c.Command(append([]any{"zadd", key}, sortedPairs(scores, true)...), cb)
}

func (c *RedisClusterClient[C]) ZCount(key string, min, max any, cb RedisResponseCallback) error {
	return c.Command([]any{"zcount", key, min, max}, cb)
}

func (c *RedisClusterClient[C]) ZIncrBy(key, member string, delta any, cb RedisResponseCallback) error {
	return c.Command([]any{"zincrby", key, delta, member}, cb)
}

func (c *RedisClusterClient[C]) ZScore(key, member string, cb RedisResponseCallback) error {
	return c.Command([]any{"zscore", key, member}, cb)
}

func (c *RedisClusterClient[C]) ZRank(key, member string, cb RedisResponseCallback) error {
	return c.Command([]any{"zrank", key, member}, cb)
}

func (c *RedisClusterClient[C]) ZRem(key string, members []string, cb RedisResponseCallback) error {
	args := []any{"zrem", key}
	for _, m := range members {
		args = append(args, m)
	}
	return c.Command(args, cb)
}

func (c *RedisClusterClient[C]) ZRange(key string, start, stop int, cb RedisResponseCallback) error {
	return c.Command([]any{"zrange", key, start, stop}, cb)
}

func (c *RedisClusterClient[C]) ZRevRange(key string, start, stop int, cb RedisResponseCallback) error {
	return c.Command([]any{"zrevrange", key, start, stop}, cb)
}
