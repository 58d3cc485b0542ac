// Package hosttest is an in-memory host for unit testing filters. It drives
// the same hooks a proxy would, records everything the filter asks of the
// host, and lets tests control the clock and outbound call responses.
package hosttest

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/resp"
	"github.com/wudi/filterkit/host"
)

// LogEntry is one line written through Host.Log.
type LogEntry struct {
	Level   host.LogLevel
	Message string
}

// Call is an outbound call dispatched by the filter.
type Call struct {
	ID       uint32
	Cluster  string
	Headers  []host.Header
	Body     []byte
	Trailers []host.Header
	Timeout  uint32
	Done     bool
}

// Header returns the first value of key in the call's headers.
func (c *Call) Header(key string) string {
	v, _ := host.HeaderValue(c.Headers, key)
	return v
}

// RedisCall is a redis command dispatched by the filter.
type RedisCall struct {
	ID      uint32
	Cluster string
	Query   []byte
	Done    bool
}

// Command returns the decoded command words, lower cased name first.
func (c *RedisCall) Command() []string {
	v, _, err := resp.NewReader(bytes.NewReader(c.Query)).ReadValue()
	if err != nil {
		return nil
	}
	var out []string
	for i, a := range v.Array() {
		if i == 0 {
			out = append(out, strings.ToLower(a.String()))
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// RedisInitCall records one RedisInit.
type RedisInitCall struct {
	Cluster  string
	Username string
	Password string
	Timeout  uint32
}

type callResponse struct {
	headers []host.Header
	body    []byte
}

// Host implements host.Host for a single root context.
type Host struct {
	vm         host.VMContext
	root       host.PluginContext
	config     []byte
	hasConfig  bool
	now        time.Time
	tickPeriod uint32

	logs          []LogEntry
	calls         []*Call
	nextCalloutID uint32
	nextContextID uint32
	response      *callResponse
	dispatchErr   error

	redisInits    []RedisInitCall
	redisInitErrs []error
	redisCalls    []*RedisCall
	redisResponse []byte
	inRedisReply  bool
}

var _ host.Host = (*Host)(nil)

// Option configures a Host.
type Option func(*Host)

// WithConfig sets the plugin configuration bytes.
func WithConfig(config []byte) Option {
	return func(h *Host) {
		h.config = config
		h.hasConfig = true
	}
}

// WithConfigString is WithConfig for a string literal.
func WithConfigString(config string) Option {
	return WithConfig([]byte(config))
}

// WithNow sets the starting host clock.
func WithNow(t time.Time) Option {
	return func(h *Host) {
		h.now = t
	}
}

// New creates a host for vm. The clock starts at the Unix epoch.
func New(vm host.VMContext, opts ...Option) *Host {
	h := &Host{
		vm:            vm,
		now:           time.UnixMilli(0),
		nextCalloutID: 1,
		nextContextID: 1,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Host) contextID() uint32 {
	id := h.nextContextID
	h.nextContextID++
	return id
}

// Start creates the root context and runs OnPluginStart.
func (h *Host) Start() bool {
	h.root = h.vm.NewPluginContext(h.contextID(), h)
	return h.root.OnPluginStart(len(h.config))
}

// Root returns the root context created by Start.
func (h *Host) Root() host.PluginContext {
	return h.root
}

// TickPeriod returns the period the filter asked for, 0 if none.
func (h *Host) TickPeriod() uint32 {
	return h.tickPeriod
}

// SetNow moves the host clock to t.
func (h *Host) SetNow(t time.Time) {
	h.now = t
}

// Advance moves the host clock forward by d.
func (h *Host) Advance(d time.Duration) {
	h.now = h.now.Add(d)
}

// Tick delivers one tick to the root context.
func (h *Host) Tick() {
	h.root.OnTick()
}

// AdvanceAndTick moves the clock by d and delivers a tick.
func (h *Host) AdvanceAndTick(d time.Duration) {
	h.Advance(d)
	h.Tick()
}

// Logs returns every log entry so far.
func (h *Host) Logs() []LogEntry {
	return h.logs
}

// LogMessages returns the messages logged at level.
func (h *Host) LogMessages(level host.LogLevel) []string {
	var out []string
	for _, e := range h.logs {
		if e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}

// HasLog reports whether any entry at level contains substr.
func (h *Host) HasLog(level host.LogLevel, substr string) bool {
	for _, m := range h.LogMessages(level) {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

// Calls returns every dispatched call in order.
func (h *Host) Calls() []*Call {
	return h.calls
}

// PendingCalls returns the calls that have not been responded to.
func (h *Host) PendingCalls() []*Call {
	var out []*Call
	for _, c := range h.calls {
		if !c.Done {
			out = append(out, c)
		}
	}
	return out
}

// FailDispatch makes every following dispatch fail with err; nil restores.
func (h *Host) FailDispatch(err error) {
	h.dispatchErr = err
}

// RespondHttpCall delivers a response for callout id. The same id may be
// delivered again to exercise duplicate handling.
func (h *Host) RespondHttpCall(id uint32, headers []host.Header, body []byte) error {
	var call *Call
	for _, c := range h.calls {
		if c.ID == id {
			call = c
		}
	}
	if call == nil {
		return fmt.Errorf("unknown callout id %d", id)
	}
	call.Done = true
	h.response = &callResponse{headers: headers, body: body}
	defer func() { h.response = nil }()
	h.root.OnHttpCallResponse(id, len(headers), len(body), 0)
	return nil
}

// RespondStatus is RespondHttpCall with a ":status" header and body.
func (h *Host) RespondStatus(id uint32, status int, body string, headers ...host.Header) error {
	all := append([]host.Header{{":status", fmt.Sprint(status)}}, headers...)
	return h.RespondHttpCall(id, all, []byte(body))
}

// RedisInits returns every RedisInit in order.
func (h *Host) RedisInits() []RedisInitCall {
	return h.redisInits
}

// FailRedisInit makes the next len(errs) RedisInit calls fail in order.
func (h *Host) FailRedisInit(errs ...error) {
	h.redisInitErrs = append(h.redisInitErrs, errs...)
}

// RedisCalls returns every dispatched redis command in order.
func (h *Host) RedisCalls() []*RedisCall {
	return h.redisCalls
}

// RespondRedisCall delivers status and a raw RESP reply for callout id.
func (h *Host) RespondRedisCall(id uint32, status int, reply []byte) error {
	var call *RedisCall
	for _, c := range h.redisCalls {
		if c.ID == id {
			call = c
		}
	}
	if call == nil {
		return fmt.Errorf("unknown redis callout id %d", id)
	}
	call.Done = true
	h.redisResponse = reply
	h.inRedisReply = true
	defer func() {
		h.redisResponse = nil
		h.inRedisReply = false
	}()
	h.root.OnRedisCallResponse(id, status, len(reply))
	return nil
}

// RespondRedis is RespondRedisCall with a successful reply value.
func (h *Host) RespondRedis(id uint32, reply resp.Value) error {
	raw, err := reply.MarshalRESP()
	if err != nil {
		return err
	}
	return h.RespondRedisCall(id, 0, raw)
}

func (h *Host) GetPluginConfiguration() ([]byte, error) {
	if !h.hasConfig {
		return nil, host.ErrNotFound
	}
	return h.config, nil
}

func (h *Host) SetTickPeriodMilliseconds(periodMs uint32) error {
	h.tickPeriod = periodMs
	return nil
}

func (h *Host) DispatchHttpCall(cluster string, headers []host.Header, body []byte, trailers []host.Header, timeoutMs uint32) (uint32, error) {
	if h.dispatchErr != nil {
		return 0, h.dispatchErr
	}
	if cluster == "" {
		return 0, host.ErrBadArgument
	}
	c := &Call{
		ID:       h.nextCalloutID,
		Cluster:  cluster,
		Headers:  headers,
		Body:     body,
		Trailers: trailers,
		Timeout:  timeoutMs,
	}
	h.nextCalloutID++
	h.calls = append(h.calls, c)
	return c.ID, nil
}

func (h *Host) GetHttpCallResponseHeaders() ([]host.Header, error) {
	if h.response == nil {
		return nil, host.ErrNotFound
	}
	return h.response.headers, nil
}

func (h *Host) GetHttpCallResponseBody(start, maxSize int) ([]byte, error) {
	if h.response == nil {
		return nil, host.ErrNotFound
	}
	return host.ReadRange(h.response.body, start, maxSize)
}

func (h *Host) RedisInit(cluster, username, password string, timeoutMs uint32) error {
	h.redisInits = append(h.redisInits, RedisInitCall{cluster, username, password, timeoutMs})
	if len(h.redisInitErrs) > 0 {
		err := h.redisInitErrs[0]
		h.redisInitErrs = h.redisInitErrs[1:]
		return err
	}
	return nil
}

func (h *Host) DispatchRedisCall(cluster string, query []byte) (uint32, error) {
	if h.dispatchErr != nil {
		return 0, h.dispatchErr
	}
	if cluster == "" || len(query) == 0 {
		return 0, host.ErrBadArgument
	}
	c := &RedisCall{ID: h.nextCalloutID, Cluster: cluster, Query: query}
	h.nextCalloutID++
	h.redisCalls = append(h.redisCalls, c)
	return c.ID, nil
}

func (h *Host) GetRedisCallResponse(start, maxSize int) ([]byte, error) {
	if !h.inRedisReply {
		return nil, host.ErrNotFound
	}
	return host.ReadRange(h.redisResponse, start, maxSize)
}

func (h *Host) Log(level host.LogLevel, msg string) {
	h.logs = append(h.logs, LogEntry{Level: level, Message: msg})
}

func (h *Host) Now() time.Time {
	return h.now
}
