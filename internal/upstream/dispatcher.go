package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/wudi/filterkit/host"
	"github.com/wudi/filterkit/internal/config"
	"github.com/wudi/filterkit/internal/logging"
	"github.com/wudi/filterkit/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrRateLimited is returned when the outbound call budget is spent.
	ErrRateLimited = errors.New("outbound call rate limited")
	// ErrBreakerOpen is returned while a cluster's breaker rejects calls.
	ErrBreakerOpen = errors.New("cluster breaker open")
)

// maxResponseBody caps how much of an upstream body is buffered.
const maxResponseBody = 16 << 20

// Call is one outbound HTTP call. Headers carry :method, :path and
// :authority pseudo headers the way a filter submits them.
type Call struct {
	Cluster string
	Headers []host.Header
	Body    []byte
	Timeout time.Duration
}

// Response is the buffered result of a Call. Headers start with ":status".
type Response struct {
	StatusCode int
	Headers    []host.Header
	Body       []byte
}

// Dispatcher performs outbound calls with a global rate limit and a
// breaker per cluster.
type Dispatcher struct {
	resolver *Resolver
	client   *http.Client
	limiter  *rate.Limiter
	metrics  *metrics.Collector
	tracer   trace.Tracer
	settings config.DispatchConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*Response]
}

// NewDispatcher creates a dispatcher. m may be nil.
func NewDispatcher(cfg config.DispatchConfig, r *Resolver, m *metrics.Collector) *Dispatcher {
	d := &Dispatcher{
		resolver: r,
		client: &http.Client{
			// redirects go back to the caller untouched
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		metrics:  m,
		tracer:   otel.Tracer("filterkit/upstream"),
		settings: cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*Response]),
	}
	if cfg.RateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	return d
}

// SetHTTPClient replaces the client used for calls
func (d *Dispatcher) SetHTTPClient(c *http.Client) {
	d.client = c
}

func (d *Dispatcher) breaker(clusterName string) *gobreaker.CircuitBreaker[*Response] {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[clusterName]; ok {
		return cb
	}

	maxFailures := d.settings.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	cb := gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:    clusterName,
		Timeout: d.settings.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("cluster breaker state changed",
				zap.String("cluster", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if d.metrics != nil {
				d.metrics.SetBreakerState(name, int(to))
			}
		},
		// a missing address is a config problem, not an unhealthy cluster
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrUnresolved)
		},
	})
	d.breakers[clusterName] = cb
	return cb
}

// BreakerState returns the breaker state of clusterName
func (d *Dispatcher) BreakerState(clusterName string) gobreaker.State {
	return d.breaker(clusterName).State()
}

// Do performs an outbound call for the filter and buffers the response.
func (d *Dispatcher) Do(ctx context.Context, call Call) (*Response, error) {
	return d.do(ctx, call, true)
}

// Forward sends proxied client traffic. It shares resolution and breakers
// with Do but is not subject to the outbound call rate limit.
func (d *Dispatcher) Forward(ctx context.Context, call Call) (*Response, error) {
	return d.do(ctx, call, false)
}

func (d *Dispatcher) do(ctx context.Context, call Call, limited bool) (*Response, error) {
	start := time.Now()
	if limited && d.limiter != nil && !d.limiter.Allow() {
		d.record(call.Cluster, metrics.ResultRateLimited, start, limited)
		return nil, ErrRateLimited
	}

	method, _ := host.HeaderValue(call.Headers, ":method")
	path, _ := host.HeaderValue(call.Headers, ":path")
	authority, _ := host.HeaderValue(call.Headers, ":authority")
	if method == "" {
		method = http.MethodGet
	}
	if path == "" {
		path = "/"
	}

	spanName := "forward "
	if limited {
		spanName = "callout "
	}
	ctx, span := d.tracer.Start(ctx, spanName+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("filterkit.cluster", call.Cluster),
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
			attribute.String("server.address", authority),
		),
	)
	defer span.End()

	resp, err := d.breaker(call.Cluster).Execute(func() (*Response, error) {
		return d.roundTrip(ctx, call, method, path, authority)
	})
	if err != nil {
		result := metrics.ResultError
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			result = metrics.ResultRejected
			err = fmt.Errorf("%w: %s", ErrBreakerOpen, call.Cluster)
		case errors.Is(err, ErrUnresolved):
			result = metrics.ResultUnresolved
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.record(call.Cluster, result, start, limited)
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	d.record(call.Cluster, metrics.ResultOK, start, limited)
	return resp, nil
}

func (d *Dispatcher) roundTrip(ctx context.Context, call Call, method, path, authority string) (*Response, error) {
	addr, err := d.resolver.Resolve(ctx, call.Cluster, authority)
	if err != nil {
		return nil, err
	}

	if call.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, call.Timeout)
		defer cancel()
	}

	var body io.Reader
	if len(call.Body) > 0 {
		body = bytes.NewReader(call.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+addr+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header = host.ToHTTPHeader(call.Headers)
	if authority != "" {
		req.Host = authority
	}

	res, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	headers := append([]host.Header{{":status", strconv.Itoa(res.StatusCode)}}, host.FromHTTPHeader(res.Header)...)
	return &Response{StatusCode: res.StatusCode, Headers: headers, Body: data}, nil
}

// record counts filter callouts; forwarded client traffic is counted per
// request by the gateway.
func (d *Dispatcher) record(clusterName, result string, start time.Time, callout bool) {
	if callout && d.metrics != nil {
		d.metrics.RecordCallout(clusterName, result, time.Since(start))
	}
}
