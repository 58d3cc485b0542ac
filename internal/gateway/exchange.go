package gateway

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/wudi/filterkit/host"
	"github.com/wudi/filterkit/internal/config"
	ferrors "github.com/wudi/filterkit/internal/errors"
	"github.com/wudi/filterkit/internal/logging"
	"github.com/wudi/filterkit/internal/upstream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// bodyChunkSize is the size of request body chunks handed to the filter.
const bodyChunkSize = 32 << 10

// statusClientClosed is recorded when the client goes away mid request.
const statusClientClosed = 499

var hopHeaders = []string{
	"connection", "keep-alive", "proxy-connection", "te",
	"trailer", "transfer-encoding", "upgrade",
}

// exchange drives one request through the filter phases.
type exchange struct {
	g     *Gateway
	st    *gatewayState
	route config.RouteConfig
	w     http.ResponseWriter
	r     *http.Request

	s    *stream
	hc   host.HttpContext
	span trace.Span
	code int
}

func (x *exchange) run() {
	ctx, span := x.g.tracer.Start(x.r.Context(), "filter "+x.route.Name,
		trace.WithAttributes(
			attribute.String("filterkit.route", x.route.Name),
			attribute.String("filterkit.cluster", x.route.Cluster),
		),
	)
	defer span.End()
	x.span = span

	g := x.g
	g.mu.Lock()
	rh := g.root
	g.nextContextID++
	x.s = newStream(x.route.Name, x.route.Cluster, requestHeaders(x.r))
	x.hc = rh.root.NewHttpContext(g.nextContextID, x.s)
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		x.hc.OnHttpStreamDone()
		g.mu.Unlock()
	}()

	if !x.requestPhases() {
		return
	}

	resp, err := x.forward(ctx)
	if err != nil {
		x.upstreamError(err)
		return
	}

	if !x.responsePhases(resp) {
		return
	}
	x.writeResponse(resp.StatusCode)
}

func (x *exchange) requestPhases() bool {
	s := x.s
	eos := x.r.ContentLength == 0
	numHeaders := len(s.requestHeaders)
	if !x.phase("request_headers", true, nil, func() host.Action {
		return x.hc.OnHttpRequestHeaders(numHeaders, eos)
	}) {
		return false
	}
	if eos {
		return true
	}

	br := bufio.NewReaderSize(x.r.Body, bodyChunkSize)
	for {
		chunk, last, err := readChunk(br)
		if err != nil {
			logging.Debug("failed to read request body", zap.Error(err))
			x.fail(ferrors.ErrBadRequest)
			return false
		}
		// a paused chunk stays buffered; only the final one waits for resume
		if !x.phase("request_body", last, s.forwardRequestBody, func() host.Action {
			s.requestBody = append(s.requestBody, chunk...)
			return x.hc.OnHttpRequestBody(len(chunk), last)
		}) {
			return false
		}
		if last {
			return true
		}
	}
}

func (x *exchange) responsePhases(resp *upstream.Response) bool {
	s := x.s
	eos := len(resp.Body) == 0
	if !x.phase("response_headers", true, nil, func() host.Action {
		s.responseHeaders = resp.Headers
		return x.hc.OnHttpResponseHeaders(len(resp.Headers), eos)
	}) {
		return false
	}
	if eos {
		return true
	}
	return x.phase("response_body", true, s.forwardResponseBody, func() host.Action {
		s.responseBody = append(s.responseBody, resp.Body...)
		return x.hc.OnHttpResponseBody(len(resp.Body), true)
	})
}

// phase runs hook under the VM lock. On Continue the held body, if any, is
// released by forward. On Pause the exchange waits for a resume when wait is
// set. It reports false once a response has been written.
func (x *exchange) phase(name string, wait bool, forward func(), hook func() host.Action) bool {
	g := x.g
	g.mu.Lock()
	x.s.drain()
	action := hook()
	if action == host.ActionContinue && forward != nil {
		forward()
	}
	local := x.s.local
	pauseTimeout := g.pauseTimeout
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.RecordPhase(name, action.String())
	}
	x.span.AddEvent(name, trace.WithAttributes(attribute.String("action", action.String())))

	if local != nil {
		x.writeLocal(local)
		return false
	}
	if action == host.ActionContinue || !wait {
		return true
	}

	timer := time.NewTimer(pauseTimeout)
	defer timer.Stop()
	select {
	case <-x.s.resume:
	case <-x.r.Context().Done():
		logging.Debug("client went away while the filter held the request", zap.String("phase", name))
		x.code = statusClientClosed
		return false
	case <-timer.C:
		logging.Warn("filter did not resume the request",
			zap.String("route", x.route.Name),
			zap.String("phase", name),
			zap.Duration("timeout", pauseTimeout),
		)
		x.fail(ferrors.ErrGatewayTimeout)
		return false
	}

	g.mu.Lock()
	if forward != nil {
		forward()
	}
	local = x.s.local
	g.mu.Unlock()

	if local != nil {
		x.writeLocal(local)
		return false
	}
	return true
}

func (x *exchange) forward(ctx context.Context) (*upstream.Response, error) {
	g := x.g
	g.mu.Lock()
	headers := host.WithoutHeaders(x.s.requestHeaders, hopHeaders...)
	body := x.s.forwardedRequest
	g.mu.Unlock()

	return x.st.dispatcher.Forward(ctx, upstream.Call{
		Cluster: x.route.Cluster,
		Headers: headers,
		Body:    body,
	})
}

func (x *exchange) upstreamError(err error) {
	logging.Warn("upstream request failed",
		zap.String("route", x.route.Name),
		zap.String("cluster", x.route.Cluster),
		zap.Error(err),
	)
	switch {
	case errors.Is(err, upstream.ErrBreakerOpen), errors.Is(err, upstream.ErrUnresolved):
		x.fail(ferrors.ErrServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		x.fail(ferrors.ErrGatewayTimeout)
	default:
		x.fail(ferrors.ErrBadGateway)
	}
}

func (x *exchange) fail(e *ferrors.FilterError) {
	x.code = e.Code
	x.span.SetStatus(codes.Error, e.Message)
	writeError(x.w, x.r, e)
}

func (x *exchange) writeLocal(local *localResponse) {
	header := x.w.Header()
	for k, vs := range host.ToHTTPHeader(local.headers) {
		header[k] = vs
	}
	header.Del("Content-Length")
	x.code = local.status
	x.span.SetAttributes(attribute.Bool("filterkit.local_response", true))
	x.w.WriteHeader(local.status)
	x.w.Write(local.body)
}

// writeResponse writes the upstream response as the filter left it. The
// filter may rewrite :status; an unparseable value keeps upstreamStatus.
func (x *exchange) writeResponse(upstreamStatus int) {
	g := x.g
	g.mu.Lock()
	headers := host.WithoutHeaders(x.s.responseHeaders, hopHeaders...)
	body := x.s.forwardedResponse
	g.mu.Unlock()

	status := upstreamStatus
	if v, ok := host.HeaderValue(headers, ":status"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 100 && n <= 999 {
			status = n
		}
	}

	header := x.w.Header()
	for k, vs := range host.ToHTTPHeader(headers) {
		header[k] = vs
	}
	header.Del("Content-Length")

	x.code = status
	x.w.WriteHeader(status)
	x.w.Write(body)
}

// requestHeaders builds the header list a proxy presents to the filter.
func requestHeaders(r *http.Request) []host.Header {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	headers := []host.Header{
		{":method", r.Method},
		{":path", r.URL.RequestURI()},
		{":authority", r.Host},
		{":scheme", scheme},
	}
	return append(headers, host.FromHTTPHeader(r.Header)...)
}

// readChunk reads up to bodyChunkSize bytes and reports whether the body
// ended with them.
func readChunk(br *bufio.Reader) ([]byte, bool, error) {
	chunk := make([]byte, bodyChunkSize)
	n, err := io.ReadFull(br, chunk)
	chunk = chunk[:n]
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		return chunk, true, nil
	case err != nil:
		return nil, false, err
	}
	if _, err := br.Peek(1); err == io.EOF {
		return chunk, true, nil
	}
	return chunk, false, nil
}
