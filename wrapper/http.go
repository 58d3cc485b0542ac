package wrapper

import (
	"bytes"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/wudi/filterkit/host"
	"go.uber.org/zap"
)

// HttpContext is the per-request handle passed to phase handlers.
type HttpContext interface {
	Scheme() string
	Host() string
	Path() string
	Method() string

	// Scratch values live for the duration of one request.
	SetContext(key string, value any)
	GetContext(key string) any
	GetBoolContext(key string, defaultValue bool) bool
	GetStringContext(key, defaultValue string) string
	GetIntContext(key string, defaultValue int) int
	GetByteSliceContext(key string, defaultValue []byte) []byte

	// DontReadRequestBody skips the request body phases.
	DontReadRequestBody()
	// DontReadResponseBody skips the response body phases.
	DontReadResponseBody()
	// BufferRequestBody switches a streaming request hook to buffered delivery.
	BufferRequestBody()
	// BufferResponseBody switches a streaming response hook to buffered delivery.
	BufferResponseBody()

	HasRequestBody() bool
	HasResponseBody() bool
	IsWebsocket() bool
	IsBinaryRequestBody() bool
	IsBinaryResponseBody() bool

	Stream() host.Stream
	Root() PluginContext
	Logger() *zap.Logger
}

// CommonHttpCtx drives one request through the filter's handlers.
type CommonHttpCtx[C any] struct {
	root      *CommonPluginCtx[C]
	contextID uint32
	stream    host.Stream
	config    *C

	needRequestBody       bool
	needResponseBody      bool
	streamingRequestBody  bool
	streamingResponseBody bool
	requestBodySize       int
	responseBodySize      int
	hasRequestBody        bool
	hasResponseBody       bool
	isWebsocket           bool
	binaryRequest         bool
	binaryResponse        bool

	scheme, host, path, method string

	userContext map[string]any
}

var _ host.HttpContext = (*CommonHttpCtx[struct{}])(nil)

func newHttpContext[C any](root *CommonPluginCtx[C], contextID uint32, s host.Stream) *CommonHttpCtx[C] {
	return &CommonHttpCtx[C]{
		root:                  root,
		contextID:             contextID,
		stream:                s,
		needRequestBody:       true,
		needResponseBody:      true,
		streamingRequestBody:  root.vm.onHttpStreamingRequestBody != nil,
		streamingResponseBody: root.vm.onHttpStreamingResponseBody != nil,
		userContext:           make(map[string]any),
	}
}

func (ctx *CommonHttpCtx[C]) Scheme() string { return ctx.scheme }

func (ctx *CommonHttpCtx[C]) Host() string { return ctx.host }

func (ctx *CommonHttpCtx[C]) Path() string { return ctx.path }

func (ctx *CommonHttpCtx[C]) Method() string { return ctx.method }

func (ctx *CommonHttpCtx[C]) SetContext(key string, value any) {
	ctx.userContext[key] = value
}

func (ctx *CommonHttpCtx[C]) GetContext(key string) any {
	return ctx.userContext[key]
}

func (ctx *CommonHttpCtx[C]) GetBoolContext(key string, defaultValue bool) bool {
	if b, ok := ctx.userContext[key].(bool); ok {
		return b
	}
	return defaultValue
}

func (ctx *CommonHttpCtx[C]) GetStringContext(key, defaultValue string) string {
	if s, ok := ctx.userContext[key].(string); ok {
		return s
	}
	return defaultValue
}

func (ctx *CommonHttpCtx[C]) GetIntContext(key string, defaultValue int) int {
	if i, ok := ctx.userContext[key].(int); ok {
		return i
	}
	return defaultValue
}

func (ctx *CommonHttpCtx[C]) GetByteSliceContext(key string, defaultValue []byte) []byte {
	if b, ok := ctx.userContext[key].([]byte); ok {
		return b
	}
	return defaultValue
}

func (ctx *CommonHttpCtx[C]) DontReadRequestBody() { ctx.needRequestBody = false }

func (ctx *CommonHttpCtx[C]) DontReadResponseBody() { ctx.needResponseBody = false }

func (ctx *CommonHttpCtx[C]) BufferRequestBody() { ctx.streamingRequestBody = false }

func (ctx *CommonHttpCtx[C]) BufferResponseBody() { ctx.streamingResponseBody = false }

func (ctx *CommonHttpCtx[C]) HasRequestBody() bool { return ctx.hasRequestBody }

func (ctx *CommonHttpCtx[C]) HasResponseBody() bool { return ctx.hasResponseBody }

func (ctx *CommonHttpCtx[C]) IsWebsocket() bool { return ctx.isWebsocket }

func (ctx *CommonHttpCtx[C]) IsBinaryRequestBody() bool { return ctx.binaryRequest }

func (ctx *CommonHttpCtx[C]) IsBinaryResponseBody() bool { return ctx.binaryResponse }

func (ctx *CommonHttpCtx[C]) Stream() host.Stream { return ctx.stream }

func (ctx *CommonHttpCtx[C]) Root() PluginContext { return ctx.root }

func (ctx *CommonHttpCtx[C]) Logger() *zap.Logger { return ctx.root.logger }

// Config returns the resolved config, nil until request headers resolved one.
func (ctx *CommonHttpCtx[C]) Config() *C { return ctx.config }

func (ctx *CommonHttpCtx[C]) recoverPhase(phase string, action *host.Action) {
	if p := recover(); p != nil {
		ctx.root.logger.Error("filter handler panicked",
			zap.String("phase", phase),
			zap.Uint32("context_id", ctx.contextID),
			zap.Any("panic", p),
			zap.ByteString("stack", debug.Stack()),
		)
		if action != nil {
			*action = host.ActionContinue
		}
	}
}

func (ctx *CommonHttpCtx[C]) requestHeader(key string) string {
	v, _ := ctx.stream.GetHttpRequestHeader(key)
	return v
}

func (ctx *CommonHttpCtx[C]) responseHeader(key string) string {
	v, _ := ctx.stream.GetHttpResponseHeader(key)
	return v
}

func (ctx *CommonHttpCtx[C]) OnHttpRequestHeaders(numHeaders int, endOfStream bool) (action host.Action) {
	defer ctx.root.enter(ctx.stream)()
	defer ctx.recoverPhase("request_headers", &action)

	ctx.scheme = ctx.requestHeader(":scheme")
	ctx.host = ctx.requestHeader(":authority")
	ctx.path = ctx.requestHeader(":path")
	ctx.method = ctx.requestHeader(":method")

	config, err := ctx.root.matcher.GetMatchConfig(ctx.stream)
	if err != nil {
		ctx.root.logger.Warn("resolve config failed", zap.Error(err))
		return host.ActionContinue
	}
	if config == nil {
		return host.ActionContinue
	}
	ctx.config = config

	ctx.hasRequestBody = !endOfStream && hasBody(ctx.requestHeader("content-length"), ctx.requestHeader("transfer-encoding"))
	ctx.binaryRequest = isBinaryBody(ctx.requestHeader("content-type"), ctx.requestHeader("content-encoding"))
	if ctx.binaryRequest {
		ctx.needRequestBody = false
	}
	if isWebsocketUpgrade(ctx.requestHeader("connection"), ctx.requestHeader("upgrade")) {
		ctx.isWebsocket = true
		ctx.needRequestBody = false
		ctx.needResponseBody = false
	}

	if ctx.root.vm.onHttpRequestHeaders == nil {
		return host.ActionContinue
	}
	return ctx.root.vm.onHttpRequestHeaders(ctx, *config)
}

func (ctx *CommonHttpCtx[C]) OnHttpRequestBody(bodySize int, endOfStream bool) (action host.Action) {
	if ctx.config == nil || !ctx.needRequestBody {
		return host.ActionContinue
	}
	defer ctx.root.enter(ctx.stream)()
	defer ctx.recoverPhase("request_body", &action)

	vm := ctx.root.vm
	if vm.onHttpStreamingRequestBody != nil && ctx.streamingRequestBody {
		chunk, err := ctx.stream.GetHttpRequestBody(0, bodySize)
		if err != nil && bodySize > 0 {
			ctx.root.logger.Warn("read request body chunk failed", zap.Error(err))
			return host.ActionContinue
		}
		modified := vm.onHttpStreamingRequestBody(ctx, *ctx.config, chunk, endOfStream)
		if modified != nil && !bytes.Equal(modified, chunk) {
			if err := ctx.stream.ReplaceHttpRequestBody(modified); err != nil {
				ctx.root.logger.Warn("replace request body chunk failed", zap.Error(err))
			}
		}
		return host.ActionContinue
	}
	if vm.onHttpRequestBody == nil {
		return host.ActionContinue
	}

	ctx.requestBodySize += bodySize
	if !endOfStream {
		return host.ActionPause
	}
	body, err := ctx.stream.GetHttpRequestBody(0, ctx.requestBodySize)
	if err != nil && ctx.requestBodySize > 0 {
		ctx.root.logger.Warn("read request body failed", zap.Int("size", ctx.requestBodySize), zap.Error(err))
		return host.ActionContinue
	}
	return vm.onHttpRequestBody(ctx, *ctx.config, body)
}

func (ctx *CommonHttpCtx[C]) OnHttpResponseHeaders(numHeaders int, endOfStream bool) (action host.Action) {
	if ctx.config == nil {
		return host.ActionContinue
	}
	defer ctx.root.enter(ctx.stream)()
	defer ctx.recoverPhase("response_headers", &action)

	ctx.hasResponseBody = !endOfStream && hasBody(ctx.responseHeader("content-length"), ctx.responseHeader("transfer-encoding"))
	ctx.binaryResponse = isBinaryBody(ctx.responseHeader("content-type"), ctx.responseHeader("content-encoding"))
	if ctx.binaryResponse {
		ctx.needResponseBody = false
	}

	if ctx.root.vm.onHttpResponseHeaders == nil {
		return host.ActionContinue
	}
	return ctx.root.vm.onHttpResponseHeaders(ctx, *ctx.config)
}

func (ctx *CommonHttpCtx[C]) OnHttpResponseBody(bodySize int, endOfStream bool) (action host.Action) {
	if ctx.config == nil || !ctx.needResponseBody {
		return host.ActionContinue
	}
	defer ctx.root.enter(ctx.stream)()
	defer ctx.recoverPhase("response_body", &action)

	vm := ctx.root.vm
	if vm.onHttpStreamingResponseBody != nil && ctx.streamingResponseBody {
		chunk, err := ctx.stream.GetHttpResponseBody(0, bodySize)
		if err != nil && bodySize > 0 {
			ctx.root.logger.Warn("read response body chunk failed", zap.Error(err))
			return host.ActionContinue
		}
		modified := vm.onHttpStreamingResponseBody(ctx, *ctx.config, chunk, endOfStream)
		if modified != nil && !bytes.Equal(modified, chunk) {
			if err := ctx.stream.ReplaceHttpResponseBody(modified); err != nil {
				ctx.root.logger.Warn("replace response body chunk failed", zap.Error(err))
			}
		}
		return host.ActionContinue
	}
	if vm.onHttpResponseBody == nil {
		return host.ActionContinue
	}

	ctx.responseBodySize += bodySize
	if !endOfStream {
		return host.ActionPause
	}
	body, err := ctx.stream.GetHttpResponseBody(0, ctx.responseBodySize)
	if err != nil && ctx.responseBodySize > 0 {
		ctx.root.logger.Warn("read response body failed", zap.Int("size", ctx.responseBodySize), zap.Error(err))
		return host.ActionContinue
	}
	return vm.onHttpResponseBody(ctx, *ctx.config, body)
}

func (ctx *CommonHttpCtx[C]) OnHttpStreamDone() {
	if ctx.config == nil || ctx.root.vm.onHttpStreamDone == nil {
		return
	}
	defer ctx.root.enter(ctx.stream)()
	defer ctx.recoverPhase("stream_done", nil)
	ctx.root.vm.onHttpStreamDone(ctx, *ctx.config)
}

// isBinaryBody reports a payload the filter should not buffer: opaque
// content types and anything already content-encoded.
func isBinaryBody(contentType, contentEncoding string) bool {
	if strings.Contains(contentType, "octet-stream") || strings.Contains(contentType, "grpc") {
		return true
	}
	return contentEncoding != ""
}

func isWebsocketUpgrade(connection, upgrade string) bool {
	return strings.Contains(strings.ToLower(connection), "upgrade") && strings.EqualFold(upgrade, "websocket")
}

func hasBody(contentLength, transferEncoding string) bool {
	if transferEncoding != "" {
		return true
	}
	n, err := strconv.ParseInt(contentLength, 10, 64)
	return err == nil && n > 0
}
