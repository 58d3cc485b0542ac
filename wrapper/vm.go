// Package wrapper turns typed handler functions into the context hooks a
// host calls. A filter declares its config type and handlers once:
//
//	vm := wrapper.New[Config]("my-filter",
//		wrapper.ParseConfig(parseConfig),
//		wrapper.ProcessRequestHeaders(onRequestHeaders),
//	)
//
// and hands vm to the host as its host.VMContext.
package wrapper

import (
	"errors"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/wudi/filterkit/host"
	ferrors "github.com/wudi/filterkit/internal/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type (
	parseConfigFunc[C any]            func(json gjson.Result, config *C) error
	parseConfigWithContextFunc[C any] func(ctx PluginContext, json gjson.Result, config *C) error
	parseOverrideConfigFunc[C any]    func(json gjson.Result, global C, config *C) error
	parseRawConfigFunc[C any]         func(data []byte, config *C) error
	parseOverrideRawConfigFunc[C any] func(data []byte, global C, config *C) error
	prePluginStartOrReloadFunc        func(ctx PluginContext) error

	onHttpHeadersFunc[C any]       func(ctx HttpContext, config C) host.Action
	onHttpBodyFunc[C any]          func(ctx HttpContext, config C, body []byte) host.Action
	onHttpStreamingBodyFunc[C any] func(ctx HttpContext, config C, chunk []byte, isEndStream bool) []byte
	onHttpStreamDoneFunc[C any]    func(ctx HttpContext, config C)
)

// VM is a filter definition bound to its config type C.
type VM[C any] struct {
	name     string
	id       string
	logger   *zap.Logger
	logLevel zapcore.Level

	parseConfig            parseConfigFunc[C]
	parseConfigWithContext parseConfigWithContextFunc[C]
	parseOverrideConfig    parseOverrideConfigFunc[C]
	parseRawConfig         parseRawConfigFunc[C]
	parseOverrideRawConfig parseOverrideRawConfigFunc[C]
	prePluginStartOrReload prePluginStartOrReloadFunc

	onHttpRequestHeaders        onHttpHeadersFunc[C]
	onHttpRequestBody           onHttpBodyFunc[C]
	onHttpStreamingRequestBody  onHttpStreamingBodyFunc[C]
	onHttpResponseHeaders       onHttpHeadersFunc[C]
	onHttpResponseBody          onHttpBodyFunc[C]
	onHttpStreamingResponseBody onHttpStreamingBodyFunc[C]
	onHttpStreamDone            onHttpStreamDoneFunc[C]
}

// Option configures a VM.
type Option[C any] func(vm *VM[C])

// New defines a filter named name.
func New[C any](name string, opts ...Option[C]) *VM[C] {
	vm := &VM[C]{
		name:     name,
		id:       uuid.NewString(),
		logLevel: zapcore.InfoLevel,
	}
	for _, opt := range opts {
		opt(vm)
	}
	return vm
}

// Name returns the filter name.
func (vm *VM[C]) Name() string {
	return vm.name
}

// NewPluginContext creates the root context of one configuration load.
func (vm *VM[C]) NewPluginContext(contextID uint32, h host.Host) host.PluginContext {
	return newPluginContext(vm, contextID, h)
}

func ParseConfig[C any](f func(json gjson.Result, config *C) error) Option[C] {
	return func(vm *VM[C]) {
		vm.parseConfig = f
	}
}

// ParseConfigWithContext is ParseConfig with access to the root context,
// which is how tick functions get registered.
func ParseConfigWithContext[C any](f func(ctx PluginContext, json gjson.Result, config *C) error) Option[C] {
	return func(vm *VM[C]) {
		vm.parseConfigWithContext = f
	}
}

// ParseOverrideConfig parses rule payloads starting from the global config.
func ParseOverrideConfig[C any](f func(json gjson.Result, global C, config *C) error) Option[C] {
	return func(vm *VM[C]) {
		vm.parseOverrideConfig = f
	}
}

// ParseRawConfig is ParseConfig for filters that decode the configuration
// themselves. data is the JSON of the global config or of one rule payload.
func ParseRawConfig[C any](f func(data []byte, config *C) error) Option[C] {
	return func(vm *VM[C]) {
		vm.parseRawConfig = f
	}
}

// ParseOverrideRawConfig pairs a raw global parser with a raw rule parser
// that starts from the global config.
func ParseOverrideRawConfig[C any](global func(data []byte, config *C) error, rule func(data []byte, global C, config *C) error) Option[C] {
	return func(vm *VM[C]) {
		vm.parseRawConfig = global
		vm.parseOverrideRawConfig = rule
	}
}

// PrePluginStartOrReload runs before each configuration load.
func PrePluginStartOrReload[C any](f func(ctx PluginContext) error) Option[C] {
	return func(vm *VM[C]) {
		vm.prePluginStartOrReload = f
	}
}

func ProcessRequestHeaders[C any](f func(ctx HttpContext, config C) host.Action) Option[C] {
	return func(vm *VM[C]) {
		vm.onHttpRequestHeaders = f
	}
}

// ProcessRequestBody receives the complete request body once.
func ProcessRequestBody[C any](f func(ctx HttpContext, config C, body []byte) host.Action) Option[C] {
	return func(vm *VM[C]) {
		vm.onHttpRequestBody = f
	}
}

// ProcessStreamingRequestBody receives each request chunk as it arrives.
// A non-nil return value replaces the chunk.
func ProcessStreamingRequestBody[C any](f func(ctx HttpContext, config C, chunk []byte, isEndStream bool) []byte) Option[C] {
	return func(vm *VM[C]) {
		vm.onHttpStreamingRequestBody = f
	}
}

func ProcessResponseHeaders[C any](f func(ctx HttpContext, config C) host.Action) Option[C] {
	return func(vm *VM[C]) {
		vm.onHttpResponseHeaders = f
	}
}

// ProcessResponseBody receives the complete response body once.
func ProcessResponseBody[C any](f func(ctx HttpContext, config C, body []byte) host.Action) Option[C] {
	return func(vm *VM[C]) {
		vm.onHttpResponseBody = f
	}
}

// ProcessStreamingResponseBody receives each response chunk as it arrives.
// A non-nil return value replaces the chunk.
func ProcessStreamingResponseBody[C any](f func(ctx HttpContext, config C, chunk []byte, isEndStream bool) []byte) Option[C] {
	return func(vm *VM[C]) {
		vm.onHttpStreamingResponseBody = f
	}
}

func ProcessStreamDone[C any](f func(ctx HttpContext, config C)) Option[C] {
	return func(vm *VM[C]) {
		vm.onHttpStreamDone = f
	}
}

// WithLogger replaces the host backed logger.
func WithLogger[C any](l *zap.Logger) Option[C] {
	return func(vm *VM[C]) {
		vm.logger = l
	}
}

// WithLogLevel sets the minimum level of the host backed logger.
func WithLogLevel[C any](level zapcore.Level) Option[C] {
	return func(vm *VM[C]) {
		vm.logLevel = level
	}
}

// IsConfigError reports whether err is a configuration error.
func IsConfigError(err error) bool {
	return errors.Is(err, ferrors.ErrConfig)
}

// IsResolutionError reports whether err came from per-request config resolution.
func IsResolutionError(err error) bool {
	return errors.Is(err, ferrors.ErrResolution)
}
