// Package host defines the contract between filter code and the proxy that
// runs it. The proxy implements Host and Stream; the runtime implements the
// VMContext, PluginContext and HttpContext hooks the proxy calls into.
package host

import (
	"errors"
	"time"
)

// Action tells the host what to do with the current phase.
type Action uint32

const (
	// ActionContinue lets the host move on to the next phase.
	ActionContinue Action = iota
	// ActionPause holds the stream; for body phases the host keeps buffering.
	ActionPause
	// ActionStopNoBuffer holds the stream without buffering further data.
	ActionStopNoBuffer
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionPause:
		return "pause"
	case ActionStopNoBuffer:
		return "stop_no_buffer"
	default:
		return "unknown"
	}
}

// LogLevel is the severity passed to Host.Log.
type LogLevel uint32

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelCritical
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelTrace:
		return "trace"
	case LogLevelDebug:
		return "debug"
	case LogLevelInfo:
		return "info"
	case LogLevelWarn:
		return "warn"
	case LogLevelError:
		return "error"
	case LogLevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Status errors returned by host primitives.
var (
	ErrNotFound        = errors.New("not found")
	ErrBadArgument     = errors.New("bad argument")
	ErrInternalFailure = errors.New("internal failure")
	ErrUnimplemented   = errors.New("unimplemented")
)

// Header is a single header pair. Pseudo headers use their ":name" form.
type Header = [2]string

// Host is the root level set of primitives, available outside any request.
type Host interface {
	// GetPluginConfiguration returns the raw configuration bytes.
	// ErrNotFound means no configuration was supplied.
	GetPluginConfiguration() ([]byte, error)
	SetTickPeriodMilliseconds(periodMs uint32) error
	// DispatchHttpCall sends a request to the named cluster and returns the
	// callout id the host will later pass to PluginContext.OnHttpCallResponse.
	DispatchHttpCall(cluster string, headers []Header, body []byte, trailers []Header, timeoutMs uint32) (uint32, error)
	// The response getters are only valid during OnHttpCallResponse.
	GetHttpCallResponseHeaders() ([]Header, error)
	GetHttpCallResponseBody(start, maxSize int) ([]byte, error)

	// RedisInit registers credentials for a redis cluster. cluster may carry
	// a "?db=N" suffix selecting the logical database.
	RedisInit(cluster, username, password string, timeoutMs uint32) error
	// DispatchRedisCall sends a RESP encoded command and returns the callout
	// id the host will later pass to PluginContext.OnRedisCallResponse.
	DispatchRedisCall(cluster string, query []byte) (uint32, error)
	// GetRedisCallResponse is only valid during OnRedisCallResponse.
	GetRedisCallResponse(start, maxSize int) ([]byte, error)

	Log(level LogLevel, msg string)
	Now() time.Time
}

// Stream is the per request set of primitives.
type Stream interface {
	// GetProperty reads a host property such as "route_name" or
	// "cluster_name". ErrNotFound means the property is not set.
	GetProperty(path ...string) ([]byte, error)

	GetHttpRequestHeader(key string) (string, error)
	GetHttpRequestHeaders() ([]Header, error)
	ReplaceHttpRequestHeader(key, value string) error
	AddHttpRequestHeader(key, value string) error
	RemoveHttpRequestHeader(key string) error
	GetHttpRequestBody(start, maxSize int) ([]byte, error)
	ReplaceHttpRequestBody(body []byte) error

	GetHttpResponseHeader(key string) (string, error)
	GetHttpResponseHeaders() ([]Header, error)
	ReplaceHttpResponseHeader(key, value string) error
	AddHttpResponseHeader(key, value string) error
	RemoveHttpResponseHeader(key string) error
	GetHttpResponseBody(start, maxSize int) ([]byte, error)
	ReplaceHttpResponseBody(body []byte) error

	ResumeHttpRequest() error
	ResumeHttpResponse() error
	// SendHttpResponse short-circuits the stream with a local response.
	SendHttpResponse(statusCode uint32, headers []Header, body []byte) error
}

// VMContext is the entry point a host holds for a loaded filter.
type VMContext interface {
	// NewPluginContext is called once per configuration load.
	NewPluginContext(contextID uint32, h Host) PluginContext
}

// PluginContext is the root context of one configuration load.
type PluginContext interface {
	OnPluginStart(configSize int) bool
	OnTick()
	OnHttpCallResponse(calloutID uint32, numHeaders, bodySize, numTrailers int)
	// OnRedisCallResponse delivers a redis reply. A non-zero status means
	// the cluster could not be reached and there is no reply.
	OnRedisCallResponse(calloutID uint32, status, responseSize int)
	NewHttpContext(contextID uint32, s Stream) HttpContext
}

// HttpContext receives the phases of a single request.
type HttpContext interface {
	OnHttpRequestHeaders(numHeaders int, endOfStream bool) Action
	OnHttpRequestBody(bodySize int, endOfStream bool) Action
	OnHttpResponseHeaders(numHeaders int, endOfStream bool) Action
	OnHttpResponseBody(bodySize int, endOfStream bool) Action
	OnHttpStreamDone()
}
