// Package client issues asynchronous HTTP calls to upstream clusters through
// the host's dispatch primitive.
package client

import (
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/wudi/filterkit/cluster"
	"github.com/wudi/filterkit/host"
	ferrors "github.com/wudi/filterkit/internal/errors"
	"go.uber.org/zap"
)

// DefaultTimeout is used when a call passes no timeout, in milliseconds.
const DefaultTimeout uint32 = 500

// ResponseCallback receives the outcome of a call. statusCode is 502 when
// the upstream response carried no usable ":status".
type ResponseCallback func(statusCode int, responseHeaders http.Header, responseBody []byte)

// Dispatcher is the root context side of an outbound call.
type Dispatcher interface {
	// DispatchHttpCall submits the call; onResponse runs once when the host
	// delivers the response.
	DispatchHttpCall(clusterName string, headers []host.Header, body []byte, timeoutMs uint32,
		onResponse func(numHeaders, bodySize, numTrailers int)) error
	GetHttpCallResponseHeaders() ([]host.Header, error)
	GetHttpCallResponseBody(start, maxSize int) ([]byte, error)
	// ActiveStream returns the request being processed, or nil outside one.
	ActiveStream() host.Stream
}

type loggerSource interface {
	Logger() *zap.Logger
}

// HttpClient is implemented by ClusterClient.
type HttpClient interface {
	Get(path string, headers []host.Header, cb ResponseCallback, timeoutMs ...uint32) error
	Head(path string, headers []host.Header, cb ResponseCallback, timeoutMs ...uint32) error
	Options(path string, headers []host.Header, cb ResponseCallback, timeoutMs ...uint32) error
	Post(path string, headers []host.Header, body []byte, cb ResponseCallback, timeoutMs ...uint32) error
	Put(path string, headers []host.Header, body []byte, cb ResponseCallback, timeoutMs ...uint32) error
	Patch(path string, headers []host.Header, body []byte, cb ResponseCallback, timeoutMs ...uint32) error
	Delete(path string, headers []host.Header, body []byte, cb ResponseCallback, timeoutMs ...uint32) error
	Connect(path string, headers []host.Header, cb ResponseCallback, timeoutMs ...uint32) error
	Trace(path string, headers []host.Header, cb ResponseCallback, timeoutMs ...uint32) error
	Call(method, path string, headers []host.Header, body []byte, cb ResponseCallback, timeoutMs ...uint32) error
}

// ClusterClient sends calls to one cluster.
type ClusterClient[C cluster.Cluster] struct {
	dispatcher Dispatcher
	cluster    C
}

// NewClusterClient binds a cluster to the dispatcher of a root context.
// A nil dispatcher, including a nil pointer, yields a client whose calls
// all fail.
func NewClusterClient[C cluster.Cluster](d Dispatcher, c C) *ClusterClient[C] {
	if isNil(d) {
		d = nil
	}
	return &ClusterClient[C]{dispatcher: d, cluster: c}
}

// isNil reports whether v is nil or holds a nil pointer.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Func, reflect.Chan, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func (c *ClusterClient[C]) Get(path string, headers []host.Header, cb ResponseCallback, timeoutMs ...uint32) error {
	return c.call(http.MethodGet, path, headers, nil, cb, timeoutMs...)
}

func (c *ClusterClient[C]) Head(path string, headers []host.Header, cb ResponseCallback, timeoutMs ...uint32) error {
	return c.call(http.MethodHead, path, headers, nil, cb, timeoutMs...)
}

func (c *ClusterClient[C]) Options(path string, headers []host.Header, cb ResponseCallback, timeoutMs ...uint32) error {
	return c.call(http.MethodOptions, path, headers, nil, cb, timeoutMs...)
}

func (c *ClusterClient[C]) Post(path string, headers []host.Header, body []byte, cb ResponseCallback, timeoutMs ...uint32) error {
	return c.call(http.MethodPost, path, headers, body, cb, timeoutMs...)
}

func (c *ClusterClient[C]) Put(path string, headers []host.Header, body []byte, cb ResponseCallback, timeoutMs ...uint32) error {
	return c.call(http.MethodPut, path, headers, body, cb, timeoutMs...)
}

func (c *ClusterClient[C]) Patch(path string, headers []host.Header, body []byte, cb ResponseCallback, timeoutMs ...uint32) error {
	return c.call(http.MethodPatch, path, headers, body, cb, timeoutMs...)
}

func (c *ClusterClient[C]) Delete(path string, headers []host.Header, body []byte, cb ResponseCallback, timeoutMs ...uint32) error {
	return c.call(http.MethodDelete, path, headers, body, cb, timeoutMs...)
}

func (c *ClusterClient[C]) Connect(path string, headers []host.Header, cb ResponseCallback, timeoutMs ...uint32) error {
	return c.call(http.MethodConnect, path, headers, nil, cb, timeoutMs...)
}

func (c *ClusterClient[C]) Trace(path string, headers []host.Header, cb ResponseCallback, timeoutMs ...uint32) error {
	return c.call(http.MethodTrace, path, headers, nil, cb, timeoutMs...)
}

func (c *ClusterClient[C]) Call(method, path string, headers []host.Header, body []byte, cb ResponseCallback, timeoutMs ...uint32) error {
	return c.call(method, path, headers, body, cb, timeoutMs...)
}

func (c *ClusterClient[C]) logger() *zap.Logger {
	if ls, ok := c.dispatcher.(loggerSource); ok {
		if l := ls.Logger(); l != nil {
			return l
		}
	}
	return zap.NewNop()
}

func (c *ClusterClient[C]) call(method, path string, headers []host.Header, body []byte, cb ResponseCallback, timeoutMs ...uint32) error {
	if c.dispatcher == nil {
		return ferrors.New(ferrors.KindHost, "http call %s %s: no root context", method, path)
	}

	var req cluster.Request
	if s := c.dispatcher.ActiveStream(); s != nil {
		req = s
	}
	clusterName := c.cluster.ClusterName(req)
	if clusterName == "" {
		return ferrors.New(ferrors.KindHost, "http call %s %s: cluster %T has no name", method, path, c.cluster)
	}
	authority := c.cluster.HostName(req)

	timeout := DefaultTimeout
	if len(timeoutMs) > 0 && timeoutMs[0] > 0 {
		timeout = timeoutMs[0]
	}

	reqHeaders := host.WithoutHeaders(headers, ":method", ":path", ":authority")
	reqHeaders = append(reqHeaders,
		host.Header{":method", method},
		host.Header{":path", path},
		host.Header{":authority", authority},
	)

	log := c.logger()
	requestID := uuid.NewString()
	start := time.Now()
	d := c.dispatcher
	err := d.DispatchHttpCall(clusterName, reqHeaders, body, timeout, func(numHeaders, bodySize, numTrailers int) {
		var respBody []byte
		if bodySize > 0 {
			b, err := d.GetHttpCallResponseBody(0, bodySize)
			if err != nil {
				log.Warn("read http call response body failed", zap.String("request_id", requestID), zap.Error(err))
			}
			respBody = b
		}
		respHeaders, err := d.GetHttpCallResponseHeaders()
		if err != nil && !errors.Is(err, host.ErrNotFound) {
			log.Warn("read http call response headers failed", zap.String("request_id", requestID), zap.Error(err))
		}

		code := http.StatusBadGateway
		if status, ok := host.HeaderValue(respHeaders, ":status"); ok {
			if n, err := strconv.Atoi(status); err == nil {
				code = n
			} else {
				log.Warn("invalid :status in http call response",
					zap.String("request_id", requestID), zap.String("status", status))
			}
		}

		log.Debug("http call end",
			zap.String("request_id", requestID),
			zap.String("cluster", clusterName),
			zap.Int("status", code),
			zap.Int("body_size", bodySize),
			zap.Duration("elapsed", time.Since(start)),
		)
		if cb != nil {
			cb(code, host.ToHTTPHeader(respHeaders), respBody)
		}
	})
	if err != nil {
		log.Warn("http call dispatch failed",
			zap.String("request_id", requestID),
			zap.String("cluster", clusterName),
			zap.Error(err),
		)
		return ferrors.Wrap(err, ferrors.KindHost, "dispatch http call to "+clusterName)
	}

	log.Debug("http call start",
		zap.String("request_id", requestID),
		zap.String("method", method),
		zap.String("path", path),
		zap.String("cluster", clusterName),
		zap.String("authority", authority),
		zap.Uint32("timeout_ms", timeout),
	)
	return nil
}

// IsHostError reports whether err came from a failed host call.
func IsHostError(err error) bool {
	return errors.Is(err, ferrors.ErrHost)
}
