package hosttest

import (
	"strings"

	"github.com/wudi/filterkit/host"
)

// LocalResponse is a response the filter sent instead of forwarding.
type LocalResponse struct {
	StatusCode uint32
	Headers    []host.Header
	Body       []byte
}

// Stream is one request flowing through the filter.
type Stream struct {
	h     *Host
	ctx   host.HttpContext
	props map[string][]byte

	requestHeaders  []host.Header
	responseHeaders []host.Header

	// bodies buffered by the host and not yet forwarded
	requestBody  []byte
	responseBody []byte

	forwardedRequestBody  []byte
	forwardedResponseBody []byte

	localResponse   *LocalResponse
	requestResumes  int
	responseResumes int
}

var _ host.Stream = (*Stream)(nil)

// NewStream creates a request context on the root.
func (h *Host) NewStream() *Stream {
	s := &Stream{h: h, props: make(map[string][]byte)}
	s.ctx = h.root.NewHttpContext(h.contextID(), s)
	return s
}

// SetProperty sets a host property, e.g. "route_name".
func (s *Stream) SetProperty(name, value string) {
	s.props[name] = []byte(value)
}

// SetRouteName sets the "route_name" property.
func (s *Stream) SetRouteName(name string) {
	s.SetProperty("route_name", name)
}

// SetClusterName sets the "cluster_name" property.
func (s *Stream) SetClusterName(name string) {
	s.SetProperty("cluster_name", name)
}

// CallOnHttpRequestHeaders runs the request headers phase.
func (s *Stream) CallOnHttpRequestHeaders(headers []host.Header, endOfStream bool) host.Action {
	s.requestHeaders = append([]host.Header(nil), headers...)
	return s.ctx.OnHttpRequestHeaders(len(headers), endOfStream)
}

// CallOnHttpRequestBody delivers one request chunk. When the filter
// continues, everything buffered so far is forwarded.
func (s *Stream) CallOnHttpRequestBody(chunk []byte, endOfStream bool) host.Action {
	s.requestBody = append(s.requestBody, chunk...)
	action := s.ctx.OnHttpRequestBody(len(chunk), endOfStream)
	if action == host.ActionContinue {
		s.forwardedRequestBody = append(s.forwardedRequestBody, s.requestBody...)
		s.requestBody = nil
	}
	return action
}

// CallOnHttpResponseHeaders runs the response headers phase.
func (s *Stream) CallOnHttpResponseHeaders(headers []host.Header, endOfStream bool) host.Action {
	s.responseHeaders = append([]host.Header(nil), headers...)
	return s.ctx.OnHttpResponseHeaders(len(headers), endOfStream)
}

// CallOnHttpResponseBody delivers one response chunk.
func (s *Stream) CallOnHttpResponseBody(chunk []byte, endOfStream bool) host.Action {
	s.responseBody = append(s.responseBody, chunk...)
	action := s.ctx.OnHttpResponseBody(len(chunk), endOfStream)
	if action == host.ActionContinue {
		s.forwardedResponseBody = append(s.forwardedResponseBody, s.responseBody...)
		s.responseBody = nil
	}
	return action
}

// CompleteHttp ends the stream.
func (s *Stream) CompleteHttp() {
	s.ctx.OnHttpStreamDone()
}

// RequestHeaders returns the request headers as the filter left them.
func (s *Stream) RequestHeaders() []host.Header { return s.requestHeaders }

// ResponseHeaders returns the response headers as the filter left them.
func (s *Stream) ResponseHeaders() []host.Header { return s.responseHeaders }

// ForwardedRequestBody returns the request bytes released upstream.
func (s *Stream) ForwardedRequestBody() []byte { return s.forwardedRequestBody }

// ForwardedResponseBody returns the response bytes released downstream.
func (s *Stream) ForwardedResponseBody() []byte { return s.forwardedResponseBody }

// LocalResponse returns the response sent by the filter, if any.
func (s *Stream) LocalResponse() *LocalResponse { return s.localResponse }

// RequestResumes counts ResumeHttpRequest calls.
func (s *Stream) RequestResumes() int { return s.requestResumes }

// ResponseResumes counts ResumeHttpResponse calls.
func (s *Stream) ResponseResumes() int { return s.responseResumes }

func (s *Stream) GetProperty(path ...string) ([]byte, error) {
	if v, ok := s.props[strings.Join(path, ".")]; ok {
		return v, nil
	}
	return nil, host.ErrNotFound
}

func (s *Stream) GetHttpRequestHeader(key string) (string, error) {
	return getHeader(s.requestHeaders, key)
}

func (s *Stream) GetHttpRequestHeaders() ([]host.Header, error) {
	return s.requestHeaders, nil
}

func (s *Stream) ReplaceHttpRequestHeader(key, value string) error {
	s.requestHeaders = replaceHeader(s.requestHeaders, key, value)
	return nil
}

func (s *Stream) AddHttpRequestHeader(key, value string) error {
	s.requestHeaders = append(s.requestHeaders, host.Header{key, value})
	return nil
}

func (s *Stream) RemoveHttpRequestHeader(key string) error {
	s.requestHeaders = host.WithoutHeaders(s.requestHeaders, key)
	return nil
}

func (s *Stream) GetHttpRequestBody(start, maxSize int) ([]byte, error) {
	return host.ReadRange(s.requestBody, start, maxSize)
}

func (s *Stream) ReplaceHttpRequestBody(body []byte) error {
	s.requestBody = append([]byte(nil), body...)
	return nil
}

func (s *Stream) GetHttpResponseHeader(key string) (string, error) {
	return getHeader(s.responseHeaders, key)
}

func (s *Stream) GetHttpResponseHeaders() ([]host.Header, error) {
	return s.responseHeaders, nil
}

func (s *Stream) ReplaceHttpResponseHeader(key, value string) error {
	s.responseHeaders = replaceHeader(s.responseHeaders, key, value)
	return nil
}

func (s *Stream) AddHttpResponseHeader(key, value string) error {
	s.responseHeaders = append(s.responseHeaders, host.Header{key, value})
	return nil
}

func (s *Stream) RemoveHttpResponseHeader(key string) error {
	s.responseHeaders = host.WithoutHeaders(s.responseHeaders, key)
	return nil
}

func (s *Stream) GetHttpResponseBody(start, maxSize int) ([]byte, error) {
	return host.ReadRange(s.responseBody, start, maxSize)
}

func (s *Stream) ReplaceHttpResponseBody(body []byte) error {
	s.responseBody = append([]byte(nil), body...)
	return nil
}

func (s *Stream) ResumeHttpRequest() error {
	s.requestResumes++
	return nil
}

func (s *Stream) ResumeHttpResponse() error {
	s.responseResumes++
	return nil
}

func (s *Stream) SendHttpResponse(statusCode uint32, headers []host.Header, body []byte) error {
	s.localResponse = &LocalResponse{StatusCode: statusCode, Headers: headers, Body: body}
	return nil
}

func getHeader(headers []host.Header, key string) (string, error) {
	if v, ok := host.HeaderValue(headers, key); ok {
		return v, nil
	}
	return "", host.ErrNotFound
}

func replaceHeader(headers []host.Header, key, value string) []host.Header {
	out := host.WithoutHeaders(headers, key)
	return append(out, host.Header{strings.ToLower(key), value})
}
