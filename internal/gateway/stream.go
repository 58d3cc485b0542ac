package gateway

import (
	"strings"

	"github.com/wudi/filterkit/host"
)

// localResponse is a response the filter sent instead of forwarding.
type localResponse struct {
	status  int
	headers []host.Header
	body    []byte
}

// stream is the host.Stream of one proxied request. Filter code only touches
// it from inside VM calls, so its fields are guarded by Gateway.mu.
type stream struct {
	props map[string][]byte

	requestHeaders  []host.Header
	responseHeaders []host.Header

	// bytes the host holds for the current body phase
	requestBody  []byte
	responseBody []byte

	forwardedRequest  []byte
	forwardedResponse []byte

	local *localResponse

	// signalled by ResumeHttpRequest, ResumeHttpResponse and SendHttpResponse
	resume chan struct{}
}

var _ host.Stream = (*stream)(nil)

func newStream(routeName, clusterName string, headers []host.Header) *stream {
	return &stream{
		props: map[string][]byte{
			"route_name":   []byte(routeName),
			"cluster_name": []byte(clusterName),
		},
		requestHeaders: headers,
		resume:         make(chan struct{}, 1),
	}
}

func (s *stream) signal() {
	select {
	case s.resume <- struct{}{}:
	default:
	}
}

// drain drops a resume signal left over from an earlier phase.
func (s *stream) drain() {
	select {
	case <-s.resume:
	default:
	}
}

// forwardRequestBody releases the held request bytes upstream.
func (s *stream) forwardRequestBody() {
	s.forwardedRequest = append(s.forwardedRequest, s.requestBody...)
	s.requestBody = nil
}

func (s *stream) forwardResponseBody() {
	s.forwardedResponse = append(s.forwardedResponse, s.responseBody...)
	s.responseBody = nil
}

func (s *stream) GetProperty(path ...string) ([]byte, error) {
	if v, ok := s.props[strings.Join(path, ".")]; ok {
		return v, nil
	}
	return nil, host.ErrNotFound
}

func (s *stream) GetHttpRequestHeader(key string) (string, error) {
	return getHeader(s.requestHeaders, key)
}

func (s *stream) GetHttpRequestHeaders() ([]host.Header, error) {
	return s.requestHeaders, nil
}

func (s *stream) ReplaceHttpRequestHeader(key, value string) error {
	s.requestHeaders = replaceHeader(s.requestHeaders, key, value)
	return nil
}

func (s *stream) AddHttpRequestHeader(key, value string) error {
	s.requestHeaders = append(s.requestHeaders, host.Header{strings.ToLower(key), value})
	return nil
}

func (s *stream) RemoveHttpRequestHeader(key string) error {
	s.requestHeaders = host.WithoutHeaders(s.requestHeaders, key)
	return nil
}

func (s *stream) GetHttpRequestBody(start, maxSize int) ([]byte, error) {
	return host.ReadRange(s.requestBody, start, maxSize)
}

func (s *stream) ReplaceHttpRequestBody(body []byte) error {
	s.requestBody = append([]byte(nil), body...)
	return nil
}

func (s *stream) GetHttpResponseHeader(key string) (string, error) {
	return getHeader(s.responseHeaders, key)
}

func (s *stream) GetHttpResponseHeaders() ([]host.Header, error) {
	return s.responseHeaders, nil
}

func (s *stream) ReplaceHttpResponseHeader(key, value string) error {
	s.responseHeaders = replaceHeader(s.responseHeaders, key, value)
	return nil
}

func (s *stream) AddHttpResponseHeader(key, value string) error {
	s.responseHeaders = append(s.responseHeaders, host.Header{strings.ToLower(key), value})
	return nil
}

func (s *stream) RemoveHttpResponseHeader(key string) error {
	s.responseHeaders = host.WithoutHeaders(s.responseHeaders, key)
	return nil
}

func (s *stream) GetHttpResponseBody(start, maxSize int) ([]byte, error) {
	return host.ReadRange(s.responseBody, start, maxSize)
}

func (s *stream) ReplaceHttpResponseBody(body []byte) error {
	s.responseBody = append([]byte(nil), body...)
	return nil
}

func (s *stream) ResumeHttpRequest() error {
	s.signal()
	return nil
}

func (s *stream) ResumeHttpResponse() error {
	s.signal()
	return nil
}

func (s *stream) SendHttpResponse(statusCode uint32, headers []host.Header, body []byte) error {
	if s.local != nil {
		return host.ErrBadArgument
	}
	s.local = &localResponse{
		status:  int(statusCode),
		headers: append([]host.Header(nil), headers...),
		body:    append([]byte(nil), body...),
	}
	s.signal()
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
