package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind classifies where an error originated.
type Kind int

const (
	// KindConfig marks a malformed or unusable plugin configuration.
	KindConfig Kind = iota + 1
	// KindResolution marks a failure to resolve the config for a request.
	KindResolution
	// KindHost marks a failed host primitive call.
	KindHost
	// KindUpstream marks a failure the local gateway reports to clients.
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindResolution:
		return "resolution"
	case KindHost:
		return "host"
	case KindUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// FilterError is the error type shared by the filter runtime packages.
// Code is only meaningful for errors written back to HTTP clients.
type FilterError struct {
	Kind       Kind   `json:"-"`
	Code       int    `json:"code,omitempty"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *FilterError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *FilterError) Unwrap() error {
	return e.underlying
}

// Is reports whether target is the kind sentinel for e.
func (e *FilterError) Is(target error) bool {
	t, ok := target.(*FilterError)
	if !ok {
		return false
	}
	return t == kindSentinels[e.Kind]
}

// WriteJSON writes the error as JSON to the response.
func (e *FilterError) WriteJSON(w http.ResponseWriter) {
	code := e.Code
	if code == 0 {
		code = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Kind sentinels, usable with errors.Is.
var (
	ErrConfig     = &FilterError{Kind: KindConfig, Message: "invalid configuration"}
	ErrResolution = &FilterError{Kind: KindResolution, Message: "config resolution failed"}
	ErrHost       = &FilterError{Kind: KindHost, Message: "host call failed"}
	ErrUpstream   = &FilterError{Kind: KindUpstream, Message: "upstream failure"}
)

var kindSentinels = map[Kind]*FilterError{
	KindConfig:     ErrConfig,
	KindResolution: ErrResolution,
	KindHost:       ErrHost,
	KindUpstream:   ErrUpstream,
}

// Client facing errors of the local gateway.
var (
	ErrBadRequest = &FilterError{
		Kind:    KindHost,
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
	}

	ErrRouteNotFound = &FilterError{
		Kind:    KindUpstream,
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrBadGateway = &FilterError{
		Kind:    KindUpstream,
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
	}

	ErrServiceUnavailable = &FilterError{
		Kind:    KindUpstream,
		Code:    http.StatusServiceUnavailable,
		Message: "Service Unavailable",
	}

	ErrTooManyRequests = &FilterError{
		Kind:    KindUpstream,
		Code:    http.StatusTooManyRequests,
		Message: "Too Many Requests",
	}

	ErrInternalServer = &FilterError{
		Kind:    KindUpstream,
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}

	ErrGatewayTimeout = &FilterError{
		Kind:    KindUpstream,
		Code:    http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
	}
)

// preSerialized holds JSON-encoded bytes for the client facing singletons.
var preSerialized map[*FilterError][]byte

func init() {
	bases := []*FilterError{
		ErrBadRequest, ErrRouteNotFound, ErrBadGateway, ErrServiceUnavailable,
		ErrTooManyRequests, ErrInternalServer, ErrGatewayTimeout,
	}
	preSerialized = make(map[*FilterError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a FilterError of the given kind.
func New(kind Kind, format string, args ...any) *FilterError {
	return &FilterError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps err with a message and kind.
func Wrap(err error, kind Kind, message string) *FilterError {
	return &FilterError{
		Kind:       kind,
		Message:    message,
		underlying: err,
	}
}

// WithDetails returns a copy carrying details.
func (e *FilterError) WithDetails(details string) *FilterError {
	return &FilterError{
		Kind:       e.Kind,
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID returns a copy carrying the request id.
func (e *FilterError) WithRequestID(requestID string) *FilterError {
	return &FilterError{
		Kind:       e.Kind,
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// IsFilterError checks if an error is a FilterError.
func IsFilterError(err error) (*FilterError, bool) {
	if fe, ok := err.(*FilterError); ok {
		return fe, true
	}
	return nil, false
}
