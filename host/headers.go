package host

import (
	"net/http"
	"strings"
)

// HeaderValue returns the first value for key, compared case-insensitively.
func HeaderValue(headers []Header, key string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h[0], key) {
			return h[1], true
		}
	}
	return "", false
}

// WithoutHeaders returns headers minus every pair whose key is in keys.
func WithoutHeaders(headers []Header, keys ...string) []Header {
	out := make([]Header, 0, len(headers))
next:
	for _, h := range headers {
		for _, k := range keys {
			if strings.EqualFold(h[0], k) {
				continue next
			}
		}
		out = append(out, h)
	}
	return out
}

// ToHTTPHeader converts header pairs to an http.Header, dropping pseudo headers.
func ToHTTPHeader(headers []Header) http.Header {
	h := make(http.Header, len(headers))
	for _, kv := range headers {
		if strings.HasPrefix(kv[0], ":") {
			continue
		}
		h.Add(kv[0], kv[1])
	}
	return h
}

// FromHTTPHeader converts an http.Header to header pairs with lower-cased keys.
func FromHTTPHeader(h http.Header) []Header {
	out := make([]Header, 0, len(h))
	for k, vs := range h {
		lk := strings.ToLower(k)
		for _, v := range vs {
			out = append(out, Header{lk, v})
		}
	}
	return out
}
