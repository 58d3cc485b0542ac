package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wudi/filterkit/internal/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := logging.Global()
	logging.SetGlobal(zap.New(core))
	t.Cleanup(func() { logging.SetGlobal(prev) })
	return logs
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name+"-before")
				next.ServeHTTP(w, r)
				order = append(order, name+"-after")
			})
		}
	}

	handler := NewBuilder().
		Use(mark("m1")).
		UseIf(false, mark("skipped")).
		UseIf(true, mark("m2")).
		Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			order = append(order, "handler")
		}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	expected := []string{"m1-before", "m2-before", "handler", "m2-after", "m1-after"}
	if strings.Join(order, ",") != strings.Join(expected, ",") {
		t.Errorf("expected %v, got %v", expected, order)
	}
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
	}{
		{"generated", ""},
		{"kept", "req-123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fromCtx, fromHeader string
			h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fromCtx = RequestIDFromContext(r.Context())
				fromHeader = r.Header.Get(RequestIDHeader)
			}))

			req := httptest.NewRequest("GET", "/", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if fromCtx == "" || fromCtx != fromHeader || rec.Header().Get(RequestIDHeader) != fromCtx {
				t.Errorf("request id mismatch: ctx=%q header=%q response=%q", fromCtx, fromHeader, rec.Header().Get(RequestIDHeader))
			}
			if tt.incoming != "" && fromCtx != tt.incoming {
				t.Errorf("expected incoming id %q to be kept, got %q", tt.incoming, fromCtx)
			}
		})
	}
}

func TestRecovery(t *testing.T) {
	logs := observeLogs(t)

	h := NewBuilder().
		Use(RequestID()).
		Use(Recovery()).
		Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "panic: boom") || !strings.Contains(body, `"request_id":"req-1"`) {
		t.Errorf("unexpected body %s", body)
	}
	if logs.FilterMessage("Panic recovered").Len() != 1 {
		t.Error("expected panic to be logged")
	}
}

func TestAccessLog(t *testing.T) {
	logs := observeLogs(t)

	h := AccessLog("/healthz")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/brew?kind=earl", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))

	entries := logs.FilterMessage("HTTP request").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 access log line, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusTeapot) {
		t.Errorf("expected status 418, got %v", fields["status"])
	}
	if fields["body_bytes"] != int64(15) {
		t.Errorf("expected 15 bytes, got %v", fields["body_bytes"])
	}
	if fields["query"] != "kind=earl" {
		t.Errorf("expected query field, got %v", fields["query"])
	}
}
