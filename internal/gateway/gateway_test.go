package gateway

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/tidwall/gjson"
	"github.com/wudi/filterkit/client"
	"github.com/wudi/filterkit/cluster"
	"github.com/wudi/filterkit/host"
	"github.com/wudi/filterkit/internal/config"
	"github.com/wudi/filterkit/internal/metrics"
	"github.com/wudi/filterkit/wrapper"
)

const (
	backendCluster = "outbound|80||backend.static"
	authCluster    = "outbound|80||auth.internal"
)

type authConfig struct {
	suffix string
	auth   *client.ClusterClient[cluster.FQDNCluster]
}

// newAuthFilter checks every request against the auth cluster, passes the
// user name upstream and appends a suffix to response bodies.
func newAuthFilter() *wrapper.VM[authConfig] {
	return wrapper.New[authConfig]("auth-rewrite",
		wrapper.ParseConfigWithContext(func(ctx wrapper.PluginContext, json gjson.Result, c *authConfig) error {
			if json.Get("fail").Bool() {
				return errors.New("asked to fail")
			}
			c.suffix = json.Get("suffix").String()
			c.auth = client.NewClusterClient(ctx, cluster.FQDNCluster{FQDN: "auth.internal", Port: 80})
			return nil
		}),
		wrapper.ProcessRequestHeaders(func(ctx wrapper.HttpContext, c authConfig) host.Action {
			token, _ := ctx.Stream().GetHttpRequestHeader("authorization")
			err := c.auth.Get("/check", []host.Header{{"authorization", token}}, func(status int, _ http.Header, body []byte) {
				if status != http.StatusOK {
					ctx.Stream().SendHttpResponse(http.StatusForbidden, []host.Header{{"content-type", "text/plain"}}, []byte("denied"))
					return
				}
				ctx.Stream().AddHttpRequestHeader("x-user", string(body))
				ctx.Stream().ResumeHttpRequest()
			})
			if err != nil {
				return host.ActionContinue
			}
			return host.ActionPause
		}),
		wrapper.ProcessResponseBody(func(ctx wrapper.HttpContext, c authConfig, body []byte) host.Action {
			ctx.Stream().ReplaceHttpResponseBody(append(body, c.suffix...))
			return host.ActionContinue
		}),
	)
}

func addrOf(s *httptest.Server) string {
	return strings.TrimPrefix(s.URL, "http://")
}

func newAuthServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/check" || r.Header.Get("Authorization") != "Bearer ok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("alice"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(upstreams map[string][]string, plugin map[string]any) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Consul.Address = ""
	cfg.Routes = []config.RouteConfig{
		{Name: "api", PathPrefix: "/api", Cluster: backendCluster},
	}
	cfg.Upstreams = upstreams
	cfg.Plugin.Config = plugin
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config, vm host.VMContext, m *metrics.Collector) *Gateway {
	t.Helper()
	gw, err := New(cfg, vm, m)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { gw.Close() })
	return gw
}

func doRequest(t *testing.T, h http.Handler, method, path, auth string, body io.Reader) (int, string, http.Header) {
	t.Helper()
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, err := http.NewRequest(method, srv.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data), resp.Header
}

func TestGatewayCalloutAndBodyRewrite(t *testing.T) {
	var gotUser, gotPath atomic.Value
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser.Store(r.Header.Get("X-User"))
		gotPath.Store(r.URL.RequestURI())
		w.Header().Set("X-Backend", "1")
		w.Write([]byte("hello"))
	}))
	defer backend.Close()
	auth := newAuthServer(t)

	m := metrics.NewCollector()
	cfg := testConfig(map[string][]string{
		backendCluster: {addrOf(backend)},
		authCluster:    {addrOf(auth)},
	}, map[string]any{"suffix": "|filtered"})
	gw := newTestGateway(t, cfg, newAuthFilter(), m)

	code, body, header := doRequest(t, gw.Handler(), "GET", "/api/greet?lang=en", "Bearer ok", nil)

	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, body)
	}
	if body != "hello|filtered" {
		t.Errorf("expected rewritten body, got %q", body)
	}
	if header.Get("X-Backend") != "1" {
		t.Error("expected upstream headers to be passed through")
	}
	if header.Get("X-Request-ID") == "" {
		t.Error("expected a request id on the response")
	}
	if gotUser.Load() != "alice" {
		t.Errorf("expected x-user alice upstream, got %v", gotUser.Load())
	}
	if gotPath.Load() != "/api/greet?lang=en" {
		t.Errorf("expected path to be kept, got %v", gotPath.Load())
	}

	expected := `
# HELP filterkit_callouts_total Outbound calls dispatched on behalf of the filter
# TYPE filterkit_callouts_total counter
filterkit_callouts_total{cluster="outbound|80||auth.internal",result="ok"} 1
# HELP filterkit_requests_total Requests served by the gateway host
# TYPE filterkit_requests_total counter
filterkit_requests_total{code="200",route="api"} 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"filterkit_callouts_total", "filterkit_requests_total"); err != nil {
		t.Error(err)
	}
	if gw.PendingCallouts() != 0 {
		t.Errorf("expected no pending callouts, got %d", gw.PendingCallouts())
	}
}

func TestGatewayCalloutDenied(t *testing.T) {
	var backendCalls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendCalls.Add(1)
	}))
	defer backend.Close()
	auth := newAuthServer(t)

	tests := []struct {
		name      string
		upstreams map[string][]string
		token     string
	}{
		{"rejected by auth", map[string][]string{backendCluster: {addrOf(backend)}, authCluster: {addrOf(auth)}}, "Bearer bad"},
		// an unresolvable cluster is delivered as a 502 to the callback
		{"auth unresolved", map[string][]string{backendCluster: {addrOf(backend)}}, "Bearer ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newTestGateway(t, testConfig(tt.upstreams, nil), newAuthFilter(), nil)

			code, body, header := doRequest(t, gw.Handler(), "GET", "/api/x", tt.token, nil)
			if code != http.StatusForbidden || body != "denied" {
				t.Errorf("expected local 403 denied, got %d %q", code, body)
			}
			if header.Get("Content-Type") != "text/plain" {
				t.Errorf("expected local response headers, got %v", header)
			}
		})
	}
	if n := backendCalls.Load(); n != 0 {
		t.Errorf("expected backend never to be called, got %d", n)
	}
}

func TestGatewayErrors(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	closedAddr := ln.Addr().String()
	ln.Close()

	passThrough := wrapper.New[struct{}]("pass")

	tests := []struct {
		name      string
		path      string
		upstreams map[string][]string
		want      int
	}{
		{"no route", "/other", nil, http.StatusNotFound},
		{"unresolved cluster", "/api", nil, http.StatusServiceUnavailable},
		{"connection refused", "/api", map[string][]string{backendCluster: {closedAddr}}, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newTestGateway(t, testConfig(tt.upstreams, nil), passThrough, nil)
			code, body, _ := doRequest(t, gw.Handler(), "GET", tt.path, "", nil)
			if code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, code, body)
			}
			if !strings.Contains(body, `"request_id"`) {
				t.Errorf("expected request id in error body, got %s", body)
			}
		})
	}
}

func TestGatewayPauseTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	stuck := wrapper.New[struct{}]("stuck",
		wrapper.ProcessRequestHeaders(func(ctx wrapper.HttpContext, _ struct{}) host.Action {
			return host.ActionPause
		}),
	)
	gw := newTestGateway(t, testConfig(map[string][]string{backendCluster: {addrOf(backend)}}, nil), stuck, nil)
	gw.SetPauseTimeout(50 * time.Millisecond)

	code, _, _ := doRequest(t, gw.Handler(), "GET", "/api", "", nil)
	if code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", code)
	}
}

func TestGatewaySetPauseTimeoutWhileServing(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	stuck := wrapper.New[struct{}]("stuck",
		wrapper.ProcessRequestHeaders(func(ctx wrapper.HttpContext, _ struct{}) host.Action {
			return host.ActionPause
		}),
	)
	gw := newTestGateway(t, testConfig(map[string][]string{backendCluster: {addrOf(backend)}}, nil), stuck, nil)
	gw.SetPauseTimeout(20 * time.Millisecond)
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	var wg sync.WaitGroup
	var timeouts atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			gw.SetPauseTimeout(time.Duration(10+i) * time.Millisecond)
		}()
		go func() {
			defer wg.Done()
			resp, err := http.Get(srv.URL + "/api")
			if err != nil {
				return
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusGatewayTimeout {
				timeouts.Add(1)
			}
		}()
	}
	wg.Wait()
	if n := timeouts.Load(); n != 4 {
		t.Errorf("expected 4 timed out requests, got %d", n)
	}
}

func TestGatewayRequestBodyChunks(t *testing.T) {
	var got atomic.Value
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got.Store(b)
	}))
	defer backend.Close()

	var deliveries atomic.Int32
	upper := wrapper.New[struct{}]("upper",
		wrapper.ProcessRequestBody(func(ctx wrapper.HttpContext, _ struct{}, body []byte) host.Action {
			deliveries.Add(1)
			ctx.Stream().ReplaceHttpRequestBody(bytes.ToUpper(body))
			return host.ActionContinue
		}),
	)
	gw := newTestGateway(t, testConfig(map[string][]string{backendCluster: {addrOf(backend)}}, nil), upper, nil)

	payload := strings.Repeat("abcdefgh", 10000) // spans several body chunks
	code, _, _ := doRequest(t, gw.Handler(), "POST", "/api/upload", "", strings.NewReader(payload))
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if string(got.Load().([]byte)) != strings.ToUpper(payload) {
		t.Error("expected the upstream to receive the whole body upper-cased")
	}
	if n := deliveries.Load(); n != 1 {
		t.Errorf("expected the buffered hook to run once, got %d", n)
	}
}

func TestGatewayStatusRewrite(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer backend.Close()

	softNotFound := wrapper.New[struct{}]("soft-404",
		wrapper.ProcessResponseHeaders(func(ctx wrapper.HttpContext, _ struct{}) host.Action {
			if status, _ := ctx.Stream().GetHttpResponseHeader(":status"); status == "404" {
				ctx.Stream().ReplaceHttpResponseHeader(":status", "204")
			}
			return host.ActionContinue
		}),
	)
	gw := newTestGateway(t, testConfig(map[string][]string{backendCluster: {addrOf(backend)}}, nil), softNotFound, nil)

	code, _, _ := doRequest(t, gw.Handler(), "GET", "/api/missing", "", nil)
	if code != http.StatusNoContent {
		t.Errorf("expected rewritten status 204, got %d", code)
	}
}

func TestGatewayPluginReload(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("v"))
	}))
	defer backend.Close()
	auth := newAuthServer(t)

	m := metrics.NewCollector()
	cfg := testConfig(map[string][]string{
		backendCluster: {addrOf(backend)},
		authCluster:    {addrOf(auth)},
	}, map[string]any{"suffix": "1"})
	gw := newTestGateway(t, cfg, newAuthFilter(), m)

	if result := gw.ReloadPlugin([]byte(`{"suffix":"2"}`)); !result.Success {
		t.Fatalf("reload failed: %s", result.Error)
	}
	if _, body, _ := doRequest(t, gw.Handler(), "GET", "/api", "Bearer ok", nil); body != "v2" {
		t.Errorf("expected new configuration to serve, got %q", body)
	}

	// a rejected configuration leaves the previous root serving
	if result := gw.ReloadPlugin([]byte(`{"fail":true}`)); result.Success {
		t.Fatal("expected reload to fail")
	}
	if _, body, _ := doRequest(t, gw.Handler(), "GET", "/api", "Bearer ok", nil); body != "v2" {
		t.Errorf("expected previous configuration to keep serving, got %q", body)
	}

	expected := `
# HELP filterkit_plugin_loads_total Plugin configuration loads by result
# TYPE filterkit_plugin_loads_total counter
filterkit_plugin_loads_total{result="failed"} 1
filterkit_plugin_loads_total{result="ok"} 2
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "filterkit_plugin_loads_total"); err != nil {
		t.Error(err)
	}
}

func TestGatewayRejectsInitialConfig(t *testing.T) {
	cfg := testConfig(nil, map[string]any{"fail": true})
	if _, err := New(cfg, newAuthFilter(), nil); err == nil {
		t.Fatal("expected New to fail when the filter rejects its configuration")
	}
}

func TestGatewayTicks(t *testing.T) {
	var ticks atomic.Int32
	ticking := wrapper.New[struct{}]("ticking",
		wrapper.ParseConfigWithContext(func(ctx wrapper.PluginContext, _ gjson.Result, _ *struct{}) error {
			return ctx.RegisterTickFunc(100, func() { ticks.Add(1) })
		}),
	)
	gw := newTestGateway(t, testConfig(nil, nil), ticking, nil)

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if ticks.Load() < 2 {
		t.Fatalf("expected tick functions to run, got %d", ticks.Load())
	}

	gw.Close()
	after := ticks.Load()
	time.Sleep(250 * time.Millisecond)
	if ticks.Load() != after {
		t.Error("expected ticks to stop after Close")
	}
}

func TestRouteMatchLongestPrefix(t *testing.T) {
	gw := &Gateway{}
	cfg := config.DefaultConfig()
	cfg.Consul.Address = ""
	cfg.Routes = []config.RouteConfig{
		{Name: "root", PathPrefix: "/", Cluster: backendCluster},
		{Name: "api", PathPrefix: "/api", Cluster: backendCluster},
		{Name: "api-v2", PathPrefix: "/api/v2", Cluster: backendCluster},
	}
	st, err := gw.buildState(cfg)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path string
		want string
	}{
		{"/api/v2/users", "api-v2"},
		{"/api/v1/users", "api"},
		{"/static/app.js", "root"},
	}
	for _, tt := range tests {
		r, ok := st.match(tt.path)
		if !ok || r.Name != tt.want {
			t.Errorf("%s: expected route %s, got %s", tt.path, tt.want, r.Name)
		}
	}
}
