package wrapper_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"
	"github.com/wudi/filterkit/client"
	"github.com/wudi/filterkit/cluster"
	"github.com/wudi/filterkit/host"
	"github.com/wudi/filterkit/hosttest"
	"github.com/wudi/filterkit/wrapper"
)

type testConfig struct {
	Name string
}

func parseTestConfig(json gjson.Result, c *testConfig) error {
	c.Name = json.Get("name").String()
	return nil
}

func requestHeaders(authority string, extra ...host.Header) []host.Header {
	h := []host.Header{
		{":authority", authority},
		{":path", "/api/items"},
		{":method", "POST"},
		{":scheme", "https"},
	}
	return append(h, extra...)
}

func startHost(t *testing.T, vm host.VMContext, config string) *hosttest.Host {
	t.Helper()
	h := hosttest.New(vm, hosttest.WithConfigString(config))
	if !h.Start() {
		t.Fatalf("plugin start failed: %v", h.Logs())
	}
	return h
}

func TestBufferedRequestBodyDeliveredOnce(t *testing.T) {
	var bodies [][]byte
	vm := wrapper.New[testConfig]("body",
		wrapper.ParseConfig(parseTestConfig),
		wrapper.ProcessRequestBody(func(ctx wrapper.HttpContext, c testConfig, body []byte) host.Action {
			bodies = append(bodies, append([]byte(nil), body...))
			return host.ActionContinue
		}),
	)
	h := startHost(t, vm, `{"name":"global"}`)
	s := h.NewStream()
	s.CallOnHttpRequestHeaders(requestHeaders("example.com", host.Header{"content-length", "35"}), false)

	chunks := [][]byte{
		bytes.Repeat([]byte("a"), 10),
		bytes.Repeat([]byte("b"), 20),
		bytes.Repeat([]byte("c"), 5),
	}
	wantActions := []host.Action{host.ActionPause, host.ActionPause, host.ActionContinue}
	for i, chunk := range chunks {
		got := s.CallOnHttpRequestBody(chunk, i == len(chunks)-1)
		if got != wantActions[i] {
			t.Errorf("chunk %d: expected %s, got %s", i, wantActions[i], got)
		}
	}

	if len(bodies) != 1 {
		t.Fatalf("expected body hook once, got %d", len(bodies))
	}
	want := bytes.Join(chunks, nil)
	if !bytes.Equal(bodies[0], want) {
		t.Errorf("expected %d byte body, got %d bytes", len(want), len(bodies[0]))
	}
	if !bytes.Equal(s.ForwardedRequestBody(), want) {
		t.Error("forwarded body does not match the original chunks")
	}
}

func TestBufferedResponseBodyReplaced(t *testing.T) {
	vm := wrapper.New[testConfig]("body",
		wrapper.ParseConfig(parseTestConfig),
		wrapper.ProcessResponseBody(func(ctx wrapper.HttpContext, c testConfig, body []byte) host.Action {
			ctx.Stream().ReplaceHttpResponseBody([]byte(strings.ToUpper(string(body))))
			return host.ActionContinue
		}),
	)
	h := startHost(t, vm, `{}`)
	s := h.NewStream()
	s.CallOnHttpRequestHeaders(requestHeaders("example.com"), true)
	s.CallOnHttpResponseHeaders([]host.Header{{":status", "200"}, {"content-length", "11"}}, false)

	if got := s.CallOnHttpResponseBody([]byte("hello "), false); got != host.ActionPause {
		t.Errorf("expected pause, got %s", got)
	}
	if got := s.CallOnHttpResponseBody([]byte("world"), true); got != host.ActionContinue {
		t.Errorf("expected continue, got %s", got)
	}
	if string(s.ForwardedResponseBody()) != "HELLO WORLD" {
		t.Errorf("expected HELLO WORLD, got %q", s.ForwardedResponseBody())
	}
}

func TestStreamingRequestBody(t *testing.T) {
	var seen []string
	var ends []bool
	vm := wrapper.New[testConfig]("stream",
		wrapper.ParseConfig(parseTestConfig),
		wrapper.ProcessStreamingRequestBody(func(ctx wrapper.HttpContext, c testConfig, chunk []byte, end bool) []byte {
			seen = append(seen, string(chunk))
			ends = append(ends, end)
			return bytes.ToUpper(chunk)
		}),
	)
	h := startHost(t, vm, `{}`)
	s := h.NewStream()
	s.CallOnHttpRequestHeaders(requestHeaders("example.com", host.Header{"transfer-encoding", "chunked"}), false)

	for i, chunk := range []string{"ab", "cd", "ef"} {
		if got := s.CallOnHttpRequestBody([]byte(chunk), i == 2); got != host.ActionContinue {
			t.Errorf("chunk %d: expected continue, got %s", i, got)
		}
	}

	if strings.Join(seen, ",") != "ab,cd,ef" {
		t.Errorf("unexpected chunks %v", seen)
	}
	if ends[0] || ends[1] || !ends[2] {
		t.Errorf("unexpected end flags %v", ends)
	}
	if string(s.ForwardedRequestBody()) != "ABCDEF" {
		t.Errorf("expected ABCDEF forwarded, got %q", s.ForwardedRequestBody())
	}
}

func TestBufferRequestBodyOverridesStreaming(t *testing.T) {
	streamed, buffered := 0, 0
	vm := wrapper.New[testConfig]("stream",
		wrapper.ParseConfig(parseTestConfig),
		wrapper.ProcessRequestHeaders(func(ctx wrapper.HttpContext, c testConfig) host.Action {
			ctx.BufferRequestBody()
			return host.ActionContinue
		}),
		wrapper.ProcessStreamingRequestBody(func(ctx wrapper.HttpContext, c testConfig, chunk []byte, end bool) []byte {
			streamed++
			return nil
		}),
		wrapper.ProcessRequestBody(func(ctx wrapper.HttpContext, c testConfig, body []byte) host.Action {
			buffered++
			return host.ActionContinue
		}),
	)
	h := startHost(t, vm, `{}`)
	s := h.NewStream()
	s.CallOnHttpRequestHeaders(requestHeaders("example.com", host.Header{"content-length", "4"}), false)
	s.CallOnHttpRequestBody([]byte("ab"), false)
	s.CallOnHttpRequestBody([]byte("cd"), true)

	if streamed != 0 || buffered != 1 {
		t.Errorf("expected buffered delivery only, got streamed=%d buffered=%d", streamed, buffered)
	}
}

func TestBinaryAndWebsocketSkipBody(t *testing.T) {
	tests := []struct {
		name    string
		headers []host.Header
	}{
		{"octet-stream", []host.Header{{"content-type", "application/octet-stream"}, {"content-length", "3"}}},
		{"grpc", []host.Header{{"content-type", "application/grpc"}, {"content-length", "3"}}},
		{"content-encoding", []host.Header{{"content-type", "application/json"}, {"content-encoding", "gzip"}, {"content-length", "3"}}},
		{"websocket", []host.Header{{"connection", "Upgrade"}, {"upgrade", "websocket"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			var binary, ws bool
			vm := wrapper.New[testConfig]("skip",
				wrapper.ParseConfig(parseTestConfig),
				wrapper.ProcessRequestHeaders(func(ctx wrapper.HttpContext, c testConfig) host.Action {
					binary = ctx.IsBinaryRequestBody()
					ws = ctx.IsWebsocket()
					return host.ActionContinue
				}),
				wrapper.ProcessRequestBody(func(ctx wrapper.HttpContext, c testConfig, body []byte) host.Action {
					called = true
					return host.ActionPause
				}),
			)
			h := startHost(t, vm, `{}`)
			s := h.NewStream()
			s.CallOnHttpRequestHeaders(requestHeaders("example.com", tt.headers...), false)

			if got := s.CallOnHttpRequestBody([]byte("abc"), true); got != host.ActionContinue {
				t.Errorf("expected continue, got %s", got)
			}
			if called {
				t.Error("body hook should not run")
			}
			if tt.name == "websocket" {
				if !ws {
					t.Error("expected websocket detection")
				}
			} else if !binary {
				t.Error("expected binary detection")
			}
		})
	}
}

func TestMissingAuthorityFailsOpen(t *testing.T) {
	called := false
	vm := wrapper.New[testConfig]("open",
		wrapper.ParseConfig(parseTestConfig),
		wrapper.ProcessRequestHeaders(func(ctx wrapper.HttpContext, c testConfig) host.Action {
			called = true
			return host.ActionPause
		}),
	)
	h := startHost(t, vm, `{"name":"global"}`)
	s := h.NewStream()

	got := s.CallOnHttpRequestHeaders([]host.Header{{":path", "/"}, {":method", "GET"}}, true)
	if got != host.ActionContinue {
		t.Errorf("expected continue, got %s", got)
	}
	if called {
		t.Error("handler should not run without a resolved config")
	}
	if !h.HasLog(host.LogLevelWarn, "resolve config failed") {
		t.Errorf("expected resolution warning, logs: %v", h.Logs())
	}
}

func TestRuleResolution(t *testing.T) {
	var names []string
	vm := wrapper.New[testConfig]("rules",
		wrapper.ParseConfig(parseTestConfig),
		wrapper.ProcessRequestHeaders(func(ctx wrapper.HttpContext, c testConfig) host.Action {
			names = append(names, c.Name)
			return host.ActionContinue
		}),
	)
	h := startHost(t, vm, `{
		"name": "global",
		"_rules_": [
			{"_match_route_": ["checkout"], "name": "route"},
			{"_match_domain_": ["*.example.com"], "name": "domain"}
		]
	}`)

	s := h.NewStream()
	s.SetRouteName("checkout")
	s.CallOnHttpRequestHeaders(requestHeaders("api.example.com"), true)

	s = h.NewStream()
	s.CallOnHttpRequestHeaders(requestHeaders("api.example.com:8443"), true)

	s = h.NewStream()
	s.CallOnHttpRequestHeaders(requestHeaders("other.org"), true)

	want := "route,domain,global"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestOverrideConfigStartsFromGlobal(t *testing.T) {
	type limitConfig struct {
		Limit int64
		Tag   string
	}
	var got limitConfig
	vm := wrapper.New[limitConfig]("override",
		wrapper.ParseConfig(func(json gjson.Result, c *limitConfig) error {
			c.Limit = json.Get("limit").Int()
			c.Tag = json.Get("tag").String()
			return nil
		}),
		wrapper.ParseOverrideConfig(func(json gjson.Result, global limitConfig, c *limitConfig) error {
			*c = global
			if v := json.Get("limit"); v.Exists() {
				c.Limit = v.Int()
			}
			return nil
		}),
		wrapper.ProcessRequestHeaders(func(ctx wrapper.HttpContext, c limitConfig) host.Action {
			got = c
			return host.ActionContinue
		}),
	)
	h := startHost(t, vm, `{"limit":10,"tag":"base","_rules_":[{"_match_domain_":["a.com"],"limit":99}]}`)
	s := h.NewStream()
	s.CallOnHttpRequestHeaders(requestHeaders("a.com"), true)

	if got.Limit != 99 || got.Tag != "base" {
		t.Errorf("expected {99 base}, got %+v", got)
	}
}

func TestRawConfigParsers(t *testing.T) {
	type rawConfig struct {
		Limit int    `json:"limit"`
		Tag   string `json:"tag"`
	}
	var got []rawConfig
	var raws []string
	vm := wrapper.New[rawConfig]("raw",
		wrapper.ParseOverrideRawConfig(
			func(data []byte, c *rawConfig) error {
				raws = append(raws, string(data))
				return json.Unmarshal(data, c)
			},
			func(data []byte, global rawConfig, c *rawConfig) error {
				raws = append(raws, string(data))
				*c = global
				return json.Unmarshal(data, c)
			}),
		wrapper.ProcessRequestHeaders(func(ctx wrapper.HttpContext, c rawConfig) host.Action {
			got = append(got, c)
			return host.ActionContinue
		}),
	)
	h := startHost(t, vm, `{"limit":10,"tag":"base","_rules_":[{"_match_domain_":["a.com"],"limit":99}]}`)

	for _, raw := range raws {
		if strings.Contains(raw, "_rules_") || strings.Contains(raw, "_match_domain_") {
			t.Errorf("raw parser saw reserved keys: %s", raw)
		}
	}

	h.NewStream().CallOnHttpRequestHeaders(requestHeaders("a.com"), true)
	h.NewStream().CallOnHttpRequestHeaders(requestHeaders("b.com"), true)

	want := []rawConfig{{99, "base"}, {10, "base"}}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestParseRawConfigRejects(t *testing.T) {
	vm := wrapper.New[testConfig]("raw-bad",
		wrapper.ParseRawConfig(func(data []byte, c *testConfig) error {
			if !bytes.Contains(data, []byte(`"name"`)) {
				return errors.New("name is required")
			}
			return nil
		}),
	)
	h := hosttest.New(vm, hosttest.WithConfigString(`{"other":1}`))
	if h.Start() {
		t.Error("expected plugin start to fail")
	}
}

func TestPluginStart(t *testing.T) {
	tests := []struct {
		name   string
		vm     host.VMContext
		config *string
		wantOK bool
	}{
		{
			name:   "empty config type without parser",
			vm:     wrapper.New[struct{}]("noop"),
			wantOK: true,
		},
		{
			name:   "config type without parser",
			vm:     wrapper.New[testConfig]("noparser"),
			config: ptr(`{}`),
			wantOK: false,
		},
		{
			name:   "zero-sized config type without parser",
			vm:     wrapper.New[[0]int]("zerosize"),
			config: ptr(`{}`),
			wantOK: false,
		},
		{
			name:   "invalid json",
			vm:     wrapper.New[testConfig]("bad", wrapper.ParseConfig(parseTestConfig)),
			config: ptr(`{"name":`),
			wantOK: false,
		},
		{
			name:   "non-array rules",
			vm:     wrapper.New[testConfig]("bad", wrapper.ParseConfig(parseTestConfig)),
			config: ptr(`{"_rules_":{"_match_route_":["a"]}}`),
			wantOK: false,
		},
		{
			name:   "parser error",
			vm:     wrapper.New[testConfig]("bad", wrapper.ParseConfig(func(gjson.Result, *testConfig) error { return errors.New("bad limit") })),
			config: ptr(`{}`),
			wantOK: false,
		},
		{
			name:   "parser panic",
			vm:     wrapper.New[testConfig]("bad", wrapper.ParseConfig(func(gjson.Result, *testConfig) error { panic("boom") })),
			config: ptr(`{}`),
			wantOK: false,
		},
		{
			name:   "missing configuration",
			vm:     wrapper.New[testConfig]("ok", wrapper.ParseConfig(parseTestConfig)),
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []hosttest.Option
			if tt.config != nil {
				opts = append(opts, hosttest.WithConfigString(*tt.config))
			}
			h := hosttest.New(tt.vm, opts...)
			if got := h.Start(); got != tt.wantOK {
				t.Errorf("expected start=%v, got %v (logs: %v)", tt.wantOK, got, h.Logs())
			}
		})
	}
}

func TestPluginIDStripped(t *testing.T) {
	var raw string
	vm := wrapper.New[testConfig]("id",
		wrapper.ParseConfig(func(json gjson.Result, c *testConfig) error {
			raw = json.Raw
			return parseTestConfig(json, c)
		}),
	)
	h := startHost(t, vm, `{"_plugin_id_":"p-1","name":"x"}`)

	if strings.Contains(raw, wrapper.PluginIDKey) {
		t.Errorf("parser saw %s: %s", wrapper.PluginIDKey, raw)
	}
	root := h.Root().(wrapper.PluginContext)
	if root.PluginID() != "p-1" {
		t.Errorf("expected plugin id p-1, got %q", root.PluginID())
	}
}

func TestPrePluginStartOrReload(t *testing.T) {
	calls := 0
	vm := wrapper.New[testConfig]("pre",
		wrapper.ParseConfig(parseTestConfig),
		wrapper.PrePluginStartOrReload[testConfig](func(ctx wrapper.PluginContext) error {
			calls++
			ctx.SetContext("seen", true)
			return nil
		}),
	)
	h := startHost(t, vm, `{}`)
	if calls != 1 {
		t.Errorf("expected pre hook once, got %d", calls)
	}
	if h.Root().(wrapper.PluginContext).GetContext("seen") != true {
		t.Error("expected root context value set by pre hook")
	}
}

func TestTickFunc(t *testing.T) {
	runs := 0
	vm := wrapper.New[testConfig]("tick",
		wrapper.ParseConfigWithContext(func(ctx wrapper.PluginContext, json gjson.Result, c *testConfig) error {
			return ctx.RegisterTickFunc(2000, func() { runs++ })
		}),
	)
	h := startHost(t, vm, `{}`)

	if h.TickPeriod() != wrapper.TickPeriodMs {
		t.Fatalf("expected tick period %d, got %d", wrapper.TickPeriodMs, h.TickPeriod())
	}
	for i := 0; i < 19; i++ {
		h.AdvanceAndTick(100 * time.Millisecond)
	}
	if runs != 0 {
		t.Fatalf("expected no run before 2000ms, got %d", runs)
	}
	h.AdvanceAndTick(100 * time.Millisecond)
	if runs != 1 {
		t.Errorf("expected one run at 2000ms, got %d", runs)
	}

	root := h.Root().(wrapper.PluginContext)
	if err := root.RegisterTickFunc(1000, func() {}); err == nil {
		t.Error("expected registration after start to fail")
	} else if !wrapper.IsConfigError(err) {
		t.Errorf("expected config error, got %v", err)
	}
}

func TestNoTickPeriodWithoutTasks(t *testing.T) {
	vm := wrapper.New[testConfig]("notick", wrapper.ParseConfig(parseTestConfig))
	h := startHost(t, vm, `{}`)
	if h.TickPeriod() != 0 {
		t.Errorf("expected no tick period, got %d", h.TickPeriod())
	}
}

func TestHttpCallResolvedOnce(t *testing.T) {
	var statuses []int
	var bodies []string
	var sameStream bool
	vm := wrapper.New[testConfig]("callout",
		wrapper.ParseConfig(parseTestConfig),
		wrapper.ProcessRequestHeaders(func(ctx wrapper.HttpContext, c testConfig) host.Action {
			cc := client.NewClusterClient(ctx.Root(), cluster.FQDNCluster{FQDN: "auth.svc.local", Port: 8080})
			err := cc.Get("/check", []host.Header{{"x-user", "u1"}}, func(status int, h http.Header, body []byte) {
				statuses = append(statuses, status)
				bodies = append(bodies, string(body))
				sameStream = ctx.Root().ActiveStream() == ctx.Stream()
				ctx.Stream().ResumeHttpRequest()
			})
			if err != nil {
				t.Errorf("dispatch failed: %v", err)
				return host.ActionContinue
			}
			return host.ActionPause
		}),
	)
	h := startHost(t, vm, `{}`)
	s := h.NewStream()

	if got := s.CallOnHttpRequestHeaders(requestHeaders("example.com"), true); got != host.ActionPause {
		t.Fatalf("expected pause, got %s", got)
	}
	calls := h.PendingCalls()
	if len(calls) != 1 {
		t.Fatalf("expected one pending call, got %d", len(calls))
	}
	call := calls[0]
	if call.Cluster != "outbound|8080||auth.svc.local" {
		t.Errorf("unexpected cluster %s", call.Cluster)
	}
	if call.Header(":authority") != "auth.svc.local" || call.Header(":path") != "/check" || call.Header(":method") != "GET" {
		t.Errorf("unexpected pseudo headers %v", call.Headers)
	}
	if call.Timeout != client.DefaultTimeout {
		t.Errorf("expected default timeout, got %d", call.Timeout)
	}

	if err := h.RespondStatus(call.ID, 200, "allowed"); err != nil {
		t.Fatal(err)
	}
	if err := h.RespondStatus(call.ID, 200, "again"); err != nil {
		t.Fatal(err)
	}

	if len(statuses) != 1 || statuses[0] != 200 || bodies[0] != "allowed" {
		t.Errorf("expected one 200 callback, got %v %v", statuses, bodies)
	}
	if !sameStream {
		t.Error("callback did not run with the submitting stream active")
	}
	if s.RequestResumes() != 1 {
		t.Errorf("expected one resume, got %d", s.RequestResumes())
	}
	if !h.HasLog(host.LogLevelWarn, "response for unknown callout") {
		t.Error("expected warning for duplicate response")
	}
	if n := h.Root().(*wrapper.CommonPluginCtx[testConfig]).PendingCalls(); n != 0 {
		t.Errorf("expected no pending calls, got %d", n)
	}
}

func TestHttpCallDispatchFailure(t *testing.T) {
	var err error
	vm := wrapper.New[testConfig]("callout",
		wrapper.ParseConfig(parseTestConfig),
		wrapper.ProcessRequestHeaders(func(ctx wrapper.HttpContext, c testConfig) host.Action {
			cc := client.NewClusterClient(ctx.Root(), cluster.StaticIpCluster{ServiceName: "auth", Port: 80})
			err = cc.Post("/check", nil, []byte("{}"), func(int, http.Header, []byte) {
				t.Error("callback must not run after a failed dispatch")
			})
			return host.ActionContinue
		}),
	)
	h := startHost(t, vm, `{}`)
	h.FailDispatch(host.ErrInternalFailure)
	s := h.NewStream()
	s.CallOnHttpRequestHeaders(requestHeaders("example.com"), true)

	if !client.IsHostError(err) {
		t.Errorf("expected host error, got %v", err)
	}
	if n := h.Root().(*wrapper.CommonPluginCtx[testConfig]).PendingCalls(); n != 0 {
		t.Errorf("expected no pending calls, got %d", n)
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	vm := wrapper.New[testConfig]("panic",
		wrapper.ParseConfig(parseTestConfig),
		wrapper.ProcessRequestHeaders(func(ctx wrapper.HttpContext, c testConfig) host.Action {
			panic("handler bug")
		}),
	)
	h := startHost(t, vm, `{}`)
	s := h.NewStream()

	if got := s.CallOnHttpRequestHeaders(requestHeaders("example.com"), true); got != host.ActionContinue {
		t.Errorf("expected continue after panic, got %s", got)
	}
	if !h.HasLog(host.LogLevelError, "filter handler panicked") {
		t.Error("expected panic to be logged")
	}
}

func TestHttpContextAccessors(t *testing.T) {
	var scheme, hostName, path, method string
	done := false
	vm := wrapper.New[testConfig]("ctx",
		wrapper.ParseConfig(parseTestConfig),
		wrapper.ProcessRequestHeaders(func(ctx wrapper.HttpContext, c testConfig) host.Action {
			scheme, hostName, path, method = ctx.Scheme(), ctx.Host(), ctx.Path(), ctx.Method()
			ctx.SetContext("start", 42)
			ctx.Stream().AddHttpRequestHeader("x-filter", c.Name)
			return host.ActionContinue
		}),
		wrapper.ProcessStreamDone(func(ctx wrapper.HttpContext, c testConfig) {
			done = ctx.GetIntContext("start", 0) == 42 && ctx.GetStringContext("missing", "d") == "d"
		}),
	)
	h := startHost(t, vm, `{"name":"ctx"}`)
	s := h.NewStream()
	s.CallOnHttpRequestHeaders(requestHeaders("example.com"), true)
	s.CompleteHttp()

	if scheme != "https" || hostName != "example.com" || path != "/api/items" || method != "POST" {
		t.Errorf("unexpected request line %s %s %s %s", scheme, hostName, path, method)
	}
	if v, _ := host.HeaderValue(s.RequestHeaders(), "x-filter"); v != "ctx" {
		t.Errorf("expected x-filter header, got %q", v)
	}
	if !done {
		t.Error("stream done hook did not see request scratch values")
	}
}

func TestHostBackedLogger(t *testing.T) {
	vm := wrapper.New[testConfig]("logger", wrapper.ParseConfig(parseTestConfig))
	h := startHost(t, vm, `{}`)

	if !h.HasLog(host.LogLevelInfo, "plugin started") {
		t.Errorf("expected start log on host, got %v", h.Logs())
	}
	if !h.HasLog(host.LogLevelInfo, "logger") {
		t.Error("expected logger name in host log line")
	}
}

func ptr(s string) *string { return &s }
