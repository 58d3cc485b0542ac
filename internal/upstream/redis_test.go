package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/resp"
)

// fakeRedis speaks enough RESP for get, set, incr, mget and select.
type fakeRedis struct {
	ln net.Listener

	mu       sync.Mutex
	data     map[string]string
	commands []string
}

func startFakeRedis(t *testing.T) *fakeRedis {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeRedis{ln: ln, data: make(map[string]string)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeRedis) addr() string { return f.ln.Addr().String() }

func (f *fakeRedis) serve(conn net.Conn) {
	defer conn.Close()
	rd := resp.NewReader(conn)
	for {
		v, _, err := rd.ReadValue()
		if err != nil {
			return
		}
		var args []string
		for _, w := range v.Array() {
			args = append(args, w.String())
		}
		out, _ := f.exec(args).MarshalRESP()
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func (f *fakeRedis) exec(args []string) resp.Value {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(args) == 0 {
		return resp.ErrorValue(errors.New("ERR empty command"))
	}
	cmd := strings.ToLower(args[0])
	f.commands = append(f.commands, cmd)
	switch {
	case cmd == "select":
		return resp.StringValue("OK")
	case cmd == "get" && len(args) == 2:
		if v, ok := f.data[args[1]]; ok {
			return resp.StringValue(v)
		}
		return resp.NullValue()
	case cmd == "set" && len(args) >= 3:
		f.data[args[1]] = args[2]
		return resp.StringValue("OK")
	case cmd == "incr" && len(args) == 2:
		n, _ := strconv.Atoi(f.data[args[1]])
		n++
		f.data[args[1]] = strconv.Itoa(n)
		return resp.IntegerValue(n)
	case cmd == "mget":
		vals := make([]resp.Value, 0, len(args)-1)
		for _, k := range args[1:] {
			if v, ok := f.data[k]; ok {
				vals = append(vals, resp.StringValue(v))
			} else {
				vals = append(vals, resp.NullValue())
			}
		}
		return resp.ArrayValue(vals)
	}
	return resp.ErrorValue(fmt.Errorf("ERR unknown command '%s'", args[0]))
}

func (f *fakeRedis) saw(cmd string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if c == cmd {
			return true
		}
	}
	return false
}

func staticResolve(addrs map[string]string) ResolveFunc {
	return func(_ context.Context, name string) (string, error) {
		if a, ok := addrs[name]; ok {
			return a, nil
		}
		return "", fmt.Errorf("%w: %s", ErrUnresolved, name)
	}
}

func TestParseRedisCluster(t *testing.T) {
	tests := []struct {
		spec    string
		name    string
		db      int
		wantErr bool
	}{
		{"outbound|6379||redis.static", "outbound|6379||redis.static", 0, false},
		{"outbound|6379||redis.static?db=3", "outbound|6379||redis.static", 3, false},
		{"", "", 0, true},
		{"r?db=x", "", 0, true},
		{"r?db=-1", "", 0, true},
		{"r?pool=2", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			name, db, err := parseRedisCluster(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if name != tt.name || db != tt.db {
				t.Errorf("got %q db %d", name, db)
			}
		})
	}
}

func TestParseRedisCommand(t *testing.T) {
	args, err := ParseRedisCommand([]byte("*2\r\n$3\r\nget\r\n$1\r\nk\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(args) != 2 || args[0] != "get" || args[1] != "k" {
		t.Errorf("unexpected args %v", args)
	}

	for _, bad := range []string{"", "+OK\r\n", "*0\r\n"} {
		if _, err := ParseRedisCommand([]byte(bad)); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestRedisTargetDo(t *testing.T) {
	srv := startFakeRedis(t)
	clients := NewRedisClients(staticResolve(map[string]string{"outbound|6379||redis.static": srv.addr()}), nil)
	defer clients.Close()

	if err := clients.Init("outbound|6379||redis.static?db=2", "", "", time.Second); err != nil {
		t.Fatal(err)
	}
	target, err := clients.Target("outbound|6379||redis.static")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []any
		want string
	}{
		{"set", []any{"set", "k", "v"}, "$2\r\nOK\r\n"},
		{"get", []any{"get", "k"}, "$1\r\nv\r\n"},
		{"missing key", []any{"get", "nope"}, "$-1\r\n"},
		{"incr", []any{"incr", "n"}, ":1\r\n"},
		{"array with null", []any{"mget", "k", "nope"}, "*2\r\n$1\r\nv\r\n$-1\r\n"},
		{"error reply", []any{"bogus"}, "-ERR unknown command 'bogus'\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := target.Do(context.Background(), tt.args)
			if err != nil {
				t.Fatalf("Do: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if !srv.saw("select") {
		t.Error("expected the database to be selected")
	}
}

func TestRedisTargetUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	closed := ln.Addr().String()
	ln.Close()

	clients := NewRedisClients(staticResolve(map[string]string{"down": closed}), nil)
	defer clients.Close()

	for _, name := range []string{"down", "unknown"} {
		if err := clients.Init(name, "", "", 200*time.Millisecond); err != nil {
			t.Fatal(err)
		}
		target, err := clients.Target(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := target.Do(context.Background(), []any{"get", "k"}); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestRedisClientsInit(t *testing.T) {
	clients := NewRedisClients(staticResolve(nil), nil)
	defer clients.Close()

	if _, err := clients.Target("r"); !errors.Is(err, ErrRedisNotInitialized) {
		t.Fatalf("expected ErrRedisNotInitialized, got %v", err)
	}
	if err := clients.Init("r?db=bad", "", "", 0); err == nil {
		t.Fatal("expected error for a bad database")
	}

	if err := clients.Init("r", "u", "p", 0); err != nil {
		t.Fatal(err)
	}
	first, _ := clients.Target("r")
	if first.settings.timeout != DefaultRedisTimeout {
		t.Errorf("expected default timeout, got %v", first.settings.timeout)
	}

	clients.Init("r", "u", "p", 0)
	if same, _ := clients.Target("r"); same != first {
		t.Error("identical settings must keep the client")
	}

	clients.Init("r", "u", "other", 0)
	if replaced, _ := clients.Target("r"); replaced == first {
		t.Error("changed credentials must replace the client")
	}

	if err := clients.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := clients.Target("r"); err == nil {
		t.Error("expected no clients after Close")
	}
}
