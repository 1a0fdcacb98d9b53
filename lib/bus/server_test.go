package bus

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, mutate func(*ServerConfig)) *Server {
	t.Helper()
	dir, err := os.MkdirTemp("", "bus")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := DefaultServerConfig()
	cfg.Address = filepath.Join(dir, "bus.sock")
	cfg.WriteTimeout = time.Second
	if mutate != nil {
		mutate(cfg)
	}
	s, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s
}

func dial(t *testing.T, s *Server) *Client {
	t.Helper()
	c, err := Dial(context.Background(), "unix", s.config.Address)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitClosed(t *testing.T, c *Client) {
	t.Helper()
	select {
	case _, ok := <-c.Signals():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("connection still open")
	}
}

func rpcCode(t *testing.T, err error) int {
	t.Helper()
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr), "not an RPC error: %v", err)
	return rpcErr.Code
}

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest([]byte(`{"jsonrpc":"2.0","id":1,"method":"value","params":["k"]}`))
	require.NoError(t, err)
	assert.Equal(t, "/", req.Path)
	assert.False(t, req.IsNotification())

	req, err = ParseRequest([]byte(`{"jsonrpc":"2.0","method":"sync","path":"/a"}`))
	require.NoError(t, err)
	assert.Equal(t, "/a", req.Path)
	assert.True(t, req.IsNotification())

	cases := []struct {
		in   string
		code int
	}{
		{``, ErrCodeParseError},
		{`{`, ErrCodeParseError},
		{`{"jsonrpc":"1.0","method":"x"}`, ErrCodeInvalidRequest},
		{`{"jsonrpc":"2.0"}`, ErrCodeInvalidRequest},
	}
	for _, tc := range cases {
		_, err := ParseRequest([]byte(tc.in))
		assert.Equal(t, tc.code, rpcCode(t, err), tc.in)
	}
}

func TestCallCarriesCaller(t *testing.T) {
	s := startServer(t, nil)
	got := make(chan Caller, 1)
	require.NoError(t, s.RegisterObject("/obj", MethodTable{
		"echo": func(ctx context.Context, call *Call) (interface{}, error) {
			got <- call.Caller
			var args []string
			if err := call.Bind(&args); err != nil {
				return nil, err
			}
			return args, nil
		},
	}))

	c := dial(t, s)
	ctx := testContext(t)
	name, err := c.Name(ctx)
	require.NoError(t, err)

	var out []string
	require.NoError(t, c.Call(ctx, "/obj", "echo", []string{"a", "b"}, &out))
	assert.Equal(t, []string{"a", "b"}, out)

	caller := <-got
	assert.Equal(t, name, caller.Service)
	assert.Equal(t, uint32(os.Getuid()), caller.UID)
	assert.Equal(t, int32(os.Getpid()), caller.PID)

	id := s.Describe(caller)
	assert.NotEmpty(t, id.User)
	assert.NotEmpty(t, id.Process)
}

func TestDispatchErrors(t *testing.T) {
	s := startServer(t, nil)
	s.SetErrorMapper(func(err error) *RPCError {
		if errors.Is(err, os.ErrPermission) {
			return NewRPCError(ErrCodeAccessDenied, err.Error())
		}
		return nil
	})
	require.NoError(t, s.RegisterObject("/obj", MethodTable{
		"deny": func(context.Context, *Call) (interface{}, error) {
			return nil, os.ErrPermission
		},
		"fail": func(context.Context, *Call) (interface{}, error) {
			return nil, errors.New("boom")
		},
		"args": func(ctx context.Context, call *Call) (interface{}, error) {
			var n int
			return nil, call.Bind(&n)
		},
	}))
	c := dial(t, s)
	ctx := testContext(t)

	assert.Equal(t, ErrCodeUnknownObject, rpcCode(t, c.Call(ctx, "/missing", "x", nil, nil)))
	assert.Equal(t, ErrCodeMethodNotFound, rpcCode(t, c.Call(ctx, "/obj", "x", nil, nil)))
	assert.Equal(t, ErrCodeAccessDenied, rpcCode(t, c.Call(ctx, "/obj", "deny", nil, nil)))
	assert.Equal(t, ErrCodeInvalidParams, rpcCode(t, c.Call(ctx, "/obj", "args", "nope", nil)))

	err := c.Call(ctx, "/obj", "fail", nil, nil)
	assert.Equal(t, ErrCodeFailed, rpcCode(t, err))
	assert.Contains(t, err.Error(), "boom")
}

func TestRegisterCollision(t *testing.T) {
	s := startServer(t, nil)
	require.NoError(t, s.RegisterObject("/obj", MethodTable{}))
	assert.Error(t, s.RegisterObject("/obj", MethodTable{}))
	assert.True(t, s.HasObject("/obj"))

	s.UnregisterObject("/obj")
	assert.False(t, s.HasObject("/obj"))
	assert.NoError(t, s.RegisterObject("/obj", MethodTable{}))
	assert.Equal(t, []string{"/obj"}, s.Objects())
}

func TestRateLimit(t *testing.T) {
	s := startServer(t, func(cfg *ServerConfig) {
		cfg.RateLimit = 0.001
		cfg.Burst = 2
	})
	c := dial(t, s)
	ctx := testContext(t)

	_, err := c.Name(ctx)
	require.NoError(t, err)
	_, err = c.Name(ctx)
	require.NoError(t, err)
	_, err = c.Name(ctx)
	assert.Equal(t, ErrCodeRateLimited, rpcCode(t, err))
}

func TestSignalsReachSubscribers(t *testing.T) {
	s := startServer(t, nil)
	sub := dial(t, s)
	other := dial(t, s)
	ctx := testContext(t)

	require.NoError(t, sub.Subscribe(ctx, "/a/1000"))
	_, err := other.Name(ctx)
	require.NoError(t, err)

	n := s.Emit("/a/1000", "valueChanged", map[string]interface{}{"key": "k"})
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, s.Emit("/b/1000", "valueChanged", nil))

	select {
	case msg := <-sub.Signals():
		assert.Equal(t, "valueChanged", msg.Method)
		assert.Equal(t, "/a/1000", msg.Path)
		var params map[string]string
		require.NoError(t, json.Unmarshal(msg.Params, &params))
		assert.Equal(t, "k", params["key"])
	case <-time.After(2 * time.Second):
		t.Fatal("no signal")
	}
	select {
	case msg := <-other.Signals():
		t.Fatalf("unsubscribed peer got %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeFilterRejects(t *testing.T) {
	s := startServer(t, nil)
	seen := make(chan Caller, 2)
	s.SetSubscribeFilter(func(caller Caller, path string) error {
		seen <- caller
		if path == "/private/0" {
			return NewRPCError(ErrCodeAccessDenied, "not yours")
		}
		return nil
	})
	c := dial(t, s)
	ctx := testContext(t)

	err := c.Subscribe(ctx, "/private/0")
	assert.Equal(t, ErrCodeAccessDenied, rpcCode(t, err))
	assert.Equal(t, uint32(os.Getuid()), (<-seen).UID)
	assert.Equal(t, 0, s.Emit("/private/0", "valueChanged", nil))

	require.NoError(t, c.Subscribe(ctx, "/public"))
	assert.Equal(t, 1, s.Emit("/public", "valueChanged", nil))
}

func TestServerSideSubscribe(t *testing.T) {
	s := startServer(t, nil)
	c := dial(t, s)
	ctx := testContext(t)
	name, err := c.Name(ctx)
	require.NoError(t, err)

	assert.True(t, s.Subscribe(name, "/x"))
	assert.False(t, s.Subscribe(":1.999", "/x"))
	assert.Equal(t, 1, s.Emit("/x", "valueChanged", nil))
}

func TestWatchFiresOnDisconnect(t *testing.T) {
	s := startServer(t, nil)
	c, err := Dial(context.Background(), "unix", s.config.Address)
	require.NoError(t, err)
	name, err := c.Name(testContext(t))
	require.NoError(t, err)

	gone := make(chan struct{})
	s.Watch(name, func() { close(gone) })
	require.NoError(t, c.Close())

	select {
	case <-gone:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not fire")
	}
	assert.Equal(t, 0, s.PeerCount())
}

func TestWatchUnknownPeerFires(t *testing.T) {
	s := startServer(t, nil)
	gone := make(chan struct{})
	s.Watch(":1.404", func() { close(gone) })
	select {
	case <-gone:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not fire")
	}
}

func TestMaxPeers(t *testing.T) {
	s := startServer(t, func(cfg *ServerConfig) { cfg.MaxPeers = 1 })
	first := dial(t, s)
	ctx := testContext(t)
	_, err := first.Name(ctx)
	require.NoError(t, err)

	second := dial(t, s)
	waitClosed(t, second)
	_, err = second.Name(ctx)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestStopClosesPeers(t *testing.T) {
	s := startServer(t, nil)
	c := dial(t, s)
	_, err := c.Name(testContext(t))
	require.NoError(t, err)

	require.NoError(t, s.Stop())
	waitClosed(t, c)
	_, err = c.Name(testContext(t))
	assert.ErrorIs(t, err, ErrClientClosed)
}
