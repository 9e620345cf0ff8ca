package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/devlink/pkg/devlink/msgbus"
	"github.com/tsarna/devlink/pkg/devlink/notify"
	"go.uber.org/zap"
)

func newBusServer(t *testing.T) string {
	t.Helper()

	bus, err := msgbus.NewBus().WithNotifier(notify.Nop).WithPingInterval(0).Build()
	require.NoError(t, err)

	srv := httptest.NewServer(bus)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bus.Shutdown(ctx)
		srv.Close()
	})

	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/message"
}

func connect(t *testing.T, builder *ClientBuilder) *Client {
	t.Helper()

	c, err := builder.WithLogger(zap.NewNop()).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { c.Close() })

	// Make sure the bus has registered the peer before the test goes on.
	_, err = c.ID(ctx)
	require.NoError(t, err)
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClientBuilder(t *testing.T) {
	t.Run("fluent interface returns same builder", func(t *testing.T) {
		builder := NewClient()
		assert.Same(t, builder, builder.WithURL("ws://localhost:8081/message"))
		assert.Same(t, builder, builder.WithLogger(zap.NewNop()))
		assert.Same(t, builder, builder.WithDialTimeout(5*time.Second))
		assert.Same(t, builder, builder.WithWriteChannelSize(10))
		assert.Same(t, builder, builder.WithHeader("User-Agent", "devlink"))
		assert.Same(t, builder, builder.OnMessage(nil))
	})

	t.Run("build fails with missing URL", func(t *testing.T) {
		_, err := NewClient().Build()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "URL is required")
	})

	t.Run("defaults", func(t *testing.T) {
		c, err := NewClient().WithURL("ws://localhost:8081/message").WithDialTimeout(-1).Build()
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, c.dialTimeout)
		assert.Equal(t, 100, c.writeChannelSize)
		assert.NotNil(t, c.logger)
	})
}

func TestHeadersReachHandshake(t *testing.T) {
	bus, err := msgbus.NewBus().WithNotifier(notify.Nop).WithPingInterval(0).Build()
	require.NoError(t, err)

	seen := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case seen <- r.Header.Clone():
		default:
		}
		bus.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bus.Shutdown(ctx)
		srv.Close()
	})

	connect(t, NewClient().
		WithURL("ws"+strings.TrimPrefix(srv.URL, "http")+"/message").
		WithHeader("authorization", "Bearer abc").
		WithHeader("X-Devlink-Tag", "one").
		WithHeader("x-devlink-tag", "two"))

	header := <-seen
	assert.Equal(t, "Bearer abc", header.Get("Authorization"))
	assert.Equal(t, []string{"one", "two"}, header.Values("X-Devlink-Tag"))
}

func TestNotConnected(t *testing.T) {
	c, err := NewClient().WithURL("ws://localhost:1/message").Build()
	require.NoError(t, err)

	_, err = c.Request(context.Background(), msgbus.ServerTarget, "getid", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Respond(&msgbus.Request{ID: json.RawMessage(`1`)}, nil, nil), ErrNotConnected)
	assert.NoError(t, c.Close())
}

func TestConnectFailure(t *testing.T) {
	c, err := NewClient().WithURL("ws://127.0.0.1:1/message").WithDialTimeout(500 * time.Millisecond).Build()
	require.NoError(t, err)

	err = c.Connect(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}

func TestServerRequests(t *testing.T) {
	url := newBusServer(t)
	a := connect(t, NewClient().WithURL(url+"?app=demo"))
	b := connect(t, NewClient().WithURL(url))

	id, err := b.ID(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "client#1", id)

	peers, err := b.Peers(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, map[string]map[string]any{"client#0": {"app": "demo"}}, peers)

	_, err = a.Request(testContext(t), msgbus.ServerTarget, "nope", nil)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote), "got %v", err)
	assert.Contains(t, remote.Message, "unknown server method")
}

func TestRequestRespond(t *testing.T) {
	url := newBusServer(t)

	responder := connect(t, NewClient().WithURL(url).OnMessage(func(ctx context.Context, c *Client, msg msgbus.Message) {
		req, ok := msg.(*msgbus.Request)
		if !ok {
			return
		}
		switch req.Method {
		case "echo":
			_ = c.Respond(req, req.Params, nil)
		default:
			_ = c.Respond(req, nil, errors.New("no such method"))
		}
	}))
	responderID, err := responder.ID(testContext(t))
	require.NoError(t, err)

	requester := connect(t, NewClient().WithURL(url))

	result, err := requester.Request(testContext(t), responderID, "echo", map[string]string{"hello": "world"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"world"}`, string(result))

	_, err = requester.Request(testContext(t), responderID, "other", nil)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote), "got %v", err)
	assert.Equal(t, "no such method", remote.Message)
}

func TestRequestHonorsContext(t *testing.T) {
	url := newBusServer(t)

	silent := connect(t, NewClient().WithURL(url))
	silentID, err := silent.ID(testContext(t))
	require.NoError(t, err)

	requester := connect(t, NewClient().WithURL(url))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = requester.Request(ctx, silentID, "ignored", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	requester.pendingMu.Lock()
	assert.Empty(t, requester.pendingReqs)
	requester.pendingMu.Unlock()
}

func TestBroadcastDelivery(t *testing.T) {
	url := newBusServer(t)

	received := make(chan *msgbus.Broadcast, 1)
	connect(t, NewClient().WithURL(url).OnMessage(func(ctx context.Context, c *Client, msg msgbus.Message) {
		if b, ok := msg.(*msgbus.Broadcast); ok {
			received <- b
		}
	}))

	sender := connect(t, NewClient().WithURL(url))
	require.NoError(t, sender.Broadcast(testContext(t), "reload", nil))

	select {
	case b := <-received:
		assert.Equal(t, "reload", b.Method)
		assert.Nil(t, b.Params)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not delivered")
	}
}

func TestCloseFailsPendingRequests(t *testing.T) {
	url := newBusServer(t)

	silent := connect(t, NewClient().WithURL(url))
	silentID, err := silent.ID(testContext(t))
	require.NoError(t, err)

	requester := connect(t, NewClient().WithURL(url))

	errs := make(chan error, 1)
	go func() {
		_, err := requester.Request(context.Background(), silentID, "ignored", nil)
		errs <- err
	}()

	require.Eventually(t, func() bool {
		requester.pendingMu.Lock()
		defer requester.pendingMu.Unlock()
		return len(requester.pendingReqs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, requester.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed on close")
	}
}
