package tunnel

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type testTunnel struct {
	t   *testing.T
	tun *Tunnel
	url string
}

func newTestTunnel(t *testing.T) *testTunnel {
	t.Helper()
	return newTestTunnelWithLogger(t, zap.NewNop())
}

func newTestTunnelWithLogger(t *testing.T, logger *zap.Logger) *testTunnel {
	t.Helper()

	tun, err := NewTunnel().WithLogger(logger).Build()
	require.NoError(t, err)

	srv := httptest.NewServer(tun)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tun.Shutdown(ctx)
		srv.Close()
	})

	return &testTunnel{t: t, tun: tun, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/debugger-proxy"}
}

func (tt *testTunnel) dial(query string) *websocket.Conn {
	tt.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, tt.url+query, nil)
	require.NoError(tt.t, err)
	tt.t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func (tt *testTunnel) debugger() *websocket.Conn {
	tt.t.Helper()

	conn := tt.dial("?role=debugger")
	require.Eventually(tt.t, tt.tun.IsDebuggerConnected, 2*time.Second, 5*time.Millisecond)
	return conn
}

func (tt *testTunnel) client() *websocket.Conn {
	tt.t.Helper()

	conn := tt.dial("?role=client")
	require.Eventually(tt.t, tt.tun.IsClientConnected, 2*time.Second, 5*time.Millisecond)
	return conn
}

func write(t *testing.T, conn *websocket.Conn, msgType websocket.MessageType, data string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, msgType, []byte(data)))
}

func read(t *testing.T, conn *websocket.Conn) (websocket.MessageType, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msgType, data, err := conn.Read(ctx)
	require.NoError(t, err)
	return msgType, string(data)
}

func readClose(t *testing.T, conn *websocket.Conn) websocket.CloseError {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	var closeErr websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close, got data %q err %v", data, err)
	return closeErr
}

func TestMissingRoleIsRejected(t *testing.T) {
	tt := newTestTunnel(t)

	for _, query := range []string{"", "?role=observer"} {
		closeErr := readClose(t, tt.dial(query))
		assert.Equal(t, CloseStatus, closeErr.Code)
		assert.Equal(t, ReasonMissingRole, closeErr.Reason)
	}
	assert.False(t, tt.tun.IsDebuggerConnected())
}

func TestRelayPreservesFrames(t *testing.T) {
	tt := newTestTunnel(t)
	dbg := tt.debugger()
	app := tt.client()

	write(t, app, websocket.MessageText, `{"id":1,"result":{}}`)
	msgType, data := read(t, dbg)
	assert.Equal(t, websocket.MessageText, msgType)
	assert.Equal(t, `{"id":1,"result":{}}`, data)

	write(t, dbg, websocket.MessageBinary, "\x00\x01binary")
	msgType, data = read(t, app)
	assert.Equal(t, websocket.MessageBinary, msgType)
	assert.Equal(t, "\x00\x01binary", data)
}

func TestFramesWithoutPeerAreDropped(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	tt := newTestTunnelWithLogger(t, zap.New(core))
	dbg := tt.debugger()

	write(t, dbg, websocket.MessageText, "lost")
	require.Eventually(t, func() bool {
		return logs.FilterMessage("Dropping frame, nobody on the other side").Len() == 1
	}, 2*time.Second, 5*time.Millisecond)
	app := tt.client()

	write(t, dbg, websocket.MessageText, "delivered")
	_, data := read(t, app)
	assert.Equal(t, "delivered", data)
}

func TestSecondDebuggerIsRejected(t *testing.T) {
	tt := newTestTunnel(t)
	first := tt.debugger()
	app := tt.client()

	closeErr := readClose(t, tt.dial("?role=debugger"))
	assert.Equal(t, CloseStatus, closeErr.Code)
	assert.Equal(t, ReasonDebuggerAttached, closeErr.Reason)

	write(t, app, websocket.MessageText, "still here")
	_, data := read(t, first)
	assert.Equal(t, "still here", data)
	assert.True(t, tt.tun.IsDebuggerConnected())
}

func TestNewClientPreemptsOld(t *testing.T) {
	tt := newTestTunnel(t)
	dbg := tt.debugger()
	oldApp := tt.client()

	newApp := tt.dial("?role=client")
	closeErr := readClose(t, oldApp)
	assert.Equal(t, CloseStatus, closeErr.Code)
	assert.Equal(t, ReasonClientReplaced, closeErr.Reason)

	// The replaced client leaving must not be reported to the debugger.
	write(t, newApp, websocket.MessageText, "hello from new app")
	_, data := read(t, dbg)
	assert.Equal(t, "hello from new app", data)

	write(t, dbg, websocket.MessageText, "to new app")
	_, data = read(t, newApp)
	assert.Equal(t, "to new app", data)
	assert.True(t, tt.tun.IsClientConnected())
}

func TestClientDisconnectNotifiesDebugger(t *testing.T) {
	tt := newTestTunnel(t)
	dbg := tt.debugger()
	app := tt.client()

	require.NoError(t, app.Close(websocket.StatusNormalClosure, "reload"))

	msgType, data := read(t, dbg)
	assert.Equal(t, websocket.MessageText, msgType)
	assert.JSONEq(t, `{"method":"$disconnected"}`, data)
	require.Eventually(t, func() bool { return !tt.tun.IsClientConnected() }, 2*time.Second, 5*time.Millisecond)
}

func TestDebuggerDisconnectClosesClient(t *testing.T) {
	tt := newTestTunnel(t)
	dbg := tt.debugger()
	app := tt.client()

	require.NoError(t, dbg.Close(websocket.StatusNormalClosure, "bye"))

	closeErr := readClose(t, app)
	assert.Equal(t, CloseStatus, closeErr.Code)
	assert.Equal(t, ReasonDebuggerGone, closeErr.Reason)
	require.Eventually(t, func() bool {
		return !tt.tun.IsDebuggerConnected() && !tt.tun.IsClientConnected()
	}, 2*time.Second, 5*time.Millisecond)

	// The debugger slot is free again.
	tt.debugger()
}

func TestShutdown(t *testing.T) {
	tt := newTestTunnel(t)
	dbg := tt.debugger()

	closed := make(chan error, 1)
	go func() {
		_, _, err := dbg.Read(context.Background())
		closed <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tt.tun.Shutdown(ctx))
	assert.False(t, tt.tun.IsDebuggerConnected())

	select {
	case err := <-closed:
		assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
	case <-time.After(2 * time.Second):
		t.Fatal("debugger was not closed")
	}
}

func TestTunnelConfig(t *testing.T) {
	config := NewTunnel().
		WithLogger(zaptest.NewLogger(t)).
		WithWriteTimeout(-1).
		WithReadLimit(0).
		WithOriginPatterns("localhost:*")

	assert.Equal(t, DefaultWriteTimeout, config.writeTimeout)
	assert.Equal(t, int64(DefaultReadLimit), config.readLimit)
	assert.Equal(t, []string{"localhost:*"}, config.originPatterns)
	require.NoError(t, config.IsValid())

	tun, err := config.Build()
	require.NoError(t, err)
	assert.False(t, tun.IsDebuggerConnected())
	assert.Nil(t, tun.metrics)
}
