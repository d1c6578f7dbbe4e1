package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsServer is a minimal websocket echo peer for supervisor tests
type wsServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
	recv  []Request
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	ws := &wsServer{}
	ws.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		ws.mu.Lock()
		ws.conns = append(ws.conns, conn)
		ws.mu.Unlock()

		for {
			var req Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			ws.mu.Lock()
			ws.recv = append(ws.recv, req)
			ws.mu.Unlock()
		}
	}))
	t.Cleanup(ws.Close)
	return ws
}

func (ws *wsServer) url() string { return "ws" + strings.TrimPrefix(ws.URL, "http") }

func (ws *wsServer) connCount() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.conns)
}

func (ws *wsServer) received() []Request {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return append([]Request{}, ws.recv...)
}

func (ws *wsServer) push(t *testing.T, frame string) {
	t.Helper()
	ws.mu.Lock()
	defer ws.mu.Unlock()
	require.NotEmpty(t, ws.conns)
	conn := ws.conns[len(ws.conns)-1]
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func TestSupervisor_EnsureOpenIdempotent(t *testing.T) {
	srv := newWSServer(t)
	sup := NewSupervisor(srv.url())
	defer sup.Close()

	assert.False(t, sup.IsReady())

	require.NoError(t, sup.EnsureOpen(context.Background()))
	assert.True(t, sup.IsReady())

	// second call must not dial again
	require.NoError(t, sup.EnsureOpen(context.Background()))
	require.NoError(t, sup.EnsureOpen(context.Background()))
	assert.Equal(t, 1, srv.connCount())
}

func TestSupervisor_EnsureOpenFailure(t *testing.T) {
	sup := NewSupervisor("ws://127.0.0.1:1/nope")

	err := sup.EnsureOpen(context.Background())
	require.Error(t, err)
	assert.False(t, sup.IsReady())

	// failed dial leaves the supervisor usable, not stuck in opening state
	err = sup.EnsureOpen(context.Background())
	require.Error(t, err)
}

func TestSupervisor_SendAndReceive(t *testing.T) {
	srv := newWSServer(t)

	var mu sync.Mutex
	var got []Inbound
	sup := NewSupervisor(srv.url())
	sup.Handler = func(msg Inbound) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	}
	defer sup.Close()

	assert.ErrorIs(t, sup.Send(Request{UserID: "u1", Message: KindWaiting}), ErrNotReady)

	require.NoError(t, sup.EnsureOpen(context.Background()))
	require.NoError(t, sup.Send(Request{UserID: "u1", Message: KindJobs, Payload: `{"since":0}`}))

	assert.Eventually(t, func() bool { return len(srv.received()) == 1 }, time.Second, 10*time.Millisecond)
	req := srv.received()[0]
	assert.Equal(t, "u1", req.UserID)
	assert.Equal(t, KindJobs, req.Message)
	assert.Equal(t, `{"since":0}`, req.Payload)

	srv.push(t, `{"message":"waiting","payload":2}`)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, WaitingMsg{Count: 2}, got[0])
	mu.Unlock()
}

func TestSupervisor_MalformedFrameSkipped(t *testing.T) {
	srv := newWSServer(t)

	var mu sync.Mutex
	var got []Inbound
	sup := NewSupervisor(srv.url())
	sup.Handler = func(msg Inbound) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	}
	defer sup.Close()

	require.NoError(t, sup.EnsureOpen(context.Background()))
	srv.push(t, `garbage`)
	srv.push(t, `{"message":"waiting","payload":1}`)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond, "bad frame dropped, connection survives")
	assert.True(t, sup.IsReady())
}

func TestSupervisor_ReconnectAfterServerClose(t *testing.T) {
	srv := newWSServer(t)
	sup := NewSupervisor(srv.url())
	defer sup.Close()

	require.NoError(t, sup.EnsureOpen(context.Background()))
	require.True(t, sup.IsReady())

	// server kills the connection, the read loop drops the handle
	srv.mu.Lock()
	require.NoError(t, srv.conns[0].Close())
	srv.mu.Unlock()

	assert.Eventually(t, func() bool { return !sup.IsReady() }, time.Second, 10*time.Millisecond)

	// next EnsureOpen dials fresh
	require.NoError(t, sup.EnsureOpen(context.Background()))
	assert.True(t, sup.IsReady())
	assert.Equal(t, 2, srv.connCount())
}

func TestSupervisor_Close(t *testing.T) {
	srv := newWSServer(t)
	sup := NewSupervisor(srv.url())

	require.NoError(t, sup.EnsureOpen(context.Background()))
	sup.Close()
	assert.False(t, sup.IsReady())
	sup.Close() // second close is a no-op

	require.NoError(t, sup.EnsureOpen(context.Background()))
	assert.True(t, sup.IsReady())
}
