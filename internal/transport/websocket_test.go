package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoServer upgrades /ws and echoes every text frame back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func collect() (chan Event, func(Event)) {
	ch := make(chan Event, 16)
	return ch, func(ev Event) { ch <- ev }
}

func next(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transport event")
		return Event{}
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	srv := echoServer(t)
	ws := NewWebSocket(quietLogger())

	assert.False(t, ws.Send([]byte("early")), "send before open must fail")

	events, emit := collect()
	require.NoError(t, ws.Open(wsURL(srv, "/ws"), emit))
	require.Equal(t, EventOpened, next(t, events).Kind)

	require.True(t, ws.Send([]byte(`{"type":"heartbeat"}`)))
	msg := next(t, events)
	require.Equal(t, EventMessage, msg.Kind)
	assert.JSONEq(t, `{"type":"heartbeat"}`, string(msg.Payload))

	ws.Close(CloseNormal, "done")
	ws.Close(CloseNormal, "again")
	closed := next(t, events)
	assert.Equal(t, EventClosed, closed.Kind)
	assert.Equal(t, CloseNormal, closed.Code)

	assert.False(t, ws.Send([]byte("late")))
}

func TestWebSocketOpenIsIdempotent(t *testing.T) {
	srv := echoServer(t)
	ws := NewWebSocket(quietLogger())

	events, emit := collect()
	require.NoError(t, ws.Open(wsURL(srv, "/ws"), emit))
	require.NoError(t, ws.Open(wsURL(srv, "/ws"), emit))
	require.Equal(t, EventOpened, next(t, events).Kind)

	ws.Close(CloseNormal, "")
	require.Equal(t, EventClosed, next(t, events).Kind)

	select {
	case ev := <-events:
		t.Fatalf("unexpected second connection event %v", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebSocketReopenAfterClose(t *testing.T) {
	srv := echoServer(t)
	ws := NewWebSocket(quietLogger())

	first, emit1 := collect()
	require.NoError(t, ws.Open(wsURL(srv, "/ws"), emit1))
	require.Equal(t, EventOpened, next(t, first).Kind)
	ws.Close(CloseNormal, "manual reconnect")

	second, emit2 := collect()
	require.NoError(t, ws.Open(wsURL(srv, "/ws"), emit2))
	require.Equal(t, EventOpened, next(t, second).Kind)
	assert.True(t, ws.Send([]byte("hi")))

	assert.Equal(t, EventClosed, next(t, first).Kind)
	ws.Close(CloseNormal, "")
}

func TestWebSocketDialFailureEmitsErrorThenClosed(t *testing.T) {
	srv := echoServer(t)
	ws := NewWebSocket(quietLogger())

	events, emit := collect()
	require.NoError(t, ws.Open(wsURL(srv, "/nope"), emit))

	ev := next(t, events)
	require.Equal(t, EventError, ev.Kind)
	assert.ErrorContains(t, ev.Err, "404")

	ev = next(t, events)
	assert.Equal(t, EventClosed, ev.Kind)
	assert.Equal(t, CloseAbnormal, ev.Code)
}

func TestWebSocketServerDropIsAbnormal(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	ws := NewWebSocket(quietLogger())
	events, emit := collect()
	require.NoError(t, ws.Open(wsURL(srv, "/"), emit))
	require.Equal(t, EventOpened, next(t, events).Kind)

	ev := next(t, events)
	if ev.Kind == EventError {
		ev = next(t, events)
	}
	assert.Equal(t, EventClosed, ev.Kind)
	assert.Equal(t, CloseAbnormal, ev.Code)
}

func TestWebSocketOpenRejectsBadURL(t *testing.T) {
	ws := NewWebSocket(quietLogger())
	for _, raw := range []string{"http://localhost:5103/ws", "ws://", "://bad"} {
		t.Run(raw, func(t *testing.T) {
			err := ws.Open(raw, func(Event) { t.Error("no events expected") })
			assert.Error(t, err)
		})
	}
}

func TestProber(t *testing.T) {
	srv := echoServer(t)
	var p Prober

	res := p.Probe(context.Background(), wsURL(srv, "/ws"))
	require.NoError(t, res.Err)
	assert.True(t, res.Connected)
	assert.Greater(t, int64(res.Latency), int64(0))

	res = p.Probe(context.Background(), wsURL(srv, "/missing"))
	assert.False(t, res.Connected)
	assert.Equal(t, http.StatusNotFound, res.Status)

	res = p.Probe(context.Background(), "https://example.com")
	assert.False(t, res.Connected)
	assert.Error(t, res.Err)
}

func TestWebSocketPingsKeepConnectionAlive(t *testing.T) {
	var pings atomic.Int32
	var gotHeader atomic.Value
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader.Store(r.Header.Get("X-Test"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetPingHandler(func(data string) error {
			pings.Add(1)
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	ws := NewWebSocket(quietLogger(),
		WithPingInterval(20*time.Millisecond),
		WithHeader(http.Header{"X-Test": {"yes"}}),
	)
	events, emit := collect()
	require.NoError(t, ws.Open(wsURL(srv, "/ws"), emit))
	require.Equal(t, EventOpened, next(t, events).Kind)
	assert.Equal(t, "yes", gotHeader.Load())

	// Silent relay, but pongs extend the read deadline well past 2 intervals.
	require.Eventually(t, func() bool { return pings.Load() >= 5 }, 2*time.Second, 10*time.Millisecond)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event while pinging: %v", ev.Kind)
	default:
	}

	ws.Close(CloseNormal, "done")
	assert.Equal(t, EventClosed, next(t, events).Kind)
}
