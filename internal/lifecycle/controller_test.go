package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenbridge/tokenbridge/internal/clock"
	"github.com/tokenbridge/tokenbridge/internal/credential"
	"github.com/tokenbridge/tokenbridge/internal/notify"
	"github.com/tokenbridge/tokenbridge/internal/transport"
)

const relayURL = "ws://localhost:5103/ws"

type closeCall struct {
	code   int
	reason string
}

// fakeTransport records calls and lets the test emit events.
type fakeTransport struct {
	opens     int
	emit      func(transport.Event)
	open      bool
	sendCalls int
	sent      [][]byte
	closes    []closeCall
	openErr   error
}

func (f *fakeTransport) Open(url string, emit func(transport.Event)) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.opens++
	f.emit = emit
	return nil
}

func (f *fakeTransport) Send(data []byte) bool {
	f.sendCalls++
	if !f.open {
		return false
	}
	f.sent = append(f.sent, data)
	return true
}

func (f *fakeTransport) Close(code int, reason string) {
	f.closes = append(f.closes, closeCall{code, reason})
	f.open = false
}

func (f *fakeTransport) connect() {
	f.open = true
	f.emit(transport.Event{Kind: transport.EventOpened})
}

func (f *fakeTransport) drop() {
	f.open = false
	f.emit(transport.Event{Kind: transport.EventError, Err: errors.New("connection refused")})
	f.emit(transport.Event{Kind: transport.EventClosed, Code: transport.CloseAbnormal})
}

func (f *fakeTransport) message(s string) {
	f.emit(transport.Event{Kind: transport.EventMessage, Payload: []byte(s)})
}

type fakeFetcher struct {
	calls int
	rec   *credential.Record
	err   error
}

func (f *fakeFetcher) Fetch(context.Context) (*credential.Record, error) {
	f.calls++
	return f.rec, f.err
}

type bodySource string

func (s bodySource) Session(context.Context) ([]byte, error) { return []byte(s), nil }

type harness struct {
	clk     *clock.FakeClock
	tr      *fakeTransport
	notes   []notify.Notification
	reloads int
	c       *Controller
}

func newHarness(t *testing.T, fetcher credential.Fetcher) *harness {
	t.Helper()
	h := &harness{
		clk: clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		tr:  &fakeTransport{},
	}
	h.c = New(Config{
		URL:       relayURL,
		ClientID:  "client-1",
		Transport: h.tr,
		Fetcher:   fetcher,
		Notifier:  notify.Func(func(n notify.Notification) { h.notes = append(h.notes, n) }),
		Reloader:  reloaderFunc(func() { h.reloads++ }),
		Clock:     h.clk,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	h.c.spawn = func(f func()) { f() }
	return h
}

type reloaderFunc func()

func (f reloaderFunc) Reload() { f() }

func okFetcher() *fakeFetcher {
	return &fakeFetcher{rec: &credential.Record{
		Token: "abc",
		User:  credential.User{ID: "1", Name: "A", Email: "a@x"},
	}}
}

func (h *harness) frames(t *testing.T) []map[string]any {
	t.Helper()
	out := make([]map[string]any, 0, len(h.tr.sent))
	for _, data := range h.tr.sent {
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		out = append(out, m)
	}
	return out
}

func (h *harness) types(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, f := range h.frames(t) {
		out = append(out, f["type"].(string))
	}
	return out
}

func (h *harness) count(t *testing.T, typ string) int {
	n := 0
	for _, got := range h.types(t) {
		if got == typ {
			n++
		}
	}
	return n
}

func (h *harness) notesAt(level notify.Level) int {
	n := 0
	for _, note := range h.notes {
		if note.Level == level {
			n++
		}
	}
	return n
}

func TestOpenAnnouncesAndForwardsToken(t *testing.T) {
	h := newHarness(t, okFetcher())

	assert.Equal(t, Idle, h.c.Snapshot().State)
	h.c.Start()
	assert.Equal(t, Connecting, h.c.Snapshot().State)
	assert.Equal(t, 1, h.tr.opens)

	h.tr.connect()
	snap := h.c.Snapshot()
	assert.Equal(t, Open, snap.State)
	assert.Equal(t, 0, snap.Attempts)
	assert.True(t, snap.HeartbeatActive)
	assert.True(t, snap.RefreshActive)

	require.Equal(t, []string{"connection", "token_update"}, h.types(t))
	frames := h.frames(t)
	assert.Equal(t, "client-1", frames[0]["clientId"])
	assert.Equal(t, "tokenbridge", frames[0]["client"])
	assert.Equal(t, "abc", frames[1]["accessToken"])
	assert.Equal(t, "active", frames[1]["status"])
	assert.Equal(t, map[string]any{"id": "1", "name": "A", "email": "a@x"}, frames[1]["user"])
	for _, f := range frames {
		assert.NotEmpty(t, f["timestamp"])
	}
}

func TestReconnectPolicyIsBounded(t *testing.T) {
	h := newHarness(t, okFetcher())
	p := DefaultPolicy()
	h.c.Start()

	for i := 1; i <= p.MaxAttempts; i++ {
		h.tr.drop()
		snap := h.c.Snapshot()
		require.Equal(t, Closed, snap.State)
		require.Equal(t, i, snap.Attempts)
		require.True(t, snap.RetryPending)

		h.clk.Advance(p.RetryDelay - time.Millisecond)
		require.Equal(t, i, h.tr.opens, "reconnected before the retry delay")
		h.clk.Advance(time.Millisecond)
		require.Equal(t, i+1, h.tr.opens)
		require.Equal(t, Connecting, h.c.Snapshot().State)
	}

	h.tr.drop()
	snap := h.c.Snapshot()
	assert.Equal(t, Closed, snap.State)
	assert.True(t, snap.Exhausted)
	assert.False(t, snap.RetryPending)
	assert.Equal(t, p.MaxAttempts, snap.Attempts)

	h.clk.Advance(time.Hour)
	assert.Equal(t, p.MaxAttempts+1, h.tr.opens)
	assert.Equal(t, 1, h.notesAt(notify.Error))
	assert.Zero(t, h.clk.PendingCount())
}

func TestOpenResetsAttempts(t *testing.T) {
	h := newHarness(t, okFetcher())
	h.c.Start()
	for i := 0; i < 3; i++ {
		h.tr.drop()
		h.clk.Advance(DefaultPolicy().RetryDelay)
	}
	require.Equal(t, 3, h.c.Snapshot().Attempts)

	h.tr.connect()
	assert.Equal(t, 0, h.c.Snapshot().Attempts)
}

func TestTimersCancelledOnClose(t *testing.T) {
	h := newHarness(t, okFetcher())
	h.c.Start()
	h.tr.connect()
	require.Equal(t, 2, h.clk.PendingCount())

	h.tr.drop()
	snap := h.c.Snapshot()
	assert.False(t, snap.HeartbeatActive)
	assert.False(t, snap.RefreshActive)
	assert.True(t, snap.RetryPending)
	assert.Equal(t, 1, h.clk.PendingCount(), "only the reconnect timer survives")
}

func TestHeartbeatWhileOpen(t *testing.T) {
	h := newHarness(t, okFetcher())
	h.c.Start()
	h.tr.connect()

	// A duplicate open event must not start a second heartbeat.
	h.tr.emit(transport.Event{Kind: transport.EventOpened})
	require.Equal(t, 2, h.clk.PendingCount())

	h.clk.Advance(30 * time.Second)
	assert.Equal(t, 1, h.count(t, "heartbeat"))
	h.clk.Advance(120 * time.Second)
	assert.Equal(t, 5, h.count(t, "heartbeat"))
	assert.Equal(t, 2, h.clk.PendingCount())

	h.tr.drop()
	h.clk.Advance(DefaultPolicy().HeartbeatInterval)
	assert.Equal(t, 5, h.count(t, "heartbeat"))
}

func TestSendWhileNotOpenWritesNothing(t *testing.T) {
	f := okFetcher()
	h := newHarness(t, f)

	h.c.FetchNow()
	h.c.Start()
	h.c.FetchNow()

	assert.Equal(t, 2, f.calls)
	assert.Zero(t, h.tr.sendCalls)
	assert.Empty(t, h.tr.sent)
}

func TestFetchSuccessFromSessionBody(t *testing.T) {
	body := bodySource(`{"accessToken":"abc","user":{"id":"1","name":"A","email":"a@x"}}`)
	h := newHarness(t, credential.NewFetcher(body, time.Second))
	h.c.Start()
	h.tr.connect()

	frames := h.frames(t)
	require.Len(t, frames, 2)
	assert.Equal(t, "token_update", frames[1]["type"])
	assert.Equal(t, "abc", frames[1]["accessToken"])
	assert.False(t, h.c.Snapshot().CredentialRetry)
}

func TestFetchForwardsNumericUserAndRawExpiry(t *testing.T) {
	body := bodySource(`{"accessToken":"abc","user":{"id":7,"name":"A"},"expires":"2025-01-01 00:00:00"}`)
	h := newHarness(t, credential.NewFetcher(body, time.Second))
	h.c.Start()
	h.tr.connect()

	frames := h.frames(t)
	require.Len(t, frames, 2)
	assert.Equal(t, "token_update", frames[1]["type"])
	assert.Equal(t, map[string]any{"id": "7", "name": "A", "email": ""}, frames[1]["user"])
	assert.Equal(t, "2025-01-01 00:00:00", frames[1]["expires"])
	assert.Contains(t, frames[1], "account")
	assert.Nil(t, frames[1]["account"])
}

func TestFetchFailureReportsAndRetries(t *testing.T) {
	counting := &countingFetcher{Fetcher: credential.NewFetcher(bodySource(`{}`), time.Second)}
	h := newHarness(t, counting)
	h.c.Start()
	h.tr.connect()

	frames := h.frames(t)
	require.Len(t, frames, 2)
	assert.Equal(t, "token_error", frames[1]["type"])
	assert.Equal(t, "login_expired", frames[1]["status"])
	assert.Equal(t, "missing token/user", frames[1]["error"])
	assert.Equal(t, 1, h.notesAt(notify.Warning))
	assert.True(t, h.c.Snapshot().CredentialRetry)
	assert.Equal(t, 3, h.clk.PendingCount())

	h.clk.Advance(10*time.Second - time.Millisecond)
	assert.Equal(t, 1, counting.calls)
	h.clk.Advance(time.Millisecond)
	assert.Equal(t, 2, counting.calls)
	assert.Equal(t, 2, h.count(t, "token_error"))
	assert.Equal(t, 3, h.clk.PendingCount(), "exactly one credential retry pending")
	assert.Equal(t, 0, h.c.Snapshot().Attempts)
}

type countingFetcher struct {
	credential.Fetcher
	calls int
}

func (c *countingFetcher) Fetch(ctx context.Context) (*credential.Record, error) {
	c.calls++
	return c.Fetcher.Fetch(ctx)
}

func TestManualReconnectAfterExhaustion(t *testing.T) {
	h := newHarness(t, okFetcher())
	p := DefaultPolicy()
	h.c.Start()
	for i := 0; i < p.MaxAttempts; i++ {
		h.tr.drop()
		h.clk.Advance(p.RetryDelay)
	}
	h.tr.drop()
	require.True(t, h.c.Snapshot().Exhausted)
	opens := h.tr.opens

	h.c.Reconnect()
	snap := h.c.Snapshot()
	assert.Equal(t, Connecting, snap.State)
	assert.Equal(t, 0, snap.Attempts)
	assert.False(t, snap.Exhausted)
	assert.Equal(t, opens+1, h.tr.opens)

	h.tr.connect()
	assert.Equal(t, Open, h.c.Snapshot().State)
}

func TestManualReconnectCancelsPendingRetry(t *testing.T) {
	h := newHarness(t, okFetcher())
	h.c.Start()
	h.tr.drop()
	require.Equal(t, 1, h.c.Snapshot().Attempts)

	h.c.Reconnect()
	assert.Equal(t, 2, h.tr.opens)
	assert.Equal(t, 0, h.c.Snapshot().Attempts)
	assert.False(t, h.c.Snapshot().RetryPending)

	h.clk.Advance(time.Minute)
	assert.Equal(t, 2, h.tr.opens)
}

func TestManualReconnectWhileOpen(t *testing.T) {
	h := newHarness(t, okFetcher())
	h.c.Start()
	h.tr.connect()
	oldEmit := h.tr.emit

	h.c.Reconnect()
	require.Equal(t, []closeCall{{transport.CloseNormal, "manual reconnect"}}, h.tr.closes)
	assert.Equal(t, 2, h.tr.opens)
	snap := h.c.Snapshot()
	assert.Equal(t, Connecting, snap.State)
	assert.False(t, snap.HeartbeatActive)
	assert.Zero(t, h.count(t, "disconnect"))

	// The replaced connection's close must not trigger the retry policy.
	oldEmit(transport.Event{Kind: transport.EventClosed, Code: transport.CloseNormal})
	snap = h.c.Snapshot()
	assert.Equal(t, Connecting, snap.State)
	assert.Equal(t, 0, snap.Attempts)
	assert.False(t, snap.RetryPending)
}

func TestManualReconnectWhileConnectingIsGuarded(t *testing.T) {
	h := newHarness(t, okFetcher())
	h.c.Start()
	h.c.Reconnect()
	h.c.Start()
	assert.Equal(t, 1, h.tr.opens)
}

func TestTeardownWhileOpen(t *testing.T) {
	h := newHarness(t, okFetcher())
	h.c.Start()
	h.tr.connect()

	h.c.Teardown("page unload")
	h.c.Teardown("page unload")

	assert.Equal(t, 1, h.count(t, "disconnect"))
	types := h.types(t)
	assert.Equal(t, "disconnect", types[len(types)-1])
	assert.Equal(t, "page unload", h.frames(t)[len(types)-1]["reason"])
	assert.Len(t, h.tr.closes, 1)

	snap := h.c.Snapshot()
	assert.Equal(t, Closing, snap.State)
	assert.True(t, snap.Stopped)
	assert.False(t, snap.HeartbeatActive)
	assert.False(t, snap.RefreshActive)
	assert.Zero(t, h.clk.PendingCount())

	select {
	case <-h.c.Done():
	default:
		t.Fatal("Done not closed")
	}

	h.tr.emit(transport.Event{Kind: transport.EventClosed, Code: transport.CloseNormal})
	assert.Equal(t, Closed, h.c.Snapshot().State)
	assert.False(t, h.c.Snapshot().RetryPending)
	h.clk.Advance(time.Hour)
	assert.Equal(t, 1, h.tr.opens)

	h.c.Reconnect()
	assert.Equal(t, 1, h.tr.opens, "a torn-down controller stays down")
}

func TestTeardownWhenNotOpen(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{name: "idle", setup: func(h *harness) {}},
		{name: "connecting", setup: func(h *harness) { h.c.Start() }},
		{name: "waiting to retry", setup: func(h *harness) { h.c.Start(); h.tr.drop() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, okFetcher())
			tt.setup(h)

			h.c.Teardown("page unload")

			assert.Zero(t, h.tr.sendCalls)
			assert.Zero(t, h.clk.PendingCount())
			assert.True(t, h.c.Snapshot().Stopped)
			h.clk.Advance(time.Hour)
			assert.LessOrEqual(t, h.tr.opens, 1)
		})
	}
}

func TestRefreshTearsDownAndReloads(t *testing.T) {
	h := newHarness(t, okFetcher())
	h.c.Start()
	h.tr.connect()

	h.clk.Advance(DefaultPolicy().RefreshInterval)

	assert.Equal(t, 1, h.reloads)
	assert.Equal(t, 1, h.count(t, "disconnect"))
	snap := h.c.Snapshot()
	assert.True(t, snap.Stopped)
	assert.Zero(t, h.clk.PendingCount())

	h.clk.Advance(DefaultPolicy().RefreshInterval)
	assert.Equal(t, 1, h.reloads)
}

func TestRelayFrames(t *testing.T) {
	f := okFetcher()
	h := newHarness(t, f)
	h.c.Start()
	h.tr.connect()
	base := len(h.tr.sent)

	h.tr.message(`{"type":"ping"}`)
	assert.Equal(t, "pong", h.types(t)[base])

	h.clk.Advance(20 * time.Second)
	h.tr.message(`{"type":"request_token"}`)
	assert.Equal(t, 2, f.calls)
	assert.Equal(t, 2, h.count(t, "token_update"))

	// request_token must not reset the heartbeat: it still fires at 30s.
	h.clk.Advance(10 * time.Second)
	assert.Equal(t, 1, h.count(t, "heartbeat"))

	sent := len(h.tr.sent)
	h.tr.message(`not json`)
	h.tr.message(`{"type":"status","message":"ok"}`)
	h.tr.message(`{"type":"shutdown"}`)
	assert.Len(t, h.tr.sent, sent)
	assert.Equal(t, Open, h.c.Snapshot().State)
}

func TestOpenRejectedSchedulesRetry(t *testing.T) {
	h := newHarness(t, okFetcher())
	h.tr.openErr = errors.New("relay url: scheme must be ws or wss")

	h.c.Start()
	snap := h.c.Snapshot()
	assert.Equal(t, Closed, snap.State)
	assert.Equal(t, 1, snap.Attempts)
	assert.True(t, snap.RetryPending)
}

func TestFetchCompletingAfterTeardownIsDropped(t *testing.T) {
	h := newHarness(t, &fakeFetcher{err: credential.ErrTimeout})
	var pending []func()
	h.c.spawn = func(f func()) { pending = append(pending, f) }

	h.c.Start()
	h.tr.connect()
	require.Len(t, pending, 1)
	h.c.Teardown("page unload")
	sent := len(h.tr.sent)

	pending[0]()
	assert.Len(t, h.tr.sent, sent)
	assert.False(t, h.c.Snapshot().CredentialRetry)
	assert.Zero(t, h.clk.PendingCount())
}

func TestCustomPolicy(t *testing.T) {
	h := &harness{clk: clock.Fake(time.Unix(0, 0)), tr: &fakeTransport{}}
	h.c = New(Config{
		URL:       relayURL,
		Transport: h.tr,
		Clock:     h.clk,
		Policy:    Policy{MaxAttempts: 2, RetryDelay: time.Second},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	h.c.Start()
	h.tr.drop()
	h.clk.Advance(time.Second)
	h.tr.drop()
	h.clk.Advance(time.Second)
	h.tr.drop()

	snap := h.c.Snapshot()
	assert.True(t, snap.Exhausted)
	assert.Equal(t, 2, snap.MaxAttempts)
	assert.Equal(t, 3, h.tr.opens)
}
