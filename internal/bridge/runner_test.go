package bridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenbridge/tokenbridge/internal/clock"
	"github.com/tokenbridge/tokenbridge/internal/lifecycle"
	"github.com/tokenbridge/tokenbridge/internal/transport"
)

type fakeTransport struct {
	emit   func(transport.Event)
	open   bool
	sent   []string
	closed bool
}

func (f *fakeTransport) Open(_ string, emit func(transport.Event)) error {
	f.emit = emit
	return nil
}

func (f *fakeTransport) Send(data []byte) bool {
	if !f.open {
		return false
	}
	var m struct{ Type string }
	json.Unmarshal(data, &m)
	f.sent = append(f.sent, m.Type)
	return true
}

func (f *fakeTransport) Close(int, string) {
	f.open = false
	f.closed = true
}

func (f *fakeTransport) connect() {
	f.open = true
	f.emit(transport.Event{Kind: transport.EventOpened})
}

type fixture struct {
	clk        *clock.FakeClock
	transports []*fakeTransport
	r          *Runner
}

func newFixture(t *testing.T, reloader lifecycle.Reloader) *fixture {
	t.Helper()
	f := &fixture{clk: clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))}
	f.r = New(Config{
		Lifecycle: lifecycle.Config{
			URL:      "ws://localhost:5103/ws",
			Clock:    f.clk,
			Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
			Reloader: reloader,
		},
		NewTransport: func() transport.Transport {
			tr := &fakeTransport{}
			f.transports = append(f.transports, tr)
			return tr
		},
		StartupDelay: time.Second,
	})
	return f
}

type countReloads struct{ n int }

func (c *countReloads) Reload() { c.n++ }

func TestStartupWaitsForDelay(t *testing.T) {
	f := newFixture(t, nil)

	snap := f.r.Snapshot()
	assert.Equal(t, lifecycle.Idle, snap.State)
	assert.False(t, snap.Started)
	assert.Equal(t, 10, snap.MaxAttempts)
	assert.Equal(t, "ws://localhost:5103/ws", snap.URL)

	f.r.Startup()
	f.clk.Advance(999 * time.Millisecond)
	assert.Nil(t, f.r.Current())

	f.clk.Advance(time.Millisecond)
	require.NotNil(t, f.r.Current())
	require.Len(t, f.transports, 1)
	assert.Equal(t, lifecycle.Connecting, f.r.Snapshot().State)
}

func TestStartupReplacesPendingStartup(t *testing.T) {
	f := newFixture(t, nil)
	f.r.Startup()
	f.clk.Advance(500 * time.Millisecond)
	f.r.Startup()
	f.clk.Advance(500 * time.Millisecond)
	assert.Nil(t, f.r.Current())

	f.clk.Advance(time.Second)
	assert.Len(t, f.transports, 1)
}

func TestUnloadCancelsPendingStartup(t *testing.T) {
	f := newFixture(t, nil)
	f.r.Startup()
	f.r.Unload()
	f.clk.Advance(time.Minute)
	assert.Nil(t, f.r.Current())
	assert.Empty(t, f.transports)
}

func TestUnloadSendsDisconnect(t *testing.T) {
	f := newFixture(t, nil)
	f.r.Startup()
	f.clk.Advance(time.Second)
	f.transports[0].connect()
	require.Equal(t, lifecycle.Open, f.r.Snapshot().State)

	f.r.Unload()
	assert.Equal(t, []string{"connection", "disconnect"}, f.transports[0].sent)
	assert.True(t, f.transports[0].closed)
	assert.True(t, f.r.Snapshot().Stopped)
}

func TestRestartBuildsFreshController(t *testing.T) {
	f := newFixture(t, nil)
	f.r.Startup()
	f.clk.Advance(time.Second)
	first := f.r.Current()
	f.transports[0].connect()

	f.r.Restart()
	assert.True(t, first.Snapshot().Stopped)
	f.clk.Advance(time.Second)

	second := f.r.Current()
	require.NotSame(t, first, second)
	require.Len(t, f.transports, 2)
	assert.Equal(t, lifecycle.Connecting, second.Snapshot().State)
	assert.Equal(t, 0, second.Snapshot().Attempts)
}

func TestReloadDelegatesToPage(t *testing.T) {
	page := &countReloads{}
	f := newFixture(t, page)
	f.r.Startup()
	f.clk.Advance(time.Second)

	f.r.Reload()
	assert.Equal(t, 1, page.n)
	assert.False(t, f.r.Current().Snapshot().Stopped, "the page load event restarts the runner, not Reload")
}

func TestRefreshRestartsWithoutPage(t *testing.T) {
	f := newFixture(t, nil)
	f.r.Startup()
	f.clk.Advance(time.Second)
	f.transports[0].connect()
	first := f.r.Current()

	f.clk.Advance(lifecycle.DefaultPolicy().RefreshInterval)
	// The reload runs on its own goroutine.
	require.Eventually(t, func() bool { return f.clk.PendingCount() == 1 }, time.Second, time.Millisecond)
	f.clk.Advance(time.Second)

	assert.True(t, first.Snapshot().Stopped)
	assert.NotSame(t, first, f.r.Current())
	assert.Len(t, f.transports, 2)
}

func TestReconnectAfterUnloadStartsAgain(t *testing.T) {
	f := newFixture(t, nil)
	f.r.Reconnect()
	f.clk.Advance(time.Second)
	require.NotNil(t, f.r.Current())

	f.r.Unload()
	f.r.Reconnect()
	f.clk.Advance(time.Second)
	assert.Len(t, f.transports, 2)
	assert.False(t, f.r.Current().Snapshot().Stopped)
}

func TestShutdownWaitsForTeardown(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.r.Shutdown(context.Background()))

	f.r.Startup()
	f.clk.Advance(time.Second)
	f.transports[0].connect()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.r.Shutdown(ctx))
	assert.Contains(t, f.transports[0].sent, "disconnect")
}
