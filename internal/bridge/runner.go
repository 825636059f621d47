// Package bridge owns the controller's lifetime: it starts a fresh
// controller when the page session comes up and tears it down when the
// session goes away.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tokenbridge/tokenbridge/internal/clock"
	"github.com/tokenbridge/tokenbridge/internal/lifecycle"
	"github.com/tokenbridge/tokenbridge/internal/transport"
)

type Config struct {
	// Lifecycle is the template for each controller. Transport is replaced
	// per startup and a nil Reloader is filled with the runner itself.
	Lifecycle    lifecycle.Config
	NewTransport func() transport.Transport
	StartupDelay time.Duration
}

// Runner restarts the controller from scratch on every page load, the way
// a content script starts over.
type Runner struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	current *lifecycle.Controller
	pending *clock.Timer
	seq     uint64
}

func New(cfg Config) *Runner {
	r := &Runner{cfg: cfg, clock: cfg.Lifecycle.Clock, logger: cfg.Lifecycle.Logger}
	if r.clock == nil {
		r.clock = clock.Real()
		r.cfg.Lifecycle.Clock = r.clock
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Startup creates and starts a new controller once StartupDelay has
// passed. A startup already waiting is replaced.
func (r *Runner) Startup() {
	r.mu.Lock()
	r.pending.Stop()
	r.pending = nil
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	t := r.clock.AfterFunc(r.cfg.StartupDelay, func() { r.start(seq) })

	r.mu.Lock()
	if r.seq == seq {
		r.pending = t
	}
	r.mu.Unlock()
}

func (r *Runner) start(seq uint64) {
	r.mu.Lock()
	if seq != r.seq {
		r.mu.Unlock()
		return
	}
	r.pending = nil
	old := r.current

	lc := r.cfg.Lifecycle
	lc.Transport = r.cfg.NewTransport()
	if lc.Reloader == nil {
		lc.Reloader = r
	}
	c := lifecycle.New(lc)
	r.current = c
	r.mu.Unlock()

	if old != nil {
		old.Teardown("restart")
	}
	r.logger.Info("bridge starting", "relay", lc.URL)
	c.Start()
}

// Unload cancels a pending startup and tears the current controller down.
func (r *Runner) Unload() {
	r.mu.Lock()
	r.pending.Stop()
	r.pending = nil
	r.seq++
	c := r.current
	r.mu.Unlock()

	if c != nil {
		c.Teardown("page unload")
	}
}

// Restart is Unload followed by Startup.
func (r *Runner) Restart() {
	r.Unload()
	r.Startup()
}

// Reload is what the refresh timer and the operator's reload trigger. With
// a page behind the bridge the page is reloaded and its load event
// restarts the runner; otherwise the runner restarts directly.
func (r *Runner) Reload() {
	if rl := r.cfg.Lifecycle.Reloader; rl != nil {
		rl.Reload()
		return
	}
	r.Restart()
}

// Current returns the live controller, or nil before the first startup.
func (r *Runner) Current() *lifecycle.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Runner) FetchNow() {
	if c := r.Current(); c != nil {
		c.FetchNow()
	}
}

// Reconnect forwards to the controller. A torn-down or missing controller
// cannot reconnect, so a new one is started instead.
func (r *Runner) Reconnect() {
	c := r.Current()
	if c == nil || c.Snapshot().Stopped {
		r.Startup()
		return
	}
	c.Reconnect()
}

func (r *Runner) Snapshot() lifecycle.Snapshot {
	if c := r.Current(); c != nil {
		return c.Snapshot()
	}
	return lifecycle.Snapshot{
		State:       lifecycle.Idle,
		MaxAttempts: r.cfg.Lifecycle.Policy.WithDefaults().MaxAttempts,
		URL:         r.cfg.Lifecycle.URL,
	}
}

// Shutdown unloads and waits for the controller to finish its teardown.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.Unload()
	c := r.Current()
	if c == nil {
		return nil
	}
	select {
	case <-c.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
