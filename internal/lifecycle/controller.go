// Package lifecycle runs the bridge's connection state machine: bounded
// reconnects, heartbeat and refresh timers, and credential forwarding.
//
// Every input (transport events, timer fires, fetch results and operator
// commands) is queued and handled one at a time to completion, so handlers
// never interleave even though inputs arrive from several goroutines.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokenbridge/tokenbridge/internal/clock"
	"github.com/tokenbridge/tokenbridge/internal/control"
	"github.com/tokenbridge/tokenbridge/internal/credential"
	"github.com/tokenbridge/tokenbridge/internal/notify"
	"github.com/tokenbridge/tokenbridge/internal/protocol"
	"github.com/tokenbridge/tokenbridge/internal/transport"
)

// Version is announced to the relay in the connection frame.
const Version = "1.0.0"

// Reloader restarts the page session. It is a one-way trigger.
type Reloader interface {
	Reload()
}

// Config wires a Controller to its collaborators.
type Config struct {
	URL        string
	ClientName string
	// ClientID defaults to a random UUID.
	ClientID string
	Version  string
	Policy   Policy

	Transport transport.Transport
	Fetcher   credential.Fetcher
	Notifier  notify.Notifier
	Reloader  Reloader
	Clock     clock.Clock
	Logger    *slog.Logger

	// Context bounds credential fetches. Teardown leaves in-flight fetches
	// running; their results are dropped by the Open check.
	Context context.Context
}

type timerKind int

const (
	heartbeatTimer timerKind = iota
	refreshTimer
	retryTimer
	credentialTimer
	numTimers
)

func (k timerKind) String() string {
	return [...]string{"heartbeat", "refresh", "retry", "credential"}[k]
}

// slot holds the single live timer of one kind.
type slot struct {
	t    *clock.Timer
	seq  uint64
	live bool
}

type (
	transportEvent struct {
		gen uint64
		ev  transport.Event
	}
	timerFired struct {
		kind timerKind
		seq  uint64
	}
	fetchDone struct {
		rec *credential.Record
		err error
	}
	startCmd     struct{}
	fetchCmd     struct{}
	reconnectCmd struct{}
	teardownCmd  struct{ reason string }
)

// Controller owns one relay connection and the timers around it.
type Controller struct {
	url        string
	clientName string
	clientID   string
	version    string
	policy     Policy

	tr       transport.Transport
	fetcher  credential.Fetcher
	notifier notify.Notifier
	reloader Reloader
	clock    clock.Clock
	logger   *slog.Logger
	ctx      context.Context
	control  *control.Channel

	// spawn runs blocking work off the event loop.
	spawn func(func())

	qmu      sync.Mutex
	queue    []any
	draining bool

	mu        sync.Mutex
	state     State
	started   bool
	attempts  int
	exhausted bool
	stopped   bool
	gen       uint64
	seq       uint64
	timers    [numTimers]slot
	done      chan struct{}
}

// New builds an idle controller. Nothing happens until Start.
func New(cfg Config) *Controller {
	c := &Controller{
		url:        cfg.URL,
		clientName: cfg.ClientName,
		clientID:   cfg.ClientID,
		version:    cfg.Version,
		policy:     cfg.Policy.WithDefaults(),
		tr:         cfg.Transport,
		fetcher:    cfg.Fetcher,
		notifier:   cfg.Notifier,
		reloader:   cfg.Reloader,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		ctx:        cfg.Context,
		spawn:      func(f func()) { go f() },
		done:       make(chan struct{}),
	}
	if c.clientName == "" {
		c.clientName = "tokenbridge"
	}
	if c.clientID == "" {
		c.clientID = uuid.NewString()
	}
	if c.version == "" {
		c.version = Version
	}
	if c.notifier == nil {
		c.notifier = notify.Discard
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.ctx == nil {
		c.ctx = context.Background()
	}
	c.control = control.New(relayActions{c}, c.logger)
	return c
}

// Start opens the first connection.
func (c *Controller) Start() { c.post(startCmd{}) }

// FetchNow forwards a fresh credential without touching any timer.
func (c *Controller) FetchNow() { c.post(fetchCmd{}) }

// Reconnect resets the attempt counter and connects again, closing the
// current connection first if it is open. It works after exhaustion.
func (c *Controller) Reconnect() { c.post(reconnectCmd{}) }

// Teardown stops the controller for good: every timer is cancelled, an open
// connection gets one disconnect frame and is closed. Later calls do nothing.
func (c *Controller) Teardown(reason string) { c.post(teardownCmd{reason: reason}) }

// Done is closed once Teardown has run.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:           c.state,
		Attempts:        c.attempts,
		MaxAttempts:     c.policy.MaxAttempts,
		Started:         c.started,
		HeartbeatActive: c.timers[heartbeatTimer].live,
		RefreshActive:   c.timers[refreshTimer].live,
		RetryPending:    c.timers[retryTimer].live,
		CredentialRetry: c.timers[credentialTimer].live,
		Exhausted:       c.exhausted,
		Stopped:         c.stopped,
		URL:             c.url,
	}
}

// post queues ev. The first goroutine to find the queue idle drains it;
// anything posted meanwhile, including from inside a handler, waits its
// turn.
func (c *Controller) post(ev any) {
	c.qmu.Lock()
	c.queue = append(c.queue, ev)
	if c.draining {
		c.qmu.Unlock()
		return
	}
	c.draining = true
	for len(c.queue) > 0 {
		next := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.qmu.Unlock()
		c.dispatch(next)
		c.qmu.Lock()
	}
	c.draining = false
	c.qmu.Unlock()
}

func (c *Controller) dispatch(ev any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev := ev.(type) {
	case transportEvent:
		if ev.gen != c.gen {
			return
		}
		c.onTransport(ev.ev)
	case timerFired:
		if !c.claim(ev.kind, ev.seq) {
			return
		}
		c.onTimer(ev.kind)
	case fetchDone:
		c.onFetch(ev.rec, ev.err)
	case startCmd:
		c.open()
	case fetchCmd:
		c.startFetch()
	case reconnectCmd:
		c.reconnect()
	case teardownCmd:
		c.teardown(ev.reason)
	}
}

// open is guarded: it does nothing while connecting or open, or once the
// controller is torn down.
func (c *Controller) open() {
	if c.stopped || c.state == Connecting || c.state == Open {
		return
	}
	c.gen++
	gen := c.gen
	c.state = Connecting
	c.started = true
	c.logger.Info("connecting to relay", "url", c.url, "attempt", c.attempts)

	err := c.tr.Open(c.url, func(ev transport.Event) {
		c.post(transportEvent{gen: gen, ev: ev})
	})
	if err != nil {
		c.logger.Error("relay connection rejected", "url", c.url, "error", err)
		c.onClosed(transport.CloseAbnormal, err.Error())
	}
}

func (c *Controller) onTransport(ev transport.Event) {
	switch ev.Kind {
	case transport.EventOpened:
		if c.stopped || c.state != Connecting {
			return
		}
		c.onOpened()
	case transport.EventMessage:
		if c.state != Open {
			return
		}
		c.control.Handle(ev.Payload)
	case transport.EventError:
		c.logger.Warn("relay connection error", "error", ev.Err)
	case transport.EventClosed:
		c.onClosed(ev.Code, ev.Reason)
	}
}

func (c *Controller) onOpened() {
	c.state = Open
	c.attempts = 0
	c.exhausted = false
	c.logger.Info("connected to relay", "url", c.url)
	c.notify(notify.Info, "Token bridge", "Connected to relay")

	c.send(protocol.NewConnection(c.clock.Now(), c.clientName, c.clientID, c.version))
	c.arm(heartbeatTimer, c.policy.HeartbeatInterval)
	c.startFetch()
	c.arm(refreshTimer, c.policy.RefreshInterval)
}

func (c *Controller) onClosed(code int, reason string) {
	c.disarm(heartbeatTimer)
	c.disarm(refreshTimer)
	c.state = Closed
	c.logger.Info("relay connection closed", "code", code, "reason", reason)

	if c.stopped {
		return
	}
	if c.attempts < c.policy.MaxAttempts {
		c.attempts++
		c.logger.Info("scheduling reconnect", "attempt", c.attempts, "max", c.policy.MaxAttempts, "delay", c.policy.RetryDelay)
		c.arm(retryTimer, c.policy.RetryDelay)
		return
	}
	if !c.exhausted {
		c.exhausted = true
		c.logger.Error("giving up on relay", "attempts", c.attempts)
		c.notify(notify.Error, "Token bridge disconnected",
			fmt.Sprintf("Could not reach %s after %d attempts. Reconnect manually.", c.url, c.attempts))
	}
}

func (c *Controller) onTimer(kind timerKind) {
	switch kind {
	case heartbeatTimer:
		if c.state != Open {
			return
		}
		c.send(protocol.NewHeartbeat(c.clock.Now()))
		c.arm(heartbeatTimer, c.policy.HeartbeatInterval)
	case refreshTimer:
		if c.state != Open {
			return
		}
		c.logger.Info("refresh interval reached, reloading session")
		c.notify(notify.Info, "Token bridge", "Refreshing page session")
		c.teardown("refresh")
		if c.reloader != nil {
			c.spawn(c.reloader.Reload)
		}
	case retryTimer:
		c.open()
	case credentialTimer:
		c.startFetch()
	}
}

func (c *Controller) startFetch() {
	if c.fetcher == nil {
		return
	}
	c.spawn(func() {
		rec, err := c.fetcher.Fetch(c.ctx)
		c.post(fetchDone{rec: rec, err: err})
	})
}

func (c *Controller) onFetch(rec *credential.Record, err error) {
	now := c.clock.Now()
	if err != nil {
		c.logger.Warn("token fetch failed", "error", err)
		c.send(protocol.NewTokenError(now, err.Error()))
		c.notify(notify.Warning, "Token fetch failed", err.Error())
		if !c.stopped {
			c.arm(credentialTimer, c.policy.CredentialRetryDelay)
		}
		return
	}

	if c.send(protocol.NewTokenUpdate(now, rec.Token, rec.User, rec.Account, rec.Expires())) {
		c.logger.Info("token forwarded", "user", rec.User.Email)
	} else {
		c.logger.Debug("token not forwarded, relay not open")
	}
}

func (c *Controller) reconnect() {
	if c.stopped {
		c.logger.Debug("reconnect ignored, controller torn down")
		return
	}
	c.logger.Info("manual reconnect", "state", c.state)
	c.attempts = 0
	c.exhausted = false
	c.disarm(retryTimer)

	if c.state == Open {
		// Events from the replaced connection are stale from here on.
		c.gen++
		c.disarm(heartbeatTimer)
		c.disarm(refreshTimer)
		c.tr.Close(transport.CloseNormal, "manual reconnect")
		c.state = Closed
	}
	c.open()
}

func (c *Controller) teardown(reason string) {
	if c.stopped {
		return
	}
	c.stopped = true
	for k := range c.timers {
		c.disarm(timerKind(k))
	}
	c.logger.Info("tearing down", "reason", reason, "state", c.state)

	switch c.state {
	case Open:
		c.send(protocol.NewDisconnect(c.clock.Now(), reason))
		c.state = Closing
		c.tr.Close(transport.CloseNormal, reason)
	case Connecting:
		c.state = Closing
		c.tr.Close(transport.CloseNormal, reason)
	}
	close(c.done)
}

// send encodes f and hands it to the transport. Nothing is written unless
// the connection is open.
func (c *Controller) send(f protocol.Frame) bool {
	if c.state != Open {
		return false
	}
	data, err := protocol.Encode(f)
	if err != nil {
		c.logger.Error("encoding frame", "error", err)
		return false
	}
	return c.tr.Send(data)
}

func (c *Controller) arm(kind timerKind, d time.Duration) {
	c.disarm(kind)
	c.seq++
	seq := c.seq
	s := &c.timers[kind]
	s.seq = seq
	s.live = true
	s.t = c.clock.AfterFunc(d, func() {
		c.post(timerFired{kind: kind, seq: seq})
	})
}

func (c *Controller) disarm(kind timerKind) {
	s := &c.timers[kind]
	if !s.live {
		return
	}
	s.t.Stop()
	s.t = nil
	s.live = false
}

// claim reports whether a fire is for the live timer of its kind and marks
// that timer spent.
func (c *Controller) claim(kind timerKind, seq uint64) bool {
	s := &c.timers[kind]
	if !s.live || s.seq != seq {
		return false
	}
	s.t = nil
	s.live = false
	return true
}

func (c *Controller) notify(level notify.Level, title, msg string) {
	c.notifier.Notify(notify.Notification{Level: level, Title: title, Message: msg, Time: c.clock.Now()})
}

// relayActions is what relay frames may ask of the controller. It runs
// inside dispatch.
type relayActions struct{ c *Controller }

func (a relayActions) Pong() bool {
	return a.c.send(protocol.NewPong(a.c.clock.Now()))
}

func (a relayActions) RequestToken() { a.c.startFetch() }
