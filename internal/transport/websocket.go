package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	closeGrace   = 2 * time.Second
)

// WebSocket is a Transport over gorilla/websocket.
type WebSocket struct {
	dialer       *websocket.Dialer
	header       http.Header
	pingInterval time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	writeMu sync.Mutex // serialises data frame writes
	cur     *attempt
}

// attempt is one connection from dial to close.
type attempt struct {
	emit    func(Event)
	cancel  context.CancelFunc
	conn    *websocket.Conn
	closing bool
	code    int
	reason  string
	done    chan struct{}
	once    sync.Once
}

type Option func(*WebSocket)

// WithHeader sets extra handshake headers, e.g. Origin.
func WithHeader(h http.Header) Option {
	return func(w *WebSocket) { w.header = h }
}

// WithPingInterval enables protocol-level pings. The connection is treated
// as dead if nothing arrives for twice the interval.
func WithPingInterval(d time.Duration) Option {
	return func(w *WebSocket) { w.pingInterval = d }
}

// NewWebSocket creates an idle transport.
func NewWebSocket(logger *slog.Logger, opts ...Option) *WebSocket {
	w := &WebSocket{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: dialTimeout,
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ValidateURL rejects URLs a WebSocket can never be constructed for.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("relay url %q: scheme must be ws or wss", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("relay url %q: missing host", raw)
	}
	return nil
}

func (w *WebSocket) Open(rawURL string, emit func(Event)) error {
	if err := ValidateURL(rawURL); err != nil {
		return err
	}

	w.mu.Lock()
	if w.cur != nil && !w.cur.closing {
		// Already connecting or open.
		w.mu.Unlock()
		return nil
	}
	// A connection still finishing its close handshake is left to finish
	// on its own; its events go to its own emit.
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	a := &attempt{emit: emit, cancel: cancel, done: make(chan struct{})}
	w.cur = a
	w.mu.Unlock()

	go w.run(ctx, a, rawURL)
	return nil
}

func (w *WebSocket) run(ctx context.Context, a *attempt, rawURL string) {
	conn, resp, err := w.dialer.DialContext(ctx, rawURL, w.header)
	a.cancel()

	w.mu.Lock()
	if err == nil {
		a.conn = conn
	}
	closing, code, reason := a.closing, a.code, a.reason
	w.mu.Unlock()

	if err != nil {
		w.finish(a)
		if closing {
			a.emit(Event{Kind: EventClosed, Code: code, Reason: reason})
			return
		}
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		a.emit(Event{Kind: EventError, Err: err})
		a.emit(Event{Kind: EventClosed, Code: CloseAbnormal, Reason: err.Error()})
		return
	}

	if closing {
		// Close was requested while the handshake was in flight.
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeTimeout))
		conn.Close()
		w.finish(a)
		a.emit(Event{Kind: EventClosed, Code: code, Reason: reason})
		return
	}

	if w.pingInterval > 0 {
		conn.SetReadDeadline(time.Now().Add(2 * w.pingInterval))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(2 * w.pingInterval))
			return nil
		})
		go w.pingLoop(a, conn)
	}

	a.emit(Event{Kind: EventOpened})
	w.readLoop(a, conn)
}

func (w *WebSocket) readLoop(a *attempt, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			closing, code, reason := a.closing, a.code, a.reason
			w.mu.Unlock()

			gotCode, gotReason := closeInfo(err)
			if !closing && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.emit(Event{Kind: EventError, Err: err})
			}
			if closing && gotCode == CloseAbnormal {
				// Relay never echoed our close frame.
				gotCode, gotReason = code, reason
			}
			conn.Close()
			w.finish(a)
			a.emit(Event{Kind: EventClosed, Code: gotCode, Reason: gotReason})
			return
		}

		if w.pingInterval > 0 {
			conn.SetReadDeadline(time.Now().Add(2 * w.pingInterval))
		}
		a.emit(Event{Kind: EventMessage, Payload: data})
	}
}

// pingLoop sends protocol pings until the attempt finishes.
func (w *WebSocket) pingLoop(a *attempt, conn *websocket.Conn) {
	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (w *WebSocket) finish(a *attempt) {
	w.mu.Lock()
	if w.cur == a {
		w.cur = nil
	}
	w.mu.Unlock()
	a.once.Do(func() { close(a.done) })
}

func (w *WebSocket) Send(data []byte) bool {
	w.mu.Lock()
	a := w.cur
	if a == nil || a.conn == nil || a.closing {
		w.mu.Unlock()
		return false
	}
	conn := a.conn
	w.mu.Unlock()

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		w.logger.Debug("relay write failed", "error", err)
		return false
	}
	return true
}

func (w *WebSocket) Close(code int, reason string) {
	w.mu.Lock()
	a := w.cur
	if a == nil || a.closing {
		w.mu.Unlock()
		return
	}
	a.closing = true
	a.code, a.reason = code, reason
	conn := a.conn
	w.mu.Unlock()

	if conn == nil {
		// Still dialing; run reports the close once the dial unwinds.
		a.cancel()
		return
	}

	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout)); err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Now().Add(closeGrace))
}

func closeInfo(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return CloseAbnormal, err.Error()
}

// Prober opens throwaway connections for diagnostics. It never shares
// state with a WebSocket transport.
type Prober struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (p Prober) Probe(ctx context.Context, rawURL string) ProbeResult {
	res := ProbeResult{URL: rawURL}
	if err := ValidateURL(rawURL); err != nil {
		res.Err = err
		return res
	}

	dialer := p.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: dialTimeout}
	}
	start := time.Now()
	conn, resp, err := dialer.DialContext(ctx, rawURL, p.Header)
	res.Latency = time.Since(start)
	if err != nil {
		if resp != nil {
			res.Status = resp.StatusCode
		}
		res.Err = err
		return res
	}
	res.Connected = true
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(CloseNormal, "probe"), time.Now().Add(time.Second))
	conn.Close()
	return res
}
