// Package transport owns the bridge's connection to the relay and reports
// its lifecycle as events.
package transport

import (
	"fmt"
	"time"
)

type EventKind int

const (
	EventOpened EventKind = iota
	EventMessage
	EventError
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one lifecycle notification. Payload is set for EventMessage, Err
// for EventError, Code and Reason for EventClosed.
type Event struct {
	Kind    EventKind
	Payload []byte
	Err     error
	Code    int
	Reason  string
}

// ProbeResult describes one diagnostic connection attempt.
type ProbeResult struct {
	URL       string
	Connected bool
	Latency   time.Duration
	// Status is the HTTP status of a failed handshake, when there was one.
	Status int
	Err    error
}

// Close codes used by the bridge.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

// Transport is one relay connection at a time.
//
// Open starts connecting and returns immediately; the outcome arrives as
// events through emit. A non-nil error from Open means the connection could
// not even be constructed and no events will follow for it. Every
// connection that was constructed emits exactly one EventClosed, after any
// EventError.
type Transport interface {
	Open(url string, emit func(Event)) error
	// Send writes one text frame. It reports false when there is no open
	// connection or the write fails; callers must not assume delivery.
	Send(data []byte) bool
	// Close asks for a graceful shutdown. Closing a transport that is
	// already closed or closing does nothing.
	Close(code int, reason string)
}
