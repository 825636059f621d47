package lifecycle

import (
	"fmt"
	"time"

	"github.com/tokenbridge/tokenbridge/internal/config"
)

// State is the relay connection state as the controller sees it.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Policy holds the reconnect and timer constants.
type Policy struct {
	MaxAttempts          int
	RetryDelay           time.Duration
	HeartbeatInterval    time.Duration
	RefreshInterval      time.Duration
	CredentialRetryDelay time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:          config.DefaultMaxAttempts,
		RetryDelay:           config.DefaultRetryDelay,
		HeartbeatInterval:    config.DefaultHeartbeatInterval,
		RefreshInterval:      config.DefaultRefreshInterval,
		CredentialRetryDelay: config.DefaultCredentialRetryDelay,
	}
}

// PolicyFrom reads the policy out of the bridge config.
func PolicyFrom(b config.BridgeConfig) Policy {
	return Policy{
		MaxAttempts:          b.MaxAttempts,
		RetryDelay:           b.RetryDelay,
		HeartbeatInterval:    b.HeartbeatInterval,
		RefreshInterval:      b.RefreshInterval,
		CredentialRetryDelay: b.CredentialRetryDelay,
	}
}

// WithDefaults fills unset fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.RetryDelay <= 0 {
		p.RetryDelay = d.RetryDelay
	}
	if p.HeartbeatInterval <= 0 {
		p.HeartbeatInterval = d.HeartbeatInterval
	}
	if p.RefreshInterval <= 0 {
		p.RefreshInterval = d.RefreshInterval
	}
	if p.CredentialRetryDelay <= 0 {
		p.CredentialRetryDelay = d.CredentialRetryDelay
	}
	return p
}

// Snapshot is a read-only view of a controller.
type Snapshot struct {
	State       State
	Attempts    int
	MaxAttempts int
	// Started is set by the first connection attempt.
	Started         bool
	HeartbeatActive bool
	RefreshActive   bool
	RetryPending    bool
	CredentialRetry bool
	Exhausted       bool
	Stopped         bool
	URL             string
}
