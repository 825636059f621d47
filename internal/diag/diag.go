// Package diag is the operator's window into the bridge. It reads state and
// forwards the few manual triggers an operator may pull; it never changes
// controller state by itself.
package diag

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tokenbridge/tokenbridge/internal/lifecycle"
	"github.com/tokenbridge/tokenbridge/internal/transport"
)

// Target is the running bridge.
type Target interface {
	FetchNow()
	Reconnect()
	Reload()
	Snapshot() lifecycle.Snapshot
}

// Prober opens a throwaway connection, separate from the bridge's own.
type Prober interface {
	Probe(ctx context.Context, url string) transport.ProbeResult
}

// Facade is the operator surface over a running bridge.
type Facade struct {
	target Target
	prober Prober
	now    func() time.Time
}

func New(target Target, prober Prober) *Facade {
	return &Facade{target: target, prober: prober, now: time.Now}
}

// Status mirrors what the console shows. RawState uses WebSocket readyState
// numbering, with -1 before any connection was attempted.
type Status struct {
	Connected          bool   `json:"connected"`
	RawState           int    `json:"rawState"`
	State              string `json:"state"`
	ReconnectAttempts  int    `json:"reconnectAttempts"`
	MaxAttempts        int    `json:"maxAttempts"`
	RefreshTimerActive bool   `json:"refreshTimerActive"`
	HeartbeatActive    bool   `json:"heartbeatActive"`
	Exhausted          bool   `json:"exhausted"`
	ServerURL          string `json:"serverUrl"`
}

func (f *Facade) RefreshToken() { f.target.FetchNow() }

func (f *Facade) Reconnect() { f.target.Reconnect() }

func (f *Facade) ReloadPage() { f.target.Reload() }

func (f *Facade) Status() Status {
	s := f.target.Snapshot()
	return Status{
		Connected:          s.State == lifecycle.Open,
		RawState:           RawState(s),
		State:              s.State.String(),
		ReconnectAttempts:  s.Attempts,
		MaxAttempts:        s.MaxAttempts,
		RefreshTimerActive: s.RefreshActive,
		HeartbeatActive:    s.HeartbeatActive,
		Exhausted:          s.Exhausted,
		ServerURL:          s.URL,
	}
}

func RawState(s lifecycle.Snapshot) int {
	if !s.Started {
		return -1
	}
	switch s.State {
	case lifecycle.Connecting:
		return 0
	case lifecycle.Open:
		return 1
	case lifecycle.Closing:
		return 2
	default:
		return 3
	}
}

// Report is the outcome of DiagnoseCSP.
type Report struct {
	At    time.Time
	Probe transport.ProbeResult
	Hints []string
}

// DiagnoseCSP checks whether a fresh connection to the relay can be made
// from where the bridge runs. In browser mode that is the page itself, so
// Content Security Policy rejections show up here.
func (f *Facade) DiagnoseCSP(ctx context.Context) Report {
	url := f.target.Snapshot().URL
	res := f.prober.Probe(ctx, url)
	return Report{At: f.now(), Probe: res, Hints: hints(res)}
}

func hints(res transport.ProbeResult) []string {
	if res.Connected {
		return []string{"The relay accepted a probe connection; the page policy allows it."}
	}

	var out []string
	msg := ""
	if res.Err != nil {
		msg = strings.ToLower(res.Err.Error())
	}
	switch {
	case strings.Contains(msg, "content security policy") || strings.Contains(msg, "csp"):
		out = append(out, "The page's Content Security Policy blocks the relay. Its connect-src must allow "+res.URL+".")
	case res.Status == http.StatusForbidden:
		out = append(out, "The relay rejected the handshake. Add the page origin to relay.allowed_origins.")
	case res.Status == http.StatusNotFound:
		out = append(out, "Nothing is listening on that path. The relay serves WebSockets at /ws.")
	case res.Status == http.StatusServiceUnavailable:
		out = append(out, "The relay is at its connection limit.")
	case strings.Contains(msg, "refused"):
		out = append(out, "Nothing is listening there. Is the relay running?")
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		out = append(out, "The probe timed out. Check firewalls and the relay host.")
	case strings.Contains(msg, "scheme"):
		out = append(out, "The relay URL must start with ws:// or wss://.")
	}
	if len(out) == 0 {
		out = append(out, "The probe failed for an unrecognised reason; see the error above.")
	}
	return out
}

// Markdown renders the report for the console.
func (r Report) Markdown() string {
	var b strings.Builder
	b.WriteString("# Relay diagnosis\n\n")
	fmt.Fprintf(&b, "- **Relay:** `%s`\n", r.Probe.URL)
	if r.Probe.Connected {
		fmt.Fprintf(&b, "- **Result:** connected in %s\n", r.Probe.Latency.Round(time.Millisecond))
	} else {
		b.WriteString("- **Result:** failed\n")
	}
	if r.Probe.Status != 0 {
		fmt.Fprintf(&b, "- **HTTP status:** %d\n", r.Probe.Status)
	}
	if r.Probe.Err != nil {
		fmt.Fprintf(&b, "- **Error:** `%s`\n", r.Probe.Err)
	}
	if !r.At.IsZero() {
		fmt.Fprintf(&b, "- **Checked:** %s\n", r.At.Format(time.TimeOnly))
	}
	b.WriteString("\n## Hints\n\n")
	for _, h := range r.Hints {
		fmt.Fprintf(&b, "- %s\n", h)
	}
	return b.String()
}
