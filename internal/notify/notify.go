// Package notify is the bridge's fire-and-forget side channel. Nothing here
// reports failure back to the caller.
package notify

import (
	"context"
	"log/slog"
	"os/exec"
	"runtime"
	"time"
)

type Level int

const (
	Info Level = iota
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

type Notification struct {
	Level   Level
	Title   string
	Message string
	Time    time.Time
}

type Notifier interface {
	Notify(Notification)
}

// Func adapts a plain function to Notifier.
type Func func(Notification)

func (f Func) Notify(n Notification) { f(n) }

// Discard drops every notification.
var Discard Notifier = Func(func(Notification) {})

// Log writes notifications to a slog logger at the matching level.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(n Notification) {
	lvl := slog.LevelInfo
	switch n.Level {
	case Warning:
		lvl = slog.LevelWarn
	case Error:
		lvl = slog.LevelError
	}
	l.Logger.Log(context.Background(), lvl, n.Message, "title", n.Title)
}

// Channel feeds notifications into a buffered channel, dropping them when
// the reader falls behind.
type Channel chan Notification

func (c Channel) Notify(n Notification) {
	select {
	case c <- n:
	default:
	}
}

// Multi fans a notification out to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(n Notification) {
	for _, x := range m {
		if x != nil {
			x.Notify(n)
		}
	}
}

// Desktop pops up an OS notification with notify-send (Linux) or osascript
// (macOS). When neither is installed it does nothing.
type Desktop struct {
	cmd    string
	logger *slog.Logger
	run    func(name string, args ...string) error
}

func NewDesktop(logger *slog.Logger) *Desktop {
	d := &Desktop{logger: logger, run: start}
	name := "notify-send"
	if runtime.GOOS == "darwin" {
		name = "osascript"
	}
	if path, err := exec.LookPath(name); err == nil {
		d.cmd = path
	} else {
		logger.Debug("desktop notifications unavailable", "binary", name)
	}
	return d
}

// Available reports whether a notifier binary was found.
func (d *Desktop) Available() bool { return d.cmd != "" }

func (d *Desktop) Notify(n Notification) {
	if d.cmd == "" {
		return
	}
	var args []string
	if runtime.GOOS == "darwin" {
		args = []string{"-e", `display notification ` + quote(n.Message) + ` with title ` + quote(n.Title)}
	} else {
		urgency := "normal"
		if n.Level == Error {
			urgency = "critical"
		}
		args = []string{"--urgency=" + urgency, n.Title, n.Message}
	}
	if err := d.run(d.cmd, args...); err != nil {
		d.logger.Debug("desktop notification failed", "error", err)
	}
}

func start(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait()
	return nil
}

// quote makes s an AppleScript string literal.
func quote(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(append(out, '"'))
}
