// Package debug provides a scrollable event log overlay fed by bridge
// notifications and operator actions.
package debug

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/tokenbridge/tokenbridge/internal/notify"
	"github.com/tokenbridge/tokenbridge/internal/theme"
)

const maxEntries = 200

// Entry is a single event log line.
type Entry struct {
	Time    time.Time
	Kind    string // "info", "warn", "err", "op"
	Message string
}

// Model holds debug log state.
type Model struct {
	Entries []Entry
	Offset  int // scroll offset (from bottom)
}

func New() Model {
	return Model{}
}

// Add appends a log entry stamped now.
func (m *Model) Add(kind, message string) {
	m.append(Entry{Time: time.Now(), Kind: kind, Message: message})
}

// AddNotification logs a bridge notification under its level.
func (m *Model) AddNotification(n notify.Notification) {
	t := n.Time
	if t.IsZero() {
		t = time.Now()
	}
	msg := n.Title
	if n.Message != "" {
		msg += ": " + n.Message
	}
	m.append(Entry{Time: t, Kind: levelKind(n.Level), Message: msg})
}

func (m *Model) append(e Entry) {
	m.Entries = append(m.Entries, e)
	if len(m.Entries) > maxEntries {
		m.Entries = m.Entries[len(m.Entries)-maxEntries:]
	}
	// New entries snap back to the bottom.
	m.Offset = 0
}

// Last returns the newest entry, if any.
func (m Model) Last() (Entry, bool) {
	if len(m.Entries) == 0 {
		return Entry{}, false
	}
	return m.Entries[len(m.Entries)-1], true
}

func (m *Model) ScrollUp(n int) {
	m.Offset += n
	max := len(m.Entries) - 1
	if max < 0 {
		max = 0
	}
	if m.Offset > max {
		m.Offset = max
	}
}

func (m *Model) ScrollDown(n int) {
	m.Offset -= n
	if m.Offset < 0 {
		m.Offset = 0
	}
}

func panelStyle(width int) lipgloss.Style {
	return lipgloss.NewStyle().
		Width(width).
		Padding(1, 2).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder)
}

// View renders the log as an overlay panel.
func (m Model) View(width, height int) string {
	innerW := width - 4
	if innerW < 20 {
		innerW = 20
	}
	visibleLines := height - 6
	if visibleLines < 3 {
		visibleLines = 3
	}

	title := theme.StyleHeader.Render(" EVENT LOG ")
	help := theme.StyleDimmed.Render(fmt.Sprintf("j/k:scroll  esc:close  %d entries", len(m.Entries)))

	if len(m.Entries) == 0 {
		body := theme.StyleDimmed.Render("  No events recorded yet.")
		content := lipgloss.JoinVertical(lipgloss.Left, title, "", body, "", help)
		return panelStyle(innerW).Render(content)
	}

	end := len(m.Entries) - m.Offset
	start := end - visibleLines
	if start < 0 {
		start = 0
	}
	if end < 0 {
		end = 0
	}

	var lines []string
	for i := start; i < end; i++ {
		lines = append(lines, m.line(m.Entries[i], innerW))
	}

	body := strings.Join(lines, "\n")
	scrollIndicator := ""
	if m.Offset > 0 {
		scrollIndicator = theme.StyleDimmed.Render(fmt.Sprintf(" ↓ %d more", m.Offset))
	}

	content := lipgloss.JoinVertical(lipgloss.Left, title, body, scrollIndicator, help)
	return panelStyle(innerW).Render(content)
}

func (m Model) line(e Entry, innerW int) string {
	tsStr := theme.StyleDimmed.Render(e.Time.Format("15:04:05.000"))
	kindStr := lipgloss.NewStyle().Foreground(kindToColor(e.Kind)).Width(4).Render(e.Kind)
	msgStr := e.Message
	if len(msgStr) > innerW-20 && innerW > 20 {
		msgStr = msgStr[:innerW-23] + "..."
	}
	return fmt.Sprintf("%s %s %s", tsStr, kindStr, msgStr)
}

func levelKind(l notify.Level) string {
	switch l {
	case notify.Warning:
		return "warn"
	case notify.Error:
		return "err"
	default:
		return "info"
	}
}

func kindToColor(kind string) lipgloss.Color {
	switch kind {
	case "info":
		return theme.ColorInfo
	case "warn":
		return theme.ColorWarning
	case "err":
		return theme.ColorDanger
	case "op":
		return theme.ColorOperator
	default:
		return theme.ColorDimmed
	}
}
