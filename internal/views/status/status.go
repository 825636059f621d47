package status

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/tokenbridge/tokenbridge/internal/diag"
	"github.com/tokenbridge/tokenbridge/internal/theme"
)

// Model holds the status bar state.
type Model struct {
	Status diag.Status
	Width  int
}

// New creates a status bar model.
func New() Model {
	return Model{Status: diag.Status{RawState: -1, State: "idle"}}
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}
	s := m.Status

	connStr := lipgloss.NewStyle().Foreground(theme.StateColor(s.State)).
		Render(theme.StateGlyph(s.State) + " " + stateLabel(s))

	attempts := fmt.Sprintf("retries %d/%d", s.ReconnectAttempts, s.MaxAttempts)
	if s.Exhausted {
		attempts = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render(attempts + " exhausted")
	}

	timers := fmt.Sprintf("heartbeat %s  refresh %s", onOff(s.HeartbeatActive), onOff(s.RefreshTimerActive))

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connStr + sep + attempts + sep + timers
	if s.ServerURL != "" {
		content += sep + theme.StyleDimmed.Render(s.ServerURL)
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}

func stateLabel(s diag.Status) string {
	switch s.State {
	case "open":
		return "Connected"
	case "connecting":
		return "Connecting..."
	case "closing":
		return "Closing"
	case "closed":
		return "Disconnected"
	default:
		return "Not started"
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
