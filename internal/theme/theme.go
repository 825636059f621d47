// Package theme provides the Lip Gloss palette and shared styles for the
// operator console. It is a leaf package with no internal imports to avoid
// import cycles.
package theme

import "github.com/charmbracelet/lipgloss"

// Connection state colors.
var (
	ColorOpen       = lipgloss.Color("#22c55e")
	ColorConnecting = lipgloss.Color("#2563eb")
	ColorClosing    = lipgloss.Color("#d97706")
	ColorClosed     = lipgloss.Color("#dc2626")
	ColorIdle       = lipgloss.Color("#4b5563")
)

// Notification level colors.
var (
	ColorInfo     = lipgloss.Color("#3b82f6")
	ColorWarning  = lipgloss.Color("#d97706")
	ColorDanger   = lipgloss.Color("#dc2626")
	ColorOperator = lipgloss.Color("#7c3aed")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorDefault = lipgloss.Color("#9ca3af")
)

// StateColor returns the color for a connection state name.
func StateColor(state string) lipgloss.Color {
	switch state {
	case "open":
		return ColorOpen
	case "connecting":
		return ColorConnecting
	case "closing":
		return ColorClosing
	case "closed":
		return ColorClosed
	case "idle":
		return ColorIdle
	default:
		return ColorDefault
	}
}

// StateGlyph returns a Unicode glyph for a connection state name.
func StateGlyph(state string) string {
	switch state {
	case "open":
		return "●"
	case "connecting":
		return "◎"
	case "closing":
		return "◌"
	case "closed":
		return "○"
	default:
		return "·"
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)
)
