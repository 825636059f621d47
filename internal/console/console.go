// Package console is the operator's terminal view of a running bridge. It
// polls the bridge status, shows notifications as they arrive and exposes
// the operator actions as single keys.
package console

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/tokenbridge/tokenbridge/internal/diag"
	"github.com/tokenbridge/tokenbridge/internal/notify"
	"github.com/tokenbridge/tokenbridge/internal/theme"
	"github.com/tokenbridge/tokenbridge/internal/views/debug"
	"github.com/tokenbridge/tokenbridge/internal/views/status"
)

const (
	defaultTick     = time.Second
	diagnoseTimeout = 10 * time.Second
)

// Facade is the slice of the diagnostics facade the console drives.
type Facade interface {
	RefreshToken()
	Reconnect()
	ReloadPage()
	Status() diag.Status
	DiagnoseCSP(ctx context.Context) diag.Report
}

// Overlay identifies which modal is active.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayLog
	OverlayReport
)

type Options struct {
	// Notes feeds the event log. It may be nil.
	Notes <-chan notify.Notification
	// OnQuit runs once when the operator quits.
	OnQuit func()
	// Tick is the status poll period.
	Tick time.Duration
}

type (
	statusMsg diag.Status
	noteMsg   notify.Notification
	reportMsg diag.Report
)

// Model is the root Bubble Tea model.
type Model struct {
	facade Facade
	notes  <-chan notify.Notification
	onQuit func()
	tick   time.Duration
	ctx    context.Context
	cancel context.CancelFunc

	keys    KeyMap
	width   int
	height  int
	overlay Overlay

	statusBar status.Model
	log       debug.Model

	spinner    spinner.Model
	report     viewport.Model
	diagnosing bool
	// reportMarkdown is the last diagnosis before rendering.
	reportMarkdown string
}

func New(f Facade, opts Options) Model {
	ctx, cancel := context.WithCancel(context.Background())
	if opts.Tick <= 0 {
		opts.Tick = defaultTick
	}

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.ColorConnecting)

	return Model{
		facade:    f,
		notes:     opts.Notes,
		onQuit:    opts.OnQuit,
		tick:      opts.Tick,
		ctx:       ctx,
		cancel:    cancel,
		keys:      DefaultKeyMap(),
		statusBar: status.New(),
		log:       debug.New(),
		spinner:   sp,
		report:    viewport.New(80, 20),
	}
}

// Init reads the status once and starts listening for notifications.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.pollStatus(), m.waitForNote())
}

func (m Model) pollStatus() tea.Cmd {
	f := m.facade
	return func() tea.Msg { return statusMsg(f.Status()) }
}

func (m Model) scheduleStatus() tea.Cmd {
	f := m.facade
	return tea.Tick(m.tick, func(time.Time) tea.Msg { return statusMsg(f.Status()) })
}

func (m Model) waitForNote() tea.Cmd {
	if m.notes == nil {
		return nil
	}
	ch := m.notes
	return func() tea.Msg {
		n, ok := <-ch
		if !ok {
			return nil
		}
		return noteMsg(n)
	}
}

func (m Model) diagnose() tea.Cmd {
	f, parent := m.facade, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, diagnoseTimeout)
		defer cancel()
		return reportMsg(f.DiagnoseCSP(ctx))
	}
}

// action runs fn off the update loop; a page reload can block until the
// page has loaded again.
func action(fn func()) tea.Cmd {
	return func() tea.Msg {
		fn()
		return nil
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.report.Width = max(msg.Width-6, 20)
		m.report.Height = max(msg.Height-8, 5)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case statusMsg:
		m.statusBar.Status = diag.Status(msg)
		return m, m.scheduleStatus()

	case noteMsg:
		m.log.AddNotification(notify.Notification(msg))
		return m, m.waitForNote()

	case reportMsg:
		m.diagnosing = false
		r := diag.Report(msg)
		m.reportMarkdown = r.Markdown()
		m.report.SetContent(m.render(m.reportMarkdown))
		m.report.GotoTop()
		if r.Probe.Connected {
			m.log.Add("op", "diagnosis: relay reachable")
		} else {
			m.log.Add("op", "diagnosis: relay unreachable")
		}
		return m, nil

	case spinner.TickMsg:
		if !m.diagnosing {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		m.cancel()
		if m.onQuit != nil {
			m.onQuit()
		}
		return m, tea.Quit
	}

	if m.overlay != OverlayNone {
		if key.Matches(msg, m.keys.Escape) {
			m.overlay = OverlayNone
			return m, nil
		}
		switch m.overlay {
		case OverlayLog:
			switch {
			case key.Matches(msg, m.keys.Up):
				m.log.ScrollUp(1)
			case key.Matches(msg, m.keys.Down):
				m.log.ScrollDown(1)
			}
			return m, nil
		case OverlayReport:
			var cmd tea.Cmd
			m.report, cmd = m.report.Update(msg)
			return m, cmd
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Refresh):
		m.log.Add("op", "token refresh requested")
		return m, action(m.facade.RefreshToken)

	case key.Matches(msg, m.keys.Reconnect):
		m.log.Add("op", "reconnect requested")
		return m, action(m.facade.Reconnect)

	case key.Matches(msg, m.keys.Reload):
		m.log.Add("op", "page reload requested")
		return m, action(m.facade.ReloadPage)

	case key.Matches(msg, m.keys.Diagnose):
		m.overlay = OverlayReport
		if m.diagnosing {
			return m, nil
		}
		m.diagnosing = true
		return m, tea.Batch(m.spinner.Tick, m.diagnose())

	case key.Matches(msg, m.keys.Log):
		m.overlay = OverlayLog
		return m, nil
	}

	return m, nil
}

func (m Model) render(md string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath("dark"),
		glamour.WithWordWrap(m.report.Width),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}

// View renders the full console.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	var body string
	switch m.overlay {
	case OverlayLog:
		body = m.log.View(m.width, m.height-4)
	case OverlayReport:
		body = m.reportView()
	default:
		body = m.summaryView()
	}

	sections := []string{
		m.statusBar.View(),
		body,
		theme.StyleDimmed.Render("  t:refresh token  c:reconnect  l:reload page  p:diagnose  v:log  q:quit"),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) summaryView() string {
	var lines []string
	s := m.statusBar.Status
	if s.Exhausted {
		warn := lipgloss.NewStyle().Bold(true).Foreground(theme.ColorDanger)
		lines = append(lines,
			warn.Render("  DISCONNECTED"),
			theme.StyleDimmed.Render("  Reconnect attempts exhausted. Press c to reconnect."),
		)
	}
	if e, ok := m.log.Last(); ok {
		lines = append(lines, theme.StyleDimmed.Render("  last event "+e.Time.Format("15:04:05")+"  ")+e.Message)
	} else {
		lines = append(lines, theme.StyleDimmed.Render("  No events yet"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m Model) reportView() string {
	title := theme.StyleHeader.Render(" DIAGNOSIS ")
	var content string
	switch {
	case m.diagnosing:
		content = m.spinner.View() + " Probing relay connection..."
	case m.reportMarkdown == "":
		content = theme.StyleDimmed.Render("No diagnosis yet.")
	default:
		content = m.report.View()
	}
	help := theme.StyleDimmed.Render("j/k:scroll  esc:close")
	return theme.StyleBorder.Render(lipgloss.JoinVertical(lipgloss.Left, title, content, help))
}
