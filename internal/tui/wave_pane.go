package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/orchestrator"
)

// maxActivity bounds the wave activity log.
const maxActivity = 50

// WavePaneModel shows per-list wave progress from the latest status snapshot
// followed by recent wave and conflict activity.
type WavePaneModel struct {
	status   *orchestrator.Status
	err      error
	activity []string
	viewport viewport.Model
	width    int
	height   int
	focused  bool
}

// NewWavePaneModel creates a new wave pane model.
func NewWavePaneModel() WavePaneModel {
	return WavePaneModel{viewport: viewport.New(0, 0)}
}

// Update handles messages for the wave pane.
func (m WavePaneModel) Update(msg tea.Msg) (WavePaneModel, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		if m.focused {
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case statusMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.status, m.err = msg.status, nil
		}
		m.render()

	case events.WavePlannedEvent:
		m.note(msg.Timestamp, "list %s planned: %d tasks in %d waves, %d unplanned, %d conflicts",
			short(msg.ListID), msg.Tasks, msg.Waves, msg.Unplanned, msg.Conflicts)
	case events.WaveStartedEvent:
		m.note(msg.Timestamp, "list %s wave %d started", short(msg.ListID), msg.Wave)
	case events.WaveCompletedEvent:
		outcome := "completed"
		if msg.Failed {
			outcome = "finished with failures"
		}
		m.note(msg.Timestamp, "list %s wave %d %s", short(msg.ListID), msg.Wave, outcome)
	case events.ConflictDetectedEvent:
		m.note(msg.Timestamp, "%s: %s moved to wave %d", msg.Path, short(msg.Moved), msg.NewWave)
	}
	return m, cmd
}

func (m *WavePaneModel) note(at time.Time, format string, args ...any) {
	m.activity = append(m.activity, fmt.Sprintf("%s  %s", at.Format("15:04:05"), fmt.Sprintf(format, args...)))
	if len(m.activity) > maxActivity {
		m.activity = m.activity[len(m.activity)-maxActivity:]
	}
	m.render()
}

func (m *WavePaneModel) render() {
	var b strings.Builder
	b.WriteString(StyleTitle.Render("Waves"))
	b.WriteString("\n\n")
	switch {
	case m.err != nil:
		b.WriteString(StyleStatusFailed.Render("status unavailable: " + m.err.Error()))
		b.WriteString("\n")
	case m.status == nil:
		b.WriteString(StyleStatusPending.Render("Loading..."))
		b.WriteString("\n")
	default:
		for _, ls := range m.status.Lists {
			b.WriteString(RenderList(ls, m.width))
		}
	}
	if len(m.activity) > 0 {
		b.WriteString("\n")
		for i := len(m.activity) - 1; i >= 0; i-- {
			b.WriteString(StyleHelp.Render(m.activity[i]))
			b.WriteString("\n")
		}
	}
	m.viewport.SetContent(b.String())
}

// View renders the wave pane.
func (m WavePaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(m.viewport.View())
}

// SetSize updates the pane dimensions.
func (m *WavePaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-4, 10)
	m.viewport.Height = max(h-2, 3)
	m.render()
}

// SetFocused updates the focus state.
func (m *WavePaneModel) SetFocused(focused bool) {
	m.focused = focused
}
