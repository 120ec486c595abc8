package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/foreman/internal/events"
)

// Agent statuses shown in the list.
const (
	agentRunning   = "running"
	agentStale     = "stale"
	agentCompleted = "completed"
	agentFailed    = "failed"
	agentReclaimed = "reclaimed"
)

// AgentState is the UI's view of one agent session.
type AgentState struct {
	SessionID  string
	TaskID     string
	DisplayID  string
	WorkerType string
	Generation int64
	Wave       int
	Status     string
	Log        []string
	StartTime  time.Time
	Duration   time.Duration
}

// AgentPaneModel lists agent sessions and shows the timeline of the selected one.
type AgentPaneModel struct {
	agents      map[string]*AgentState // sessionID -> state
	agentOrder  []string               // claim order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewAgentPaneModel creates a new agent pane model.
func NewAgentPaneModel() AgentPaneModel {
	return AgentPaneModel{
		agents:   make(map[string]*AgentState),
		viewport: viewport.New(0, 0),
	}
}

// refreshMsg is used for debouncing viewport updates.
type refreshMsg struct {
	tag int
}

// Update handles messages for the agent pane.
func (m AgentPaneModel) Update(msg tea.Msg) (AgentPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.agentOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskClaimedEvent:
		if _, exists := m.agents[msg.SessionID]; exists {
			break
		}
		m.agents[msg.SessionID] = &AgentState{
			SessionID:  msg.SessionID,
			TaskID:     msg.ID,
			DisplayID:  msg.DisplayID,
			WorkerType: msg.WorkerType,
			Generation: msg.Generation,
			Wave:       msg.Wave,
			Status:     agentRunning,
			StartTime:  msg.Timestamp,
		}
		m.agentOrder = append(m.agentOrder, msg.SessionID)
		cmd = m.logLine(msg.SessionID, msg.Timestamp, "claimed by %s (generation %d, wave %d, lane %s)",
			msg.WorkerID, msg.Generation, msg.Wave, msg.Lane)
		if len(m.agentOrder) == 1 {
			m.selectedIdx = 0
			m.updateViewportContent()
		}

	case events.AgentStaleEvent:
		if agent, ok := m.agents[msg.SessionID]; ok && agent.Status == agentRunning {
			agent.Status = agentStale
		}
		cmd = m.logLine(msg.SessionID, msg.Timestamp, "no heartbeat for %s", msg.Silence.Round(time.Second))

	case events.TaskCompletedEvent:
		if agent, ok := m.agents[msg.SessionID]; ok {
			agent.Status = agentCompleted
			agent.Duration = msg.Duration
		}
		cmd = m.logLine(msg.SessionID, msg.Timestamp, "completed in %s", msg.Duration.Round(time.Second))

	case events.AgentReclaimedEvent:
		if agent, ok := m.agents[msg.SessionID]; ok {
			agent.Status = agentReclaimed
		}
		cmd = m.logLine(msg.SessionID, msg.Timestamp, "reclaimed: %s", msg.Reason)

	case events.TaskFailedEvent:
		if agent, ok := m.agents[msg.SessionID]; ok && agent.Status != agentReclaimed {
			agent.Status = agentFailed
		}
		if msg.Terminal {
			cmd = m.logLine(msg.SessionID, msg.Timestamp, "failed for good after %d retries: %s", msg.Retries, msg.Err)
		} else {
			cmd = m.logLine(msg.SessionID, msg.Timestamp, "failed (retry %d, cooling down %s): %s",
				msg.Retries, msg.Cooldown.Round(time.Second), msg.Err)
		}

	case refreshMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// logLine appends to a session's timeline and schedules a debounced redraw
// when that session is on screen.
func (m *AgentPaneModel) logLine(sessionID string, at time.Time, format string, args ...any) tea.Cmd {
	agent, ok := m.agents[sessionID]
	if !ok {
		return nil
	}
	agent.Log = append(agent.Log, fmt.Sprintf("%s  %s", at.Format("15:04:05"), fmt.Sprintf(format, args...)))
	if m.getSelectedSessionID() != sessionID {
		return nil
	}
	m.updateTag++
	tag := m.updateTag
	return tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		return refreshMsg{tag: tag}
	})
}

// View renders the agent pane.
func (m AgentPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 28
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderAgentList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m AgentPaneModel) renderAgentList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Agents")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.agentOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting for claims..."))
	} else {
		for i, id := range m.agentOrder {
			agent := m.agents[id]
			name := fmt.Sprintf("%s %s", agent.DisplayID, agent.WorkerType)
			if len(name) > width-4 {
				name = name[:width-7] + "..."
			}
			line := fmt.Sprintf("%s %s", StatusIcon(agent.Status), name)
			if i == m.selectedIdx {
				line = lipgloss.NewStyle().
					Background(lipgloss.Color("62")).
					Foreground(lipgloss.Color("0")).
					Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case agentRunning:
		return StyleStatusRunning.Render("●")
	case agentStale:
		return StyleStatusStale.Render("◌")
	case agentCompleted:
		return StyleStatusComplete.Render("✓")
	case agentFailed, agentReclaimed:
		return StyleStatusFailed.Render("✗")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m AgentPaneModel) getSelectedSessionID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.agentOrder) {
		return m.agentOrder[m.selectedIdx]
	}
	return ""
}

// Selected returns the selected session, or nil when there is none.
func (m AgentPaneModel) Selected() *AgentState {
	return m.agents[m.getSelectedSessionID()]
}

func (m *AgentPaneModel) updateViewportContent() {
	agent := m.Selected()
	if agent == nil {
		m.viewport.SetContent("Waiting for claims...")
		return
	}
	header := fmt.Sprintf("%s  session %s  task %s\n\n", agent.DisplayID, agent.SessionID, agent.TaskID)
	m.viewport.SetContent(header + strings.Join(agent.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *AgentPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-28-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *AgentPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *AgentPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
