package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/orchestrator"
)

// Source is what the watch UI reads from and controls.
type Source interface {
	Status(ctx context.Context, listFilter string, recent int) (*orchestrator.Status, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneAgents PaneID = iota
	PaneWaves
	paneCount
)

// statusTimeout bounds one snapshot query.
const statusTimeout = 5 * time.Second

// statusMsg carries a fresh snapshot, or the error that prevented one.
type statusMsg struct {
	status *orchestrator.Status
	err    error
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	agentPane   AgentPaneModel
	wavePane    WavePaneModel
	focusedPane PaneID
	source      Source
	eventSub    <-chan events.Event
	paused      bool
	lastTick    *events.TickCompletedEvent
	lastErr     error
	width       int
	height      int
	quitting    bool
}

// New creates a new TUI model subscribed to every event on the bus.
func New(bus *events.EventBus, source Source) Model {
	return Model{
		agentPane:   NewAgentPaneModel(),
		wavePane:    NewWavePaneModel(),
		focusedPane: PaneAgents,
		source:      source,
		eventSub:    bus.SubscribeAll(0),
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), m.refresh())
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// refresh loads a new snapshot in the background.
func (m Model) refresh() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
		defer cancel()
		st, err := source.Status(ctx, "", 0)
		return statusMsg{status: st, err: err}
	}
}

// togglePause flips the persisted pause flag and reloads the snapshot.
func (m Model) togglePause() tea.Cmd {
	source, paused := m.source, m.paused
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
		defer cancel()
		var err error
		if paused {
			err = source.Resume(ctx)
		} else {
			err = source.Pause(ctx)
		}
		if err != nil {
			return statusMsg{err: err}
		}
		st, err := source.Status(ctx, "", 0)
		return statusMsg{status: st, err: err}
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneAgents
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneWaves
			m.updateFocusStates()

		case KeyPause:
			cmds = append(cmds, m.togglePause())

		case KeyRefresh:
			cmds = append(cmds, m.refresh())

		default:
			var cmd tea.Cmd
			switch m.focusedPane {
			case PaneAgents:
				m.agentPane, cmd = m.agentPane.Update(msg)
			case PaneWaves:
				m.wavePane, cmd = m.wavePane.Update(msg)
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case statusMsg:
		if msg.err != nil {
			m.lastErr = msg.err
		} else {
			m.lastErr = nil
			m.paused = msg.status.Paused
		}
		var cmd tea.Cmd
		m.wavePane, cmd = m.wavePane.Update(msg)
		cmds = append(cmds, cmd)

	case events.TaskClaimedEvent, events.TaskCompletedEvent, events.TaskFailedEvent,
		events.AgentStaleEvent, events.AgentReclaimedEvent:
		var cmd tea.Cmd
		m.agentPane, cmd = m.agentPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.WavePlannedEvent, events.WaveStartedEvent, events.WaveCompletedEvent,
		events.ConflictDetectedEvent:
		var cmd tea.Cmd
		m.wavePane, cmd = m.wavePane.Update(msg)
		cmds = append(cmds, cmd, m.refresh(), waitForEvent(m.eventSub))

	case events.TickCompletedEvent:
		m.lastTick = &msg
		m.paused = msg.Paused
		cmds = append(cmds, m.refresh(), waitForEvent(m.eventSub))

	case events.Event:
		// Not displayed, keep listening.
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	body := lipgloss.JoinHorizontal(lipgloss.Top, m.agentPane.View(), m.wavePane.View())
	return lipgloss.JoinVertical(lipgloss.Left, m.headerView(), body, HelpView())
}

func (m Model) headerView() string {
	header := StyleHeader.Render("foreman")
	if m.paused {
		header += " " + StylePaused.Render("PAUSED")
	}
	if t := m.lastTick; t != nil {
		header += fmt.Sprintf("  cycle %d  claimed %d  reclaimed %d  took %s",
			t.Cycle, t.Claimed, t.Reclaimed, t.Duration.Round(time.Millisecond))
		for _, p := range t.Phases {
			if p.Err != "" {
				header += "  " + StyleStatusFailed.Render(p.Phase+" failed")
			}
		}
	}
	if m.lastErr != nil {
		header += "  " + StyleStatusFailed.Render(m.lastErr.Error())
	}
	return header
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 55) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 2 // header and help bar

	m.agentPane.SetSize(leftWidth, availableHeight)
	m.wavePane.SetSize(rightWidth, availableHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.agentPane.SetFocused(m.focusedPane == PaneAgents)
	m.wavePane.SetFocused(m.focusedPane == PaneWaves)
}
