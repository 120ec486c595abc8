package tui

import (
	"context"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/orchestrator"
	"github.com/aristath/foreman/internal/scheduler"
)

type fakeSource struct {
	mu     sync.Mutex
	paused bool
	status orchestrator.Status
}

func (f *fakeSource) Status(ctx context.Context, listFilter string, recent int) (*orchestrator.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.status
	st.Paused = f.paused
	return &st, nil
}

func (f *fakeSource) Pause(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
	return nil
}

func (f *fakeSource) Resume(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
	return nil
}

func sampleStatus() orchestrator.Status {
	active := 1
	return orchestrator.Status{
		TickCount: 4,
		LastCycle: "cycle=4 claimed=1 reclaimed=0",
		Lists: []orchestrator.ListStatus{{
			List: &scheduler.TaskList{ID: "l1", Name: "api", ActiveWave: &active},
			Run: &scheduler.WaveRun{ID: "r1", Status: scheduler.RunActive, Waves: []scheduler.Wave{
				{Number: 1, Status: scheduler.WaveInProgress, TaskIDs: []string{"a", "b"}},
				{Number: 2, Status: scheduler.WavePending, TaskIDs: []string{"c"}},
			}},
			Counts: map[scheduler.TaskStatus]int{
				scheduler.TaskCompleted:  1,
				scheduler.TaskInProgress: 1,
				scheduler.TaskPending:    1,
			},
		}},
	}
}

func newTestModel(t *testing.T) (Model, *fakeSource) {
	t.Helper()
	src := &fakeSource{status: sampleStatus()}
	bus := events.NewEventBus(0)
	t.Cleanup(bus.Close)
	m := New(bus, src)
	next, _ := m.Update(tea.WindowSizeMsg{Width: 160, Height: 40})
	return next.(Model), src
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

// runCmd executes a command the way the runtime would, flattening batches.
func runCmd(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		var out []tea.Msg
		for _, c := range batch {
			out = append(out, runCmd(c)...)
		}
		return out
	}
	return []tea.Msg{msg}
}

func TestModel_TracksAgentLifecycle(t *testing.T) {
	m, _ := newTestModel(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	m, _ = update(t, m, events.TaskClaimedEvent{
		ID: "t1", DisplayID: "API-1", SessionID: "s1", WorkerID: "w1", WorkerType: "generalist",
		Generation: 1, Wave: 1, Lane: "build", Timestamp: now,
	})
	sel := m.agentPane.Selected()
	require.NotNil(t, sel)
	assert.Equal(t, "API-1", sel.DisplayID)
	assert.Equal(t, agentRunning, sel.Status)
	assert.Contains(t, m.View(), "API-1")

	m, _ = update(t, m, events.AgentStaleEvent{ID: "t1", SessionID: "s1", Silence: 16 * time.Minute, Timestamp: now})
	assert.Equal(t, agentStale, m.agentPane.Selected().Status)

	m, _ = update(t, m, events.AgentReclaimedEvent{ID: "t1", SessionID: "s1", Reason: "stuck", Timestamp: now})
	m, _ = update(t, m, events.TaskFailedEvent{ID: "t1", SessionID: "s1", Retries: 1, Err: "stuck", Timestamp: now})
	sel = m.agentPane.Selected()
	assert.Equal(t, agentReclaimed, sel.Status, "a reclaim is not overwritten by the failure it causes")
	require.Len(t, sel.Log, 4)
	assert.Contains(t, sel.Log[2], "reclaimed: stuck")
}

func TestModel_SelectsWithKeys(t *testing.T) {
	m, _ := newTestModel(t)
	for i, id := range []string{"s1", "s2"} {
		m, _ = update(t, m, events.TaskClaimedEvent{ID: "t" + id, DisplayID: "API-" + string(rune('1'+i)), SessionID: id})
	}
	assert.Equal(t, "s1", m.agentPane.Selected().SessionID)

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(KeyJ)})
	assert.Equal(t, "s2", m.agentPane.Selected().SessionID)
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(KeyJ)})
	assert.Equal(t, "s2", m.agentPane.Selected().SessionID, "selection stops at the end")

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, PaneWaves, m.focusedPane)
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyShiftTab})
	assert.Equal(t, PaneAgents, m.focusedPane)
}

func TestModel_PauseToggle(t *testing.T) {
	m, src := newTestModel(t)

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(KeyPause)})
	msgs := runCmd(cmd)
	require.Len(t, msgs, 1)
	assert.True(t, src.paused)

	m, _ = update(t, m, msgs[0])
	assert.True(t, m.paused)
	assert.Contains(t, m.View(), "PAUSED")

	m, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(KeyPause)})
	msgs = runCmd(cmd)
	require.Len(t, msgs, 1)
	m, _ = update(t, m, msgs[0])
	assert.False(t, src.paused)
	assert.False(t, m.paused)
}

func TestModel_RendersSnapshot(t *testing.T) {
	m, src := newTestModel(t)
	st, err := src.Status(context.Background(), "", 0)
	require.NoError(t, err)

	m, _ = update(t, m, statusMsg{status: st})
	m, _ = update(t, m, events.WaveStartedEvent{ListID: "l1", Wave: 2, Timestamp: time.Now()})
	m, _ = update(t, m, events.TickCompletedEvent{Cycle: 5, Claimed: 2, Phases: []events.PhaseTiming{
		{Phase: "assign", Err: "boom"},
	}})

	view := m.View()
	assert.Contains(t, view, "api")
	assert.Contains(t, view, "wave 2 started")
	assert.Contains(t, view, "cycle 5")
	assert.Contains(t, view, "assign failed")
}

func TestRenderStatus(t *testing.T) {
	st := sampleStatus()
	st.Paused = true
	st.Sessions = []*scheduler.AgentSession{{
		ID: "session-123456", TaskID: "task-abcdef", WorkerType: "generalist", Generation: 2,
		Status: scheduler.SessionRunning, Health: scheduler.HealthStale,
	}}
	st.Lists = append(st.Lists, orchestrator.ListStatus{
		List:   &scheduler.TaskList{ID: "l2", Name: "ops", Hold: "conflict loop exhausted"},
		Counts: map[scheduler.TaskStatus]int{},
	})

	out := RenderStatus(&st, 100)
	assert.Contains(t, out, "PAUSED")
	assert.Contains(t, out, "cycles 4")
	assert.Contains(t, out, "wave 1/2")
	assert.Contains(t, out, "1/3")
	assert.Contains(t, out, "held: conflict loop exhausted")
	assert.Contains(t, out, "session-")
	assert.Contains(t, out, "generalist")

	empty := RenderStatus(&orchestrator.Status{}, 80)
	assert.Contains(t, empty, "No task lists.")
}
