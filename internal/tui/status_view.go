package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/aristath/foreman/internal/orchestrator"
	"github.com/aristath/foreman/internal/scheduler"
)

// RenderStatus renders a status snapshot for a terminal. It backs both
// `foreman status` and the wave pane.
func RenderStatus(st *orchestrator.Status, width int) string {
	var b strings.Builder

	state := StyleStatusComplete.Render("running")
	if st.Paused {
		state = StylePaused.Render("PAUSED")
	}
	fmt.Fprintf(&b, "%s  %s  cycles %d\n", StyleHeader.Render("foreman"), state, st.TickCount)
	if st.LastCycle != "" {
		fmt.Fprintf(&b, "%s\n", StyleHelp.Render("last "+st.LastCycle))
	}
	b.WriteString("\n")

	if len(st.Lists) == 0 {
		b.WriteString(StyleStatusPending.Render("No task lists."))
		b.WriteString("\n")
	}
	for _, ls := range st.Lists {
		b.WriteString(RenderList(ls, width))
		b.WriteString("\n")
	}

	if len(st.Sessions) > 0 {
		b.WriteString(StyleTitle.Render("Sessions"))
		b.WriteString("\n")
		for _, s := range st.Sessions {
			fmt.Fprintf(&b, "  %s %-10s %-12s gen %-3d %s  %s\n",
				healthIcon(s.Health), s.Status, s.WorkerType, s.Generation, short(s.ID), short(s.TaskID))
		}
		b.WriteString("\n")
	}

	if len(st.Recent) > 0 {
		b.WriteString(StyleTitle.Render("Recent"))
		b.WriteString("\n")
		for _, ev := range st.Recent {
			line := fmt.Sprintf("  %s %-14s %s %s->%s", ev.CreatedAt.Format(time.DateTime), ev.Kind, short(ev.TaskID), ev.From, ev.To)
			if ev.Detail != "" {
				line += "  " + ev.Detail
			}
			b.WriteString(StyleHelp.Render(line))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// RenderList renders one list: its run, the active wave and a progress bar.
func RenderList(ls orchestrator.ListStatus, width int) string {
	var b strings.Builder
	total, done, failed, running := 0, 0, 0, 0
	for status, n := range ls.Counts {
		total += n
		switch status {
		case scheduler.TaskCompleted, scheduler.TaskSkipped:
			done += n
		case scheduler.TaskFailed:
			failed += n
		case scheduler.TaskInProgress:
			running += n
		}
	}

	b.WriteString(StyleTitle.Render(ls.List.Name))
	switch {
	case ls.List.Hold != "":
		b.WriteString(StyleStatusFailed.Render(" held: " + ls.List.Hold))
	case ls.Run == nil:
		b.WriteString(StyleStatusPending.Render(" not planned"))
	default:
		active := "none"
		if ls.List.ActiveWave != nil {
			active = fmt.Sprintf("%d", *ls.List.ActiveWave)
		}
		fmt.Fprintf(&b, " run %s  wave %s/%d", ls.Run.Status, active, len(ls.Run.Waves))
	}
	b.WriteString("\n")

	if total > 0 {
		barWidth := max(min(width-16, 40), 10)
		doneWidth := done * barWidth / total
		failedWidth := failed * barWidth / total
		runningWidth := running * barWidth / total
		pendingWidth := barWidth - doneWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", doneWidth))
		bar += StyleStatusFailed.Render(strings.Repeat("!", failedWidth))
		bar += StyleStatusRunning.Render(strings.Repeat("-", runningWidth))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))
		fmt.Fprintf(&b, "  [%s] %d/%d\n", bar, done, total)
	}

	if ls.Run != nil {
		var waves []string
		for _, w := range ls.Run.Waves {
			waves = append(waves, waveBadge(w))
		}
		if len(waves) > 0 {
			b.WriteString("  " + strings.Join(waves, " ") + "\n")
		}
	}
	return b.String()
}

func waveBadge(w scheduler.Wave) string {
	label := fmt.Sprintf("w%d:%d", w.Number, len(w.TaskIDs))
	switch w.Status {
	case scheduler.WaveCompleted:
		return StyleStatusComplete.Render(label)
	case scheduler.WaveFailed:
		return StyleStatusFailed.Render(label)
	case scheduler.WaveInProgress:
		return StyleStatusRunning.Render(label)
	default:
		return StyleStatusPending.Render(label)
	}
}

func healthIcon(h scheduler.Health) string {
	switch h {
	case scheduler.HealthStale:
		return StatusIcon(agentStale)
	case scheduler.HealthStuck:
		return StatusIcon(agentFailed)
	default:
		return StatusIcon(agentRunning)
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
