package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestParseTaskStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    TaskStatus
		wantErr bool
	}{
		{in: "pending", want: TaskPending},
		{in: " In_Progress ", want: TaskInProgress},
		{in: "skipped", want: TaskSkipped},
		{in: "done", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTaskStatus(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownValue) {
					t.Fatalf("ParseTaskStatus(%q) error = %v, want ErrUnknownValue", tt.in, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("ParseTaskStatus(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestParsePriority(t *testing.T) {
	for in, want := range map[string]Priority{"P0": P0, "p1": P1, "2": P2, " P3 ": P3} {
		got, err := ParsePriority(in)
		if err != nil || got != want {
			t.Errorf("ParsePriority(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	for _, in := range []string{"P4", "high", "-1", ""} {
		if _, err := ParsePriority(in); !errors.Is(err, ErrUnknownValue) {
			t.Errorf("ParsePriority(%q) error = %v, want ErrUnknownValue", in, err)
		}
	}
}

func TestParseEnumsRejectUnknown(t *testing.T) {
	if _, err := ParseCategory("chore"); !errors.Is(err, ErrUnknownValue) {
		t.Errorf("ParseCategory(chore) error = %v", err)
	}
	if _, err := ParseEdgeKind("parent_of"); !errors.Is(err, ErrUnknownValue) {
		t.Errorf("ParseEdgeKind(parent_of) error = %v", err)
	}
	if _, err := ParseFileOperation("RENAME"); !errors.Is(err, ErrUnknownValue) {
		t.Errorf("ParseFileOperation(RENAME) error = %v", err)
	}
	if op, err := ParseFileOperation("update"); err != nil || op != OpUpdate {
		t.Errorf("ParseFileOperation(update) = %q, %v", op, err)
	}
}

func TestClassifyLane(t *testing.T) {
	tests := map[Category]Lane{
		CategoryFeature:     LaneBuild,
		CategoryRefactor:    LaneBuild,
		CategoryBugfix:      LaneQuality,
		CategoryTest:        LaneQuality,
		CategoryInfra:       LanePlatform,
		CategorySecurity:    LanePlatform,
		CategoryDocs:        LaneKnowledge,
		CategoryResearch:    LaneKnowledge,
		Category("unknown"): LaneGeneral,
	}
	for cat, want := range tests {
		if got := ClassifyLane(cat); got != want {
			t.Errorf("ClassifyLane(%q) = %q, want %q", cat, got, want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := map[TaskStatus][]TaskStatus{
		TaskPending:    {TaskInProgress, TaskSkipped, TaskBlocked, TaskReady},
		TaskReady:      {TaskPending, TaskSkipped, TaskBlocked},
		TaskBlocked:    {TaskPending, TaskSkipped},
		TaskInProgress: {TaskCompleted, TaskPending, TaskFailed},
	}
	all := []TaskStatus{TaskPending, TaskReady, TaskInProgress, TaskCompleted, TaskFailed, TaskSkipped, TaskBlocked}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range allowed[from] {
				if ok == to {
					want = true
				}
			}
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}

	var transErr *InvalidTransitionError
	if err := CheckTransition("t1", TaskCompleted, TaskPending); !errors.As(err, &transErr) {
		t.Errorf("CheckTransition from terminal = %v, want InvalidTransitionError", err)
	}
}

func TestTaskClone(t *testing.T) {
	w := 2
	now := time.Now()
	orig := &Task{ID: "t1", Wave: &w, CooldownUntil: &now}
	cp := orig.Clone()
	*cp.Wave = 5
	*cp.CooldownUntil = now.Add(time.Hour)

	if *orig.Wave != 2 || !orig.CooldownUntil.Equal(now) {
		t.Error("Clone shares pointers with the original")
	}
}

func TestSessionLastActivity(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &AgentSession{StartedAt: start}
	if !s.LastActivity().Equal(start) {
		t.Errorf("LastActivity without heartbeat = %v, want start", s.LastActivity())
	}
	hb := start.Add(5 * time.Minute)
	s.LastHeartbeat = &hb
	if !s.LastActivity().Equal(hb) {
		t.Errorf("LastActivity = %v, want heartbeat %v", s.LastActivity(), hb)
	}
}
