package scheduler

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"testing"
)

func task(id string, prio Priority, seq int64) *Task {
	return &Task{ID: id, Priority: prio, Seq: seq, Status: TaskPending, Category: CategoryFeature}
}

func dependsOn(src, dst string) DependencyEdge {
	return DependencyEdge{Source: src, Target: dst, Kind: EdgeDependsOn}
}

// TestPlanWaves tests wave assignment with various graph structures.
func TestPlanWaves(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*Task
		edges []DependencyEdge
		want  map[string]int
	}{
		{
			name:  "linear chain",
			tasks: []*Task{task("A", P2, 1), task("B", P2, 2), task("C", P2, 3)},
			edges: []DependencyEdge{dependsOn("B", "A"), dependsOn("C", "B")},
			want:  map[string]int{"A": 1, "B": 2, "C": 3},
		},
		{
			name:  "diamond takes the deepest prerequisite",
			tasks: []*Task{task("A", P2, 1), task("B", P2, 2), task("C", P2, 3), task("D", P2, 4)},
			edges: []DependencyEdge{
				dependsOn("B", "A"), dependsOn("C", "B"),
				dependsOn("D", "A"), dependsOn("D", "C"),
			},
			want: map[string]int{"A": 1, "B": 2, "C": 3, "D": 4},
		},
		{
			name:  "blocks edge orders target after source",
			tasks: []*Task{task("A", P2, 1), task("B", P2, 2)},
			edges: []DependencyEdge{{Source: "A", Target: "B", Kind: EdgeBlocks}},
			want:  map[string]int{"A": 1, "B": 2},
		},
		{
			name:  "descriptive edges are ignored",
			tasks: []*Task{task("A", P2, 1), task("B", P2, 2)},
			edges: []DependencyEdge{
				{Source: "A", Target: "B", Kind: EdgeRelatesTo},
				{Source: "B", Target: "A", Kind: EdgeDuplicates},
			},
			want: map[string]int{"A": 1, "B": 1},
		},
		{
			name: "completed prerequisite counts as met",
			tasks: []*Task{
				{ID: "A", Seq: 1, Status: TaskCompleted},
				task("B", P2, 2),
			},
			edges: []DependencyEdge{dependsOn("B", "A")},
			want:  map[string]int{"B": 1},
		},
		{
			name:  "duplicate constraints from both edge kinds",
			tasks: []*Task{task("A", P2, 1), task("B", P2, 2)},
			edges: []DependencyEdge{dependsOn("B", "A"), {Source: "A", Target: "B", Kind: EdgeBlocks}},
			want:  map[string]int{"A": 1, "B": 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := NewGraph(tt.tasks, tt.edges).Plan(PlanOptions{MaxWaves: 50})
			if err != nil {
				t.Fatalf("Plan() error = %v", err)
			}
			if !reflect.DeepEqual(plan.Waves, tt.want) {
				t.Errorf("Waves = %v, want %v", plan.Waves, tt.want)
			}
		})
	}
}

// TestPlanInWaveOrder verifies priority then creation order inside a wave.
func TestPlanInWaveOrder(t *testing.T) {
	tasks := []*Task{
		task("late-p0", P0, 5),
		task("early-p2", P2, 1),
		task("early-p0", P0, 2),
		task("p1", P1, 3),
	}
	plan, err := NewGraph(tasks, nil).Plan(PlanOptions{MaxWaves: 50})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	want := []string{"early-p0", "late-p0", "p1", "early-p2"}
	if got := plan.Wave(1); !reflect.DeepEqual(got, want) {
		t.Errorf("Wave(1) = %v, want %v", got, want)
	}
}

// TestPlanCycle verifies that a cycle is reported while the rest is planned.
func TestPlanCycle(t *testing.T) {
	tasks := []*Task{task("A", P2, 1), task("B", P2, 2), task("C", P2, 3), task("D", P2, 4)}
	edges := []DependencyEdge{dependsOn("A", "B"), dependsOn("B", "A"), dependsOn("D", "A")}

	plan, err := NewGraph(tasks, edges).Plan(PlanOptions{MaxWaves: 50})

	var cycleErr *DependencyCycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected DependencyCycleError, got %v", err)
	}
	if want := []string{"A", "B", "A"}; !reflect.DeepEqual(cycleErr.Path, want) {
		t.Errorf("cycle path = %v, want %v", cycleErr.Path, want)
	}
	if plan == nil {
		t.Fatal("expected partial plan alongside cycle error")
	}
	if w := plan.Waves["C"]; w != 1 {
		t.Errorf("wave(C) = %d, want 1", w)
	}
	if want := []string{"A", "B", "D"}; !reflect.DeepEqual(plan.Unplanned, want) {
		t.Errorf("Unplanned = %v, want %v", plan.Unplanned, want)
	}
}

// TestPlanWaveLimit verifies the hard cap on wave count.
func TestPlanWaveLimit(t *testing.T) {
	var tasks []*Task
	var edges []DependencyEdge
	for i := 0; i < 5; i++ {
		tasks = append(tasks, task(fmt.Sprintf("T%d", i), P2, int64(i)))
		if i > 0 {
			edges = append(edges, dependsOn(fmt.Sprintf("T%d", i), fmt.Sprintf("T%d", i-1)))
		}
	}

	_, err := NewGraph(tasks, edges).Plan(PlanOptions{MaxWaves: 3})
	var limitErr *WaveLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected WaveLimitError, got %v", err)
	}
	if limitErr.TaskID != "T3" {
		t.Errorf("WaveLimitError.TaskID = %q, want T3", limitErr.TaskID)
	}
}

// randomDAG builds an acyclic graph by only pointing edges at lower indices.
func randomDAG(r *rand.Rand, n int) ([]*Task, []DependencyEdge) {
	tasks := make([]*Task, n)
	var edges []DependencyEdge
	for i := 0; i < n; i++ {
		tasks[i] = task(fmt.Sprintf("t%03d", i), Priority(r.Intn(4)), int64(i))
		for j := 0; j < i; j++ {
			if r.Float64() < 0.15 {
				edges = append(edges, dependsOn(tasks[i].ID, tasks[j].ID))
			}
		}
	}
	return tasks, edges
}

// TestPlanDependentsAfterPrerequisites checks wave(t) > wave(d) on random DAGs.
func TestPlanDependentsAfterPrerequisites(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		tasks, edges := randomDAG(r, 30)
		plan, err := NewGraph(tasks, edges).Plan(PlanOptions{MaxWaves: 50})
		if err != nil {
			t.Fatalf("round %d: Plan() error = %v", round, err)
		}
		for _, e := range edges {
			if plan.Waves[e.Source] <= plan.Waves[e.Target] {
				t.Fatalf("round %d: wave(%s)=%d not after wave(%s)=%d",
					round, e.Source, plan.Waves[e.Source], e.Target, plan.Waves[e.Target])
			}
		}
	}
}

// TestPlanIdempotent checks that re-planning identical input is identical.
func TestPlanIdempotent(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	tasks, edges := randomDAG(r, 40)

	first, err := NewGraph(tasks, edges).Plan(PlanOptions{MaxWaves: 50})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	// Shuffle input order; output must not change.
	shuffled := append([]*Task(nil), tasks...)
	r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	second, err := NewGraph(shuffled, edges).Plan(PlanOptions{MaxWaves: 50})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	if !reflect.DeepEqual(first.Waves, second.Waves) || !reflect.DeepEqual(first.Lanes, second.Lanes) {
		t.Fatal("re-plan produced different waves or lanes")
	}
	for w := 1; w <= first.WaveCount(); w++ {
		if !reflect.DeepEqual(first.Wave(w), second.Wave(w)) {
			t.Errorf("wave %d order differs: %v vs %v", w, first.Wave(w), second.Wave(w))
		}
	}
}

// TestValidateEdge tests edge-insert cycle rejection.
func TestValidateEdge(t *testing.T) {
	existing := []DependencyEdge{dependsOn("A", "B"), dependsOn("B", "C")}

	tests := []struct {
		name      string
		candidate DependencyEdge
		wantPath  []string
	}{
		{name: "closing edge", candidate: dependsOn("C", "A"), wantPath: []string{"C", "A", "B", "C"}},
		{name: "self loop", candidate: dependsOn("A", "A"), wantPath: []string{"A", "A"}},
		{name: "blocks closing edge", candidate: DependencyEdge{Source: "A", Target: "C", Kind: EdgeBlocks}, wantPath: []string{"C", "A", "B", "C"}},
		{name: "forward edge is fine", candidate: dependsOn("A", "C")},
		{name: "descriptive edge is fine", candidate: DependencyEdge{Source: "C", Target: "A", Kind: EdgeRelatesTo}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEdge(existing, tt.candidate)
			if tt.wantPath == nil {
				if err != nil {
					t.Fatalf("ValidateEdge() error = %v, want nil", err)
				}
				return
			}
			var cycleErr *DependencyCycleError
			if !errors.As(err, &cycleErr) {
				t.Fatalf("expected DependencyCycleError, got %v", err)
			}
			if !reflect.DeepEqual(cycleErr.Path, tt.wantPath) {
				t.Errorf("path = %v, want %v", cycleErr.Path, tt.wantPath)
			}
		})
	}
}

// TestCheckAcyclic verifies whole-graph validation.
func TestCheckAcyclic(t *testing.T) {
	if err := CheckAcyclic([]DependencyEdge{dependsOn("B", "A"), dependsOn("C", "B")}); err != nil {
		t.Fatalf("CheckAcyclic() on chain = %v", err)
	}

	err := CheckAcyclic([]DependencyEdge{dependsOn("B", "A"), dependsOn("C", "B"), dependsOn("A", "C")})
	var cycleErr *DependencyCycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected DependencyCycleError, got %v", err)
	}
	if len(cycleErr.Path) != 4 || cycleErr.Path[0] != cycleErr.Path[3] {
		t.Errorf("cycle path = %v, want closed path of 3 tasks", cycleErr.Path)
	}
}
