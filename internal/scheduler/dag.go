package scheduler

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"
)

// Graph is an arena-indexed dependency graph over the open tasks of a list.
// Node indices follow canonical order, so index order is also tie-break order.
type Graph struct {
	tasks      []*Task
	index      map[string]int
	prereqs    [][]int // node -> nodes it waits on
	dependents [][]int // node -> nodes waiting on it
}

// NewGraph builds a graph from tasks and edges. Terminal tasks are left out
// and count as met dependencies. Edges with an endpoint outside the arena, and
// non-scheduling edges, are ignored.
func NewGraph(tasks []*Task, edges []DependencyEdge) *Graph {
	open := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		if !t.Status.Terminal() {
			open = append(open, t)
		}
	}
	SortCanonical(open)

	g := &Graph{
		tasks:      open,
		index:      make(map[string]int, len(open)),
		prereqs:    make([][]int, len(open)),
		dependents: make([][]int, len(open)),
	}
	for i, t := range open {
		g.index[t.ID] = i
	}

	seen := make(map[[2]int]bool)
	for _, e := range edges {
		dep, pre, ok := e.Constraint()
		if !ok {
			continue
		}
		di, ok1 := g.index[dep]
		pi, ok2 := g.index[pre]
		if !ok1 || !ok2 || seen[[2]int{di, pi}] {
			continue
		}
		seen[[2]int{di, pi}] = true
		g.prereqs[di] = append(g.prereqs[di], pi)
		g.dependents[pi] = append(g.dependents[pi], di)
	}
	return g
}

// Len returns the number of tasks in the arena.
func (g *Graph) Len() int { return len(g.tasks) }

// Task returns the task with the given id, or nil.
func (g *Graph) Task(id string) *Task {
	if i, ok := g.index[id]; ok {
		return g.tasks[i]
	}
	return nil
}

// Prerequisites returns the ids a task waits on, in canonical order.
func (g *Graph) Prerequisites(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.ids(g.prereqs[i])
}

// Dependents returns the ids waiting on a task, in canonical order.
func (g *Graph) Dependents(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.ids(g.dependents[i])
}

func (g *Graph) ids(nodes []int) []string {
	sorted := append([]int(nil), nodes...)
	sort.Ints(sorted)
	out := make([]string, len(sorted))
	for i, n := range sorted {
		out[i] = g.tasks[n].ID
	}
	return out
}

// PlanOptions bounds a planning pass.
type PlanOptions struct {
	MaxWaves int
}

// Plan is the output of a planning pass.
type Plan struct {
	Waves     map[string]int  // task id -> wave number (1-based)
	Lanes     map[string]Lane // task id -> lane
	Unplanned []string        // tasks on or downstream of a cycle
	order     []string        // planned task ids in canonical order
}

// WaveCount returns the highest wave number in the plan.
func (p *Plan) WaveCount() int {
	n := 0
	for _, w := range p.Waves {
		if w > n {
			n = w
		}
	}
	return n
}

// Wave returns the task ids in wave n, in canonical order.
func (p *Plan) Wave(n int) []string {
	var out []string
	for _, id := range p.order {
		if p.Waves[id] == n {
			out = append(out, id)
		}
	}
	return out
}

// Plan computes wave numbers with Kahn's algorithm over an explicit worklist.
// When the graph contains a cycle the returned plan covers every task not on
// or downstream of it, and the error is a *DependencyCycleError.
func (g *Graph) Plan(opts PlanOptions) (*Plan, error) {
	n := len(g.tasks)
	indeg := make([]int, n)
	wave := make([]int, n)
	for i := range g.tasks {
		indeg[i] = len(g.prereqs[i])
	}

	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indeg[i] == 0 {
			queue = append(queue, i)
		}
	}

	done := make([]bool, n)
	for head := 0; head < len(queue); head++ {
		i := queue[head]
		w := 1
		for _, p := range g.prereqs[i] {
			if wave[p]+1 > w {
				w = wave[p] + 1
			}
		}
		if opts.MaxWaves > 0 && w > opts.MaxWaves {
			return nil, &WaveLimitError{Limit: opts.MaxWaves, TaskID: g.tasks[i].ID}
		}
		wave[i] = w
		done[i] = true
		for _, d := range g.dependents[i] {
			indeg[d]--
			if indeg[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	plan := &Plan{
		Waves: make(map[string]int, n),
		Lanes: make(map[string]Lane, n),
	}
	for i, t := range g.tasks {
		if !done[i] {
			plan.Unplanned = append(plan.Unplanned, t.ID)
			continue
		}
		plan.Waves[t.ID] = wave[i]
		plan.Lanes[t.ID] = ClassifyLane(t.Category)
		plan.order = append(plan.order, t.ID)
	}

	if len(plan.Unplanned) > 0 {
		return plan, &DependencyCycleError{Path: g.cyclePath(done)}
	}
	return plan, nil
}

// cyclePath walks leftover prerequisites from the first unplanned node until a
// node repeats. Every leftover node has at least one leftover prerequisite, so
// the walk always closes a cycle.
func (g *Graph) cyclePath(done []bool) []string {
	start := -1
	for i := range g.tasks {
		if !done[i] {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	pos := make(map[int]int)
	var walk []int
	cur := start
	for {
		if at, ok := pos[cur]; ok {
			cycle := append(walk[at:], cur)
			return g.idList(cycle)
		}
		pos[cur] = len(walk)
		walk = append(walk, cur)
		next := -1
		for _, p := range g.prereqs[cur] {
			if !done[p] {
				next = p
				break
			}
		}
		if next < 0 {
			return g.idList(walk)
		}
		cur = next
	}
}

func (g *Graph) idList(nodes []int) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = g.tasks[n].ID
	}
	return out
}

// CheckAcyclic validates the scheduling subgraph formed by edges.
func CheckAcyclic(edges []DependencyEdge) error {
	var topo []toposort.Edge
	for _, e := range edges {
		dep, pre, ok := e.Constraint()
		if !ok {
			continue
		}
		if dep == pre {
			return &DependencyCycleError{Path: []string{dep, dep}}
		}
		topo = append(topo, toposort.Edge{pre, dep})
	}
	if len(topo) == 0 {
		return nil
	}
	if _, err := toposort.Toposort(topo); err == nil {
		return nil
	}

	// Name the cycle: re-add edges one at a time until one closes a loop.
	var accepted []DependencyEdge
	for _, e := range edges {
		if _, _, ok := e.Constraint(); !ok {
			continue
		}
		if err := ValidateEdge(accepted, e); err != nil {
			return err
		}
		accepted = append(accepted, e)
	}
	return &DependencyCycleError{}
}

// ValidateEdge reports whether adding candidate to existing would close a cycle
// in the scheduling subgraph. The returned path starts and ends at the
// candidate's dependent.
func ValidateEdge(existing []DependencyEdge, candidate DependencyEdge) error {
	dep, pre, ok := candidate.Constraint()
	if !ok {
		return nil
	}
	if dep == pre {
		return &DependencyCycleError{Path: []string{dep, dep}}
	}

	waitsOn := make(map[string][]string)
	for _, e := range existing {
		if d, p, ok := e.Constraint(); ok {
			waitsOn[d] = append(waitsOn[d], p)
		}
	}

	// BFS from the prerequisite along "waits on" links looking for dep.
	parent := map[string]string{pre: ""}
	queue := []string{pre}
	for head := 0; head < len(queue); head++ {
		cur := queue[head]
		if cur == dep {
			path := []string{}
			for n := cur; n != ""; n = parent[n] {
				path = append(path, n)
			}
			// path is dep ... pre; reverse to pre ... dep, then prefix dep.
			for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
				path[i], path[j] = path[j], path[i]
			}
			return &DependencyCycleError{Path: append([]string{dep}, path...)}
		}
		for _, next := range waitsOn[cur] {
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = cur
			queue = append(queue, next)
		}
	}
	return nil
}

// Describe renders a plan for logs.
func (p *Plan) Describe() string {
	return fmt.Sprintf("%d tasks in %d waves, %d unplanned", len(p.Waves), p.WaveCount(), len(p.Unplanned))
}
