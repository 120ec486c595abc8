package scheduler

import (
	"fmt"
	"sort"
	"time"
)

// OpsConflict reports whether two operations on the same path are unsafe to
// run in parallel. Only READ/READ is safe.
func OpsConflict(a, b FileOperation) bool {
	return !(a == OpRead && b == OpRead)
}

// PairVerdict is the cached result of checking two tasks against each other.
// TaskA always sorts before TaskB.
type PairVerdict struct {
	TaskA    string
	TaskB    string
	Parallel bool
	Path     string // First conflicting path, empty when Parallel
	OpA      FileOperation
	OpB      FileOperation
}

// Reason renders the verdict for storage and logs.
func (v PairVerdict) Reason() string {
	if v.Parallel {
		return "no shared writes"
	}
	return fmt.Sprintf("%s: %s vs %s", v.Path, v.OpA, v.OpB)
}

// PairCache stores pair verdicts between planning passes. Implementations
// must only return entries that are still valid.
type PairCache interface {
	Lookup(a, b string) (PairVerdict, bool)
	Store(v PairVerdict)
}

// VerdictCache is an in-memory PairCache seeded from persisted entries. It
// remembers new verdicts so callers can write them back.
type VerdictCache struct {
	entries map[[2]string]PairVerdict
	added   []PairVerdict
}

// NewVerdictCache creates a cache holding seed.
func NewVerdictCache(seed []PairVerdict) *VerdictCache {
	c := &VerdictCache{entries: make(map[[2]string]PairVerdict, len(seed))}
	for _, v := range seed {
		c.entries[[2]string{v.TaskA, v.TaskB}] = v
	}
	return c
}

// Lookup returns the verdict for the unordered pair (a, b).
func (c *VerdictCache) Lookup(a, b string) (PairVerdict, bool) {
	if a > b {
		a, b = b, a
	}
	v, ok := c.entries[[2]string{a, b}]
	return v, ok
}

// Store records a verdict.
func (c *VerdictCache) Store(v PairVerdict) {
	c.entries[[2]string{v.TaskA, v.TaskB}] = v
	c.added = append(c.added, v)
}

// Added returns verdicts stored since creation.
func (c *VerdictCache) Added() []PairVerdict { return c.added }

// ConflictDetector finds same-wave file conflicts and pushes the later task of
// each conflicting pair into the next wave.
type ConflictDetector struct {
	impacts   map[string]map[string]FileOperation // task -> path -> effective op
	cache     PairCache
	pinned    map[string]bool
	maxShifts int
	maxWaves  int
}

// NewConflictDetector indexes impacts. A nil cache disables caching.
// maxShifts bounds the number of task moves in one Resolve call.
func NewConflictDetector(impacts []FileImpact, cache PairCache, maxShifts, maxWaves int) *ConflictDetector {
	d := &ConflictDetector{
		impacts:   make(map[string]map[string]FileOperation),
		cache:     cache,
		pinned:    make(map[string]bool),
		maxShifts: maxShifts,
		maxWaves:  maxWaves,
	}
	for _, fi := range impacts {
		paths, ok := d.impacts[fi.TaskID]
		if !ok {
			paths = make(map[string]FileOperation)
			d.impacts[fi.TaskID] = paths
		}
		paths[fi.Path] = strongerOp(paths[fi.Path], fi.Operation)
	}
	return d
}

// Pin marks tasks that already run in their wave. Resolve never moves a pinned
// task; it is kept ahead of every unpinned task of its wave.
func (d *ConflictDetector) Pin(taskIDs ...string) {
	for _, id := range taskIDs {
		d.pinned[id] = true
	}
}

// strongerOp keeps any write over a read so a task that both reads and
// writes a path is treated as a writer.
func strongerOp(cur, next FileOperation) FileOperation {
	rank := func(op FileOperation) int {
		switch op {
		case OpDelete:
			return 4
		case OpCreate:
			return 3
		case OpUpdate:
			return 2
		case OpRead:
			return 1
		}
		return 0
	}
	if rank(next) > rank(cur) {
		return next
	}
	return cur
}

// Check compares two tasks, consulting the cache first.
func (d *ConflictDetector) Check(a, b string) PairVerdict {
	if a > b {
		a, b = b, a
	}
	if d.cache != nil {
		if v, ok := d.cache.Lookup(a, b); ok {
			return v
		}
	}

	v := PairVerdict{TaskA: a, TaskB: b, Parallel: true}
	pa, pb := d.impacts[a], d.impacts[b]
	paths := make([]string, 0, len(pa))
	for p := range pa {
		if _, shared := pb[p]; shared {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	for _, p := range paths {
		if OpsConflict(pa[p], pb[p]) {
			v.Parallel = false
			v.Path = p
			v.OpA, v.OpB = pa[p], pb[p]
			break
		}
	}

	if d.cache != nil {
		d.cache.Store(v)
	}
	return v
}

// Resolve sweeps the plan's waves in ascending order. Within a wave tasks are
// visited in canonical order; a task that conflicts with one already kept moves
// to the next wave and its dependents are pushed so every dependent stays
// strictly after its prerequisites. Resolve mutates plan in place and returns
// one FileConflictError per move. Pinned tasks stay where they are, so an
// unpinned writer of the same path is the one that moves.
//
// Exceeding the shift cap or the wave cap returns a *PhaseExecutionError
// wrapping ErrConflictLoopExhausted along with the conflicts resolved so far.
func (d *ConflictDetector) Resolve(g *Graph, plan *Plan) ([]FileConflictError, error) {
	start := time.Now()
	var resolved []FileConflictError
	shifts := 0

	exhausted := func(format string, args ...any) error {
		return &PhaseExecutionError{
			Phase:   "conflict-resolution",
			Elapsed: time.Since(start),
			Err:     fmt.Errorf("%w: "+format, append([]any{ErrConflictLoopExhausted}, args...)...),
		}
	}

	for w := 1; w <= plan.WaveCount(); w++ {
		var kept []string
		for _, id := range d.pinnedFirst(plan.Wave(w)) {
			if d.pinned[id] {
				kept = append(kept, id)
				continue
			}
			var hit *PairVerdict
			var with string
			for _, k := range kept {
				if v := d.Check(k, id); !v.Parallel {
					hit, with = &v, k
					break
				}
			}
			if hit == nil {
				kept = append(kept, id)
				continue
			}

			shifts++
			if d.maxShifts > 0 && shifts > d.maxShifts {
				return resolved, exhausted("%d shifts", d.maxShifts)
			}
			if d.maxWaves > 0 && w+1 > d.maxWaves {
				return resolved, exhausted("task %s would exceed wave %d", id, d.maxWaves)
			}

			plan.Waves[id] = w + 1
			keptOp, movedOp := hit.OpA, hit.OpB
			if hit.TaskA != with {
				keptOp, movedOp = hit.OpB, hit.OpA
			}
			resolved = append(resolved, FileConflictError{
				Path:    hit.Path,
				Kept:    with,
				Moved:   id,
				KeptOp:  keptOp,
				MovedOp: movedOp,
				Wave:    w,
				NewWave: w + 1,
			})

			if err := d.pushDependents(g, plan, id); err != nil {
				return resolved, exhausted("%v", err)
			}
		}
	}
	return resolved, nil
}

// pinnedFirst reorders a wave so pinned tasks come first, each group keeping
// canonical order.
func (d *ConflictDetector) pinnedFirst(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if d.pinned[id] {
			out = append(out, id)
		}
	}
	for _, id := range ids {
		if !d.pinned[id] {
			out = append(out, id)
		}
	}
	return out
}

// pushDependents restores wave(dep) > wave(prereq) downstream of a moved task
// using an explicit worklist.
func (d *ConflictDetector) pushDependents(g *Graph, plan *Plan, moved string) error {
	work := []string{moved}
	for len(work) > 0 {
		cur := work[0]
		work = work[1:]
		for _, dep := range g.Dependents(cur) {
			w, planned := plan.Waves[dep]
			if !planned || d.pinned[dep] || w > plan.Waves[cur] {
				continue
			}
			next := plan.Waves[cur] + 1
			if d.maxWaves > 0 && next > d.maxWaves {
				return &WaveLimitError{Limit: d.maxWaves, TaskID: dep}
			}
			plan.Waves[dep] = next
			work = append(work, dep)
		}
	}
	return nil
}
