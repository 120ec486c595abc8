package scheduler

import "sort"

// Less is the canonical task order used for wave tie-breaks, in-wave order
// and claim selection: priority ascending, then creation sequence.
func Less(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}

// SortCanonical sorts tasks in place using Less.
func SortCanonical(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool { return Less(tasks[i], tasks[j]) })
}
