package scheduler

// CanTransition reports whether a task may move from one status to another.
//
// pending is the initial state. The scheduler moves pending to in_progress
// on claim and in_progress to completed, back to pending (retry) or to failed
// (terminal). Intake may park pending tasks as blocked or ready, or skip them.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case TaskPending:
		switch to {
		case TaskInProgress, TaskSkipped, TaskBlocked, TaskReady:
			return true
		}
	case TaskReady:
		switch to {
		case TaskPending, TaskSkipped, TaskBlocked:
			return true
		}
	case TaskBlocked:
		switch to {
		case TaskPending, TaskSkipped:
			return true
		}
	case TaskInProgress:
		switch to {
		case TaskCompleted, TaskPending, TaskFailed:
			return true
		}
	case TaskCompleted, TaskFailed, TaskSkipped:
		return false
	}
	return false
}

// CheckTransition returns an InvalidTransitionError when CanTransition is false.
func CheckTransition(taskID string, from, to TaskStatus) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{TaskID: taskID, From: from, To: to}
	}
	return nil
}
