package domain

// DeriveUnitState rolls target states up into a unit state.
// ok is false when there is nothing to derive from.
func DeriveUnitState(targets []TargetState) (TaskUnitState, bool) {
	if len(targets) == 0 {
		return "", false
	}
	var pending, executing, failed, done int
	for _, s := range targets {
		switch s {
		case TargetPending:
			pending++
		case TargetExecuting:
			executing++
		case TargetFailed:
			failed++
		case TargetSucceeded, TargetSkipped:
			done++
		}
	}
	switch {
	case pending == len(targets):
		return UnitPending, true
	case pending == 0 && executing == 0 && failed > 0:
		return UnitFailed, true
	case done == len(targets):
		return UnitCompleted, true
	default:
		return UnitRunning, true
	}
}

// DeriveTaskState rolls unit states up into a task state.
func DeriveTaskState(units []TaskUnitState) (TaskState, bool) {
	if len(units) == 0 {
		return "", false
	}
	counts := map[TaskUnitState]int{}
	for _, s := range units {
		counts[s]++
	}
	n := len(units)
	switch {
	case counts[UnitFailed] > 0:
		return TaskFailed, true
	case counts[UnitCancelled] == n:
		return TaskCancelled, true
	case counts[UnitCompleted]+counts[UnitCancelled] == n:
		return TaskCompleted, true
	case counts[UnitRunning] > 0:
		return TaskRunning, true
	case counts[UnitPaused] > 0:
		return TaskPaused, true
	case counts[UnitCompleted] > 0:
		// some work finished, the rest not started
		return TaskRunning, true
	default:
		return TaskPending, true
	}
}

// CountTargets groups target states for progress reporting.
func CountTargets(states []TargetState) Progress {
	p := Progress{Total: len(states), ByState: map[string]int{}}
	for _, s := range states {
		p.ByState[string(s)]++
	}
	return p
}

func CountUnits(states []TaskUnitState) Progress {
	p := Progress{Total: len(states), ByState: map[string]int{}}
	for _, s := range states {
		p.ByState[string(s)]++
	}
	return p
}
