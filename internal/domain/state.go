package domain

import (
	"fmt"
	"strings"
)

type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskPaused    TaskState = "paused"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// TaskUnitState shares the task lifecycle.
type TaskUnitState string

const (
	UnitPending   TaskUnitState = "pending"
	UnitRunning   TaskUnitState = "running"
	UnitPaused    TaskUnitState = "paused"
	UnitCompleted TaskUnitState = "completed"
	UnitFailed    TaskUnitState = "failed"
	UnitCancelled TaskUnitState = "cancelled"
)

type TargetState string

const (
	TargetPending   TargetState = "pending"
	TargetExecuting TargetState = "executing"
	TargetSucceeded TargetState = "succeeded"
	TargetFailed    TargetState = "failed"
	TargetSkipped   TargetState = "skipped"
)

// TaskStatus is the result code reported with a target attempt.
type TaskStatus string

const (
	StatusNone     TaskStatus = "none"
	StatusOK       TaskStatus = "ok"
	StatusError    TaskStatus = "error"
	StatusTimeout  TaskStatus = "timeout"
	StatusRejected TaskStatus = "rejected"
)

type TaskMode string

const (
	ModeImmediate TaskMode = "immediate"
	ModeScheduled TaskMode = "scheduled"
	ModeManual    TaskMode = "manual"
)

type TaskUnitMode string

const (
	UnitSequential TaskUnitMode = "sequential"
	UnitParallel   TaskUnitMode = "parallel"
)

// TaskShip classifies where a task originates.
type TaskShip string

const (
	ShipSystem   TaskShip = "system"
	ShipUser     TaskShip = "user"
	ShipImported TaskShip = "imported"
)

var (
	taskStates    = []string{"pending", "running", "paused", "completed", "failed", "cancelled"}
	targetStates  = []string{"pending", "executing", "succeeded", "failed", "skipped"}
	taskStatuses  = []string{"none", "ok", "error", "timeout", "rejected"}
	taskModes     = []string{"immediate", "scheduled", "manual"}
	taskUnitModes = []string{"sequential", "parallel"}
	taskShips     = []string{"system", "user", "imported"}
)

func parseEnum(field, raw string, allowed []string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	for _, a := range allowed {
		if v == a {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %s %q (allowed: %s)", ErrInvalidArgument, field, raw, strings.Join(allowed, ","))
}

func ParseTaskState(s string) (TaskState, error) {
	v, err := parseEnum("task_state", s, taskStates)
	return TaskState(v), err
}

func ParseTaskUnitState(s string) (TaskUnitState, error) {
	v, err := parseEnum("task_unit_state", s, taskStates)
	return TaskUnitState(v), err
}

func ParseTargetState(s string) (TargetState, error) {
	v, err := parseEnum("target_state", s, targetStates)
	return TargetState(v), err
}

func ParseTaskStatus(s string) (TaskStatus, error) {
	v, err := parseEnum("task_status", s, taskStatuses)
	return TaskStatus(v), err
}

func ParseTaskMode(s string) (TaskMode, error) {
	v, err := parseEnum("task_mode", s, taskModes)
	return TaskMode(v), err
}

func ParseTaskUnitMode(s string) (TaskUnitMode, error) {
	v, err := parseEnum("task_unit_mode", s, taskUnitModes)
	return TaskUnitMode(v), err
}

func ParseTaskShip(s string) (TaskShip, error) {
	v, err := parseEnum("task_ship", s, taskShips)
	return TaskShip(v), err
}

// lifecycle transitions shared by tasks and units.
func lifecycleAllowed(from, to string) bool {
	switch from {
	case "pending":
		return to == "running" || to == "cancelled"
	case "running":
		return to == "paused" || to == "completed" || to == "failed" || to == "cancelled"
	case "paused":
		return to == "running" || to == "cancelled"
	case "failed":
		return to == "pending"
	}
	return false
}

// lifecyclePath lists the legal steps from one state to another, passing
// through running when to is not directly reachable. Nil means unreachable.
func lifecyclePath(from, to string) []string {
	switch {
	case lifecycleAllowed(from, to):
		return []string{to}
	case lifecycleAllowed(from, "running") && lifecycleAllowed("running", to):
		return []string{"running", to}
	}
	return nil
}

// TaskPath is the chain of legal task states leading from one state to another.
func TaskPath(from, to TaskState) []TaskState {
	var steps []TaskState
	for _, s := range lifecyclePath(string(from), string(to)) {
		steps = append(steps, TaskState(s))
	}
	return steps
}

func UnitPath(from, to TaskUnitState) []TaskUnitState {
	var steps []TaskUnitState
	for _, s := range lifecyclePath(string(from), string(to)) {
		steps = append(steps, TaskUnitState(s))
	}
	return steps
}

func lifecycleTerminal(s string) bool {
	return s == "completed" || s == "failed" || s == "cancelled"
}

func (s TaskState) Terminal() bool     { return lifecycleTerminal(string(s)) }
func (s TaskUnitState) Terminal() bool { return lifecycleTerminal(string(s)) }

func (s TargetState) Terminal() bool {
	return s == TargetSucceeded || s == TargetFailed || s == TargetSkipped
}

// CheckTaskTransition validates a task state change.
func CheckTaskTransition(from, to TaskState) error {
	if !lifecycleAllowed(string(from), string(to)) {
		return &TransitionError{Entity: "task", From: string(from), To: string(to)}
	}
	return nil
}

func CheckUnitTransition(from, to TaskUnitState) error {
	if !lifecycleAllowed(string(from), string(to)) {
		return &TransitionError{Entity: "task_unit", From: string(from), To: string(to)}
	}
	return nil
}

func CheckTargetTransition(from, to TargetState) error {
	ok := false
	switch from {
	case TargetPending:
		ok = to == TargetExecuting || to == TargetSkipped || to == TargetSucceeded || to == TargetFailed
	case TargetExecuting:
		ok = to == TargetSucceeded || to == TargetFailed
	}
	if !ok {
		return &TransitionError{Entity: "task_target", From: string(from), To: string(to)}
	}
	return nil
}
