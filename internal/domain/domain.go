package domain

import (
	"time"

	"github.com/google/uuid"
)

type Agent struct {
	ID        uuid.UUID `json:"id"`
	AgentName string    `json:"agent_name"`
	AgentType string    `json:"agent_type"`
	AgentCode string    `json:"agent_code"`
	Audit
}

type Task struct {
	ID                 uuid.UUID  `json:"id"`
	ParentID           *uuid.UUID `json:"parent_id,omitempty"`
	TaskName           string     `json:"task_name"`
	NormalizedTaskName string     `json:"normalized_task_name"`
	TaskCode           string     `json:"task_code,omitempty"`
	DesignCode         string     `json:"design_code,omitempty"`
	TaskShip           TaskShip   `json:"task_ship"`
	TaskMode           TaskMode   `json:"task_mode"`
	TaskState          TaskState  `json:"task_state"`
	Description        string     `json:"description,omitempty"`
	StartTime          time.Time  `json:"start_time"`
	EndTime            *time.Time `json:"end_time,omitempty"`
	Audit
}

type TaskUnit struct {
	ID                 uuid.UUID     `json:"id"`
	TaskID             uuid.UUID     `json:"task_id"`
	UnitName           string        `json:"unit_name"`
	NormalizedUnitName string        `json:"normalized_unit_name"`
	UnitCode           string        `json:"unit_code,omitempty"`
	DesignCode         string        `json:"design_code,omitempty"`
	TaskUnitState      TaskUnitState `json:"task_unit_state"`
	TaskUnitMode       TaskUnitMode  `json:"task_unit_mode"`
	Description        string        `json:"description,omitempty"`
	StartTime          *time.Time    `json:"start_time,omitempty"`
	EndTime            *time.Time    `json:"end_time,omitempty"`
	Audit
}

type TaskTarget struct {
	ID          uuid.UUID   `json:"id"`
	TaskUnitID  uuid.UUID   `json:"task_unit_id"`
	TargetName  string      `json:"target_name"`
	TargetCode  string      `json:"target_code,omitempty"`
	DesignCode  string      `json:"design_code,omitempty"`
	TargetType  string      `json:"target_type"`
	TargetID    string      `json:"target_id"`
	TargetState TargetState `json:"target_state"`
	TaskStatus  TaskStatus  `json:"task_status"`
	Description string      `json:"description,omitempty"`
	ExecuteTime *time.Time  `json:"execute_time,omitempty"`
	Audit
}

// TaskAgent links an agent to a whole task.
type TaskAgent struct {
	TaskID  uuid.UUID `json:"task_id"`
	AgentID uuid.UUID `json:"agent_id"`
}

// TaskUnitAgent links an agent to one unit.
type TaskUnitAgent struct {
	TaskUnitID uuid.UUID `json:"task_unit_id"`
	AgentID    uuid.UUID `json:"agent_id"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Partition  int    `json:"partition"`
	Payload    string `json:"payload_json"`
}

// Progress counts children by state.
type Progress struct {
	Total   int            `json:"total"`
	ByState map[string]int `json:"by_state"`
}
