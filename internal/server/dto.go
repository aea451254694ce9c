package server

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"taskgrid/internal/domain"
	"taskgrid/internal/repo"
)

// Request payloads

type CreateAgentRequest struct {
	ID        *string `json:"id,omitempty"`
	AgentName string  `json:"agent_name"`
	AgentType string  `json:"agent_type"`
	AgentCode string  `json:"agent_code"`
	Partition int     `json:"partition,omitempty" minimum:"0"`
}

type UpdateAgentRequest struct {
	ConcurrencyStamp string  `json:"concurrency_stamp"`
	AgentName        *string `json:"agent_name,omitempty"`
	AgentType        *string `json:"agent_type,omitempty"`
	AgentCode        *string `json:"agent_code,omitempty"`
	Partition        *int    `json:"partition,omitempty"`
}

type CreateTaskRequest struct {
	ID          *string `json:"id,omitempty"`
	ParentID    *string `json:"parent_id,omitempty"`
	TaskName    string  `json:"task_name"`
	TaskCode    string  `json:"task_code,omitempty"`
	DesignCode  string  `json:"design_code,omitempty"`
	TaskShip    string  `json:"task_ship,omitempty" enum:"system,user,imported"`
	TaskMode    string  `json:"task_mode,omitempty" enum:"immediate,scheduled,manual"`
	Description string  `json:"description,omitempty"`
	StartTime   *string `json:"start_time,omitempty" format:"date-time"`
	Partition   int     `json:"partition,omitempty" minimum:"0"`
}

type UpdateTaskRequest struct {
	ConcurrencyStamp string  `json:"concurrency_stamp"`
	TaskName         *string `json:"task_name,omitempty"`
	TaskCode         *string `json:"task_code,omitempty"`
	DesignCode       *string `json:"design_code,omitempty"`
	TaskShip         *string `json:"task_ship,omitempty" enum:"system,user,imported"`
	TaskMode         *string `json:"task_mode,omitempty" enum:"immediate,scheduled,manual"`
	Description      *string `json:"description,omitempty"`
	StartTime        *string `json:"start_time,omitempty" format:"date-time"`
	ParentID         *string `json:"parent_id,omitempty"`
	ClearParent      bool    `json:"clear_parent,omitempty"`
	Partition        *int    `json:"partition,omitempty"`
}

type SetStateRequest struct {
	ConcurrencyStamp string `json:"concurrency_stamp"`
	State            string `json:"state"`
}

type StampRequest struct {
	ConcurrencyStamp string `json:"concurrency_stamp"`
}

type CreateUnitRequest struct {
	ID           *string `json:"id,omitempty"`
	UnitName     string  `json:"unit_name"`
	UnitCode     string  `json:"unit_code,omitempty"`
	DesignCode   string  `json:"design_code,omitempty"`
	TaskUnitMode string  `json:"task_unit_mode,omitempty" enum:"sequential,parallel"`
	Description  string  `json:"description,omitempty"`
	Partition    int     `json:"partition,omitempty" minimum:"0"`
}

type UpdateUnitRequest struct {
	ConcurrencyStamp string  `json:"concurrency_stamp"`
	UnitName         *string `json:"unit_name,omitempty"`
	UnitCode         *string `json:"unit_code,omitempty"`
	DesignCode       *string `json:"design_code,omitempty"`
	TaskUnitMode     *string `json:"task_unit_mode,omitempty" enum:"sequential,parallel"`
	Description      *string `json:"description,omitempty"`
	Partition        *int    `json:"partition,omitempty"`
}

type CreateTargetRequest struct {
	ID          *string `json:"id,omitempty"`
	TargetName  string  `json:"target_name"`
	TargetCode  string  `json:"target_code,omitempty"`
	DesignCode  string  `json:"design_code,omitempty"`
	TargetType  string  `json:"target_type"`
	TargetID    string  `json:"target_id"`
	Description string  `json:"description,omitempty"`
	Partition   int     `json:"partition,omitempty" minimum:"0"`
}

type UpdateTargetRequest struct {
	ConcurrencyStamp string  `json:"concurrency_stamp"`
	TargetName       *string `json:"target_name,omitempty"`
	TargetCode       *string `json:"target_code,omitempty"`
	DesignCode       *string `json:"design_code,omitempty"`
	TargetType       *string `json:"target_type,omitempty"`
	TargetID         *string `json:"target_id,omitempty"`
	Description      *string `json:"description,omitempty"`
	Partition        *int    `json:"partition,omitempty"`
}

type TargetResultRequest struct {
	ConcurrencyStamp string `json:"concurrency_stamp"`
	State            string `json:"state" enum:"succeeded,failed,skipped"`
	Status           string `json:"status,omitempty" enum:"none,ok,error,timeout,rejected"`
}

type AssignRequest struct {
	AgentID string `json:"agent_id"`
}

// Responses

type AuditResponse struct {
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
	DeletedAt        *string `json:"deleted_at,omitempty" format:"date-time"`
	CreateBy         string  `json:"create_by"`
	ModifyBy         string  `json:"modify_by"`
	RemoveBy         *string `json:"remove_by,omitempty"`
	ConcurrencyStamp string  `json:"concurrency_stamp"`
	Partition        int     `json:"partition"`
}

type AgentResponse struct {
	ID        string `json:"id"`
	AgentName string `json:"agent_name"`
	AgentType string `json:"agent_type"`
	AgentCode string `json:"agent_code"`
	AuditResponse
}

type TaskResponse struct {
	ID          string  `json:"id"`
	ParentID    *string `json:"parent_id,omitempty"`
	TaskName    string  `json:"task_name"`
	TaskCode    string  `json:"task_code,omitempty"`
	DesignCode  string  `json:"design_code,omitempty"`
	TaskShip    string  `json:"task_ship"`
	TaskMode    string  `json:"task_mode"`
	TaskState   string  `json:"task_state"`
	Description string  `json:"description,omitempty"`
	StartTime   string  `json:"start_time" format:"date-time"`
	EndTime     *string `json:"end_time,omitempty" format:"date-time"`
	AuditResponse
}

type UnitResponse struct {
	ID            string  `json:"id"`
	TaskID        string  `json:"task_id"`
	UnitName      string  `json:"unit_name"`
	UnitCode      string  `json:"unit_code,omitempty"`
	DesignCode    string  `json:"design_code,omitempty"`
	TaskUnitState string  `json:"task_unit_state"`
	TaskUnitMode  string  `json:"task_unit_mode"`
	Description   string  `json:"description,omitempty"`
	StartTime     *string `json:"start_time,omitempty" format:"date-time"`
	EndTime       *string `json:"end_time,omitempty" format:"date-time"`
	AuditResponse
}

type TargetResponse struct {
	ID          string  `json:"id"`
	TaskUnitID  string  `json:"task_unit_id"`
	TargetName  string  `json:"target_name"`
	TargetCode  string  `json:"target_code,omitempty"`
	DesignCode  string  `json:"design_code,omitempty"`
	TargetType  string  `json:"target_type"`
	TargetID    string  `json:"target_id"`
	TargetState string  `json:"target_state"`
	TaskStatus  string  `json:"task_status"`
	Description string  `json:"description,omitempty"`
	ExecuteTime *string `json:"execute_time,omitempty" format:"date-time"`
	AuditResponse
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Partition  int            `json:"partition"`
	Payload    map[string]any `json:"payload"`
}

type DeleteResponse struct {
	Tasks       int `json:"tasks"`
	Units       int `json:"units"`
	Targets     int `json:"targets"`
	Assignments int `json:"assignments"`
}

type AssignResponse struct {
	Created bool `json:"created"`
}

type ProgressResponse struct {
	Total   int            `json:"total"`
	ByState map[string]int `json:"by_state"`
}

type paginatedAgents struct {
	Items      []AgentResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedUnits struct {
	Items      []UnitResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedTargets struct {
	Items      []TargetResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func auditResponse(a domain.Audit) AuditResponse {
	return AuditResponse{
		CreatedAt:        formatTime(a.CreatedAt),
		UpdatedAt:        formatTime(a.UpdatedAt),
		DeletedAt:        formatTimePtr(a.DeletedAt),
		CreateBy:         a.CreateBy,
		ModifyBy:         a.ModifyBy,
		RemoveBy:         a.RemoveBy,
		ConcurrencyStamp: a.ConcurrencyStamp,
		Partition:        a.Partition,
	}
}

func agentResponse(a domain.Agent) AgentResponse {
	return AgentResponse{
		ID:            a.ID.String(),
		AgentName:     a.AgentName,
		AgentType:     a.AgentType,
		AgentCode:     a.AgentCode,
		AuditResponse: auditResponse(a.Audit),
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:            t.ID.String(),
		ParentID:      uuidPtrString(t.ParentID),
		TaskName:      t.TaskName,
		TaskCode:      t.TaskCode,
		DesignCode:    t.DesignCode,
		TaskShip:      string(t.TaskShip),
		TaskMode:      string(t.TaskMode),
		TaskState:     string(t.TaskState),
		Description:   t.Description,
		StartTime:     formatTime(t.StartTime),
		EndTime:       formatTimePtr(t.EndTime),
		AuditResponse: auditResponse(t.Audit),
	}
}

func unitResponse(u domain.TaskUnit) UnitResponse {
	return UnitResponse{
		ID:            u.ID.String(),
		TaskID:        u.TaskID.String(),
		UnitName:      u.UnitName,
		UnitCode:      u.UnitCode,
		DesignCode:    u.DesignCode,
		TaskUnitState: string(u.TaskUnitState),
		TaskUnitMode:  string(u.TaskUnitMode),
		Description:   u.Description,
		StartTime:     formatTimePtr(u.StartTime),
		EndTime:       formatTimePtr(u.EndTime),
		AuditResponse: auditResponse(u.Audit),
	}
}

func targetResponse(t domain.TaskTarget) TargetResponse {
	return TargetResponse{
		ID:            t.ID.String(),
		TaskUnitID:    t.TaskUnitID.String(),
		TargetName:    t.TargetName,
		TargetCode:    t.TargetCode,
		DesignCode:    t.DesignCode,
		TargetType:    t.TargetType,
		TargetID:      t.TargetID,
		TargetState:   string(t.TargetState),
		TaskStatus:    string(t.TaskStatus),
		Description:   t.Description,
		ExecuteTime:   formatTimePtr(t.ExecuteTime),
		AuditResponse: auditResponse(t.Audit),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Partition:  e.Partition,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func deleteResponse(c repo.DeleteCounts) DeleteResponse {
	return DeleteResponse{Tasks: c.Tasks, Units: c.Units, Targets: c.Targets, Assignments: c.Assignment}
}

func progressResponse(p domain.Progress) ProgressResponse {
	return ProgressResponse{Total: p.Total, ByState: p.ByState}
}

func mapAgents(items []domain.Agent) []AgentResponse {
	out := make([]AgentResponse, 0, len(items))
	for _, a := range items {
		out = append(out, agentResponse(a))
	}
	return out
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func mapUnits(items []domain.TaskUnit) []UnitResponse {
	out := make([]UnitResponse, 0, len(items))
	for _, u := range items {
		out = append(out, unitResponse(u))
	}
	return out
}

func mapTargets(items []domain.TaskTarget) []TargetResponse {
	out := make([]TargetResponse, 0, len(items))
	for _, t := range items {
		out = append(out, targetResponse(t))
	}
	return out
}

// Formatting helpers

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func uuidPtrString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}
