package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"taskgrid/internal/domain"
	"taskgrid/internal/engine"
	"taskgrid/internal/repo"
)

type taskOutput struct {
	Body TaskResponse `json:"body"`
}

type tasksOutput struct {
	Body paginatedTasks `json:"body"`
}

type deleteOutput struct {
	Body DeleteResponse `json:"body"`
}

type progressOutput struct {
	Body ProgressResponse `json:"body"`
}

type assignOutput struct {
	Body AssignResponse `json:"body"`
}

func taskKey(t domain.Task) (time.Time, uuid.UUID) { return t.CreatedAt, t.ID }

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, perr := parseOptionalID("id", input.Body.ID)
		if perr != nil {
			return nil, perr
		}
		start, perr := parseOptionalTime("start_time", input.Body.StartTime)
		if perr != nil {
			return nil, perr
		}
		opts := engine.TaskCreateOptions{
			ID:          id,
			TaskName:    input.Body.TaskName,
			TaskCode:    input.Body.TaskCode,
			DesignCode:  input.Body.DesignCode,
			TaskShip:    input.Body.TaskShip,
			TaskMode:    input.Body.TaskMode,
			Description: input.Body.Description,
			StartTime:   start,
			Partition:   input.Body.Partition,
			ActorID:     actorID,
		}
		if input.Body.ParentID != nil {
			parent, perr := parseID("parent_id", *input.Body.ParentID)
			if perr != nil {
				return nil, perr
			}
			opts.ParentID = &parent
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State          string `query:"state"`
		Mode           string `query:"mode"`
		Ship           string `query:"ship"`
		ParentID       string `query:"parent_id"`
		RootsOnly      bool   `query:"roots_only"`
		Partition      int    `query:"partition" default:"-1"`
		IncludeRemoved bool   `query:"include_removed"`
		Limit          int    `query:"limit" default:"50"`
		Cursor         string `query:"cursor"`
	}) (*tasksOutput, error) {
		limit := normalizeLimit(input.Limit)
		lf, ferr := listFilter(input.Partition, input.IncludeRemoved, limit, input.Cursor)
		if ferr != nil {
			return nil, ferr
		}
		items, err := e.ListTasks(ctx, repo.TaskFilters{
			ListFilter: lf,
			State:      input.State,
			Mode:       input.Mode,
			Ship:       input.Ship,
			ParentID:   input.ParentID,
			RootsOnly:  input.RootsOnly,
		})
		if err != nil {
			return nil, handleError(err)
		}
		items, next := page(items, limit, taskKey)
		return &tasksOutput{Body: paginatedTasks{Items: mapTasks(items), NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID             string `path:"id"`
		IncludeRemoved bool   `query:"include_removed"`
	}) (*taskOutput, error) {
		id, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		t, err := e.GetTask(ctx, id, input.IncludeRemoved)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		start, perr := parseOptionalTime("start_time", input.Body.StartTime)
		if perr != nil {
			return nil, perr
		}
		opts := engine.TaskUpdateOptions{
			ID:          id,
			Stamp:       input.Body.ConcurrencyStamp,
			TaskName:    input.Body.TaskName,
			TaskCode:    input.Body.TaskCode,
			DesignCode:  input.Body.DesignCode,
			TaskShip:    input.Body.TaskShip,
			TaskMode:    input.Body.TaskMode,
			Description: input.Body.Description,
			StartTime:   start,
			ClearParent: input.Body.ClearParent,
			Partition:   input.Body.Partition,
			ActorID:     actorID,
		}
		if input.Body.ParentID != nil && !input.Body.ClearParent {
			parent, perr := parseID("parent_id", *input.Body.ParentID)
			if perr != nil {
				return nil, perr
			}
			opts.ParentID = &parent
		}
		t, err := e.UpdateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-state",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/state",
		Summary:     "Move a task through its lifecycle",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body SetStateRequest `json:"body"`
	}) (*taskOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		t, err := e.SetTaskState(ctx, engine.StateOptions{ID: id, Stamp: input.Body.ConcurrencyStamp, State: input.Body.State, ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}",
		Summary:     "Remove a task (soft) or delete its whole subtree (hard=true)",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Stamp string `query:"stamp"`
		Hard  bool   `query:"hard"`
	}) (*deleteOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		opts := engine.DeleteOptions{ID: id, Stamp: input.Stamp, ActorID: actorID}
		var counts repo.DeleteCounts
		var err error
		if input.Hard {
			counts, err = e.DeleteTask(ctx, opts)
		} else {
			counts, err = e.RemoveTask(ctx, opts)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &deleteOutput{Body: deleteResponse(counts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-progress",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/progress",
		Summary:     "Count a task's units by state",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*progressOutput, error) {
		id, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		p, err := e.TaskProgress(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &progressOutput{Body: progressResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rollup-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/rollup",
		Summary:     "Derive a task's state from its units",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*taskOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		t, _, err := e.RollupTask(ctx, id, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-unit",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/units",
		Summary:       "Add a unit to a task",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body CreateUnitRequest `json:"body"`
	}) (*unitOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		taskID, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		unitID, perr := parseOptionalID("body.id", input.Body.ID)
		if perr != nil {
			return nil, perr
		}
		u, err := e.CreateUnit(ctx, engine.UnitCreateOptions{
			ID:           unitID,
			TaskID:       taskID,
			UnitName:     input.Body.UnitName,
			UnitCode:     input.Body.UnitCode,
			DesignCode:   input.Body.DesignCode,
			TaskUnitMode: input.Body.TaskUnitMode,
			Description:  input.Body.Description,
			Partition:    input.Body.Partition,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &unitOutput{Body: unitResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-units",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/units",
		Summary:     "List a task's units",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID             string `path:"id"`
		State          string `query:"state"`
		Mode           string `query:"mode"`
		IncludeRemoved bool   `query:"include_removed"`
		Limit          int    `query:"limit" default:"50"`
		Cursor         string `query:"cursor"`
	}) (*unitsOutput, error) {
		taskID, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		limit := normalizeLimit(input.Limit)
		lf, ferr := listFilter(-1, input.IncludeRemoved, limit, input.Cursor)
		if ferr != nil {
			return nil, ferr
		}
		items, err := e.ListUnits(ctx, repo.UnitFilters{ListFilter: lf, TaskID: taskID.String(), State: input.State, Mode: input.Mode})
		if err != nil {
			return nil, handleError(err)
		}
		items, next := page(items, limit, unitKey)
		return &unitsOutput{Body: paginatedUnits{Items: mapUnits(items), NextCursor: next}}, nil
	})

	registerAssignments(api, "/tasks/{id}/agents", "task", e.TaskAgents, e.AssignTaskAgent, e.UnassignTaskAgent)
}

// registerAssignments wires list/assign/unassign for one join table.
func registerAssignments(
	api huma.API,
	base, owner string,
	list func(context.Context, uuid.UUID, bool) ([]domain.Agent, error),
	assign func(context.Context, engine.AssignOptions) (bool, error),
	unassign func(context.Context, engine.AssignOptions) error,
) {
	huma.Register(api, huma.Operation{
		OperationID: "list-" + owner + "-agents",
		Method:      http.MethodGet,
		Path:        base,
		Summary:     "List agents assigned to a " + owner,
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID             string `path:"id"`
		IncludeRemoved bool   `query:"include_removed"`
	}) (*agentListOutput, error) {
		id, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		items, err := list(ctx, id, input.IncludeRemoved)
		if err != nil {
			return nil, handleError(err)
		}
		return &agentListOutput{Body: mapAgents(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-" + owner + "-agent",
		Method:      http.MethodPost,
		Path:        base,
		Summary:     "Assign an agent to a " + owner,
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AssignRequest `json:"body"`
	}) (*assignOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		agentID, perr := parseID("agent_id", input.Body.AgentID)
		if perr != nil {
			return nil, perr
		}
		created, err := assign(ctx, engine.AssignOptions{OwnerID: id, AgentID: agentID, ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &assignOutput{Body: AssignResponse{Created: created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "unassign-" + owner + "-agent",
		Method:        http.MethodDelete,
		Path:          base + "/{agent_id}",
		Summary:       "Remove an agent assignment from a " + owner,
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		AgentID string `path:"agent_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		agentID, perr := parseID("agent_id", input.AgentID)
		if perr != nil {
			return nil, perr
		}
		if err := unassign(ctx, engine.AssignOptions{OwnerID: id, AgentID: agentID, ActorID: actorID}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
