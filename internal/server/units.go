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

type unitOutput struct {
	Body UnitResponse `json:"body"`
}

type unitsOutput struct {
	Body paginatedUnits `json:"body"`
}

func unitKey(u domain.TaskUnit) (time.Time, uuid.UUID) { return u.CreatedAt, u.ID }

func registerUnits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-unit",
		Method:      http.MethodGet,
		Path:        "/units/{id}",
		Summary:     "Get unit",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID             string `path:"id"`
		IncludeRemoved bool   `query:"include_removed"`
	}) (*unitOutput, error) {
		id, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		u, err := e.GetUnit(ctx, id, input.IncludeRemoved)
		if err != nil {
			return nil, handleError(err)
		}
		return &unitOutput{Body: unitResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-unit",
		Method:      http.MethodPatch,
		Path:        "/units/{id}",
		Summary:     "Update unit",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateUnitRequest `json:"body"`
	}) (*unitOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		u, err := e.UpdateUnit(ctx, engine.UnitUpdateOptions{
			ID:           id,
			Stamp:        input.Body.ConcurrencyStamp,
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
		OperationID: "set-unit-state",
		Method:      http.MethodPost,
		Path:        "/units/{id}/state",
		Summary:     "Move a unit through its lifecycle",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body SetStateRequest `json:"body"`
	}) (*unitOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		u, err := e.SetUnitState(ctx, engine.StateOptions{ID: id, Stamp: input.Body.ConcurrencyStamp, State: input.Body.State, ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &unitOutput{Body: unitResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-unit",
		Method:      http.MethodDelete,
		Path:        "/units/{id}",
		Summary:     "Remove a unit (soft) or delete it with its targets (hard=true)",
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
			counts, err = e.DeleteUnit(ctx, opts)
		} else {
			counts, err = e.RemoveUnit(ctx, opts)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &deleteOutput{Body: deleteResponse(counts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unit-progress",
		Method:      http.MethodGet,
		Path:        "/units/{id}/progress",
		Summary:     "Count a unit's targets by state",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*progressOutput, error) {
		id, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		p, err := e.UnitProgress(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &progressOutput{Body: progressResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rollup-unit",
		Method:      http.MethodPost,
		Path:        "/units/{id}/rollup",
		Summary:     "Derive a unit's state from its targets",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*unitOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		u, _, err := e.RollupUnit(ctx, id, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &unitOutput{Body: unitResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "eligible-agents",
		Method:      http.MethodGet,
		Path:        "/units/{id}/eligible-agents",
		Summary:     "Agents allowed to work a unit",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*agentListOutput, error) {
		id, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		items, err := e.EligibleAgents(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &agentListOutput{Body: mapAgents(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-target",
		Method:        http.MethodPost,
		Path:          "/units/{id}/targets",
		Summary:       "Add a target to a unit",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body CreateTargetRequest `json:"body"`
	}) (*targetOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		unitID, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		targetID, perr := parseOptionalID("body.id", input.Body.ID)
		if perr != nil {
			return nil, perr
		}
		t, err := e.CreateTarget(ctx, engine.TargetCreateOptions{
			ID:          targetID,
			UnitID:      unitID,
			TargetName:  input.Body.TargetName,
			TargetCode:  input.Body.TargetCode,
			DesignCode:  input.Body.DesignCode,
			TargetType:  input.Body.TargetType,
			TargetID:    input.Body.TargetID,
			Description: input.Body.Description,
			Partition:   input.Body.Partition,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &targetOutput{Body: targetResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-unit-targets",
		Method:      http.MethodGet,
		Path:        "/units/{id}/targets",
		Summary:     "List a unit's targets",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID             string `path:"id"`
		State          string `query:"state"`
		TargetType     string `query:"target_type"`
		IncludeRemoved bool   `query:"include_removed"`
		Limit          int    `query:"limit" default:"50"`
		Cursor         string `query:"cursor"`
	}) (*targetsOutput, error) {
		unitID, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		limit := normalizeLimit(input.Limit)
		lf, ferr := listFilter(-1, input.IncludeRemoved, limit, input.Cursor)
		if ferr != nil {
			return nil, ferr
		}
		items, err := e.ListTargets(ctx, repo.TargetFilters{ListFilter: lf, UnitID: unitID.String(), State: input.State, TargetType: input.TargetType})
		if err != nil {
			return nil, handleError(err)
		}
		items, next := page(items, limit, targetKey)
		return &targetsOutput{Body: paginatedTargets{Items: mapTargets(items), NextCursor: next}}, nil
	})

	registerAssignments(api, "/units/{id}/agents", "unit", e.UnitAgents, e.AssignUnitAgent, e.UnassignUnitAgent)
}
