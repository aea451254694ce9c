package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"taskgrid/internal/domain"
	"taskgrid/internal/engine"
)

type targetOutput struct {
	Body TargetResponse `json:"body"`
}

type targetsOutput struct {
	Body paginatedTargets `json:"body"`
}

func targetKey(t domain.TaskTarget) (time.Time, uuid.UUID) { return t.CreatedAt, t.ID }

func registerTargets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-target",
		Method:      http.MethodGet,
		Path:        "/targets/{id}",
		Summary:     "Get target",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID             string `path:"id"`
		IncludeRemoved bool   `query:"include_removed"`
	}) (*targetOutput, error) {
		id, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		t, err := e.GetTarget(ctx, id, input.IncludeRemoved)
		if err != nil {
			return nil, handleError(err)
		}
		return &targetOutput{Body: targetResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-target",
		Method:      http.MethodPatch,
		Path:        "/targets/{id}",
		Summary:     "Update target",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body UpdateTargetRequest `json:"body"`
	}) (*targetOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		t, err := e.UpdateTarget(ctx, engine.TargetUpdateOptions{
			ID:          id,
			Stamp:       input.Body.ConcurrencyStamp,
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
		OperationID: "execute-target",
		Method:      http.MethodPost,
		Path:        "/targets/{id}/execute",
		Summary:     "Record the first execution attempt",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body StampRequest `json:"body"`
	}) (*targetOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		t, err := e.ExecuteTarget(ctx, engine.TargetAttemptOptions{ID: id, Stamp: input.Body.ConcurrencyStamp, ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &targetOutput{Body: targetResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-target",
		Method:      http.MethodPost,
		Path:        "/targets/{id}/result",
		Summary:     "Record a target result",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body TargetResultRequest `json:"body"`
	}) (*targetOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		t, err := e.CompleteTarget(ctx, engine.TargetResultOptions{
			ID:      id,
			Stamp:   input.Body.ConcurrencyStamp,
			State:   input.Body.State,
			Status:  input.Body.Status,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &targetOutput{Body: targetResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-target",
		Method:        http.MethodDelete,
		Path:          "/targets/{id}",
		Summary:       "Remove a target (soft) or delete it (hard=true)",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Stamp string `query:"stamp"`
		Hard  bool   `query:"hard"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		opts := engine.DeleteOptions{ID: id, Stamp: input.Stamp, ActorID: actorID}
		var err error
		if input.Hard {
			err = e.DeleteTarget(ctx, opts)
		} else {
			err = e.RemoveTarget(ctx, opts)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
