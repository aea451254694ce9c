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

type agentOutput struct {
	Body AgentResponse `json:"body"`
}

type agentsOutput struct {
	Body paginatedAgents `json:"body"`
}

type agentListOutput struct {
	Body []AgentResponse `json:"body"`
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func agentKey(a domain.Agent) (time.Time, uuid.UUID) { return a.CreatedAt, a.ID }

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register agent",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAgentRequest `json:"body"`
	}) (*agentOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, perr := parseOptionalID("id", input.Body.ID)
		if perr != nil {
			return nil, perr
		}
		a, err := e.RegisterAgent(ctx, engine.AgentCreateOptions{
			ID:        id,
			AgentName: input.Body.AgentName,
			AgentType: input.Body.AgentType,
			AgentCode: input.Body.AgentCode,
			Partition: input.Body.Partition,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &agentOutput{Body: agentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AgentType      string `query:"agent_type"`
		Partition      int    `query:"partition" default:"-1"`
		IncludeRemoved bool   `query:"include_removed"`
		Limit          int    `query:"limit" default:"50"`
		Cursor         string `query:"cursor"`
	}) (*agentsOutput, error) {
		limit := normalizeLimit(input.Limit)
		lf, ferr := listFilter(input.Partition, input.IncludeRemoved, limit, input.Cursor)
		if ferr != nil {
			return nil, ferr
		}
		items, err := e.ListAgents(ctx, repo.AgentFilters{ListFilter: lf, AgentType: input.AgentType})
		if err != nil {
			return nil, handleError(err)
		}
		items, next := page(items, limit, agentKey)
		return &agentsOutput{Body: paginatedAgents{Items: mapAgents(items), NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID             string `path:"id"`
		IncludeRemoved bool   `query:"include_removed"`
	}) (*agentOutput, error) {
		id, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		a, err := e.GetAgent(ctx, id, input.IncludeRemoved)
		if err != nil {
			return nil, handleError(err)
		}
		return &agentOutput{Body: agentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent-by-code",
		Method:      http.MethodGet,
		Path:        "/agents/by-code/{code}",
		Summary:     "Resolve a live agent by code",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Code string `path:"code"`
	}) (*agentOutput, error) {
		a, err := e.AgentByCode(ctx, input.Code)
		if err != nil {
			return nil, handleError(err)
		}
		return &agentOutput{Body: agentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-agent",
		Method:      http.MethodPatch,
		Path:        "/agents/{id}",
		Summary:     "Update agent",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body UpdateAgentRequest `json:"body"`
	}) (*agentOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, perr := parseID("id", input.ID)
		if perr != nil {
			return nil, perr
		}
		a, err := e.UpdateAgent(ctx, engine.AgentUpdateOptions{
			ID:        id,
			Stamp:     input.Body.ConcurrencyStamp,
			AgentName: input.Body.AgentName,
			AgentType: input.Body.AgentType,
			AgentCode: input.Body.AgentCode,
			Partition: input.Body.Partition,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &agentOutput{Body: agentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-agent",
		Method:        http.MethodDelete,
		Path:          "/agents/{id}",
		Summary:       "Remove agent (soft) or delete it with its assignments (hard=true)",
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
			err = e.DeleteAgent(ctx, opts)
		} else {
			err = e.RemoveAgent(ctx, opts)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
