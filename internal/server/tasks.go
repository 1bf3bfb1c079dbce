package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/sirupsen/logrus"

	"ladder/internal/app"
	"ladder/internal/authority"
	"ladder/internal/domain"
	"ladder/internal/engine"
	"ladder/internal/repo"
)

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
}

type taskPath struct {
	TaskID string `path:"task_id"`
}

type taskBody struct {
	Body domain.Task `json:"body"`
}

func registerAgents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, input *struct {
		Scope string `query:"scope" doc:"all, team:<manager> or role:<role>"`
	}) (*struct {
		Body listResponse[domain.Agent] `json:"body"`
	}, error) {
		agents := a.Directory.List()
		if input.Scope != "" {
			ids, err := a.Directory.Members(input.Scope)
			if err != nil {
				return nil, handleError(err)
			}
			agents = nil
			for _, id := range ids {
				if agent, err := a.Directory.Get(id); err == nil {
					agents = append(agents, agent)
				}
			}
		}
		return &struct {
			Body listResponse[domain.Agent] `json:"body"`
		}{Body: items(agents)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		agent, err := a.Directory.Get(input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: agent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-chain",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/chain",
		Summary:     "Chain of command from the agent's manager to the root",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body listResponse[domain.Agent] `json:"body"`
	}, error) {
		chain, err := a.Directory.ChainToRoot(input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.Agent] `json:"body"`
		}{Body: items(chain)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-ready-tasks",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/ready",
		Summary:     "Tasks the agent can pick up now",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body listResponse[domain.Task] `json:"body"`
	}, error) {
		tasks, err := a.Engine.ListReadyTasks(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.Task] `json:"body"`
		}{Body: items(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-agent-availability",
		Method:      http.MethodPut,
		Path:        "/agents/{agent_id}/availability",
		Summary:     "Mark an agent available or unavailable for new assignments",
		Description: "Allowed for the agent itself and anyone above it in the reporting chain.",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		Body    struct {
			Available bool `json:"available"`
		} `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, a.Directory)
		if authErr != nil {
			return nil, authErr
		}
		if !a.Directory.Exists(input.AgentID) {
			return nil, handleError(domain.NotFoundError{Kind: "agent", ID: input.AgentID})
		}
		if actor.ID != input.AgentID && !a.Directory.IsAncestor(actor.ID, input.AgentID) {
			return nil, handleError(domain.ForbiddenError{ActorID: actor.ID, Action: "change availability of " + input.AgentID})
		}
		if err := a.Directory.SetAvailability(input.AgentID, input.Body.Available); err != nil {
			return nil, handleError(err)
		}
		a.Log.WithFields(logrus.Fields{"agent_id": input.AgentID, "available": input.Body.Available, "actor": actor.ID}).Info("directory: availability changed")
		agent, err := a.Directory.Get(input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: agent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "authority-matrix",
		Method:      http.MethodGet,
		Path:        "/authority",
		Summary:     "Decision categories and their required levels",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body listResponse[authority.Rule] `json:"body"`
	}, error) {
		return &struct {
			Body listResponse[authority.Rule] `json:"body"`
		}{Body: items(a.Matrix.Rules())}, nil
	})
}

func registerTasks(api huma.API, a *app.App) {
	e := a.Engine

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*taskBody, error) {
		actor, authErr := actorFromContext(ctx, a.Directory)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		opts := engine.TaskCreateOptions{
			Type:          input.Body.Type,
			Category:      input.Body.Category,
			Title:         input.Body.Title,
			CreatorID:     actor.ID,
			Collaborators: input.Body.Collaborators,
			Priority:      input.Body.Priority,
			DueAt:         input.Body.DueAt,
			DependsOn:     input.Body.DependsOn,
			Context:       input.Body.Context,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.AssigneeID != nil {
			opts.AssigneeID = *input.Body.AssigneeID
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status"`
		AssigneeID string `query:"assignee_id"`
		CreatorID  string `query:"creator_id"`
		Category   string `query:"category"`
		Limit      int    `query:"limit" default:"100"`
	}) (*struct {
		Body listResponse[domain.Task] `json:"body"`
	}, error) {
		tasks, err := e.ListTasks(ctx, repo.TaskFilters{
			Status:     input.Status,
			AssigneeID: input.AssigneeID,
			CreatorID:  input.CreatorID,
			Category:   input.Category,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.Task] `json:"body"`
		}{Body: items(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-stats",
		Method:      http.MethodGet,
		Path:        "/tasks/stats",
		Summary:     "Task counts by status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		counts, err := e.TaskStats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: counts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
		t, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-trail",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/trail",
		Summary:     "Audit trail for a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body listResponse[EventResponse] `json:"body"`
	}, error) {
		if _, err := e.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		trail, err := a.Ledger.Trail(ctx, "task", input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(trail))
		for _, evt := range trail {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body listResponse[EventResponse] `json:"body"`
		}{Body: items(out)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/assign",
		Summary:     "Assign task; escalates when the caller lacks authority",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   AssignTaskRequest `json:"body"`
	}) (*taskBody, error) {
		actor, authErr := actorFromContext(ctx, a.Directory)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Assign(ctx, engine.AssignOptions{
			TaskID:     input.TaskID,
			AssigneeID: input.Body.AssigneeID,
			ActorID:    actor.ID,
			Version:    input.Body.Version,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task-status",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/status",
		Summary:     "Move a task through its lifecycle",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   UpdateStatusRequest `json:"body"`
	}) (*taskBody, error) {
		actor, authErr := actorFromContext(ctx, a.Directory)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UpdateStatus(ctx, engine.StatusUpdate{
			TaskID:   input.TaskID,
			Status:   domain.TaskStatus(input.Body.Status),
			ActorID:  actor.ID,
			Version:  input.Body.Version,
			Feedback: input.Body.Feedback,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/review",
		Summary:     "Approve or return submitted work",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   ReviewTaskRequest `json:"body"`
	}) (*taskBody, error) {
		actor, authErr := actorFromContext(ctx, a.Directory)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Review(ctx, engine.ReviewOptions{
			TaskID:     input.TaskID,
			ReviewerID: actor.ID,
			Approve:    input.Body.Approve,
			Feedback:   input.Body.Feedback,
			Version:    input.Body.Version,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escalate-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/escalate",
		Summary:     "Escalate a task up the caller's chain of command",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   EscalateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskEscalationResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, a.Directory)
		if authErr != nil {
			return nil, authErr
		}
		t, esc, err := e.Escalate(ctx, engine.EscalateOptions{
			TaskID:  input.TaskID,
			ActorID: actor.ID,
			Reason:  input.Body.Reason,
			Version: input.Body.Version,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskEscalationResponse `json:"body"`
		}{Body: TaskEscalationResponse{Task: t, Escalation: esc}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/cancel",
		Summary:     "Cancel a task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   CancelTaskRequest `json:"body"`
	}) (*taskBody, error) {
		actor, authErr := actorFromContext(ctx, a.Directory)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Cancel(ctx, engine.CancelOptions{
			TaskID:  input.TaskID,
			ActorID: actor.ID,
			Reason:  input.Body.Reason,
			Version: input.Body.Version,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: t}, nil
	})
}
