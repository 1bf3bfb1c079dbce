package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"ladder/internal/app"
	"ladder/internal/domain"
	"ladder/internal/engine"
	"ladder/internal/escalation"
	"ladder/internal/ledger"
	"ladder/internal/repo"
)

type escalationBody struct {
	Body domain.Escalation `json:"body"`
}

type decisionBody struct {
	Body domain.Decision `json:"body"`
}

func registerEscalations(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/escalations",
		Summary:     "List escalations",
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status"`
		HolderID  string `query:"holder_id"`
		OriginID  string `query:"origin_id"`
		TaskID    string `query:"task_id"`
		SessionID string `query:"session_id"`
		Category  string `query:"category"`
		Active    bool   `query:"active"`
		Limit     int    `query:"limit" default:"100"`
	}) (*struct {
		Body listResponse[domain.Escalation] `json:"body"`
	}, error) {
		list, err := a.Escalations.List(ctx, repo.EscalationFilters{
			Status:    input.Status,
			HolderID:  input.HolderID,
			OriginID:  input.OriginID,
			TaskID:    input.TaskID,
			SessionID: input.SessionID,
			Category:  input.Category,
			Active:    input.Active,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.Escalation] `json:"body"`
		}{Body: items(list)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-flags",
		Method:      http.MethodGet,
		Path:        "/escalations/flags",
		Summary:     "Categories repeatedly escalated by the same agent",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body listResponse[domain.ReviewFlag] `json:"body"`
	}, error) {
		flags, err := a.Escalations.Flags(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.ReviewFlag] `json:"body"`
		}{Body: items(flags)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-escalations",
		Method:      http.MethodPost,
		Path:        "/escalations/sweep",
		Summary:     "Advance escalations whose holder window has passed",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body escalation.SweepResult `json:"body"`
	}, error) {
		res, err := a.Escalations.Sweep(ctx, time.Now())
		if err != nil {
			return nil, handleError(err)
		}
		res.Advanced = nonNilSlice(res.Advanced)
		res.Unresolved = nonNilSlice(res.Unresolved)
		return &struct {
			Body escalation.SweepResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-escalation",
		Method:      http.MethodGet,
		Path:        "/escalations/{escalation_id}",
		Summary:     "Get escalation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EscalationID string `path:"escalation_id"`
	}) (*escalationBody, error) {
		esc, err := a.Escalations.Get(ctx, input.EscalationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &escalationBody{Body: esc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-escalation",
		Method:      http.MethodPost,
		Path:        "/escalations/{escalation_id}/resolve",
		Summary:     "Resolve an escalation as its holder or an ancestor with authority",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		EscalationID string                   `path:"escalation_id"`
		Body         ResolveEscalationRequest `json:"body"`
	}) (*decisionBody, error) {
		actor, authErr := actorFromContext(ctx, a.Directory)
		if authErr != nil {
			return nil, authErr
		}
		d, err := a.Escalations.Resolve(ctx, escalation.ResolveRequest{
			EscalationID: input.EscalationID,
			DeciderID:    actor.ID,
			Verdict:      input.Body.Verdict,
			Reasoning:    input.Body.Reasoning,
			Actions:      input.Body.Actions,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &decisionBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-escalation",
		Method:      http.MethodPost,
		Path:        "/escalations/{escalation_id}/advance",
		Summary:     "Pass an escalation to the holder's manager",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		EscalationID string                   `path:"escalation_id"`
		Body         AdvanceEscalationRequest `json:"body"`
	}) (*escalationBody, error) {
		actor, authErr := actorFromContext(ctx, a.Directory)
		if authErr != nil {
			return nil, authErr
		}
		esc, err := a.Escalations.Advance(ctx, input.EscalationID, actor.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &escalationBody{Body: esc}, nil
	})
}

func registerDecisions(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-decisions",
		Method:      http.MethodGet,
		Path:        "/decisions",
		Summary:     "Query the decision ledger",
	}, func(ctx context.Context, input *struct {
		Category  string `query:"category"`
		MakerID   string `query:"maker_id"`
		TaskID    string `query:"task_id"`
		Escalated string `query:"escalated" doc:"true or false"`
		Since     string `query:"since" doc:"RFC 3339 lower bound"`
		Until     string `query:"until" doc:"RFC 3339 upper bound"`
		Limit     int    `query:"limit" default:"100"`
	}) (*struct {
		Body listResponse[domain.Decision] `json:"body"`
	}, error) {
		f := ledger.Filter{
			Category: input.Category,
			MakerID:  input.MakerID,
			TaskID:   input.TaskID,
			Limit:    normalizeLimit(input.Limit),
		}
		if input.Escalated != "" {
			v := input.Escalated == "true"
			f.Escalated = &v
		}
		for _, bound := range []struct {
			raw string
			dst *time.Time
		}{{input.Since, &f.Since}, {input.Until, &f.Until}} {
			if bound.raw == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, bound.raw)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid time bound", map[string]any{"value": bound.raw})
			}
			*bound.dst = t
		}
		list, err := a.Ledger.Query(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.Decision] `json:"body"`
		}{Body: items(list)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-decision",
		Method:      http.MethodGet,
		Path:        "/decisions/{decision_id}",
		Summary:     "Get decision",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DecisionID string `path:"decision_id"`
	}) (*decisionBody, error) {
		d, err := a.Ledger.Get(ctx, input.DecisionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &decisionBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "decide",
		Method:        http.MethodPost,
		Path:          "/decisions",
		Summary:       "Record a decision; escalates when the caller lacks authority",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body DecideRequest `json:"body"`
	}) (*decisionBody, error) {
		actor, authErr := actorFromContext(ctx, a.Directory)
		if authErr != nil {
			return nil, authErr
		}
		d, err := a.Engine.Decide(ctx, engine.DecideOptions{
			MakerID:      actor.ID,
			Category:     input.Body.Category,
			Verdict:      input.Body.Verdict,
			Reasoning:    input.Body.Reasoning,
			Actions:      input.Body.Actions,
			TaskID:       input.Body.TaskID,
			ProposalRefs: input.Body.ProposalRefs,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &decisionBody{Body: d}, nil
	})
}

func registerAPIKeys(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Mint an API key for the calling agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, a.Directory)
		if authErr != nil {
			return nil, authErr
		}
		key, plain, err := a.CreateAPIKey(ctx, actor.ID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{ID: key.ID, AgentID: key.AgentID, Key: plain}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List the calling agent's API keys",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body listResponse[domain.APIKey] `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, a.Directory)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := a.Repo.ListAPIKeys(ctx, nil, actor.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.APIKey] `json:"body"`
		}{Body: items(keys)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{key_id}",
		Summary:       "Revoke one of the calling agent's API keys",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx, a.Directory)
		if authErr != nil {
			return nil, authErr
		}
		if err := a.RevokeAPIKey(ctx, input.KeyID, actor.ID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}
