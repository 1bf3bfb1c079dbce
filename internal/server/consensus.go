package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"ladder/internal/app"
	"ladder/internal/consensus"
	"ladder/internal/domain"
)

type sessionBody struct {
	Body consensus.Session `json:"body"`
}

type sessionPath struct {
	SessionID string `path:"session_id"`
}

type ArbiterResponse struct {
	Found bool          `json:"found"`
	Agent *domain.Agent `json:"agent,omitempty"`
}

func registerConsensus(api huma.API, a *app.App) {
	p := a.Consensus

	huma.Register(api, huma.Operation{
		OperationID:   "propose",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Open a consensus session with the caller's proposal",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body ProposeRequest `json:"body"`
	}) (*sessionBody, error) {
		actor, authErr := actorFromContext(ctx, a.Directory)
		if authErr != nil {
			return nil, authErr
		}
		s, err := p.Propose(ctx, consensus.ProposeRequest{
			Topic:        input.Body.Topic,
			Category:     input.Body.Category,
			ProposerID:   actor.ID,
			Participants: input.Body.Participants,
			Summary:      input.Body.Summary,
			Body:         input.Body.Body,
			Actions:      input.Body.Actions,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List consensus sessions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body listResponse[consensus.Session] `json:"body"`
	}, error) {
		return &struct {
			Body listResponse[consensus.Session] `json:"body"`
		}{Body: items(p.List())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*sessionBody, error) {
		s, err := p.Get(input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-review",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/reviews",
		Summary:     "Review the session's proposal",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		SessionID string              `path:"session_id"`
		Body      SubmitReviewRequest `json:"body"`
	}) (*sessionBody, error) {
		actor, authErr := actorFromContext(ctx, a.Directory)
		if authErr != nil {
			return nil, authErr
		}
		r := consensus.Review{AgentID: actor.ID, Stance: consensus.Stance(input.Body.Stance), Comment: input.Body.Comment}
		if c := input.Body.Counter; c != nil {
			r.Counter = &consensus.Proposal{Summary: c.Summary, Body: c.Body, Actions: c.Actions}
		}
		if err := p.SubmitReview(ctx, input.SessionID, r); err != nil {
			return nil, handleError(err)
		}
		s, err := p.Collect(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "collect-reviews",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/collect",
		Summary:     "Apply delivered reviews and close review when complete or overdue",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *sessionPath) (*sessionBody, error) {
		s, err := p.Collect(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-review",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/close-review",
		Summary:     "End review now; missing reviewers abstain",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *sessionPath) (*sessionBody, error) {
		if _, err := p.Collect(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		s, err := p.CloseReview(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rebut",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/rebuttals",
		Summary:     "Argue in the current discussion round",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		SessionID string       `path:"session_id"`
		Body      RebutRequest `json:"body"`
	}) (*sessionBody, error) {
		actor, authErr := actorFromContext(ctx, a.Directory)
		if authErr != nil {
			return nil, authErr
		}
		if err := p.Rebut(ctx, input.SessionID, actor.ID, input.Body.Text); err != nil {
			return nil, handleError(err)
		}
		s, err := p.Get(input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "next-round",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/next-round",
		Summary:     "Open the next discussion round or move to decide",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *sessionPath) (*sessionBody, error) {
		s, err := p.NextRound(ctx, input.SessionID)
		if err != nil && !errors.Is(err, consensus.ErrDiscussionClosed) {
			return nil, handleError(err)
		}
		return &sessionBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-arbiter",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/arbiter",
		Summary:     "Participant entitled to decide the session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body ArbiterResponse `json:"body"`
	}, error) {
		agent, ok, err := p.Arbiter(input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ArbiterResponse{Found: ok}
		if ok {
			resp.Agent = &agent
		}
		return &struct {
			Body ArbiterResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/decide",
		Summary:     "Close the session with a verdict; escalates when no participant has authority",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		SessionID string               `path:"session_id"`
		Body      SessionDecideRequest `json:"body"`
	}) (*decisionBody, error) {
		actor, authErr := actorFromContext(ctx, a.Directory)
		if authErr != nil {
			return nil, authErr
		}
		d, err := p.Decide(ctx, input.SessionID, consensus.DecideRequest{
			DeciderID:  actor.ID,
			Verdict:    input.Body.Verdict,
			ProposalID: input.Body.ProposalID,
			Reasoning:  input.Body.Reasoning,
			Actions:    input.Body.Actions,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &decisionBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/execute",
		Summary:     "Create and assign the tasks the decision calls for",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body listResponse[domain.Task] `json:"body"`
	}, error) {
		tasks, err := p.Execute(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.Task] `json:"body"`
		}{Body: items(tasks)}, nil
	})
}
