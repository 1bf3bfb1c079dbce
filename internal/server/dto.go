package server

import (
	"encoding/json"
	"time"

	"ladder/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	ID            *string        `json:"id,omitempty"`
	Type          string         `json:"type,omitempty"`
	Category      string         `json:"category"`
	Title         string         `json:"title"`
	AssigneeID    *string        `json:"assignee_id,omitempty"`
	Collaborators []string       `json:"collaborators,omitempty"`
	Priority      string         `json:"priority,omitempty" enum:"urgent,normal,low"`
	DueAt         *time.Time     `json:"due_at,omitempty"`
	DependsOn     []string       `json:"depends_on,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
}

type AssignTaskRequest struct {
	AssigneeID string `json:"assignee_id,omitempty"`
	Version    int    `json:"version" minimum:"1"`
}

type UpdateStatusRequest struct {
	Status   string `json:"status" enum:"created,assigned,in_progress,under_review,approved,rejected,completed,failed,escalated,cancelled"`
	Version  int    `json:"version" minimum:"1"`
	Feedback string `json:"feedback,omitempty"`
}

type ReviewTaskRequest struct {
	Approve  bool   `json:"approve"`
	Feedback string `json:"feedback,omitempty"`
	Version  int    `json:"version" minimum:"1"`
}

type EscalateTaskRequest struct {
	Reason  string `json:"reason"`
	Version int    `json:"version" minimum:"1"`
}

type CancelTaskRequest struct {
	Reason  string `json:"reason,omitempty"`
	Version int    `json:"version" minimum:"1"`
}

type ResolveEscalationRequest struct {
	Verdict   string                  `json:"verdict"`
	Reasoning string                  `json:"reasoning,omitempty"`
	Actions   []domain.DecisionAction `json:"actions,omitempty"`
}

type AdvanceEscalationRequest struct {
	Reason string `json:"reason,omitempty"`
}

type DecideRequest struct {
	Category     string                  `json:"category"`
	Verdict      string                  `json:"verdict"`
	Reasoning    string                  `json:"reasoning,omitempty"`
	Actions      []domain.DecisionAction `json:"actions,omitempty"`
	TaskID       string                  `json:"task_id,omitempty"`
	ProposalRefs []string                `json:"proposal_refs,omitempty"`
}

type ProposeRequest struct {
	Topic        string                  `json:"topic"`
	Category     string                  `json:"category"`
	Participants []string                `json:"participants"`
	Summary      string                  `json:"summary"`
	Body         string                  `json:"body,omitempty"`
	Actions      []domain.DecisionAction `json:"actions,omitempty"`
}

type CounterProposal struct {
	Summary string                  `json:"summary"`
	Body    string                  `json:"body,omitempty"`
	Actions []domain.DecisionAction `json:"actions,omitempty"`
}

type SubmitReviewRequest struct {
	Stance  string           `json:"stance" enum:"support,oppose,abstain,counter"`
	Comment string           `json:"comment,omitempty"`
	Counter *CounterProposal `json:"counter,omitempty"`
}

type RebutRequest struct {
	Text string `json:"text"`
}

type SessionDecideRequest struct {
	Verdict    string                  `json:"verdict" enum:"adopt,reject,synthesize"`
	ProposalID string                  `json:"proposal_id,omitempty"`
	Reasoning  string                  `json:"reasoning,omitempty"`
	Actions    []domain.DecisionAction `json:"actions,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	AgentID string `json:"agent_id"`
}

// Response payloads

type TaskEscalationResponse struct {
	Task       domain.Task       `json:"task"`
	Escalation domain.Escalation `json:"escalation"`
}

type WhoAmIResponse struct {
	Agent      domain.Agent `json:"agent"`
	Chain      []string     `json:"chain"`
	Categories []string     `json:"categories"`
	Source     string       `json:"source"`
}

type CreateAPIKeyResponse struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
	Key     string `json:"key"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func eventResponse(evt domain.Event) EventResponse {
	resp := EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
	}
	if evt.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err == nil {
			resp.Payload = payload
		}
	}
	return resp
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func items[T any](in []T) listResponse[T] {
	return listResponse[T]{Items: nonNilSlice(in)}
}
