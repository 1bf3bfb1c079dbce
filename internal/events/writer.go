package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ladder/internal/domain"
	"ladder/internal/repo"
)

// Event types written by the core services.
const (
	TaskCreated          = "task.created"
	TaskAssigned         = "task.assigned"
	TaskStatusChanged    = "task.status_changed"
	TaskEscalated        = "task.escalated"
	TaskResumed          = "task.resumed"
	TaskCancelled        = "task.cancelled"
	MessageDuplicate     = "message.duplicate"
	DecisionRecorded     = "decision.recorded"
	EscalationOpened     = "escalation.opened"
	EscalationAdvanced   = "escalation.advanced"
	EscalationResolved   = "escalation.resolved"
	EscalationUnresolved = "escalation.unresolved"
	EscalationCancelled  = "escalation.cancelled"
	AuthorityFlagged     = "authority.review_flagged"
	ConsensusProposed    = "consensus.proposed"
	ConsensusDecided     = "consensus.decided"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event row through q, which is usually the caller's transaction.
func (w Writer) Append(ctx context.Context, q repo.Querier, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		domain.FormatTime(w.Now()), evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
