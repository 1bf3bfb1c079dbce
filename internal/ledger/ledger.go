// Package ledger is the append-only store of decisions and the audit trail
// reader over the event log.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ladder/internal/domain"
	"ladder/internal/events"
	"ladder/internal/repo"
)

type Ledger struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{DB: db, Repo: repo.Repo{DB: db}, Events: events.Writer{Now: now}, Now: now}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Record appends d through q and returns it with id and timestamp filled.
// A nil q records in a transaction of its own.
func (l *Ledger) Record(ctx context.Context, q repo.Querier, d domain.Decision) (domain.Decision, error) {
	if strings.TrimSpace(d.MakerID) == "" {
		return d, fmt.Errorf("decision maker required")
	}
	if strings.TrimSpace(d.Category) == "" {
		return d, fmt.Errorf("decision category required")
	}
	if strings.TrimSpace(d.Verdict) == "" {
		return d, fmt.Errorf("decision verdict required")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = l.now()
	}
	d.Timestamp = d.Timestamp.UTC()
	if q == nil {
		tx, err := l.DB.BeginTx(ctx, nil)
		if err != nil {
			return d, err
		}
		defer tx.Rollback()
		if err := l.record(ctx, tx, d); err != nil {
			return d, err
		}
		return d, tx.Commit()
	}
	return d, l.record(ctx, q, d)
}

func (l *Ledger) record(ctx context.Context, q repo.Querier, d domain.Decision) error {
	if err := l.Repo.InsertDecision(ctx, q, d); err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return l.Events.Append(ctx, q, events.DecisionRecorded, "decision", d.ID, d.MakerID, events.EventPayload{
		"category":      d.Category,
		"decision":      d.Verdict,
		"escalated":     d.Escalated,
		"escalation_id": d.EscalationID,
		"task_id":       d.TaskID,
	})
}

// Hop is one holder transition of an escalation.
type Hop struct {
	EscalationID string
	ActorID      string
	From         string
	To           string
	Reason       string
}

// RecordHop appends a holder transition to the escalation's trail through q.
// A nil q writes straight to the database.
func (l *Ledger) RecordHop(ctx context.Context, q repo.Querier, h Hop) error {
	if q == nil {
		q = l.DB
	}
	if err := l.Events.Append(ctx, q, events.EscalationAdvanced, "escalation", h.EscalationID, h.ActorID, events.EventPayload{
		"from":   h.From,
		"to":     h.To,
		"reason": h.Reason,
	}); err != nil {
		return fmt.Errorf("record hop: %w", err)
	}
	return nil
}

// Filter selects decisions. Zero fields match everything.
type Filter struct {
	Category  string
	MakerID   string
	Escalated *bool
	TaskID    string
	Since     time.Time
	Until     time.Time
	Limit     int
}

func (f Filter) repo() repo.DecisionFilters {
	return repo.DecisionFilters{
		Category:  f.Category,
		MakerID:   f.MakerID,
		Escalated: f.Escalated,
		TaskID:    f.TaskID,
		Since:     f.Since,
		Until:     f.Until,
		Limit:     f.Limit,
	}
}

// Query returns matching decisions in ascending time order.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]domain.Decision, error) {
	return l.Repo.ListDecisions(ctx, nil, f.repo())
}

func (l *Ledger) Get(ctx context.Context, id string) (domain.Decision, error) {
	return l.Repo.GetDecision(ctx, nil, id)
}

// Trail returns every event recorded for one entity, oldest first.
func (l *Ledger) Trail(ctx context.Context, entityKind, entityID string) ([]domain.Event, error) {
	var out []domain.Event
	var cursor int64
	for {
		page, err := l.Repo.EventsAfter(ctx, 200, cursor, repo.EventFilters{EntityKind: entityKind, EntityID: entityID})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < 200 {
			return out, nil
		}
		cursor = page[len(page)-1].ID
	}
}

// RepeatCount counts escalated decisions for category made by maker at or after since.
func (l *Ledger) RepeatCount(ctx context.Context, q repo.Querier, category, maker string, since time.Time) (int, error) {
	escalated := true
	return l.Repo.CountDecisions(ctx, q, repo.DecisionFilters{
		Category:  category,
		MakerID:   maker,
		Escalated: &escalated,
		Since:     since,
	})
}
