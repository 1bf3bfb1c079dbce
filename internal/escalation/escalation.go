// Package escalation walks unresolved issues up the reporting tree until an
// agent with enough authority decides them or the root times out.
package escalation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ladder/internal/authority"
	"ladder/internal/collab"
	"ladder/internal/config"
	"ladder/internal/directory"
	"ladder/internal/domain"
	"ladder/internal/events"
	"ladder/internal/ledger"
	"ladder/internal/repo"
)

// Sender delivers bus messages.
type Sender interface {
	Send(ctx context.Context, msg domain.Message) (domain.Receipt, error)
}

// Hook runs after an escalation closes. d is nil when the escalation was cancelled.
type Hook func(ctx context.Context, esc domain.Escalation, d *domain.Decision) error

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Ledger    *ledger.Ledger
	Directory *directory.Directory
	Matrix    authority.Matrix
	Bus       Sender
	Sink      collab.NotificationSink
	Config    config.EscalationConfig
	Log       logrus.FieldLogger
	Now       func() time.Time

	mu    sync.RWMutex
	hooks []Hook
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) log() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

// OnResolve registers a hook run after every resolution or cancellation.
func (e *Engine) OnResolve(h Hook) {
	e.mu.Lock()
	e.hooks = append(e.hooks, h)
	e.mu.Unlock()
}

func (e *Engine) runHooks(ctx context.Context, esc domain.Escalation, d *domain.Decision) {
	e.mu.RLock()
	hooks := append([]Hook(nil), e.hooks...)
	e.mu.RUnlock()
	for _, h := range hooks {
		if err := h(ctx, esc, d); err != nil {
			e.log().WithError(err).WithField("escalation_id", esc.ID).Error("escalation: resolution hook failed")
		}
	}
}

// Open starts an escalation on behalf of req.OriginID. The first holder is
// the origin's parent (the root escalates to itself); holders below the
// required level are passed upward one tier at a time.
func (e *Engine) Open(ctx context.Context, req domain.EscalationRequest) (domain.Escalation, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Escalation{}, err
	}
	defer tx.Rollback()
	esc, err := e.OpenIn(ctx, tx, req)
	if err != nil {
		return domain.Escalation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Escalation{}, err
	}
	e.Announce(ctx, esc)
	return esc, nil
}

// OpenIn stores a new escalation through q without notifying anyone. The
// caller commits q and then calls Announce.
func (e *Engine) OpenIn(ctx context.Context, q repo.Querier, req domain.EscalationRequest) (domain.Escalation, error) {
	if strings.TrimSpace(req.Category) == "" {
		return domain.Escalation{}, fmt.Errorf("escalation category required")
	}
	origin, err := e.Directory.Get(req.OriginID)
	if err != nil {
		return domain.Escalation{}, err
	}
	urgency, err := domain.ParsePriority(string(req.Urgency))
	if err != nil {
		return domain.Escalation{}, err
	}
	required := e.Matrix.RequiredLevel(req.Category)

	holder := origin
	if parent, ok, err := e.Directory.ParentOf(origin.ID); err != nil {
		return domain.Escalation{}, err
	} else if ok {
		holder = parent
	}
	chain := []string{holder.ID}
	for holder.Level < required && !e.Directory.IsRoot(holder.ID) {
		next, _, err := e.Directory.ParentOf(holder.ID)
		if err != nil {
			return domain.Escalation{}, err
		}
		holder = next
		chain = append(chain, holder.ID)
	}

	now := e.now()
	issue := req.Issue
	if issue == "" {
		issue = req.Reason
	}
	esc := domain.Escalation{
		ID:             uuid.NewString(),
		IssueID:        req.IssueID,
		TaskID:         req.TaskID,
		SessionID:      req.SessionID,
		OriginID:       origin.ID,
		Category:       req.Category,
		RequiredLevel:  required,
		Urgency:        urgency,
		Issue:          issue,
		Recommendation: req.Recommendation,
		Impact:         req.Impact,
		AttemptsMade:   req.AttemptsMade,
		Chain:          chain,
		HolderID:       holder.ID,
		HolderDeadline: now.Add(e.Config.TimeoutFor(holder.Level)),
		Status:         domain.EscalationInProgress,
		OpenedAt:       now,
		Version:        1,
	}
	if esc.IssueID == "" {
		esc.IssueID = esc.ID
	}

	if err := e.Repo.InsertEscalation(ctx, q, esc); err != nil {
		return domain.Escalation{}, fmt.Errorf("insert escalation: %w", err)
	}
	if err := e.Events.Append(ctx, q, events.EscalationOpened, "escalation", esc.ID, origin.ID, events.EventPayload{
		"category":       esc.Category,
		"required_level": required,
		"task_id":        esc.TaskID,
		"session_id":     esc.SessionID,
		"reason":         req.Reason,
	}); err != nil {
		return domain.Escalation{}, err
	}
	for i, id := range chain {
		from := origin.ID
		if i > 0 {
			from = chain[i-1]
		}
		if err := e.Ledger.RecordHop(ctx, q, ledger.Hop{
			EscalationID: esc.ID,
			ActorID:      from,
			From:         from,
			To:           id,
			Reason:       hopReason(i),
		}); err != nil {
			return domain.Escalation{}, err
		}
	}
	return esc, nil
}

// Announce logs a committed escalation and sends it to its holder.
func (e *Engine) Announce(ctx context.Context, esc domain.Escalation) {
	e.log().WithFields(logrus.Fields{
		"escalation_id": esc.ID,
		"category":      esc.Category,
		"origin":        esc.OriginID,
		"holder":        esc.HolderID,
		"task_id":       esc.TaskID,
	}).Info("escalation: opened")
	e.notifyHolder(ctx, esc)
}

func hopReason(i int) string {
	if i == 0 {
		return "opened"
	}
	return "insufficient authority"
}

// Record renders the external escalation format for the current holder.
func (e *Engine) Record(esc domain.Escalation) domain.EscalationRecord {
	level := esc.RequiredLevel
	if holder, err := e.Directory.Get(esc.HolderID); err == nil {
		level = holder.Level
	}
	return domain.EscalationRecord{
		EscalationID:   esc.ID,
		Level:          level,
		Category:       esc.Category,
		From:           esc.OriginID,
		To:             esc.HolderID,
		Issue:          esc.Issue,
		AttemptsMade:   esc.AttemptsMade,
		Urgency:        esc.Urgency,
		Recommendation: esc.Recommendation,
		Impact:         esc.Impact,
	}
}

func (e *Engine) notifyHolder(ctx context.Context, esc domain.Escalation) {
	if e.Bus == nil {
		return
	}
	body, _ := json.Marshal(e.Record(esc))
	deadline := esc.HolderDeadline
	_, err := e.Bus.Send(ctx, domain.Message{
		From:     esc.OriginID,
		To:       []string{esc.HolderID},
		Type:     domain.MsgEscalation,
		Priority: esc.Urgency,
		Context: domain.MessageContext{
			Deadline:     &deadline,
			TaskID:       esc.TaskID,
			EscalationID: esc.ID,
			SessionID:    esc.SessionID,
		},
		Content: domain.MessageContent{
			Subject: "escalation: " + esc.Category,
			Body:    string(body),
		},
	})
	if err != nil {
		e.log().WithError(err).WithField("escalation_id", esc.ID).Warn("escalation: notify holder failed")
	}
}

// Advance hands the escalation to the holder's parent.
func (e *Engine) Advance(ctx context.Context, id, actorID, reason string) (domain.Escalation, error) {
	esc, err := e.Repo.GetEscalation(ctx, nil, id)
	if err != nil {
		return esc, err
	}
	return e.advance(ctx, esc, actorID, reason)
}

func (e *Engine) advance(ctx context.Context, esc domain.Escalation, actorID, reason string) (domain.Escalation, error) {
	if esc.Status == domain.EscalationUnresolved {
		return esc, domain.UnresolvedEscalationError{EscalationID: esc.ID, HolderID: esc.HolderID}
	}
	if !esc.Status.Active() {
		return esc, domain.StateError{Kind: "escalation", ID: esc.ID, State: string(esc.Status), Op: "advance"}
	}
	next, ok, err := e.Directory.ParentOf(esc.HolderID)
	if err != nil {
		return esc, err
	}
	if !ok {
		return esc, domain.StateError{Kind: "escalation", ID: esc.ID, State: "at root", Op: "advance"}
	}
	for _, prior := range esc.Chain {
		if prior == next.ID {
			return esc, fmt.Errorf("escalation %s already visited %s", esc.ID, next.ID)
		}
	}
	if actorID == "" {
		actorID = esc.HolderID
	}
	prevHolder := esc.HolderID
	expected := esc.Version
	esc.Chain = append(append([]string(nil), esc.Chain...), next.ID)
	esc.HolderID = next.ID
	esc.HolderDeadline = e.now().Add(e.Config.TimeoutFor(next.Level))
	esc.Version++

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return esc, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateEscalation(ctx, tx, esc, expected); err != nil {
		return esc, err
	}
	if err := e.Ledger.RecordHop(ctx, tx, ledger.Hop{
		EscalationID: esc.ID,
		ActorID:      actorID,
		From:         prevHolder,
		To:           next.ID,
		Reason:       reason,
	}); err != nil {
		return esc, err
	}
	if err := tx.Commit(); err != nil {
		return esc, err
	}
	e.log().WithFields(logrus.Fields{
		"escalation_id": esc.ID,
		"from":          prevHolder,
		"to":            next.ID,
		"reason":        reason,
	}).Info("escalation: advanced")
	e.notifyHolder(ctx, esc)
	return esc, nil
}

type ResolveRequest struct {
	EscalationID string
	DeciderID    string
	Verdict      string
	Reasoning    string
	Actions      []domain.DecisionAction
}

// Resolve records the holder's (or an overriding ancestor's) decision and
// closes the escalation.
func (e *Engine) Resolve(ctx context.Context, req ResolveRequest) (domain.Decision, error) {
	if strings.TrimSpace(req.Verdict) == "" {
		return domain.Decision{}, fmt.Errorf("verdict required")
	}
	esc, err := e.Repo.GetEscalation(ctx, nil, req.EscalationID)
	if err != nil {
		return domain.Decision{}, err
	}
	if !esc.Status.Active() && esc.Status != domain.EscalationUnresolved {
		return domain.Decision{}, domain.StateError{Kind: "escalation", ID: esc.ID, State: string(esc.Status), Op: "resolve"}
	}
	decider, err := e.Directory.Get(req.DeciderID)
	if err != nil {
		return domain.Decision{}, err
	}
	if decider.ID != esc.HolderID && !e.Directory.IsAncestor(decider.ID, esc.HolderID) {
		return domain.Decision{}, domain.ForbiddenError{ActorID: decider.ID, Action: "resolve escalation " + esc.ID}
	}
	if decider.Level < esc.RequiredLevel && !e.Directory.IsRoot(decider.ID) {
		return domain.Decision{}, domain.AuthorityError{ActorID: decider.ID, Category: esc.Category, Required: esc.RequiredLevel, Actual: decider.Level, EscalationID: esc.ID}
	}

	approval := append([]string(nil), esc.Chain...)
	if decider.ID != esc.HolderID {
		above, err := e.Directory.ChainToRoot(esc.HolderID)
		if err != nil {
			return domain.Decision{}, err
		}
		for _, a := range above {
			approval = append(approval, a.ID)
			if a.ID == decider.ID {
				break
			}
		}
	}

	now := e.now()
	expected := esc.Version
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Decision{}, err
	}
	defer tx.Rollback()
	decision, err := e.Ledger.Record(ctx, tx, domain.Decision{
		Timestamp:     now,
		MakerID:       decider.ID,
		Category:      esc.Category,
		Verdict:       req.Verdict,
		Reasoning:     req.Reasoning,
		Actions:       req.Actions,
		ApprovalChain: approval,
		Escalated:     true,
		EscalationID:  esc.ID,
		TaskID:        esc.TaskID,
	})
	if err != nil {
		return domain.Decision{}, err
	}
	override := decider.ID != esc.HolderID
	esc.Chain = approval
	esc.HolderID = decider.ID
	esc.Status = domain.EscalationResolved
	esc.ClosedAt = &now
	esc.ResolutionID = decision.ID
	esc.Version++
	if err := e.Repo.UpdateEscalation(ctx, tx, esc, expected); err != nil {
		return domain.Decision{}, err
	}
	if err := e.Events.Append(ctx, tx, events.EscalationResolved, "escalation", esc.ID, decider.ID, events.EventPayload{
		"decision_id": decision.ID,
		"decision":    decision.Verdict,
		"override":    override,
	}); err != nil {
		return domain.Decision{}, err
	}
	flag, err := e.checkRepeat(ctx, tx, decision)
	if err != nil {
		return domain.Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Decision{}, err
	}

	e.log().WithFields(logrus.Fields{
		"escalation_id": esc.ID,
		"decision_id":   decision.ID,
		"decision":      decision.Verdict,
		"decider":       decider.ID,
		"task_id":       esc.TaskID,
	}).Info("escalation: resolved")
	if flag != nil {
		e.log().WithFields(logrus.Fields{
			"category":       flag.Category,
			"decision_maker": flag.MakerID,
			"count":          flag.Count,
		}).Warn("escalation: authority rule flagged for review")
	}
	e.announceDecision(ctx, esc, decision)
	e.runHooks(ctx, esc, &decision)
	return decision, nil
}

func (e *Engine) announceDecision(ctx context.Context, esc domain.Escalation, d domain.Decision) {
	if e.Bus != nil && esc.OriginID != d.MakerID {
		body, _ := json.Marshal(d)
		if _, err := e.Bus.Send(ctx, domain.Message{
			From:     d.MakerID,
			To:       []string{esc.OriginID},
			Type:     domain.MsgDecisionRecord,
			Priority: esc.Urgency,
			Context:  domain.MessageContext{TaskID: esc.TaskID, EscalationID: esc.ID, SessionID: esc.SessionID},
			Content:  domain.MessageContent{Subject: "decision: " + d.Verdict, Body: string(body)},
		}); err != nil {
			e.log().WithError(err).WithField("escalation_id", esc.ID).Warn("escalation: decision message failed")
		}
	}
	if e.Sink != nil {
		if err := e.Sink.NotifyDecision(ctx, d); err != nil {
			e.log().WithError(err).WithField("decision_id", d.ID).Warn("escalation: decision notification failed")
		}
	}
}

// checkRepeat flags (category, maker) when escalated decisions within the
// repeat window reach the threshold, at most once per window. The matrix
// itself is never changed.
func (e *Engine) checkRepeat(ctx context.Context, q repo.Querier, d domain.Decision) (*domain.ReviewFlag, error) {
	threshold := e.Config.RepeatThreshold
	if threshold <= 0 || e.Config.RepeatWindow <= 0 {
		return nil, nil
	}
	since := d.Timestamp.Add(-e.Config.RepeatWindow)
	count, err := e.Ledger.RepeatCount(ctx, q, d.Category, d.MakerID, since)
	if err != nil {
		return nil, err
	}
	if count < threshold {
		return nil, nil
	}
	flag := domain.ReviewFlag{Category: d.Category, MakerID: d.MakerID, Count: count, FlaggedAt: d.Timestamp}
	created, err := e.Repo.InsertReviewFlag(ctx, q, flag, since)
	if err != nil || !created {
		return nil, err
	}
	if err := e.Events.Append(ctx, q, events.AuthorityFlagged, "authority", d.Category, d.MakerID, events.EventPayload{
		"decision_maker": d.MakerID,
		"count":          count,
	}); err != nil {
		return nil, err
	}
	return &flag, nil
}

// Cancel closes an escalation without a decision. The actor needs the
// escalation's required level.
func (e *Engine) Cancel(ctx context.Context, id, actorID, reason string) (domain.Escalation, error) {
	esc, err := e.Repo.GetEscalation(ctx, nil, id)
	if err != nil {
		return esc, err
	}
	if !esc.Status.Active() && esc.Status != domain.EscalationUnresolved {
		return esc, domain.StateError{Kind: "escalation", ID: esc.ID, State: string(esc.Status), Op: "cancel"}
	}
	actor, err := e.Directory.Get(actorID)
	if err != nil {
		return esc, err
	}
	if actor.Level < esc.RequiredLevel && !e.Directory.IsRoot(actor.ID) {
		return esc, domain.AuthorityError{ActorID: actor.ID, Category: esc.Category, Required: esc.RequiredLevel, Actual: actor.Level}
	}
	now := e.now()
	expected := esc.Version
	esc.Status = domain.EscalationCancelled
	esc.ClosedAt = &now
	esc.Version++
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return esc, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateEscalation(ctx, tx, esc, expected); err != nil {
		return esc, err
	}
	if err := e.Events.Append(ctx, tx, events.EscalationCancelled, "escalation", esc.ID, actor.ID, events.EventPayload{"reason": reason}); err != nil {
		return esc, err
	}
	if err := tx.Commit(); err != nil {
		return esc, err
	}
	e.log().WithFields(logrus.Fields{"escalation_id": esc.ID, "actor": actor.ID}).Info("escalation: cancelled")
	e.runHooks(ctx, esc, nil)
	return esc, nil
}

type SweepResult struct {
	Advanced   []string `json:"advanced"`
	Unresolved []string `json:"unresolved"`
}

// Sweep advances every escalation whose holder deadline has passed. At the
// root the escalation becomes unresolved and the sink is notified once.
// A failing escalation is logged and skipped; the failures are returned
// joined once the rest have been swept.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	expired, err := e.Repo.ExpiredEscalations(ctx, nil, now)
	if err != nil {
		return res, err
	}
	var errs []error
	failed := func(esc domain.Escalation, err error) {
		e.log().WithError(err).WithFields(logrus.Fields{
			"escalation_id": esc.ID,
			"holder":        esc.HolderID,
		}).Error("escalation: sweep failed")
		errs = append(errs, fmt.Errorf("sweep escalation %s: %w", esc.ID, err))
	}
	for _, esc := range expired {
		if !e.Directory.IsRoot(esc.HolderID) {
			if _, err := e.advance(ctx, esc, esc.HolderID, "holder timeout"); err != nil {
				var conflict domain.ConflictError
				if !errors.As(err, &conflict) {
					failed(esc, err)
				}
				continue
			}
			res.Advanced = append(res.Advanced, esc.ID)
			continue
		}
		marked, err := e.markUnresolved(ctx, esc, now)
		if err != nil {
			failed(esc, err)
			continue
		}
		if !marked {
			continue
		}
		res.Unresolved = append(res.Unresolved, esc.ID)
		uerr := domain.UnresolvedEscalationError{EscalationID: esc.ID, HolderID: esc.HolderID}
		e.log().WithError(uerr).WithFields(logrus.Fields{
			"escalation_id": esc.ID,
			"category":      esc.Category,
			"task_id":       esc.TaskID,
		}).Error("escalation: root holder timed out")
		if e.Sink != nil {
			if err := e.Sink.NotifyUnresolved(ctx, e.Record(esc)); err != nil {
				e.log().WithError(err).WithField("escalation_id", esc.ID).Warn("escalation: unresolved notification failed")
			}
		}
	}
	return res, errors.Join(errs...)
}

func (e *Engine) markUnresolved(ctx context.Context, esc domain.Escalation, now time.Time) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	marked, err := e.Repo.MarkUnresolved(ctx, tx, esc.ID, now)
	if err != nil || !marked {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, events.EscalationUnresolved, "escalation", esc.ID, esc.HolderID, events.EventPayload{
		"holder":   esc.HolderID,
		"deadline": domain.FormatTime(esc.HolderDeadline),
	}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// Run sweeps on every tick until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Sweep(ctx, e.now()); err != nil && ctx.Err() == nil {
				e.log().WithError(err).Error("escalation: sweep failed")
			}
		}
	}
}

func (e *Engine) Get(ctx context.Context, id string) (domain.Escalation, error) {
	return e.Repo.GetEscalation(ctx, nil, id)
}

func (e *Engine) List(ctx context.Context, f repo.EscalationFilters) ([]domain.Escalation, error) {
	return e.Repo.ListEscalations(ctx, nil, f)
}

func (e *Engine) Flags(ctx context.Context) ([]domain.ReviewFlag, error) {
	return e.Repo.ListReviewFlags(ctx, nil)
}
