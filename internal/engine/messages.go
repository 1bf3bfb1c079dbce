package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"ladder/internal/domain"
	"ladder/internal/events"
)

// HandleMessage consumes one message addressed to the orchestrator. Each
// message id is applied at most once.
func (e Engine) HandleMessage(ctx context.Context, msg domain.Message) error {
	seen, err := e.Repo.IsProcessed(ctx, nil, msg.ID)
	if err != nil {
		return err
	}
	if seen {
		e.log().WithFields(logrus.Fields{"message_id": msg.ID, "type": msg.Type}).Debug("orchestrator: duplicate message ignored")
		return e.Events.Append(ctx, e.DB, events.MessageDuplicate, "message", msg.ID, msg.From, events.EventPayload{"task_id": msg.Context.TaskID})
	}

	switch msg.Type {
	case domain.MsgStatusUpdate:
		status, err := domain.ParseTaskStatus(msg.Requirement(domain.ReqStatus))
		if err != nil {
			return errors.Join(err, e.markProcessed(ctx, msg))
		}
		upd := StatusUpdate{
			TaskID:   msg.Context.TaskID,
			Status:   status,
			ActorID:  msg.From,
			Feedback: msg.Content.Body,
		}
		v := msg.Requirement(domain.ReqVersion)
		if v == "" {
			return errors.Join(fmt.Errorf("status update %s carries no task version", msg.ID), e.markProcessed(ctx, msg))
		}
		if upd.Version, err = strconv.Atoi(v); err != nil || upd.Version <= 0 {
			return errors.Join(fmt.Errorf("invalid version %q", v), e.markProcessed(ctx, msg))
		}
		_, err = e.updateStatus(ctx, upd, &msg)
		return err
	case domain.MsgTimeout:
		return e.HandleTimeout(ctx, msg)
	default:
		return e.markProcessed(ctx, msg)
	}
}

// HandleTimeout escalates a task whose assignee never acknowledged the
// assignment. Tasks that moved on since are left alone.
func (e Engine) HandleTimeout(ctx context.Context, msg domain.Message) error {
	te, ok := domain.TimeoutFromMessage(msg)
	if !ok {
		return fmt.Errorf("message %s is not a timeout", msg.ID)
	}
	if msg.Context.TaskID == "" {
		return e.markProcessed(ctx, msg)
	}
	t, err := e.Repo.GetTask(ctx, nil, msg.Context.TaskID)
	if errors.Is(err, domain.ErrNotFound) {
		return e.markProcessed(ctx, msg)
	}
	if err != nil {
		return err
	}
	if t.Status != domain.TaskAssigned {
		return e.markProcessed(ctx, msg)
	}
	origin := t.AssigneeID
	if len(te.Missing) > 0 && e.Directory.Exists(te.Missing[0]) {
		origin = te.Missing[0]
	}
	e.log().WithFields(logrus.Fields{
		"task_id":    t.ID,
		"message_id": te.MessageID,
		"missing":    te.Missing,
	}).Warn("orchestrator: assignment not acknowledged, escalating")
	_, _, err = e.escalateTask(ctx, t, origin, domain.EscalationRequest{
		Issue:        te.Error(),
		AttemptsMade: []string{fmt.Sprintf("assignment %s sent to %s", te.MessageID, t.AssigneeID)},
	}, nil, &msg)
	return err
}

// ResumeFromEscalation applies a closed escalation to the task it blocked.
// It is registered as an escalation hook; d is nil when the escalation was
// withdrawn without a decision.
func (e Engine) ResumeFromEscalation(ctx context.Context, esc domain.Escalation, d *domain.Decision) error {
	if esc.TaskID == "" {
		return nil
	}
	t, err := e.Repo.GetTask(ctx, nil, esc.TaskID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if t.Status != domain.TaskEscalated || t.EscalationID != esc.ID {
		return nil
	}

	actorID := esc.HolderID
	verdict := ""
	payload := events.EventPayload{"escalation_id": esc.ID}
	if d != nil {
		actorID = d.MakerID
		verdict = d.Verdict
		payload["decision_id"] = d.ID
		payload["verdict"] = d.Verdict
	}

	if verdict == domain.VerdictCancel {
		_, err := e.cancelTask(ctx, t, actorID, "cancelled by escalation "+esc.ID, nil, false)
		return err
	}

	next := t
	next.Status = t.EscalatedFrom
	next.EscalatedFrom = ""
	next.EscalationID = ""
	if next.Status == "" {
		next.Status = domain.TaskCreated
	}
	switch {
	case verdict == domain.VerdictReject && (t.EscalatedFrom == domain.TaskUnderReview || t.EscalatedFrom == domain.TaskRejected):
		next.Status = domain.TaskAssigned
		next.Feedback = d.Reasoning
	case verdict == domain.VerdictReject && t.EscalatedFrom != domain.TaskCreated:
		_, err := e.cancelTask(ctx, t, actorID, "rejected by escalation "+esc.ID, nil, false)
		return err
	case verdict != "" && verdict != domain.VerdictReject:
		if t.EscalatedFrom == domain.TaskUnderReview {
			next.Status = domain.TaskApproved
		}
		if assignee := actionAssignee(*d); assignee != "" && e.Directory.Exists(assignee) &&
			(t.EscalatedFrom == domain.TaskCreated || t.EscalatedFrom == domain.TaskAssigned) {
			next.AssigneeID = assignee
		}
		if t.EscalatedFrom == domain.TaskCreated && next.AssigneeID != "" {
			next.Status = domain.TaskAssigned
		}
	}

	updated, applied, err := e.commit(ctx, t, next, actorID, events.TaskResumed, payload, nil)
	if err != nil || !applied {
		return err
	}
	switch updated.Status {
	case domain.TaskAssigned:
		switch {
		case !holdsWork(t):
			e.adjustWorkload(updated.AssigneeID, 1)
		case t.AssigneeID != updated.AssigneeID:
			e.adjustWorkload(t.AssigneeID, -1)
			e.adjustWorkload(updated.AssigneeID, 1)
		}
		if verdict == domain.VerdictReject {
			e.send(ctx, e.feedbackMessage(updated))
		} else {
			e.send(ctx, e.assignmentMessage(updated))
		}
	case domain.TaskApproved:
		e.send(ctx, e.statusMessage(updated, []string{updated.AssigneeID}, "approved: "+updated.Title))
	}
	e.log().WithFields(logrus.Fields{
		"task_id":       updated.ID,
		"escalation_id": esc.ID,
		"status":        updated.Status,
	}).Info("orchestrator: task resumed")
	return nil
}

func actionAssignee(d domain.Decision) string {
	for _, a := range d.Actions {
		if a.AssignedTo != "" {
			return a.AssignedTo
		}
	}
	return ""
}

// DecideOptions describe a decision an agent wants to take directly.
type DecideOptions struct {
	MakerID      string
	Category     string
	Verdict      string
	Reasoning    string
	Actions      []domain.DecisionAction
	TaskID       string
	ProposalRefs []string
}

// Decide records a decision when the maker has authority for the category.
// Otherwise it opens an escalation (through the task when one is named) and
// returns an AuthorityError carrying the escalation id; the ledger is only
// written by whoever resolves it.
func (e Engine) Decide(ctx context.Context, opts DecideOptions) (domain.Decision, error) {
	maker, err := e.Directory.Get(opts.MakerID)
	if err != nil {
		return domain.Decision{}, err
	}
	checkErr := e.Matrix.Check(maker, opts.Category)
	if checkErr == nil {
		return e.Ledger.Record(ctx, nil, domain.Decision{
			MakerID:       maker.ID,
			Category:      opts.Category,
			Verdict:       opts.Verdict,
			Reasoning:     opts.Reasoning,
			Actions:       opts.Actions,
			ApprovalChain: []string{maker.ID},
			TaskID:        opts.TaskID,
			ProposalRefs:  opts.ProposalRefs,
		})
	}

	req := domain.EscalationRequest{
		Issue:          fmt.Sprintf("decision %q on %s exceeds %s's authority", opts.Verdict, opts.Category, maker.ID),
		Recommendation: opts.Verdict,
		Impact:         opts.Reasoning,
	}
	if opts.TaskID != "" {
		t, err := e.Repo.GetTask(ctx, nil, opts.TaskID)
		if err != nil {
			return domain.Decision{}, err
		}
		if t.Category == opts.Category && !t.Status.Terminal() && t.Status != domain.TaskEscalated {
			_, err := e.escalateForAuthority(ctx, t, maker, checkErr, req, nil, nil)
			return domain.Decision{}, err
		}
	}

	if e.Matrix.MayActProvisionally(opts.Category, maker.Level) {
		req.AttemptsMade = append(req.AttemptsMade, fmt.Sprintf("%s may act provisionally but needs confirmation", maker.ID))
	}
	req.IssueID = opts.TaskID
	req.TaskID = opts.TaskID
	req.OriginID = maker.ID
	req.Category = opts.Category
	req.Urgency = domain.PriorityNormal
	esc, err := e.Escalator.Open(ctx, req)
	if err != nil {
		return domain.Decision{}, err
	}
	var authErr domain.AuthorityError
	if errors.As(checkErr, &authErr) {
		authErr.EscalationID = esc.ID
		return domain.Decision{}, authErr
	}
	return domain.Decision{}, checkErr
}
