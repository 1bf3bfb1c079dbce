package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"ladder/internal/domain"
	"ladder/internal/events"
	"ladder/internal/repo"
)

// StatusUpdate requests a task transition. Version is the task version the
// caller read.
type StatusUpdate struct {
	TaskID   string
	Status   domain.TaskStatus
	ActorID  string
	Version  int
	Feedback string
}

type AssignOptions struct {
	TaskID     string
	AssigneeID string
	ActorID    string
	Version    int
}

type ReviewOptions struct {
	TaskID     string
	ReviewerID string
	Approve    bool
	Feedback   string
	Version    int
}

type EscalateOptions struct {
	TaskID  string
	ActorID string
	Reason  string
	Version int
}

type CancelOptions struct {
	TaskID  string
	ActorID string
	Reason  string
	Version int
}

func requireVersion(v int) error {
	if v <= 0 {
		return fmt.Errorf("task version required")
	}
	return nil
}

func checkVersion(t domain.Task, expected int) error {
	if expected != 0 && expected != t.Version {
		return domain.ConflictError{Kind: "task", ID: t.ID, Expected: expected, Actual: t.Version}
	}
	return nil
}

// holdsWork reports whether the assignee carries the task in their workload.
func holdsWork(t domain.Task) bool {
	s := t.Status
	if s == domain.TaskEscalated {
		s = t.EscalatedFrom
	}
	switch s {
	case domain.TaskAssigned, domain.TaskInProgress, domain.TaskUnderReview, domain.TaskApproved, domain.TaskRejected:
		return true
	}
	return false
}

// commit writes next over prev under prev's version and appends one event.
// When msg is set the message is marked processed in the same transaction;
// a message seen before leaves the task untouched and reports applied=false.
func (e Engine) commit(ctx context.Context, prev, next domain.Task, actorID, evtType string, payload events.EventPayload, msg *domain.Message) (domain.Task, bool, error) {
	return e.commitWith(ctx, prev, next, actorID, evtType, payload, msg, nil)
}

// commitWith is commit with a hook that runs inside the transaction before
// the task row is written. The hook may adjust next and the event payload;
// its error rolls everything back.
func (e Engine) commitWith(ctx context.Context, prev, next domain.Task, actorID, evtType string, payload events.EventPayload, msg *domain.Message, inTx func(q repo.Querier, next *domain.Task, payload events.EventPayload) error) (domain.Task, bool, error) {
	now := e.now()
	next.Version = prev.Version + 1
	next.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return prev, false, err
	}
	defer tx.Rollback()

	if msg != nil {
		envelope, err := domain.EncodeMessage(domain.CBOR, *msg)
		if err != nil {
			return prev, false, fmt.Errorf("encode message: %w", err)
		}
		fresh, err := e.Repo.MarkProcessed(ctx, tx, msg.ID, prev.ID, now, envelope)
		if err != nil {
			return prev, false, err
		}
		if !fresh {
			return prev, false, nil
		}
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	if inTx != nil {
		if err := inTx(tx, &next, payload); err != nil {
			return prev, false, err
		}
	}
	if err := e.Repo.UpdateTask(ctx, tx, next, prev.Version); err != nil {
		return prev, false, err
	}
	payload["from"] = prev.Status
	payload["to"] = next.Status
	payload["version"] = next.Version
	if err := e.Events.Append(ctx, tx, evtType, "task", next.ID, actorID, payload); err != nil {
		return prev, false, err
	}
	if err := tx.Commit(); err != nil {
		return prev, false, err
	}
	return next, true, nil
}

// markProcessed records msg without touching any task.
func (e Engine) markProcessed(ctx context.Context, msg domain.Message) error {
	envelope, err := domain.EncodeMessage(domain.CBOR, msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = e.Repo.MarkProcessed(ctx, nil, msg.ID, msg.Context.TaskID, e.now(), envelope)
	return err
}

// Assign makes AssigneeID (or the task's requested assignee) responsible for
// a created task. An actor below the category's level gets an AuthorityError
// and the task is escalated on their behalf.
func (e Engine) Assign(ctx context.Context, opts AssignOptions) (domain.Task, error) {
	if err := requireVersion(opts.Version); err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTask(ctx, nil, opts.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := checkVersion(t, opts.Version); err != nil {
		return t, err
	}
	return e.assignTask(ctx, t, opts.AssigneeID, opts.ActorID, nil)
}

func (e Engine) assignTask(ctx context.Context, t domain.Task, assigneeID, actorID string, msg *domain.Message) (domain.Task, error) {
	if t.Status != domain.TaskCreated {
		return t, domain.TransitionError{TaskID: t.ID, From: t.Status, To: domain.TaskAssigned}
	}
	if assigneeID == "" {
		assigneeID = t.AssigneeID
	}
	if assigneeID == "" {
		return t, fmt.Errorf("assignee required for task %s", t.ID)
	}
	assignee, err := e.Directory.Get(assigneeID)
	if err != nil {
		return t, err
	}
	if !assignee.Available {
		return t, domain.StateError{Kind: "agent", ID: assigneeID, State: "unavailable", Op: "assign work to"}
	}
	actor, err := e.Directory.Get(actorID)
	if err != nil {
		return t, err
	}
	if err := e.Matrix.Check(actor, t.Category); err != nil {
		return e.escalateForAuthority(ctx, t, actor, err, domain.EscalationRequest{
			Issue:          fmt.Sprintf("assign task %q to %s", t.Title, assigneeID),
			Recommendation: domain.VerdictApprove,
		}, func(next *domain.Task) { next.AssigneeID = assigneeID }, msg)
	}
	return e.assign(ctx, t, assigneeID, actor.ID, msg)
}

func (e Engine) assign(ctx context.Context, t domain.Task, assigneeID, actorID string, msg *domain.Message) (domain.Task, error) {
	next := t
	next.AssigneeID = assigneeID
	next.Status = domain.TaskAssigned
	updated, applied, err := e.commit(ctx, t, next, actorID, events.TaskAssigned, events.EventPayload{"assignee": assigneeID}, msg)
	if err != nil || !applied {
		return updated, err
	}
	e.adjustWorkload(assigneeID, 1)
	e.send(ctx, e.assignmentMessage(updated))
	return updated, nil
}

func (e Engine) assignmentMessage(t domain.Task) domain.Message {
	body, _ := json.Marshal(t)
	msg := domain.Message{
		From:     domain.OrchestratorAddress,
		To:       []string{t.AssigneeID},
		Type:     domain.MsgTaskAssignment,
		Priority: t.Priority,
		Context:  domain.MessageContext{TaskID: t.ID, Deadline: t.DueAt},
		Content: domain.MessageContent{
			Subject: t.Title,
			Body:    string(body),
			Requirements: map[string]string{
				domain.ReqStatus:  string(t.Status),
				domain.ReqVersion: strconv.Itoa(t.Version),
			},
		},
	}
	if e.ResponseWindow > 0 {
		by := e.now().Add(e.ResponseWindow)
		msg.RequiredResponse = true
		msg.ResponseBy = &by
	}
	return msg
}

func (e Engine) statusMessage(t domain.Task, to []string, subject string) domain.Message {
	return domain.Message{
		From:     domain.OrchestratorAddress,
		To:       to,
		Type:     domain.MsgStatusUpdate,
		Priority: t.Priority,
		Context:  domain.MessageContext{TaskID: t.ID},
		Content: domain.MessageContent{
			Subject: subject,
			Requirements: map[string]string{
				domain.ReqStatus:  string(t.Status),
				domain.ReqVersion: strconv.Itoa(t.Version),
			},
		},
	}
}

func (e Engine) feedbackMessage(t domain.Task) domain.Message {
	return domain.Message{
		From:     domain.OrchestratorAddress,
		To:       []string{t.AssigneeID},
		Type:     domain.MsgReviewFeedback,
		Priority: t.Priority,
		Context:  domain.MessageContext{TaskID: t.ID},
		Content: domain.MessageContent{
			Subject: t.Title,
			Body:    t.Feedback,
			Requirements: map[string]string{
				domain.ReqStatus:  string(t.Status),
				domain.ReqVersion: strconv.Itoa(t.Version),
			},
		},
	}
}

// UpdateStatus applies one lifecycle transition.
func (e Engine) UpdateStatus(ctx context.Context, upd StatusUpdate) (domain.Task, error) {
	if err := requireVersion(upd.Version); err != nil {
		return domain.Task{}, err
	}
	return e.updateStatus(ctx, upd, nil)
}

func (e Engine) updateStatus(ctx context.Context, upd StatusUpdate, msg *domain.Message) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, nil, upd.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status == domain.TaskCancelled {
		// Work racing a cancellation is dropped.
		e.log().WithFields(logrus.Fields{"task_id": t.ID, "status": upd.Status, "actor": upd.ActorID}).Debug("orchestrator: update for cancelled task ignored")
		if msg != nil {
			return t, e.markProcessed(ctx, *msg)
		}
		return t, nil
	}
	if err := checkVersion(t, upd.Version); err != nil {
		return t, err
	}
	actor, err := e.Directory.Get(upd.ActorID)
	if err != nil {
		return t, err
	}

	from, to := t.Status, upd.Status
	switch to {
	case domain.TaskEscalated:
		updated, _, err := e.escalateTask(ctx, t, actor.ID, domain.EscalationRequest{Issue: upd.Feedback}, nil, msg)
		return updated, err
	case domain.TaskCancelled:
		return e.cancelWithAuthority(ctx, t, actor, upd.Feedback, msg)
	}

	next := t
	next.Status = to
	switch {
	case from == domain.TaskCreated && to == domain.TaskAssigned:
		return e.assignTask(ctx, t, "", actor.ID, msg)

	case from == domain.TaskAssigned && to == domain.TaskInProgress,
		from == domain.TaskInProgress && to == domain.TaskUnderReview:
		if actor.ID != t.AssigneeID {
			return t, domain.ForbiddenError{ActorID: actor.ID, Action: fmt.Sprintf("move task %s to %s", t.ID, to)}
		}
		updated, _, err := e.commit(ctx, t, next, actor.ID, events.TaskStatusChanged, nil, msg)
		return updated, err

	case from == domain.TaskUnderReview && (to == domain.TaskApproved || to == domain.TaskRejected):
		if err := e.Matrix.Check(actor, t.Category); err != nil {
			return e.escalateForAuthority(ctx, t, actor, err, domain.EscalationRequest{
				Issue:          fmt.Sprintf("review of task %q", t.Title),
				Recommendation: reviewVerdict(to),
			}, nil, msg)
		}
		if to == domain.TaskRejected {
			next.Feedback = upd.Feedback
		}
		updated, applied, err := e.commit(ctx, t, next, actor.ID, events.TaskStatusChanged, events.EventPayload{"feedback": upd.Feedback}, msg)
		if err == nil && applied && to == domain.TaskApproved {
			e.send(ctx, e.statusMessage(updated, []string{updated.AssigneeID}, "approved: "+updated.Title))
		}
		return updated, err

	case from == domain.TaskRejected && to == domain.TaskAssigned:
		if err := e.Matrix.Check(actor, t.Category); err != nil {
			return e.escalateForAuthority(ctx, t, actor, err, domain.EscalationRequest{
				Issue:          fmt.Sprintf("return task %q for rework", t.Title),
				Recommendation: domain.VerdictReject,
			}, nil, msg)
		}
		if upd.Feedback != "" {
			next.Feedback = upd.Feedback
		}
		updated, applied, err := e.commit(ctx, t, next, actor.ID, events.TaskStatusChanged, events.EventPayload{"feedback": next.Feedback}, msg)
		if err == nil && applied {
			e.send(ctx, e.feedbackMessage(updated))
		}
		return updated, err

	case from == domain.TaskApproved && (to == domain.TaskCompleted || to == domain.TaskFailed):
		if actor.ID != t.AssigneeID {
			if err := e.Matrix.Check(actor, t.Category); err != nil {
				return t, domain.ForbiddenError{ActorID: actor.ID, Action: fmt.Sprintf("close task %s", t.ID)}
			}
		}
		if to == domain.TaskCompleted {
			pending, err := e.Repo.PendingDependencies(ctx, nil, t.ID)
			if err != nil {
				return t, err
			}
			if len(pending) > 0 {
				return t, domain.DependencyNotSatisfiedError{TaskID: t.ID, Pending: pending}
			}
		}
		closed := e.now()
		next.CompletedAt = &closed
		updated, applied, err := e.commit(ctx, t, next, actor.ID, events.TaskStatusChanged, events.EventPayload{"feedback": upd.Feedback}, msg)
		if err == nil && applied {
			e.adjustWorkload(t.AssigneeID, -1)
		}
		return updated, err
	}
	return t, domain.TransitionError{TaskID: t.ID, From: from, To: to}
}

func reviewVerdict(to domain.TaskStatus) string {
	if to == domain.TaskRejected {
		return domain.VerdictReject
	}
	return domain.VerdictApprove
}

// Review approves or rejects a task under review. A rejection returns the
// task to its assignee with the feedback.
func (e Engine) Review(ctx context.Context, opts ReviewOptions) (domain.Task, error) {
	if opts.Approve {
		return e.UpdateStatus(ctx, StatusUpdate{TaskID: opts.TaskID, Status: domain.TaskApproved, ActorID: opts.ReviewerID, Version: opts.Version})
	}
	t, err := e.UpdateStatus(ctx, StatusUpdate{TaskID: opts.TaskID, Status: domain.TaskRejected, ActorID: opts.ReviewerID, Version: opts.Version, Feedback: opts.Feedback})
	if err != nil || t.Status != domain.TaskRejected {
		return t, err
	}
	return e.UpdateStatus(ctx, StatusUpdate{TaskID: t.ID, Status: domain.TaskAssigned, ActorID: opts.ReviewerID, Version: t.Version, Feedback: opts.Feedback})
}

// Escalate hands a non-terminal task to the actor's chain of command.
func (e Engine) Escalate(ctx context.Context, opts EscalateOptions) (domain.Task, domain.Escalation, error) {
	if err := requireVersion(opts.Version); err != nil {
		return domain.Task{}, domain.Escalation{}, err
	}
	if _, err := e.Directory.Get(opts.ActorID); err != nil {
		return domain.Task{}, domain.Escalation{}, err
	}
	t, err := e.Repo.GetTask(ctx, nil, opts.TaskID)
	if err != nil {
		return domain.Task{}, domain.Escalation{}, err
	}
	if err := checkVersion(t, opts.Version); err != nil {
		return t, domain.Escalation{}, err
	}
	return e.escalateTask(ctx, t, opts.ActorID, domain.EscalationRequest{Issue: opts.Reason}, nil, nil)
}

// escalateTask opens an escalation for t with originID as origin and marks
// the task escalated. mutate adjusts the escalated task before it is stored.
func (e Engine) escalateTask(ctx context.Context, t domain.Task, originID string, req domain.EscalationRequest, mutate func(*domain.Task), msg *domain.Message) (domain.Task, domain.Escalation, error) {
	if t.Status.Terminal() || t.Status == domain.TaskEscalated {
		return t, domain.Escalation{}, domain.StateError{Kind: "task", ID: t.ID, State: string(t.Status), Op: "escalate"}
	}
	if e.Escalator == nil {
		return t, domain.Escalation{}, fmt.Errorf("no escalation engine configured")
	}
	req.IssueID = t.ID
	req.TaskID = t.ID
	req.OriginID = originID
	req.Category = t.Category
	req.Urgency = t.Priority
	if req.Issue == "" {
		req.Issue = fmt.Sprintf("task %q needs a decision", t.Title)
	}
	if req.Impact == "" {
		req.Impact = fmt.Sprintf("task %s is blocked until resolved", t.ID)
	}

	next := t
	if mutate != nil {
		mutate(&next)
	}
	next.EscalatedFrom = t.Status
	next.Status = domain.TaskEscalated
	var esc domain.Escalation
	updated, applied, err := e.commitWith(ctx, t, next, originID, events.TaskEscalated, events.EventPayload{"reason": req.Issue}, msg,
		func(q repo.Querier, next *domain.Task, payload events.EventPayload) error {
			opened, err := e.Escalator.OpenIn(ctx, q, req)
			if err != nil {
				return err
			}
			esc = opened
			next.EscalationID = esc.ID
			payload["escalation_id"] = esc.ID
			payload["holder"] = esc.HolderID
			return nil
		})
	if err != nil || !applied {
		return updated, domain.Escalation{}, err
	}
	e.Escalator.Announce(ctx, esc)
	return updated, esc, nil
}

// escalateForAuthority escalates t because actor failed an authority check
// and returns the check's error annotated with the escalation id.
func (e Engine) escalateForAuthority(ctx context.Context, t domain.Task, actor domain.Agent, checkErr error, req domain.EscalationRequest, mutate func(*domain.Task), msg *domain.Message) (domain.Task, error) {
	var authErr domain.AuthorityError
	if !errors.As(checkErr, &authErr) {
		return t, checkErr
	}
	if e.Matrix.MayActProvisionally(t.Category, actor.Level) {
		req.AttemptsMade = append(req.AttemptsMade, fmt.Sprintf("%s may act provisionally but needs confirmation", actor.ID))
	}
	updated, esc, err := e.escalateTask(ctx, t, actor.ID, req, mutate, msg)
	if err != nil || esc.ID == "" {
		return updated, err
	}
	authErr.EscalationID = esc.ID
	e.log().WithFields(logrus.Fields{
		"task_id":       t.ID,
		"actor":         actor.ID,
		"category":      t.Category,
		"escalation_id": esc.ID,
	}).Info("orchestrator: authority check failed, escalated")
	return updated, authErr
}

// Cancel stops a task. It needs the category's level; otherwise the
// cancellation is escalated with a cancel recommendation.
func (e Engine) Cancel(ctx context.Context, opts CancelOptions) (domain.Task, error) {
	if err := requireVersion(opts.Version); err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTask(ctx, nil, opts.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status == domain.TaskCancelled {
		return t, nil
	}
	if err := checkVersion(t, opts.Version); err != nil {
		return t, err
	}
	actor, err := e.Directory.Get(opts.ActorID)
	if err != nil {
		return t, err
	}
	return e.cancelWithAuthority(ctx, t, actor, opts.Reason, nil)
}

func (e Engine) cancelWithAuthority(ctx context.Context, t domain.Task, actor domain.Agent, reason string, msg *domain.Message) (domain.Task, error) {
	if t.Status.Terminal() {
		return t, domain.TransitionError{TaskID: t.ID, From: t.Status, To: domain.TaskCancelled}
	}
	if err := e.Matrix.Check(actor, t.Category); err != nil {
		if t.Status == domain.TaskEscalated {
			return t, err
		}
		return e.escalateForAuthority(ctx, t, actor, err, domain.EscalationRequest{
			Issue:          fmt.Sprintf("cancel task %q: %s", t.Title, reason),
			Recommendation: domain.VerdictCancel,
		}, nil, msg)
	}
	return e.cancelTask(ctx, t, actor.ID, reason, msg, true)
}

// cancelTask moves t to cancelled and tells its holders. withdraw also
// cancels an escalation the task is waiting on.
func (e Engine) cancelTask(ctx context.Context, t domain.Task, actorID, reason string, msg *domain.Message, withdraw bool) (domain.Task, error) {
	next := t
	next.Status = domain.TaskCancelled
	updated, applied, err := e.commit(ctx, t, next, actorID, events.TaskCancelled, events.EventPayload{"reason": reason}, msg)
	if err != nil || !applied {
		return updated, err
	}
	if holdsWork(t) {
		e.adjustWorkload(t.AssigneeID, -1)
	}
	if holders := t.Holders(); len(holders) > 0 {
		e.send(ctx, e.statusMessage(updated, holders, "cancelled: "+t.Title))
	}
	if withdraw && t.Status == domain.TaskEscalated && t.EscalationID != "" && e.Escalator != nil {
		if _, err := e.Escalator.Cancel(ctx, t.EscalationID, actorID, "task cancelled"); err != nil {
			e.log().WithError(err).WithFields(logrus.Fields{"task_id": t.ID, "escalation_id": t.EscalationID}).Warn("orchestrator: escalation not withdrawn")
		}
	}
	return updated, nil
}
