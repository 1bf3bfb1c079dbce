package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")

// NotFoundError reports an unknown agent, task, escalation or decision.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// CycleError reports a registration that would break the reporting tree.
type CycleError struct {
	AgentID  string
	ParentID string
	Reason   string
}

func (e CycleError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("reporting tree violation for %s -> %s: %s", e.AgentID, e.ParentID, e.Reason)
	}
	return fmt.Sprintf("reporting cycle: %s cannot report to %s", e.AgentID, e.ParentID)
}

// ConflictError reports a stale version on mutation.
type ConflictError struct {
	Kind     string
	ID       string
	Expected int
	Actual   int
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s %s version conflict: expected %d, found %d", e.Kind, e.ID, e.Expected, e.Actual)
}

type DependencyNotSatisfiedError struct {
	TaskID  string
	Pending []string
}

func (e DependencyNotSatisfiedError) Error() string {
	return fmt.Sprintf("task %s has dependencies not completed: %s", e.TaskID, strings.Join(e.Pending, ","))
}

// AuthorityError reports an attempted decision below the required tier.
// EscalationID names the escalation opened in response, when one was.
type AuthorityError struct {
	ActorID      string
	Category     string
	Required     int
	Actual       int
	EscalationID string
}

func (e AuthorityError) Error() string {
	msg := fmt.Sprintf("agent %s (level %d) lacks authority for %s (requires level %d)", e.ActorID, e.Actual, e.Category, e.Required)
	if e.EscalationID != "" {
		msg += "; escalated as " + e.EscalationID
	}
	return msg
}

// TimeoutError describes an overdue required response. It travels as a bus
// event and is never returned from an operation.
type TimeoutError struct {
	MessageID string
	Deadline  time.Time
	Missing   []string
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("message %s unanswered by %s (missing: %s)", e.MessageID, FormatTime(e.Deadline), strings.Join(e.Missing, ","))
}

type UnresolvedEscalationError struct {
	EscalationID string
	HolderID     string
}

func (e UnresolvedEscalationError) Error() string {
	return fmt.Sprintf("escalation %s unresolved at root %s", e.EscalationID, e.HolderID)
}

// TransitionError reports a task status change the lifecycle does not permit.
type TransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition %s -> %s for %s", e.From, e.To, e.TaskID)
}

// ForbiddenError reports an actor that is not permitted to act, independent of authority level.
type ForbiddenError struct {
	ActorID string
	Action  string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("agent %s may not %s", e.ActorID, e.Action)
}

// StateError reports an operation on an entity in the wrong state.
type StateError struct {
	Kind  string
	ID    string
	State string
	Op    string
}

func (e StateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in state %s", e.Op, e.Kind, e.ID, e.State)
}
