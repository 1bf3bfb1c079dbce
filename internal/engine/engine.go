// Package engine is the task orchestrator: it owns the task lifecycle,
// enforces authority on assignment and review, and hands authority failures
// to the escalation engine.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ladder/internal/authority"
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

// Escalator opens and withdraws escalations on behalf of tasks. OpenIn
// writes through the caller's transaction so the escalation and the task's
// escalated state commit together; Announce runs after the commit.
type Escalator interface {
	Open(ctx context.Context, req domain.EscalationRequest) (domain.Escalation, error)
	OpenIn(ctx context.Context, q repo.Querier, req domain.EscalationRequest) (domain.Escalation, error)
	Announce(ctx context.Context, esc domain.Escalation)
	Cancel(ctx context.Context, id, actorID, reason string) (domain.Escalation, error)
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Ledger    *ledger.Ledger
	Directory *directory.Directory
	Matrix    authority.Matrix
	Bus       Sender
	Escalator Escalator
	// ResponseWindow makes task_assignment messages require an answer within
	// the window. Zero disables the requirement.
	ResponseWindow time.Duration
	Log            logrus.FieldLogger
	Now            func() time.Time
}

func New(db *sql.DB, dir *directory.Directory, matrix authority.Matrix, l *ledger.Ledger, bus Sender, esc Escalator) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{Now: time.Now},
		Ledger:    l,
		Directory: dir,
		Matrix:    matrix,
		Bus:       bus,
		Escalator: esc,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID            string
	Type          string
	Category      string
	Title         string
	CreatorID     string
	AssigneeID    string
	Collaborators []string
	Priority      string
	DueAt         *time.Time
	DependsOn     []string
	Context       map[string]any
}

// CreateTask stores a new task in status created. AssigneeID is only the
// requested assignee; Assign makes it effective.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, fmt.Errorf("task title required")
	}
	if strings.TrimSpace(opts.Category) == "" {
		return domain.Task{}, fmt.Errorf("task category required")
	}
	if _, err := e.Directory.Get(opts.CreatorID); err != nil {
		return domain.Task{}, err
	}
	if opts.AssigneeID != "" {
		if _, err := e.Directory.Get(opts.AssigneeID); err != nil {
			return domain.Task{}, err
		}
	}
	for _, c := range opts.Collaborators {
		if _, err := e.Directory.Get(c); err != nil {
			return domain.Task{}, err
		}
	}
	priority, err := domain.ParsePriority(opts.Priority)
	if err != nil {
		return domain.Task{}, err
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Type == "" {
		opts.Type = "task"
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	deps := dedupe(opts.DependsOn)
	for _, dep := range deps {
		if dep == opts.ID {
			return domain.Task{}, fmt.Errorf("task %s cannot depend on itself", opts.ID)
		}
		ok, err := e.Repo.TaskExists(ctx, tx, dep)
		if err != nil {
			return domain.Task{}, err
		}
		if !ok {
			return domain.Task{}, domain.NotFoundError{Kind: "task", ID: dep}
		}
	}

	now := e.now()
	var due *time.Time
	if opts.DueAt != nil {
		d := opts.DueAt.UTC()
		due = &d
	}
	t := domain.Task{
		ID:            opts.ID,
		Type:          opts.Type,
		Category:      opts.Category,
		Title:         opts.Title,
		CreatorID:     opts.CreatorID,
		AssigneeID:    opts.AssigneeID,
		Collaborators: dedupe(opts.Collaborators),
		Status:        domain.TaskCreated,
		Priority:      priority,
		DueAt:         due,
		DependsOn:     deps,
		Context:       opts.Context,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TaskCreated, "task", t.ID, t.CreatorID, events.EventPayload{
		"category": t.Category,
		"priority": t.Priority,
		"assignee": t.AssigneeID,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, nil, id)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, nil, f)
}

// TaskStats counts tasks per status.
func (e Engine) TaskStats(ctx context.Context) (map[string]int, error) {
	return e.Repo.CountTasksByStatus(ctx, nil)
}

// ListReadyTasks returns created tasks with satisfied dependencies that are
// aimed at agentID or unassigned. Unassigned tasks are only offered when the
// agent may at least act provisionally in their category.
func (e Engine) ListReadyTasks(ctx context.Context, agentID string) ([]domain.Task, error) {
	agent, err := e.Directory.Get(agentID)
	if err != nil {
		return nil, err
	}
	tasks, err := e.Repo.ReadyTasks(ctx, nil, agentID)
	if err != nil {
		return nil, err
	}
	out := tasks[:0]
	for _, t := range tasks {
		if t.AssigneeID == "" && !e.Matrix.MayActProvisionally(t.Category, agent.Level) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// send delivers msg and logs failures. Bus delivery happens after commit, so
// a failed send never rolls back a transition.
func (e Engine) send(ctx context.Context, msg domain.Message) {
	if e.Bus == nil {
		return
	}
	if _, err := e.Bus.Send(ctx, msg); err != nil {
		e.log().WithError(err).WithFields(logrus.Fields{
			"type":    msg.Type,
			"to":      strings.Join(msg.To, ","),
			"task_id": msg.Context.TaskID,
		}).Warn("orchestrator: message not delivered")
	}
}

func (e Engine) adjustWorkload(agentID string, delta int) {
	if agentID == "" {
		return
	}
	if err := e.Directory.AdjustWorkload(agentID, delta); err != nil {
		e.log().WithError(err).WithField("agent_id", agentID).Warn("orchestrator: workload not adjusted")
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
