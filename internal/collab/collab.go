// Package collab defines the external collaborators of the core: the
// execution provider that produces work, the publisher that ships it and the
// sink that notifies humans.
package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ladder/internal/domain"
)

// Artifact is the opaque output of an execution provider.
type Artifact struct {
	TaskID     string            `json:"task_id"`
	AgentID    string            `json:"agent_id"`
	Kind       string            `json:"kind"`
	Body       string            `json:"body"`
	Meta       map[string]string `json:"meta,omitempty"`
	ProducedAt time.Time         `json:"produced_at"`
}

type ExecutionProvider interface {
	Execute(ctx context.Context, task domain.Task, agent domain.Agent) (Artifact, error)
}

type Publisher interface {
	Publish(ctx context.Context, task domain.Task, artifact Artifact) error
}

type NotificationSink interface {
	NotifyUnresolved(ctx context.Context, rec domain.EscalationRecord) error
	NotifyDecision(ctx context.Context, d domain.Decision) error
}

type ProviderFunc func(ctx context.Context, task domain.Task, agent domain.Agent) (Artifact, error)

func (f ProviderFunc) Execute(ctx context.Context, task domain.Task, agent domain.Agent) (Artifact, error) {
	return f(ctx, task, agent)
}

type PublisherFunc func(ctx context.Context, task domain.Task, artifact Artifact) error

func (f PublisherFunc) Publish(ctx context.Context, task domain.Task, artifact Artifact) error {
	return f(ctx, task, artifact)
}

// EchoProvider produces a placeholder artifact naming the task and the agent profile.
type EchoProvider struct {
	Now func() time.Time
}

func (p EchoProvider) Execute(ctx context.Context, task domain.Task, agent domain.Agent) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	body := fmt.Sprintf("%s by %s", task.Title, agent.Name)
	if task.Feedback != "" {
		body += " (revised: " + task.Feedback + ")"
	}
	return Artifact{
		TaskID:     task.ID,
		AgentID:    agent.ID,
		Kind:       task.Type,
		Body:       body,
		Meta:       agent.Profile,
		ProducedAt: now(),
	}, nil
}

// LogPublisher records publications in the log and always succeeds.
type LogPublisher struct {
	Log logrus.FieldLogger
}

func (p LogPublisher) Publish(ctx context.Context, task domain.Task, artifact Artifact) error {
	log := p.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"agent_id": artifact.AgentID,
		"kind":     artifact.Kind,
	}).Info("publish: artifact shipped")
	return nil
}

// LogSink writes notifications through logrus.
type LogSink struct {
	Log logrus.FieldLogger
}

func (s LogSink) log() logrus.FieldLogger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}

func (s LogSink) NotifyUnresolved(ctx context.Context, rec domain.EscalationRecord) error {
	s.log().WithFields(logrus.Fields{
		"escalation_id": rec.EscalationID,
		"category":      rec.Category,
		"origin":        rec.From,
		"holder":        rec.To,
		"urgency":       rec.Urgency,
	}).Error("notify: escalation unresolved at root, human action required")
	return nil
}

func (s LogSink) NotifyDecision(ctx context.Context, d domain.Decision) error {
	s.log().WithFields(logrus.Fields{
		"decision_id":    d.ID,
		"decision_maker": d.MakerID,
		"category":       d.Category,
		"decision":       d.Verdict,
		"escalated":      d.Escalated,
	}).Info("notify: decision recorded")
	return nil
}

// MultiSink fans a notification out to every sink and joins their errors.
type MultiSink []NotificationSink

func (m MultiSink) NotifyUnresolved(ctx context.Context, rec domain.EscalationRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.NotifyUnresolved(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) NotifyDecision(ctx context.Context, d domain.Decision) error {
	var errs []error
	for _, s := range m {
		if err := s.NotifyDecision(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordingSink keeps every notification in memory.
type RecordingSink struct {
	mu         sync.Mutex
	unresolved []domain.EscalationRecord
	decisions  []domain.Decision
}

func (s *RecordingSink) NotifyUnresolved(ctx context.Context, rec domain.EscalationRecord) error {
	s.mu.Lock()
	s.unresolved = append(s.unresolved, rec)
	s.mu.Unlock()
	return nil
}

func (s *RecordingSink) NotifyDecision(ctx context.Context, d domain.Decision) error {
	s.mu.Lock()
	s.decisions = append(s.decisions, d)
	s.mu.Unlock()
	return nil
}

func (s *RecordingSink) Unresolved() []domain.EscalationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.EscalationRecord(nil), s.unresolved...)
}

func (s *RecordingSink) Decisions() []domain.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Decision(nil), s.decisions...)
}
