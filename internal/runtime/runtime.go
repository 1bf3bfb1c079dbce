// Package runtime drives the message loops: one worker per automated agent,
// the orchestrator consumer and the periodic bus and escalation sweeps.
package runtime

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ladder/internal/bus"
	"ladder/internal/collab"
	"ladder/internal/consensus"
	"ladder/internal/domain"
)

const defaultReceiveTimeout = time.Second

// Transport is the part of the bus the loops need.
type Transport interface {
	Send(ctx context.Context, msg domain.Message) (domain.Receipt, error)
	Receive(ctx context.Context, addr string, timeout time.Duration) (domain.Message, error)
	Ack(addr, messageID string) bool
}

// TaskReader loads the task a message refers to.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (domain.Task, error)
}

// MessageHandler consumes orchestrator messages.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg domain.Message) error
}

// loop receives from addr until ctx is done, handing each message to handle
// and acknowledging it afterwards.
func loop(ctx context.Context, b Transport, addr string, timeout time.Duration, log logrus.FieldLogger, handle func(context.Context, domain.Message) error) error {
	if timeout <= 0 {
		timeout = defaultReceiveTimeout
	}
	for {
		msg, err := b.Receive(ctx, addr, timeout)
		if errors.Is(err, bus.ErrReceiveTimeout) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := handle(ctx, msg); err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"address":    addr,
				"message_id": msg.ID,
				"type":       msg.Type,
				"task_id":    msg.Context.TaskID,
			}).Warn("runtime: message handling failed")
		}
		b.Ack(addr, msg.ID)
	}
}

// Consumer feeds the orchestrator mailbox to the task engine.
type Consumer struct {
	Bus            Transport
	Handler        MessageHandler
	ReceiveTimeout time.Duration
	Log            logrus.FieldLogger
}

func (c Consumer) Run(ctx context.Context) error {
	log := c.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return loop(ctx, c.Bus, domain.OrchestratorAddress, c.ReceiveTimeout, log, c.Handler.HandleMessage)
}

// Reviewer accepts consensus reviews.
type Reviewer interface {
	SubmitReview(ctx context.Context, sessionID string, r consensus.Review) error
}

// Worker plays one automated agent: it acknowledges assignments, produces
// work through the provider, submits it for review and publishes approved
// work.
type Worker struct {
	Agent          domain.Agent
	Bus            Transport
	Tasks          TaskReader
	Provider       collab.ExecutionProvider
	Publisher      collab.Publisher
	Sessions       Reviewer
	ReceiveTimeout time.Duration
	Log            logrus.FieldLogger

	mu        sync.Mutex
	artifacts map[string]collab.Artifact
	cancelled map[string]bool
}

func (w *Worker) log() logrus.FieldLogger {
	log := w.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return log.WithField("agent_id", w.Agent.ID)
}

func (w *Worker) Run(ctx context.Context) error {
	return loop(ctx, w.Bus, w.Agent.ID, w.ReceiveTimeout, w.log(), w.Handle)
}

// Handle reacts to one message addressed to the agent.
func (w *Worker) Handle(ctx context.Context, msg domain.Message) error {
	switch msg.Type {
	case domain.MsgTaskAssignment, domain.MsgReviewFeedback:
		return w.work(ctx, msg)
	case domain.MsgStatusUpdate:
		switch domain.TaskStatus(msg.Requirement(domain.ReqStatus)) {
		case domain.TaskApproved:
			return w.publish(ctx, msg)
		case domain.TaskCancelled:
			w.mu.Lock()
			if w.cancelled == nil {
				w.cancelled = map[string]bool{}
			}
			w.cancelled[msg.Context.TaskID] = true
			delete(w.artifacts, msg.Context.TaskID)
			w.mu.Unlock()
			w.log().WithField("task_id", msg.Context.TaskID).Info("worker: task cancelled, work dropped")
		}
		return nil
	case domain.MsgConsensus:
		if w.Sessions == nil || !msg.RequiredResponse || msg.Context.SessionID == "" {
			return nil
		}
		// Automated agents abstain instead of letting the deadline lapse.
		return w.Sessions.SubmitReview(ctx, msg.Context.SessionID, consensus.Review{
			AgentID: w.Agent.ID,
			Stance:  consensus.StanceAbstain,
			Comment: "automated agent",
		})
	default:
		w.log().WithFields(logrus.Fields{"type": msg.Type, "from": msg.From}).Debug("worker: message noted")
		return nil
	}
}

func (w *Worker) isCancelled(taskID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled[taskID]
}

func (w *Worker) work(ctx context.Context, msg domain.Message) error {
	task, err := w.Tasks.GetTask(ctx, msg.Context.TaskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() || w.isCancelled(task.ID) {
		return nil
	}
	if err := w.report(ctx, task, domain.TaskInProgress, msg.ID, ""); err != nil {
		return err
	}
	// The in_progress report moves the task one version on.
	task.Version++
	art, err := w.Provider.Execute(ctx, task, w.Agent)
	if err != nil {
		w.log().WithError(err).WithField("task_id", task.ID).Warn("worker: execution failed, escalating")
		return w.report(ctx, task, domain.TaskEscalated, msg.ID, err.Error())
	}
	if w.isCancelled(task.ID) {
		return nil
	}
	w.mu.Lock()
	if w.artifacts == nil {
		w.artifacts = map[string]collab.Artifact{}
	}
	w.artifacts[task.ID] = art
	w.mu.Unlock()
	return w.report(ctx, task, domain.TaskUnderReview, msg.ID, art.Body)
}

func (w *Worker) publish(ctx context.Context, msg domain.Message) error {
	task, err := w.Tasks.GetTask(ctx, msg.Context.TaskID)
	if err != nil {
		return err
	}
	w.mu.Lock()
	art, ok := w.artifacts[task.ID]
	w.mu.Unlock()
	if !ok {
		if art, err = w.Provider.Execute(ctx, task, w.Agent); err != nil {
			return w.report(ctx, task, domain.TaskFailed, msg.ID, err.Error())
		}
	}
	if err := w.Publisher.Publish(ctx, task, art); err != nil {
		w.log().WithError(err).WithField("task_id", task.ID).Warn("worker: publish failed")
		return w.report(ctx, task, domain.TaskFailed, msg.ID, err.Error())
	}
	w.mu.Lock()
	delete(w.artifacts, task.ID)
	w.mu.Unlock()
	return w.report(ctx, task, domain.TaskCompleted, msg.ID, "")
}

func (w *Worker) report(ctx context.Context, task domain.Task, status domain.TaskStatus, inReplyTo, body string) error {
	_, err := w.Bus.Send(ctx, domain.Message{
		From:      w.Agent.ID,
		To:        []string{domain.OrchestratorAddress},
		Type:      domain.MsgStatusUpdate,
		Priority:  task.Priority,
		InReplyTo: inReplyTo,
		Context:   domain.MessageContext{TaskID: task.ID},
		Content: domain.MessageContent{
			Subject:      string(status) + ": " + task.Title,
			Body:         body,
			Requirements: map[string]string{
				domain.ReqStatus:  string(status),
				domain.ReqVersion: strconv.Itoa(task.Version),
			},
		},
	})
	return err
}

// Sweeper runs a periodic sweep until ctx is done.
type Sweeper interface {
	Run(ctx context.Context, interval time.Duration) error
}

// Supervisor runs every loop in one errgroup; the first failure stops all.
type Supervisor struct {
	Bus             *bus.Bus
	BusSweep        time.Duration
	Escalations     Sweeper
	EscalationSweep time.Duration
	Consumer        Consumer
	Workers         []*Worker
	Log             logrus.FieldLogger
}

func (s Supervisor) Run(ctx context.Context) error {
	log := s.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	g, ctx := errgroup.WithContext(ctx)
	if s.Bus != nil {
		g.Go(func() error { return s.Bus.Run(ctx, s.BusSweep) })
	}
	if s.Escalations != nil {
		g.Go(func() error { return s.Escalations.Run(ctx, s.EscalationSweep) })
	}
	g.Go(func() error { return s.Consumer.Run(ctx) })
	for _, w := range s.Workers {
		w := w
		g.Go(func() error { return w.Run(ctx) })
	}
	log.WithField("workers", len(s.Workers)).Info("runtime: started")
	err := g.Wait()
	log.Info("runtime: stopped")
	return err
}
