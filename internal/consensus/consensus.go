// Package consensus runs structured group decisions: a proposal is reviewed
// by the participants, discussed for a bounded number of rounds and decided
// by the lowest participant with enough authority.
package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ladder/internal/authority"
	"ladder/internal/bus"
	"ladder/internal/config"
	"ladder/internal/directory"
	"ladder/internal/domain"
	"ladder/internal/engine"
	"ladder/internal/events"
	"ladder/internal/ledger"
)

var (
	ErrDiscussionClosed = errors.New("discussion closed")
	ErrAlreadyRebutted  = errors.New("rebuttal already given this round")
)

type Phase string

const (
	PhasePropose   Phase = "propose"
	PhaseReview    Phase = "review"
	PhaseDiscuss   Phase = "discuss"
	PhaseDecide    Phase = "decide"
	PhaseExecute   Phase = "execute"
	PhaseEscalated Phase = "escalated"
	PhaseClosed    Phase = "closed"
)

type Stance string

const (
	StanceSupport Stance = "support"
	StanceOppose  Stance = "oppose"
	StanceAbstain Stance = "abstain"
	StanceCounter Stance = "counter"
)

// Transport is the part of the bus the protocol needs.
type Transport interface {
	Send(ctx context.Context, msg domain.Message) (domain.Receipt, error)
	Receive(ctx context.Context, addr string, timeout time.Duration) (domain.Message, error)
	Ack(addr, messageID string) bool
}

// TaskService creates and assigns the tasks a decision calls for.
type TaskService interface {
	CreateTask(ctx context.Context, opts engine.TaskCreateOptions) (domain.Task, error)
	Assign(ctx context.Context, opts engine.AssignOptions) (domain.Task, error)
}

// Escalator opens escalations for sessions nobody present can decide.
type Escalator interface {
	Open(ctx context.Context, req domain.EscalationRequest) (domain.Escalation, error)
}

type Proposal struct {
	ID          string                  `json:"id"`
	AuthorID    string                  `json:"author"`
	Summary     string                  `json:"summary"`
	Body        string                  `json:"body,omitempty"`
	Actions     []domain.DecisionAction `json:"actions,omitempty"`
	SubmittedAt time.Time               `json:"submitted_at"`
}

type Review struct {
	AgentID string    `json:"agent_id"`
	Stance  Stance    `json:"stance"`
	Comment string    `json:"comment,omitempty"`
	Counter *Proposal `json:"counter,omitempty"`
	At      time.Time `json:"at"`
}

type Rebuttal struct {
	AgentID string    `json:"agent_id"`
	Round   int       `json:"round"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

type Session struct {
	ID             string           `json:"id"`
	Topic          string           `json:"topic"`
	Category       string           `json:"category"`
	ProposerID     string           `json:"proposer"`
	Participants   []string         `json:"participants"`
	Phase          Phase            `json:"phase"`
	Proposals      []Proposal       `json:"proposals"`
	Reviews        []Review         `json:"reviews"`
	Rebuttals      []Rebuttal       `json:"rebuttals,omitempty"`
	Round          int              `json:"round"`
	ReviewDeadline time.Time        `json:"review_deadline"`
	Decision       *domain.Decision `json:"decision,omitempty"`
	EscalationID   string           `json:"escalation_id,omitempty"`
	TaskIDs        []string         `json:"task_ids,omitempty"`
	OpenedAt       time.Time        `json:"opened_at"`

	// busy is set while a Decide or Execute call owns the session.
	busy bool
}

func (s *Session) clone() Session {
	out := *s
	out.Participants = append([]string(nil), s.Participants...)
	out.Proposals = append([]Proposal(nil), s.Proposals...)
	out.Reviews = append([]Review(nil), s.Reviews...)
	out.Rebuttals = append([]Rebuttal(nil), s.Rebuttals...)
	out.TaskIDs = append([]string(nil), s.TaskIDs...)
	if s.Decision != nil {
		d := *s.Decision
		out.Decision = &d
	}
	return out
}

func (s *Session) isParticipant(id string) bool {
	for _, p := range s.Participants {
		if p == id {
			return true
		}
	}
	return false
}

func (s *Session) reviewed(id string) bool {
	for _, r := range s.Reviews {
		if r.AgentID == id {
			return true
		}
	}
	return false
}

func (s *Session) proposal(id string) (Proposal, bool) {
	for _, p := range s.Proposals {
		if p.ID == id {
			return p, true
		}
	}
	return Proposal{}, false
}

type Protocol struct {
	Bus       Transport
	Directory *directory.Directory
	Matrix    authority.Matrix
	Ledger    *ledger.Ledger
	Escalator Escalator
	Tasks     TaskService
	Config    config.ConsensusConfig
	Log       logrus.FieldLogger
	Now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

func (p *Protocol) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Protocol) log() logrus.FieldLogger {
	if p.Log != nil {
		return p.Log
	}
	return logrus.StandardLogger()
}

func (p *Protocol) maxRounds() int {
	if p.Config.MaxRounds > 0 {
		return p.Config.MaxRounds
	}
	return 2
}

func (p *Protocol) reviewTimeout() time.Duration {
	if p.Config.ReviewTimeout > 0 {
		return p.Config.ReviewTimeout
	}
	return time.Hour
}

func (p *Protocol) session(id string) (*Session, error) {
	s, ok := p.sessions[id]
	if !ok {
		return nil, domain.NotFoundError{Kind: "session", ID: id}
	}
	return s, nil
}

func (p *Protocol) trail(ctx context.Context, evtType, sessionID, actorID string, payload events.EventPayload) {
	if p.Ledger == nil {
		return
	}
	if err := p.Ledger.Events.Append(ctx, p.Ledger.DB, evtType, "session", sessionID, actorID, payload); err != nil {
		p.log().WithError(err).WithField("session_id", sessionID).Warn("consensus: event not recorded")
	}
}

type ProposeRequest struct {
	Topic        string
	Category     string
	ProposerID   string
	Participants []string
	Summary      string
	Body         string
	Actions      []domain.DecisionAction
}

// Propose opens a session and sends the proposal to every participant other
// than the proposer, each of whom owes a review by the review deadline.
func (p *Protocol) Propose(ctx context.Context, req ProposeRequest) (Session, error) {
	if strings.TrimSpace(req.Topic) == "" {
		return Session{}, fmt.Errorf("session topic required")
	}
	if strings.TrimSpace(req.Category) == "" {
		return Session{}, fmt.Errorf("session category required")
	}
	if _, err := p.Directory.Get(req.ProposerID); err != nil {
		return Session{}, err
	}
	participants := []string{req.ProposerID}
	for _, id := range req.Participants {
		if _, err := p.Directory.Get(id); err != nil {
			return Session{}, err
		}
		if id != req.ProposerID {
			participants = append(participants, id)
		}
	}
	participants = dedupe(participants)
	if len(participants) < 2 {
		return Session{}, fmt.Errorf("consensus needs at least two participants")
	}

	now := p.now()
	s := &Session{
		ID:             uuid.NewString(),
		Topic:          req.Topic,
		Category:       req.Category,
		ProposerID:     req.ProposerID,
		Participants:   participants,
		Phase:          PhasePropose,
		ReviewDeadline: now.Add(p.reviewTimeout()),
		OpenedAt:       now,
	}
	proposal := Proposal{AuthorID: req.ProposerID, Summary: req.Summary, Body: req.Body, Actions: req.Actions, SubmittedAt: now}
	body, err := json.Marshal(proposal)
	if err != nil {
		return Session{}, err
	}
	deadline := s.ReviewDeadline
	receipt, err := p.Bus.Send(ctx, domain.Message{
		From:             domain.ConsensusAddress(s.ID),
		To:               participants[1:],
		Type:             domain.MsgConsensus,
		Context:          domain.MessageContext{SessionID: s.ID, Deadline: &deadline},
		Content:          domain.MessageContent{Subject: req.Topic, Body: string(body), Requirements: map[string]string{"phase": string(PhaseReview), "category": req.Category}},
		RequiredResponse: true,
		ResponseBy:       &deadline,
	})
	if err != nil {
		return Session{}, fmt.Errorf("send proposal: %w", err)
	}
	proposal.ID = receipt.MessageID
	s.Proposals = []Proposal{proposal}
	s.Reviews = []Review{{AgentID: req.ProposerID, Stance: StanceSupport, At: now}}
	s.Phase = PhaseReview

	p.mu.Lock()
	if p.sessions == nil {
		p.sessions = map[string]*Session{}
	}
	p.sessions[s.ID] = s
	out := s.clone()
	p.mu.Unlock()

	p.trail(ctx, events.ConsensusProposed, s.ID, req.ProposerID, events.EventPayload{
		"topic":        req.Topic,
		"category":     req.Category,
		"participants": participants,
		"proposal_id":  proposal.ID,
	})
	return out, nil
}

// SubmitReview sends agentID's review to the session mailbox as the reply to
// the proposal. Collect applies it.
func (p *Protocol) SubmitReview(ctx context.Context, sessionID string, r Review) error {
	p.mu.Lock()
	s, err := p.session(sessionID)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if s.Phase != PhaseReview {
		p.mu.Unlock()
		return domain.StateError{Kind: "session", ID: sessionID, State: string(s.Phase), Op: "review"}
	}
	if !s.isParticipant(r.AgentID) {
		p.mu.Unlock()
		return domain.ForbiddenError{ActorID: r.AgentID, Action: "review session " + sessionID}
	}
	proposalID := s.Proposals[0].ID
	p.mu.Unlock()

	switch r.Stance {
	case StanceSupport, StanceOppose, StanceAbstain:
	case StanceCounter:
		if r.Counter == nil || strings.TrimSpace(r.Counter.Summary) == "" {
			return fmt.Errorf("counter proposal summary required")
		}
	default:
		return fmt.Errorf("invalid stance %q", r.Stance)
	}
	r.At = p.now()
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = p.Bus.Send(ctx, domain.Message{
		From:      r.AgentID,
		To:        []string{domain.ConsensusAddress(sessionID)},
		Type:      domain.MsgConsensus,
		InReplyTo: proposalID,
		Context:   domain.MessageContext{SessionID: sessionID, RelatedMessages: []string{proposalID}},
		Content:   domain.MessageContent{Subject: "review", Body: string(body), Requirements: map[string]string{"stance": string(r.Stance)}},
	})
	return err
}

// Collect drains the session mailbox and applies the reviews and timeouts in
// it. Once every participant has reviewed, or the deadline has passed, the
// review phase closes.
func (p *Protocol) Collect(ctx context.Context, sessionID string) (Session, error) {
	addr := domain.ConsensusAddress(sessionID)
	p.mu.Lock()
	if _, err := p.session(sessionID); err != nil {
		p.mu.Unlock()
		return Session{}, err
	}
	p.mu.Unlock()

	for {
		msg, err := p.Bus.Receive(ctx, addr, time.Millisecond)
		if errors.Is(err, bus.ErrReceiveTimeout) {
			break
		}
		if err != nil {
			return Session{}, err
		}
		p.apply(msg)
		p.Bus.Ack(addr, msg.ID)
	}

	p.mu.Lock()
	s := p.sessions[sessionID]
	done := s.Phase == PhaseReview && (len(s.Reviews) == len(s.Participants) || !p.now().Before(s.ReviewDeadline))
	p.mu.Unlock()
	if done {
		return p.CloseReview(ctx, sessionID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return s.clone(), nil
}

func (p *Protocol) apply(msg domain.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[msg.Context.SessionID]
	if !ok || s.Phase != PhaseReview {
		return
	}
	if te, ok := domain.TimeoutFromMessage(msg); ok {
		for _, id := range te.Missing {
			if s.isParticipant(id) && !s.reviewed(id) {
				s.Reviews = append(s.Reviews, Review{AgentID: id, Stance: StanceAbstain, Comment: "no response by deadline", At: p.now()})
			}
		}
		return
	}
	var r Review
	if err := json.Unmarshal([]byte(msg.Content.Body), &r); err != nil {
		p.log().WithError(err).WithField("message_id", msg.ID).Warn("consensus: malformed review dropped")
		return
	}
	r.AgentID = msg.From
	if !s.isParticipant(r.AgentID) || s.reviewed(r.AgentID) {
		return
	}
	if r.Stance == StanceCounter && r.Counter != nil {
		counter := *r.Counter
		counter.ID = msg.ID
		counter.AuthorID = r.AgentID
		counter.SubmittedAt = msg.SentAt
		s.Proposals = append(s.Proposals, counter)
		r.Counter = &counter
	}
	s.Reviews = append(s.Reviews, r)
}

// CloseReview ends the review phase; participants without a review count as
// abstentions. Discussion starts at round 1.
func (p *Protocol) CloseReview(ctx context.Context, sessionID string) (Session, error) {
	p.mu.Lock()
	s, err := p.session(sessionID)
	if err != nil {
		p.mu.Unlock()
		return Session{}, err
	}
	if s.Phase != PhaseReview {
		p.mu.Unlock()
		return Session{}, domain.StateError{Kind: "session", ID: sessionID, State: string(s.Phase), Op: "close review of"}
	}
	for _, id := range s.Participants {
		if !s.reviewed(id) {
			s.Reviews = append(s.Reviews, Review{AgentID: id, Stance: StanceAbstain, Comment: "no response", At: p.now()})
		}
	}
	s.Phase = PhaseDiscuss
	s.Round = 1
	out := s.clone()
	p.mu.Unlock()
	return out, nil
}

// Rebut adds agentID's argument to the current round; each participant
// speaks at most once per round.
func (p *Protocol) Rebut(ctx context.Context, sessionID, agentID, text string) error {
	p.mu.Lock()
	s, err := p.session(sessionID)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if s.Phase != PhaseDiscuss {
		p.mu.Unlock()
		if s.Phase == PhaseDecide {
			return ErrDiscussionClosed
		}
		return domain.StateError{Kind: "session", ID: sessionID, State: string(s.Phase), Op: "rebut in"}
	}
	if !s.isParticipant(agentID) {
		p.mu.Unlock()
		return domain.ForbiddenError{ActorID: agentID, Action: "rebut in session " + sessionID}
	}
	for _, r := range s.Rebuttals {
		if r.AgentID == agentID && r.Round == s.Round {
			p.mu.Unlock()
			return ErrAlreadyRebutted
		}
	}
	s.Rebuttals = append(s.Rebuttals, Rebuttal{AgentID: agentID, Round: s.Round, Text: text, At: p.now()})
	var others []string
	for _, id := range s.Participants {
		if id != agentID {
			others = append(others, id)
		}
	}
	round := s.Round
	p.mu.Unlock()

	_, err = p.Bus.Send(ctx, domain.Message{
		From:    agentID,
		To:      others,
		Type:    domain.MsgConsensus,
		Context: domain.MessageContext{SessionID: sessionID},
		Content: domain.MessageContent{Subject: "rebuttal", Body: text, Requirements: map[string]string{"round": fmt.Sprint(round)}},
	})
	return err
}

// NextRound opens the next discussion round. Past the configured limit the
// session moves to decide and ErrDiscussionClosed is returned.
func (p *Protocol) NextRound(ctx context.Context, sessionID string) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.session(sessionID)
	if err != nil {
		return Session{}, err
	}
	switch s.Phase {
	case PhaseDiscuss:
	case PhaseDecide:
		return s.clone(), ErrDiscussionClosed
	default:
		return Session{}, domain.StateError{Kind: "session", ID: sessionID, State: string(s.Phase), Op: "advance round of"}
	}
	if s.Round >= p.maxRounds() {
		s.Phase = PhaseDecide
		return s.clone(), ErrDiscussionClosed
	}
	s.Round++
	return s.clone(), nil
}

// Arbiter returns the participant that decides: the lowest level that meets
// the category requirement, ties broken by id.
func (p *Protocol) Arbiter(sessionID string) (domain.Agent, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.session(sessionID)
	if err != nil {
		return domain.Agent{}, false, err
	}
	a, ok := p.arbiter(s)
	return a, ok, nil
}

func (p *Protocol) arbiter(s *Session) (domain.Agent, bool) {
	required := p.Matrix.RequiredLevel(s.Category)
	var candidates []domain.Agent
	for _, id := range s.Participants {
		a, err := p.Directory.Get(id)
		if err == nil && a.Level >= required {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return domain.Agent{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Level != candidates[j].Level {
			return candidates[i].Level < candidates[j].Level
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], true
}

type DecideRequest struct {
	DeciderID  string
	Verdict    string
	ProposalID string
	Reasoning  string
	Actions    []domain.DecisionAction
}

// release clears the busy mark taken by Decide or Execute.
func (p *Protocol) release(s *Session) {
	p.mu.Lock()
	s.busy = false
	p.mu.Unlock()
}

// Decide closes the discussion with a verdict. A decider below the category's
// level escalates the session instead, and the returned AuthorityError names
// the escalation.
func (p *Protocol) Decide(ctx context.Context, sessionID string, req DecideRequest) (domain.Decision, error) {
	p.mu.Lock()
	s, err := p.session(sessionID)
	if err != nil {
		p.mu.Unlock()
		return domain.Decision{}, err
	}
	if s.busy {
		p.mu.Unlock()
		return domain.Decision{}, domain.StateError{Kind: "session", ID: sessionID, State: "deciding", Op: "decide"}
	}
	if s.Phase != PhaseDiscuss && s.Phase != PhaseDecide {
		p.mu.Unlock()
		return domain.Decision{}, domain.StateError{Kind: "session", ID: sessionID, State: string(s.Phase), Op: "decide"}
	}
	if !s.isParticipant(req.DeciderID) {
		p.mu.Unlock()
		return domain.Decision{}, domain.ForbiddenError{ActorID: req.DeciderID, Action: "decide session " + sessionID}
	}
	decider, err := p.Directory.Get(req.DeciderID)
	if err != nil {
		p.mu.Unlock()
		return domain.Decision{}, err
	}
	s.busy = true
	snapshot := s.clone()
	p.mu.Unlock()
	defer p.release(s)

	if checkErr := p.Matrix.Check(decider, snapshot.Category); checkErr != nil {
		return domain.Decision{}, p.escalate(ctx, snapshot, decider, req, checkErr)
	}

	d := domain.Decision{
		MakerID:       decider.ID,
		Category:      snapshot.Category,
		Verdict:       req.Verdict,
		Reasoning:     req.Reasoning,
		Actions:       req.Actions,
		ApprovalChain: []string{decider.ID},
	}
	switch req.Verdict {
	case domain.VerdictAdopt:
		chosen, ok := snapshot.proposal(req.ProposalID)
		if !ok {
			return domain.Decision{}, domain.NotFoundError{Kind: "proposal", ID: req.ProposalID}
		}
		d.ProposalRefs = []string{chosen.ID}
		if len(d.Actions) == 0 {
			d.Actions = chosen.Actions
		}
	case domain.VerdictReject:
		for _, prop := range snapshot.Proposals {
			d.ProposalRefs = append(d.ProposalRefs, prop.ID)
		}
		d.Actions = nil
	case domain.VerdictSynthesize:
		for _, prop := range snapshot.Proposals {
			d.ProposalRefs = append(d.ProposalRefs, prop.ID)
		}
		if len(d.Actions) == 0 {
			for _, prop := range snapshot.Proposals {
				d.Actions = append(d.Actions, prop.Actions...)
			}
		}
	default:
		return domain.Decision{}, fmt.Errorf("invalid consensus verdict %q", req.Verdict)
	}

	d, err = p.Ledger.Record(ctx, nil, d)
	if err != nil {
		return domain.Decision{}, err
	}
	p.settle(ctx, sessionID, d)
	return d, nil
}

func (p *Protocol) escalate(ctx context.Context, s Session, decider domain.Agent, req DecideRequest, checkErr error) error {
	var attempts []string
	for _, r := range s.Reviews {
		attempts = append(attempts, fmt.Sprintf("%s: %s", r.AgentID, r.Stance))
	}
	esc, err := p.Escalator.Open(ctx, domain.EscalationRequest{
		IssueID:        s.ID,
		SessionID:      s.ID,
		OriginID:       decider.ID,
		Category:       s.Category,
		Urgency:        domain.PriorityNormal,
		Issue:          fmt.Sprintf("consensus on %q needs a higher authority", s.Topic),
		Recommendation: req.Verdict,
		Impact:         req.Reasoning,
		AttemptsMade:   attempts,
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	if live, ok := p.sessions[s.ID]; ok {
		live.Phase = PhaseEscalated
		live.EscalationID = esc.ID
	}
	p.mu.Unlock()
	p.log().WithFields(logrus.Fields{"session_id": s.ID, "escalation_id": esc.ID, "holder": esc.HolderID, "decider": decider.ID}).Info("consensus: decider lacks authority, escalated")

	var authErr domain.AuthorityError
	if errors.As(checkErr, &authErr) {
		authErr.EscalationID = esc.ID
		return authErr
	}
	return checkErr
}

// settle stores d on the session and tells every participant.
func (p *Protocol) settle(ctx context.Context, sessionID string, d domain.Decision) {
	p.mu.Lock()
	s, ok := p.sessions[sessionID]
	if !ok {
		p.mu.Unlock()
		return
	}
	s.Decision = &d
	s.Phase = PhaseExecute
	if d.Verdict == domain.VerdictReject || d.Verdict == domain.VerdictCancel || len(d.Actions) == 0 {
		s.Phase = PhaseClosed
	}
	participants := append([]string(nil), s.Participants...)
	p.mu.Unlock()

	body, _ := json.Marshal(d)
	if _, err := p.Bus.Send(ctx, domain.Message{
		From:    domain.ConsensusAddress(sessionID),
		To:      participants,
		Type:    domain.MsgDecisionRecord,
		Context: domain.MessageContext{SessionID: sessionID},
		Content: domain.MessageContent{Subject: d.Verdict, Body: string(body)},
	}); err != nil {
		p.log().WithError(err).WithField("session_id", sessionID).Warn("consensus: decision not broadcast")
	}
	p.trail(ctx, events.ConsensusDecided, sessionID, d.MakerID, events.EventPayload{
		"decision_id":   d.ID,
		"decision":      d.Verdict,
		"proposal_refs": d.ProposalRefs,
	})
}

// OnEscalationResolved settles an escalated session with the resolver's
// decision. It is registered as an escalation hook.
func (p *Protocol) OnEscalationResolved(ctx context.Context, esc domain.Escalation, d *domain.Decision) error {
	if esc.SessionID == "" {
		return nil
	}
	p.mu.Lock()
	s, ok := p.sessions[esc.SessionID]
	if !ok || s.Phase != PhaseEscalated || s.EscalationID != esc.ID {
		p.mu.Unlock()
		return nil
	}
	if d == nil {
		s.Phase = PhaseClosed
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	p.settle(ctx, esc.SessionID, *d)
	return nil
}

// Execute turns the decision's actions into tasks assigned by the decision
// maker and closes the session. After a failure, a later call picks up at the
// first action that has no task yet.
func (p *Protocol) Execute(ctx context.Context, sessionID string) ([]domain.Task, error) {
	p.mu.Lock()
	s, err := p.session(sessionID)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if s.busy {
		p.mu.Unlock()
		return nil, domain.StateError{Kind: "session", ID: sessionID, State: "executing", Op: "execute"}
	}
	if s.Phase != PhaseExecute || s.Decision == nil {
		p.mu.Unlock()
		return nil, domain.StateError{Kind: "session", ID: sessionID, State: string(s.Phase), Op: "execute"}
	}
	s.busy = true
	d := *s.Decision
	category := s.Category
	done := len(s.TaskIDs)
	p.mu.Unlock()
	defer p.release(s)

	var out []domain.Task
	err = p.executeActions(ctx, sessionID, category, d, done, &out)

	p.mu.Lock()
	for _, t := range out {
		s.TaskIDs = append(s.TaskIDs, t.ID)
	}
	if err == nil {
		s.Phase = PhaseClosed
	}
	p.mu.Unlock()
	return out, err
}

// executeActions creates a task for each action from index from on. A task
// that was created but not assigned is still appended to out.
func (p *Protocol) executeActions(ctx context.Context, sessionID, category string, d domain.Decision, from int, out *[]domain.Task) error {
	if from > len(d.Actions) {
		from = len(d.Actions)
	}
	for _, action := range d.Actions[from:] {
		task, err := p.Tasks.CreateTask(ctx, engine.TaskCreateOptions{
			Type:       "consensus_action",
			Category:   category,
			Title:      action.Action,
			CreatorID:  d.MakerID,
			AssigneeID: action.AssignedTo,
			DueAt:      action.DueDate,
			Context:    map[string]any{"session_id": sessionID, "decision_id": d.ID},
		})
		if err != nil {
			return err
		}
		if action.AssignedTo != "" {
			assigned, err := p.Tasks.Assign(ctx, engine.AssignOptions{TaskID: task.ID, ActorID: d.MakerID, Version: task.Version})
			if err != nil {
				*out = append(*out, task)
				return err
			}
			task = assigned
		}
		*out = append(*out, task)
	}
	return nil
}

func (p *Protocol) Get(sessionID string) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.session(sessionID)
	if err != nil {
		return Session{}, err
	}
	return s.clone(), nil
}

// List returns every session, oldest first.
func (p *Protocol) List() []Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
