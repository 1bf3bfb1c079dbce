// Package bus delivers messages between agents with per-recipient priority
// bands, at-least-once redelivery and response deadline tracking.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ladder/internal/domain"
)

var ErrReceiveTimeout = errors.New("receive timed out")

const defaultRedelivery = 30 * time.Second

// Resolver validates recipients and expands broadcast scopes.
type Resolver interface {
	Exists(id string) bool
	Members(scope string) ([]string, error)
}

type Bus struct {
	Resolver   Resolver
	Redelivery time.Duration
	Log        logrus.FieldLogger
	Now        func() time.Time

	mu        sync.Mutex
	seq       uint64
	mailboxes map[string]*mailbox
	pending   map[string]*pendingResponse
}

type envelope struct {
	msg domain.Message
	seq uint64
}

type inflight struct {
	env        envelope
	leaseUntil time.Time
}

type mailbox struct {
	bands    [3][]envelope
	inflight map[string]inflight
	wait     chan struct{}
}

type pendingResponse struct {
	msg      domain.Message
	deadline time.Time
	waiting  map[string]bool
}

// SweepResult reports what a sweep did.
type SweepResult struct {
	Redelivered int
	TimedOut    []string
}

func New(r Resolver) *Bus {
	return &Bus{
		Resolver:   r,
		Redelivery: defaultRedelivery,
		mailboxes:  map[string]*mailbox{},
		pending:    map[string]*pendingResponse{},
	}
}

func (b *Bus) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Bus) log() logrus.FieldLogger {
	if b.Log != nil {
		return b.Log
	}
	return logrus.StandardLogger()
}

// mailboxLocked returns the mailbox for addr, creating it. Caller holds b.mu.
func (b *Bus) mailboxLocked(addr string) *mailbox {
	if b.mailboxes == nil {
		b.mailboxes = map[string]*mailbox{}
		b.pending = map[string]*pendingResponse{}
	}
	mb, ok := b.mailboxes[addr]
	if !ok {
		mb = &mailbox{inflight: map[string]inflight{}, wait: make(chan struct{})}
		b.mailboxes[addr] = mb
	}
	return mb
}

func (mb *mailbox) push(env envelope, front bool) {
	rank := env.msg.Priority.Rank()
	if front {
		mb.bands[rank] = append([]envelope{env}, mb.bands[rank]...)
	} else {
		mb.bands[rank] = append(mb.bands[rank], env)
	}
	close(mb.wait)
	mb.wait = make(chan struct{})
}

func (mb *mailbox) pop() (envelope, bool) {
	for rank := range mb.bands {
		if len(mb.bands[rank]) > 0 {
			env := mb.bands[rank][0]
			mb.bands[rank] = mb.bands[rank][1:]
			return env, true
		}
	}
	return envelope{}, false
}

func (b *Bus) known(addr string) bool {
	if domain.IsSystemAddress(addr) {
		return true
	}
	return b.Resolver == nil || b.Resolver.Exists(addr)
}

// Send validates and enqueues msg for every recipient in msg.To.
func (b *Bus) Send(ctx context.Context, msg domain.Message) (domain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return domain.Receipt{}, err
	}
	if strings.TrimSpace(msg.From) == "" {
		return domain.Receipt{}, fmt.Errorf("message sender required")
	}
	if msg.Type == "" {
		return domain.Receipt{}, fmt.Errorf("message type required")
	}
	if !b.known(msg.From) {
		return domain.Receipt{}, domain.NotFoundError{Kind: "agent", ID: msg.From}
	}
	var to []string
	seen := map[string]bool{}
	for _, r := range msg.To {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		if !b.known(r) {
			return domain.Receipt{}, domain.NotFoundError{Kind: "agent", ID: r}
		}
		seen[r] = true
		to = append(to, r)
	}
	if len(to) == 0 {
		return domain.Receipt{}, fmt.Errorf("message has no recipients")
	}
	if msg.Priority == "" {
		msg.Priority = domain.PriorityNormal
	}
	if _, err := domain.ParsePriority(string(msg.Priority)); err != nil {
		return domain.Receipt{}, err
	}
	if msg.RequiredResponse && msg.ResponseBy == nil {
		return domain.Receipt{}, fmt.Errorf("response_by required when required_response is set")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := b.now()
	msg.SentAt = now
	msg.To = to
	msg = cloneMessage(msg)

	b.mu.Lock()
	if msg.InReplyTo != "" {
		b.recordResponseLocked(msg)
	}
	b.seq++
	env := envelope{msg: msg, seq: b.seq}
	for _, r := range to {
		b.mailboxLocked(r).push(env, false)
	}
	if msg.RequiredResponse {
		waiting := make(map[string]bool, len(to))
		for _, r := range to {
			waiting[r] = true
		}
		b.pending[msg.ID] = &pendingResponse{msg: msg, deadline: *msg.ResponseBy, waiting: waiting}
	}
	b.mu.Unlock()

	b.log().WithFields(logrus.Fields{
		"message_id": msg.ID,
		"type":       msg.Type,
		"from":       msg.From,
		"to":         strings.Join(to, ","),
		"priority":   msg.Priority,
	}).Debug("bus: message accepted")
	return domain.Receipt{MessageID: msg.ID, Recipients: append([]string(nil), to...), AcceptedAt: now}, nil
}

// recordResponseLocked clears the sender from the pending set of the message it answers.
func (b *Bus) recordResponseLocked(reply domain.Message) {
	p, ok := b.pending[reply.InReplyTo]
	if !ok {
		return
	}
	delete(p.waiting, reply.From)
	if len(p.waiting) == 0 {
		delete(b.pending, reply.InReplyTo)
	}
}

// Broadcast expands scope through the resolver and sends to every member except the sender.
func (b *Bus) Broadcast(ctx context.Context, scope string, msg domain.Message) (domain.Receipt, error) {
	if b.Resolver == nil {
		return domain.Receipt{}, fmt.Errorf("broadcast requires a resolver")
	}
	members, err := b.Resolver.Members(scope)
	if err != nil {
		return domain.Receipt{}, err
	}
	msg.To = nil
	for _, m := range members {
		if m != msg.From {
			msg.To = append(msg.To, m)
		}
	}
	if len(msg.To) == 0 {
		return domain.Receipt{}, fmt.Errorf("scope %s has no recipients", scope)
	}
	return b.Send(ctx, msg)
}

// Receive blocks until a message is available for addr, the timeout elapses
// (ErrReceiveTimeout) or ctx is done. A zero timeout waits on ctx alone.
// The message stays leased to addr until Ack; unacked messages are redelivered.
func (b *Bus) Receive(ctx context.Context, addr string, timeout time.Duration) (domain.Message, error) {
	if !b.known(addr) {
		return domain.Message{}, domain.NotFoundError{Kind: "agent", ID: addr}
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		b.mu.Lock()
		mb := b.mailboxLocked(addr)
		if env, ok := mb.pop(); ok {
			redelivery := b.Redelivery
			if redelivery <= 0 {
				redelivery = defaultRedelivery
			}
			mb.inflight[env.msg.ID] = inflight{env: env, leaseUntil: b.now().Add(redelivery)}
			b.mu.Unlock()
			return cloneMessage(env.msg), nil
		}
		wait := mb.wait
		b.mu.Unlock()
		select {
		case <-wait:
		case <-expired:
			return domain.Message{}, ErrReceiveTimeout
		case <-ctx.Done():
			return domain.Message{}, ctx.Err()
		}
	}
}

// Ack releases a leased message. It reports whether the lease existed.
func (b *Bus) Ack(addr, messageID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.mailboxes[addr]
	if !ok {
		return false
	}
	if _, ok := mb.inflight[messageID]; !ok {
		return false
	}
	delete(mb.inflight, messageID)
	return true
}

// Sweep redelivers expired leases and emits one timeout message per overdue
// required response.
func (b *Bus) Sweep(now time.Time) SweepResult {
	var res SweepResult
	var overdue []*pendingResponse
	b.mu.Lock()
	for _, mb := range b.mailboxes {
		var expired []envelope
		for id, in := range mb.inflight {
			if !in.leaseUntil.After(now) {
				expired = append(expired, in.env)
				delete(mb.inflight, id)
			}
		}
		// Requeue newest first so the oldest ends up at the head of its band.
		sort.Slice(expired, func(i, j int) bool { return expired[i].seq > expired[j].seq })
		for _, env := range expired {
			mb.push(env, true)
			res.Redelivered++
		}
	}
	for id, p := range b.pending {
		if !p.deadline.After(now) {
			overdue = append(overdue, p)
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()

	sort.Slice(overdue, func(i, j int) bool { return overdue[i].deadline.Before(overdue[j].deadline) })
	for _, p := range overdue {
		tm := timeoutMessage(p)
		if _, err := b.Send(context.Background(), tm); err != nil {
			b.log().WithError(err).WithField("message_id", p.msg.ID).Error("bus: deliver timeout")
			continue
		}
		res.TimedOut = append(res.TimedOut, p.msg.ID)
		b.log().WithFields(logrus.Fields{
			"message_id": p.msg.ID,
			"sender":     p.msg.From,
			"missing":    tm.Content.Requirements[domain.ReqMissing],
		}).Warn("bus: response deadline elapsed")
	}
	return res
}

func timeoutMessage(p *pendingResponse) domain.Message {
	missing := make([]string, 0, len(p.waiting))
	for r := range p.waiting {
		missing = append(missing, r)
	}
	sort.Strings(missing)
	ctx := p.msg.Context
	ctx.RelatedMessages = append(append([]string(nil), ctx.RelatedMessages...), p.msg.ID)
	return domain.Message{
		From:      domain.BusAddress,
		To:        []string{p.msg.From},
		Type:      domain.MsgTimeout,
		Priority:  domain.PriorityUrgent,
		Context:   ctx,
		InReplyTo: p.msg.ID,
		Content: domain.MessageContent{
			Subject: "response deadline elapsed: " + p.msg.Content.Subject,
			Body:    domain.TimeoutError{MessageID: p.msg.ID, Deadline: p.deadline, Missing: missing}.Error(),
			Requirements: map[string]string{
				domain.ReqMessageID: p.msg.ID,
				domain.ReqDeadline:  domain.FormatTime(p.deadline),
				domain.ReqMissing:   strings.Join(missing, ","),
			},
		},
	}
}

// Run sweeps on every tick until ctx is done.
func (b *Bus) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.Sweep(b.now())
		}
	}
}

// Depth returns queued and leased message counts for addr.
func (b *Bus) Depth(addr string) (queued, leased int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.mailboxes[addr]
	if !ok {
		return 0, 0
	}
	for _, band := range mb.bands {
		queued += len(band)
	}
	return queued, len(mb.inflight)
}

// Pending lists message ids still awaiting a response.
func (b *Bus) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.pending))
	for id := range b.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func cloneMessage(m domain.Message) domain.Message {
	m.To = append([]string(nil), m.To...)
	m.Context.RelatedMessages = append([]string(nil), m.Context.RelatedMessages...)
	if len(m.Context.RelatedMessages) == 0 {
		m.Context.RelatedMessages = nil
	}
	if m.Content.Requirements != nil {
		req := make(map[string]string, len(m.Content.Requirements))
		for k, v := range m.Content.Requirements {
			req[k] = v
		}
		m.Content.Requirements = req
	}
	return m
}
