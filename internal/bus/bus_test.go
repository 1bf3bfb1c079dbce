package bus_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ladder/internal/bus"
	"ladder/internal/domain"
)

type staticResolver map[string][]string

func (r staticResolver) Exists(id string) bool {
	_, ok := r[id]
	return ok
}

func (r staticResolver) Members(scope string) ([]string, error) {
	if scope == "all" {
		var out []string
		for id := range r {
			out = append(out, id)
		}
		return out, nil
	}
	members, ok := r[scope]
	if !ok {
		return nil, fmt.Errorf("unknown scope %s", scope)
	}
	return members, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newBus(t *testing.T) (*bus.Bus, *clock, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	c := &clock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	b := bus.New(staticResolver{"alice": nil, "bob": nil, "carol": nil, "team:alice": {"alice", "bob", "carol"}})
	b.Now = c.Now
	b.Log = logger
	b.Redelivery = time.Minute
	return b, c, hook
}

func send(t *testing.T, b *bus.Bus, from string, to []string, p domain.Priority, subject string) domain.Receipt {
	t.Helper()
	r, err := b.Send(context.Background(), domain.Message{
		From:     from,
		To:       to,
		Type:     domain.MsgStatusUpdate,
		Priority: p,
		Content:  domain.MessageContent{Subject: subject},
	})
	require.NoError(t, err)
	return r
}

func receive(t *testing.T, b *bus.Bus, addr string) domain.Message {
	t.Helper()
	m, err := b.Receive(context.Background(), addr, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, b.Ack(addr, m.ID))
	return m
}

func TestPriorityBandsKeepFIFO(t *testing.T) {
	b, _, _ := newBus(t)
	send(t, b, "alice", []string{"carol"}, domain.PriorityLow, "low-1")
	send(t, b, "alice", []string{"carol"}, domain.PriorityNormal, "normal-1")
	send(t, b, "bob", []string{"carol"}, domain.PriorityUrgent, "urgent-1")
	send(t, b, "alice", []string{"carol"}, domain.PriorityNormal, "normal-2")
	send(t, b, "bob", []string{"carol"}, domain.PriorityUrgent, "urgent-2")

	var got []string
	for i := 0; i < 5; i++ {
		got = append(got, receive(t, b, "carol").Content.Subject)
	}
	assert.Equal(t, []string{"urgent-1", "urgent-2", "normal-1", "normal-2", "low-1"}, got)
}

func TestReceiveTimesOut(t *testing.T) {
	b, _, _ := newBus(t)
	_, err := b.Receive(context.Background(), "alice", 10*time.Millisecond)
	assert.ErrorIs(t, err, bus.ErrReceiveTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Receive(ctx, "alice", 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReceiveWakesOnSend(t *testing.T) {
	b, _, _ := newBus(t)
	done := make(chan domain.Message, 1)
	go func() {
		m, err := b.Receive(context.Background(), "bob", 2*time.Second)
		if err == nil {
			done <- m
		}
	}()
	time.Sleep(20 * time.Millisecond)
	send(t, b, "alice", []string{"bob"}, domain.PriorityNormal, "wake")
	select {
	case m := <-done:
		assert.Equal(t, "wake", m.Content.Subject)
	case <-time.After(time.Second):
		t.Fatal("receiver never woke")
	}
}

func TestUnackedMessagesAreRedelivered(t *testing.T) {
	b, c, _ := newBus(t)
	r := send(t, b, "alice", []string{"bob"}, domain.PriorityNormal, "once")
	m, err := b.Receive(context.Background(), "bob", 50*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, r.MessageID, m.ID)

	res := b.Sweep(c.Now())
	assert.Zero(t, res.Redelivered)

	c.Advance(2 * time.Minute)
	res = b.Sweep(c.Now())
	assert.Equal(t, 1, res.Redelivered)

	again := receive(t, b, "bob")
	assert.Equal(t, m.ID, again.ID)
	c.Advance(2 * time.Minute)
	assert.Zero(t, b.Sweep(c.Now()).Redelivered)
}

func TestUnknownRecipient(t *testing.T) {
	b, _, _ := newBus(t)
	_, err := b.Send(context.Background(), domain.Message{From: "alice", To: []string{"mallory"}, Type: domain.MsgStatusUpdate})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = b.Send(context.Background(), domain.Message{From: "alice", To: []string{domain.OrchestratorAddress}, Type: domain.MsgStatusUpdate})
	assert.NoError(t, err)
}

func TestBroadcastSkipsSender(t *testing.T) {
	b, _, _ := newBus(t)
	r, err := b.Broadcast(context.Background(), "team:alice", domain.Message{From: "alice", Type: domain.MsgDecisionRecord})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob", "carol"}, r.Recipients)
	q, _ := b.Depth("alice")
	assert.Zero(t, q)
}

func TestOverdueResponseTimesOutExactlyOnce(t *testing.T) {
	b, c, hook := newBus(t)
	past := c.Now().Add(-time.Minute)
	r, err := b.Send(context.Background(), domain.Message{
		From:             "alice",
		To:               []string{"bob"},
		Type:             domain.MsgTaskAssignment,
		Context:          domain.MessageContext{TaskID: "task-1", Project: "launch"},
		Content:          domain.MessageContent{Subject: "please review"},
		RequiredResponse: true,
		ResponseBy:       &past,
	})
	require.NoError(t, err)

	res := b.Sweep(c.Now())
	require.Equal(t, []string{r.MessageID}, res.TimedOut)
	assert.Empty(t, b.Sweep(c.Now()).TimedOut)
	c.Advance(time.Hour)
	assert.Empty(t, b.Sweep(c.Now()).TimedOut)

	m := receive(t, b, "alice")
	assert.Equal(t, domain.MsgTimeout, m.Type)
	assert.Equal(t, r.MessageID, m.InReplyTo)
	assert.Equal(t, "task-1", m.Context.TaskID)
	te, ok := domain.TimeoutFromMessage(m)
	require.True(t, ok)
	assert.Equal(t, []string{"bob"}, te.Missing)
	_, err = b.Receive(context.Background(), "alice", 10*time.Millisecond)
	assert.ErrorIs(t, err, bus.ErrReceiveTimeout)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestReplyClearsPendingResponse(t *testing.T) {
	b, c, _ := newBus(t)
	deadline := c.Now().Add(time.Hour)
	r, err := b.Send(context.Background(), domain.Message{
		From: "alice", To: []string{"bob", "carol"}, Type: domain.MsgTaskAssignment,
		RequiredResponse: true, ResponseBy: &deadline,
	})
	require.NoError(t, err)
	_, err = b.Send(context.Background(), domain.Message{From: "bob", To: []string{"alice"}, Type: domain.MsgStatusUpdate, InReplyTo: r.MessageID})
	require.NoError(t, err)
	assert.Equal(t, []string{r.MessageID}, b.Pending())

	c.Advance(2 * time.Hour)
	res := b.Sweep(c.Now())
	require.Len(t, res.TimedOut, 1)
	m := receive(t, b, "alice")
	te, ok := domain.TimeoutFromMessage(m)
	require.True(t, ok)
	assert.Equal(t, []string{"carol"}, te.Missing)
	assert.Equal(t, r.MessageID, receive(t, b, "alice").InReplyTo)

	r2, err := b.Send(context.Background(), domain.Message{
		From: "alice", To: []string{"bob"}, Type: domain.MsgTaskAssignment,
		RequiredResponse: true, ResponseBy: &deadline,
	})
	require.NoError(t, err)
	_, err = b.Send(context.Background(), domain.Message{From: "bob", To: []string{"alice"}, Type: domain.MsgStatusUpdate, InReplyTo: r2.MessageID})
	require.NoError(t, err)
	assert.Empty(t, b.Pending())
}

func TestRequiredResponseNeedsDeadline(t *testing.T) {
	b, _, _ := newBus(t)
	_, err := b.Send(context.Background(), domain.Message{From: "alice", To: []string{"bob"}, Type: domain.MsgTaskAssignment, RequiredResponse: true})
	assert.Error(t, err)
}

func TestPerSenderFIFOProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	senders := []string{"alice", "bob"}
	priorities := []domain.Priority{domain.PriorityUrgent, domain.PriorityNormal, domain.PriorityLow}

	properties.Property("delivery respects bands and per-sender order", prop.ForAll(
		func(picks []int) bool {
			b := bus.New(staticResolver{"alice": nil, "bob": nil, "carol": nil})
			b.Log = logrus.New()
			for i, p := range picks {
				_, err := b.Send(context.Background(), domain.Message{
					From:     senders[p%2],
					To:       []string{"carol"},
					Type:     domain.MsgStatusUpdate,
					Priority: priorities[(p/2)%3],
					Content:  domain.MessageContent{Subject: fmt.Sprintf("%d", i)},
				})
				if err != nil {
					return false
				}
			}
			lastRank := -1
			lastSeq := map[string]int{}
			for range picks {
				m, err := b.Receive(context.Background(), "carol", 10*time.Millisecond)
				if err != nil {
					return false
				}
				b.Ack("carol", m.ID)
				rank := m.Priority.Rank()
				if rank < lastRank {
					return false
				}
				if rank > lastRank {
					lastSeq = map[string]int{}
					lastRank = rank
				}
				var seq int
				fmt.Sscanf(m.Content.Subject, "%d", &seq)
				if prev, ok := lastSeq[m.From]; ok && seq <= prev {
					return false
				}
				lastSeq[m.From] = seq
			}
			q, l := b.Depth("carol")
			return q == 0 && l == 0
		},
		gen.SliceOfN(40, gen.IntRange(0, 5)),
	))

	properties.TestingRun(t)
}
