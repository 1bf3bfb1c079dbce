package collab_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ladder/internal/collab"
	"ladder/internal/config"
	"ladder/internal/domain"
)

type capture struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   [][]byte
}

func (c *capture) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.requests = append(c.requests, r)
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func TestWebhookSinkPostsJSON(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusNoContent))
	defer srv.Close()

	sink, err := collab.NewWebhookSink([]config.WebhookConfig{{URL: srv.URL, Secret: "s3cret"}}, nil)
	require.NoError(t, err)
	require.NotNil(t, sink)

	rec := domain.EscalationRecord{EscalationID: "esc-1", Level: 5, Category: "brand_guidelines", From: "copywriter", To: "owner", Urgency: domain.PriorityUrgent}
	require.NoError(t, sink.NotifyUnresolved(context.Background(), rec))

	require.Len(t, c.requests, 1)
	req := c.requests[0]
	assert.Equal(t, "escalation.unresolved", req.Header.Get("X-Ladder-Event"))
	assert.Equal(t, "s3cret", req.Header.Get("X-Ladder-Secret"))
	assert.NotEmpty(t, req.Header.Get("X-Ladder-Delivery"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

	var body struct {
		Type       string                  `json:"type"`
		Escalation domain.EscalationRecord `json:"escalation"`
	}
	require.NoError(t, json.Unmarshal(c.bodies[0], &body))
	assert.Equal(t, "escalation.unresolved", body.Type)
	assert.Equal(t, "esc-1", body.Escalation.EscalationID)
}

func TestWebhookSinkCBORAndFilter(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	sink, err := collab.NewWebhookSink([]config.WebhookConfig{{URL: srv.URL, Format: "cbor", Events: []string{"decision.recorded"}, RatePerSecond: 100}}, nil)
	require.NoError(t, err)

	require.NoError(t, sink.NotifyUnresolved(context.Background(), domain.EscalationRecord{EscalationID: "skip"}))
	require.NoError(t, sink.NotifyDecision(context.Background(), domain.Decision{ID: "d-1", MakerID: "cmo", Category: "budget_allocation", Verdict: "approve"}))

	require.Len(t, c.requests, 1)
	assert.Equal(t, "application/cbor", c.requests[0].Header.Get("Content-Type"))
	var body struct {
		Type     string          `cbor:"type"`
		Decision domain.Decision `cbor:"decision"`
	}
	require.NoError(t, cbor.Unmarshal(c.bodies[0], &body))
	assert.Equal(t, "d-1", body.Decision.ID)
	assert.Equal(t, "cmo", body.Decision.MakerID)
}

func TestWebhookSinkReportsFailures(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusInternalServerError))
	defer srv.Close()

	sink, err := collab.NewWebhookSink([]config.WebhookConfig{{URL: srv.URL}}, nil)
	require.NoError(t, err)
	err = sink.NotifyDecision(context.Background(), domain.Decision{ID: "d-2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestWebhookSinkSkipsDisabled(t *testing.T) {
	off := false
	sink, err := collab.NewWebhookSink([]config.WebhookConfig{{URL: "http://127.0.0.1:1", Enabled: &off}}, nil)
	require.NoError(t, err)
	assert.Nil(t, sink)

	_, err = collab.NewWebhookSink([]config.WebhookConfig{{URL: "http://127.0.0.1:1", Format: "xml"}}, nil)
	assert.Error(t, err)
}

type failingSink struct{}

func (failingSink) NotifyUnresolved(context.Context, domain.EscalationRecord) error {
	return errors.New("pager offline")
}

func (failingSink) NotifyDecision(context.Context, domain.Decision) error { return nil }

func TestMultiSinkDeliversToAll(t *testing.T) {
	rec := &collab.RecordingSink{}
	multi := collab.MultiSink{failingSink{}, rec, collab.LogSink{}}
	err := multi.NotifyUnresolved(context.Background(), domain.EscalationRecord{EscalationID: "esc-9"})
	require.Error(t, err)
	require.Len(t, rec.Unresolved(), 1)
	assert.Equal(t, "esc-9", rec.Unresolved()[0].EscalationID)

	require.NoError(t, multi.NotifyDecision(context.Background(), domain.Decision{ID: "d"}))
	assert.Len(t, rec.Decisions(), 1)
}

func TestEchoProviderUsesProfile(t *testing.T) {
	art, err := collab.EchoProvider{}.Execute(context.Background(),
		domain.Task{ID: "t1", Type: "blog_post", Title: "Spring launch", Feedback: "shorter"},
		domain.Agent{ID: "copywriter", Name: "Copywriter", Profile: map[string]string{"tone": "playful"}})
	require.NoError(t, err)
	assert.Equal(t, "t1", art.TaskID)
	assert.Equal(t, "playful", art.Meta["tone"])
	assert.Contains(t, art.Body, "shorter")
}
