package collab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"ladder/internal/config"
	"ladder/internal/domain"
)

const (
	defaultWebhookTimeout = 5 * time.Second

	EventUnresolved = "escalation.unresolved"
	EventDecision   = "decision.recorded"
)

type webhookTarget struct {
	hook    config.WebhookConfig
	codec   domain.Codec
	filter  eventFilter
	limiter *rate.Limiter
	client  *http.Client
}

// WebhookSink posts notifications to the configured HTTP endpoints.
type WebhookSink struct {
	Log     logrus.FieldLogger
	Now     func() time.Time
	targets []webhookTarget
}

// NewWebhookSink builds a sink for the enabled hooks. It returns nil when none are enabled.
func NewWebhookSink(hooks []config.WebhookConfig, log logrus.FieldLogger) (*WebhookSink, error) {
	s := &WebhookSink{Log: log}
	for i, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		codec, err := domain.CodecFor(hook.Format)
		if err != nil {
			return nil, fmt.Errorf("webhook %d: %w", i, err)
		}
		timeout := defaultWebhookTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		limit := rate.Inf
		burst := hook.Burst
		if hook.RatePerSecond > 0 {
			limit = rate.Limit(hook.RatePerSecond)
			if burst <= 0 {
				burst = 1
			}
		}
		s.targets = append(s.targets, webhookTarget{
			hook:    hook,
			codec:   codec,
			filter:  newEventFilter(hook.Events),
			limiter: rate.NewLimiter(limit, burst),
			client:  &http.Client{Timeout: timeout},
		})
	}
	if len(s.targets) == 0 {
		return nil, nil
	}
	return s, nil
}

type webhookEnvelope struct {
	Delivery   string                   `json:"delivery" cbor:"delivery"`
	Type       string                   `json:"type" cbor:"type"`
	TS         time.Time                `json:"ts" cbor:"ts"`
	Escalation *domain.EscalationRecord `json:"escalation,omitempty" cbor:"escalation,omitempty"`
	Decision   *domain.Decision         `json:"decision,omitempty" cbor:"decision,omitempty"`
}

func (s *WebhookSink) NotifyUnresolved(ctx context.Context, rec domain.EscalationRecord) error {
	return s.deliver(ctx, webhookEnvelope{Type: EventUnresolved, Escalation: &rec})
}

func (s *WebhookSink) NotifyDecision(ctx context.Context, d domain.Decision) error {
	return s.deliver(ctx, webhookEnvelope{Type: EventDecision, Decision: &d})
}

func (s *WebhookSink) deliver(ctx context.Context, env webhookEnvelope) error {
	if s == nil {
		return nil
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	env.Delivery = uuid.NewString()
	env.TS = now().UTC()
	var errs []error
	for _, t := range s.targets {
		if !t.filter.match(env.Type) {
			continue
		}
		if err := t.post(ctx, env); err != nil {
			s.log().WithError(err).WithFields(logrus.Fields{"url": t.hook.URL, "event": env.Type}).Warn("webhook: delivery failed")
			errs = append(errs, fmt.Errorf("deliver to %s: %w", t.hook.URL, err))
		}
	}
	return errors.Join(errs...)
}

func (s *WebhookSink) log() logrus.FieldLogger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}

func (t webhookTarget) post(ctx context.Context, env webhookEnvelope) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	data, err := t.codec.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", t.codec.ContentType())
	req.Header.Set("X-Ladder-Event", env.Type)
	req.Header.Set("X-Ladder-Delivery", env.Delivery)
	if strings.TrimSpace(t.hook.Secret) != "" {
		req.Header.Set("X-Ladder-Secret", t.hook.Secret)
	}
	res, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
