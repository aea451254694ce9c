package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"taskgrid/internal/config"
	"taskgrid/internal/domain"
	"taskgrid/internal/engine"
	"taskgrid/internal/metrics"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// hookState is one configured endpoint plus its delivery position in the log.
type hookState struct {
	hook     config.Webhook
	match    eventMatcher
	client   *http.Client
	log      *logrus.Entry
	cursor   int64
	started  bool
	failures int
}

// WebhookDispatcher forwards new events to the configured hooks. A hook's
// cursor starts at the log head seen on its first round, so history is not
// replayed. Rounds run from a single goroutine.
type WebhookDispatcher struct {
	repo     eventSource
	hooks    []*hookState
	interval time.Duration
	log      *logrus.Entry
}

type eventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// NewWebhookDispatcher returns nil when no hook is active.
func NewWebhookDispatcher(e engine.Engine, log *logrus.Entry) *WebhookDispatcher {
	if e.Config == nil {
		return nil
	}
	if log == nil {
		log = logrus.WithField("component", "webhooks")
	}
	d := &WebhookDispatcher{repo: e.Repo, interval: defaultWebhookInterval, log: log}
	for _, h := range e.Config.Webhooks {
		if !h.Active() || strings.TrimSpace(h.URL) == "" {
			continue
		}
		timeout := defaultWebhookTimeout
		if h.TimeoutSeconds > 0 {
			timeout = time.Duration(h.TimeoutSeconds) * time.Second
		}
		d.hooks = append(d.hooks, &hookState{
			hook:   h,
			match:  newEventMatcher(h),
			client: &http.Client{Timeout: timeout},
			log:    log.WithField("url", h.URL),
		})
	}
	if len(d.hooks) == 0 {
		return nil
	}
	return d
}

// Run polls until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery round across every hook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for _, h := range d.hooks {
		if ctx.Err() != nil {
			return
		}
		d.deliver(ctx, h)
	}
}

func (d *WebhookDispatcher) deliver(ctx context.Context, h *hookState) {
	if !h.started {
		head, err := d.repo.LatestEventID(ctx)
		if err != nil {
			h.log.WithError(err).Warn("reading log head failed")
			return
		}
		h.cursor, h.started = head, true
	}
	evts, err := d.repo.EventsAfter(ctx, defaultWebhookBatch, h.cursor)
	if err != nil {
		h.log.WithError(err).Warn("fetch events failed")
		return
	}
	for _, evt := range evts {
		if h.match.matches(evt) {
			if err := h.post(ctx, evt); err != nil {
				h.failures++
				metrics.WebhookDelivery(false)
				h.log.WithError(err).WithFields(logrus.Fields{"event_id": evt.ID, "failures": h.failures}).Warn("delivery failed, retrying next round")
				return
			}
			h.failures = 0
			metrics.WebhookDelivery(true)
		}
		h.cursor = evt.ID
	}
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Partition  int             `json:"partition"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func newWebhookEvent(evt domain.Event) webhookEvent {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Partition:  evt.Partition,
		TS:         evt.TS,
		Payload:    payload,
	}
}

// signBody returns the hex HMAC-SHA256 of body under secret.
func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *hookState) post(ctx context.Context, evt domain.Event) error {
	body, err := json.Marshal(newWebhookEvent(evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskgrid-Event", evt.Type)
	req.Header.Set("X-Taskgrid-Delivery", strconv.FormatInt(evt.ID, 10))
	if secret := strings.TrimSpace(h.hook.Secret); secret != "" {
		req.Header.Set("X-Taskgrid-Signature", "sha256="+signBody(secret, body))
	}
	res, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// eventMatcher applies a hook's type, entity kind and partition filters.
// An empty filter accepts everything.
type eventMatcher struct {
	types      map[string]bool
	prefixes   []string
	kinds      map[string]bool
	partitions map[int]bool
}

func newEventMatcher(h config.Webhook) eventMatcher {
	var m eventMatcher
	for _, t := range h.Events {
		t = strings.TrimSpace(t)
		switch {
		case t == "" || t == "*":
		case strings.HasSuffix(t, ".*"):
			m.prefixes = append(m.prefixes, strings.TrimSuffix(t, "*"))
		default:
			if m.types == nil {
				m.types = map[string]bool{}
			}
			m.types[t] = true
		}
	}
	for _, k := range h.EntityKinds {
		if k = strings.TrimSpace(k); k != "" {
			if m.kinds == nil {
				m.kinds = map[string]bool{}
			}
			m.kinds[k] = true
		}
	}
	for _, p := range h.Partitions {
		if m.partitions == nil {
			m.partitions = map[int]bool{}
		}
		m.partitions[p] = true
	}
	return m
}

func (m eventMatcher) matches(evt domain.Event) bool {
	if m.kinds != nil && !m.kinds[evt.EntityKind] {
		return false
	}
	if m.partitions != nil && !m.partitions[evt.Partition] {
		return false
	}
	if m.types == nil && m.prefixes == nil {
		return true
	}
	if m.types[evt.Type] {
		return true
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(evt.Type, p) {
			return true
		}
	}
	return false
}
