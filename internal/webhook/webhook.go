// Package webhook delivers message.received notifications to agent-configured
// endpoints, with HMAC payload signing and bounded retries. Delivery is
// decoupled from the send path through the event bus: a failed push never
// fails a send, the message stays pullable.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/admp-io/admpd/internal/clock"
	"github.com/admp-io/admpd/internal/config"
	"github.com/admp-io/admpd/internal/crypto"
	"github.com/admp-io/admpd/internal/envelope"
	"github.com/admp-io/admpd/internal/events"
	"github.com/admp-io/admpd/internal/logging"
	"github.com/admp-io/admpd/internal/metrics"
	"github.com/admp-io/admpd/internal/store"
)

// MaxAttempts caps delivery attempts per message.
const MaxAttempts = 3

// backoffs[i] is the wait before attempt i+2.
var backoffs = [...]time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Payload is the JSON body delivered to the endpoint. Signature, when the
// agent has a webhook secret, is the hex HMAC-SHA256 of the canonical JSON of
// the payload without the signature field.
type Payload struct {
	MessageID string            `json:"message_id"`
	Envelope  envelope.Envelope `json:"envelope"`
	Signature string            `json:"signature,omitempty"`
}

// SignPayload computes the detached HMAC for a payload.
func SignPayload(p *Payload, secret string) (string, error) {
	unsigned := Payload{MessageID: p.MessageID, Envelope: p.Envelope}
	raw, err := json.Marshal(unsigned)
	if err != nil {
		return "", err
	}
	canon, err := crypto.CanonicalJSON(raw)
	if err != nil {
		return "", err
	}
	return crypto.HMACSHA256Hex([]byte(secret), canon), nil
}

// Pusher subscribes to the event bus and pushes message notifications.
type Pusher struct {
	store  store.Store
	cfg    *config.Config
	log    *logging.Logger
	bus    *events.Bus
	clock  clock.Clock
	client *http.Client

	// attempts tracks deliveries per message id for observability.
	attempts sync.Map // string -> *int32
	wg       sync.WaitGroup
}

// NewPusher wires a Pusher.
func NewPusher(st store.Store, cfg *config.Config, log *logging.Logger, bus *events.Bus, clk clock.Clock) *Pusher {
	return &Pusher{
		store: st,
		cfg:   cfg,
		log:   log,
		bus:   bus,
		clock: clk,
		client: &http.Client{
			Timeout: cfg.WebhookTimeout,
		},
	}
}

// Run consumes message.received events until ctx is cancelled, then waits for
// in-flight deliveries to finish.
func (p *Pusher) Run(ctx context.Context) {
	ch, cancel := p.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return
		case evt, ok := <-ch:
			if !ok {
				p.wg.Wait()
				return
			}
			if evt.Type != events.EventMessageReceived {
				continue
			}
			p.wg.Add(1)
			go func(evt events.Event) {
				defer p.wg.Done()
				p.deliver(ctx, evt.AgentID, evt.MessageID)
			}(evt)
		}
	}
}

// Attempts reports how many delivery attempts have been made for a message.
func (p *Pusher) Attempts(messageID string) int {
	v, ok := p.attempts.Load(messageID)
	if !ok {
		return 0
	}
	return int(atomic.LoadInt32(v.(*int32)))
}

func (p *Pusher) deliver(ctx context.Context, agentID, messageID string) {
	agent, err := p.store.GetAgent(agentID)
	if err != nil || agent.WebhookURL == "" {
		return
	}
	msg, err := p.store.GetMessage(messageID)
	if err != nil {
		p.log.Warn("webhook delivery skipped, message gone", "message_id", messageID)
		return
	}

	payload := &Payload{MessageID: msg.ID, Envelope: msg.Envelope}
	if agent.WebhookSecret != "" {
		sig, err := SignPayload(payload, agent.WebhookSecret)
		if err != nil {
			p.log.Error("webhook payload signing failed", "message_id", msg.ID, "error", err)
			return
		}
		payload.Signature = sig
	}
	body, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("webhook payload marshal failed", "message_id", msg.ID, "error", err)
		return
	}

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		p.bump(msg.ID)
		err := p.post(ctx, agent.WebhookURL, body, msg.ID, attempt)
		if err == nil {
			metrics.WebhookAttempts.WithLabelValues("ok").Inc()
			p.log.Debug("webhook delivered", "message_id", msg.ID, "attempt", attempt)
			return
		}
		metrics.WebhookAttempts.WithLabelValues("error").Inc()
		p.log.Warn("webhook attempt failed",
			"message_id", msg.ID,
			"attempt", attempt,
			"error", err)
		if attempt < MaxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-p.clock.After(backoffs[attempt-1]):
			}
		}
	}

	metrics.WebhookExhausted.Inc()
	p.bus.Publish(events.Event{
		Type:      events.EventWebhookExhausted,
		AgentID:   agentID,
		MessageID: msg.ID,
		Timestamp: p.clock.Now(),
	})
	p.log.Warn("webhook delivery exhausted, message stays pullable",
		"message_id", msg.ID,
		"agent_id", agentID)
}

func (p *Pusher) post(ctx context.Context, url string, body []byte, messageID string, attempt int) error {
	attemptCtx := ctx
	if p.cfg.WebhookTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, p.cfg.WebhookTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-ADMP-Event", string(events.EventMessageReceived))
	req.Header.Set("X-ADMP-Message-ID", messageID)
	req.Header.Set("X-ADMP-Delivery-Attempt", strconv.Itoa(attempt))

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (p *Pusher) bump(messageID string) {
	v, _ := p.attempts.LoadOrStore(messageID, new(int32))
	atomic.AddInt32(v.(*int32), 1)
}
