// Package outbox implements the durable outbox delivery worker: claim
// pending rows, sign and POST them to every destination registered for
// their topic, track per-destination delivery state through to ack or DLQ.
// Grounded on the teacher's internal/webhooks/dispatcher.go worker-pool
// delivery loop, replacing its channel-fed push queue with a pull loop over
// internal/store's claim-then-lease semantics, and its
// job.attempt*job.attempt backoff with a fixed capped exponential series.
package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nooterra/settld-core/internal/domainerr"
	"github.com/nooterra/settld-core/internal/monitoring"
	"github.com/nooterra/settld-core/internal/store"
)

// Brand prefixes every delivery header: x-<brand>-signature, etc.
const Brand = "settld"

// MaxAttempts is the capped attempt count before a message moves to the DLQ.
const MaxAttempts = 5

// backoffSchedule is attempt-indexed (attempt 1 waits backoffSchedule[0]).
// Fixed exponential, capped — replaces the teacher's attempt*attempt shape
// with a precomputed series instead of one computed at throw time.
var backoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

func backoffFor(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if attempt > len(backoffSchedule) {
		attempt = len(backoffSchedule)
	}
	return backoffSchedule[attempt-1]
}

// Destination is a tenant's registered webhook receiver for a topic.
// Transport selects the delivery mechanism: empty or "http" is the default
// signed-POST path below; any other value is looked up in the Worker's
// Senders map (SPEC_FULL.md §2 DOMAIN STACK names Pub/Sub and Cloud Tasks
// as config-selectable alternates to HTTP webhook delivery).
type Destination struct {
	ID        string
	URL       string
	Secret    string
	Topics    []string
	Transport string
}

// Registry resolves the destinations subscribed to a topic, grounded on the
// teacher's webhooks.Registry.GetSubscribers.
type Registry interface {
	DestinationsFor(ctx context.Context, tenantID, topic string) ([]Destination, error)
}

// Sender delivers one signed payload to one destination over a non-HTTP
// transport (Pub/Sub, Cloud Tasks). It reports success the same way the
// built-in HTTP path does: a 2xx-equivalent statusCode or a non-2xx/zero
// one the Worker's retry/DLQ state machine treats as a failed attempt.
type Sender interface {
	Send(ctx context.Context, dest Destination, deliveryID string, headers map[string]string, body []byte) (statusCode int, err error)
}

// Worker pulls pending outbox messages and delivers them to every
// registered destination for their topic.
type Worker struct {
	Store      store.Store
	Registry   Registry
	HTTPClient *http.Client
	Senders    map[string]Sender
	Metrics    *monitoring.Metrics
	Now        func() time.Time
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Worker) client() *http.Client {
	if w.HTTPClient != nil {
		return w.HTTPClient
	}
	return &http.Client{Timeout: 5 * time.Second}
}

// Pump claims up to limit pending outbox rows for tenantID and attempts
// delivery to every destination registered for each row's topic.
func (w *Worker) Pump(ctx context.Context, tenantID string, limit int) (int, error) {
	msgs, err := w.Store.ClaimPendingOutbox(ctx, tenantID, limit)
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		w.deliverToAllDestinations(ctx, msg)
	}
	return len(msgs), nil
}

func (w *Worker) deliverToAllDestinations(ctx context.Context, msg *store.OutboxMessage) {
	destinations, err := w.Registry.DestinationsFor(ctx, msg.TenantID, msg.Topic)
	if err != nil || len(destinations) == 0 {
		_ = w.Store.MarkOutboxProcessed(ctx, msg.TenantID, msg.ID)
		return
	}

	body, err := json.Marshal(msg.Payload)
	if err != nil {
		_ = w.Store.MarkOutboxDLQ(ctx, msg.TenantID, msg.ID, "payload not marshalable: "+err.Error())
		return
	}

	allDelivered := true
	terminal := false
	var lastErr string
	for _, dest := range destinations {
		destTerminal, err := w.deliverOne(ctx, msg, dest, body)
		if err != nil {
			allDelivered = false
			lastErr = err.Error()
			if destTerminal {
				terminal = true
			}
		}
	}

	if allDelivered {
		_ = w.Store.MarkOutboxProcessed(ctx, msg.TenantID, msg.ID)
		return
	}

	// A 4xx is a terminal rejection — the destination will never accept this
	// payload, so retrying it is pointless. spec.md §7 treats it as a DLQ
	// after the first observation, unlike 5xx/timeouts which get the full
	// retry budget below.
	if terminal || msg.Attempt+1 >= MaxAttempts {
		_ = w.Store.MarkOutboxDLQ(ctx, msg.TenantID, msg.ID, lastErr)
		if w.Metrics != nil {
			w.Metrics.RecordOutboxDLQ(msg.TenantID)
		}
		return
	}
	next := w.now().Add(backoffFor(msg.Attempt + 1))
	_ = w.Store.MarkOutboxRetry(ctx, msg.TenantID, msg.ID, lastErr, next)
}

// deliverOne attempts delivery to one destination. The returned bool reports
// whether the failure is terminal: a 4xx response means the destination
// rejected the payload outright and retrying changes nothing, so callers
// route straight to the DLQ instead of spending the retry budget on it.
// 5xx responses, zero status, and transport errors (including timeouts) are
// all retryable.
func (w *Worker) deliverOne(ctx context.Context, msg *store.OutboxMessage, dest Destination, body []byte) (bool, error) {
	deliveryID := fmt.Sprintf("dlv_%s_%s", msg.Topic, dest.ID)
	timestamp := w.now().UTC().Format(time.RFC3339Nano)
	signature := Sign(dest.Secret, timestamp, body)
	headers := map[string]string{
		"Content-Type":                  "application/json",
		"x-" + Brand + "-signature":     signature,
		"x-" + Brand + "-timestamp":     timestamp,
		"x-" + Brand + "-delivery-id":   deliveryID,
		"x-" + Brand + "-dedupe-key":    fmt.Sprintf("%d", msg.ID),
		"x-" + Brand + "-artifact-type": msg.AggregateType,
	}

	attemptStart := w.now()
	status, err := w.sender(dest).Send(ctx, dest, deliveryID, headers, body)
	delivered := err == nil && status >= 200 && status < 300
	if w.Metrics != nil {
		w.Metrics.RecordOutboxDelivery(dest.ID, delivered, w.now().Sub(attemptStart))
	}

	if err != nil {
		w.recordDelivery(ctx, msg, dest, store.DeliveryFailed, status, err.Error())
		return false, err
	}

	if delivered {
		w.recordDelivery(ctx, msg, dest, store.DeliveryDelivered, status, "")
		return false, nil
	}

	w.recordDelivery(ctx, msg, dest, store.DeliveryFailed, status, fmt.Sprintf("destination returned %d", status))
	terminal := status >= 400 && status < 500
	return terminal, domainerr.ErrConflict.WithDetails(map[string]any{"reason": "nonSuccessDeliveryStatus", "status": status})
}

// sender resolves the transport for dest: the default signed-HTTP sender
// unless dest names an alternate registered in Senders (SPEC_FULL.md §2
// DOMAIN STACK's pubsub/cloudtasks alternates).
func (w *Worker) sender(dest Destination) Sender {
	if dest.Transport != "" && dest.Transport != "http" {
		if s, ok := w.Senders[dest.Transport]; ok {
			return s
		}
	}
	return httpSender{client: w.client()}
}

// httpSender is the default transport: a signed POST to dest.URL, exactly
// the inline behavior this Worker always had before the Sender interface
// existed.
type httpSender struct {
	client *http.Client
}

func (s httpSender) Send(ctx context.Context, dest Destination, deliveryID string, headers map[string]string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (w *Worker) recordDelivery(ctx context.Context, msg *store.OutboxMessage, dest Destination, state store.DeliveryState, status int, lastError string) {
	now := w.now()
	existing, err := w.Store.GetDelivery(ctx, msg.TenantID, fmt.Sprintf("dlv_%s_%s", msg.Topic, dest.ID))
	attempts := 1
	if err == nil && existing != nil {
		attempts = existing.Attempts + 1
	}
	_ = w.Store.PutDelivery(ctx, &store.DeliveryRecord{
		DeliveryID:    fmt.Sprintf("dlv_%s_%s", msg.Topic, dest.ID),
		TenantID:      msg.TenantID,
		OutboxID:      msg.ID,
		DestinationID: dest.ID,
		State:         state,
		Attempts:      attempts,
		LastStatus:    status,
		LastError:     lastError,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}

// Sign computes the HMAC-SHA256 delivery signature over timestamp + "." +
// body, hex-encoded.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Ack marks a delivery acknowledged by the receiver. Duplicate acks on an
// already-acked delivery are a no-op, matching the idempotent-ACK contract.
func Ack(ctx context.Context, s store.Store, tenantID, deliveryID string, at time.Time) error {
	d, err := s.GetDelivery(ctx, tenantID, deliveryID)
	if err != nil {
		return err
	}
	if d.State == store.DeliveryAcked {
		return nil
	}
	cp := *d
	cp.State = store.DeliveryAcked
	cp.AckedAt = &at
	cp.UpdatedAt = at
	return s.PutDelivery(ctx, &cp)
}
