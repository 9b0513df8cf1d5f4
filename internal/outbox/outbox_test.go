package outbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nooterra/settld-core/internal/store"
	"github.com/nooterra/settld-core/internal/store/memstore"
)

type staticRegistry struct {
	destinations []Destination
}

func (r staticRegistry) DestinationsFor(ctx context.Context, tenantID, topic string) ([]Destination, error) {
	return r.destinations, nil
}

func TestPumpDeliversAndMarksProcessedOnSuccess(t *testing.T) {
	var receivedSig, receivedTs string
	var receivedBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedSig = r.Header.Get("x-settld-signature")
		receivedTs = r.Header.Get("x-settld-timestamp")
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		receivedBody = buf
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := memstore.New()
	ctx := context.Background()
	_, err := s.EnqueueOutbox(ctx, &store.OutboxMessage{
		TenantID: "t1", Topic: "settlement.released", AggregateType: "settlement", AggregateID: "stl_1",
		Payload: map[string]any{"settlementId": "stl_1"},
	})
	require.NoError(t, err)

	w := &Worker{
		Store:    s,
		Registry: staticRegistry{destinations: []Destination{{ID: "dest_1", URL: srv.URL, Secret: "shh"}}},
	}
	n, err := w.Pump(ctx, "t1", 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NotEmpty(t, receivedSig)
	require.NotEmpty(t, receivedTs)
	require.Contains(t, string(receivedBody), "stl_1")

	pending, err := s.ListOutbox(ctx, "t1", store.OutboxFilter{State: store.OutboxPending})
	require.NoError(t, err)
	require.Empty(t, pending)

	deliveries, err := s.ListDeliveries(ctx, "t1", store.DeliveryDelivered)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
}

func TestPumpMarksRetryWithBackoffOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := memstore.New()
	ctx := context.Background()
	_, err := s.EnqueueOutbox(ctx, &store.OutboxMessage{
		TenantID: "t1", Topic: "grant.issued", AggregateType: "grant", AggregateID: "g_1",
		Payload: map[string]any{"grantId": "g_1"},
	})
	require.NoError(t, err)

	now := time.Now()
	w := &Worker{
		Store:    s,
		Registry: staticRegistry{destinations: []Destination{{ID: "dest_1", URL: srv.URL}}},
		Now:      func() time.Time { return now },
	}
	_, err = w.Pump(ctx, "t1", 10)
	require.NoError(t, err)

	pending, err := s.ListOutbox(ctx, "t1", store.OutboxFilter{State: store.OutboxPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].Attempt)
	require.Equal(t, now.Add(backoffFor(1)), pending[0].NextAttemptAt)
}

func TestDeliverToAllDestinationsDLQsAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := memstore.New()
	ctx := context.Background()
	msg, err := s.EnqueueOutbox(ctx, &store.OutboxMessage{
		TenantID: "t1", Topic: "grant.issued", AggregateType: "grant", AggregateID: "g_1",
		Payload: map[string]any{"grantId": "g_1"},
	})
	require.NoError(t, err)

	w := &Worker{
		Store:    s,
		Registry: staticRegistry{destinations: []Destination{{ID: "dest_1", URL: srv.URL}}},
	}
	msg.Attempt = MaxAttempts - 1
	w.deliverToAllDestinations(ctx, msg)

	dlq, err := s.ListOutbox(ctx, "t1", store.OutboxFilter{State: store.OutboxDLQ})
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	require.Equal(t, msg.ID, dlq[0].ID)
}

func TestSignIsDeterministicOverBody(t *testing.T) {
	sig1 := Sign("secret", "2026-01-01T00:00:00Z", []byte(`{"a":1}`))
	sig2 := Sign("secret", "2026-01-01T00:00:00Z", []byte(`{"a":1}`))
	require.Equal(t, sig1, sig2)

	sig3 := Sign("secret", "2026-01-01T00:00:00Z", []byte(`{"a":2}`))
	require.NotEqual(t, sig1, sig3)
}

type recordingSender struct {
	calls []Destination
}

func (r *recordingSender) Send(ctx context.Context, dest Destination, deliveryID string, headers map[string]string, body []byte) (int, error) {
	r.calls = append(r.calls, dest)
	return 200, nil
}

func TestDeliverOneRoutesByTransportToRegisteredSender(t *testing.T) {
	httpHit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpHit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := memstore.New()
	ctx := context.Background()
	_, err := s.EnqueueOutbox(ctx, &store.OutboxMessage{
		TenantID: "t1", Topic: "workorder.settled", AggregateType: "workOrder", AggregateID: "wo_1",
		Payload: map[string]any{"workOrderId": "wo_1"},
	})
	require.NoError(t, err)

	pubsub := &recordingSender{}
	w := &Worker{
		Store: s,
		Registry: staticRegistry{destinations: []Destination{
			{ID: "dest_1", URL: srv.URL, Transport: "pubsub"},
		}},
		Senders: map[string]Sender{"pubsub": pubsub},
	}
	n, err := w.Pump(ctx, "t1", 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, httpHit, "transport pubsub destination must not hit the HTTP server")
	require.Len(t, pubsub.calls, 1)
	require.Equal(t, "dest_1", pubsub.calls[0].ID)
}

func TestDeliverOneFallsBackToHTTPWhenTransportUnregistered(t *testing.T) {
	httpHit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpHit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := memstore.New()
	ctx := context.Background()
	_, err := s.EnqueueOutbox(ctx, &store.OutboxMessage{
		TenantID: "t1", Topic: "workorder.settled", AggregateType: "workOrder", AggregateID: "wo_1",
		Payload: map[string]any{"workOrderId": "wo_1"},
	})
	require.NoError(t, err)

	w := &Worker{
		Store: s,
		Registry: staticRegistry{destinations: []Destination{
			{ID: "dest_1", URL: srv.URL, Transport: "cloudtasks"},
		}},
	}
	_, err = w.Pump(ctx, "t1", 10)
	require.NoError(t, err)
	require.True(t, httpHit, "an unregistered transport must fall back to the default HTTP sender")
}
