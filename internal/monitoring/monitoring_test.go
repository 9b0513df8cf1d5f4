package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordHTTPRequestIncrementsCounterByRouteAndStatusClass(t *testing.T) {
	m := New()
	m.RecordHTTPRequest("/work-orders/{id}", "POST", 201, 5*time.Millisecond)
	m.RecordHTTPRequest("/work-orders/{id}", "POST", 500, 5*time.Millisecond)

	require.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/work-orders/{id}", "POST", "2xx")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/work-orders/{id}", "POST", "5xx")))
}

func TestRecordOutboxDeliveryTracksOutcome(t *testing.T) {
	m := New()
	m.RecordOutboxDelivery("dest_1", true, 10*time.Millisecond)
	m.RecordOutboxDelivery("dest_1", false, 10*time.Millisecond)

	require.Equal(t, float64(1), testutil.ToFloat64(m.OutboxDeliveriesTotal.WithLabelValues("dest_1", "delivered")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.OutboxDeliveriesTotal.WithLabelValues("dest_1", "failed")))
}

func TestRecordSchedulerTickTracksErrorOutcome(t *testing.T) {
	m := New()
	m.RecordSchedulerTick(nil, time.Millisecond)
	m.RecordSchedulerTick(errTick, time.Millisecond)

	require.Equal(t, float64(1), testutil.ToFloat64(m.SchedulerTicksTotal.WithLabelValues("ok")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.SchedulerTicksTotal.WithLabelValues("error")))
}

var errTick = &testError{}

type testError struct{}

func (e *testError) Error() string { return "tick failed" }
