package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Isolated(t *testing.T) {
	a, b := New(), New()
	a.BufferDropped.Add(3)

	assert.Equal(t, 3.0, testutil.ToFloat64(a.BufferDropped))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.BufferDropped))
}

func TestRegistry_HandlerExposesNames(t *testing.T) {
	r := New()
	r.OrdersReceived.WithLabelValues("valid").Inc()
	r.FillsGenerated.WithLabelValues("full", "EURUSD").Inc()
	r.PendingEvents.Set(2)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, _ := io.ReadAll(rec.Body)
	s := string(body)
	assert.Contains(t, s, `exec_sim_orders_received_total{status="valid"} 1`)
	assert.Contains(t, s, `exec_sim_fills_generated_total{fill_type="full",instrument="EURUSD"} 1`)
	assert.Contains(t, s, "exec_sim_pending_events_count 2")
}

func TestRegistry_SetBreakerState(t *testing.T) {
	r := New()
	r.SetBreakerState("executions.fill", "open")
	assert.Equal(t, 1.0, testutil.ToFloat64(r.BreakerState.WithLabelValues("executions.fill", "open")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.BreakerState.WithLabelValues("executions.fill", "closed")))

	r.SetBreakerState("executions.fill", "closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(r.BreakerState.WithLabelValues("executions.fill", "open")))
}
