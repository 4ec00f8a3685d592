package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopherex.com/execsim/internal/execsim/broker"
	"gopherex.com/execsim/internal/execsim/outbox"
	"gopherex.com/execsim/internal/execsim/pipeline"
	"gopherex.com/execsim/pkg/metrics"
)

func init() { gin.SetMode(gin.TestMode) }

type procStatus string

func (p procStatus) Status() string { return string(p) }

type fixedBreakers map[string]string

func (f fixedBreakers) BreakerStates() map[string]string { return f }

func newServer(t *testing.T, proc Processor) (*Server, *broker.MemBroker, *outbox.Buffer, *metrics.Registry) {
	t.Helper()
	m := metrics.New()
	mb := broker.NewMemBroker("decisions.order_intent")
	buf := outbox.NewBuffer(10, m)
	s := New(Options{Service: "exec-sim", Version: "1.2.3", MaxBodyBytes: 1 << 20}, mb, proc, buf,
		fixedBreakers{"executions.fill": "closed"}, m)
	return s, mb, buf, m
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, Report) {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var rep Report
	if path == "/healthz" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	}
	return w, rep
}

func TestHealthz_Healthy(t *testing.T) {
	s, _, buf, _ := newServer(t, procStatus(pipeline.StatusActive))
	buf.Enqueue(context.Background(), outbox.Event{Subject: "executions.fill", CorrID: "c1"})

	w, rep := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, rep.OK)
	assert.Equal(t, "connected", rep.Nats)
	assert.True(t, rep.NatsConnected)
	assert.Equal(t, "1.2.3", rep.Version)
	assert.Equal(t, "active", rep.ProcessorStatus)
	assert.Equal(t, 1, rep.PendingEvents)
	require.NotNil(t, rep.Consumer)
	assert.True(t, rep.Consumer.Healthy)
	assert.Equal(t, "closed", rep.Breakers["executions.fill"])
	assert.Empty(t, rep.Error)
}

func TestHealthz_CORSAllowAll(t *testing.T) {
	s, _, _, _ := newServer(t, procStatus(pipeline.StatusActive))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealthz_Disconnected(t *testing.T) {
	s, mb, _, _ := newServer(t, procStatus(pipeline.StatusDegraded))
	mb.SetConnected(false)

	w, rep := get(t, s, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.False(t, rep.OK)
	assert.False(t, rep.NatsConnected)
	assert.Equal(t, "stopped", rep.ProcessorStatus)
	assert.Contains(t, rep.Error, "NATS not connected")
}

func TestHealthz_ConsumerDrift(t *testing.T) {
	s, mb, _, _ := newServer(t, procStatus(pipeline.StatusActive))
	mb.SetConsumerError(errors.New("consumer config drift: filter_subject"))

	w, rep := get(t, s, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", rep.ProcessorStatus)
	assert.False(t, rep.Consumer.Healthy)
	assert.Contains(t, rep.Error, "filter_subject")
}

func TestHealthz_SaturatedPipelineStillOK(t *testing.T) {
	s, _, _, _ := newServer(t, procStatus(pipeline.StatusDegraded))

	w, rep := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", rep.ProcessorStatus)
}

func TestHealthz_StoppedPipeline(t *testing.T) {
	s, _, _, _ := newServer(t, procStatus(pipeline.StatusStopped))

	w, rep := get(t, s, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "processor status: stopped", rep.Error)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _, m := newServer(t, procStatus(pipeline.StatusActive))
	m.OrdersReceived.WithLabelValues("valid").Inc()

	w, _ := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `exec_sim_orders_received_total{status="valid"} 1`)
	assert.Contains(t, w.Body.String(), "exec_sim_pending_events_count")
}
