package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "exec_sim"

// Registry 每个 pipeline 一份，不往 prometheus 默认全局注册表里塞
type Registry struct {
	reg *prometheus.Registry

	OrdersReceived     *prometheus.CounterVec   // status: valid/invalid/duplicate/malformed
	FillsGenerated     *prometheus.CounterVec   // fill_type, instrument
	SimulationDuration *prometheus.HistogramVec // instrument, order_type
	ValidationErrors   *prometheus.CounterVec   // type
	UnknownFields      *prometheus.CounterVec   // field_name

	PublishErrors *prometheus.CounterVec // subject
	Published     *prometheus.CounterVec // subject
	BreakerState  *prometheus.GaugeVec   // subject, state

	PendingEvents  prometheus.Gauge
	BufferDropped  prometheus.Counter
	FetchCalls     prometheus.Counter
	FetchEmpty     prometheus.Counter
	ConsumerPaused prometheus.Gauge
}

func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		OrdersReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_received_total",
			Help:      "Total order intents received.",
		}, []string{"status"}),
		FillsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fills_generated_total",
			Help:      "Total fills generated.",
		}, []string{"fill_type", "instrument"}),
		SimulationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "simulation_duration_seconds",
			Help:      "Time spent simulating one fill.",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05},
		}, []string{"instrument", "order_type"}),
		ValidationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_errors_total",
			Help:      "Total validation errors by field.",
		}, []string{"type"}),
		UnknownFields: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_fields_total",
			Help:      "Unknown top-level fields seen on order intents.",
		}, []string{"field_name"}),
		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_publish_errors_total",
			Help:      "Total publish failures.",
		}, []string{"subject"}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Total events published.",
		}, []string{"subject"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuitbreaker_state",
			Help:      "Circuit breaker state (0/1).",
		}, []string{"subject", "state"}), // state: closed/open/half-open
		PendingEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_events_count",
			Help:      "Events buffered or in flight, not yet published.",
		}),
		BufferDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_dropped_total",
			Help:      "Events dropped by outbound buffer overflow.",
		}),
		FetchCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_calls_total",
			Help:      "Pull consumer fetch calls.",
		}),
		FetchEmpty: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_empty_total",
			Help:      "Fetch calls that returned no messages.",
		}),
		ConsumerPaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_paused",
			Help:      "1 while consumption is paused (fail-stop).",
		}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.OrdersReceived, r.FillsGenerated, r.SimulationDuration, r.ValidationErrors, r.UnknownFields,
		r.PublishErrors, r.Published, r.BreakerState,
		r.PendingEvents, r.BufferDropped, r.FetchCalls, r.FetchEmpty, r.ConsumerPaused,
	)
	return r
}

func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler /metrics
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// SetBreakerState 只保留当前状态为 1
func (r *Registry) SetBreakerState(subject, state string) {
	for _, s := range []string{"closed", "half-open", "open"} {
		v := 0.0
		if s == state {
			v = 1
		}
		r.BreakerState.WithLabelValues(subject, s).Set(v)
	}
}
