// Package metrics exposes Prometheus metrics derived from lifecycle events.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vmrelay/internal/domain"
)

// Labels stay low-cardinality: no session or tracking ids.

// Metrics holds the relay's collectors on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	ExecutionsStarted  prometheus.Counter
	ExecutionsFinished *prometheus.CounterVec
	ExecutionsRunning  prometheus.Gauge
	ExecutionDuration  *prometheus.HistogramVec

	ProgressPublished  *prometheus.CounterVec
	ProgressDropped    prometheus.Counter
	ProgressTerminal   *prometheus.CounterVec
	ChannelsOpen       *prometheus.GaugeVec
	ChannelDuration    *prometheus.HistogramVec
	ProvisionsFinished *prometheus.CounterVec
	ProvisionDuration  prometheus.Histogram
}

// New registers every collector, plus Go and process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ExecutionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "vmrelay_executions_started_total",
			Help: "Total number of execution sessions started.",
		}),
		ExecutionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vmrelay_executions_finished_total",
			Help: "Total number of execution sessions that reached a terminal status, by status and error code.",
		}, []string{"status", "code"}),
		ExecutionsRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "vmrelay_executions_running",
			Help: "Current number of running execution sessions.",
		}),
		ExecutionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vmrelay_execution_duration_seconds",
			Help:    "Execution session duration from start to terminal status.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"status"}),

		ProgressPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vmrelay_progress_events_total",
			Help: "Total number of progress events published, by stage.",
		}, []string{"stage"}),
		ProgressDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "vmrelay_progress_subscribers_dropped_total",
			Help: "Total number of progress subscribers dropped after a failed delivery.",
		}),
		ProgressTerminal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vmrelay_progress_streams_finished_total",
			Help: "Total number of progress streams that emitted a terminal event, by stage.",
		}, []string{"stage"}),
		ChannelsOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vmrelay_channels_open",
			Help: "Current number of authenticated WebSocket channels, by kind.",
		}, []string{"kind"}),
		ChannelDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vmrelay_channel_duration_seconds",
			Help:    "WebSocket channel lifetime.",
			Buckets: prometheus.ExponentialBuckets(0.5, 4, 8),
		}, []string{"kind"}),
		ProvisionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vmrelay_provisions_finished_total",
			Help: "Total number of provisioning workflows finished, by result.",
		}, []string{"result"}),
		ProvisionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vmrelay_provision_duration_seconds",
			Help:    "Provisioning workflow duration.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Subscribe feeds the collectors from bus events. The returned function
// removes the subscription.
func (m *Metrics) Subscribe(bus domain.EventBus) func() {
	return bus.SubscribeAll(func(_ context.Context, evt domain.Event) {
		m.Observe(evt)
	})
}

// Observe updates the collectors for one event. Unknown events and
// undecodable payloads are ignored.
func (m *Metrics) Observe(evt domain.Event) {
	switch evt.Type {
	case domain.EventExecutionStarted:
		m.ExecutionsStarted.Inc()
		m.ExecutionsRunning.Inc()
	case domain.EventExecutionCompleted, domain.EventExecutionFailed,
		domain.EventExecutionAborted, domain.EventExecutionExpired:
		var p domain.ExecutionEventPayload
		if json.Unmarshal(evt.Payload, &p) != nil {
			return
		}
		m.ExecutionsRunning.Dec()
		m.ExecutionsFinished.WithLabelValues(string(p.Status), string(p.ErrorCode)).Inc()
		m.ExecutionDuration.WithLabelValues(string(p.Status)).Observe(p.Duration.Seconds())

	case domain.EventProgressPublished, domain.EventProgressTerminal:
		var p domain.ProgressEventPayload
		if json.Unmarshal(evt.Payload, &p) != nil {
			return
		}
		if evt.Type == domain.EventProgressPublished {
			m.ProgressPublished.WithLabelValues(string(p.Stage)).Inc()
		} else {
			m.ProgressTerminal.WithLabelValues(string(p.Stage)).Inc()
		}
	case domain.EventProgressDropped:
		m.ProgressDropped.Inc()

	case domain.EventChannelOpened, domain.EventChannelClosed:
		var p domain.ChannelEventPayload
		if json.Unmarshal(evt.Payload, &p) != nil {
			return
		}
		if evt.Type == domain.EventChannelOpened {
			m.ChannelsOpen.WithLabelValues(p.Kind).Inc()
			return
		}
		m.ChannelsOpen.WithLabelValues(p.Kind).Dec()
		m.ChannelDuration.WithLabelValues(p.Kind).Observe(p.Duration.Seconds())

	case domain.EventProvisionCompleted, domain.EventProvisionFailed:
		var p domain.ProvisionEventPayload
		if json.Unmarshal(evt.Payload, &p) != nil {
			return
		}
		result := "completed"
		if evt.Type == domain.EventProvisionFailed {
			result = "failed"
		}
		m.ProvisionsFinished.WithLabelValues(result).Inc()
		m.ProvisionDuration.Observe(p.Duration.Seconds())
	}
}
