package metric

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "eventrelay"

// RelayMetrics holds the metrics recorded by the stream, dispatch, queue
// and webhook layers. All Record methods are no-ops on a nil receiver, so
// components can run without a registry in tests.
type RelayMetrics struct {
	LinesRead          prometheus.Counter
	Classified         *prometheus.CounterVec
	HandlerInvocations *prometheus.CounterVec
	HandlerDuration    *prometheus.HistogramVec
	ConnectionState    prometheus.Gauge
	Reconnects         *prometheus.CounterVec
	PluginsLoaded      prometheus.Gauge
	PluginLoadFailures *prometheus.CounterVec
	QueueOperations    *prometheus.CounterVec
	WebhookRequests    *prometheus.CounterVec
}

// NewRelayMetrics creates unregistered relay metrics
func NewRelayMetrics() *RelayMetrics {
	return &RelayMetrics{
		LinesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "lines_total",
			Help:      "Total number of raw lines read from the upstream stream",
		}),
		Classified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "classified_total",
			Help:      "Lines by classification result",
		}, []string{"result"}),
		HandlerInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "handler_invocations_total",
			Help:      "Handler invocations by plugin, category and outcome",
		}, []string{"plugin", "category", "status"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "handler_duration_seconds",
			Help:      "Handler execution time in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"plugin", "category"}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connection_state",
			Help:      "Stream connection state (0=closed, 1=opening, 2=open, 3=closing)",
		}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Stream reconnects by reason",
		}, []string{"reason"}),
		PluginsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "plugins",
			Name:      "loaded",
			Help:      "Number of plugins in the active handler table",
		}),
		PluginLoadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plugins",
			Name:      "load_failures_total",
			Help:      "Plugin load failures by plugin name",
		}, []string{"plugin"}),
		QueueOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "operations_total",
			Help:      "Queue operations by backend, operation and outcome",
		}, []string{"backend", "op", "status"}),
		WebhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "requests_total",
			Help:      "Webhook requests by method and response status",
		}, []string{"method", "status"}),
	}
}

func (m *RelayMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.LinesRead,
		m.Classified,
		m.HandlerInvocations,
		m.HandlerDuration,
		m.ConnectionState,
		m.Reconnects,
		m.PluginsLoaded,
		m.PluginLoadFailures,
		m.QueueOperations,
		m.WebhookRequests,
	}
}

// RecordLine counts one raw line
func (m *RelayMetrics) RecordLine() {
	if m == nil {
		return
	}
	m.LinesRead.Inc()
}

// RecordClassified counts a classification result
func (m *RelayMetrics) RecordClassified(result string) {
	if m == nil {
		return
	}
	m.Classified.WithLabelValues(result).Inc()
}

// RecordHandler counts one handler invocation and its duration
func (m *RelayMetrics) RecordHandler(plugin, category string, err error, seconds float64) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.HandlerInvocations.WithLabelValues(plugin, category, status).Inc()
	m.HandlerDuration.WithLabelValues(plugin, category).Observe(seconds)
}

// RecordConnectionState sets the connection state gauge
func (m *RelayMetrics) RecordConnectionState(state int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(state))
}

// RecordReconnect counts a reconnect
func (m *RelayMetrics) RecordReconnect(reason string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(reason).Inc()
}

// RecordPluginsLoaded sets the loaded plugin gauge
func (m *RelayMetrics) RecordPluginsLoaded(n int) {
	if m == nil {
		return
	}
	m.PluginsLoaded.Set(float64(n))
}

// RecordPluginLoadFailure counts a failed plugin load
func (m *RelayMetrics) RecordPluginLoadFailure(plugin string) {
	if m == nil {
		return
	}
	m.PluginLoadFailures.WithLabelValues(plugin).Inc()
}

// RecordQueueOp counts a queue operation
func (m *RelayMetrics) RecordQueueOp(backend, op string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.QueueOperations.WithLabelValues(backend, op, status).Inc()
}

// RecordWebhookRequest counts a webhook request
func (m *RelayMetrics) RecordWebhookRequest(method string, status int) {
	if m == nil {
		return
	}
	m.WebhookRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}
