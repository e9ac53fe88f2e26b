package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Database Metrics
	dbQueryDuration     *prometheus.HistogramVec
	dbConnectionsActive prometheus.Gauge
	dbConnectionsIdle   prometheus.Gauge
	dbQueryErrorsTotal  *prometheus.CounterVec

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec

	// Call Metrics
	callsTotal         *prometheus.CounterVec
	callsActive        prometheus.Gauge
	callsEndedTotal    *prometheus.CounterVec
	callsDuration      *prometheus.HistogramVec
	callsRejectedTotal *prometheus.CounterVec
	participantsJoins  *prometheus.CounterVec
	participantsActive prometheus.Gauge
	invitesTotal       *prometheus.CounterVec

	// Event Metrics
	eventsPublishFailed *prometheus.CounterVec

	// Redis Metrics
	redisDegraded     prometheus.Gauge
	redisHealthChecks *prometheus.CounterVec

	// Circuit Breaker Metrics
	breakerState    *prometheus.GaugeVec
	breakerRequests *prometheus.CounterVec
}

// NewMetrics creates the call service metrics on a registry of their own
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: reg,

		// HTTP Request Metrics
		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		// Database Metrics
		dbQueryDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "db_query_duration_seconds",
				Help:        "Database query latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),
		dbConnectionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name:        "db_connections_active",
				Help:        "Number of active database connections",
				ConstLabels: labels,
			},
		),
		dbConnectionsIdle: f.NewGauge(
			prometheus.GaugeOpts{
				Name:        "db_connections_idle",
				Help:        "Number of idle database connections",
				ConstLabels: labels,
			},
		),
		dbQueryErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "db_query_errors_total",
				Help:        "Total number of database query errors",
				ConstLabels: labels,
			},
			[]string{"operation", "table"},
		),

		// WebSocket Metrics
		websocketConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active call event WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of WebSocket messages",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),

		// Call Metrics
		callsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of calls created",
				ConstLabels: labels,
			},
			[]string{"type", "mode"},
		),
		callsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of ongoing calls",
				ConstLabels: labels,
			},
		),
		callsEndedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_ended_total",
				Help:        "Total number of ended calls",
				ConstLabels: labels,
			},
			[]string{"mode", "reason"},
		),
		callsDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "calls_duration_seconds",
				Help:        "Call duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"type"},
		),
		callsRejectedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_rejected_total",
				Help:        "Total number of rejected call operations",
				ConstLabels: labels,
			},
			[]string{"operation", "code"},
		),
		participantsJoins: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_participant_joins_total",
				Help:        "Total number of successful joins",
				ConstLabels: labels,
			},
			[]string{"mode", "via"},
		),
		participantsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name:        "call_participants_active",
				Help:        "Number of participants currently in a call",
				ConstLabels: labels,
			},
		),
		invitesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_invites_total",
				Help:        "Invite tokens issued and resolved",
				ConstLabels: labels,
			},
			[]string{"action", "result"},
		),

		// Event Metrics
		eventsPublishFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_events_publish_failed_total",
				Help:        "Total number of call events that could not be published",
				ConstLabels: labels,
			},
			[]string{"type"},
		),

		// Redis Metrics
		redisDegraded: f.NewGauge(
			prometheus.GaugeOpts{
				Name:        "redis_degraded_mode",
				Help:        "Indicates if Redis is in degraded mode (1 = degraded, 0 = healthy)",
				ConstLabels: labels,
			},
		),
		redisHealthChecks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "redis_health_check_total",
				Help:        "Total number of Redis health checks",
				ConstLabels: labels,
			},
			[]string{"result"},
		),

		// Circuit Breaker Metrics
		breakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "circuit_breaker_state",
				Help:        "State of a circuit breaker (0=closed, 1=half_open, 2=open)",
				ConstLabels: labels,
			},
			[]string{"name"},
		),
		breakerRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "circuit_breaker_requests_total",
				Help:        "Requests passing through a circuit breaker by outcome",
				ConstLabels: labels,
			},
			[]string{"name", "result"},
		),
	}
}

// GetRegistry returns the registry the metrics are registered on
func (m *Metrics) GetRegistry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Dec()
}

// Database Metrics Methods

// RecordDBQuery records a database query
func (m *Metrics) RecordDBQuery(operation, table string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		m.dbQueryErrorsTotal.WithLabelValues(operation, table).Inc()
	}
}

// SetDBConnections sets the number of database connections
func (m *Metrics) SetDBConnections(active, idle int) {
	if m == nil {
		return
	}
	m.dbConnectionsActive.Set(float64(active))
	m.dbConnectionsIdle.Set(float64(idle))
}

// WebSocket Metrics Methods

// AddWebSocketConnections moves the connection gauge by delta
func (m *Metrics) AddWebSocketConnections(delta int) {
	if m == nil {
		return
	}
	m.websocketConnections.Add(float64(delta))
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	if m == nil {
		return
	}
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

// Call Metrics Methods

// RecordCallCreated records a new call
func (m *Metrics) RecordCallCreated(callType, callMode string) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(callType, callMode).Inc()
}

// RecordCallStarted records a call reaching ongoing
func (m *Metrics) RecordCallStarted() {
	if m == nil {
		return
	}
	m.callsActive.Inc()
}

// RecordCallEnded records a call reaching ended. wasOngoing tells whether the
// call had started, so the ongoing gauge stays balanced.
func (m *Metrics) RecordCallEnded(callType, callMode, reason string, duration time.Duration, wasOngoing bool) {
	if m == nil {
		return
	}
	m.callsEndedTotal.WithLabelValues(callMode, reason).Inc()
	if wasOngoing {
		m.callsActive.Dec()
		m.callsDuration.WithLabelValues(callType).Observe(duration.Seconds())
	}
}

// RecordRejected records an operation refused with an error code
func (m *Metrics) RecordRejected(operation, code string) {
	if m == nil {
		return
	}
	m.callsRejectedTotal.WithLabelValues(operation, code).Inc()
}

// RecordJoin records a successful join
func (m *Metrics) RecordJoin(callMode, via string) {
	if m == nil {
		return
	}
	m.participantsJoins.WithLabelValues(callMode, via).Inc()
	m.participantsActive.Inc()
}

// RecordLeave records closed participant rows
func (m *Metrics) RecordLeave(count int) {
	if m == nil || count == 0 {
		return
	}
	m.participantsActive.Sub(float64(count))
}

// RecordInvite records an invite operation
func (m *Metrics) RecordInvite(action, result string) {
	if m == nil {
		return
	}
	m.invitesTotal.WithLabelValues(action, result).Inc()
}

// RecordEventPublishFailure records an event that was dropped
func (m *Metrics) RecordEventPublishFailure(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublishFailed.WithLabelValues(eventType).Inc()
}

// Redis Metrics Methods

// RecordRedisHealth records a health check outcome and the resulting mode
func (m *Metrics) RecordRedisHealth(healthy bool) {
	if m == nil {
		return
	}
	if healthy {
		m.redisHealthChecks.WithLabelValues("ok").Inc()
		m.redisDegraded.Set(0)
		return
	}
	m.redisHealthChecks.WithLabelValues("failed").Inc()
	m.redisDegraded.Set(1)
}

// Circuit Breaker Metrics Methods

// SetBreakerState records the state of a named circuit breaker
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordBreakerRequest records one request outcome: success, failure or rejected
func (m *Metrics) RecordBreakerRequest(name, result string) {
	if m == nil {
		return
	}
	m.breakerRequests.WithLabelValues(name, result).Inc()
}
