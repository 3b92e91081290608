package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/crisiscenter/crisis-relay/internal/pkg/errors"
	"github.com/crisiscenter/crisis-relay/internal/pkg/logger"
)

// Metrics holds all relay metrics.
type Metrics struct {
	// Connection metrics
	ActiveConnections   *Gauge
	ConnectionsTotal    *Counter
	ConnectionsClosed   *CounterVec // labels: reason
	ConnectionsRejected *CounterVec // labels: reason
	SessionLifetime     *Histogram
	Evictions           *Counter
	Alerts              *CounterVec // labels: type

	// Subscription metrics
	Subscriptions *Gauge
	ActiveTopics  *Gauge
	QueueDepth    *Gauge // sum of all outbox depths
	QueueDropped  *Gauge // events evicted from outboxes since start

	// Dispatch metrics
	EventsPublished *CounterVec // labels: channel
	EventsDelivered *Counter
	EventsDropped   *Counter
	SlowConsumers   *Counter
	PublishLatency  *Histogram
	PublishFanout   *Histogram
	PublishErrors   *CounterVec // labels: code

	// Command metrics
	Commands *CounterVec // labels: op, result

	// System metrics
	GoroutineCount *Gauge
	MemoryUsage    *Gauge // in bytes
	Uptime         *Counter

	// Bus metrics
	BusEventsPublished *CounterVec   // labels: topic
	BusEventLatency    *HistogramVec // labels: topic
	BusErrors          *CounterVec   // labels: topic
	BusDeliveries      *CounterVec   // labels: topic, result

	// HTTP metrics
	HTTPRequests         *CounterVec   // labels: method, path, status
	HTTPDuration         *HistogramVec // labels: method, path
	HTTPRequestsInFlight *Gauge
	HTTPRequestSize      *HistogramVec // labels: method, path

	// Time-series data for charts
	TimeSeries *TimeSeriesData

	// Redis storage (optional)
	redisStorage *RedisStorage

	startTime time.Time
	mu        sync.RWMutex
}

// New creates a new metrics instance with all metrics initialized.
// Uses in-memory storage only.
func New() *Metrics {
	return NewWithConfig("memory", "", nil)
}

// NewWithConfig creates a new metrics instance with specified persistence.
// persistence: "memory" or "redis"
// redisURL: Redis URL (only used if persistence = "redis")
// An unreachable Redis falls back to in-memory history.
func NewWithConfig(persistence, redisURL string, log *logger.Logger) *Metrics {
	if log == nil {
		log = logger.Default()
	}

	var redisStorage *RedisStorage
	var timeSeries *TimeSeriesData

	if persistence == "redis" && redisURL != "" {
		storage, err := NewRedisStorage(redisURL)
		if err != nil {
			log.Warn("Metrics persistence unavailable, falling back to in-memory", "error", err)
		} else {
			redisStorage = storage
			timeSeries = NewTimeSeriesDataWithRedis(redisStorage)
		}
	}

	if timeSeries == nil {
		timeSeries = NewTimeSeriesData()
	}

	return &Metrics{
		ActiveConnections: NewGauge(
			"relay_active_connections",
			"Number of registered connections",
		),
		ConnectionsTotal: NewCounter(
			"relay_connections_total",
			"Total number of admitted connections",
		),
		ConnectionsClosed: NewCounterVec(
			"relay_connections_closed_total",
			"Total number of closed connections by reason",
			[]string{"reason"},
		),
		ConnectionsRejected: NewCounterVec(
			"relay_connections_rejected_total",
			"Total number of refused connection attempts by reason",
			[]string{"reason"},
		),
		SessionLifetime: NewHistogram(
			"relay_session_lifetime_seconds",
			"Connection lifetime in seconds",
			[]float64{1, 10, 60, 300, 900, 3600, 14400, 86400},
		),
		Evictions: NewCounter(
			"relay_evictions_total",
			"Total number of sessions replaced by a newer login",
		),
		Alerts: NewCounterVec(
			"relay_alerts_total",
			"Total number of monitoring alerts by type",
			[]string{"type"},
		),

		Subscriptions: NewGauge(
			"relay_subscriptions",
			"Number of (connection, topic) subscriptions",
		),
		ActiveTopics: NewGauge(
			"relay_topics",
			"Number of topics with at least one subscriber",
		),
		QueueDepth: NewGauge(
			"relay_outbox_depth",
			"Frames waiting in connection outboxes",
		),
		QueueDropped: NewGauge(
			"relay_outbox_dropped",
			"Events evicted from live connection outboxes",
		),

		EventsPublished: NewCounterVec(
			"relay_events_published_total",
			"Total number of published events by channel type",
			[]string{"channel"},
		),
		EventsDelivered: NewCounter(
			"relay_events_delivered_total",
			"Total number of events enqueued to subscribers",
		),
		EventsDropped: NewCounter(
			"relay_events_dropped_total",
			"Total number of older events evicted to admit newer ones",
		),
		SlowConsumers: NewCounter(
			"relay_slow_consumers_total",
			"Total number of subscribers closed for falling behind",
		),
		PublishLatency: NewHistogram(
			"relay_publish_latency_ms",
			"Publish latency in milliseconds",
			[]float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100},
		),
		PublishFanout: NewHistogram(
			"relay_publish_fanout",
			"Number of subscribers per published event",
			[]float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
		),
		PublishErrors: NewCounterVec(
			"relay_publish_errors_total",
			"Total number of failed publishes",
			[]string{"code"},
		),

		Commands: NewCounterVec(
			"relay_commands_total",
			"Total number of client commands",
			[]string{"op", "result"},
		),

		GoroutineCount: NewGauge(
			"relay_goroutines",
			"Number of goroutines",
		),
		MemoryUsage: NewGauge(
			"relay_memory_bytes",
			"Memory usage in bytes",
		),
		Uptime: NewCounter(
			"relay_uptime_seconds",
			"Application uptime in seconds",
		),

		BusEventsPublished: NewCounterVec(
			"relay_bus_events_published_total",
			"Total number of events published to the bus",
			[]string{"topic"},
		),
		BusEventLatency: NewHistogramVec(
			"relay_bus_event_latency_seconds",
			"Event bus latency in seconds",
			[]string{"topic"},
			[]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		),
		BusErrors: NewCounterVec(
			"relay_bus_errors_total",
			"Total number of event bus errors",
			[]string{"topic"},
		),
		BusDeliveries: NewCounterVec(
			"relay_bus_deliveries_total",
			"Total number of bus events handled by subscribers",
			[]string{"topic", "result"},
		),

		HTTPRequests: NewCounterVec(
			"relay_http_requests_total",
			"Total number of HTTP requests",
			[]string{"method", "path", "status"},
		),
		HTTPDuration: NewHistogramVec(
			"relay_http_request_duration_seconds",
			"HTTP request duration in seconds",
			[]string{"method", "path"},
			[]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		),
		HTTPRequestsInFlight: NewGauge(
			"relay_http_requests_in_flight",
			"Number of HTTP requests currently being processed",
		),
		HTTPRequestSize: NewHistogramVec(
			"relay_http_request_size_bytes",
			"HTTP request size in bytes",
			[]string{"method", "path"},
			[]float64{100, 1000, 10000, 100000, 1000000, 10000000},
		),

		TimeSeries:   timeSeries,
		redisStorage: redisStorage,
		startTime:    time.Now(),
	}
}

// PublishStats is the outcome of one fan-out pass as seen by metrics.
type PublishStats struct {
	Subscribers int
	Delivered   int
	Dropped     int
	Closed      int
}

// RecordPublish implements dispatch.MetricsRecorder.
func (m *Metrics) RecordPublish(topic string, res PublishStats, latency time.Duration, err error) {
	latencyMs := float64(latency.Microseconds()) / 1000.0
	m.PublishLatency.Observe(latencyMs)

	if err != nil {
		m.PublishErrors.WithLabels(errors.CodeOf(err)).Inc()
		return
	}

	m.EventsPublished.WithLabels(ChannelOf(topic)).Inc()
	m.PublishFanout.Observe(float64(res.Subscribers))
	m.EventsDelivered.Add(int64(res.Delivered))
	m.EventsDropped.Add(int64(res.Dropped))
	m.SlowConsumers.Add(int64(res.Closed))

	if m.TimeSeries != nil {
		m.TimeSeries.RecordPublish(latencyMs, res.Delivered, res.Dropped)
	}
}

// RecordCommand implements session.MetricsRecorder. An empty code is success.
func (m *Metrics) RecordCommand(op, code string) {
	result := "ok"
	if code != "" {
		result = code
	}
	m.Commands.WithLabels(op, result).Inc()
}

// RecordSessionOpened counts an admitted connection.
func (m *Metrics) RecordSessionOpened() {
	m.ActiveConnections.Inc()
	m.ConnectionsTotal.Inc()
	if m.TimeSeries != nil {
		m.TimeSeries.ConnectRate.RecordSum(1)
	}
}

// RecordSessionClosed implements session.MetricsRecorder.
func (m *Metrics) RecordSessionClosed(reason string, lifetime time.Duration) {
	m.ActiveConnections.Dec()
	m.ConnectionsClosed.WithLabels(reason).Inc()
	m.SessionLifetime.Observe(lifetime.Seconds())
}

// RecordSessionRejected counts a refused connection attempt.
func (m *Metrics) RecordSessionRejected(reason string) {
	m.ConnectionsRejected.WithLabels(reason).Inc()
}

// RecordBusPublish records event bus publish metrics.
func (m *Metrics) RecordBusPublish(topic string, latencyMs int64, err error) {
	m.BusEventsPublished.WithLabels(topic).Inc()

	// Convert milliseconds to seconds for Prometheus convention
	latencySeconds := float64(latencyMs) / 1000.0
	m.BusEventLatency.WithLabels(topic).Observe(latencySeconds)

	if err != nil {
		m.BusErrors.WithLabels(topic).Inc()
	}
}

// RecordBusDelivery records one handler invocation for a bus topic.
func (m *Metrics) RecordBusDelivery(topic string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BusDeliveries.WithLabels(topic, result).Inc()
}

// UpdateRegistryStats sets the point-in-time connection gauges.
func (m *Metrics) UpdateRegistryStats(connections, subscriptions, topics int, queueDepth int, dropped uint64) {
	m.ActiveConnections.Set(int64(connections))
	m.Subscriptions.Set(int64(subscriptions))
	m.ActiveTopics.Set(int64(topics))
	m.QueueDepth.Set(int64(queueDepth))
	m.QueueDropped.Set(int64(dropped))
}

// RecordHTTP records HTTP request metrics.
// This is called by the HTTP middleware.
func (m *Metrics) RecordHTTP(method, path string, status int, durationSeconds float64, sizeBytes int64) {
	// Normalize path to reduce cardinality
	normalizedPath := normalizePath(path)

	m.HTTPRequests.WithLabels(method, normalizedPath, statusCode(status)).Inc()
	m.HTTPDuration.WithLabels(method, normalizedPath).Observe(durationSeconds)

	if sizeBytes > 0 {
		m.HTTPRequestSize.WithLabels(method, normalizedPath).Observe(float64(sizeBytes))
	}
}

// ChannelOf returns the channel type of a topic: the part before the first
// colon, or "other". Used as a label so per-incident topics do not explode
// label cardinality.
func ChannelOf(topic string) string {
	prefix, _, ok := strings.Cut(topic, ":")
	if !ok || prefix == "" {
		return "other"
	}
	switch prefix {
	case "incident", "zone", "ngo", "gov", "user", "role", "broadcast":
		return prefix
	}
	return "other"
}

// Reset resets all metrics to zero (useful for testing).
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ConnectionsTotal.Reset()
	m.EventsDelivered.Reset()
	m.EventsDropped.Reset()
	m.SlowConsumers.Reset()
	m.Uptime.Reset()

	m.ActiveConnections.Set(0)
	m.Subscriptions.Set(0)
	m.ActiveTopics.Set(0)
	m.QueueDepth.Set(0)
	m.QueueDropped.Set(0)
	m.GoroutineCount.Set(0)
	m.MemoryUsage.Set(0)

	m.startTime = time.Now()
}

// StartTime returns when the metrics were created or last reset.
func (m *Metrics) StartTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.startTime
}

// Close closes the metrics instance and releases resources.
// Must be called when shutting down if Redis is used.
func (m *Metrics) Close() error {
	if m.redisStorage != nil {
		return m.redisStorage.Close()
	}
	return nil
}

// IsRedisPersisted returns true if metrics are persisted to Redis.
func (m *Metrics) IsRedisPersisted() bool {
	return m.redisStorage != nil
}
