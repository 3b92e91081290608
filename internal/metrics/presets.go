package metrics

import (
	"time"
)

// MetricPreset defines a predefined metric query for dashboards.
type MetricPreset struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Metrics     []string `json:"metrics"`
	ChartType   string   `json:"chart_type"` // line, bar, gauge, table
	TimeRange   string   `json:"time_range"` // default time range
}

// DefaultPresets returns the default metric presets.
var DefaultPresets = []MetricPreset{
	{
		ID:          "connections",
		Name:        "Connections",
		Description: "Registered connections and admissions",
		Category:    "connections",
		Metrics: []string{
			"relay_active_connections",
			"relay_connections_total",
			"relay_evictions_total",
		},
		ChartType: "line",
		TimeRange: "1h",
	},
	{
		ID:          "subscriptions",
		Name:        "Subscriptions",
		Description: "Topic subscriptions and live topics",
		Category:    "connections",
		Metrics: []string{
			"relay_subscriptions",
			"relay_topics",
		},
		ChartType: "line",
		TimeRange: "1h",
	},
	{
		ID:          "fanout",
		Name:        "Fan-out",
		Description: "Delivered and dropped events",
		Category:    "dispatch",
		Metrics: []string{
			"relay_events_delivered_total",
			"relay_events_dropped_total",
			"relay_slow_consumers_total",
		},
		ChartType: "line",
		TimeRange: "1h",
	},
	{
		ID:          "backpressure",
		Name:        "Backpressure",
		Description: "Outbox depth and evicted events",
		Category:    "dispatch",
		Metrics: []string{
			"relay_outbox_depth",
			"relay_outbox_dropped",
		},
		ChartType: "gauge",
		TimeRange: "15m",
	},
	{
		ID:          "publish_latency",
		Name:        "Publish Latency",
		Description: "Time from publish call to last enqueue",
		Category:    "dispatch",
		Metrics: []string{
			"relay_publish_latency_ms",
		},
		ChartType: "bar",
		TimeRange: "1h",
	},
	{
		ID:          "system_health",
		Name:        "System Health",
		Description: "System resource usage",
		Category:    "system",
		Metrics: []string{
			"relay_goroutines",
			"relay_memory_bytes",
			"relay_uptime_seconds",
		},
		ChartType: "table",
		TimeRange: "all",
	},
}

// GetPreset returns a preset by ID.
func GetPreset(id string) *MetricPreset {
	for i := range DefaultPresets {
		if DefaultPresets[i].ID == id {
			return &DefaultPresets[i]
		}
	}
	return nil
}

// GetPresetsByCategory returns presets grouped by category.
func GetPresetsByCategory() map[string][]MetricPreset {
	categories := make(map[string][]MetricPreset)
	for _, p := range DefaultPresets {
		categories[p.Category] = append(categories[p.Category], p)
	}
	return categories
}

// GetAllPresets returns all available presets.
func GetAllPresets() []MetricPreset {
	return DefaultPresets
}

// MetricQuery represents a query for specific metrics.
type MetricQuery struct {
	PresetID string   `json:"preset_id,omitempty"`
	Metrics  []string `json:"metrics"`
}

// MetricQueryResult represents the result of a metric query.
type MetricQueryResult struct {
	Query     MetricQuery            `json:"query"`
	Timestamp int64                  `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// ExecuteQuery returns the current values of the requested metrics.
// Unknown names map to nil.
func (m *Metrics) ExecuteQuery(query MetricQuery) (*MetricQueryResult, error) {
	if query.PresetID != "" {
		if preset := GetPreset(query.PresetID); preset != nil {
			query.Metrics = preset.Metrics
		}
	}

	result := &MetricQueryResult{
		Query:     query,
		Timestamp: time.Now().Unix(),
		Data:      make(map[string]interface{}, len(query.Metrics)),
	}
	for _, name := range query.Metrics {
		result.Data[name] = m.getCurrentValue(name)
	}
	return result, nil
}

// getCurrentValue gets the current value of a metric by name.
func (m *Metrics) getCurrentValue(name string) interface{} {
	switch name {
	case "relay_active_connections":
		return m.ActiveConnections.Value()
	case "relay_connections_total":
		return m.ConnectionsTotal.Value()
	case "relay_evictions_total":
		return m.Evictions.Value()
	case "relay_subscriptions":
		return m.Subscriptions.Value()
	case "relay_topics":
		return m.ActiveTopics.Value()
	case "relay_outbox_depth":
		return m.QueueDepth.Value()
	case "relay_outbox_dropped":
		return m.QueueDropped.Value()
	case "relay_events_delivered_total":
		return m.EventsDelivered.Value()
	case "relay_events_dropped_total":
		return m.EventsDropped.Value()
	case "relay_slow_consumers_total":
		return m.SlowConsumers.Value()
	case "relay_publish_latency_ms":
		return map[string]interface{}{"count": m.PublishLatency.Count(), "sum": m.PublishLatency.Sum()}
	case "relay_goroutines":
		return m.GoroutineCount.Value()
	case "relay_memory_bytes":
		return m.MemoryUsage.Value()
	case "relay_uptime_seconds":
		return m.Uptime.Value()
	default:
		return nil
	}
}
