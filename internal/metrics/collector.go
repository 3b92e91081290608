package metrics

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// ConnectionSource reports the live connection count and outbound queue
// totals. *connection.Registry implements it.
type ConnectionSource interface {
	QueueStats() (connections, queueDepth int, dropped uint64)
}

// SubscriptionSource reports subscription totals. *router.Router implements it.
type SubscriptionSource interface {
	SubscriptionCount() int
	TopicCount() int
}

// Sources are the components a Collector samples. Any of them may be nil.
type Sources struct {
	Connections   ConnectionSource
	Subscriptions SubscriptionSource
	Ingest        func() any // reported under "ingest"
}

// Collector samples point-in-time state from the registry and router.
type Collector struct {
	metrics *Metrics
	src     Sources
}

// NewCollector creates a new metrics collector.
func NewCollector(metrics *Metrics, src Sources) *Collector {
	return &Collector{metrics: metrics, src: src}
}

// Run samples every interval until ctx is done.
func (c *Collector) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Sample()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sample()
			c.metrics.Uptime.Add(int64(interval.Seconds()))
		}
	}
}

// Sample refreshes the gauges.
func (c *Collector) Sample() {
	c.metrics.GoroutineCount.Set(int64(runtime.NumGoroutine()))

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	c.metrics.MemoryUsage.Set(int64(memStats.Alloc))

	if c.src.Connections == nil {
		return
	}

	conns, depth, dropped := c.src.Connections.QueueStats()
	var subs, topics int
	if c.src.Subscriptions != nil {
		subs = c.src.Subscriptions.SubscriptionCount()
		topics = c.src.Subscriptions.TopicCount()
	}
	c.metrics.UpdateRegistryStats(conns, subs, topics, depth, dropped)
}

// Collect gathers current statistics for the stats endpoint.
func (c *Collector) Collect(ctx context.Context) (map[string]interface{}, error) {
	c.Sample()
	stats := make(map[string]interface{})

	// System metrics
	stats["goroutines"] = c.metrics.GoroutineCount.Value()
	stats["memory_bytes"] = c.metrics.MemoryUsage.Value()
	stats["uptime_seconds"] = int64(time.Since(c.metrics.StartTime()).Seconds())

	// Connection metrics
	stats["active_connections"] = c.metrics.ActiveConnections.Value()
	stats["connections_total"] = c.metrics.ConnectionsTotal.Value()
	stats["evictions_total"] = c.metrics.Evictions.Value()
	stats["subscriptions"] = c.metrics.Subscriptions.Value()
	stats["topics"] = c.metrics.ActiveTopics.Value()
	stats["queue_depth"] = c.metrics.QueueDepth.Value()

	// Dispatch metrics
	stats["events_delivered_total"] = c.metrics.EventsDelivered.Value()
	stats["events_dropped_total"] = c.metrics.EventsDropped.Value()
	stats["slow_consumers_total"] = c.metrics.SlowConsumers.Value()
	stats["publish_latency_count"] = c.metrics.PublishLatency.Count()
	stats["publish_latency_sum_ms"] = c.metrics.PublishLatency.Sum()

	if c.src.Ingest != nil {
		stats["ingest"] = c.src.Ingest()
	}
	if c.metrics.TimeSeries != nil {
		stats["series"] = c.metrics.TimeSeries.Snapshot()
	}

	return stats, nil
}

// Summary returns a human-readable summary of current metrics.
func (c *Collector) Summary(ctx context.Context) string {
	stats, err := c.Collect(ctx)
	if err != nil {
		return "Error collecting metrics"
	}

	summary := "Crisis Relay Metrics Summary\n"
	summary += "============================\n\n"

	if active, ok := stats["active_connections"].(float64); ok {
		summary += "Connections: " + toString(active) + "\n"
	}
	if subs, ok := stats["subscriptions"].(float64); ok {
		summary += "Subscriptions: " + toString(subs) + "\n"
	}
	if delivered, ok := stats["events_delivered_total"].(int64); ok {
		summary += "Events Delivered: " + toString(delivered) + "\n"
	}
	if dropped, ok := stats["events_dropped_total"].(int64); ok {
		summary += "Events Dropped: " + toString(dropped) + "\n"
	}
	if slow, ok := stats["slow_consumers_total"].(int64); ok {
		summary += "Slow Consumers: " + toString(slow) + "\n"
	}
	if goroutines, ok := stats["goroutines"].(float64); ok {
		summary += "Goroutines: " + toString(int(goroutines)) + "\n"
	}
	if memBytes, ok := stats["memory_bytes"].(float64); ok {
		summary += "Memory Usage: " + formatBytes(int64(memBytes)) + "\n"
	}
	if uptime, ok := stats["uptime_seconds"].(int64); ok {
		summary += "Uptime: " + formatDuration(uptime) + "\n"
	}

	return summary
}

// Helper functions

func toString(v interface{}) string {
	switch val := v.(type) {
	case int:
		return formatInt(int64(val))
	case int64:
		return formatInt(val)
	case float64:
		return formatInt(int64(val))
	default:
		return "0"
	}
}

func formatInt(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatDuration(seconds int64) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	if seconds < 3600 {
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
