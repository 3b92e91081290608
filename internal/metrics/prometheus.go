package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// PrometheusFormat exports all metrics in Prometheus text exposition format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func (m *Metrics) PrometheusFormat() string {
	var sb strings.Builder

	// Connection metrics
	writeGauge(&sb, m.ActiveConnections)
	writeCounter(&sb, m.ConnectionsTotal)
	writeCounterVec(&sb, m.ConnectionsClosed)
	writeCounterVec(&sb, m.ConnectionsRejected)
	writeHistogram(&sb, m.SessionLifetime)
	writeCounter(&sb, m.Evictions)
	writeCounterVec(&sb, m.Alerts)

	// Subscription metrics
	writeGauge(&sb, m.Subscriptions)
	writeGauge(&sb, m.ActiveTopics)
	writeGauge(&sb, m.QueueDepth)
	writeGauge(&sb, m.QueueDropped)

	// Dispatch metrics
	writeCounterVec(&sb, m.EventsPublished)
	writeCounter(&sb, m.EventsDelivered)
	writeCounter(&sb, m.EventsDropped)
	writeCounter(&sb, m.SlowConsumers)
	writeHistogram(&sb, m.PublishLatency)
	writeHistogram(&sb, m.PublishFanout)
	writeCounterVec(&sb, m.PublishErrors)

	writeCounterVec(&sb, m.Commands)

	// Bus metrics
	writeCounterVec(&sb, m.BusEventsPublished)
	writeHistogramVec(&sb, m.BusEventLatency)
	writeCounterVec(&sb, m.BusErrors)
	writeCounterVec(&sb, m.BusDeliveries)

	// HTTP metrics
	writeCounterVec(&sb, m.HTTPRequests)
	writeHistogramVec(&sb, m.HTTPDuration)
	writeGauge(&sb, m.HTTPRequestsInFlight)

	// System metrics
	writeGauge(&sb, m.GoroutineCount)
	writeGauge(&sb, m.MemoryUsage)
	writeCounter(&sb, m.Uptime)

	return sb.String()
}

func writeCounter(sb *strings.Builder, c *Counter) {
	writeHeader(sb, c.Name(), c.Help(), "counter")
	writeSample(sb, c.Name(), c.labels, strconv.FormatInt(c.Value(), 10))
}

func writeGauge(sb *strings.Builder, g *Gauge) {
	writeHeader(sb, g.Name(), g.Help(), "gauge")
	writeSample(sb, g.Name(), g.labels, strconv.FormatInt(g.Value(), 10))
}

func writeHistogram(sb *strings.Builder, h *Histogram) {
	writeHeader(sb, h.Name(), h.Help(), "histogram")
	writeHistogramSeries(sb, h)
}

// writeCounterVec writes a counter vector. Vectors with no children are
// left out entirely.
func writeCounterVec(sb *strings.Builder, cv *CounterVec) {
	counters := cv.GetAll()
	if len(counters) == 0 {
		return
	}
	writeHeader(sb, cv.Name(), cv.Help(), "counter")
	for _, c := range counters {
		writeSample(sb, c.Name(), c.labels, strconv.FormatInt(c.Value(), 10))
	}
}

func writeHistogramVec(sb *strings.Builder, hv *HistogramVec) {
	histograms := hv.GetAll()
	if len(histograms) == 0 {
		return
	}
	writeHeader(sb, hv.Name(), hv.Help(), "histogram")
	for _, h := range histograms {
		writeHistogramSeries(sb, h)
	}
}

func writeHeader(sb *strings.Builder, name, help, kind string) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

func writeSample(sb *strings.Builder, name string, labels map[string]string, value string) {
	sb.WriteString(name)
	writeLabels(sb, labels)
	sb.WriteString(" ")
	sb.WriteString(value)
	sb.WriteString("\n")
}

func writeHistogramSeries(sb *strings.Builder, h *Histogram) {
	snap := h.snapshot()

	withLe := func(le string) map[string]string {
		out := make(map[string]string, len(h.labels)+1)
		for k, v := range h.labels {
			out[k] = v
		}
		out["le"] = le
		return out
	}

	for i, bound := range snap.bounds {
		writeSample(sb, h.Name()+"_bucket", withLe(strconv.FormatFloat(bound, 'g', -1, 64)), strconv.FormatInt(snap.counts[i], 10))
	}
	writeSample(sb, h.Name()+"_bucket", withLe("+Inf"), strconv.FormatInt(snap.count, 10))
	writeSample(sb, h.Name()+"_sum", h.labels, strconv.FormatFloat(snap.sum, 'f', 2, 64))
	writeSample(sb, h.Name()+"_count", h.labels, strconv.FormatInt(snap.count, 10))
}

// writeLabels writes labels in Prometheus format {key="value",key2="value2"}.
func writeLabels(sb *strings.Builder, labels map[string]string) {
	if len(labels) == 0 {
		return
	}

	// Sort keys for stable output
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sb.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(k)
		sb.WriteString("=\"")
		sb.WriteString(escapeString(labels[k]))
		sb.WriteString("\"")
	}
	sb.WriteString("}")
}

// escapeString escapes special characters in label values.
func escapeString(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
