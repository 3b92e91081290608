package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crisiscenter/crisis-relay/internal/bus"
	"github.com/crisiscenter/crisis-relay/internal/metrics"
	"github.com/crisiscenter/crisis-relay/internal/pkg/logger"
	"github.com/crisiscenter/crisis-relay/internal/protocol"
)

// Alert types raised by the Monitor.
const (
	AlertReconnectStorm       = "reconnect_storm"
	AlertRepeatedSlowConsumer = "repeated_slow_consumer"
	AlertAddressChange        = "address_change"
	AlertSessionEvicted       = "session_evicted"
)

// Monitor watches connection lifecycle events for unhealthy client patterns.
type Monitor struct {
	bus bus.Bus
	log *logger.Logger

	mu         sync.RWMutex
	identities map[string]*IdentityMetrics

	alertMu      sync.RWMutex
	recentAlerts map[string]time.Time

	cfg MonitoringConfig
	now func() time.Time
}

// IdentityMetrics tracks connection churn for one identity.
type IdentityMetrics struct {
	Connects      *metrics.MetricHistory // registrations per bucket
	SlowConsumer  *metrics.MetricHistory // slow_consumer closures per bucket
	LastAddr      string
	LastSeen      time.Time
	recentConnect []time.Time
	recentSlow    []time.Time
}

// MonitoringConfig configures the monitor.
type MonitoringConfig struct {
	ReconnectThreshold    int           // Alert when an identity connects more often than this within Window (default: 10)
	SlowConsumerThreshold int           // Alert when an identity is force-closed this often within Window (default: 3)
	Window                time.Duration // Sliding window for both thresholds (default: 1 minute)
	AlertDedupWindow      time.Duration // Suppress duplicate alerts within this window (default: 10 minutes)
}

// DefaultMonitoringConfig returns default monitoring configuration.
func DefaultMonitoringConfig() MonitoringConfig {
	return MonitoringConfig{
		ReconnectThreshold:    10,
		SlowConsumerThreshold: 3,
		Window:                time.Minute,
		AlertDedupWindow:      10 * time.Minute,
	}
}

// NewMonitor creates a new connection monitor.
func NewMonitor(eventBus bus.Bus, log *logger.Logger, cfg MonitoringConfig) *Monitor {
	def := DefaultMonitoringConfig()
	if cfg.ReconnectThreshold == 0 {
		cfg.ReconnectThreshold = def.ReconnectThreshold
	}
	if cfg.SlowConsumerThreshold == 0 {
		cfg.SlowConsumerThreshold = def.SlowConsumerThreshold
	}
	if cfg.Window == 0 {
		cfg.Window = def.Window
	}
	if cfg.AlertDedupWindow == 0 {
		cfg.AlertDedupWindow = def.AlertDedupWindow
	}
	if log == nil {
		log = logger.Default()
	}

	return &Monitor{
		bus:          eventBus,
		log:          log,
		identities:   make(map[string]*IdentityMetrics),
		recentAlerts: make(map[string]time.Time),
		cfg:          cfg,
		now:          time.Now,
	}
}

// Start subscribes to lifecycle events and runs periodic cleanup until ctx ends.
func (m *Monitor) Start(ctx context.Context) error {
	subs := []struct {
		topic   string
		handler bus.Handler
	}{
		{bus.TopicConnectionRegistered, m.handleRegistered},
		{bus.TopicConnectionClosed, m.handleClosed},
		{bus.TopicConnectionEvicted, m.handleEvicted},
	}
	for _, s := range subs {
		if err := m.bus.Subscribe(ctx, s.topic, s.handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", s.topic, err)
		}
	}

	go m.runCleanupLoop(ctx)

	m.log.Info("Connection monitor started")
	return nil
}

func (m *Monitor) metricsFor(identity string) *IdentityMetrics {
	im, ok := m.identities[identity]
	if !ok {
		im = &IdentityMetrics{
			Connects:     metrics.NewMetricHistory(time.Minute, 60),
			SlowConsumer: metrics.NewMetricHistory(time.Minute, 60),
		}
		m.identities[identity] = im
	}
	return im
}

func (m *Monitor) handleRegistered(ctx context.Context, event bus.Event) error {
	var p bus.RegisteredPayload
	if err := bus.DecodePayload(event, &p); err != nil {
		m.log.Warn("Invalid payload for connection.registered event", "error", err)
		return nil
	}
	m.RecordConnect(ctx, p.Identity, p.Handle, p.RemoteAddr)
	return nil
}

func (m *Monitor) handleClosed(ctx context.Context, event bus.Event) error {
	var p bus.ClosedPayload
	if err := bus.DecodePayload(event, &p); err != nil {
		m.log.Warn("Invalid payload for connection.closed event", "error", err)
		return nil
	}
	if p.Reason == protocol.ReasonSlowConsumer {
		m.RecordSlowConsumer(ctx, p.Identity, p.Handle)
	}
	return nil
}

func (m *Monitor) handleEvicted(ctx context.Context, event bus.Event) error {
	var p bus.EvictedPayload
	if err := bus.DecodePayload(event, &p); err != nil {
		m.log.Warn("Invalid payload for connection.evicted event", "error", err)
		return nil
	}
	m.triggerAlert(ctx, bus.Alert{
		Type:     AlertSessionEvicted,
		Severity: "low",
		Identity: p.Identity,
		Handle:   p.Handle,
		Message:  fmt.Sprintf("Session %s replaced by %s", p.Handle, p.ReplacedBy),
		Metadata: map[string]any{"replaced_by": p.ReplacedBy},
	})
	return nil
}

// RecordConnect records a registration and checks for reconnect storms and
// address changes.
func (m *Monitor) RecordConnect(ctx context.Context, identity, handle, addr string) {
	now := m.now()

	m.mu.Lock()
	im := m.metricsFor(identity)
	im.Connects.RecordSum(1)
	im.recentConnect = trimWindow(append(im.recentConnect, now), now, m.cfg.Window)
	connects := len(im.recentConnect)
	oldAddr := im.LastAddr
	if addr != "" {
		im.LastAddr = addr
	}
	im.LastSeen = now
	m.mu.Unlock()

	if oldAddr != "" && addr != "" && oldAddr != addr {
		m.triggerAlert(ctx, bus.Alert{
			Type:     AlertAddressChange,
			Severity: "low",
			Identity: identity,
			Handle:   handle,
			Message:  fmt.Sprintf("Address changed from %s to %s", oldAddr, addr),
			Metadata: map[string]any{"old_addr": oldAddr, "new_addr": addr},
		})
	}

	if connects > m.cfg.ReconnectThreshold {
		m.triggerAlert(ctx, bus.Alert{
			Type:     AlertReconnectStorm,
			Severity: "medium",
			Identity: identity,
			Handle:   handle,
			Message:  fmt.Sprintf("%d connections within %v", connects, m.cfg.Window),
			Metadata: map[string]any{"connects": connects, "window": m.cfg.Window.String()},
		})
	}
}

// RecordSlowConsumer records a slow_consumer closure for identity.
func (m *Monitor) RecordSlowConsumer(ctx context.Context, identity, handle string) {
	now := m.now()

	m.mu.Lock()
	im := m.metricsFor(identity)
	im.SlowConsumer.RecordSum(1)
	im.recentSlow = trimWindow(append(im.recentSlow, now), now, m.cfg.Window)
	closures := len(im.recentSlow)
	im.LastSeen = now
	m.mu.Unlock()

	if closures >= m.cfg.SlowConsumerThreshold {
		m.triggerAlert(ctx, bus.Alert{
			Type:     AlertRepeatedSlowConsumer,
			Severity: "high",
			Identity: identity,
			Handle:   handle,
			Message:  fmt.Sprintf("Force-closed as slow consumer %d times within %v", closures, m.cfg.Window),
			Metadata: map[string]any{"closures": closures},
		})
	}
}

func trimWindow(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

func (m *Monitor) runCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CleanupStaleMetrics(time.Hour)
		case <-ctx.Done():
			m.log.Info("Monitoring loop stopped")
			return
		}
	}
}

// triggerAlert publishes an alert event with deduplication.
func (m *Monitor) triggerAlert(ctx context.Context, alert bus.Alert) {
	key := fmt.Sprintf("%s:%s", alert.Type, alert.Identity)
	now := m.now()

	m.alertMu.Lock()
	if last, exists := m.recentAlerts[key]; exists && now.Sub(last) < m.cfg.AlertDedupWindow {
		m.alertMu.Unlock()
		return
	}
	m.recentAlerts[key] = now
	m.alertMu.Unlock()

	alert.Timestamp = now

	m.log.Warn("Connection alert triggered",
		"type", alert.Type,
		"severity", alert.Severity,
		"identity", alert.Identity,
		"message", alert.Message,
	)

	if m.bus != nil {
		event := bus.NewEvent(bus.TopicAlertTriggered, "connection-monitor", alert)
		_ = m.bus.Publish(ctx, bus.TopicAlertTriggered, event)
	}
}

// GetIdentityMetrics returns a copy of the tracked metrics for identity.
func (m *Monitor) GetIdentityMetrics(identity string) (*IdentityMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	im, exists := m.identities[identity]
	if !exists {
		return nil, false
	}

	return &IdentityMetrics{
		Connects:     im.Connects,
		SlowConsumer: im.SlowConsumer,
		LastAddr:     im.LastAddr,
		LastSeen:     im.LastSeen,
	}, true
}

// GetAllAlerts returns the last trigger time of each recent alert key.
func (m *Monitor) GetAllAlerts() map[string]time.Time {
	m.alertMu.RLock()
	defer m.alertMu.RUnlock()

	alerts := make(map[string]time.Time, len(m.recentAlerts))
	for k, v := range m.recentAlerts {
		alerts[k] = v
	}
	return alerts
}

// CleanupStaleMetrics drops identities not seen within maxAge.
func (m *Monitor) CleanupStaleMetrics(maxAge time.Duration) int {
	now := m.now()

	m.mu.Lock()
	removed := 0
	for identity, im := range m.identities {
		if !im.LastSeen.IsZero() && now.Sub(im.LastSeen) > maxAge {
			delete(m.identities, identity)
			removed++
		}
	}
	m.mu.Unlock()

	m.alertMu.Lock()
	for key, at := range m.recentAlerts {
		if now.Sub(at) > m.cfg.AlertDedupWindow*2 {
			delete(m.recentAlerts, key)
		}
	}
	m.alertMu.Unlock()

	if removed > 0 {
		m.log.Info("Cleaned up stale connection metrics", "removed", removed)
	}

	return removed
}
