package connection

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crisiscenter/crisis-relay/internal/bus"
	"github.com/crisiscenter/crisis-relay/internal/pkg/logger"
	"github.com/crisiscenter/crisis-relay/internal/protocol"
)

func newTestMonitor(t *testing.T, cfg MonitoringConfig) (*Monitor, *bus.MemoryBus, chan bus.Alert) {
	t.Helper()

	eventBus := bus.NewMemoryBus()
	t.Cleanup(func() { eventBus.Close() })

	alerts := make(chan bus.Alert, 32)
	_ = eventBus.Subscribe(context.Background(), bus.TopicAlertTriggered, func(ctx context.Context, event bus.Event) error {
		var a bus.Alert
		if err := bus.DecodePayload(event, &a); err != nil {
			return err
		}
		alerts <- a
		return nil
	})

	return NewMonitor(eventBus, logger.Discard(), cfg), eventBus, alerts
}

func expectAlert(t *testing.T, alerts chan bus.Alert, wantType string) bus.Alert {
	t.Helper()
	select {
	case a := <-alerts:
		if a.Type != wantType {
			t.Fatalf("Expected %s alert, got %s", wantType, a.Type)
		}
		return a
	case <-time.After(time.Second):
		t.Fatalf("No %s alert received", wantType)
	}
	return bus.Alert{}
}

func expectNoAlert(t *testing.T, alerts chan bus.Alert) {
	t.Helper()
	select {
	case a := <-alerts:
		t.Fatalf("Unexpected alert %s", a.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitor_ReconnectStorm(t *testing.T) {
	m, _, alerts := newTestMonitor(t, MonitoringConfig{ReconnectThreshold: 3, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.RecordConnect(ctx, "alice", "h", "")
	}
	expectNoAlert(t, alerts)

	m.RecordConnect(ctx, "alice", "h4", "")
	a := expectAlert(t, alerts, AlertReconnectStorm)
	if a.Identity != "alice" || a.Severity != "medium" {
		t.Errorf("Unexpected alert: %+v", a)
	}
}

func TestMonitor_ReconnectWindowSlides(t *testing.T) {
	m, _, alerts := newTestMonitor(t, MonitoringConfig{ReconnectThreshold: 2, Window: time.Minute})
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }
	m.RecordConnect(ctx, "alice", "h1", "")
	m.RecordConnect(ctx, "alice", "h2", "")

	// Earlier connects fall out of the window.
	now = now.Add(2 * time.Minute)
	m.RecordConnect(ctx, "alice", "h3", "")
	expectNoAlert(t, alerts)
}

func TestMonitor_AddressChange(t *testing.T) {
	m, _, alerts := newTestMonitor(t, DefaultMonitoringConfig())
	ctx := context.Background()

	m.RecordConnect(ctx, "alice", "h1", "10.0.0.1")
	expectNoAlert(t, alerts)

	m.RecordConnect(ctx, "alice", "h2", "10.0.0.2")
	a := expectAlert(t, alerts, AlertAddressChange)
	if a.Metadata["old_addr"] != "10.0.0.1" || a.Metadata["new_addr"] != "10.0.0.2" {
		t.Errorf("Unexpected metadata: %v", a.Metadata)
	}
}

func TestMonitor_RepeatedSlowConsumer(t *testing.T) {
	m, _, alerts := newTestMonitor(t, MonitoringConfig{SlowConsumerThreshold: 2})
	ctx := context.Background()

	m.RecordSlowConsumer(ctx, "bob", "h1")
	expectNoAlert(t, alerts)

	m.RecordSlowConsumer(ctx, "bob", "h2")
	a := expectAlert(t, alerts, AlertRepeatedSlowConsumer)
	if a.Severity != "high" {
		t.Errorf("Expected high severity, got %s", a.Severity)
	}
}

func TestMonitor_AlertDeduplication(t *testing.T) {
	m, eventBus, _ := newTestMonitor(t, MonitoringConfig{AlertDedupWindow: time.Hour})
	ctx := context.Background()

	var count atomic.Int32
	_ = eventBus.Subscribe(ctx, bus.TopicAlertTriggered, func(ctx context.Context, event bus.Event) error {
		count.Add(1)
		return nil
	})

	now := time.Now()
	m.now = func() time.Time { return now }

	m.RecordConnect(ctx, "alice", "h1", "10.0.0.1")
	m.RecordConnect(ctx, "alice", "h2", "10.0.0.2") // alert
	m.RecordConnect(ctx, "alice", "h3", "10.0.0.3") // suppressed

	time.Sleep(100 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Errorf("Expected 1 alert (deduped), got %d", got)
	}
	if alerts := m.GetAllAlerts(); len(alerts) != 1 {
		t.Errorf("Expected 1 recent alert key, got %v", alerts)
	}

	now = now.Add(2 * time.Hour)
	m.RecordConnect(ctx, "alice", "h4", "10.0.0.4")

	time.Sleep(100 * time.Millisecond)
	if got := count.Load(); got != 2 {
		t.Errorf("Expected 2 alerts after dedup window, got %d", got)
	}
}

func TestMonitor_LifecycleSubscription(t *testing.T) {
	eventBus := bus.NewMemoryBus()
	defer eventBus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alerts := make(chan bus.Alert, 8)
	_ = eventBus.Subscribe(ctx, bus.TopicAlertTriggered, func(ctx context.Context, event bus.Event) error {
		var a bus.Alert
		if err := bus.DecodePayload(event, &a); err == nil {
			alerts <- a
		}
		return nil
	})

	m := NewMonitor(eventBus, logger.Discard(), MonitoringConfig{SlowConsumerThreshold: 1})
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	r := NewRegistry(Config{}, eventBus, logger.Discard())
	c, _ := r.Register(ctx, RegisterRequest{Identity: "carol"})
	r.Remove(c.Handle, protocol.ReasonSlowConsumer)

	expectAlert(t, alerts, AlertRepeatedSlowConsumer)

	deadline := time.Now().Add(time.Second)
	for {
		if im, ok := m.GetIdentityMetrics("carol"); ok && !im.LastSeen.IsZero() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Monitor never tracked carol")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMonitor_EvictionAlert(t *testing.T) {
	m, eventBus, alerts := newTestMonitor(t, DefaultMonitoringConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	event := bus.NewEvent(bus.TopicConnectionEvicted, "test", bus.EvictedPayload{Handle: "old", Identity: "dan", ReplacedBy: "new"})
	_ = eventBus.Publish(ctx, bus.TopicConnectionEvicted, event)

	a := expectAlert(t, alerts, AlertSessionEvicted)
	if a.Handle != "old" {
		t.Errorf("Expected handle old, got %s", a.Handle)
	}
}

func TestMonitor_CleanupStaleMetrics(t *testing.T) {
	m, _, _ := newTestMonitor(t, DefaultMonitoringConfig())
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }
	m.RecordConnect(ctx, "old", "h1", "")

	now = now.Add(3 * time.Hour)
	m.RecordConnect(ctx, "fresh", "h2", "")

	if removed := m.CleanupStaleMetrics(time.Hour); removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}
	if _, ok := m.GetIdentityMetrics("old"); ok {
		t.Error("Expected old identity to be cleaned up")
	}
	if _, ok := m.GetIdentityMetrics("fresh"); !ok {
		t.Error("Expected fresh identity to remain")
	}
}
