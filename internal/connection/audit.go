package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/crisiscenter/crisis-relay/internal/bus"
	"github.com/crisiscenter/crisis-relay/internal/pkg/logger"
)

// AuditEntry represents an audit log entry.
type AuditEntry struct {
	Timestamp  time.Time         `json:"timestamp"`
	EventType  string            `json:"event_type"`
	Handle     string            `json:"handle,omitempty"`
	Identity   string            `json:"identity,omitempty"`
	Role       string            `json:"role,omitempty"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// AuditLogger records connection lifecycle events for security auditing.
type AuditLogger struct {
	log     *logger.Logger
	logPath string
	file    *os.File
	mu      sync.Mutex
}

// AuditLoggerConfig configures the audit logger.
type AuditLoggerConfig struct {
	// LogPath is the path to the JSONL audit file.
	// If empty, entries go to the application logger only.
	LogPath string
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(cfg AuditLoggerConfig, log *logger.Logger) (*AuditLogger, error) {
	if log == nil {
		log = logger.Default()
	}
	a := &AuditLogger{
		log:     log,
		logPath: cfg.LogPath,
	}

	if cfg.LogPath != "" {
		dir := filepath.Dir(cfg.LogPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}

		f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		a.file = f
	}

	return a, nil
}

// SubscribeToEvents subscribes to connection lifecycle events on the bus.
func (a *AuditLogger) SubscribeToEvents(ctx context.Context, eventBus bus.Bus) error {
	subs := []struct {
		topic   string
		handler bus.Handler
	}{
		{bus.TopicConnectionRegistered, a.handleRegistered},
		{bus.TopicConnectionClosed, a.handleClosed},
		{bus.TopicConnectionEvicted, a.handleEvicted},
		{bus.TopicConnectionRejected, a.handleRejected},
	}

	for _, s := range subs {
		if err := eventBus.Subscribe(ctx, s.topic, s.handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", s.topic, err)
		}
	}

	a.log.Info("Audit logger subscribed to connection events")
	return nil
}

func (a *AuditLogger) handleRegistered(ctx context.Context, event bus.Event) error {
	var p bus.RegisteredPayload
	if err := bus.DecodePayload(event, &p); err != nil {
		a.log.Warn("Invalid payload for connection.registered event", "error", err)
		return nil
	}

	return a.writeEntry(AuditEntry{
		Timestamp:  time.Now(),
		EventType:  bus.TopicConnectionRegistered,
		Handle:     p.Handle,
		Identity:   p.Identity,
		Role:       p.Role,
		RemoteAddr: p.RemoteAddr,
	})
}

func (a *AuditLogger) handleClosed(ctx context.Context, event bus.Event) error {
	var p bus.ClosedPayload
	if err := bus.DecodePayload(event, &p); err != nil {
		a.log.Warn("Invalid payload for connection.closed event", "error", err)
		return nil
	}

	return a.writeEntry(AuditEntry{
		Timestamp: time.Now(),
		EventType: bus.TopicConnectionClosed,
		Handle:    p.Handle,
		Identity:  p.Identity,
		Role:      p.Role,
		Reason:    p.Reason,
		Details: map[string]string{
			"dropped":  fmt.Sprintf("%d", p.Dropped),
			"lifetime": fmt.Sprintf("%.1fs", p.Lifetime),
		},
	})
}

func (a *AuditLogger) handleEvicted(ctx context.Context, event bus.Event) error {
	var p bus.EvictedPayload
	if err := bus.DecodePayload(event, &p); err != nil {
		a.log.Warn("Invalid payload for connection.evicted event", "error", err)
		return nil
	}

	return a.writeEntry(AuditEntry{
		Timestamp: time.Now(),
		EventType: bus.TopicConnectionEvicted,
		Handle:    p.Handle,
		Identity:  p.Identity,
		Details:   map[string]string{"replaced_by": p.ReplacedBy},
	})
}

func (a *AuditLogger) handleRejected(ctx context.Context, event bus.Event) error {
	var p bus.RejectedPayload
	if err := bus.DecodePayload(event, &p); err != nil {
		a.log.Warn("Invalid payload for connection.rejected event", "error", err)
		return nil
	}

	return a.writeEntry(AuditEntry{
		Timestamp:  time.Now(),
		EventType:  bus.TopicConnectionRejected,
		Identity:   p.Identity,
		Role:       p.Role,
		RemoteAddr: p.RemoteAddr,
		Reason:     p.Reason,
	})
}

// writeEntry writes an audit entry to the log.
func (a *AuditLogger) writeEntry(entry AuditEntry) error {
	a.log.Info("Connection audit",
		"event", entry.EventType,
		"handle", entry.Handle,
		"identity", entry.Identity,
		"reason", entry.Reason,
	)

	if a.file != nil {
		a.mu.Lock()
		defer a.mu.Unlock()

		data, err := json.Marshal(entry)
		if err != nil {
			a.log.Error("Failed to marshal audit entry", "error", err)
			return err
		}

		if _, err := a.file.Write(append(data, '\n')); err != nil {
			a.log.Error("Failed to write audit entry", "error", err)
			return err
		}
	}

	return nil
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}
