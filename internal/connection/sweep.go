package connection

import (
	"context"
	"time"

	"github.com/crisiscenter/crisis-relay/internal/protocol"
)

// SweepResult summarises one sweep pass.
type SweepResult struct {
	Stale  int // connections asked to drain for heartbeat timeout
	Forced int // connections removed without waiting for their owner
}

// Sweep drains connections whose last heartbeat is older than the heartbeat
// timeout. Connections without an owner, or whose owner did not finish
// draining within the grace period, are removed directly.
func (r *Registry) Sweep(now time.Time) SweepResult {
	var res SweepResult

	for _, c := range r.List() {
		if c.State() == StateClosed {
			continue
		}

		if req := c.DrainRequestedAt(); !req.IsZero() {
			if now.Sub(req) > r.cfg.DrainGrace {
				reason := c.CloseReason()
				if reason == "" {
					reason = protocol.ReasonHeartbeatTimeout
				}
				if r.Remove(c.Handle, reason) {
					r.log.Warn("Connection exceeded drain grace",
						"handle", c.Handle,
						"reason", reason,
						"grace", r.cfg.DrainGrace,
					)
					res.Forced++
				}
			}
			continue
		}

		if now.Sub(c.LastHeartbeat()) <= r.cfg.HeartbeatTimeout {
			continue
		}

		r.log.Info("Heartbeat timeout",
			"handle", c.Handle,
			"last_heartbeat", c.LastHeartbeat(),
		)
		if c.RequestClose(protocol.ReasonHeartbeatTimeout, now) {
			res.Stale++
		} else if r.Remove(c.Handle, protocol.ReasonHeartbeatTimeout) {
			res.Forced++
		}
	}

	return res
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = r.cfg.HeartbeatTimeout / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			res := r.Sweep(r.now())
			if res.Stale > 0 || res.Forced > 0 {
				r.log.Debug("Registry sweep", "stale", res.Stale, "forced", res.Forced)
			}
		case <-ctx.Done():
			r.log.Info("Registry sweeper stopped")
			return nil
		}
	}
}
