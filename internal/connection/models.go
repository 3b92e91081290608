// Package connection tracks live realtime connections for the relay.
// The Registry is the single source of truth for whether a connection is
// alive; other components only hold snapshots for one fan-out pass.
package connection

import (
	"sync/atomic"
	"time"

	"github.com/crisiscenter/crisis-relay/internal/outbox"
)

// State is the liveness state of a connection.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Closer asks the owner of a connection to drain it. It must not block.
type Closer func(reason string)

// Connection is one live client session.
// Identity fields are immutable after registration.
type Connection struct {
	Handle        string
	Identity      string
	Role          string
	RemoteAddr    string
	EstablishedAt time.Time
	Outbox        *outbox.Queue

	closer Closer

	state          atomic.Int32
	lastHeartbeat  atomic.Int64 // unix nanos
	drainRequested atomic.Int64 // unix nanos, 0 until the first close request
	closeReason    atomic.Value // string
}

// Info is a point-in-time view of a connection for admin queries.
type Info struct {
	Handle        string    `json:"handle"`
	Identity      string    `json:"identity"`
	Role          string    `json:"role"`
	RemoteAddr    string    `json:"remote_addr,omitempty"`
	State         string    `json:"state"`
	EstablishedAt time.Time `json:"established_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	QueueDepth    int       `json:"queue_depth"`
	QueueCapacity int       `json:"queue_capacity"`
	Dropped       uint64    `json:"dropped"`
	Topics        []string  `json:"topics,omitempty"`
}

// State returns the current state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Transition moves the connection from one state to another. Only one of
// several concurrent callers with the same from state wins.
func (c *Connection) Transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// MarkClosed forces the terminal state and reports whether this call did it.
func (c *Connection) MarkClosed() bool {
	for {
		cur := c.state.Load()
		if State(cur) == StateClosed {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(StateClosed)) {
			return true
		}
	}
}

// Touch records a heartbeat. Older timestamps never move the clock back.
func (c *Connection) Touch(at time.Time) {
	ns := at.UnixNano()
	for {
		cur := c.lastHeartbeat.Load()
		if ns <= cur {
			return
		}
		if c.lastHeartbeat.CompareAndSwap(cur, ns) {
			return
		}
	}
}

// LastHeartbeat returns the time of the most recent heartbeat.
func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// RequestClose asks the owning session to drain. The first request's time and
// reason are kept for the sweep's grace accounting. It reports whether a
// closer was available to act on the request.
func (c *Connection) RequestClose(reason string, at time.Time) bool {
	if c.drainRequested.CompareAndSwap(0, at.UnixNano()) {
		c.closeReason.Store(reason)
	}
	if c.closer == nil {
		return false
	}
	c.closer(reason)
	return true
}

// DrainRequestedAt returns when a close was first requested, or the zero time.
func (c *Connection) DrainRequestedAt() time.Time {
	ns := c.drainRequested.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// CloseReason returns the reason given with the first close request.
func (c *Connection) CloseReason() string {
	if v, ok := c.closeReason.Load().(string); ok {
		return v
	}
	return ""
}

// Info returns a snapshot of the connection.
func (c *Connection) Info() Info {
	info := Info{
		Handle:        c.Handle,
		Identity:      c.Identity,
		Role:          c.Role,
		RemoteAddr:    c.RemoteAddr,
		State:         c.State().String(),
		EstablishedAt: c.EstablishedAt,
		LastHeartbeat: c.LastHeartbeat(),
	}
	if c.Outbox != nil {
		info.QueueDepth = c.Outbox.Len()
		info.QueueCapacity = c.Outbox.Cap()
		info.Dropped = c.Outbox.Dropped()
	}
	return info
}
