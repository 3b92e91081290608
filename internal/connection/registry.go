package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/crisiscenter/crisis-relay/internal/bus"
	"github.com/crisiscenter/crisis-relay/internal/config"
	"github.com/crisiscenter/crisis-relay/internal/outbox"
	"github.com/crisiscenter/crisis-relay/internal/pkg/errors"
	"github.com/crisiscenter/crisis-relay/internal/pkg/hash"
	"github.com/crisiscenter/crisis-relay/internal/pkg/logger"
	"github.com/crisiscenter/crisis-relay/internal/pkg/security"
	"github.com/crisiscenter/crisis-relay/internal/protocol"
)

// Config configures a Registry.
type Config struct {
	Shards           int
	QueueCapacity    int
	HeartbeatTimeout time.Duration
	DrainGrace       time.Duration
	SingleSession    bool
	DuplicatePolicy  string // config.DuplicateReject or config.DuplicateEvict
}

// ConfigFrom extracts registry settings from the realtime configuration.
func ConfigFrom(rc config.RealtimeConfig) Config {
	return Config{
		Shards:           rc.RegistryShards,
		QueueCapacity:    rc.QueueCapacity,
		HeartbeatTimeout: rc.HeartbeatTimeout,
		DrainGrace:       rc.DrainGrace,
		SingleSession:    rc.SingleSession,
		DuplicatePolicy:  rc.DuplicatePolicy,
	}
}

func (c *Config) applyDefaults() {
	if c.Shards <= 0 {
		c.Shards = 32
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 45 * time.Second
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 5 * time.Second
	}
	if c.DuplicatePolicy == "" {
		c.DuplicatePolicy = config.DuplicateReject
	}
}

// RegisterRequest describes a connection that passed authentication.
type RegisterRequest struct {
	Identity   string
	Role       string
	RemoteAddr string
	Closer     Closer
}

// RemoveHook runs once for every connection leaving the registry.
type RemoveHook func(c *Connection, reason string)

type shard struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// Registry tracks live connections. Connections are sharded by handle; the
// identity index has its own lock and is always taken before a shard lock.
type Registry struct {
	cfg    Config
	shards []*shard

	identMu    sync.Mutex
	byIdentity map[string]map[string]*Connection

	hooksMu sync.RWMutex
	hooks   []RemoveHook

	count atomic.Int64

	bus bus.Bus
	log *logger.Logger
	now func() time.Time
}

// NewRegistry creates a registry. eventBus may be nil.
func NewRegistry(cfg Config, eventBus bus.Bus, log *logger.Logger) *Registry {
	cfg.applyDefaults()
	if log == nil {
		log = logger.Default()
	}

	r := &Registry{
		cfg:        cfg,
		shards:     make([]*shard, cfg.Shards),
		byIdentity: make(map[string]map[string]*Connection),
		bus:        eventBus,
		log:        log,
		now:        time.Now,
	}
	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[string]*Connection)}
	}
	return r
}

func (r *Registry) shardFor(handle string) *shard {
	return r.shards[hash.Shard(handle, len(r.shards))]
}

// Register admits an authenticated connection and makes it active.
//
// With single-session enforcement an identity that already holds a
// connection is either rejected with DUPLICATE_IDENTITY or, under the evict
// policy, admitted while its older connections are asked to drain.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*Connection, error) {
	if err := security.ValidateIdentity(req.Identity); err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "invalid identity", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.TimeoutError("registration")
	}

	now := r.now()
	c := &Connection{
		Handle:        uuid.NewString(),
		Identity:      req.Identity,
		Role:          req.Role,
		RemoteAddr:    req.RemoteAddr,
		EstablishedAt: now,
		Outbox:        outbox.New(r.cfg.QueueCapacity),
		closer:        req.Closer,
	}
	c.Touch(now)

	var evicted []*Connection

	r.identMu.Lock()
	existing := r.byIdentity[req.Identity]
	if r.cfg.SingleSession && len(existing) > 0 {
		if r.cfg.DuplicatePolicy != config.DuplicateEvict {
			r.identMu.Unlock()

			r.log.Warn("Duplicate identity rejected",
				"identity", security.SanitizeForLog(req.Identity),
				"existing", len(existing),
			)
			r.publish(bus.TopicConnectionRejected, bus.RejectedPayload{
				Identity:   req.Identity,
				Role:       req.Role,
				RemoteAddr: req.RemoteAddr,
				Reason:     protocol.ReasonDuplicateIdentity,
			})
			return nil, errors.DuplicateIdentityError(req.Identity)
		}
		for _, old := range existing {
			evicted = append(evicted, old)
		}
	}

	s := r.shardFor(c.Handle)
	s.mu.Lock()
	s.conns[c.Handle] = c
	s.mu.Unlock()

	if existing == nil {
		existing = make(map[string]*Connection)
		r.byIdentity[req.Identity] = existing
	}
	existing[c.Handle] = c
	r.identMu.Unlock()

	r.count.Add(1)
	c.Transition(StateConnecting, StateActive)

	for _, old := range evicted {
		r.log.Warn("Evicting older session for identity",
			"identity", security.SanitizeForLog(old.Identity),
			"handle", old.Handle,
			"replaced_by", c.Handle,
		)
		r.publish(bus.TopicConnectionEvicted, bus.EvictedPayload{
			Handle:     old.Handle,
			Identity:   old.Identity,
			ReplacedBy: c.Handle,
		})
		r.closeOrRemove(old, protocol.ReasonDuplicateIdentity, now)
	}

	r.log.Info("Connection registered",
		"handle", c.Handle,
		"identity", security.SanitizeForLog(c.Identity),
		"role", c.Role,
		"remote_addr", c.RemoteAddr,
	)
	r.publish(bus.TopicConnectionRegistered, bus.RegisteredPayload{
		Handle:        c.Handle,
		Identity:      c.Identity,
		Role:          c.Role,
		RemoteAddr:    c.RemoteAddr,
		EstablishedAt: c.EstablishedAt,
	})

	return c, nil
}

// Unregister removes a connection. Unknown handles are a no-op.
func (r *Registry) Unregister(handle string) {
	reason := protocol.ReasonClientClose
	if c := r.Get(handle); c != nil {
		if cr := c.CloseReason(); cr != "" {
			reason = cr
		}
	}
	r.Remove(handle, reason)
}

// Remove deletes a connection and runs the removal hooks. It reports whether
// this call removed it; concurrent callers for one handle see true once.
func (r *Registry) Remove(handle, reason string) bool {
	s := r.shardFor(handle)
	s.mu.Lock()
	c, ok := s.conns[handle]
	if ok {
		delete(s.conns, handle)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	r.identMu.Lock()
	if set := r.byIdentity[c.Identity]; set != nil {
		delete(set, handle)
		if len(set) == 0 {
			delete(r.byIdentity, c.Identity)
		}
	}
	r.identMu.Unlock()

	r.count.Add(-1)

	// Nobody else will finish the state machine for an ownerless connection.
	if c.closer == nil {
		c.MarkClosed()
		if c.Outbox != nil {
			c.Outbox.Close()
		}
	}

	r.hooksMu.RLock()
	hooks := make([]RemoveHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.hooksMu.RUnlock()

	for _, hook := range hooks {
		hook(c, reason)
	}

	var dropped uint64
	if c.Outbox != nil {
		dropped = c.Outbox.Dropped()
	}
	closedAt := r.now()

	r.log.Info("Connection removed",
		"handle", c.Handle,
		"identity", security.SanitizeForLog(c.Identity),
		"reason", reason,
		"dropped", dropped,
	)
	r.publish(bus.TopicConnectionClosed, bus.ClosedPayload{
		Handle:   c.Handle,
		Identity: c.Identity,
		Role:     c.Role,
		Reason:   reason,
		Dropped:  dropped,
		Lifetime: closedAt.Sub(c.EstablishedAt).Seconds(),
		ClosedAt: closedAt,
	})
	return true
}

// closeOrRemove asks the owner to drain, removing directly when there is none.
func (r *Registry) closeOrRemove(c *Connection, reason string, now time.Time) {
	if !c.RequestClose(reason, now) {
		r.Remove(c.Handle, reason)
	}
}

// Heartbeat refreshes the liveness timestamp of a connection.
func (r *Registry) Heartbeat(handle string, at time.Time) error {
	c := r.Get(handle)
	if c == nil {
		return errors.NotFoundError("connection")
	}
	c.Touch(at)
	return nil
}

// Get returns the connection for handle, or nil.
func (r *Registry) Get(handle string) *Connection {
	s := r.shardFor(handle)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[handle]
}

// IsActive reports whether handle is registered and in the active state.
func (r *Registry) IsActive(handle string) bool {
	c := r.Get(handle)
	return c != nil && c.State() == StateActive
}

// ListActive returns a snapshot of all active connections.
func (r *Registry) ListActive() []*Connection {
	return r.collect(func(c *Connection) bool { return c.State() == StateActive })
}

// List returns a snapshot of every registered connection regardless of state.
func (r *Registry) List() []*Connection {
	return r.collect(func(*Connection) bool { return true })
}

func (r *Registry) collect(keep func(*Connection) bool) []*Connection {
	out := make([]*Connection, 0, r.count.Load())
	for _, s := range r.shards {
		s.mu.RLock()
		for _, c := range s.conns {
			if keep(c) {
				out = append(out, c)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// ByIdentity returns the connections held by identity.
func (r *Registry) ByIdentity(identity string) []*Connection {
	r.identMu.Lock()
	defer r.identMu.Unlock()

	set := r.byIdentity[identity]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// QueueStats sums outbound queue depth and evictions over all registered
// connections.
func (r *Registry) QueueStats() (connections, queueDepth int, dropped uint64) {
	for _, c := range r.List() {
		connections++
		queueDepth += c.Outbox.Len()
		dropped += c.Outbox.Dropped()
	}
	return connections, queueDepth, dropped
}

// OnRemove adds a hook run after a connection leaves the registry.
func (r *Registry) OnRemove(hook RemoveHook) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, hook)
	r.hooksMu.Unlock()
}

// CloseAll asks every connection to drain with reason.
func (r *Registry) CloseAll(reason string) int {
	now := r.now()
	conns := r.List()
	for _, c := range conns {
		r.closeOrRemove(c, reason, now)
	}
	return len(conns)
}

// Config returns the effective registry configuration.
func (r *Registry) Config() Config {
	return r.cfg
}
