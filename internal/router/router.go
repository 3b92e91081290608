// Package router maps topics to the connections subscribed to them.
//
// Two sharded indexes are kept: topic -> subscribers and handle -> topics.
// A handle's membership lock is always taken before a topic shard lock, so
// concurrent subscribe, unsubscribe and removal for one connection converge
// without duplicates or orphaned entries.
package router

import (
	"sync"
	"sync/atomic"

	"github.com/crisiscenter/crisis-relay/internal/connection"
	"github.com/crisiscenter/crisis-relay/internal/pkg/errors"
	"github.com/crisiscenter/crisis-relay/internal/pkg/hash"
	"github.com/crisiscenter/crisis-relay/internal/pkg/logger"
	"github.com/crisiscenter/crisis-relay/internal/pkg/security"
)

// Liveness answers whether a connection may hold subscriptions.
// *connection.Registry implements it.
type Liveness interface {
	IsActive(handle string) bool
}

type topicShard struct {
	mu     sync.RWMutex
	topics map[string]map[string]*connection.Connection
}

type membership struct {
	mu     sync.Mutex
	topics map[string]struct{}
	closed bool
}

type memberShard struct {
	mu      sync.Mutex
	members map[string]*membership
}

// Router tracks subscriptions.
type Router struct {
	live Liveness
	acl  atomic.Pointer[ACL]
	log  *logger.Logger

	topicShards  []*topicShard
	memberShards []*memberShard
}

// Config configures a Router.
type Config struct {
	Shards int
	ACL    *ACL
}

// New creates a router backed by live for connection liveness.
func New(live Liveness, cfg Config, log *logger.Logger) *Router {
	if cfg.Shards <= 0 {
		cfg.Shards = 32
	}
	if log == nil {
		log = logger.Default()
	}

	r := &Router{
		live:         live,
		log:          log,
		topicShards:  make([]*topicShard, cfg.Shards),
		memberShards: make([]*memberShard, cfg.Shards),
	}
	r.acl.Store(cfg.ACL)
	for i := 0; i < cfg.Shards; i++ {
		r.topicShards[i] = &topicShard{topics: make(map[string]map[string]*connection.Connection)}
		r.memberShards[i] = &memberShard{members: make(map[string]*membership)}
	}
	return r
}

func (r *Router) topicShardFor(topic string) *topicShard {
	return r.topicShards[hash.Shard(topic, len(r.topicShards))]
}

func (r *Router) memberShardFor(handle string) *memberShard {
	return r.memberShards[hash.Shard(handle, len(r.memberShards))]
}

func (r *Router) member(handle string, create bool) *membership {
	s := r.memberShardFor(handle)
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.members[handle]
	if m == nil && create {
		m = &membership{topics: make(map[string]struct{})}
		s.members[handle] = m
	}
	return m
}

// dropMember removes m from the index if it is still the entry for handle.
// Caller holds m.mu.
func (r *Router) dropMember(handle string, m *membership) {
	s := r.memberShardFor(handle)
	s.mu.Lock()
	if s.members[handle] == m {
		delete(s.members, handle)
	}
	s.mu.Unlock()
	m.closed = true
}

// Subscribe adds c to topic. Subscribing twice is a no-op.
// It fails with NOT_FOUND when c is no longer active in the registry and
// with FORBIDDEN when the ACL denies the topic to c's role.
func (r *Router) Subscribe(c *connection.Connection, topic string) error {
	if err := security.ValidateTopic(topic); err != nil {
		return errors.Wrap(errors.CodeValidation, "invalid topic", err)
	}
	if !r.acl.Load().Allow(c.Role, c.Identity, topic) {
		return errors.ForbiddenError("role may not subscribe to this topic").WithDetail("topic", topic)
	}

	m := r.member(c.Handle, true)
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !r.live.IsActive(c.Handle) {
		if !m.closed && len(m.topics) == 0 {
			r.dropMember(c.Handle, m)
		}
		return errors.NotFoundError("connection")
	}

	if _, ok := m.topics[topic]; ok {
		return nil
	}
	m.topics[topic] = struct{}{}

	ts := r.topicShardFor(topic)
	ts.mu.Lock()
	subs := ts.topics[topic]
	if subs == nil {
		subs = make(map[string]*connection.Connection)
		ts.topics[topic] = subs
	}
	subs[c.Handle] = c
	ts.mu.Unlock()

	r.log.Debug("Subscribed", "handle", c.Handle, "topic", topic)
	return nil
}

// Unsubscribe removes handle from topic and reports whether it was subscribed.
func (r *Router) Unsubscribe(handle, topic string) bool {
	m := r.member(handle, false)
	if m == nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.topics[topic]; !ok {
		return false
	}
	delete(m.topics, topic)
	r.removeFromTopic(handle, topic)

	r.log.Debug("Unsubscribed", "handle", handle, "topic", topic)
	return true
}

func (r *Router) removeFromTopic(handle, topic string) {
	ts := r.topicShardFor(topic)
	ts.mu.Lock()
	if subs := ts.topics[topic]; subs != nil {
		delete(subs, handle)
		if len(subs) == 0 {
			delete(ts.topics, topic)
		}
	}
	ts.mu.Unlock()
}

// RemoveAll drops every subscription held by handle and returns how many
// there were. Later Subscribe calls for handle fail until it is registered
// again under a new handle.
func (r *Router) RemoveAll(handle string) int {
	s := r.memberShardFor(handle)
	s.mu.Lock()
	m := s.members[handle]
	delete(s.members, handle)
	s.mu.Unlock()

	if m == nil {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	n := len(m.topics)
	for topic := range m.topics {
		r.removeFromTopic(handle, topic)
	}
	m.topics = nil
	return n
}

// RemoveHook adapts RemoveAll to the registry's removal hook.
func (r *Router) RemoveHook() connection.RemoveHook {
	return func(c *connection.Connection, reason string) {
		if n := r.RemoveAll(c.Handle); n > 0 {
			r.log.Debug("Released subscriptions", "handle", c.Handle, "count", n, "reason", reason)
		}
	}
}

// SubscribersOf returns a point-in-time snapshot of topic's subscribers.
// A connection that leaves after the snapshot may still be handed one more
// event; its closed outbox drops it.
func (r *Router) SubscribersOf(topic string) []*connection.Connection {
	ts := r.topicShardFor(topic)
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	subs := ts.topics[topic]
	out := make([]*connection.Connection, 0, len(subs))
	for _, c := range subs {
		out = append(out, c)
	}
	return out
}

// SubscriberCount returns the number of subscribers of topic.
func (r *Router) SubscriberCount(topic string) int {
	ts := r.topicShardFor(topic)
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.topics[topic])
}

// Topics returns the topics handle is subscribed to.
func (r *Router) Topics(handle string) []string {
	m := r.member(handle, false)
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.topics))
	for t := range m.topics {
		out = append(out, t)
	}
	return out
}

// IsSubscribed reports whether handle is subscribed to topic.
func (r *Router) IsSubscribed(handle, topic string) bool {
	m := r.member(handle, false)
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.topics[topic]
	return ok
}

// TopicCount returns the number of topics with at least one subscriber.
func (r *Router) TopicCount() int {
	n := 0
	for _, ts := range r.topicShards {
		ts.mu.RLock()
		n += len(ts.topics)
		ts.mu.RUnlock()
	}
	return n
}

// SubscriptionCount returns the total number of (connection, topic) pairs.
func (r *Router) SubscriptionCount() int {
	n := 0
	for _, ts := range r.topicShards {
		ts.mu.RLock()
		for _, subs := range ts.topics {
			n += len(subs)
		}
		ts.mu.RUnlock()
	}
	return n
}

// ACL returns the router's access list.
func (r *Router) ACL() *ACL {
	return r.acl.Load()
}

// SetACL replaces the access list for later subscribes. Existing
// subscriptions are kept.
func (r *Router) SetACL(acl *ACL) {
	r.acl.Store(acl)
}
