package router

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/crisiscenter/crisis-relay/internal/connection"
	"github.com/crisiscenter/crisis-relay/internal/pkg/errors"
	"github.com/crisiscenter/crisis-relay/internal/pkg/logger"
	"github.com/crisiscenter/crisis-relay/internal/protocol"
)

func newTestRouter(t *testing.T) (*Router, *connection.Registry) {
	t.Helper()

	reg := connection.NewRegistry(connection.Config{Shards: 4}, nil, logger.Discard())
	acl, err := NewACL(DefaultRules())
	if err != nil {
		t.Fatalf("NewACL failed: %v", err)
	}
	r := New(reg, Config{Shards: 4, ACL: acl}, logger.Discard())
	reg.OnRemove(r.RemoveHook())
	return r, reg
}

func register(t *testing.T, reg *connection.Registry, identity, role string) *connection.Connection {
	t.Helper()
	c, err := reg.Register(context.Background(), connection.RegisterRequest{Identity: identity, Role: role})
	if err != nil {
		t.Fatalf("Register(%s) failed: %v", identity, err)
	}
	return c
}

func TestRouter_SubscribeAndSnapshot(t *testing.T) {
	r, reg := newTestRouter(t)
	a := register(t, reg, "alice", RoleResponder)
	b := register(t, reg, "bob", RoleResponder)

	for _, c := range []*connection.Connection{a, b} {
		if err := r.Subscribe(c, "incident:42"); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	subs := r.SubscribersOf("incident:42")
	if len(subs) != 2 {
		t.Fatalf("Expected 2 subscribers, got %d", len(subs))
	}
	if r.SubscriberCount("incident:42") != 2 {
		t.Errorf("SubscriberCount = %d", r.SubscriberCount("incident:42"))
	}
	if got := r.SubscribersOf("incident:43"); len(got) != 0 {
		t.Errorf("Expected no subscribers for unrelated topic, got %d", len(got))
	}

	// The snapshot is not affected by later changes.
	r.Unsubscribe(a.Handle, "incident:42")
	if len(subs) != 2 {
		t.Error("Snapshot changed after unsubscribe")
	}
	if got := r.SubscribersOf("incident:42"); len(got) != 1 || got[0] != b {
		t.Errorf("Expected only bob, got %v", got)
	}
}

func TestRouter_SubscribeIdempotent(t *testing.T) {
	r, reg := newTestRouter(t)
	a := register(t, reg, "alice", RoleResponder)

	for i := 0; i < 3; i++ {
		if err := r.Subscribe(a, "zone:7"); err != nil {
			t.Fatalf("Subscribe #%d failed: %v", i, err)
		}
	}

	if got := r.SubscriberCount("zone:7"); got != 1 {
		t.Errorf("Expected 1 subscriber, got %d", got)
	}
	if got := r.Topics(a.Handle); len(got) != 1 || got[0] != "zone:7" {
		t.Errorf("Topics = %v", got)
	}
}

func TestRouter_UnsubscribeIdempotent(t *testing.T) {
	r, reg := newTestRouter(t)
	a := register(t, reg, "alice", RoleResponder)
	_ = r.Subscribe(a, "zone:7")

	if !r.Unsubscribe(a.Handle, "zone:7") {
		t.Error("First unsubscribe should report removal")
	}
	if r.Unsubscribe(a.Handle, "zone:7") {
		t.Error("Second unsubscribe should be a no-op")
	}
	if r.Unsubscribe("unknown", "zone:7") {
		t.Error("Unknown handle should be a no-op")
	}
	if r.TopicCount() != 0 {
		t.Errorf("Expected topic to disappear with its last subscriber, got %d topics", r.TopicCount())
	}
}

func TestRouter_SubscribeRequiresLiveConnection(t *testing.T) {
	r, reg := newTestRouter(t)
	a := register(t, reg, "alice", RoleResponder)
	reg.Unregister(a.Handle)

	err := r.Subscribe(a, "incident:1")
	if !errors.IsNotFound(err) {
		t.Fatalf("Expected NOT_FOUND, got %v", err)
	}
	if r.SubscriptionCount() != 0 {
		t.Error("Dead connection must not hold subscriptions")
	}
}

func TestRouter_SubscribeDrainingConnection(t *testing.T) {
	r, reg := newTestRouter(t)
	a := register(t, reg, "alice", RoleResponder)
	a.Transition(connection.StateActive, connection.StateDraining)

	if err := r.Subscribe(a, "incident:1"); !errors.IsNotFound(err) {
		t.Errorf("Expected NOT_FOUND for draining connection, got %v", err)
	}
}

func TestRouter_UnregisterReleasesAllSubscriptions(t *testing.T) {
	r, reg := newTestRouter(t)
	a := register(t, reg, "alice", RoleDispatcher)
	b := register(t, reg, "bob", RoleResponder)

	for _, topic := range []string{"incident:1", "incident:2", "zone:9", BroadcastIncidents} {
		if err := r.Subscribe(a, topic); err != nil {
			t.Fatalf("Subscribe(%s) failed: %v", topic, err)
		}
	}
	_ = r.Subscribe(b, "incident:1")

	reg.Remove(a.Handle, protocol.ReasonTransportFailure)

	if got := r.Topics(a.Handle); len(got) != 0 {
		t.Errorf("Expected no topics for removed connection, got %v", got)
	}
	if r.SubscriptionCount() != 1 {
		t.Errorf("Expected only bob's subscription to remain, got %d", r.SubscriptionCount())
	}
	if r.TopicCount() != 1 {
		t.Errorf("Expected 1 topic left, got %d", r.TopicCount())
	}
	if err := r.Subscribe(a, "incident:3"); !errors.IsNotFound(err) {
		t.Errorf("Subscribe after removal should fail, got %v", err)
	}
}

func TestRouter_ACLEnforced(t *testing.T) {
	r, reg := newTestRouter(t)
	citizen := register(t, reg, "carol", RoleCitizen)
	dispatcher := register(t, reg, "dave", RoleDispatcher)

	err := r.Subscribe(citizen, BroadcastIncidents)
	if !errors.IsCode(err, errors.CodeForbidden) {
		t.Errorf("Expected FORBIDDEN for citizen on broadcast, got %v", err)
	}
	if err := r.Subscribe(dispatcher, BroadcastIncidents); err != nil {
		t.Errorf("Dispatcher should reach broadcast: %v", err)
	}
	if err := r.Subscribe(citizen, "user:carol"); err != nil {
		t.Errorf("Citizen should reach own user topic: %v", err)
	}
	if err := r.Subscribe(citizen, "user:dave"); !errors.IsCode(err, errors.CodeForbidden) {
		t.Errorf("Expected FORBIDDEN for another user's topic, got %v", err)
	}
	for _, topic := range []string{"gov:IN/MH", "broadcast:incidents/zone-1", "user:dave/inbox", "user:citizen"} {
		if err := r.Subscribe(citizen, topic); !errors.IsCode(err, errors.CodeForbidden) {
			t.Errorf("Subscribe(%q): expected FORBIDDEN, got %v", topic, err)
		}
	}
	if err := r.Subscribe(citizen, "role:citizen"); err != nil {
		t.Errorf("Own role topic should be allowed: %v", err)
	}
	if !reg.IsActive(citizen.Handle) {
		t.Error("Denied subscribe must not affect the connection")
	}
}

func TestRouter_SetACL(t *testing.T) {
	r, reg := newTestRouter(t)
	responder := register(t, reg, "erin", RoleResponder)
	citizen := register(t, reg, "frank", RoleCitizen)

	if err := r.Subscribe(responder, BroadcastIncidents); !errors.IsCode(err, errors.CodeForbidden) {
		t.Fatalf("Expected FORBIDDEN before swap, got %v", err)
	}
	if err := r.Subscribe(citizen, "zone:3"); err != nil {
		t.Fatalf("Open topic should be allowed: %v", err)
	}

	acl, err := NewACL([]Rule{
		{Pattern: "broadcast:*", Roles: []string{RoleDispatcher, RoleResponder}},
		{Pattern: "zone:*", Roles: []string{RoleResponder}},
	})
	if err != nil {
		t.Fatalf("NewACL failed: %v", err)
	}
	r.SetACL(acl)

	if r.ACL() != acl {
		t.Error("ACL() should return the swapped access list")
	}
	if err := r.Subscribe(responder, BroadcastIncidents); err != nil {
		t.Errorf("Responder should reach broadcast after swap: %v", err)
	}
	if err := r.Subscribe(citizen, "zone:4"); !errors.IsCode(err, errors.CodeForbidden) {
		t.Errorf("Expected FORBIDDEN for citizen on zone after swap, got %v", err)
	}
	// Subscriptions made under the old list survive.
	if !r.IsSubscribed(citizen.Handle, "zone:3") {
		t.Error("Existing subscription was dropped by SetACL")
	}
}

func TestRouter_InvalidTopic(t *testing.T) {
	r, reg := newTestRouter(t)
	a := register(t, reg, "alice", RoleResponder)

	for _, topic := range []string{"", "has space", "tab\there"} {
		if err := r.Subscribe(a, topic); !errors.IsValidation(err) {
			t.Errorf("Subscribe(%q): expected VALIDATION_ERROR, got %v", topic, err)
		}
	}
}

func TestRouter_ConcurrentSubscribeUnsubscribeConverges(t *testing.T) {
	r, reg := newTestRouter(t)
	a := register(t, reg, "alice", RoleResponder)
	const topic = "incident:42"

	for round := 0; round < 50; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_ = r.Subscribe(a, topic)
			}()
			go func() {
				defer wg.Done()
				r.Unsubscribe(a.Handle, topic)
			}()
		}
		wg.Wait()

		subscribed := r.IsSubscribed(a.Handle, topic)
		count := r.SubscriberCount(topic)
		if subscribed && count != 1 || !subscribed && count != 0 {
			t.Fatalf("round %d: membership %v disagrees with topic index count %d", round, subscribed, count)
		}
	}

	// A final sequential operation decides the outcome.
	_ = r.Subscribe(a, topic)
	if r.SubscriberCount(topic) != 1 {
		t.Error("Expected exactly one subscription after final subscribe")
	}
	r.Unsubscribe(a.Handle, topic)
	if r.SubscriberCount(topic) != 0 {
		t.Error("Expected no subscription after final unsubscribe")
	}
}

func TestRouter_ConcurrentSubscribeAndRemoveLeavesNoOrphans(t *testing.T) {
	r, reg := newTestRouter(t)

	for round := 0; round < 50; round++ {
		c := register(t, reg, fmt.Sprintf("user-%d", round), RoleResponder)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_ = r.Subscribe(c, fmt.Sprintf("zone:%d", i))
			}(i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Remove(c.Handle, protocol.ReasonTransportFailure)
		}()
		wg.Wait()
	}

	if n := r.SubscriptionCount(); n != 0 {
		t.Errorf("Expected no orphaned subscriptions, got %d", n)
	}
	if n := r.TopicCount(); n != 0 {
		t.Errorf("Expected no topics, got %d", n)
	}
}
