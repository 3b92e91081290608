// Package dispatch fans published events out to topic subscribers.
//
// Each publish takes a per-topic lock (striped by topic hash) from sequence
// assignment through the enqueue pass, so every subscriber sees a topic's
// events in sequence order. The enqueue pass never blocks: each subscriber's
// outbox either accepts the frame, evicts its oldest event and records a
// gap, or refuses it, in which case the subscriber is asked to drain as a
// slow consumer after the lock is released.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/crisiscenter/crisis-relay/internal/connection"
	"github.com/crisiscenter/crisis-relay/internal/metrics"
	"github.com/crisiscenter/crisis-relay/internal/outbox"
	"github.com/crisiscenter/crisis-relay/internal/pkg/errors"
	"github.com/crisiscenter/crisis-relay/internal/pkg/hash"
	"github.com/crisiscenter/crisis-relay/internal/pkg/logger"
	"github.com/crisiscenter/crisis-relay/internal/pkg/security"
	"github.com/crisiscenter/crisis-relay/internal/protocol"
)

// SubscriberSource yields a snapshot of a topic's subscribers.
// *router.Router implements it.
type SubscriberSource interface {
	SubscribersOf(topic string) []*connection.Connection
}

// MetricsRecorder receives per-publish statistics. *metrics.Metrics
// implements it.
type MetricsRecorder interface {
	RecordPublish(topic string, stats metrics.PublishStats, latency time.Duration, err error)
}

// PublishResult describes one fan-out pass.
type PublishResult struct {
	Topic       string `json:"topic"`
	Seq         uint64 `json:"seq"`
	Subscribers int    `json:"subscribers"`
	Delivered   int    `json:"delivered"`
	Dropped     int    `json:"dropped"` // deliveries that evicted an older event
	Closed      int    `json:"closed"`  // subscribers asked to drain as slow consumers
	Skipped     int    `json:"skipped"` // subscribers whose outbox was already closed
}

func (r PublishResult) stats() metrics.PublishStats {
	return metrics.PublishStats{
		Subscribers: r.Subscribers,
		Delivered:   r.Delivered,
		Dropped:     r.Dropped,
		Closed:      r.Closed,
	}
}

// Config configures a Dispatcher.
type Config struct {
	Sequencer Sequencer
	Policies  *Policies
	Stripes   int
	Metrics   MetricsRecorder

	// SequenceTimeout bounds one sequence assignment, which runs under the
	// topic lock. Defaults to 2s.
	SequenceTimeout time.Duration
}

// Dispatcher publishes events to topics.
type Dispatcher struct {
	subs       SubscriberSource
	seq        Sequencer
	seqTimeout time.Duration
	policies   atomic.Pointer[Policies]
	metrics  MetricsRecorder
	log      *logger.Logger

	stripes []sync.Mutex
	now     func() time.Time
}

// New creates a dispatcher.
func New(subs SubscriberSource, cfg Config, log *logger.Logger) *Dispatcher {
	if cfg.Sequencer == nil {
		cfg.Sequencer = NewMemorySequencer(0)
	}
	if cfg.Stripes <= 0 {
		cfg.Stripes = 256
	}
	if cfg.SequenceTimeout <= 0 {
		cfg.SequenceTimeout = 2 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}

	d := &Dispatcher{
		subs:       subs,
		seq:        cfg.Sequencer,
		seqTimeout: cfg.SequenceTimeout,
		metrics:    cfg.Metrics,
		log:        log,
		stripes:    make([]sync.Mutex, cfg.Stripes),
		now:        time.Now,
	}
	d.policies.Store(cfg.Policies)
	return d
}

// SetPolicies replaces the backpressure policy table for later publishes.
func (d *Dispatcher) SetPolicies(p *Policies) {
	d.policies.Store(p)
}

// Publish emits an event on topic and returns its sequence number.
// Publishing to a topic nobody subscribes to succeeds and delivers nothing.
func (d *Dispatcher) Publish(ctx context.Context, topic, kind string, payload json.RawMessage) (uint64, error) {
	res, err := d.PublishDetailed(ctx, topic, kind, payload)
	return res.Seq, err
}

// PublishDetailed is Publish with per-subscriber outcome counts.
func (d *Dispatcher) PublishDetailed(ctx context.Context, topic, kind string, payload json.RawMessage) (PublishResult, error) {
	start := d.now()
	res, err := d.publish(ctx, topic, kind, payload)
	if d.metrics != nil {
		d.metrics.RecordPublish(topic, res.stats(), d.now().Sub(start), err)
	}
	return res, err
}

func (d *Dispatcher) publish(ctx context.Context, topic, kind string, payload json.RawMessage) (PublishResult, error) {
	res := PublishResult{Topic: topic}

	v := security.PublishRequestValidator{Topic: topic, Kind: kind, Payload: payload}
	if err := v.Validate(); err != nil {
		return res, errors.Wrap(errors.CodeValidation, "invalid publish request", err)
	}

	lock := &d.stripes[hash.Sum32(topic)%uint32(len(d.stripes))]
	lock.Lock()

	seqCtx, cancel := context.WithTimeout(ctx, d.seqTimeout)
	seq, err := d.seq.Next(seqCtx, topic)
	cancel()
	if err != nil {
		lock.Unlock()
		return res, errors.Wrap(errors.CodeUnavailable, "sequence assignment failed", err)
	}
	res.Seq = seq

	subscribers := d.subs.SubscribersOf(topic)
	res.Subscribers = len(subscribers)
	if len(subscribers) == 0 {
		lock.Unlock()
		return res, nil
	}

	emittedAt := d.now()
	frame, err := protocol.EncodeEvent(uuid.NewString(), topic, kind, payload, seq, emittedAt)
	if err != nil {
		lock.Unlock()
		return res, errors.InternalError("encoding event", err)
	}

	mode := d.policies.Load().Mode(topic)
	var slow []*connection.Connection

	for _, c := range subscribers {
		switch c.Outbox.PushEvent(topic, seq, frame, mode) {
		case outbox.Enqueued:
			res.Delivered++
		case outbox.EnqueuedWithDrop:
			res.Delivered++
			res.Dropped++
		case outbox.Full:
			slow = append(slow, c)
		case outbox.Closed:
			res.Skipped++
		}
	}
	lock.Unlock()

	for _, c := range slow {
		d.log.Warn("Slow consumer, requesting close",
			"handle", c.Handle,
			"identity", security.SanitizeForLog(c.Identity),
			"topic", topic,
			"seq", seq,
			"queue_depth", c.Outbox.Len(),
		)
		c.RequestClose(protocol.ReasonSlowConsumer, emittedAt)
		res.Closed++
	}

	d.log.Debug("Published",
		"topic", topic,
		"kind", kind,
		"seq", seq,
		"delivered", res.Delivered,
		"dropped", res.Dropped,
		"closed", res.Closed,
	)
	return res, nil
}

// CurrentSeq returns the last sequence number assigned on topic.
func (d *Dispatcher) CurrentSeq(ctx context.Context, topic string) (uint64, error) {
	return d.seq.Current(ctx, topic)
}

// PolicyFor returns the backpressure policy applied to topic.
func (d *Dispatcher) PolicyFor(topic string) string {
	return d.policies.Load().For(topic)
}
