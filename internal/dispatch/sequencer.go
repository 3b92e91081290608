package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crisiscenter/crisis-relay/internal/config"
	"github.com/crisiscenter/crisis-relay/internal/pkg/hash"
)

// Sequencer hands out per-topic sequence numbers. Numbers for one topic are
// strictly increasing and never reused; topics are independent.
type Sequencer interface {
	// Next assigns the next sequence number for topic, starting at 1.
	Next(ctx context.Context, topic string) (uint64, error)
	// Current returns the last number assigned for topic, or 0.
	Current(ctx context.Context, topic string) (uint64, error)
	Close() error
}

// NewSequencer builds the sequencer selected by configuration.
func NewSequencer(rc config.RealtimeConfig) (Sequencer, error) {
	switch rc.Sequencer {
	case "", "memory":
		return NewMemorySequencer(0), nil
	case "redis":
		return NewRedisSequencer(rc.RedisURL)
	default:
		return nil, fmt.Errorf("unknown sequencer: %s", rc.Sequencer)
	}
}

type seqShard struct {
	mu       sync.Mutex
	counters map[string]uint64
}

// MemorySequencer keeps counters in process memory.
type MemorySequencer struct {
	shards []*seqShard
}

// NewMemorySequencer creates an in-memory sequencer with n shards.
func NewMemorySequencer(n int) *MemorySequencer {
	if n <= 0 {
		n = 64
	}
	s := &MemorySequencer{shards: make([]*seqShard, n)}
	for i := range s.shards {
		s.shards[i] = &seqShard{counters: make(map[string]uint64)}
	}
	return s
}

func (s *MemorySequencer) shard(topic string) *seqShard {
	return s.shards[hash.Shard(topic, len(s.shards))]
}

// Next implements Sequencer.
func (s *MemorySequencer) Next(_ context.Context, topic string) (uint64, error) {
	sh := s.shard(topic)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.counters[topic]++
	return sh.counters[topic], nil
}

// Current implements Sequencer.
func (s *MemorySequencer) Current(_ context.Context, topic string) (uint64, error) {
	sh := s.shard(topic)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.counters[topic], nil
}

// Close implements Sequencer.
func (s *MemorySequencer) Close() error { return nil }

// RedisSequencer keeps counters in Redis so every relay instance shares one
// sequencing point per topic.
type RedisSequencer struct {
	client *redis.Client
	prefix string
}

// NewRedisSequencer connects to Redis at url.
func NewRedisSequencer(url string) (*RedisSequencer, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisSequencer{client: client, prefix: "relay:seq:"}, nil
}

// Next implements Sequencer.
func (s *RedisSequencer) Next(ctx context.Context, topic string) (uint64, error) {
	n, err := s.client.Incr(ctx, s.prefix+topic).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing sequence: %w", err)
	}
	return uint64(n), nil
}

// Current implements Sequencer.
func (s *RedisSequencer) Current(ctx context.Context, topic string) (uint64, error) {
	n, err := s.client.Get(ctx, s.prefix+topic).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading sequence: %w", err)
	}
	return n, nil
}

// Reset deletes the counter for topic.
func (s *RedisSequencer) Reset(ctx context.Context, topic string) error {
	return s.client.Del(ctx, s.prefix+topic).Err()
}

// Close implements Sequencer.
func (s *RedisSequencer) Close() error {
	return s.client.Close()
}
