package metrics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces metric history keys.
const DefaultRedisPrefix = "relay:metrics:"

// RedisStorage persists finalized history buckets in Redis sorted sets,
// one key per metric, scored by bucket time.
type RedisStorage struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStorage connects to url and verifies the connection.
func NewRedisStorage(url string) (*RedisStorage, error) {
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

	return &RedisStorage{
		client: client,
		prefix: DefaultRedisPrefix,
		ttl:    24 * time.Hour,
	}, nil
}

// Members embed the timestamp so equal values in different buckets do not
// collapse into one sorted-set entry.
func encodeMember(dp DataPoint) string {
	return strconv.FormatInt(dp.Timestamp.UnixNano(), 10) + ":" + strconv.FormatFloat(dp.Value, 'f', -1, 64)
}

func decodeMember(member string) (float64, bool) {
	_, value, ok := strings.Cut(member, ":")
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(value, 64)
	return v, err == nil
}

// SaveDataPoint stores one point and trims points older than the TTL.
func (rs *RedisStorage) SaveDataPoint(ctx context.Context, metric string, dp DataPoint) error {
	if err := rs.save(ctx, metric, []DataPoint{dp}); err != nil {
		return fmt.Errorf("saving data point: %w", err)
	}
	return nil
}

// SaveBatch stores several points in one round trip.
func (rs *RedisStorage) SaveBatch(ctx context.Context, metric string, dataPoints []DataPoint) error {
	if len(dataPoints) == 0 {
		return nil
	}
	if err := rs.save(ctx, metric, dataPoints); err != nil {
		return fmt.Errorf("saving batch: %w", err)
	}
	return nil
}

func (rs *RedisStorage) save(ctx context.Context, metric string, dataPoints []DataPoint) error {
	key := rs.prefix + metric

	members := make([]redis.Z, len(dataPoints))
	for i, dp := range dataPoints {
		members[i] = redis.Z{Score: float64(dp.Timestamp.Unix()), Member: encodeMember(dp)}
	}

	minScore := time.Now().Add(-rs.ttl).Unix()

	_, err := rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, members...)
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(minScore, 10))
		pipe.Expire(ctx, key, rs.ttl)
		return nil
	})
	return err
}

// LoadHistory returns the points recorded at or after since, oldest first.
func (rs *RedisStorage) LoadHistory(ctx context.Context, metric string, since time.Time) ([]DataPoint, error) {
	results, err := rs.client.ZRangeByScoreWithScores(ctx, rs.prefix+metric, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	dataPoints := make([]DataPoint, 0, len(results))
	for _, z := range results {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		value, ok := decodeMember(member)
		if !ok {
			continue
		}
		dataPoints = append(dataPoints, DataPoint{
			Timestamp: time.Unix(int64(z.Score), 0),
			Value:     value,
		})
	}
	return dataPoints, nil
}

// MetricNames lists the metrics with stored history.
func (rs *RedisStorage) MetricNames(ctx context.Context) ([]string, error) {
	var names []string
	iter := rs.client.Scan(ctx, 0, rs.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		names = append(names, strings.TrimPrefix(iter.Val(), rs.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("listing metrics: %w", err)
	}
	return names, nil
}

// DeleteMetric removes a metric's history.
func (rs *RedisStorage) DeleteMetric(ctx context.Context, metric string) error {
	if err := rs.client.Del(ctx, rs.prefix+metric).Err(); err != nil {
		return fmt.Errorf("deleting metric: %w", err)
	}
	return nil
}

// SetTTL sets how long points are retained.
func (rs *RedisStorage) SetTTL(ttl time.Duration) {
	rs.ttl = ttl
}

// SetPrefix changes the key namespace. Used to isolate tests.
func (rs *RedisStorage) SetPrefix(prefix string) {
	rs.prefix = prefix
}

// Close closes the Redis connection.
func (rs *RedisStorage) Close() error {
	return rs.client.Close()
}
