package metrics

import (
	"context"
	"testing"
	"time"
)

// testStorage connects to a local Redis on DB 15 under a per-test prefix,
// skipping when none is running.
func testStorage(t *testing.T) *RedisStorage {
	t.Helper()
	storage, err := NewRedisStorage("redis://localhost:6379/15")
	if err != nil {
		t.Skip("Redis not available:", err)
	}
	storage.SetPrefix("relay:test:" + t.Name() + ":")
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestNewRedisStorage_InvalidURL(t *testing.T) {
	if _, err := NewRedisStorage("invalid://url"); err == nil {
		t.Fatal("expected error for invalid URL")
	}
}

func TestNewRedisStorage_ConnectionFailure(t *testing.T) {
	if _, err := NewRedisStorage("redis://localhost:9999"); err == nil {
		t.Fatal("expected error for connection failure")
	}
}

func TestMemberEncoding(t *testing.T) {
	dp := DataPoint{Timestamp: time.Unix(1700000000, 5), Value: 12.75}
	v, ok := decodeMember(encodeMember(dp))
	if !ok || v != 12.75 {
		t.Fatalf("decodeMember = %v, %v", v, ok)
	}
	if _, ok := decodeMember("garbage"); ok {
		t.Error("expected malformed member to be rejected")
	}
}

func TestRedisStorage_SaveAndLoad(t *testing.T) {
	storage := testStorage(t)
	ctx := context.Background()
	defer storage.DeleteMetric(ctx, "publish_rate")

	now := time.Now()
	points := []DataPoint{
		{Timestamp: now.Add(-10 * time.Minute), Value: 4},
		{Timestamp: now.Add(-5 * time.Minute), Value: 4},
		{Timestamp: now, Value: 9.5},
	}
	for _, dp := range points {
		if err := storage.SaveDataPoint(ctx, "publish_rate", dp); err != nil {
			t.Fatalf("SaveDataPoint failed: %v", err)
		}
	}

	loaded, err := storage.LoadHistory(ctx, "publish_rate", now.Add(-15*time.Minute))
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	// Equal values in different buckets must both survive.
	if len(loaded) != len(points) {
		t.Fatalf("expected %d points, got %d", len(points), len(loaded))
	}
	for i, dp := range loaded {
		if dp.Value != points[i].Value {
			t.Errorf("point %d: expected %v, got %v", i, points[i].Value, dp.Value)
		}
	}

	recent, err := storage.LoadHistory(ctx, "publish_rate", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if len(recent) != 1 {
		t.Errorf("expected 1 recent point, got %d", len(recent))
	}
}

func TestRedisStorage_SaveBatch(t *testing.T) {
	storage := testStorage(t)
	ctx := context.Background()
	defer storage.DeleteMetric(ctx, "delivery_rate")

	if err := storage.SaveBatch(ctx, "delivery_rate", nil); err != nil {
		t.Fatalf("empty batch should succeed: %v", err)
	}

	now := time.Now()
	batch := make([]DataPoint, 5)
	for i := range batch {
		batch[i] = DataPoint{Timestamp: now.Add(-time.Duration(i) * time.Minute), Value: float64(i * 10)}
	}
	if err := storage.SaveBatch(ctx, "delivery_rate", batch); err != nil {
		t.Fatalf("SaveBatch failed: %v", err)
	}

	loaded, err := storage.LoadHistory(ctx, "delivery_rate", now.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if len(loaded) != len(batch) {
		t.Errorf("expected %d points, got %d", len(batch), len(loaded))
	}
}

func TestRedisStorage_TTLTrimsOldPoints(t *testing.T) {
	storage := testStorage(t)
	ctx := context.Background()
	defer storage.DeleteMetric(ctx, "drop_rate")

	storage.SetTTL(time.Minute)
	now := time.Now()
	storage.SaveDataPoint(ctx, "drop_rate", DataPoint{Timestamp: now.Add(-time.Hour), Value: 1})
	storage.SaveDataPoint(ctx, "drop_rate", DataPoint{Timestamp: now, Value: 2})

	loaded, err := storage.LoadHistory(ctx, "drop_rate", now.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Value != 2 {
		t.Errorf("expected only the recent point, got %+v", loaded)
	}
}

func TestRedisStorage_MetricNamesAndDelete(t *testing.T) {
	storage := testStorage(t)
	ctx := context.Background()

	names := []string{"publish_rate", "connect_rate"}
	for _, name := range names {
		storage.SaveDataPoint(ctx, name, DataPoint{Timestamp: time.Now(), Value: 1})
		defer storage.DeleteMetric(ctx, name)
	}

	got, err := storage.MetricNames(ctx)
	if err != nil {
		t.Fatalf("MetricNames failed: %v", err)
	}
	seen := make(map[string]bool)
	for _, n := range got {
		seen[n] = true
	}
	for _, n := range names {
		if !seen[n] {
			t.Errorf("expected metric %s in %v", n, got)
		}
	}

	if err := storage.DeleteMetric(ctx, "publish_rate"); err != nil {
		t.Fatalf("DeleteMetric failed: %v", err)
	}
	loaded, _ := storage.LoadHistory(ctx, "publish_rate", time.Now().Add(-time.Minute))
	if len(loaded) != 0 {
		t.Errorf("expected no points after delete, got %d", len(loaded))
	}
}

func TestTimeSeriesReloadsFromRedis(t *testing.T) {
	storage := testStorage(t)
	ctx := context.Background()
	defer storage.DeleteMetric(ctx, "publish_rate")

	past := time.Now().Add(-10 * time.Minute)
	if err := storage.SaveDataPoint(ctx, "publish_rate", DataPoint{Timestamp: past, Value: 7}); err != nil {
		t.Fatalf("SaveDataPoint failed: %v", err)
	}

	ts := NewTimeSeriesDataWithRedis(storage)
	history := ts.PublishRate.GetHistory()
	if len(history) != 1 || history[0].Value != 7 {
		t.Errorf("expected persisted bucket to reload, got %+v", history)
	}
}
