package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/nshruti113/traffic-triage/internal/models"
)

const (
	signalsKey  = "triage:signals"
	blocksKey   = "triage:blocks"
	alertsTopic = "triage:alerts"

	signalRetention = 5 * time.Minute
	blocksKept      = 1000
	counterTTL      = time.Hour
)

// RedisClient mirrors signals and blocks into Redis for dashboards
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient connects and pings the server
func NewRedisClient(ctx context.Context, addr string, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// Name identifies the sink in metrics
func (r *RedisClient) Name() string {
	return "redis"
}

// minuteKey buckets per-minute counters
func minuteKey(t time.Time) string {
	return fmt.Sprintf("triage:metrics:%d", t.Truncate(time.Minute).Unix())
}

// PublishSignal stores the signal in a time-series sorted set and updates
// the per-minute counters
func (r *RedisClient) PublishSignal(ctx context.Context, sig models.AttackSignal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return err
	}

	if err := r.client.ZAdd(ctx, signalsKey, redis.Z{
		Score:  float64(sig.DetectedAt.Unix()),
		Member: string(data),
	}).Err(); err != nil {
		return err
	}

	// Keep only the retention window
	cutoff := float64(time.Now().Add(-signalRetention).Unix())
	r.client.ZRemRangeByScore(ctx, signalsKey, "-inf", fmt.Sprintf("%f", cutoff))

	key := minuteKey(sig.DetectedAt)
	pipe := r.client.Pipeline()
	pipe.HIncrBy(ctx, key, "signals:"+string(sig.Category), 1)
	pipe.PFAdd(ctx, key+":attackers", sig.Identity)
	pipe.ZIncrBy(ctx, key+":attacker_counts", 1, sig.Identity)
	pipe.Expire(ctx, key, counterTTL)
	pipe.Expire(ctx, key+":attackers", counterTTL)
	pipe.Expire(ctx, key+":attacker_counts", counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update signal counters: %w", err)
	}
	return nil
}

// PublishBlock appends to the capped block list and counts the path
func (r *RedisClient) PublishBlock(ctx context.Context, rec models.BlockRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	key := minuteKey(time.Now())
	pipe := r.client.Pipeline()
	pipe.LPush(ctx, blocksKey, string(data))
	pipe.LTrim(ctx, blocksKey, 0, blocksKept-1)
	pipe.HIncrBy(ctx, key, "blocks", 1)
	pipe.ZIncrBy(ctx, key+":blocked_ips", 1, rec.IP)
	pipe.ZIncrBy(ctx, key+":blocked_paths", 1, rec.Path)
	pipe.Expire(ctx, key, counterTTL)
	pipe.Expire(ctx, key+":blocked_ips", counterTTL)
	pipe.Expire(ctx, key+":blocked_paths", counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record block: %w", err)
	}
	return nil
}

// PublishAlert publishes an alert to subscribers
func (r *RedisClient) PublishAlert(ctx context.Context, alert models.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, alertsTopic, string(data)).Err()
}

// RecentSignals retrieves signals from the last N seconds
func (r *RedisClient) RecentSignals(ctx context.Context, seconds int) ([]models.AttackSignal, error) {
	since := time.Now().Add(-time.Duration(seconds) * time.Second).Unix()

	results, err := r.client.ZRangeByScore(ctx, signalsKey, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", since),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	signals := make([]models.AttackSignal, 0, len(results))
	for _, result := range results {
		var sig models.AttackSignal
		if err := json.Unmarshal([]byte(result), &sig); err != nil {
			continue
		}
		signals = append(signals, sig)
	}
	return signals, nil
}

// MinuteCounters returns the counters and unique attacker estimate for the
// minute containing t
func (r *RedisClient) MinuteCounters(ctx context.Context, t time.Time) (map[string]int64, int64, error) {
	key := minuteKey(t)

	raw, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, 0, err
	}
	counters := make(map[string]int64, len(raw))
	for k, v := range raw {
		var n int64
		if _, err := fmt.Sscan(v, &n); err == nil {
			counters[k] = n
		}
	}

	unique, err := r.client.PFCount(ctx, key+":attackers").Result()
	if err != nil {
		unique = 0
	}
	return counters, unique, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}
