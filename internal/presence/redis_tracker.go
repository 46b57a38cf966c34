package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amurg-ai/parley/internal/config"
)

// RedisTracker keeps presence in a single Redis hash: user id -> connected_at.
type RedisTracker struct {
	client *redis.Client
	key    string
}

// NewRedisTracker connects to Redis and verifies the connection.
func NewRedisTracker(cfg config.PresenceConfig) (*RedisTracker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}

	return newRedisTracker(rdb, cfg.KeyPrefix), nil
}

func newRedisTracker(rdb *redis.Client, prefix string) *RedisTracker {
	if prefix == "" {
		prefix = "parley"
	}
	return &RedisTracker{client: rdb, key: prefix + ":presence"}
}

func (t *RedisTracker) Create(ctx context.Context, userID string, at time.Time) (bool, error) {
	return t.client.HSetNX(ctx, t.key, userID, at.UTC().Format(time.RFC3339Nano)).Result()
}

func (t *RedisTracker) Delete(ctx context.Context, userID string) (bool, error) {
	n, err := t.client.HDel(ctx, t.key, userID).Result()
	return n > 0, err
}

func (t *RedisTracker) Get(ctx context.Context, userID string) (*Record, error) {
	v, err := t.client.HGet(ctx, t.key, userID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	at, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("parse connected_at for %s: %w", userID, err)
	}
	return &Record{UserID: userID, ConnectedAt: at}, nil
}

func (t *RedisTracker) List(ctx context.Context) ([]Record, error) {
	all, err := t.client.HGetAll(ctx, t.key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(all))
	for id, v := range all {
		at, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse connected_at for %s: %w", id, err)
		}
		out = append(out, Record{UserID: id, ConnectedAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out, nil
}

func (t *RedisTracker) Reset(ctx context.Context) (int64, error) {
	pipe := t.client.TxPipeline()
	n := pipe.HLen(ctx, t.key)
	pipe.Del(ctx, t.key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return n.Val(), nil
}

func (t *RedisTracker) Close() error {
	return t.client.Close()
}
