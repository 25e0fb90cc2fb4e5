package blocklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "rdp:blocklist:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps the blocklist in Redis so every server instance shares it.
// Expiry is delegated to key TTLs.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	nowF      func() time.Time
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		nowF:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *RedisStore) key(ip string) string {
	return r.keyPrefix + ip
}

// IsBlocked reports whether a key exists for ip.
func (r *RedisStore) IsBlocked(ctx context.Context, ip string) (bool, error) {
	norm, err := Normalize(ip)
	if err != nil {
		return false, err
	}
	n, err := r.client.Exists(ctx, r.key(norm)).Result()
	if err != nil {
		return false, fmt.Errorf("blocklist: exists: %w", err)
	}
	return n > 0, nil
}

// Block stores the entry with ttl as the key expiry.
func (r *RedisStore) Block(ctx context.Context, ip, reason string, ttl time.Duration) error {
	norm, err := Normalize(ip)
	if err != nil {
		return err
	}
	now := r.nowF()
	e := Entry{IP: norm, Reason: reason, BlockedAt: now}
	if ttl > 0 {
		exp := now.Add(ttl)
		e.ExpiresAt = &exp
	} else {
		ttl = 0
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("blocklist: marshal entry: %w", err)
	}
	return r.client.Set(ctx, r.key(norm), data, ttl).Err()
}

// Unblock deletes the key for ip.
func (r *RedisStore) Unblock(ctx context.Context, ip string) (bool, error) {
	norm, err := Normalize(ip)
	if err != nil {
		return false, err
	}
	n, err := r.client.Del(ctx, r.key(norm)).Result()
	if err != nil {
		return false, fmt.Errorf("blocklist: del: %w", err)
	}
	return n > 0, nil
}

// List scans every blocklist key. Keys that vanish mid-scan are skipped.
func (r *RedisStore) List(ctx context.Context) ([]Entry, error) {
	var out []Entry
	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("blocklist: get: %w", err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("blocklist: scan: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out, nil
}

// Close releases the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
