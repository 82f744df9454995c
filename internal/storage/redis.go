package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Storage backed by a Redis server. Records are stored as JSON
// under "<prefix><featureKey>:<userId>". A malformed stored value is
// reported as a miss so a poisoned key can never break evaluation.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig holds connection settings for the Redis backend.
type RedisConfig struct {
	// URL is a redis:// connection string.
	URL string
	// KeyPrefix namespaces all decision keys; defaults to "fg:decision:".
	KeyPrefix string
	// TTL expires records after the given duration; zero keeps them forever.
	TTL time.Duration
	// ConnectTimeout bounds the initial ping.
	ConnectTimeout time.Duration
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "fg:decision:"
	}
	return &Redis{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

func (r *Redis) key(featureKey, userID string) string {
	return r.prefix + featureKey + ":" + userID
}

// Get fetches and decodes the record for a feature/user pair.
func (r *Redis) Get(ctx context.Context, featureKey, userID string) (*Record, error) {
	raw, err := r.client.Get(ctx, r.key(featureKey, userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		// Malformed payload counts as a miss.
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Set encodes and writes the record.
func (r *Redis) Set(ctx context.Context, rec *Record) error {
	if rec == nil {
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(rec.FeatureKey, rec.UserID), raw, r.ttl).Err()
}

// Close closes the underlying client.
func (r *Redis) Close() error { return r.client.Close() }
