package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Snapshots persists records so a restarted service can resume a run.
type Snapshots interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, platform string) (Record, bool, error)
	Delete(ctx context.Context, platform string) error
}

// RedisSnapshots stores one JSON record per platform.
type RedisSnapshots struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisSnapshots(addr, prefix string, ttl time.Duration) *RedisSnapshots {
	return &RedisSnapshots{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisSnapshots) key(platform string) string {
	return s.prefix + platform
}

func (s *RedisSnapshots) Close() error {
	return s.client.Close()
}

func (s *RedisSnapshots) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSnapshots) Save(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(rec.Platform), payload, s.ttl).Err()
}

func (s *RedisSnapshots) Load(ctx context.Context, platform string) (Record, bool, error) {
	val, err := s.client.Get(ctx, s.key(platform)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}

	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *RedisSnapshots) Delete(ctx context.Context, platform string) error {
	return s.client.Del(ctx, s.key(platform)).Err()
}
