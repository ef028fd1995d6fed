package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"charon/internal/storage"
)

// Redis shares cached series between processes.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis wraps client; keys are prefix+code.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(code string) string {
	return r.prefix + code
}

func (r *Redis) Get(ctx context.Context, code string) ([]storage.PricePoint, bool, error) {
	data, err := r.client.Get(ctx, r.key(code)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get %s: %w", code, err)
	}
	var points []storage.PricePoint
	if err := json.Unmarshal(data, &points); err != nil {
		return nil, false, fmt.Errorf("decode cached series %s: %w", code, err)
	}
	return points, true, nil
}

func (r *Redis) Set(ctx context.Context, code string, points []storage.PricePoint) error {
	data, err := json.Marshal(points)
	if err != nil {
		return fmt.Errorf("encode series %s: %w", code, err)
	}
	return r.client.Set(ctx, r.key(code), data, r.ttl).Err()
}

func (r *Redis) Invalidate(ctx context.Context, codes ...string) error {
	if len(codes) > 0 {
		keys := make([]string, len(codes))
		for i, code := range codes {
			keys[i] = r.key(code)
		}
		return r.client.Del(ctx, keys...).Err()
	}

	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan %s*: %w", r.prefix, err)
	}
	if len(batch) > 0 {
		return r.client.Del(ctx, batch...).Err()
	}
	return nil
}

var _ Series = (*Redis)(nil)
