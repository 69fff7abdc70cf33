package sink

import (
	"context"
	"errors"

	"github.com/go-redis/redis/v8"
)

// RedisStorage is a Sink backed by Redis, grounded on cmd/worker/main.go's
// NewRedisQueue wiring call-site and internal/config's RedisConfig —
// the teacher never actually defines NewRedisQueue's body in the retrieved
// fragment, so this talks to go-redis directly rather than copying it.
type RedisStorage struct {
	client *redis.Client
}

// NewRedisStorage dials Redis eagerly and pings it once so misconfiguration
// surfaces at startup rather than on the first Put.
func NewRedisStorage(ctx context.Context, addr, password string, db int) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisStorage{client: client}, nil
}

func (r *RedisStorage) Put(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *RedisStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *RedisStorage) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisStorage) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			v, err := r.client.Get(ctx, k).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
