package cache

import (
	"errors"
	"time"

	"github.com/go-redis/redis"
)

// ErrMiss is returned by a Store when the key is absent.
var ErrMiss = errors.New("cache miss")

// Store is the shared out-of-process tier collaborator: a networked KV
// store with expiring sets.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, val []byte, ttl time.Duration) error
	Del(key string) error
	Incr(key string) (int64, error)
	TTL(key string) (time.Duration, error)
}

// redisStore adapts a go-redis client to the Store interface.
type redisStore struct {
	client *redis.Client
}

// NewRedisStore wraps client as the tier-2 collaborator.
func NewRedisStore(client *redis.Client) Store {
	return &redisStore{client: client}
}

func (r *redisStore) Get(key string) ([]byte, error) {
	val, err := r.client.Get(key).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	return val, err
}

func (r *redisStore) Set(key string, val []byte, ttl time.Duration) error {
	return r.client.Set(key, val, ttl).Err()
}

func (r *redisStore) Del(key string) error {
	return r.client.Del(key).Err()
}

func (r *redisStore) Incr(key string) (int64, error) {
	return r.client.Incr(key).Result()
}

func (r *redisStore) TTL(key string) (time.Duration, error) {
	return r.client.TTL(key).Result()
}
