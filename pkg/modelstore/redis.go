package modelstore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/hed1ad/trafficguard/pkg/model"
)

const backendRedis = "redis"

// DefaultRedisKey is the key the model blob is stored under.
const DefaultRedisKey = "trafficguard:model"

// RedisStore keeps the model blob under a single Redis key, so several
// scorer processes can share one trained model. SET replaces the value
// atomically.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore returns a store using client and key.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Exists(ctx context.Context) (bool, error) {
	n, err := s.client.Exists(ctx, s.key).Result()
	if err != nil {
		return false, &StorageError{Op: "exists", Backend: backendRedis, Err: err}
	}
	return n > 0, nil
}

func (s *RedisStore) Save(ctx context.Context, m *model.Model) error {
	blob, err := encode(backendRedis, m)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, blob, 0).Err(); err != nil {
		return &StorageError{Op: "set", Backend: backendRedis, Err: err}
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) (*model.Model, error) {
	blob, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "get", Backend: backendRedis, Err: err}
	}
	return decode(backendRedis, blob)
}

var _ Store = (*RedisStore)(nil)
