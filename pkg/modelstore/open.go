package modelstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Backend names accepted by Open.
const (
	BackendFile   = backendFile
	BackendRedis  = backendRedis
	BackendMemory = backendMemory
)

// Config selects and parameterizes a backend.
type Config struct {
	Backend string
	// Path is the model file for the file backend.
	Path string
	// RedisKey and Redis configure the redis backend.
	RedisKey string
	Redis    *redis.Options
}

// Open builds the store described by cfg. The returned close function
// releases backend connections and is never nil.
func Open(ctx context.Context, cfg Config) (Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case BackendFile, "":
		if cfg.Path == "" {
			return nil, noop, fmt.Errorf("file model store needs a path")
		}
		return NewFileStore(cfg.Path), noop, nil
	case BackendMemory:
		return NewMemoryStore(), noop, nil
	case BackendRedis:
		if cfg.Redis == nil {
			return nil, noop, fmt.Errorf("redis model store needs connection options")
		}
		client := redis.NewClient(cfg.Redis)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, noop, &StorageError{Op: "connect", Backend: backendRedis, Err: err}
		}
		return NewRedisStore(client, cfg.RedisKey), client.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown model store backend %q", cfg.Backend)
	}
}
