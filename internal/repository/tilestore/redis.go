package tilestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jaennil/guide_helper/backend/bridge/pkg/logger"
	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

func NewRedisStore(cfg RedisConfig, l logger.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}

	l.Info("redis tile store initialized", "addr", cfg.Addr, "ttl", ttl)

	return &RedisStore{
		client: client,
		ttl:    ttl,
		logger: l,
	}, nil
}

var _ TileStore = (*RedisStore)(nil)
var _ MetadataWriter = (*RedisStore)(nil)

func (s *RedisStore) keyFor(k TileKey) string {
	return fmt.Sprintf("tile:%d:%d:%d", k.Z, k.X, k.Y)
}

func (s *RedisStore) Get(ctx context.Context, k TileKey) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.keyFor(k)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get error: %w", err)
	}

	return data, true, nil
}

func (s *RedisStore) Set(ctx context.Context, k TileKey, data []byte) error {
	if err := s.client.Set(ctx, s.keyFor(k), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}

	return nil
}

// SetMetadata stores metadata in a hash next to the tiles.
func (s *RedisStore) SetMetadata(ctx context.Context, metadata map[string]string) error {
	if len(metadata) == 0 {
		return nil
	}

	values := make(map[string]any, len(metadata))
	for k, v := range metadata {
		values[k] = v
	}

	if err := s.client.HSet(ctx, "tile:metadata", values).Err(); err != nil {
		return fmt.Errorf("redis hset error: %w", err)
	}

	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
