package tilestore

import (
	"context"
	"fmt"

	"github.com/jaennil/guide_helper/backend/bridge/pkg/config"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/logger"
)

type TileKey struct {
	Z int
	X int
	Y int
}

type TileStore interface {
	Get(ctx context.Context, k TileKey) ([]byte, bool, error)
	Set(ctx context.Context, k TileKey, data []byte) error
	Close() error
}

// MetadataWriter is implemented by stores that keep tileset metadata next to
// the tiles, such as MBTiles.
type MetadataWriter interface {
	SetMetadata(ctx context.Context, metadata map[string]string) error
}

const (
	DriverSQLite     = "sqlite"
	DriverRedis      = "redis"
	DriverFilesystem = "filesystem"
	DriverMemory     = "memory"
)

// New opens the store selected by cfg.Driver.
func New(cfg config.Store, l logger.Logger) (TileStore, error) {
	switch cfg.Driver {
	case DriverSQLite:
		return NewSQLiteStore(cfg.Path, l)
	case DriverRedis:
		return NewRedisStore(RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		}, l)
	case DriverFilesystem:
		return NewFilesystemStore(cfg.Path, l)
	case DriverMemory:
		return NewMapStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
