package usecase

import (
	"context"

	"github.com/jaennil/guide_helper/backend/bridge/pkg/bridge"
)

// TileSource is the part of *bridge.Source the use cases depend on.
type TileSource interface {
	Name() string
	GetTile(ctx context.Context, z, x, y int) (*bridge.Tile, error)
	Metadata(ctx context.Context) (bridge.Metadata, error)
	PoolStats() bridge.PoolStats
}

var _ TileSource = (*bridge.Source)(nil)
