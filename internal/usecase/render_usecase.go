package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/jaennil/guide_helper/backend/bridge/internal/repository/tilestore"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/bridge"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/engine"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/logger"
)

type RenderUseCase struct {
	source TileSource
	store  tilestore.TileStore
	logger logger.Logger
}

// NewRenderUseCase renders single tiles. store may be nil; otherwise it is
// consulted before rendering and filled after.
func NewRenderUseCase(source TileSource, store tilestore.TileStore, l logger.Logger) *RenderUseCase {
	return &RenderUseCase{
		source: source,
		store:  store,
		logger: l,
	}
}

type SourceInfo struct {
	Name     string
	Metadata bridge.Metadata
	Pools    bridge.PoolStats
}

// Render returns the tile payload. An oversized vector tile is returned
// together with its error and is not stored.
func (uc *RenderUseCase) Render(ctx context.Context, z, x, y int) (*bridge.Tile, error) {
	key := tilestore.TileKey{Z: z, X: x, Y: y}

	if uc.store != nil {
		data, ok, err := uc.store.Get(ctx, key)
		if err != nil {
			uc.logger.Warn("failed to read tile store, rendering", "error", err)
		} else if ok {
			uc.logger.Debug("store hit", "z", z, "x", x, "y", y, "size", len(data))
			return uc.storedTile(ctx, data)
		}
	}

	tile, err := uc.source.GetTile(ctx, z, x, y)
	if err != nil {
		if errors.Is(err, bridge.ErrSizeExceeded) {
			uc.logger.Warn("tile exceeds size cap", "z", z, "x", x, "y", y, "error", err)
		}
		return tile, err
	}

	if uc.store != nil && !tile.Empty() {
		if err := uc.store.Set(ctx, key, tile.Data); err != nil {
			uc.logger.Warn("failed to store tile", "z", z, "x", x, "y", y, "error", err)
		}
	}

	return tile, nil
}

// storedTile rebuilds headers for a stored payload from the source metadata.
func (uc *RenderUseCase) storedTile(ctx context.Context, data []byte) (*bridge.Tile, error) {
	meta, err := uc.source.Metadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read source metadata: %w", err)
	}

	tile := &bridge.Tile{Kind: meta.Kind, Data: data}
	switch meta.Kind {
	case engine.KindRaster:
		tile.ContentType = bridge.ContentTypeWebP
	default:
		tile.ContentType = bridge.ContentTypeProtobuf
		tile.ContainsData = len(data) > 0
		if isGzip(data) {
			tile.ContentEncoding = "gzip"
		}
	}
	return tile, nil
}

func isGzip(data []byte) bool {
	return len(data) > 1 && data[0] == 0x1f && data[1] == 0x8b
}

func (uc *RenderUseCase) Info(ctx context.Context) (*SourceInfo, error) {
	meta, err := uc.source.Metadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read source metadata: %w", err)
	}

	return &SourceInfo{
		Name:     uc.source.Name(),
		Metadata: meta,
		Pools:    uc.source.PoolStats(),
	}, nil
}
