package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jaennil/guide_helper/backend/bridge/internal/repository/tilestore"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/bridge"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/engine"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/logger"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/maptile/tilecover"
	"golang.org/x/sync/errgroup"
)

type SeedRequest struct {
	Bound   orb.Bound
	MinZoom int
	MaxZoom int
	// KeepEmpty stores zero-length tiles too.
	KeepEmpty bool
}

type SeedResult struct {
	JobID    string
	Total    int64
	Rendered int64
	Empty    int64
	Oversize int64
	Failed   int64
	Duration time.Duration
}

type SeedUseCase struct {
	source      TileSource
	store       tilestore.TileStore
	logger      logger.Logger
	concurrency int
}

func NewSeedUseCase(source TileSource, store tilestore.TileStore, concurrency int, l logger.Logger) *SeedUseCase {
	if concurrency < 1 {
		concurrency = 1
	}
	return &SeedUseCase{
		source:      source,
		store:       store,
		logger:      l,
		concurrency: concurrency,
	}
}

func (r SeedRequest) validate() error {
	if r.MinZoom < 0 || r.MaxZoom > engine.MaxZoom || r.MinZoom > r.MaxZoom {
		return fmt.Errorf("invalid zoom range %d-%d", r.MinZoom, r.MaxZoom)
	}
	if r.Bound.Min[0] >= r.Bound.Max[0] || r.Bound.Min[1] >= r.Bound.Max[1] {
		return fmt.Errorf("invalid bound %v", r.Bound)
	}
	return nil
}

// Plan returns the tiles covering the request, ordered by zoom, x and y.
func (uc *SeedUseCase) Plan(req SeedRequest) ([]maptile.Tile, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var tiles []maptile.Tile
	for z := req.MinZoom; z <= req.MaxZoom; z++ {
		set, err := tilecover.Geometry(req.Bound, maptile.Zoom(z))
		if err != nil {
			return nil, fmt.Errorf("failed to cover zoom %d: %w", z, err)
		}

		level := make([]maptile.Tile, 0, len(set))
		for t := range set {
			level = append(level, t)
		}
		sort.Slice(level, func(i, j int) bool {
			if level[i].X != level[j].X {
				return level[i].X < level[j].X
			}
			return level[i].Y < level[j].Y
		})
		tiles = append(tiles, level...)
	}

	return tiles, nil
}

// Seed renders every planned tile into the store. Per-tile failures are
// counted and logged; only cancellation or a store failure aborts the job.
// progress, if set, is called once per finished tile.
func (uc *SeedUseCase) Seed(ctx context.Context, req SeedRequest, progress func()) (*SeedResult, error) {
	tiles, err := uc.Plan(req)
	if err != nil {
		return nil, err
	}

	res := &SeedResult{
		JobID: uuid.New().String(),
		Total: int64(len(tiles)),
	}
	start := time.Now()

	uc.logger.Info("seed started",
		"job_id", res.JobID,
		"source", uc.source.Name(),
		"tiles", res.Total,
		"min_zoom", req.MinZoom,
		"max_zoom", req.MaxZoom,
	)

	var rendered, empty, oversize, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uc.concurrency)

	for _, t := range tiles {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			if progress != nil {
				defer progress()
			}

			z, x, y := int(t.Z), int(t.X), int(t.Y)
			tile, err := uc.source.GetTile(gctx, z, x, y)
			switch {
			case errors.Is(err, bridge.ErrSizeExceeded):
				oversize.Add(1)
				uc.logger.Warn("skipping oversized tile", "job_id", res.JobID, "z", z, "x", x, "y", y, "error", err)
				return nil
			case err != nil:
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed.Add(1)
				uc.logger.Warn("failed to render tile", "job_id", res.JobID, "z", z, "x", x, "y", y, "error", err)
				return nil
			}

			if tile.Empty() {
				empty.Add(1)
				if !req.KeepEmpty {
					return nil
				}
			} else {
				rendered.Add(1)
			}

			if err := uc.store.Set(gctx, tilestore.TileKey{Z: z, X: x, Y: y}, tile.Data); err != nil {
				return fmt.Errorf("failed to store tile %d/%d/%d: %w", z, x, y, err)
			}
			return nil
		})
	}

	err = g.Wait()

	res.Rendered = rendered.Load()
	res.Empty = empty.Load()
	res.Oversize = oversize.Load()
	res.Failed = failed.Load()
	res.Duration = time.Since(start)

	if err != nil {
		uc.logger.Error("seed aborted", "job_id", res.JobID, "error", err)
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	if err := uc.writeMetadata(ctx, req); err != nil {
		uc.logger.Warn("failed to write tileset metadata", "job_id", res.JobID, "error", err)
	}

	uc.logger.Info("seed finished",
		"job_id", res.JobID,
		"rendered", res.Rendered,
		"empty", res.Empty,
		"oversize", res.Oversize,
		"failed", res.Failed,
		"duration", res.Duration,
	)

	return res, nil
}

func (uc *SeedUseCase) writeMetadata(ctx context.Context, req SeedRequest) error {
	w, ok := uc.store.(tilestore.MetadataWriter)
	if !ok {
		return nil
	}

	meta, err := uc.source.Metadata(ctx)
	if err != nil {
		return err
	}

	format := "pbf"
	if meta.Kind == engine.KindRaster {
		format = "webp"
	}

	b := req.Bound
	return w.SetMetadata(ctx, map[string]string{
		"name":    uc.source.Name(),
		"format":  format,
		"type":    "overlay",
		"minzoom": strconv.Itoa(req.MinZoom),
		"maxzoom": strconv.Itoa(req.MaxZoom),
		"bounds":  fmt.Sprintf("%g,%g,%g,%g", b.Min[0], b.Min[1], b.Max[0], b.Max[1]),
	})
}
