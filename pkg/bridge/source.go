// Package bridge serves map tiles by delegating rendering to an engine while
// owning the pools of engine handles.
//
// Map handles are constructed lazily up to the pool size and reused across
// requests. Raster sources additionally draw on a pool of image canvases.
// A render deadline only stops the caller from waiting: the handle stays
// checked out until the engine really finishes, so sustained timeouts can
// exhaust the pool.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/deadline"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/engine"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/logger"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/metrics"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/pool"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	mapTileSize = 256

	poolMap   = "map"
	poolImage = "image"
)

type tileFunc func(ctx context.Context, z, x, y int) (*Tile, error)

type Source struct {
	name       string
	style      string
	base       string
	gzip       bool
	blank      bool
	bufferSize int

	maxVectorBytes int
	logVectorBytes int

	engine  engine.Engine
	logger  logger.Logger
	metrics *metrics.Metrics
	stats   *SizeStats
	tracer  trace.Tracer

	maps   *pool.Pool[engine.Map]
	images *pool.Pool[engine.Image]
	meta   metadataCache

	getTile tileFunc
	close   func(ctx context.Context) error
}

type PoolStats struct {
	Map   pool.Stats
	Image pool.Stats
}

func New(opts Options, eng engine.Engine, options ...Option) (*Source, error) {
	set := settings{
		logger: logger.NewNop(),
		tracer: telemetry.Tracer(),
	}
	for _, o := range options {
		o(&set)
	}
	for _, fn := range set.overrides {
		fn(&opts)
	}

	if opts.Style == "" {
		return nil, &ConfigurationError{Err: ErrNoStyle}
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(opts); err != nil {
		return nil, &ConfigurationError{Err: fmt.Errorf("invalid source options: %w", err)}
	}
	if eng == nil {
		return nil, &ConfigurationError{Err: errors.New("no rendering engine")}
	}

	base, err := opts.base()
	if err != nil {
		return nil, &ConfigurationError{Err: fmt.Errorf("failed to resolve base: %w", err)}
	}

	s := &Source{
		name:           opts.name(),
		style:          opts.Style,
		base:           base,
		gzip:           opts.gzip(),
		blank:          opts.Blank,
		bufferSize:     opts.bufferSize(),
		maxVectorBytes: opts.MaxVectorBytesCompressed,
		logVectorBytes: opts.LogVectorBytesCompressed,
		engine:         eng,
		logger:         set.logger,
		metrics:        set.metrics,
		stats:          set.stats,
		tracer:         set.tracer,
	}

	if s.stats == nil && s.logVectorBytes > 0 {
		s.stats = NewSizeStats(s.logVectorBytes)
	}

	var poolOpts []pool.Option
	if opts.PoolSize > 0 {
		poolOpts = append(poolOpts, pool.WithMax(opts.PoolSize))
	}

	s.maps = pool.New(s.newMap, destroyMap,
		append(poolOpts, pool.WithObserver(s.observePool(poolMap)))...)
	s.images = pool.New(s.newImage, destroyImage,
		append(poolOpts, pool.WithObserver(s.observePool(poolImage)))...)

	s.getTile = s.dispatch
	if limit := opts.Limits.Render; limit > 0 {
		timeoutErr := &deadline.Error{Message: "Render timed out", Limit: limit}
		dispatch := s.dispatch
		s.getTile = func(ctx context.Context, z, x, y int) (*Tile, error) {
			return deadline.Do(ctx, limit, timeoutErr, func(ctx context.Context) (*Tile, error) {
				return dispatch(ctx, z, x, y)
			})
		}
	}

	closeTimeout := opts.closeTimeout()
	s.close = deadline.WrapErr(s.drain, closeTimeout, &deadline.Error{
		Message: fmt.Sprintf("Source resource pool drain timed out after %s", closeTimeout),
		Limit:   closeTimeout,
	})

	s.logger.Debug("source created",
		"source", s.name,
		"base", s.base,
		"gzip", s.gzip,
		"blank", s.blank,
		"buffer_size", s.bufferSize,
		"render_limit", opts.Limits.Render,
	)

	return s, nil
}

func (s *Source) newMap(ctx context.Context) (engine.Map, error) {
	m, err := s.engine.NewMap(s.style, engine.MapOptions{
		Size:       mapTileSize,
		BufferSize: s.bufferSize,
		Base:       s.base,
		Strict:     false,
	})
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}
	return m, nil
}

func destroyMap(m engine.Map) error {
	return m.Close()
}

func (s *Source) newImage(ctx context.Context) (engine.Image, error) {
	img, err := s.engine.NewImage(rasterTileSize, rasterTileSize)
	if err != nil {
		return nil, &RenderError{Err: fmt.Errorf("failed to create image: %w", err)}
	}
	return img, nil
}

func destroyImage(img engine.Image) error {
	return img.Close()
}

func (s *Source) observePool(name string) func(pool.Stats) {
	return func(st pool.Stats) {
		s.metrics.ObservePool(s.name, name, st.Free, st.InUse)
	}
}

// GetTile renders tile (z, x, y). A *SizeExceededError comes back together
// with the oversized tile.
func (s *Source) GetTile(ctx context.Context, z, x, y int) (*Tile, error) {
	if s == nil || s.maps == nil {
		return nil, ErrNotLoaded
	}

	ctx, span := s.tracer.Start(ctx, "bridge.GetTile",
		trace.WithAttributes(telemetry.TileAttributes(s.name, z, x, y)...))

	start := time.Now()
	tile, err := s.getTile(ctx, z, x, y)
	latency := time.Since(start)

	var kind string
	if meta, ok := s.meta.peek(); ok {
		kind = string(meta.Kind)
		span.SetAttributes(attribute.String("tile.kind", kind))
	}

	status := "ok"
	switch {
	case err == nil:
		s.logger.Debug("tile rendered", "source", s.name, "z", z, "x", x, "y", y, "kind", kind,
			"size", len(tile.Data), "latency", latency)
	case errors.Is(err, deadline.ErrTimeout):
		status = "timeout"
		s.metrics.ObserveTimeout(s.name)
		s.logger.Warn("render timed out", "source", s.name, "z", z, "x", x, "y", y, "latency", latency)
	case errors.Is(err, ErrSizeExceeded):
		status = "oversize"
		s.logger.Warn("tile size exceeded", "source", s.name, "z", z, "x", x, "y", y, "error", err)
	default:
		status = "error"
		s.logger.Error("failed to render tile", "source", s.name, "z", z, "x", x, "y", y, "error", err)
	}
	s.metrics.ObserveTile(s.name, kind, status, latency)
	telemetry.EndSpan(span, err)

	return tile, err
}

func (s *Source) dispatch(ctx context.Context, z, x, y int) (*Tile, error) {
	m, err := s.maps.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.release(poolMap, func() error { return s.maps.Release(m) })

	meta := s.meta.resolve(m)

	if meta.Kind == engine.KindRaster {
		img, err := s.images.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer s.release(poolImage, func() error { return s.images.Release(img) })

		return s.renderRaster(ctx, m, img, meta, z, x, y)
	}

	return s.renderVector(ctx, m, meta, z, x, y)
}

func (s *Source) release(name string, fn func() error) {
	if err := fn(); err != nil {
		s.logger.Error("failed to release handle", "source", s.name, "pool", name, "error", err)
	}
}

// Metadata returns the source metadata, acquiring a map handle to derive
// it if no tile has been rendered yet.
func (s *Source) Metadata(ctx context.Context) (Metadata, error) {
	if s == nil || s.maps == nil {
		return Metadata{}, ErrNotLoaded
	}
	if meta, ok := s.meta.peek(); ok {
		return meta, nil
	}

	m, err := s.maps.Acquire(ctx)
	if err != nil {
		return Metadata{}, err
	}
	defer s.release(poolMap, func() error { return s.maps.Release(m) })

	return s.meta.resolve(m), nil
}

func (s *Source) PoolStats() PoolStats {
	if s == nil || s.maps == nil {
		return PoolStats{}
	}
	return PoolStats{
		Map:   s.maps.Stats(),
		Image: s.images.Stats(),
	}
}

func (s *Source) Name() string {
	return s.name
}

// Close drains both pools. If a handle is still checked out when the close
// timeout passes, Close reports a timeout while the drain carries on in the
// background; treat that as shutdown not confirmed.
func (s *Source) Close(ctx context.Context) error {
	if s == nil || s.maps == nil {
		return ErrNotLoaded
	}
	return s.close(ctx)
}

func (s *Source) drain(ctx context.Context) error {
	s.logger.Debug("draining source pools", "source", s.name)

	err := errors.Join(s.maps.Drain(), s.images.Drain())
	s.stats.Flush(s.logger)

	if err != nil {
		s.logger.Error("failed to destroy handles", "source", s.name, "error", err)
		return err
	}

	s.logger.Debug("source closed", "source", s.name)
	return nil
}
