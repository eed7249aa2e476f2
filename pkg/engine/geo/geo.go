// Package geo is a rendering engine for HCL style documents backed by
// GeoJSON and raster datasources. Vector tiles are encoded as Mapbox vector
// tiles; raster tiles are drawn on a gg canvas.
package geo

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gogpu/gg"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/engine"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/logger"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

var errUnknownDatasource = errors.New("unknown datasource type")

type Engine struct {
	logger logger.Logger
}

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{logger: logger.NewNop()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewMap parses style and loads every datasource it names. In strict mode a
// layer with an unknown datasource type fails the map; otherwise the layer
// is skipped.
func (e *Engine) NewMap(style string, opts engine.MapOptions) (engine.Map, error) {
	s, err := ParseStyle(style, opts.Base)
	if err != nil {
		return nil, err
	}

	m := &Map{
		logger:     e.logger,
		params:     make(map[string]string),
		width:      opts.Size,
		height:     opts.Size,
		bufferSize: opts.BufferSize,
		extent:     worldMercator(),
	}

	if s.Map != nil {
		if s.Map.MaxZoom != nil {
			m.params[engine.ParamMaxZoom] = strconv.Itoa(*s.Map.MaxZoom)
		}
		if s.Map.ThreadingMode != "" {
			m.params[engine.ParamThreadingMode] = s.Map.ThreadingMode
		}
		if s.Map.Background != "" {
			m.params["background"] = s.Map.Background
			m.background = s.Map.Background
		}
	}

	for _, b := range s.Layers {
		l, err := loadLayer(b, opts.Base)
		if err != nil {
			if errors.Is(err, errUnknownDatasource) && !opts.Strict {
				e.logger.Warn("skipping layer", "layer", b.Name, "error", err)
				continue
			}
			return nil, err
		}
		m.layers = append(m.layers, l)
	}

	e.logger.Debug("map created", "layers", len(m.layers), "buffer_size", m.bufferSize)

	return m, nil
}

func (e *Engine) NewImage(width, height int) (engine.Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	return &Image{dc: gg.NewContext(width, height)}, nil
}

// NewVectorTile fails when (x, y) does not exist at zoom z. bufferSize is in
// tile coordinates, where a tile spans 4096 units.
func (e *Engine) NewVectorTile(z, x, y int, opts engine.VectorTileOptions) (engine.VectorTile, error) {
	if err := engine.ValidateTile(z, x, y); err != nil {
		return nil, err
	}
	return &VectorTile{
		tile:       maptile.New(uint32(x), uint32(y), maptile.Zoom(z)),
		bufferSize: opts.BufferSize,
	}, nil
}

type Map struct {
	logger     logger.Logger
	params     map[string]string
	layers     []*layer
	background string

	width      int
	height     int
	bufferSize int
	extent     orb.Bound
	closed     bool
}

func (m *Map) Parameters() map[string]string {
	return m.params
}

func (m *Map) Layers() []engine.Layer {
	layers := make([]engine.Layer, 0, len(m.layers))
	for _, l := range m.layers {
		layers = append(layers, engine.Layer{Name: l.name, DatasourceKind: l.kind})
	}
	return layers
}

func (m *Map) BufferSize() int {
	return m.bufferSize
}

func (m *Map) SetBufferSize(size int) {
	m.bufferSize = size
}

func (m *Map) Resize(width, height int) {
	m.width = width
	m.height = height
}

func (m *Map) Size() (int, int) {
	return m.width, m.height
}

func (m *Map) Extent() orb.Bound {
	return m.extent
}

func (m *Map) SetExtent(extent orb.Bound) {
	m.extent = extent
}

func (m *Map) Close() error {
	if m.closed {
		return errors.New("map already closed")
	}
	m.closed = true
	m.layers = nil
	return nil
}

func worldMercator() orb.Bound {
	return engine.MercatorBound(0, 0, 0)
}

func zoomOf(vars map[string]any, fallback int) int {
	if z, ok := vars["zoom"].(int); ok {
		return z
	}
	return fallback
}
