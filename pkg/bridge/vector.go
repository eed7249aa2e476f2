package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jaennil/guide_helper/backend/bridge/pkg/engine"
)

// vectorBufferMultiplier converts the map buffer, in image pixels, to
// vector tile coordinates.
const vectorBufferMultiplier = 16

func (s *Source) renderVector(ctx context.Context, m engine.Map, meta Metadata, z, x, y int) (*Tile, error) {
	vt, err := s.engine.NewVectorTile(z, x, y, engine.VectorTileOptions{
		BufferSize: vectorBufferMultiplier * m.BufferSize(),
	})
	if err != nil {
		return nil, &BoundsError{Z: z, X: x, Y: y, Err: err}
	}

	extent := vt.Extent()
	m.SetExtent(extent)

	bbox, err := json.Marshal([]float64{extent.Min[0], extent.Min[1], extent.Max[0], extent.Max[1]})
	if err != nil {
		return nil, &RenderError{Err: fmt.Errorf("failed to encode bbox: %w", err)}
	}

	opts := engine.RenderOptions{
		// geometries arrive simplified from the datasource
		SimplifyDistance: 0,
		StrictlySimple:   true,
		ThreadingMode:    meta.ThreadingMode,
		Variables: map[string]any{
			"zoom_level": z,
			"zoom":       z,
			"x":          x,
			"y":          y,
			"bbox":       string(bbox),
		},
	}

	if err := m.RenderVector(ctx, vt, opts); err != nil {
		return nil, &RenderError{Err: err}
	}

	tile := &Tile{
		Kind:         engine.KindVector,
		ContentType:  ContentTypeProtobuf,
		ContainsData: vt.Painted(),
	}

	if vt.Empty() {
		tile.Data = []byte{}
		return tile, nil
	}

	compression := engine.CompressionNone
	if s.gzip {
		compression = engine.CompressionGzip
	}

	data, err := vt.Data(compression)
	if err != nil {
		return nil, &RenderError{Err: fmt.Errorf("failed to encode vector tile: %w", err)}
	}

	tile.Data = data
	if s.gzip {
		tile.ContentEncoding = "gzip"
	}

	return tile, s.checkVectorSize(len(data))
}

// checkVectorSize applies the hard cap first; the logging threshold only
// counts tiles and never fails the request.
func (s *Source) checkVectorSize(size int) error {
	if s.maxVectorBytes > 0 && size > s.maxVectorBytes {
		return &SizeExceededError{Size: size, Limit: s.maxVectorBytes}
	}

	if s.logVectorBytes > 0 && size > s.logVectorBytes {
		s.stats.Observe(size)
		s.metrics.ObserveOversize(s.name, size, s.stats.Snapshot().Max)
	}

	return nil
}
