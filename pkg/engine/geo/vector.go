package geo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jaennil/guide_helper/backend/bridge/pkg/engine"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/project"
	"github.com/paulmach/orb/simplify"
	"golang.org/x/sync/errgroup"
)

var errNotRendered = errors.New("vector tile has not been rendered")

type VectorTile struct {
	tile       maptile.Tile
	bufferSize int

	layers   mvt.Layers
	painted  bool
	rendered bool
}

func (t *VectorTile) Extent() orb.Bound {
	return project.Bound(t.tile.Bound(), project.WGS84.ToMercator)
}

func (t *VectorTile) Empty() bool {
	for _, l := range t.layers {
		if len(l.Features) > 0 {
			return false
		}
	}
	return true
}

// Painted reports whether any layer had features in the buffered tile area
// before clipping.
func (t *VectorTile) Painted() bool {
	return t.painted
}

func (t *VectorTile) Data(compression engine.Compression) ([]byte, error) {
	if !t.rendered {
		return nil, errNotRendered
	}

	switch compression {
	case engine.CompressionGzip:
		return mvt.MarshalGzipped(t.layers)
	case engine.CompressionNone, "":
		return mvt.Marshal(t.layers)
	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}
}

// Layers exposes the encoded layers, mostly for inspection in tests.
func (t *VectorTile) Layers() mvt.Layers {
	return t.layers
}

func (m *Map) RenderVector(ctx context.Context, target engine.VectorTile, opts engine.RenderOptions) error {
	vt, ok := target.(*VectorTile)
	if !ok {
		return engine.ErrUnsupportedType
	}
	if m.closed {
		return errors.New("map is closed")
	}

	zoom := zoomOf(opts.Variables, int(vt.tile.Z))

	var active []*layer
	for _, l := range m.layers {
		if l.kind == engine.KindVector && l.visible(zoom) {
			active = append(active, l)
		}
	}

	buffer := float64(vt.bufferSize)
	query := vt.tile.Bound()
	query = query.Pad((query.Max[0] - query.Min[0]) * buffer / mvt.DefaultExtent)

	results := make([]*mvt.Layer, len(active))
	build := func(i int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		fc := active[i].query(query)
		if len(fc.Features) > 0 {
			results[i] = mvt.NewLayer(active[i].name, fc)
		}
		return nil
	}

	if opts.ThreadingMode == engine.ThreadingDeferred {
		for i := range active {
			if err := build(i); err != nil {
				return err
			}
		}
	} else {
		g, _ := errgroup.WithContext(ctx)
		for i := range active {
			g.Go(func() error {
				return build(i)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	layers := make(mvt.Layers, 0, len(results))
	for _, l := range results {
		if l != nil {
			layers = append(layers, l)
		}
	}
	vt.painted = len(layers) > 0

	layers.ProjectToTile(vt.tile)
	layers.Clip(orb.Bound{
		Min: orb.Point{-buffer, -buffer},
		Max: orb.Point{mvt.DefaultExtent + buffer, mvt.DefaultExtent + buffer},
	})
	if opts.SimplifyDistance > 0 {
		layers.Simplify(simplify.DouglasPeucker(opts.SimplifyDistance))
	}
	if opts.StrictlySimple {
		// drop geometries that degenerate at tile resolution
		layers.RemoveEmpty(1, 1)
	} else {
		layers.RemoveEmpty(0, 0)
	}

	vt.layers = layers
	vt.rendered = true

	return nil
}
