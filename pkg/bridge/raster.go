package bridge

import (
	"context"
	"fmt"

	"github.com/jaennil/guide_helper/backend/bridge/pkg/engine"
)

const (
	rasterTileSize = 512
	rasterFormat   = "webp"
)

func (s *Source) renderRaster(ctx context.Context, m engine.Map, img engine.Image, meta Metadata, z, x, y int) (*Tile, error) {
	if err := engine.ValidateTile(z, x, y); err != nil {
		return nil, &BoundsError{Z: z, X: x, Y: y, Err: err}
	}

	m.SetBufferSize(0)
	m.Resize(rasterTileSize, rasterTileSize)
	m.SetExtent(engine.MercatorBound(z, x, y))

	if err := img.Clear(); err != nil {
		return nil, &RenderError{Err: fmt.Errorf("failed to clear image: %w", err)}
	}

	opts := engine.RenderOptions{
		ThreadingMode: meta.ThreadingMode,
		Variables: map[string]any{
			"zoom": z,
			"x":    x,
			"y":    y,
		},
	}
	if err := m.RenderImage(ctx, img, opts); err != nil {
		return nil, &RenderError{Err: err}
	}

	tile := &Tile{Kind: engine.KindRaster}

	if img.IsSolid() {
		if s.blank {
			tile.Data = []byte{}
			return tile, nil
		}
		tile.Solid = SolidKey(img.Pixel(0, 0))
	}

	data, err := img.Encode(rasterFormat)
	if err != nil {
		return nil, &RenderError{Err: fmt.Errorf("failed to encode image: %w", err)}
	}

	tile.Data = data
	tile.ContentType = ContentTypeWebP

	return tile, nil
}

// SolidKey formats a packed pixel as "r,g,b,a".
func SolidKey(pixel uint32) string {
	r := pixel & 0xff
	g := (pixel >> 8) & 0xff
	b := (pixel >> 16) & 0xff
	a := (pixel >> 24) & 0xff
	return fmt.Sprintf("%d,%d,%d,%d", r, g, b, a)
}
