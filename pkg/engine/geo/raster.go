package geo

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/chai2010/webp"
	"github.com/gogpu/gg"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/engine"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

const (
	defaultFill   = "#4a90d9"
	defaultStroke = "#333333"
)

// Image is a reusable RGBA canvas.
type Image struct {
	dc *gg.Context
}

func (i *Image) Clear() error {
	i.dc.ClearPath()
	i.dc.Clear()
	return nil
}

func (i *Image) pixels() []uint8 {
	_ = i.dc.FlushGPU()
	return i.dc.ResizeTarget().Data()
}

func (i *Image) IsSolid() bool {
	data := i.pixels()
	if len(data) < 4 {
		return true
	}
	for p := 4; p < len(data); p += 4 {
		if data[p] != data[0] || data[p+1] != data[1] || data[p+2] != data[2] || data[p+3] != data[3] {
			return false
		}
	}
	return true
}

func (i *Image) Pixel(x, y int) uint32 {
	if x < 0 || y < 0 || x >= i.dc.Width() || y >= i.dc.Height() {
		return 0
	}
	data := i.pixels()
	p := (y*i.dc.Width() + x) * 4
	return uint32(data[p]) | uint32(data[p+1])<<8 | uint32(data[p+2])<<16 | uint32(data[p+3])<<24
}

// Encode supports "webp" (lossless) and "png".
func (i *Image) Encode(format string) ([]byte, error) {
	_ = i.dc.FlushGPU()

	var buf bytes.Buffer
	switch format {
	case "webp":
		if err := webp.Encode(&buf, i.dc.Image(), &webp.Options{Lossless: true}); err != nil {
			return nil, fmt.Errorf("failed to encode webp: %w", err)
		}
	case "png":
		if err := i.dc.EncodePNG(&buf); err != nil {
			return nil, fmt.Errorf("failed to encode png: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: image format %q", engine.ErrUnsupportedType, format)
	}
	return buf.Bytes(), nil
}

func (i *Image) Close() error {
	return i.dc.Close()
}

// RenderImage draws every layer visible at the requested zoom, in style
// order, over the map extent.
func (m *Map) RenderImage(ctx context.Context, target engine.Image, opts engine.RenderOptions) error {
	img, ok := target.(*Image)
	if !ok {
		return engine.ErrUnsupportedType
	}
	if m.closed {
		return errors.New("map is closed")
	}

	dc := img.dc
	zoom := zoomOf(opts.Variables, 0)

	if m.background != "" {
		dc.ClearWithColor(gg.Hex(m.background))
	}

	for _, l := range m.layers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !l.visible(zoom) {
			continue
		}

		switch {
		case l.kind == engine.KindRaster && l.color != "":
			dc.ClearWithColor(gg.Hex(l.color))
		case l.kind == engine.KindRaster:
			m.drawRaster(dc, l)
		default:
			if err := m.drawFeatures(dc, l); err != nil {
				return fmt.Errorf("layer %q: %w", l.name, err)
			}
		}
	}

	return dc.FlushGPU()
}

func (m *Map) drawRaster(dc *gg.Context, l *layer) {
	x0, y0 := engine.LonLatToPixel(l.bounds.Min, m.extent, dc.Width(), dc.Height())
	x1, y1 := engine.LonLatToPixel(l.bounds.Max, m.extent, dc.Width(), dc.Height())

	// max latitude maps to the top row
	dc.DrawImageEx(l.image, gg.DrawImageOptions{
		X:         x0,
		Y:         y1,
		DstWidth:  x1 - x0,
		DstHeight: y0 - y1,
	})
}

func (m *Map) drawFeatures(dc *gg.Context, l *layer) error {
	fc := l.query(project.Bound(m.extent, project.Mercator.ToWGS84))

	for _, f := range fc.Features {
		if err := m.drawGeometry(dc, l, f.Geometry); err != nil {
			return err
		}
	}
	return nil
}

func (m *Map) drawGeometry(dc *gg.Context, l *layer, g orb.Geometry) error {
	switch g := g.(type) {
	case orb.Point:
		x, y := m.pixel(dc, g)
		dc.DrawCircle(x, y, l.lineWidth*2)
		return m.paint(dc, l, true)
	case orb.MultiPoint:
		for _, p := range g {
			if err := m.drawGeometry(dc, l, p); err != nil {
				return err
			}
		}
	case orb.LineString:
		m.path(dc, g, false)
		return m.paint(dc, l, false)
	case orb.MultiLineString:
		for _, ls := range g {
			m.path(dc, ls, false)
		}
		return m.paint(dc, l, false)
	case orb.Ring:
		m.path(dc, orb.LineString(g), true)
		return m.paint(dc, l, true)
	case orb.Polygon:
		for _, r := range g {
			m.path(dc, orb.LineString(r), true)
		}
		return m.paint(dc, l, true)
	case orb.MultiPolygon:
		for _, p := range g {
			for _, r := range p {
				m.path(dc, orb.LineString(r), true)
			}
		}
		return m.paint(dc, l, true)
	case orb.Collection:
		for _, c := range g {
			if err := m.drawGeometry(dc, l, c); err != nil {
				return err
			}
		}
	case orb.Bound:
		return m.drawGeometry(dc, l, g.ToPolygon())
	}
	return nil
}

func (m *Map) pixel(dc *gg.Context, p orb.Point) (float64, float64) {
	return engine.LonLatToPixel(p, m.extent, dc.Width(), dc.Height())
}

func (m *Map) path(dc *gg.Context, ls orb.LineString, closed bool) {
	for i, p := range ls {
		x, y := m.pixel(dc, p)
		if i == 0 {
			dc.MoveTo(x, y)
			continue
		}
		dc.LineTo(x, y)
	}
	if closed {
		dc.ClosePath()
	}
}

// paint fills areas and strokes lines with the layer colours, then clears
// the path.
func (m *Map) paint(dc *gg.Context, l *layer, area bool) error {
	if !area {
		dc.SetHexColor(orDefault(l.stroke, defaultStroke))
		dc.SetLineWidth(l.lineWidth)
		return dc.Stroke()
	}

	dc.SetFillRule(gg.FillRuleEvenOdd)
	dc.SetHexColor(orDefault(l.fill, defaultFill))
	if l.stroke == "" {
		return dc.Fill()
	}
	if err := dc.FillPreserve(); err != nil {
		return err
	}
	dc.SetHexColor(l.stroke)
	dc.SetLineWidth(l.lineWidth)
	return dc.Stroke()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
