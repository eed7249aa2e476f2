package geo

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/gogpu/gg"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/engine"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	_ "golang.org/x/image/webp"
)

// worldBound is the lon/lat extent covered by spherical mercator.
var worldBound = orb.Bound{
	Min: orb.Point{-180, -85.0511287798},
	Max: orb.Point{180, 85.0511287798},
}

type layer struct {
	name    string
	kind    engine.Kind
	minZoom int
	maxZoom int

	fill      string
	stroke    string
	lineWidth float64

	features *geojson.FeatureCollection

	color  string
	image  *gg.ImageBuf
	bounds orb.Bound
}

func (l *layer) visible(zoom int) bool {
	return zoom >= l.minZoom && zoom <= l.maxZoom
}

func loadLayer(b *LayerBlock, base string) (*layer, error) {
	l := &layer{
		name:      b.Name,
		minZoom:   0,
		maxZoom:   engine.MaxZoom,
		fill:      b.Fill,
		stroke:    b.Stroke,
		lineWidth: b.LineWidth,
		bounds:    worldBound,
	}
	if b.MinZoom != nil {
		l.minZoom = *b.MinZoom
	}
	if b.MaxZoom != nil {
		l.maxZoom = *b.MaxZoom
	}
	if l.lineWidth <= 0 {
		l.lineWidth = 1
	}

	ds := b.Datasource
	if ds.Bounds != nil {
		l.bounds = orb.Bound{
			Min: orb.Point{ds.Bounds[0], ds.Bounds[1]},
			Max: orb.Point{ds.Bounds[2], ds.Bounds[3]},
		}
	}

	switch ds.Type {
	case DatasourceGeoJSON:
		l.kind = engine.KindVector
		fc, err := loadFeatures(ds, base)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", b.Name, err)
		}
		l.features = fc
	case DatasourceRaster:
		l.kind = engine.KindRaster
		if ds.Color != "" {
			l.color = ds.Color
			break
		}
		img, err := loadImage(resolve(base, ds.File))
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", b.Name, err)
		}
		l.image = gg.ImageBufFromImage(img)
	default:
		return nil, fmt.Errorf("layer %q: %w: %q", b.Name, errUnknownDatasource, ds.Type)
	}

	return l, nil
}

func loadFeatures(ds *DatasourceBlock, base string) (*geojson.FeatureCollection, error) {
	var data []byte
	switch {
	case ds.Inline != "":
		data = []byte(ds.Inline)
	case ds.File != "":
		b, err := os.ReadFile(resolve(base, ds.File))
		if err != nil {
			return nil, fmt.Errorf("failed to read datasource: %w", err)
		}
		data = b
	default:
		return nil, fmt.Errorf("geojson datasource needs file or inline")
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse geojson: %w", err)
	}
	return fc, nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open raster: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode raster %s: %w", path, err)
	}
	return img, nil
}

// query returns deep copies of the features intersecting bound. Rendering
// projects geometries in place, so shared features must never be handed out.
func (l *layer) query(bound orb.Bound) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	if l.features == nil {
		return fc
	}

	for _, f := range l.features.Features {
		if f.Geometry == nil || !f.Geometry.Bound().Intersects(bound) {
			continue
		}
		nf := geojson.NewFeature(orb.Clone(f.Geometry))
		nf.ID = f.ID
		nf.Properties = f.Properties.Clone()
		fc.Append(nf)
	}
	return fc
}
