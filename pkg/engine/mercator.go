package engine

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/project"
)

const MaxZoom = 30

// ValidateTile reports whether (z, x, y) addresses an existing tile.
func ValidateTile(z, x, y int) error {
	if z < 0 || z > MaxZoom {
		return fmt.Errorf("zoom %d is out of range", z)
	}
	n := 1 << uint(z)
	if x < 0 || x >= n {
		return ErrXOutOfRange
	}
	if y < 0 || y >= n {
		return ErrYOutOfRange
	}
	return nil
}

// MercatorBound returns the spherical-mercator bounding box of a tile.
func MercatorBound(z, x, y int) orb.Bound {
	t := maptile.New(uint32(x), uint32(y), maptile.Zoom(z))
	return project.Bound(t.Bound(), project.WGS84.ToMercator)
}

// LonLatToPixel projects a WGS84 point onto a width x height canvas that
// covers extent, given in spherical-mercator meters.
func LonLatToPixel(p orb.Point, extent orb.Bound, width, height int) (float64, float64) {
	m := project.WGS84.ToMercator(p)
	px := (m[0] - extent.Min[0]) / (extent.Max[0] - extent.Min[0]) * float64(width)
	py := (extent.Max[1] - m[1]) / (extent.Max[1] - extent.Min[1]) * float64(height)
	return px, py
}
