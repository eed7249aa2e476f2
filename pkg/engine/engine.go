// Package engine declares what the bridge needs from a rendering engine.
// Handles returned by an Engine are stateful and not safe for concurrent
// use; the bridge guarantees one in-flight render per handle.
package engine

import (
	"context"
	"errors"

	"github.com/paulmach/orb"
)

type ThreadingMode int

const (
	ThreadingAsync    ThreadingMode = 1
	ThreadingDeferred ThreadingMode = 2
	ThreadingAuto     ThreadingMode = 3
)

func (m ThreadingMode) String() string {
	switch m {
	case ThreadingAsync:
		return "async"
	case ThreadingAuto:
		return "auto"
	default:
		return "deferred"
	}
}

// ParseThreadingMode maps "auto" and "async" to their modes and anything
// else to ThreadingDeferred.
func ParseThreadingMode(s string) ThreadingMode {
	switch s {
	case "auto":
		return ThreadingAuto
	case "async":
		return ThreadingAsync
	default:
		return ThreadingDeferred
	}
}

type Kind string

const (
	KindVector Kind = "vector"
	KindRaster Kind = "raster"
)

type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
)

// Parameter keys read from Map.Parameters.
const (
	ParamMaxZoom       = "maxzoom"
	ParamThreadingMode = "threading_mode"
)

var (
	ErrXOutOfRange     = errors.New("required parameter x is out of range of possible values based on z value")
	ErrYOutOfRange     = errors.New("required parameter y is out of range of possible values based on z value")
	ErrUnsupportedType = errors.New("unsupported render target")
)

type MapOptions struct {
	// Size is the nominal tile size in pixels.
	Size       int
	BufferSize int
	// Base is the directory relative datasource paths resolve against.
	Base   string
	Strict bool
}

type Layer struct {
	Name           string
	DatasourceKind Kind
}

type VectorTileOptions struct {
	BufferSize int
}

type RenderOptions struct {
	SimplifyDistance float64
	StrictlySimple   bool
	ThreadingMode    ThreadingMode
	Variables        map[string]any
}

type Engine interface {
	NewMap(style string, opts MapOptions) (Map, error)
	NewImage(width, height int) (Image, error)
	NewVectorTile(z, x, y int, opts VectorTileOptions) (VectorTile, error)
}

type Map interface {
	Parameters() map[string]string
	Layers() []Layer
	BufferSize() int
	SetBufferSize(size int)
	Resize(width, height int)
	Extent() orb.Bound
	SetExtent(extent orb.Bound)
	RenderVector(ctx context.Context, tile VectorTile, opts RenderOptions) error
	RenderImage(ctx context.Context, img Image, opts RenderOptions) error
	Close() error
}

type VectorTile interface {
	Extent() orb.Bound
	Empty() bool
	Painted() bool
	Data(compression Compression) ([]byte, error)
}

type Image interface {
	Clear() error
	IsSolid() bool
	// Pixel returns the packed pixel at (x, y): red in bits 0-7, green 8-15,
	// blue 16-23 and alpha 24-31.
	Pixel(x, y int) uint32
	Encode(format string) ([]byte, error)
	Close() error
}
