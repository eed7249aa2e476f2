package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jaennil/guide_helper/backend/bridge/pkg/engine"
	"github.com/paulmach/orb"
)

type fakeEngine struct {
	params map[string]string
	layers []engine.Layer
	mapErr error

	empty   bool
	painted bool
	data    []byte

	solid bool
	pixel uint32

	renderErr error
	// gate blocks every render until closed
	gate chan struct{}

	mapsCreated   atomic.Int32
	mapsClosed    atomic.Int32
	imagesCreated atomic.Int32
	imagesClosed  atomic.Int32
	inspected     atomic.Int32
	concurrent    atomic.Int32
	overlap       atomic.Bool

	mu       sync.Mutex
	lastMap  *fakeMap
	lastOpts engine.RenderOptions
	lastTile *fakeVectorTile
	lastComp engine.Compression
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		params:  map[string]string{},
		layers:  []engine.Layer{{Name: "points", DatasourceKind: engine.KindVector}},
		painted: true,
		data:    []byte("vector-tile-payload"),
	}
}

func (e *fakeEngine) NewMap(style string, opts engine.MapOptions) (engine.Map, error) {
	if e.mapErr != nil {
		return nil, e.mapErr
	}
	e.mapsCreated.Add(1)
	return &fakeMap{engine: e, bufferSize: opts.BufferSize, width: opts.Size, height: opts.Size, base: opts.Base}, nil
}

func (e *fakeEngine) NewImage(width, height int) (engine.Image, error) {
	e.imagesCreated.Add(1)
	return &fakeImage{engine: e, width: width, height: height}, nil
}

func (e *fakeEngine) NewVectorTile(z, x, y int, opts engine.VectorTileOptions) (engine.VectorTile, error) {
	if err := engine.ValidateTile(z, x, y); err != nil {
		return nil, err
	}
	vt := &fakeVectorTile{engine: e, extent: engine.MercatorBound(z, x, y), bufferSize: opts.BufferSize}
	e.mu.Lock()
	e.lastTile = vt
	e.mu.Unlock()
	return vt, nil
}

func (e *fakeEngine) render(opts engine.RenderOptions) error {
	if e.concurrent.Add(1) > 1 {
		e.overlap.Store(true)
	}
	defer e.concurrent.Add(-1)

	if e.gate != nil {
		<-e.gate
	}

	e.mu.Lock()
	e.lastOpts = opts
	e.mu.Unlock()

	return e.renderErr
}

func (e *fakeEngine) options() engine.RenderOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastOpts
}

type fakeMap struct {
	engine     *fakeEngine
	bufferSize int
	width      int
	height     int
	base       string
	extent     orb.Bound
	busy       atomic.Bool
}

func (m *fakeMap) Parameters() map[string]string {
	m.engine.inspected.Add(1)
	return m.engine.params
}

func (m *fakeMap) Layers() []engine.Layer {
	return m.engine.layers
}

func (m *fakeMap) BufferSize() int            { return m.bufferSize }
func (m *fakeMap) SetBufferSize(size int)     { m.bufferSize = size }
func (m *fakeMap) Resize(width, height int)   { m.width, m.height = width, height }
func (m *fakeMap) Extent() orb.Bound          { return m.extent }
func (m *fakeMap) SetExtent(extent orb.Bound) { m.extent = extent }

func (m *fakeMap) RenderVector(ctx context.Context, tile engine.VectorTile, opts engine.RenderOptions) error {
	if !m.busy.CompareAndSwap(false, true) {
		return errors.New("map handle used concurrently")
	}
	defer m.busy.Store(false)

	m.engine.mu.Lock()
	m.engine.lastMap = m
	m.engine.mu.Unlock()

	return m.engine.render(opts)
}

func (m *fakeMap) RenderImage(ctx context.Context, img engine.Image, opts engine.RenderOptions) error {
	if !m.busy.CompareAndSwap(false, true) {
		return errors.New("map handle used concurrently")
	}
	defer m.busy.Store(false)

	m.engine.mu.Lock()
	m.engine.lastMap = m
	m.engine.mu.Unlock()

	return m.engine.render(opts)
}

func (m *fakeMap) Close() error {
	m.engine.mapsClosed.Add(1)
	return nil
}

type fakeVectorTile struct {
	engine     *fakeEngine
	extent     orb.Bound
	bufferSize int
}

func (t *fakeVectorTile) Extent() orb.Bound { return t.extent }
func (t *fakeVectorTile) Empty() bool       { return t.engine.empty }
func (t *fakeVectorTile) Painted() bool     { return t.engine.painted }

func (t *fakeVectorTile) Data(compression engine.Compression) ([]byte, error) {
	t.engine.mu.Lock()
	t.engine.lastComp = compression
	t.engine.mu.Unlock()
	return t.engine.data, nil
}

type fakeImage struct {
	engine  *fakeEngine
	width   int
	height  int
	cleared atomic.Int32
}

func (i *fakeImage) Clear() error {
	i.cleared.Add(1)
	return nil
}

func (i *fakeImage) IsSolid() bool         { return i.engine.solid }
func (i *fakeImage) Pixel(x, y int) uint32 { return i.engine.pixel }

func (i *fakeImage) Encode(format string) ([]byte, error) {
	if format != "webp" {
		return nil, engine.ErrUnsupportedType
	}
	return []byte("RIFF....WEBP"), nil
}

func (i *fakeImage) Close() error {
	i.engine.imagesClosed.Add(1)
	return nil
}
