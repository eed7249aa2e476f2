package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jaennil/guide_helper/backend/bridge/pkg/deadline"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/engine"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/metrics"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/pool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const testStyle = `map { maxzoom = 12 }`

func newTestSource(t *testing.T, eng *fakeEngine, opts Options, options ...Option) *Source {
	t.Helper()

	if opts.Style == "" {
		opts.Style = testStyle
	}
	if opts.Name == "" {
		opts.Name = "test"
	}

	s, err := New(opts, eng, options...)
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestNewRequiresStyle(t *testing.T) {
	_, err := New(Options{}, newFakeEngine())
	if !errors.Is(err, ErrNoStyle) {
		t.Fatalf("err = %v, want ErrNoStyle", err)
	}

	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %T, want *ConfigurationError", err)
	}
}

func TestNewRejectsNegativeLimits(t *testing.T) {
	_, err := New(Options{Style: testStyle, PoolSize: -1}, newFakeEngine())

	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *ConfigurationError", err)
	}
}

func TestNilSourceNotLoaded(t *testing.T) {
	var s *Source

	if _, err := s.GetTile(context.Background(), 0, 0, 0); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("GetTile err = %v", err)
	}
	if err := s.Close(context.Background()); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("Close err = %v", err)
	}
	if st := s.PoolStats(); st != (PoolStats{}) {
		t.Fatalf("PoolStats = %+v", st)
	}

	var zero Source
	if st := zero.PoolStats(); st != (PoolStats{}) {
		t.Fatalf("zero source PoolStats = %+v", st)
	}
}

func TestGetTileVector(t *testing.T) {
	eng := newFakeEngine()
	s := newTestSource(t, eng, Options{})

	tile, err := s.GetTile(context.Background(), 2, 1, 3)
	if err != nil {
		t.Fatalf("GetTile: %v", err)
	}

	if string(tile.Data) != "vector-tile-payload" {
		t.Fatalf("data = %q", tile.Data)
	}

	h := tile.Headers()
	if got := h.Get("Content-Type"); got != ContentTypeProtobuf {
		t.Errorf("Content-Type = %q", got)
	}
	if got := h.Get("Content-Encoding"); got != "gzip" {
		t.Errorf("Content-Encoding = %q", got)
	}
	if got := h.Get(HeaderContainsData); got != "true" {
		t.Errorf("%s = %q", HeaderContainsData, got)
	}

	if eng.lastComp != engine.CompressionGzip {
		t.Errorf("compression = %q", eng.lastComp)
	}
	if eng.lastTile.bufferSize != 16*DefaultBufferSize {
		t.Errorf("vector tile buffer = %d, want %d", eng.lastTile.bufferSize, 16*DefaultBufferSize)
	}
	if eng.lastMap.extent != eng.lastTile.extent {
		t.Errorf("map extent %v does not follow tile extent %v", eng.lastMap.extent, eng.lastTile.extent)
	}

	opts := eng.options()
	if opts.SimplifyDistance != 0 || !opts.StrictlySimple {
		t.Errorf("unexpected render options %+v", opts)
	}
	if opts.ThreadingMode != engine.ThreadingDeferred {
		t.Errorf("threading mode = %v", opts.ThreadingMode)
	}
	for key, want := range map[string]int{"zoom_level": 2, "zoom": 2, "x": 1, "y": 3} {
		if got := opts.Variables[key]; got != want {
			t.Errorf("variable %s = %v, want %d", key, got, want)
		}
	}

	var bbox []float64
	if err := json.Unmarshal([]byte(opts.Variables["bbox"].(string)), &bbox); err != nil || len(bbox) != 4 {
		t.Fatalf("bbox = %v (%v)", opts.Variables["bbox"], err)
	}

	stats := s.PoolStats()
	if stats.Map.Size != 1 || stats.Map.InUse != 0 {
		t.Errorf("map pool %+v", stats.Map)
	}
	if stats.Image.Size != 0 {
		t.Errorf("image pool %+v", stats.Image)
	}
}

func TestGetTileVectorUncompressed(t *testing.T) {
	eng := newFakeEngine()
	gzip := false
	s := newTestSource(t, eng, Options{Gzip: &gzip})

	tile, err := s.GetTile(context.Background(), 0, 0, 0)
	if err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	if tile.ContentEncoding != "" {
		t.Errorf("Content-Encoding = %q", tile.ContentEncoding)
	}
	if eng.lastComp != engine.CompressionNone {
		t.Errorf("compression = %q", eng.lastComp)
	}
}

func TestGetTileVectorEmpty(t *testing.T) {
	eng := newFakeEngine()
	eng.empty = true
	eng.painted = false
	s := newTestSource(t, eng, Options{})

	tile, err := s.GetTile(context.Background(), 1, 0, 0)
	if err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	if tile.Data == nil || len(tile.Data) != 0 {
		t.Fatalf("data = %v, want empty payload", tile.Data)
	}
	if got := tile.Headers().Get(HeaderContainsData); got != "false" {
		t.Fatalf("%s = %q", HeaderContainsData, got)
	}
	if tile.ContentEncoding != "" {
		t.Fatalf("empty tile should not be encoded, got %q", tile.ContentEncoding)
	}
}

func TestGetTileBufferSize(t *testing.T) {
	cases := []struct {
		name string
		size *int
		want int
	}{
		{"default", nil, 16 * 256},
		{"zero", intPtr(0), 0},
		{"custom", intPtr(64), 16 * 64},
		{"negative", intPtr(-5), 16 * 256},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			eng := newFakeEngine()
			s := newTestSource(t, eng, Options{BufferSize: c.size})

			if _, err := s.GetTile(context.Background(), 3, 2, 1); err != nil {
				t.Fatalf("GetTile: %v", err)
			}
			if eng.lastTile.bufferSize != c.want {
				t.Fatalf("buffer = %d, want %d", eng.lastTile.bufferSize, c.want)
			}
		})
	}
}

func intPtr(v int) *int {
	return &v
}

func TestGetTileOutOfRangeReleasesHandle(t *testing.T) {
	eng := newFakeEngine()
	s := newTestSource(t, eng, Options{PoolSize: 1})

	for i := 0; i < 3; i++ {
		_, err := s.GetTile(context.Background(), 0, 0, 1)
		if !errors.Is(err, engine.ErrYOutOfRange) {
			t.Fatalf("err = %v, want ErrYOutOfRange", err)
		}
		var boundsErr *BoundsError
		if !errors.As(err, &boundsErr) || boundsErr.Y != 1 {
			t.Fatalf("err = %#v, want *BoundsError", err)
		}
	}

	stats := s.PoolStats().Map
	if stats.Size != 1 || stats.InUse != 0 || stats.Free != 1 {
		t.Fatalf("map pool %+v", stats)
	}

	if _, err := s.GetTile(context.Background(), 0, 0, 0); err != nil {
		t.Fatalf("valid tile after errors: %v", err)
	}
}

func TestGetTileRenderErrorReleasesHandle(t *testing.T) {
	eng := newFakeEngine()
	eng.renderErr = errors.New("datasource unavailable")
	s := newTestSource(t, eng, Options{PoolSize: 1})

	_, err := s.GetTile(context.Background(), 0, 0, 0)
	var renderErr *RenderError
	if !errors.As(err, &renderErr) {
		t.Fatalf("err = %v, want *RenderError", err)
	}

	if stats := s.PoolStats().Map; stats.InUse != 0 || stats.Free != 1 {
		t.Fatalf("map pool %+v", stats)
	}
}

func TestGetTileInvalidStyle(t *testing.T) {
	eng := newFakeEngine()
	eng.mapErr = errors.New("unexpected token on line 1")
	s := newTestSource(t, eng, Options{})

	_, err := s.GetTile(context.Background(), 0, 0, 0)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *ConfigurationError", err)
	}
	if err.Error() != "unexpected token on line 1" {
		t.Fatalf("message = %q", err.Error())
	}

	if stats := s.PoolStats().Map; stats.Size != 0 || stats.Pending != 0 {
		t.Fatalf("map pool %+v", stats)
	}
}

func TestGetTileThreadingMode(t *testing.T) {
	eng := newFakeEngine()
	eng.params[engine.ParamThreadingMode] = "async"
	s := newTestSource(t, eng, Options{})

	if _, err := s.GetTile(context.Background(), 0, 0, 0); err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	if got := eng.options().ThreadingMode; got != engine.ThreadingAsync {
		t.Fatalf("threading mode = %v", got)
	}
}

func TestMetadataComputedOnce(t *testing.T) {
	eng := newFakeEngine()
	eng.params[engine.ParamMaxZoom] = "9"
	s := newTestSource(t, eng, Options{PoolSize: 4})

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.GetTile(context.Background(), 4, i, i); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("GetTile: %v", err)
	}

	if got := eng.inspected.Load(); got != 1 {
		t.Fatalf("parameters inspected %d times, want 1", got)
	}

	meta, err := s.Metadata(context.Background())
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.MaxZoom != 9 || meta.Kind != engine.KindVector {
		t.Fatalf("metadata = %+v", meta)
	}

	if stats := s.PoolStats().Map; stats.Size > 4 || stats.InUse != 0 {
		t.Fatalf("map pool %+v", stats)
	}
}

func TestMetadataDefaults(t *testing.T) {
	eng := newFakeEngine()
	eng.params[engine.ParamMaxZoom] = "not-a-number"
	s := newTestSource(t, eng, Options{})

	meta, err := s.Metadata(context.Background())
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.MaxZoom != DefaultMaxZoom || meta.ThreadingMode != engine.ThreadingDeferred {
		t.Fatalf("metadata = %+v", meta)
	}
	if stats := s.PoolStats().Map; stats.InUse != 0 {
		t.Fatalf("map pool %+v", stats)
	}
}

func TestMixedSourceIsRaster(t *testing.T) {
	eng := newFakeEngine()
	eng.layers = []engine.Layer{
		{Name: "roads", DatasourceKind: engine.KindVector},
		{Name: "imagery", DatasourceKind: engine.KindRaster},
	}
	s := newTestSource(t, eng, Options{})

	tile, err := s.GetTile(context.Background(), 1, 1, 1)
	if err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	if tile.Kind != engine.KindRaster {
		t.Fatalf("kind = %v, want raster", tile.Kind)
	}
}

func TestGetTileRaster(t *testing.T) {
	eng := newFakeEngine()
	eng.layers = []engine.Layer{{Name: "imagery", DatasourceKind: engine.KindRaster}}
	s := newTestSource(t, eng, Options{})

	tile, err := s.GetTile(context.Background(), 2, 1, 1)
	if err != nil {
		t.Fatalf("GetTile: %v", err)
	}

	if tile.ContentType != ContentTypeWebP || tile.Empty() {
		t.Fatalf("tile = %+v", tile)
	}
	if tile.Solid != "" {
		t.Fatalf("non-solid tile carries key %q", tile.Solid)
	}
	if tile.Headers().Get(HeaderContainsData) != "" {
		t.Fatal("raster tiles carry no contains-data header")
	}

	m := eng.lastMap
	if m.bufferSize != 0 || m.width != 512 || m.height != 512 {
		t.Fatalf("map not prepared for raster: buffer=%d size=%dx%d", m.bufferSize, m.width, m.height)
	}
	if m.extent != engine.MercatorBound(2, 1, 1) {
		t.Fatalf("extent = %v", m.extent)
	}

	stats := s.PoolStats()
	if stats.Map.InUse != 0 || stats.Image.InUse != 0 || stats.Image.Size != 1 {
		t.Fatalf("pools %+v", stats)
	}
}

func TestGetTileRasterSolid(t *testing.T) {
	cases := []struct {
		name     string
		blank    bool
		wantData bool
		wantKey  string
	}{
		{"blank", true, false, ""},
		{"keyed", false, true, "255,128,0,255"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			eng := newFakeEngine()
			eng.layers = []engine.Layer{{Name: "imagery", DatasourceKind: engine.KindRaster}}
			eng.solid = true
			eng.pixel = 0xff0080ff
			s := newTestSource(t, eng, Options{Blank: c.blank})

			tile, err := s.GetTile(context.Background(), 3, 3, 3)
			if err != nil {
				t.Fatalf("GetTile: %v", err)
			}
			if tile.Empty() == c.wantData {
				t.Fatalf("data length %d, want data %v", len(tile.Data), c.wantData)
			}
			if tile.Solid != c.wantKey {
				t.Fatalf("solid = %q, want %q", tile.Solid, c.wantKey)
			}
			if stats := s.PoolStats().Image; stats.InUse != 0 {
				t.Fatalf("image pool %+v", stats)
			}
		})
	}
}

func TestGetTileRasterOutOfRange(t *testing.T) {
	eng := newFakeEngine()
	eng.layers = []engine.Layer{{Name: "imagery", DatasourceKind: engine.KindRaster}}
	s := newTestSource(t, eng, Options{})

	_, err := s.GetTile(context.Background(), 1, 2, 0)
	if !errors.Is(err, engine.ErrXOutOfRange) {
		t.Fatalf("err = %v", err)
	}

	stats := s.PoolStats()
	if stats.Map.InUse != 0 || stats.Image.InUse != 0 {
		t.Fatalf("pools %+v", stats)
	}
}

func TestSolidKey(t *testing.T) {
	cases := map[uint32]string{
		0x00000000: "0,0,0,0",
		0xffffffff: "255,255,255,255",
		0x80010203: "3,2,1,128",
		0xff0000ff: "255,0,0,255",
	}
	for pixel, want := range cases {
		if got := SolidKey(pixel); got != want {
			t.Errorf("SolidKey(%#x) = %q, want %q", pixel, got, want)
		}
	}
}

func TestSizeExceededReturnsTile(t *testing.T) {
	eng := newFakeEngine()
	eng.data = make([]byte, 100)
	s := newTestSource(t, eng, Options{MaxVectorBytesCompressed: 10, LogVectorBytesCompressed: 5})

	tile, err := s.GetTile(context.Background(), 0, 0, 0)
	if !errors.Is(err, ErrSizeExceeded) {
		t.Fatalf("err = %v, want ErrSizeExceeded", err)
	}
	if tile == nil || len(tile.Data) != 100 {
		t.Fatal("oversized tile must be returned with the error")
	}

	var sizeErr *SizeExceededError
	if !errors.As(err, &sizeErr) || sizeErr.Size != 100 || sizeErr.Limit != 10 {
		t.Fatalf("err = %#v", err)
	}

	// the hard cap short-circuits the logging threshold
	if snap := s.stats.Snapshot(); snap.Count != 0 {
		t.Fatalf("stats = %+v", snap)
	}
}

func TestSizeStatsThreshold(t *testing.T) {
	eng := newFakeEngine()
	eng.data = make([]byte, 40)
	stats := NewSizeStats(30)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	s := newTestSource(t, eng, Options{LogVectorBytesCompressed: 30}, WithSizeStats(stats), WithMetrics(m))

	for i := 0; i < 2; i++ {
		if _, err := s.GetTile(context.Background(), 0, 0, 0); err != nil {
			t.Fatalf("GetTile: %v", err)
		}
	}

	snap := stats.Snapshot()
	if snap.Count != 2 || snap.Total != 80 || snap.Max != 40 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if got := testutil.ToFloat64(m.OversizeTiles.WithLabelValues("test")); got != 2 {
		t.Fatalf("oversize counter = %v", got)
	}

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if snap := stats.Snapshot(); snap.Count != 0 {
		t.Fatalf("stats not flushed on close: %+v", snap)
	}
}

func TestGetTileMetrics(t *testing.T) {
	eng := newFakeEngine()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := newTestSource(t, eng, Options{}, WithMetrics(m))

	if _, err := s.GetTile(context.Background(), 0, 0, 0); err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	if _, err := s.GetTile(context.Background(), 0, 5, 0); err == nil {
		t.Fatal("expected bounds error")
	}

	if got := testutil.ToFloat64(m.TileRequests.WithLabelValues("test", "vector", "ok")); got != 1 {
		t.Fatalf("ok requests = %v", got)
	}
	if got := testutil.ToFloat64(m.TileRequests.WithLabelValues("test", "vector", "error")); got != 1 {
		t.Fatalf("failed requests = %v", got)
	}
	if got := testutil.ToFloat64(m.PoolHandles.WithLabelValues("test", "map", "free")); got != 1 {
		t.Fatalf("free map handles = %v", got)
	}
}

func TestRenderTimeoutKeepsHandleUntilDone(t *testing.T) {
	eng := newFakeEngine()
	eng.gate = make(chan struct{})
	s := newTestSource(t, eng, Options{PoolSize: 1, Limits: Limits{Render: 20 * time.Millisecond}})

	start := time.Now()
	_, err := s.GetTile(context.Background(), 0, 0, 0)
	if !errors.Is(err, deadline.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if err.Error() != "Render timed out" {
		t.Fatalf("message = %q", err.Error())
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("caller waited %s", elapsed)
	}

	// the render is still running and owns its handle
	waitFor(t, func() bool { return s.PoolStats().Map.InUse == 1 })
	time.Sleep(20 * time.Millisecond)
	if stats := s.PoolStats().Map; stats.InUse != 1 {
		t.Fatalf("handle released before the render finished: %+v", stats)
	}

	close(eng.gate)
	waitFor(t, func() bool { return s.PoolStats().Map.InUse == 0 })

	if eng.overlap.Load() {
		t.Fatal("renders overlapped on a single handle")
	}
}

func TestRenderTimeoutExhaustsPool(t *testing.T) {
	eng := newFakeEngine()
	eng.gate = make(chan struct{})
	s := newTestSource(t, eng, Options{PoolSize: 1, Limits: Limits{Render: 10 * time.Millisecond}})

	for i := 0; i < 2; i++ {
		if _, err := s.GetTile(context.Background(), 0, 0, 0); !errors.Is(err, deadline.ErrTimeout) {
			t.Fatalf("request %d: err = %v", i, err)
		}
	}

	waitFor(t, func() bool { return s.PoolStats().Map.Waiting == 1 })

	close(eng.gate)
	waitFor(t, func() bool {
		st := s.PoolStats().Map
		return st.InUse == 0 && st.Waiting == 0
	})

	if got := eng.mapsCreated.Load(); got != 1 {
		t.Fatalf("maps created = %d, want 1", got)
	}
}

func TestCloseDestroysHandles(t *testing.T) {
	eng := newFakeEngine()
	eng.layers = []engine.Layer{{Name: "imagery", DatasourceKind: engine.KindRaster}}
	s := newTestSource(t, eng, Options{})

	if _, err := s.GetTile(context.Background(), 0, 0, 0); err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	stats := s.PoolStats()
	if stats.Map.Size != 0 || stats.Image.Size != 0 {
		t.Fatalf("pools not drained: %+v", stats)
	}
	if eng.mapsClosed.Load() != 1 || eng.imagesClosed.Load() != 1 {
		t.Fatalf("closed maps=%d images=%d", eng.mapsClosed.Load(), eng.imagesClosed.Load())
	}

	if _, err := s.GetTile(context.Background(), 0, 0, 0); !errors.Is(err, pool.ErrDraining) {
		t.Fatalf("GetTile after close: %v", err)
	}
}

func TestCloseTimesOutWithHeldHandle(t *testing.T) {
	eng := newFakeEngine()
	eng.gate = make(chan struct{})
	s := newTestSource(t, eng, Options{CloseTimeout: 20 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		_, err := s.GetTile(context.Background(), 0, 0, 0)
		done <- err
	}()
	waitFor(t, func() bool { return s.PoolStats().Map.InUse == 1 })

	err := s.Close(context.Background())
	if !errors.Is(err, deadline.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if err.Error() != "Source resource pool drain timed out after 20ms" {
		t.Fatalf("message = %q", err.Error())
	}

	close(eng.gate)
	if err := <-done; err != nil {
		t.Fatalf("in-flight render: %v", err)
	}

	waitFor(t, func() bool { return s.PoolStats().Map.Size == 0 })
	if got := eng.mapsClosed.Load(); got != 1 {
		t.Fatalf("maps closed = %d", got)
	}
}

func TestCloseTimeoutDefaultMessage(t *testing.T) {
	opts := Options{}
	if got := opts.closeTimeout(); got != 5*time.Second {
		t.Fatalf("close timeout = %s", got)
	}
}
