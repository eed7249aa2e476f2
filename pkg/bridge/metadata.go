package bridge

import (
	"strconv"
	"sync"

	"github.com/jaennil/guide_helper/backend/bridge/pkg/engine"
)

const DefaultMaxZoom = 14

// Metadata is derived once per source from the first map handle.
type Metadata struct {
	MaxZoom       int
	Kind          engine.Kind
	ThreadingMode engine.ThreadingMode
}

func inspect(m engine.Map) Metadata {
	params := m.Parameters()

	meta := Metadata{
		MaxZoom:       DefaultMaxZoom,
		Kind:          engine.KindVector,
		ThreadingMode: engine.ParseThreadingMode(params[engine.ParamThreadingMode]),
	}

	if v, ok := params[engine.ParamMaxZoom]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			meta.MaxZoom = n
		}
	}

	// a single raster layer makes the whole source raster
	for _, l := range m.Layers() {
		if l.DatasourceKind == engine.KindRaster {
			meta.Kind = engine.KindRaster
			break
		}
	}

	return meta
}

type metadataState int

const (
	metadataUnset metadataState = iota
	metadataPending
	metadataResolved
)

type metadataCache struct {
	mu    sync.Mutex
	state metadataState
	done  chan struct{}
	value Metadata
}

// resolve returns the cached metadata, computing it from m if this is the
// first call. Concurrent first calls wait for the one computing it.
func (c *metadataCache) resolve(m engine.Map) Metadata {
	c.mu.Lock()
	switch c.state {
	case metadataResolved:
		v := c.value
		c.mu.Unlock()
		return v
	case metadataPending:
		done := c.done
		c.mu.Unlock()
		<-done
		c.mu.Lock()
		v := c.value
		c.mu.Unlock()
		return v
	}
	c.state = metadataPending
	c.done = make(chan struct{})
	c.mu.Unlock()

	v := inspect(m)

	c.mu.Lock()
	c.value = v
	c.state = metadataResolved
	close(c.done)
	c.mu.Unlock()

	return v
}

func (c *metadataCache) peek() (Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.state == metadataResolved
}
