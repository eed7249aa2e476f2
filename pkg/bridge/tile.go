package bridge

import (
	"net/http"
	"strconv"

	"github.com/jaennil/guide_helper/backend/bridge/pkg/engine"
)

const (
	ContentTypeProtobuf = "application/x-protobuf"
	ContentTypeWebP     = "image/webp"

	HeaderContainsData = "x-tilelive-contains-data"
)

// Tile is a rendered tile payload with the metadata a serving layer turns
// into response headers.
type Tile struct {
	Kind            engine.Kind
	Data            []byte
	ContentType     string
	ContentEncoding string
	// ContainsData is reported for vector tiles only.
	ContainsData bool
	// Solid is "r,g,b,a" when a raster tile is a single colour.
	Solid string
}

func (t *Tile) Headers() http.Header {
	h := make(http.Header)
	if t.ContentType != "" {
		h.Set("Content-Type", t.ContentType)
	}
	if t.ContentEncoding != "" {
		h.Set("Content-Encoding", t.ContentEncoding)
	}
	if t.Kind == engine.KindVector {
		h.Set(HeaderContainsData, strconv.FormatBool(t.ContainsData))
	}
	return h
}

func (t *Tile) Empty() bool {
	return len(t.Data) == 0
}
