package bridge

import (
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jaennil/guide_helper/backend/bridge/pkg/logger"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/metrics"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultName       = "bridge"
	DefaultBufferSize = 256
	// MaxBufferSize keeps the engine's vector buffer within an int32.
	MaxBufferSize       = math.MaxInt32 / vectorBufferMultiplier
	DefaultCloseTimeout = 5 * time.Second
)

type Limits struct {
	// Render bounds GetTile; zero disables the deadline.
	Render time.Duration `validate:"gte=0s"`
}

// Options is the source configuration. It is read once by New.
type Options struct {
	Name  string
	Style string `validate:"required"`
	// Base resolves relative datasource paths. Defaults to the working
	// directory.
	Base string
	// Gzip defaults to true.
	Gzip  *bool
	Blank bool
	// BufferSize defaults to 256; negative values fall back to the default.
	BufferSize *int
	Limits     Limits

	MaxVectorBytesCompressed int `validate:"gte=0"`
	LogVectorBytesCompressed int `validate:"gte=0"`

	// PoolSize bounds each handle pool. Zero means one handle per CPU.
	PoolSize     int           `validate:"gte=0"`
	CloseTimeout time.Duration `validate:"gte=0s"`
}

// ParseBufferSize reads a buffer size from a query value. Anything that is
// not a finite non-negative number yields DefaultBufferSize.
func ParseBufferSize(s string) int {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > MaxBufferSize {
		return DefaultBufferSize
	}
	return int(f)
}

// FromQuery decodes the options carried by a source URI query:
// bufferSize, gzip, blank and limits.render (milliseconds).
func FromQuery(q url.Values) Options {
	var o Options

	if q.Has("bufferSize") {
		size := ParseBufferSize(q.Get("bufferSize"))
		o.BufferSize = &size
	}

	if v, err := strconv.ParseBool(q.Get("gzip")); err == nil {
		o.Gzip = &v
	}

	if v, err := strconv.ParseBool(q.Get("blank")); err == nil {
		o.Blank = v
	}

	if ms, err := strconv.Atoi(q.Get("limits.render")); err == nil && ms > 0 {
		o.Limits.Render = time.Duration(ms) * time.Millisecond
	}

	if v := q.Get("name"); v != "" {
		o.Name = v
	}

	return o
}

func (o Options) name() string {
	if o.Name == "" {
		return DefaultName
	}
	return o.Name
}

func (o Options) gzip() bool {
	if o.Gzip == nil {
		return true
	}
	return *o.Gzip
}

func (o Options) bufferSize() int {
	if o.BufferSize == nil || *o.BufferSize < 0 || *o.BufferSize > MaxBufferSize {
		return DefaultBufferSize
	}
	return *o.BufferSize
}

func (o Options) closeTimeout() time.Duration {
	if o.CloseTimeout <= 0 {
		return DefaultCloseTimeout
	}
	return o.CloseTimeout
}

func (o Options) base() (string, error) {
	base := o.Base
	if base == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		base = wd
	}

	abs, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	return abs + string(filepath.Separator), nil
}

type settings struct {
	logger    logger.Logger
	metrics   *metrics.Metrics
	stats     *SizeStats
	tracer    trace.Tracer
	overrides []func(*Options)
}

type Option func(*settings)

func WithLogger(l logger.Logger) Option {
	return func(s *settings) {
		s.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) {
		s.metrics = m
	}
}

// WithSizeStats shares one tally between sources. Without it a source with
// a logging threshold owns its own.
func WithSizeStats(stats *SizeStats) Option {
	return func(s *settings) {
		s.stats = stats
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *settings) {
		s.tracer = t
	}
}

// WithOptions adjusts the source options before they are validated. Openers
// use it to layer process-wide defaults under URI options.
func WithOptions(fn func(o *Options)) Option {
	return func(s *settings) {
		s.overrides = append(s.overrides, fn)
	}
}
