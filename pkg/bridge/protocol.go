package bridge

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/jaennil/guide_helper/backend/bridge/pkg/engine"
)

const Protocol = "bridge:"

// Opener opens a tile source from its URI.
type Opener func(u *url.URL) (*Source, error)

type Registry interface {
	Register(protocol string, open Opener)
}

// Protocols is a Registry keyed by URI scheme including the trailing colon.
type Protocols map[string]Opener

func (p Protocols) Register(protocol string, open Opener) {
	p[protocol] = open
}

// Open dispatches u to the opener registered for its scheme.
func (p Protocols) Open(u *url.URL) (*Source, error) {
	open, ok := p[u.Scheme+":"]
	if !ok {
		return nil, fmt.Errorf("no source registered for protocol %q", u.Scheme)
	}
	return open(u)
}

// RegisterProtocols registers the bridge opener under Protocol.
func RegisterProtocols(r Registry, eng engine.Engine, options ...Option) {
	r.Register(Protocol, func(u *url.URL) (*Source, error) {
		return Open(u, eng, options...)
	})
}

// Open opens the style file named by the URI path, e.g.
// bridge:///data/style.hcl?gzip=false&limits.render=500.
// Relative datasource paths resolve against the style file directory unless
// the query names a base.
func Open(u *url.URL, eng engine.Engine, options ...Option) (*Source, error) {
	if u.Scheme+":" != Protocol {
		return nil, &ConfigurationError{Err: fmt.Errorf("unsupported protocol %q", u.Scheme)}
	}

	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	if path == "" {
		return nil, &ConfigurationError{Err: ErrNoStyle}
	}

	style, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Err: fmt.Errorf("failed to read style: %w", err)}
	}

	q := u.Query()
	opts := FromQuery(q)
	opts.Style = string(style)
	opts.Base = q.Get("base")
	if opts.Base == "" {
		opts.Base = filepath.Dir(path)
	}
	if opts.Name == "" {
		opts.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return New(opts, eng, options...)
}
