package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jaennil/guide_helper/backend/bridge/internal/repository/tilestore"
	"github.com/jaennil/guide_helper/backend/bridge/internal/usecase"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/bridge"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/config"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/engine"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/logger"
	"github.com/jaennil/guide_helper/backend/bridge/pkg/metrics"
	"github.com/paulmach/orb"
	"github.com/urfave/cli/v2"
	pb "gopkg.in/cheggaaa/pb.v1"
)

const worldBBox = "-180,-85.0511,180,85.0511"

type Deps struct {
	Config  *config.Config
	Logger  logger.Logger
	Engine  engine.Engine
	Metrics *metrics.Metrics
}

func NewApp(d Deps) *cli.App {
	return &cli.App{
		Name:        "bridge",
		Usage:       "render vector and raster tiles from a map style",
		Description: "renders tiles through pooled engine handles, optionally into a tile store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "source",
				Aliases:  []string{"s"},
				Usage:    "style file path or bridge:// URI",
				EnvVars:  []string{"BRIDGE_SOURCE"},
				Required: true,
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "render",
				Usage:  "render a single tile",
				Action: d.commandRender,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "z", Required: true},
					&cli.IntFlag{Name: "x", Required: true},
					&cli.IntFlag{Name: "y", Required: true},
					&cli.PathFlag{
						Name:  "output",
						Usage: "file to write the tile to, - for stdout",
						Value: "-",
					},
					&cli.BoolFlag{
						Name:  "store",
						Usage: "read through and fill the configured tile store",
					},
				},
			},
			{
				Name:   "info",
				Usage:  "print source metadata and pool statistics",
				Action: d.commandInfo,
			},
			{
				Name:   "seed",
				Usage:  "render every tile of a bounding box into the tile store",
				Action: d.commandSeed,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "bbox",
						Usage: "minLon,minLat,maxLon,maxLat",
						Value: worldBBox,
					},
					&cli.IntFlag{Name: "min-zoom", Value: 0},
					&cli.IntFlag{Name: "max-zoom", Value: 5},
					&cli.IntFlag{
						Name:  "concurrency",
						Usage: "tiles rendered in parallel",
						Value: d.Config.Seed.Concurrency,
					},
					&cli.BoolFlag{
						Name:  "keep-empty",
						Usage: "store empty tiles too",
					},
					&cli.StringFlag{
						Name:  "store-driver",
						Usage: "sqlite, redis, filesystem or memory",
						Value: d.Config.Store.Driver,
					},
					&cli.PathFlag{
						Name:  "store-path",
						Usage: "mbtiles file or tile directory",
						Value: d.Config.Store.Path,
					},
				},
			},
		},
	}
}

// sourceURL turns a plain style path into a bridge URI.
func sourceURL(s string) (*url.URL, error) {
	if strings.Contains(s, "://") {
		return url.Parse(s)
	}

	abs, err := filepath.Abs(s)
	if err != nil {
		return nil, err
	}
	return &url.URL{Scheme: strings.TrimSuffix(bridge.Protocol, ":"), Path: filepath.ToSlash(abs)}, nil
}

// parseBound reads "minLon,minLat,maxLon,maxLat".
func parseBound(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox %q must have four comma separated values", s)
	}

	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("bbox %q: %w", s, err)
		}
		v[i] = f
	}

	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

// defaults fills options the URI left unset from the process config.
func defaults(cfg config.Bridge) func(o *bridge.Options) {
	return func(o *bridge.Options) {
		if o.PoolSize == 0 {
			o.PoolSize = cfg.PoolSize
		}
		if o.Limits.Render == 0 {
			o.Limits.Render = cfg.RenderLimit
		}
		if o.CloseTimeout == 0 {
			o.CloseTimeout = cfg.CloseTimeout
		}
		if o.MaxVectorBytesCompressed == 0 {
			o.MaxVectorBytesCompressed = cfg.MaxVectorBytesCompressed
		}
		if o.LogVectorBytesCompressed == 0 {
			o.LogVectorBytesCompressed = cfg.LogVectorBytesCompressed
		}
	}
}

func (d Deps) openSource(c *cli.Context) (*bridge.Source, error) {
	u, err := sourceURL(c.String("source"))
	if err != nil {
		return nil, fmt.Errorf("invalid source: %w", err)
	}

	protocols := bridge.Protocols{}
	bridge.RegisterProtocols(protocols, d.Engine,
		bridge.WithLogger(d.Logger),
		bridge.WithMetrics(d.Metrics),
		bridge.WithOptions(defaults(d.Config.Bridge)),
	)

	s, err := protocols.Open(u)
	if err != nil {
		return nil, err
	}
	d.Logger.Debug("source opened", "source", s.Name(), "uri", u.String())
	return s, nil
}

func (d Deps) closeSource(s *bridge.Source) {
	// The command context may already be cancelled; closing gets its own.
	if err := s.Close(context.Background()); err != nil {
		d.Logger.Error("failed to close source", "source", s.Name(), "error", err)
	}
}

func (d Deps) commandRender(c *cli.Context) error {
	s, err := d.openSource(c)
	if err != nil {
		return err
	}
	defer d.closeSource(s)

	var store tilestore.TileStore
	if c.Bool("store") {
		store, err = tilestore.New(d.Config.Store, d.Logger)
		if err != nil {
			return fmt.Errorf("failed to open tile store: %w", err)
		}
		defer store.Close()
	}

	z, x, y := c.Int("z"), c.Int("x"), c.Int("y")
	tile, err := usecase.NewRenderUseCase(s, store, d.Logger).Render(c.Context, z, x, y)
	if err != nil {
		return err
	}

	for k, v := range tile.Headers() {
		d.Logger.Info("tile header", "name", k, "value", strings.Join(v, ","))
	}
	if tile.Solid != "" {
		d.Logger.Info("solid tile", "color", tile.Solid)
	}

	return writeOutput(c.Path("output"), c.App.Writer, tile.Data)
}

func writeOutput(path string, stdout io.Writer, data []byte) error {
	if path == "-" {
		_, err := stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

type poolInfo struct {
	Size    int `json:"size"`
	Free    int `json:"free"`
	InUse   int `json:"in_use"`
	Pending int `json:"pending"`
	Waiting int `json:"waiting"`
	Max     int `json:"max"`
}

type sourceInfo struct {
	Name          string   `json:"name"`
	Kind          string   `json:"kind"`
	MaxZoom       int      `json:"maxzoom"`
	ThreadingMode string   `json:"threading_mode"`
	MapPool       poolInfo `json:"map_pool"`
	ImagePool     poolInfo `json:"image_pool"`
}

func (d Deps) commandInfo(c *cli.Context) error {
	s, err := d.openSource(c)
	if err != nil {
		return err
	}
	defer d.closeSource(s)

	info, err := usecase.NewRenderUseCase(s, nil, d.Logger).Info(c.Context)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(sourceInfo{
		Name:          info.Name,
		Kind:          string(info.Metadata.Kind),
		MaxZoom:       info.Metadata.MaxZoom,
		ThreadingMode: info.Metadata.ThreadingMode.String(),
		MapPool:       poolInfo(info.Pools.Map),
		ImagePool:     poolInfo(info.Pools.Image),
	})
}

func (d Deps) commandSeed(c *cli.Context) error {
	bound, err := parseBound(c.String("bbox"))
	if err != nil {
		return err
	}

	s, err := d.openSource(c)
	if err != nil {
		return err
	}
	defer d.closeSource(s)

	storeCfg := d.Config.Store
	storeCfg.Driver = c.String("store-driver")
	storeCfg.Path = c.Path("store-path")

	store, err := tilestore.New(storeCfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to open tile store: %w", err)
	}
	defer store.Close()

	req := usecase.SeedRequest{
		Bound:     bound,
		MinZoom:   c.Int("min-zoom"),
		MaxZoom:   c.Int("max-zoom"),
		KeepEmpty: c.Bool("keep-empty"),
	}

	uc := usecase.NewSeedUseCase(s, store, c.Int("concurrency"), d.Logger)
	tiles, err := uc.Plan(req)
	if err != nil {
		return err
	}

	bar := pb.New64(int64(len(tiles))).Prefix(fmt.Sprintf("Seeding %s : ", s.Name()))
	bar.Output = c.App.ErrWriter
	bar.Start()

	res, err := uc.Seed(c.Context, req, func() { bar.Increment() })
	if res != nil {
		bar.FinishPrint(fmt.Sprintf("%d rendered, %d empty, %d oversize, %d failed in %s",
			res.Rendered, res.Empty, res.Oversize, res.Failed, res.Duration))
	} else {
		bar.Finish()
	}
	if res != nil && errors.Is(err, context.Canceled) {
		d.Logger.Warn("seed interrupted", "job_id", res.JobID)
	}
	return err
}
