package geo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

const (
	DatasourceGeoJSON = "geojson"
	DatasourceRaster  = "raster"
)

type Style struct {
	Map    *MapBlock     `hcl:"map,block"`
	Layers []*LayerBlock `hcl:"layer,block"`
}

type MapBlock struct {
	MaxZoom       *int   `hcl:"maxzoom,optional"`
	ThreadingMode string `hcl:"threading_mode,optional"`
	Background    string `hcl:"background,optional"`
}

type LayerBlock struct {
	Name       string           `hcl:"name,label"`
	MinZoom    *int             `hcl:"minzoom,optional"`
	MaxZoom    *int             `hcl:"maxzoom,optional"`
	Fill       string           `hcl:"fill,optional"`
	Stroke     string           `hcl:"stroke,optional"`
	LineWidth  float64          `hcl:"line_width,optional"`
	Datasource *DatasourceBlock `hcl:"datasource,block"`
}

type DatasourceBlock struct {
	Type   string    `hcl:"type"`
	File   string    `hcl:"file,optional"`
	Inline string    `hcl:"inline,optional"`
	Color  string    `hcl:"color,optional"`
	Bounds []float64 `hcl:"bounds,optional"`
}

func newEvalContext(base string) *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"base": cty.StringVal(base),
		},
		Functions: map[string]function.Function{
			"file":   fileFunc(base),
			"format": stdlib.FormatFunc,
			"lower":  stdlib.LowerFunc,
			"upper":  stdlib.UpperFunc,
		},
	}
}

// fileFunc reads a file relative to base, so small datasources can be
// inlined with inline = file("points.geojson").
func fileFunc(base string) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "path", Type: cty.String},
		},
		Type: function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			b, err := os.ReadFile(resolve(base, args[0].AsString()))
			if err != nil {
				return cty.NilVal, err
			}
			return cty.StringVal(string(b)), nil
		},
	})
}

// ParseStyle decodes an HCL style document. Documents starting with "{" are
// read as HCL's JSON syntax.
func ParseStyle(src, base string) (*Style, error) {
	filename := "style.hcl"
	if strings.HasPrefix(strings.TrimSpace(src), "{") {
		filename = "style.json"
	}

	var style Style
	if err := hclsimple.Decode(filename, []byte(src), newEvalContext(base), &style); err != nil {
		return nil, fmt.Errorf("failed to parse style: %w", err)
	}

	seen := make(map[string]struct{}, len(style.Layers))
	for _, l := range style.Layers {
		if _, ok := seen[l.Name]; ok {
			return nil, fmt.Errorf("duplicate layer %q", l.Name)
		}
		seen[l.Name] = struct{}{}

		if l.Datasource == nil {
			return nil, fmt.Errorf("layer %q has no datasource", l.Name)
		}
		if l.Datasource.Bounds != nil && len(l.Datasource.Bounds) != 4 {
			return nil, fmt.Errorf("layer %q: bounds must be [minlon, minlat, maxlon, maxlat]", l.Name)
		}
	}

	return &style, nil
}

func resolve(base, path string) string {
	if filepath.IsAbs(path) || base == "" {
		return path
	}
	return filepath.Join(base, path)
}
