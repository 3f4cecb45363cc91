package geocorr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrBoundarySource wraps failures of the boundary collaborator.
var ErrBoundarySource = errors.New("geocorr: boundary source failure")

// Ring is a closed sequence of [lon, lat] positions, as in GeoJSON.
type Ring [][2]float64

// Polygon is an outer ring followed by its holes.
type Polygon []Ring

// Geometry is a GeoJSON geometry. Only Polygon and MultiPolygon carry
// area; other types decode to no polygons.
type Geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// Polygons decodes the geometry's coordinates.
func (g Geometry) Polygons() ([]Polygon, error) {
	if len(g.Coordinates) == 0 {
		return nil, nil
	}
	switch strings.ToLower(g.Type) {
	case "polygon":
		var p Polygon
		if err := json.Unmarshal(g.Coordinates, &p); err != nil {
			return nil, fmt.Errorf("decode polygon: %w", err)
		}
		return []Polygon{p}, nil
	case "multipolygon":
		var mp []Polygon
		if err := json.Unmarshal(g.Coordinates, &mp); err != nil {
			return nil, fmt.Errorf("decode multipolygon: %w", err)
		}
		return mp, nil
	default:
		return nil, nil
	}
}

// BoundaryFeature is one named polygon from a boundary collection.
type BoundaryFeature struct {
	Name       string
	Geometry   Geometry
	Properties map[string]any
}

// BoundarySource supplies the two administrative polygon collections.
type BoundarySource interface {
	Departments(ctx context.Context) ([]BoundaryFeature, error)
	Municipalities(ctx context.Context) ([]BoundaryFeature, error)
}

type geoJSONFeature struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Geometry   *Geometry      `json:"geometry"`
}

type geoJSONDocument struct {
	Type     string           `json:"type"`
	Features []geoJSONFeature `json:"features"`
	geoJSONFeature
}

// ParseFeatureCollection decodes a GeoJSON FeatureCollection (or a single
// Feature). Feature names are left empty; the resolver derives them from
// properties according to the boundary level.
func ParseFeatureCollection(data []byte) ([]BoundaryFeature, error) {
	var doc geoJSONDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode geojson: %w", err)
	}
	var raw []geoJSONFeature
	switch strings.ToLower(doc.Type) {
	case "featurecollection":
		raw = doc.Features
	case "feature":
		raw = []geoJSONFeature{doc.geoJSONFeature}
	default:
		return nil, fmt.Errorf("decode geojson: unsupported type %q", doc.Type)
	}
	out := make([]BoundaryFeature, 0, len(raw))
	for _, f := range raw {
		bf := BoundaryFeature{Properties: f.Properties}
		if f.Geometry != nil {
			bf.Geometry = *f.Geometry
		}
		out = append(out, bf)
	}
	return out, nil
}

// FileBoundarySource reads the two collections from GeoJSON files.
type FileBoundarySource struct {
	DepartmentsPath    string
	MunicipalitiesPath string
}

func (s FileBoundarySource) Departments(context.Context) ([]BoundaryFeature, error) {
	return readFeatureFile(s.DepartmentsPath)
}

func (s FileBoundarySource) Municipalities(context.Context) ([]BoundaryFeature, error) {
	return readFeatureFile(s.MunicipalitiesPath)
}

func readFeatureFile(path string) ([]BoundaryFeature, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBoundarySource, err)
	}
	fs, err := ParseFeatureCollection(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBoundarySource, path, err)
	}
	return fs, nil
}
