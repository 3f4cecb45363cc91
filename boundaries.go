package geocorr

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	geohash "github.com/TomiHiltunen/geohash-golang"
	"github.com/golang/geo/s2"
	"go.uber.org/zap"
)

// BoundaryLevel is the administrative tier of a boundary.
type BoundaryLevel string

const (
	LevelDepartment   BoundaryLevel = "departamento"
	LevelMunicipality BoundaryLevel = "municipio"
)

// geohashPrecision is the stored centroid geohash length (~5m cells).
const geohashPrecision = 9

// LatLng is a display coordinate in degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// BoundaryLocation is a department or municipality polygon with its
// display centroid.
type BoundaryLocation struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        BoundaryLevel  `json:"type"`
	Department  string         `json:"department,omitempty"`
	Coordinates LatLng         `json:"coordinates"`
	Geohash     string         `json:"geohash,omitempty"`
	Geometry    Geometry       `json:"geometry"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// BoundaryDetection is the verdict of DetectBoundaryLevel.
type BoundaryDetection struct {
	IsBoundary bool               `json:"isBoundary"`
	Confidence float64            `json:"confidence"`
	Matches    []BoundaryLocation `json:"matches"`
}

// SearchScope restricts Search to one or both tiers.
type SearchScope uint8

const (
	ScopeAll SearchScope = iota
	ScopeDepartments
	ScopeMunicipalities
)

// Property keys consulted, in order, to name features of each tier.
var (
	departmentNameKeys   = []string{"departamento", "department", "NAME_1", "name", "nombre", "NAME", "shapeName"}
	municipalityNameKeys = []string{"municipio", "municipality", "NAME_2", "name", "nombre", "NAME", "shapeName"}
	parentDepartmentKeys = []string{"departamento", "department", "NAME_1", "depto", "dept"}
	featureIDKeys        = []string{"id", "ID", "codigo", "code", "GID_2", "GID_1", "shapeID"}
)

type shape struct {
	outer *s2.Loop
	holes []*s2.Loop
}

func (s shape) contains(p s2.Point) bool {
	if s.outer == nil || !s.outer.ContainsPoint(p) {
		return false
	}
	for _, h := range s.holes {
		if h.ContainsPoint(p) {
			return false
		}
	}
	return true
}

type boundarySnapshot struct {
	departments    []BoundaryLocation
	municipalities []BoundaryLocation
	deptShapes     [][]shape
	muniShapes     [][]shape
	loadedAt       time.Time
}

// BoundaryResolver caches the department and municipality collections and
// answers identity and containment questions against them. The collections
// are fetched lazily and refreshed on the first access after the TTL.
type BoundaryResolver struct {
	source  BoundarySource
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics
	snap    atomic.Pointer[boundarySnapshot]
}

// NewBoundaryResolver creates a resolver over source. Nothing is fetched
// until the first query or an explicit Load.
func NewBoundaryResolver(source BoundarySource, opts ...Option) *BoundaryResolver {
	cfg := newConfig(opts)
	return newBoundaryResolver(source, cfg, newMetrics(cfg.Registerer))
}

func newBoundaryResolver(source BoundarySource, cfg *Config, m *metrics) *BoundaryResolver {
	return &BoundaryResolver{
		source:  source,
		ttl:     cfg.BoundaryTTL,
		now:     cfg.Clock,
		logger:  cfg.Logger,
		metrics: m,
	}
}

// Load fetches both collections and replaces the cached snapshot.
func (r *BoundaryResolver) Load(ctx context.Context) error {
	if r.source == nil {
		return fmt.Errorf("%w: no boundary source configured", ErrBoundarySource)
	}
	depts, err := r.source.Departments(ctx)
	if err != nil {
		r.metrics.boundaryLoads.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: departments: %v", ErrBoundarySource, err)
	}
	munis, err := r.source.Municipalities(ctx)
	if err != nil {
		r.metrics.boundaryLoads.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: municipalities: %v", ErrBoundarySource, err)
	}
	snap := &boundarySnapshot{loadedAt: r.now()}
	snap.departments, snap.deptShapes = r.locations(depts, LevelDepartment)
	snap.municipalities, snap.muniShapes = r.locations(munis, LevelMunicipality)
	r.snap.Store(snap)
	r.metrics.boundaryLoads.WithLabelValues("ok").Inc()
	r.logger.Info("boundary_load_done",
		zap.Int("departments", len(snap.departments)),
		zap.Int("municipalities", len(snap.municipalities)))
	return nil
}

func (r *BoundaryResolver) locations(features []BoundaryFeature, level BoundaryLevel) ([]BoundaryLocation, [][]shape) {
	nameKeys := departmentNameKeys
	if level == LevelMunicipality {
		nameKeys = municipalityNameKeys
	}
	locs := make([]BoundaryLocation, 0, len(features))
	shapes := make([][]shape, 0, len(features))
	for i, f := range features {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			name = propertyString(f.Properties, nameKeys)
		}
		if name == "" {
			r.logger.Debug("boundary_feature_unnamed", zap.String("level", string(level)), zap.Int("index", i))
			continue
		}
		polys, err := f.Geometry.Polygons()
		if err != nil {
			r.logger.Warn("boundary_geometry_error", zap.String("name", name), zap.Error(err))
		}
		loc := BoundaryLocation{
			ID:         propertyString(f.Properties, featureIDKeys),
			Name:       name,
			Type:       level,
			Geometry:   f.Geometry,
			Properties: f.Properties,
		}
		if loc.ID == "" {
			loc.ID = fmt.Sprintf("%s-%d", level, i)
		}
		if level == LevelMunicipality {
			loc.Department = propertyString(f.Properties, parentDepartmentKeys)
		}
		if c, ok := centroid(polys); ok {
			loc.Coordinates = c
			loc.Geohash = geohash.EncodeWithPrecision(c.Lat, c.Lng, geohashPrecision)
		}
		locs = append(locs, loc)
		shapes = append(shapes, buildShapes(polys))
	}
	return locs, shapes
}

// centroid is the mean of the first polygon's outer-ring vertices, without
// the repeated closing vertex.
func centroid(polys []Polygon) (LatLng, bool) {
	if len(polys) == 0 || len(polys[0]) == 0 {
		return LatLng{}, false
	}
	ring := openRing(polys[0][0])
	if len(ring) == 0 {
		return LatLng{}, false
	}
	var sumLat, sumLng float64
	for _, p := range ring {
		sumLng += p[0]
		sumLat += p[1]
	}
	n := float64(len(ring))
	return LatLng{Lat: sumLat / n, Lng: sumLng / n}, true
}

func openRing(r Ring) Ring {
	if len(r) > 1 && r[0] == r[len(r)-1] {
		return r[:len(r)-1]
	}
	return r
}

func buildShapes(polys []Polygon) []shape {
	out := make([]shape, 0, len(polys))
	for _, p := range polys {
		if len(p) == 0 {
			continue
		}
		s := shape{outer: loopFromRing(p[0])}
		if s.outer == nil {
			continue
		}
		for _, h := range p[1:] {
			if l := loopFromRing(h); l != nil {
				s.holes = append(s.holes, l)
			}
		}
		out = append(out, s)
	}
	return out
}

// loopFromRing converts a GeoJSON ring to an s2 loop, dropping repeated
// vertices. Rings with fewer than three distinct vertices yield nil.
func loopFromRing(r Ring) *s2.Loop {
	r = openRing(r)
	pts := make([]s2.Point, 0, len(r))
	for i, c := range r {
		if i > 0 && c == r[i-1] {
			continue
		}
		pts = append(pts, s2.PointFromLatLng(s2.LatLngFromDegrees(c[1], c[0])))
	}
	if len(pts) < 3 {
		return nil
	}
	l := s2.LoopFromPoints(pts)
	l.Normalize()
	return l
}

func propertyString(props map[string]any, keys []string) string {
	for _, k := range keys {
		v, ok := props[k]
		if !ok {
			continue
		}
		if s := strings.TrimSpace(stringify(v)); s != "" {
			return s
		}
	}
	return ""
}

// snapshot returns a fresh snapshot, loading or refreshing it when needed.
// A failed refresh keeps serving the previous snapshot.
func (r *BoundaryResolver) snapshot(ctx context.Context) *boundarySnapshot {
	snap := r.snap.Load()
	if snap != nil && r.now().Sub(snap.loadedAt) <= r.ttl {
		return snap
	}
	if err := r.Load(ctx); err != nil {
		r.logger.Error("boundary_load_error", zap.Error(err))
		return snap
	}
	return r.snap.Load()
}

// Departments returns the department boundaries.
func (r *BoundaryResolver) Departments(ctx context.Context) []BoundaryLocation {
	if snap := r.snapshot(ctx); snap != nil {
		return snap.departments
	}
	return nil
}

// Municipalities returns the municipality boundaries.
func (r *BoundaryResolver) Municipalities(ctx context.Context) []BoundaryLocation {
	if snap := r.snapshot(ctx); snap != nil {
		return snap.municipalities
	}
	return nil
}

// Search returns boundaries whose normalized name contains the normalized
// query. Municipalities also match on their parent department's name.
func (r *BoundaryResolver) Search(ctx context.Context, query string, scope SearchScope) []BoundaryLocation {
	q := NormalizeKey(query)
	snap := r.snapshot(ctx)
	if q == "" || snap == nil {
		return nil
	}
	var out []BoundaryLocation
	if scope != ScopeMunicipalities {
		for _, d := range snap.departments {
			if strings.Contains(NormalizeKey(d.Name), q) {
				out = append(out, d)
			}
		}
	}
	if scope != ScopeDepartments {
		for _, m := range snap.municipalities {
			if strings.Contains(NormalizeKey(m.Name), q) || strings.Contains(NormalizeKey(m.Department), q) {
				out = append(out, m)
			}
		}
	}
	return out
}

// levelScope maps a target level to a search scope. "level1" and
// "departamento" select departments, "level2" and "municipio" select
// municipalities; anything else selects both.
func levelScope(targetLevel string) SearchScope {
	switch NormalizeKey(targetLevel) {
	case "level1", "departamento", "department", "departments":
		return ScopeDepartments
	case "level2", "municipio", "municipality", "municipalities":
		return ScopeMunicipalities
	default:
		return ScopeAll
	}
}

// DetectBoundaryLevel reports whether name names a boundary. An exact
// normalized match scores 1.0, a substring match in either direction 0.7.
func (r *BoundaryResolver) DetectBoundaryLevel(ctx context.Context, name, targetLevel string) BoundaryDetection {
	q := NormalizeKey(name)
	snap := r.snapshot(ctx)
	if q == "" || snap == nil {
		return BoundaryDetection{Matches: []BoundaryLocation{}}
	}
	var pool []BoundaryLocation
	switch levelScope(targetLevel) {
	case ScopeDepartments:
		pool = snap.departments
	case ScopeMunicipalities:
		pool = snap.municipalities
	default:
		pool = make([]BoundaryLocation, 0, len(snap.departments)+len(snap.municipalities))
		pool = append(pool, snap.departments...)
		pool = append(pool, snap.municipalities...)
	}
	var exact, partial []BoundaryLocation
	for _, b := range pool {
		n := NormalizeKey(b.Name)
		switch {
		case n == q:
			exact = append(exact, b)
		case n != "" && (strings.Contains(n, q) || strings.Contains(q, n)):
			partial = append(partial, b)
		}
	}
	if len(exact) > 0 {
		return BoundaryDetection{IsBoundary: true, Confidence: 1.0, Matches: exact}
	}
	if len(partial) > 0 {
		return BoundaryDetection{IsBoundary: true, Confidence: 0.7, Matches: partial}
	}
	return BoundaryDetection{Matches: []BoundaryLocation{}}
}

// Locate returns the department and municipality whose polygons contain the
// point. Either may be nil.
func (r *BoundaryResolver) Locate(ctx context.Context, lat, lng float64) (dept, muni *BoundaryLocation) {
	snap := r.snapshot(ctx)
	if snap == nil {
		return nil, nil
	}
	p := s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lng))
	return firstContaining(snap.departments, snap.deptShapes, p),
		firstContaining(snap.municipalities, snap.muniShapes, p)
}

func firstContaining(locs []BoundaryLocation, shapes [][]shape, p s2.Point) *BoundaryLocation {
	for i := range locs {
		for _, s := range shapes[i] {
			if s.contains(p) {
				loc := locs[i]
				return &loc
			}
		}
	}
	return nil
}

// Near returns boundaries whose centroid falls in the same geohash cell of
// the given precision as the point.
func (r *BoundaryResolver) Near(ctx context.Context, lat, lng float64, precision int) []BoundaryLocation {
	snap := r.snapshot(ctx)
	if snap == nil || precision <= 0 {
		return nil
	}
	precision = min(precision, geohashPrecision)
	prefix := geohash.EncodeWithPrecision(lat, lng, precision)
	var out []BoundaryLocation
	for _, set := range [][]BoundaryLocation{snap.departments, snap.municipalities} {
		for _, b := range set {
			if b.Geohash != "" && strings.HasPrefix(b.Geohash, prefix) {
				out = append(out, b)
			}
		}
	}
	return out
}
