package geocorr

import (
	"context"
)

// Engine ties the index, query, relationship and boundary components to one
// dataset source and one set of options. It is safe for concurrent use.
type Engine struct {
	cfg        *Config
	queries    *QueryService
	resolver   *RelationshipResolver
	boundaries *BoundaryResolver
}

// New creates an engine over source. Boundary queries need
// WithBoundarySource; without it they report no boundaries.
func New(source DatasetSource, opts ...Option) *Engine {
	cfg := newConfig(opts)
	m := newMetrics(cfg.Registerer)
	e := &Engine{
		cfg:      cfg,
		queries:  newQueryService(source, newIndexBuilder(cfg, m), cfg),
		resolver: newRelationshipResolver(source, cfg, m),
	}
	if cfg.Boundaries != nil {
		e.boundaries = newBoundaryResolver(cfg.Boundaries, cfg, m)
	}
	return e
}

// BuildGeographicIndex rebuilds the index from every dataset and caches it.
func (e *Engine) BuildGeographicIndex(ctx context.Context) (*GeographicIndex, error) {
	return e.queries.BuildIndex(ctx)
}

// GetGeographicData returns the record for a department and optional
// municipality, or nil when nothing is known.
func (e *Engine) GetGeographicData(ctx context.Context, department, municipality string) *LocationRecord {
	return e.queries.GetGeographicData(ctx, department, municipality)
}

// Municipalities returns the municipality records of a department.
func (e *Engine) Municipalities(ctx context.Context, department string) []*LocationRecord {
	return e.queries.Municipalities(ctx, department)
}

// InvalidateCache drops the cached index and cached relationship target
// rows. The next query rebuilds.
func (e *Engine) InvalidateCache() {
	e.queries.InvalidateCache()
	e.resolver.ClearCache()
}

// ResolveRelationship matches a cell value against the relationship's target
// dataset. See RelationshipResolver.Resolve.
func (e *Engine) ResolveRelationship(ctx context.Context, sourceValue any, sourceDatasetID, sourceColumn string, rel ColumnRelationship, targetRows []Record) ResolvedRelationship {
	return e.resolver.Resolve(ctx, sourceValue, sourceDatasetID, sourceColumn, rel, targetRows)
}

// DetectBoundaryLevel reports whether name is a known department or
// municipality. Without a boundary source it never matches.
func (e *Engine) DetectBoundaryLevel(ctx context.Context, name, targetLevel string) BoundaryDetection {
	if e.boundaries == nil {
		return BoundaryDetection{Matches: []BoundaryLocation{}}
	}
	return e.boundaries.DetectBoundaryLevel(ctx, name, targetLevel)
}

// Queries returns the engine's query service.
func (e *Engine) Queries() *QueryService { return e.queries }

// Relationships returns the engine's relationship resolver.
func (e *Engine) Relationships() *RelationshipResolver { return e.resolver }

// Boundaries returns the boundary resolver, or nil when no boundary source
// was configured.
func (e *Engine) Boundaries() *BoundaryResolver { return e.boundaries }
