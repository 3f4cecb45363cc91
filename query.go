package geocorr

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// IndexCache owns the current index, its build time and the TTL after which
// it is considered stale. The index is replaced as a whole; concurrent
// builds publish in completion order and the last one wins.
type IndexCache struct {
	ttl     time.Duration
	now     func() time.Time
	current atomic.Pointer[GeographicIndex]
}

// NewIndexCache creates an empty cache. now defaults to time.Now.
func NewIndexCache(ttl time.Duration, now func() time.Time) *IndexCache {
	if now == nil {
		now = time.Now
	}
	return &IndexCache{ttl: ttl, now: now}
}

// Load returns the cached index regardless of age, or nil.
func (c *IndexCache) Load() *GeographicIndex {
	return c.current.Load()
}

// Fresh returns the cached index and whether it is within the TTL.
func (c *IndexCache) Fresh() (*GeographicIndex, bool) {
	idx := c.current.Load()
	if idx == nil {
		return nil, false
	}
	return idx, c.now().Sub(idx.BuiltAt) <= c.ttl
}

// Store publishes idx.
func (c *IndexCache) Store(idx *GeographicIndex) {
	c.current.Store(idx)
}

// Invalidate drops the cached index; the next query rebuilds.
func (c *IndexCache) Invalidate() {
	c.current.Store(nil)
}

// QueryService answers point queries against the cached geographic index,
// rebuilding it from the dataset source when absent or stale.
type QueryService struct {
	source  DatasetSource
	builder *IndexBuilder
	cache   *IndexCache
	logger  *zap.Logger
}

// NewQueryService creates a query service over source.
func NewQueryService(source DatasetSource, opts ...Option) *QueryService {
	cfg := newConfig(opts)
	m := newMetrics(cfg.Registerer)
	return newQueryService(source, newIndexBuilder(cfg, m), cfg)
}

func newQueryService(source DatasetSource, b *IndexBuilder, cfg *Config) *QueryService {
	return &QueryService{
		source:  source,
		builder: b,
		cache:   NewIndexCache(cfg.IndexTTL, cfg.Clock),
		logger:  cfg.Logger,
	}
}

// BuildIndex lists every dataset, builds a new index and replaces the cached
// one. When listing fails the cached index is left untouched.
func (s *QueryService) BuildIndex(ctx context.Context) (*GeographicIndex, error) {
	if s.source == nil {
		return nil, fmt.Errorf("%w: no dataset source configured", ErrDatasetSource)
	}
	datasets, err := s.source.ListDatasets(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list datasets: %v", ErrDatasetSource, err)
	}
	idx := s.builder.Build(datasets)
	s.cache.Store(idx)
	return idx, nil
}

// Index returns a fresh index, rebuilding when needed. A failed rebuild falls
// back to the stale index, which may be nil.
func (s *QueryService) Index(ctx context.Context) *GeographicIndex {
	idx, fresh := s.cache.Fresh()
	if fresh {
		return idx
	}
	built, err := s.BuildIndex(ctx)
	if err != nil {
		s.logger.Error("index_rebuild_error", zap.Error(err), zap.Bool("stale_available", idx != nil))
		return idx
	}
	return built
}

// InvalidateCache drops the cached index unconditionally.
func (s *QueryService) InvalidateCache() {
	s.cache.Invalidate()
	s.logger.Debug("index_cache_invalidated")
}

// departmentRowsKey is the sub-key used by datasets that list department
// rows in their municipality column, e.g. "Zacapa (departamento)".
func departmentRowsKey(department string) string {
	return NormalizeKey(department + " (departamento)")
}

// GetGeographicData returns the record for department and, when given,
// municipality. Departments may be given by name or code. It returns nil
// when nothing is known, which also covers an index that could not be built.
//
// A department-only query tries the department-level record, then the
// "(departamento)" record, then a metadata-only summary of the department's
// municipalities. A municipality query that misses falls back once to the
// department-level record.
func (s *QueryService) GetGeographicData(ctx context.Context, department, municipality string) *LocationRecord {
	department = canonicalDepartment(department)
	deptKey := NormalizeKey(department)
	if deptKey == "" {
		return nil
	}
	idx := s.Index(ctx)
	if idx == nil {
		return nil
	}
	bucket := idx.Entries[deptKey]
	if len(bucket) == 0 {
		return nil
	}

	if muniKey := NormalizeKey(municipality); muniKey != "" {
		if rec, ok := bucket[muniKey]; ok {
			return copyRecord(rec)
		}
		if rec, ok := bucket[DepartmentLevelKey]; ok {
			return copyRecord(rec)
		}
		return nil
	}

	if rec, ok := bucket[DepartmentLevelKey]; ok {
		return copyRecord(rec)
	}
	if rec, ok := bucket[departmentRowsKey(department)]; ok {
		return copyRecord(rec)
	}
	return municipalitySummary(bucket)
}

// Municipalities returns every municipality-level record under department,
// sorted by municipality name. Records are returned individually, never
// merged.
func (s *QueryService) Municipalities(ctx context.Context, department string) []*LocationRecord {
	deptKey := NormalizeKey(canonicalDepartment(department))
	if deptKey == "" {
		return nil
	}
	idx := s.Index(ctx)
	if idx == nil {
		return nil
	}
	var out []*LocationRecord
	for key, rec := range idx.Entries[deptKey] {
		if key == DepartmentLevelKey {
			continue
		}
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Municipio < out[j].Municipio })
	return out
}

// municipalitySummary builds the metadata-only record for a department that
// has municipality data but no department-level data. It carries counts and
// names only; Datasets and Actors stay empty.
func municipalitySummary(bucket map[string]*LocationRecord) *LocationRecord {
	var (
		dept     string
		names    []string
		actors   int
		rows     int
		datasets = make(map[string]bool)
	)
	for key, rec := range bucket {
		if key == DepartmentLevelKey || (len(rec.Actors) == 0 && len(rec.Datasets) == 0) {
			continue
		}
		if dept == "" {
			dept = rec.Departamento
		}
		names = append(names, rec.Municipio)
		actors += len(rec.Actors)
		for _, m := range rec.Datasets {
			datasets[m.DatasetID] = true
			rows += len(m.MatchedRows)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	return &LocationRecord{
		Departamento: dept,
		Datasets:     []*GeographicDatasetMatch{},
		Actors:       []ActorData{},
		Statistics: map[string]any{
			"actorCount":        actors,
			"datasetCount":      len(datasets),
			"totalRows":         rows,
			"municipalityCount": len(names),
		},
		HasData:           true,
		IsAggregated:      true,
		MunicipalityCount: len(names),
		AggregatedFrom:    names,
	}
}

// copyRecord returns a shallow copy so callers cannot replace fields of the
// cached record.
func copyRecord(rec *LocationRecord) *LocationRecord {
	c := *rec
	return &c
}
