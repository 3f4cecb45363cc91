package geocorr

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// IndexBuilder scans a dataset collection and builds the department →
// municipality index. Every build is a full scan; there is no incremental
// mode.
type IndexBuilder struct {
	rules   []ColumnRule
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics
}

// NewIndexBuilder creates a builder. Relevant options are WithColumnRules,
// WithClock, WithLogger and WithRegisterer.
func NewIndexBuilder(opts ...Option) *IndexBuilder {
	cfg := newConfig(opts)
	return newIndexBuilder(cfg, newMetrics(cfg.Registerer))
}

func newIndexBuilder(cfg *Config, m *metrics) *IndexBuilder {
	return &IndexBuilder{rules: cfg.ColumnRules, now: cfg.Clock, logger: cfg.Logger, metrics: m}
}

type classifiedColumn struct {
	Column
	tag ColumnTag
}

// datasetPlan is the column classification of one dataset.
type datasetPlan struct {
	departments    []classifiedColumn
	municipalities []classifiedColumn
	locations      []classifiedColumn
	actors         []classifiedColumn
	facts          []classifiedColumn // every non-geographic column
}

func (p *datasetPlan) geographic() bool {
	return len(p.departments)+len(p.municipalities)+len(p.locations) > 0
}

func (b *IndexBuilder) plan(d *Dataset) *datasetPlan {
	p := &datasetPlan{}
	for _, col := range datasetColumns(d) {
		cc := classifiedColumn{Column: col, tag: ClassifyColumn(b.rules, col.Name, col.Type)}
		switch cc.tag {
		case TagDepartment:
			p.departments = append(p.departments, cc)
		case TagMunicipality:
			p.municipalities = append(p.municipalities, cc)
		case TagLocation:
			p.locations = append(p.locations, cc)
		case TagActor:
			p.actors = append(p.actors, cc)
			p.facts = append(p.facts, cc)
		default:
			p.facts = append(p.facts, cc)
		}
	}
	return p
}

// datasetColumns returns the declared schema, or the sorted keys of the first
// row when a dataset was stored without one.
func datasetColumns(d *Dataset) []Column {
	if len(d.Schema) > 0 || len(d.Rows) == 0 {
		return d.Schema
	}
	keys := make([]string, 0, len(d.Rows[0]))
	for k := range d.Rows[0] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	cols := make([]Column, len(keys))
	for i, k := range keys {
		cols[i] = Column{Name: k}
	}
	return cols
}

// Build indexes datasets and returns a new index. Datasets without location
// columns are skipped, as are datasets that fail while being processed; rows
// without a resolvable department are dropped.
func (b *IndexBuilder) Build(datasets []Dataset) *GeographicIndex {
	start := time.Now()
	idx := newGeographicIndex()
	b.logger.Debug("index_build_start", zap.Int("datasets", len(datasets)))
	for i := range datasets {
		d := &datasets[i]
		p := b.plan(d)
		if !p.geographic() {
			idx.SkippedCount++
			b.metrics.datasetsSkipped.Inc()
			b.logger.Debug("dataset_skipped", zap.String("dataset", d.ID), zap.String("reason", "no_location_columns"))
			continue
		}
		rows, err := b.indexDataset(idx, d, p)
		if err != nil {
			idx.SkippedCount++
			b.metrics.datasetsSkipped.Inc()
			b.logger.Error("dataset_index_error", zap.String("dataset", d.ID), zap.Error(err))
			continue
		}
		idx.DatasetCount++
		b.logger.Debug("dataset_indexed", zap.String("dataset", d.ID), zap.Int("rows", rows))
	}
	for _, bucket := range idx.Entries {
		for _, rec := range bucket {
			rec.refreshStatistics()
		}
	}
	idx.BuiltAt = b.now()
	elapsed := time.Since(start)
	b.metrics.indexBuilds.Inc()
	b.metrics.indexDuration.Observe(elapsed.Seconds())
	b.metrics.indexLocations.Set(float64(idx.Len()))
	b.logger.Info("index_build_done",
		zap.Int("locations", idx.Len()),
		zap.Int("datasets", idx.DatasetCount),
		zap.Int("skipped", idx.SkippedCount),
		zap.Duration("elapsed", elapsed))
	return idx
}

// indexDataset adds one dataset's rows to idx and returns how many rows were
// placed. A panic on malformed data is converted to an error so the rest of
// the collection still gets indexed.
func (b *IndexBuilder) indexDataset(idx *GeographicIndex, d *Dataset, p *datasetPlan) (placed int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dataset %s: %v", d.ID, r)
		}
	}()
	for _, row := range d.Rows {
		if row == nil {
			continue
		}
		if b.indexRow(idx, d, p, row) {
			placed++
		}
	}
	return placed, nil
}

func (b *IndexBuilder) indexRow(idx *GeographicIndex, d *Dataset, p *datasetPlan, row Record) bool {
	dept := canonicalDepartment(rowDepartment(row, p))
	deptKey := NormalizeKey(dept)
	if deptKey == "" {
		return false
	}
	muni := rowMunicipality(row, p)
	subKey := NormalizeKey(muni)
	if subKey == "" {
		subKey = DepartmentLevelKey
		muni = ""
	}

	rec := idx.getOrCreate(deptKey, subKey, dept, muni)
	m := rec.datasetMatch(d)
	m.MatchedRows = append(m.MatchedRows, row)
	for _, col := range p.facts {
		v, ok := row[col.Name]
		if !ok || isBlank(v) {
			continue
		}
		display := col.DisplayName
		if display == "" {
			display = col.Name
		}
		m.addDataType(DetectedDataType{
			Type:        detectKind(col.tag, col.Type),
			ColumnName:  col.Name,
			DisplayName: display,
			Value:       v,
		})
	}
	for _, col := range p.actors {
		rec.Actors = append(rec.Actors, extractActors(row[col.Name], col.Name, d.Name)...)
	}
	return true
}

// rowDepartment reads department columns, then location columns, then
// structured municipality cells.
func rowDepartment(row Record, p *datasetPlan) string {
	if s := firstField(row, p.departments, FieldDepartment, false); s != "" {
		return s
	}
	if s := firstField(row, p.locations, FieldDepartment, false); s != "" {
		return s
	}
	return firstField(row, p.municipalities, FieldDepartment, true)
}

// rowMunicipality reads municipality columns, then structured location cells.
// Raw text in a location column names a department, not a municipality.
func rowMunicipality(row Record, p *datasetPlan) string {
	if s := firstField(row, p.municipalities, FieldMunicipality, false); s != "" {
		return s
	}
	return firstField(row, p.locations, FieldMunicipality, true)
}

func firstField(row Record, cols []classifiedColumn, f LocationField, structuredOnly bool) string {
	for _, col := range cols {
		lv := ParseLocationValue(row[col.Name])
		if structuredOnly && lv.Kind != LocationStructured {
			continue
		}
		if s, ok := lv.Field(f); ok {
			return s
		}
	}
	return ""
}

// extractActors reads actors from a cell: plain names, {name|label} objects,
// or lists of either.
func extractActors(v any, role, source string) []ActorData {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil
		}
		if strings.HasPrefix(s, "{") {
			var m map[string]any
			if err := json.Unmarshal([]byte(s), &m); err == nil {
				return extractActors(m, role, source)
			}
		}
		return []ActorData{{Name: s, Role: role, SourceDataset: source}}
	case map[string]any:
		name := firstString(x, "name", "label")
		if name == "" {
			return nil
		}
		a := ActorData{
			Name:          name,
			Role:          role,
			Party:         firstString(x, "party", "partido"),
			PhotoURL:      firstString(x, "image_url", "imageUrl", "photo"),
			SourceDataset: source,
		}
		for k, val := range x {
			switch k {
			case "name", "label", "party", "partido", "image_url", "imageUrl", "photo":
				continue
			}
			if a.Metadata == nil {
				a.Metadata = make(map[string]any)
			}
			a.Metadata[k] = val
		}
		return []ActorData{a}
	case []any:
		var out []ActorData
		for _, e := range x {
			out = append(out, extractActors(e, role, source)...)
		}
		return out
	default:
		return nil
	}
}

func isBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	default:
		return false
	}
}
