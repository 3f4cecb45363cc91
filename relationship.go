package geocorr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrInvalidRelationship is returned by ColumnRelationship.Validate.
var ErrInvalidRelationship = errors.New("geocorr: invalid relationship")

// MatchingStrategy selects how a source value is compared to target cells.
type MatchingStrategy string

const (
	StrategyID             MatchingStrategy = "id"
	StrategyNameExact      MatchingStrategy = "name_exact"
	StrategyNameNormalized MatchingStrategy = "name_normalized"
	StrategyFuzzy          MatchingStrategy = "fuzzy"
)

// Confidence scores reported per strategy.
const (
	confidenceExact           = 1.0
	confidenceNormalized      = 0.95
	confidenceNormalizedSubst = 0.85
)

// ColumnRelationship links a source column to a column of a target dataset.
type ColumnRelationship struct {
	Enabled          bool             `json:"enabled"`
	TargetDatasetID  string           `json:"targetDatasetId"`
	TargetColumnName string           `json:"targetColumnName"`
	MatchingStrategy MatchingStrategy `json:"matchingStrategy"`
	FuzzyThreshold   float64          `json:"fuzzyThreshold,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedBy        string           `json:"updatedBy,omitempty"`
}

// Validate checks that the descriptor can be resolved.
func (r ColumnRelationship) Validate() error {
	switch r.MatchingStrategy {
	case StrategyID, StrategyNameExact, StrategyNameNormalized, StrategyFuzzy:
	default:
		return fmt.Errorf("%w: unknown matching strategy %q", ErrInvalidRelationship, r.MatchingStrategy)
	}
	if r.TargetColumnName == "" {
		return fmt.Errorf("%w: target column is required", ErrInvalidRelationship)
	}
	if r.FuzzyThreshold < 0 || r.FuzzyThreshold > 1 {
		return fmt.Errorf("%w: fuzzy threshold %v outside 0..1", ErrInvalidRelationship, r.FuzzyThreshold)
	}
	return nil
}

// ResolvedRelationship is the verdict for one source value.
type ResolvedRelationship struct {
	Matched     bool             `json:"matched"`
	Strategy    MatchingStrategy `json:"strategy"`
	Confidence  float64          `json:"confidence"`
	SourceValue any              `json:"sourceValue"`
	TargetValue any              `json:"targetValue"`
	TargetRow   Record           `json:"targetRow,omitempty"`
}

// displayKeys name the row fields used as the display value of an id match.
var displayKeys = []string{"name", "nombre", "label", "title", "titulo"}

type cachedRows struct {
	rows     []Record
	loadedAt time.Time
}

// RelationshipResolver matches cell values against rows of a target dataset.
// Target rows are loaded from the dataset source unless the caller supplies
// them, and loaded rows are cached per dataset for the configured TTL.
type RelationshipResolver struct {
	source           DatasetSource
	defaultThreshold float64
	ttl              time.Duration
	now              func() time.Time
	logger           *zap.Logger
	metrics          *metrics

	mu   sync.Mutex
	rows map[string]cachedRows
}

// NewRelationshipResolver creates a resolver. source may be nil when callers
// always pass target rows.
func NewRelationshipResolver(source DatasetSource, opts ...Option) *RelationshipResolver {
	cfg := newConfig(opts)
	return newRelationshipResolver(source, cfg, newMetrics(cfg.Registerer))
}

func newRelationshipResolver(source DatasetSource, cfg *Config, m *metrics) *RelationshipResolver {
	return &RelationshipResolver{
		source:           source,
		defaultThreshold: cfg.FuzzyThreshold,
		ttl:              cfg.TargetRowsTTL,
		now:              cfg.Clock,
		logger:           cfg.Logger,
		metrics:          m,
		rows:             make(map[string]cachedRows),
	}
}

// Resolve matches sourceValue through rel. targetRows, when non-nil, are used
// instead of loading the target dataset. Missing data never fails: load
// errors, missing datasets and invalid descriptors all resolve to no match.
//
// A multi-valued source (a list, or text separated by ";" or ",") is
// resolved element by element: it matches when any element matches, its
// confidence is the best element confidence and TargetValue lists the
// matched elements' target values in source order.
func (r *RelationshipResolver) Resolve(ctx context.Context, sourceValue any, sourceDatasetID, sourceColumn string, rel ColumnRelationship, targetRows []Record) ResolvedRelationship {
	res := r.resolve(ctx, sourceValue, sourceDatasetID, sourceColumn, rel, targetRows)
	r.metrics.observeResolution(rel.MatchingStrategy, res.Matched)
	return res
}

func (r *RelationshipResolver) resolve(ctx context.Context, sourceValue any, sourceDatasetID, sourceColumn string, rel ColumnRelationship, targetRows []Record) ResolvedRelationship {
	miss := ResolvedRelationship{Strategy: rel.MatchingStrategy, SourceValue: sourceValue}
	if sourceValue == nil || !rel.Enabled {
		return miss
	}
	if err := rel.Validate(); err != nil {
		r.logger.Warn("relationship_invalid",
			zap.String("dataset", sourceDatasetID),
			zap.String("column", sourceColumn),
			zap.Error(err))
		return miss
	}
	values := ParseListValues(sourceValue)
	if len(values) == 0 {
		return miss
	}
	if targetRows == nil {
		targetRows = r.targetRows(ctx, rel.TargetDatasetID)
	}
	if len(targetRows) == 0 {
		return miss
	}

	if len(values) == 1 {
		res := r.match(values[0], rel, targetRows)
		res.SourceValue = sourceValue
		return res
	}

	out := miss
	var matched []any
	for _, v := range values {
		res := r.match(v, rel, targetRows)
		if !res.Matched {
			continue
		}
		if !out.Matched {
			out.TargetRow = res.TargetRow
		}
		out.Matched = true
		out.Confidence = max(out.Confidence, res.Confidence)
		matched = append(matched, res.TargetValue)
	}
	if out.Matched {
		out.TargetValue = matched
	}
	return out
}

// match resolves a single source element. Exact and normalized strategies
// take the first row that satisfies them; fuzzy keeps the best-scoring row,
// with earlier rows winning ties.
func (r *RelationshipResolver) match(value string, rel ColumnRelationship, rows []Record) ResolvedRelationship {
	res := ResolvedRelationship{Strategy: rel.MatchingStrategy}
	col := rel.TargetColumnName

	switch rel.MatchingStrategy {
	case StrategyID:
		want, ok := toNumber(value)
		if !ok {
			return res
		}
		for _, row := range rows {
			for _, c := range ParseListValues(row[col]) {
				if got, ok := toNumber(c); ok && got == want {
					return hit(res, confidenceExact, displayValue(row, c), row)
				}
			}
		}

	case StrategyNameExact:
		for _, row := range rows {
			for _, c := range ParseListValues(row[col]) {
				if c == value {
					return hit(res, confidenceExact, c, row)
				}
			}
		}

	case StrategyNameNormalized:
		want := NormalizeKey(value)
		if want == "" {
			return res
		}
		for _, row := range rows {
			cands := ParseListValues(row[col])
			for _, c := range cands {
				if NormalizeKey(c) == want {
					return hit(res, confidenceNormalized, c, row)
				}
			}
			for _, c := range cands {
				if partialName(NormalizeKey(c), want) {
					return hit(res, confidenceNormalizedSubst, c, row)
				}
			}
		}

	case StrategyFuzzy:
		threshold := rel.FuzzyThreshold
		if threshold == 0 {
			threshold = r.defaultThreshold
		}
		want := NormalizeKey(value)
		best, bestVal, bestRow := -1.0, "", Record(nil)
		for _, row := range rows {
			for _, c := range ParseListValues(row[col]) {
				if s := Similarity(want, NormalizeKey(c)); s > best {
					best, bestVal, bestRow = s, c, row
				}
			}
		}
		if bestRow != nil && best >= threshold {
			return hit(res, best, bestVal, bestRow)
		}
	}
	return res
}

// partialName reports whether one normalized name contains the other, either
// as a substring or as an ordered subset of its words, so "ervin maldonado"
// matches "ervin adim maldonado molina".
func partialName(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return true
	}
	wa, wb := strings.Fields(a), strings.Fields(b)
	if len(wa) < len(wb) {
		wa, wb = wb, wa
	}
	if len(wb) < 2 {
		return false
	}
	i := 0
	for _, w := range wa {
		if i < len(wb) && w == wb[i] {
			i++
		}
	}
	return i == len(wb)
}

func hit(res ResolvedRelationship, confidence float64, value any, row Record) ResolvedRelationship {
	res.Matched = true
	res.Confidence = confidence
	res.TargetValue = value
	res.TargetRow = row
	return res
}

// displayValue is the value reported for an id match: the row's name-like
// field when it has one, otherwise the matched cell.
func displayValue(row Record, matched string) any {
	if s := firstString(row, displayKeys...); s != "" {
		return s
	}
	return matched
}

// targetRows returns the cached rows of a target dataset, loading them when
// absent or stale. Failures and missing datasets yield no rows.
func (r *RelationshipResolver) targetRows(ctx context.Context, datasetID string) []Record {
	if datasetID == "" || r.source == nil {
		return nil
	}
	r.mu.Lock()
	c, ok := r.rows[datasetID]
	r.mu.Unlock()
	if ok && r.now().Sub(c.loadedAt) <= r.ttl {
		return c.rows
	}

	d, err := r.source.GetDataset(ctx, datasetID)
	if err != nil {
		r.logger.Warn("relationship_target_load_error", zap.String("target", datasetID), zap.Error(err))
		return nil
	}
	if d == nil {
		r.logger.Debug("relationship_target_missing", zap.String("target", datasetID))
		return nil
	}
	r.mu.Lock()
	r.rows[datasetID] = cachedRows{rows: d.Rows, loadedAt: r.now()}
	r.mu.Unlock()
	return d.Rows
}

// ClearCache drops all cached target rows.
func (r *RelationshipResolver) ClearCache() {
	r.mu.Lock()
	r.rows = make(map[string]cachedRows)
	r.mu.Unlock()
}
