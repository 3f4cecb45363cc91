package geocorr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rel(strategy MatchingStrategy, column string) ColumnRelationship {
	return ColumnRelationship{
		Enabled:          true,
		TargetDatasetID:  "ds-target",
		TargetColumnName: column,
		MatchingStrategy: strategy,
		CreatedAt:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestResolveByID(t *testing.T) {
	r := NewRelationshipResolver(nil)
	rows := []Record{{"id": 7.0, "name": "Y"}, {"id": 42.0, "name": "X"}}

	res := r.Resolve(context.Background(), 42.0, "ds-src", "partido_id", rel(StrategyID, "id"), rows)
	assert.True(t, res.Matched)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, "X", res.TargetValue)
	assert.Equal(t, rows[1], res.TargetRow)
	assert.Equal(t, StrategyID, res.Strategy)

	res = r.Resolve(context.Background(), "42", "ds-src", "partido_id", rel(StrategyID, "id"), rows)
	assert.True(t, res.Matched, "numeric text coerces")

	res = r.Resolve(context.Background(), "abc", "ds-src", "partido_id", rel(StrategyID, "id"), rows)
	assert.False(t, res.Matched)

	res = r.Resolve(context.Background(), 9.0, "ds-src", "partido_id", rel(StrategyID, "id"), []Record{{"id": "9"}})
	assert.True(t, res.Matched)
	assert.Equal(t, "9", res.TargetValue, "rows without a name report the matched cell")
}

func TestResolveNameExact(t *testing.T) {
	r := NewRelationshipResolver(nil)
	rows := []Record{{"nombre": "Unidad Nacional de la Esperanza"}, {"nombre": "Vamos"}}

	res := r.Resolve(context.Background(), "Vamos", "", "", rel(StrategyNameExact, "nombre"), rows)
	assert.True(t, res.Matched)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, "Vamos", res.TargetValue)

	res = r.Resolve(context.Background(), "vamos", "", "", rel(StrategyNameExact, "nombre"), rows)
	assert.False(t, res.Matched, "exact strategy is case sensitive")
	assert.Nil(t, res.TargetValue)
	assert.Equal(t, 0.0, res.Confidence)
}

func TestResolveNameNormalized(t *testing.T) {
	r := NewRelationshipResolver(nil)
	rows := []Record{
		{"diputado": "Ervin Adim Maldonado Molina"},
		{"diputado": "José  García"},
	}

	tests := []struct {
		name       string
		source     string
		confidence float64
		target     string
	}{
		{"equal after normalization", "JOSE GARCIA", 0.95, "José  García"},
		{"words in order", "Ervin Maldonado", 0.85, "Ervin Adim Maldonado Molina"},
		{"words out of order", "Molina Ervin", 0, ""},
		{"contiguous substring", "Maldonado Molina", 0.85, "Ervin Adim Maldonado Molina"},
		{"target inside source", "Lic. José García", 0.85, "José  García"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Resolve(context.Background(), tt.source, "", "", rel(StrategyNameNormalized, "diputado"), rows)
			assert.Equal(t, tt.confidence > 0, res.Matched)
			assert.Equal(t, tt.confidence, res.Confidence)
			if tt.target != "" {
				assert.Equal(t, tt.target, res.TargetValue)
			}
		})
	}
}

func TestResolveNameNormalizedFirstRowWins(t *testing.T) {
	r := NewRelationshipResolver(nil)
	rows := []Record{
		{"n": "Santa Catarina Pinula", "id": 1.0},
		{"n": "Pinula", "id": 2.0},
	}

	// row 1 contains the source, so it wins before row 2's exact match is seen
	res := r.Resolve(context.Background(), "pinula", "", "", rel(StrategyNameNormalized, "n"), rows)
	require.True(t, res.Matched)
	assert.Equal(t, 0.85, res.Confidence)
	assert.Equal(t, 1.0, res.TargetRow["id"])
}

func TestResolveFuzzy(t *testing.T) {
	r := NewRelationshipResolver(nil)
	fuzzy := rel(StrategyFuzzy, "nombre")
	fuzzy.FuzzyThreshold = 0.85

	res := r.Resolve(context.Background(), "Jon Smith", "", "", fuzzy, []Record{{"nombre": "John Smith"}})
	assert.True(t, res.Matched)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	assert.Equal(t, "John Smith", res.TargetValue)

	res = r.Resolve(context.Background(), "Jon Smith", "", "", fuzzy, []Record{{"nombre": "Juana Sánchez"}})
	assert.False(t, res.Matched)
	assert.Equal(t, 0.0, res.Confidence)
}

func TestResolveFuzzyKeepsBestRow(t *testing.T) {
	r := NewRelationshipResolver(nil)
	fuzzy := rel(StrategyFuzzy, "nombre")
	fuzzy.FuzzyThreshold = 0.5
	rows := []Record{
		{"nombre": "Marta Lopez", "id": 1.0},
		{"nombre": "Marta López", "id": 2.0},
		{"nombre": "Marta Lopes", "id": 3.0},
	}

	res := r.Resolve(context.Background(), "marta lopez", "", "", fuzzy, rows)
	require.True(t, res.Matched)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, 1.0, res.TargetRow["id"], "ties go to the earliest row")
}

func TestResolveFuzzyDefaultThreshold(t *testing.T) {
	r := NewRelationshipResolver(nil, WithFuzzyThreshold(0.95))
	res := r.Resolve(context.Background(), "Jon Smith", "", "", rel(StrategyFuzzy, "nombre"), []Record{{"nombre": "John Smith"}})
	assert.False(t, res.Matched, "0.9 is below the configured default")
}

func TestResolveMultiValue(t *testing.T) {
	r := NewRelationshipResolver(nil)
	rows := []Record{
		{"nombre": "Vamos", "id": 1.0},
		{"nombre": "Semilla", "id": 2.0},
	}

	res := r.Resolve(context.Background(), "semilla; Nadie; vamos", "", "", rel(StrategyNameNormalized, "nombre"), rows)
	require.True(t, res.Matched)
	assert.Equal(t, 0.95, res.Confidence)
	assert.Equal(t, []any{"Semilla", "Vamos"}, res.TargetValue)
	assert.Equal(t, 2.0, res.TargetRow["id"])
	assert.Equal(t, "semilla; Nadie; vamos", res.SourceValue)

	res = r.Resolve(context.Background(), []any{"Nadie", "Nunca"}, "", "", rel(StrategyNameNormalized, "nombre"), rows)
	assert.False(t, res.Matched)
	assert.Nil(t, res.TargetValue)
}

func TestResolveListTargetCells(t *testing.T) {
	r := NewRelationshipResolver(nil)
	rows := []Record{{"aliases": []any{"UNE", "Unidad Nacional de la Esperanza"}}}

	res := r.Resolve(context.Background(), "une", "", "", rel(StrategyNameNormalized, "aliases"), rows)
	assert.True(t, res.Matched)
	assert.Equal(t, "UNE", res.TargetValue)
}

func TestResolveNoMatchCases(t *testing.T) {
	r := NewRelationshipResolver(nil)
	rows := []Record{{"nombre": "Vamos"}}

	disabled := rel(StrategyNameExact, "nombre")
	disabled.Enabled = false
	invalid := rel("soundex", "nombre")

	tests := []struct {
		name   string
		source any
		rel    ColumnRelationship
		rows   []Record
	}{
		{"nil source", nil, rel(StrategyNameExact, "nombre"), rows},
		{"blank source", "  ", rel(StrategyNameExact, "nombre"), rows},
		{"disabled", "Vamos", disabled, rows},
		{"invalid strategy", "Vamos", invalid, rows},
		{"no rows and no source", "Vamos", rel(StrategyNameExact, "nombre"), nil},
		{"missing column", "Vamos", rel(StrategyNameExact, "otro"), rows},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Resolve(context.Background(), tt.source, "ds", "col", tt.rel, tt.rows)
			assert.False(t, res.Matched)
			assert.Equal(t, 0.0, res.Confidence)
			assert.Nil(t, res.TargetValue)
			assert.Nil(t, res.TargetRow)
		})
	}
}

func TestResolveLoadsAndCachesTargetRows(t *testing.T) {
	src := &countingSource{StaticSource: StaticSource{{
		ID:   "ds-target",
		Name: "Partidos",
		Rows: []Record{{"id": 42.0, "name": "X"}},
	}}}
	clock := newFakeClock()
	r := NewRelationshipResolver(src, WithClock(clock.Now), WithTargetRowsTTL(time.Minute))
	ctx := context.Background()

	res := r.Resolve(ctx, 42.0, "", "", rel(StrategyID, "id"), nil)
	assert.True(t, res.Matched)
	r.Resolve(ctx, 42.0, "", "", rel(StrategyID, "id"), nil)
	assert.Equal(t, 1, src.gets, "rows are cached within the TTL")

	clock.Advance(2 * time.Minute)
	r.Resolve(ctx, 42.0, "", "", rel(StrategyID, "id"), nil)
	assert.Equal(t, 2, src.gets)

	r.ClearCache()
	r.Resolve(ctx, 42.0, "", "", rel(StrategyID, "id"), nil)
	assert.Equal(t, 3, src.gets)

	// supplied rows bypass the source
	r.Resolve(ctx, 42.0, "", "", rel(StrategyID, "id"), []Record{{"id": 42.0}})
	assert.Equal(t, 3, src.gets)
}

func TestResolveTargetLoadFailure(t *testing.T) {
	src := &countingSource{}
	src.setErr(errors.New("timeout"))
	r := NewRelationshipResolver(src)

	res := r.Resolve(context.Background(), 42.0, "", "", rel(StrategyID, "id"), nil)
	assert.False(t, res.Matched)

	missing := rel(StrategyID, "id")
	missing.TargetDatasetID = "nope"
	src.setErr(nil)
	res = r.Resolve(context.Background(), 42.0, "", "", missing, nil)
	assert.False(t, res.Matched)
}

func TestResolveMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRelationshipResolver(nil, WithRegisterer(reg))
	rows := []Record{{"id": 1.0}}

	r.Resolve(context.Background(), 1.0, "", "", rel(StrategyID, "id"), rows)
	r.Resolve(context.Background(), 2.0, "", "", rel(StrategyID, "id"), rows)
	r.Resolve(context.Background(), 3.0, "", "", rel(StrategyID, "id"), rows)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.resolutions.WithLabelValues("id", "true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.metrics.resolutions.WithLabelValues("id", "false")))
}

func TestComponentsShareRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	var a, b *RelationshipResolver
	require.NotPanics(t, func() {
		a = NewRelationshipResolver(nil, WithRegisterer(reg))
		b = NewRelationshipResolver(nil, WithRegisterer(reg))
		NewIndexBuilder(WithRegisterer(reg))
		NewQueryService(StaticSource{}, WithRegisterer(reg))
		New(StaticSource{}, WithRegisterer(reg))
	})
	rows := []Record{{"id": 1.0}}

	a.Resolve(context.Background(), 1.0, "", "", rel(StrategyID, "id"), rows)
	b.Resolve(context.Background(), 1.0, "", "", rel(StrategyID, "id"), rows)

	assert.Equal(t, 2.0, testutil.ToFloat64(a.metrics.resolutions.WithLabelValues("id", "true")))
}

func TestColumnRelationshipValidate(t *testing.T) {
	ok := rel(StrategyFuzzy, "nombre")
	ok.FuzzyThreshold = 0.8
	assert.NoError(t, ok.Validate())

	tests := []ColumnRelationship{
		rel("", "nombre"),
		rel("soundex", "nombre"),
		rel(StrategyID, ""),
		{Enabled: true, TargetColumnName: "n", MatchingStrategy: StrategyFuzzy, FuzzyThreshold: 1.5},
	}
	for _, r := range tests {
		assert.ErrorIs(t, r.Validate(), ErrInvalidRelationship, "%+v", r)
	}
}
