package geocorr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSource wraps a static collection, counting list calls and
// optionally failing them.
type countingSource struct {
	StaticSource
	mu    sync.Mutex
	lists int
	gets  int
	err   error
}

func (s *countingSource) ListDatasets(ctx context.Context) ([]Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	if s.err != nil {
		return nil, s.err
	}
	return s.StaticSource.ListDatasets(ctx)
}

func (s *countingSource) GetDataset(ctx context.Context, id string) (*Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.err != nil {
		return nil, s.err
	}
	return s.StaticSource.GetDataset(ctx, id)
}

func (s *countingSource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func municipalityDataset() Dataset {
	return Dataset{
		ID:   "ds-muni",
		Name: "Alcaldes municipales",
		Schema: []Column{
			{Name: "Departamento", Type: "text"},
			{Name: "Municipio", Type: "text"},
			{Name: "Alcalde", Type: "text"},
		},
		Rows: []Record{
			{"Departamento": "Zacapa", "Municipio": "Gualán", "Alcalde": "Ana"},
			{"Departamento": "Zacapa", "Municipio": "Estanzuela", "Alcalde": "Beto"},
			{"Departamento": "Zacapa", "Municipio": "Zacapa (departamento)", "Alcalde": "Gobernación"},
			{"Departamento": "Chiquimula", "Municipio": "Jocotán", "Alcalde": "Carla"},
			{"Departamento": "Chiquimula", "Municipio": "Esquipulas", "Alcalde": "Dora"},
		},
	}
}

func newTestQueryService(src DatasetSource, clock *fakeClock) *QueryService {
	return NewQueryService(src, WithClock(clock.Now), WithIndexTTL(5*time.Minute))
}

func TestGetGeographicDataMunicipality(t *testing.T) {
	src := &countingSource{StaticSource: StaticSource{municipalityDataset(), alcaldesDataset()}}
	q := newTestQueryService(src, newFakeClock())
	ctx := context.Background()

	rec := q.GetGeographicData(ctx, "ZACAPA", "gualan")
	require.NotNil(t, rec)
	assert.Equal(t, "Gualán", rec.Municipio)
	require.Len(t, rec.Actors, 1)
	assert.Equal(t, "Ana", rec.Actors[0].Name)

	// unknown municipality falls back to the department-level record
	rec = q.GetGeographicData(ctx, "Chiquimula", "Olopa")
	require.NotNil(t, rec)
	assert.Equal(t, "", rec.Municipio)
	assert.Equal(t, "Juan Pérez", rec.Actors[0].Name)

	// no department-level record to fall back to
	assert.Nil(t, q.GetGeographicData(ctx, "Zacapa", "Río Hondo"))
	assert.Nil(t, q.GetGeographicData(ctx, "Petén", ""))
	assert.Nil(t, q.GetGeographicData(ctx, "", "Gualán"))
}

func TestGetGeographicDataDepartmentLevelPreferred(t *testing.T) {
	src := &countingSource{StaticSource: StaticSource{municipalityDataset(), alcaldesDataset()}}
	q := newTestQueryService(src, newFakeClock())

	rec := q.GetGeographicData(context.Background(), "chiquimula", "")
	require.NotNil(t, rec)
	assert.False(t, rec.IsAggregated)
	assert.Equal(t, "Juan Pérez", rec.Actors[0].Name)
}

func TestGetGeographicDataSyntheticDepartmentKey(t *testing.T) {
	src := &countingSource{StaticSource: StaticSource{municipalityDataset()}}
	q := newTestQueryService(src, newFakeClock())

	rec := q.GetGeographicData(context.Background(), "Zacapa", "")
	require.NotNil(t, rec)
	assert.Equal(t, "Zacapa (departamento)", rec.Municipio)
	assert.Equal(t, "Gobernación", rec.Actors[0].Name)
}

func TestGetGeographicDataNeverAggregatesMunicipalities(t *testing.T) {
	src := &countingSource{StaticSource: StaticSource{municipalityDataset()}}
	q := newTestQueryService(src, newFakeClock())

	rec := q.GetGeographicData(context.Background(), "Chiquimula", "")
	require.NotNil(t, rec)
	assert.True(t, rec.HasData)
	assert.True(t, rec.IsAggregated)
	assert.NotNil(t, rec.Datasets)
	assert.Empty(t, rec.Datasets)
	assert.NotNil(t, rec.Actors)
	assert.Empty(t, rec.Actors)
	assert.Equal(t, 2, rec.MunicipalityCount)
	assert.Equal(t, []string{"Esquipulas", "Jocotán"}, rec.AggregatedFrom)
	assert.Equal(t, "Chiquimula", rec.Departamento)
	assert.Equal(t, 2, rec.Statistics["actorCount"])
	assert.Equal(t, 1, rec.Statistics["datasetCount"])
	assert.Equal(t, 2, rec.Statistics["totalRows"])
}

func TestInvalidateCacheTriggersOneRebuild(t *testing.T) {
	src := &countingSource{StaticSource: StaticSource{municipalityDataset()}}
	reg := prometheus.NewRegistry()
	e := New(src, WithRegisterer(reg), WithClock(newFakeClock().Now))
	ctx := context.Background()

	e.GetGeographicData(ctx, "Zacapa", "Gualán")
	e.GetGeographicData(ctx, "Zacapa", "Estanzuela")
	assert.Equal(t, 1, src.lists)

	e.InvalidateCache()
	e.GetGeographicData(ctx, "Zacapa", "Gualán")
	e.GetGeographicData(ctx, "Zacapa", "Gualán")
	assert.Equal(t, 2, src.lists)
	assert.Equal(t, 2.0, testutil.ToFloat64(e.queries.builder.metrics.indexBuilds))
}

func TestIndexRebuiltAfterTTL(t *testing.T) {
	src := &countingSource{StaticSource: StaticSource{municipalityDataset()}}
	clock := newFakeClock()
	q := newTestQueryService(src, clock)
	ctx := context.Background()

	q.GetGeographicData(ctx, "Zacapa", "Gualán")
	clock.Advance(5 * time.Minute)
	q.GetGeographicData(ctx, "Zacapa", "Gualán")
	assert.Equal(t, 1, src.lists, "age equal to the TTL is still fresh")

	clock.Advance(time.Second)
	q.GetGeographicData(ctx, "Zacapa", "Gualán")
	assert.Equal(t, 2, src.lists)
}

func TestStaleIndexServedWhenRebuildFails(t *testing.T) {
	src := &countingSource{StaticSource: StaticSource{municipalityDataset()}}
	clock := newFakeClock()
	q := newTestQueryService(src, clock)
	ctx := context.Background()

	require.NotNil(t, q.GetGeographicData(ctx, "Zacapa", "Gualán"))

	src.setErr(errors.New("database unavailable"))
	clock.Advance(time.Hour)
	assert.NotNil(t, q.GetGeographicData(ctx, "Zacapa", "Gualán"))

	_, err := q.BuildIndex(ctx)
	assert.ErrorIs(t, err, ErrDatasetSource)

	q.InvalidateCache()
	assert.Nil(t, q.GetGeographicData(ctx, "Zacapa", "Gualán"), "no index and no source look like no data")
}

func TestMunicipalities(t *testing.T) {
	src := &countingSource{StaticSource: StaticSource{municipalityDataset(), alcaldesDataset()}}
	q := newTestQueryService(src, newFakeClock())

	recs := q.Municipalities(context.Background(), "chiquimula")
	require.Len(t, recs, 2)
	assert.Equal(t, "Esquipulas", recs[0].Municipio)
	assert.Equal(t, "Jocotán", recs[1].Municipio)
	assert.Empty(t, q.Municipalities(context.Background(), "nowhere"))
}

func TestIndexCache(t *testing.T) {
	clock := newFakeClock()
	c := NewIndexCache(time.Minute, clock.Now)

	_, fresh := c.Fresh()
	assert.False(t, fresh)

	idx := &GeographicIndex{BuiltAt: clock.Now()}
	c.Store(idx)
	got, fresh := c.Fresh()
	assert.True(t, fresh)
	assert.Same(t, idx, got)

	clock.Advance(2 * time.Minute)
	got, fresh = c.Fresh()
	assert.False(t, fresh)
	assert.Same(t, idx, got, "stale index is still returned")

	c.Invalidate()
	assert.Nil(t, c.Load())
}

func TestGetGeographicDataByDepartmentCode(t *testing.T) {
	src := &countingSource{StaticSource: StaticSource{municipalityDataset()}}
	q := newTestQueryService(src, newFakeClock())

	rec := q.GetGeographicData(context.Background(), "GT-19", "Gualán")
	require.NotNil(t, rec)
	assert.Equal(t, "Gualán", rec.Municipio)

	rec = q.GetGeographicData(context.Background(), "19", "")
	require.NotNil(t, rec)
	assert.Equal(t, "Zacapa (departamento)", rec.Municipio)
}
