package sqlstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/tsdv/pkg/engine"
	"github.com/vjranagit/tsdv/pkg/schema"
	"github.com/vjranagit/tsdv/pkg/types"
)

const testSchema = `{"table":"data","date_key_column":"date","columns":{"date":"TEXT","steps":"INT","body_temp":"REAL","note":"TEXT"}}`

const testRows = `{"startDate":"2015-03-03 00:00Z","endDate":"2015-03-03 00:02Z","points":[
	{"date":"2015-03-03 00:00Z","steps":10,"body_temp":82.4,"note":"a"},
	{"date":"2015-03-03 00:01Z","steps":"12","body_temp":"83.1"},
	{"date":"2015-03-03 00:02Z","steps":0,"body_temp":85.1,"note":"c"}
]}`

func newTestStore(t *testing.T, useCache bool) *Store {
	t.Helper()

	ds, err := schema.ParseDataSchema([]byte(testSchema))
	require.NoError(t, err)
	cache := &schema.CacheConfig{
		UseCache:           useCache,
		DownsamplingFilter: schema.FilterPoints,
		DownsamplingLevels: []schema.Level{{DurationSeconds: 86400, NumOfPoints: 100}},
	}

	s := New(DefaultOptions())
	err = s.Init(context.Background(), engine.InitOptions{
		Cache:  cache,
		Schema: ds,
		Path:   filepath.Join(t.TempDir(), "test.db"),
		Clean:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Insert(context.Background(), []byte(testRows)))
	return s
}

func query(t *testing.T, s *Store, p types.QueryParams) *types.DataSet {
	t.Helper()
	params, err := json.Marshal(p)
	require.NoError(t, err)

	payload, err := s.Query(context.Background(), params)
	require.NoError(t, err)
	if payload == nil {
		return nil
	}

	var ds types.DataSet
	require.NoError(t, json.Unmarshal(payload, &ds))
	return &ds
}

func TestStoreQueryRange(t *testing.T) {
	s := newTestStore(t, false)

	ds := query(t, s, types.QueryParams{StartDate: "2015-03-03 00:00Z", EndDate: "2015-03-03 00:01Z", NumOfPoints: 10})
	require.NotNil(t, ds)
	require.Len(t, ds.Points, 2)
	assert.Equal(t, "2015-03-03 00:00Z", ds.Points[0]["date"])
	assert.Equal(t, float64(10), ds.Points[0]["steps"])
	assert.Equal(t, 83.1, ds.Points[1]["body_temp"])
	assert.NotContains(t, ds.Points[1], "note")
}

func TestStoreQueryMetrics(t *testing.T) {
	s := newTestStore(t, false)

	ds := query(t, s, types.QueryParams{
		StartDate: "2015-03-03 00:00Z",
		EndDate:   "2015-03-03 23:59Z",
		Metrics:   []string{"steps", "unknown"},
	})
	require.NotNil(t, ds)
	require.Len(t, ds.Points, 3)
	for _, p := range ds.Points {
		assert.Len(t, p, 2)
		assert.Contains(t, p, "date")
		assert.Contains(t, p, "steps")
	}
}

func TestStoreQueryEmptyRange(t *testing.T) {
	s := newTestStore(t, false)

	ds := query(t, s, types.QueryParams{StartDate: "2020-01-01", EndDate: "2020-01-31"})
	assert.Nil(t, ds)
}

func TestStoreCacheClearedOnInsert(t *testing.T) {
	s := newTestStore(t, true)
	p := types.QueryParams{StartDate: "2015-03-03 00:00Z", EndDate: "2015-03-04 00:00Z"}

	require.Len(t, query(t, s, p).Points, 3)
	require.Len(t, query(t, s, p).Points, 3)

	stats, ok := s.CacheStats()
	require.True(t, ok)
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, uint64(1), stats.Hits)

	more := `{"points":[{"date":"2015-03-03 12:00Z","steps":5}]}`
	require.NoError(t, s.Insert(context.Background(), []byte(more)))

	stats, _ = s.CacheStats()
	assert.Zero(t, stats.Size)
	assert.Len(t, query(t, s, p).Points, 4)
}

func TestStoreInsertDuringQueryDoesNotCacheOldRows(t *testing.T) {
	s := newTestStore(t, true)
	p := types.QueryParams{StartDate: "2015-03-03 00:00Z", EndDate: "2015-03-04 00:00Z"}

	s.afterFetch = func() {
		s.afterFetch = nil
		more := `{"points":[{"date":"2015-03-03 12:00Z","steps":5}]}`
		require.NoError(t, s.Insert(context.Background(), []byte(more)))
	}

	// the first read raced the insert and may see the old rows
	require.Len(t, query(t, s, p).Points, 3)

	stats, _ := s.CacheStats()
	assert.Zero(t, stats.Size)
	assert.Len(t, query(t, s, p).Points, 4)
}

func TestStoreInsertRejectsBadRows(t *testing.T) {
	s := newTestStore(t, false)

	assert.Error(t, s.Insert(context.Background(), []byte(`{"points":[{"steps":1}]}`)))
	assert.Error(t, s.Insert(context.Background(), []byte(`{"points":[{"date":"x","steps":"many"}]}`)))
	assert.Error(t, s.Insert(context.Background(), []byte(`not json`)))
}

func TestStoreCleanDropsRows(t *testing.T) {
	ds, err := schema.ParseDataSchema([]byte(testSchema))
	require.NoError(t, err)
	cache := &schema.CacheConfig{DownsamplingLevels: []schema.Level{{DurationSeconds: 60, NumOfPoints: 1}}}
	path := filepath.Join(t.TempDir(), "clean.db")

	s := New(DefaultOptions())
	require.NoError(t, s.Init(context.Background(), engine.InitOptions{Cache: cache, Schema: ds, Path: path}))
	require.NoError(t, s.Insert(context.Background(), []byte(testRows)))
	require.NoError(t, s.Close())

	reopened := New(DefaultOptions())
	require.NoError(t, reopened.Init(context.Background(), engine.InitOptions{Cache: cache, Schema: ds, Path: path}))
	assert.NotNil(t, query(t, reopened, types.QueryParams{StartDate: "2015", EndDate: "2016"}))
	require.NoError(t, reopened.Close())

	cleaned := New(DefaultOptions())
	require.NoError(t, cleaned.Init(context.Background(), engine.InitOptions{Cache: cache, Schema: ds, Path: path, Clean: true}))
	defer cleaned.Close()
	assert.Nil(t, query(t, cleaned, types.QueryParams{StartDate: "2015", EndDate: "2016"}))
}
