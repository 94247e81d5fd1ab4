package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/tsdv/pkg/engine"
	"github.com/vjranagit/tsdv/pkg/engine/memengine"
	"github.com/vjranagit/tsdv/pkg/schema"
)

func testConfigs(t *testing.T) (*schema.CacheConfig, *schema.DataSchema) {
	t.Helper()
	cache, err := schema.ParseCacheConfig([]byte(`{"useCache":true,"downsamplingLevels":[{"duration":86400,"numOfPoints":100}]}`))
	require.NoError(t, err)
	ds, err := schema.ParseDataSchema([]byte(`{"table":"data","date_key_column":"date","columns":{"date":"TEXT","steps":"INT"}}`))
	require.NoError(t, err)
	return cache, ds
}

func TestConfigure(t *testing.T) {
	cache, ds := testConfigs(t)
	eng := memengine.New()
	path := filepath.Join(t.TempDir(), "data.db")

	h, err := engine.Configure(context.Background(), eng, cache, ds, path, true)
	require.NoError(t, err)
	defer h.Close()

	assert.Same(t, cache, h.CacheConfig())
	assert.Same(t, ds, h.Schema())
	assert.Equal(t, path, h.Path())

	opts := eng.Options()
	assert.True(t, opts.Clean)
	assert.Equal(t, path, opts.Path)
}

func TestConfigureRejectsUnsortedLevels(t *testing.T) {
	_, ds := testConfigs(t)
	cache := &schema.CacheConfig{
		DownsamplingFilter: schema.FilterPoints,
		DownsamplingLevels: []schema.Level{
			{DurationSeconds: 86400, NumOfPoints: 100},
			{DurationSeconds: 3600, NumOfPoints: 100},
		},
	}
	eng := memengine.New()

	h, err := engine.Configure(context.Background(), eng, cache, ds, filepath.Join(t.TempDir(), "x.db"), false)
	assert.Nil(t, h)
	assert.True(t, engine.IsInitError(err, engine.KindInvalidConfig), "got %v", err)

	var ve *schema.ValidationError
	assert.True(t, errors.As(err, &ve))
	// levels are not silently reordered
	assert.Equal(t, int64(86400), cache.DownsamplingLevels[0].DurationSeconds)
}

func TestConfigureRejectsEmptyLevels(t *testing.T) {
	_, ds := testConfigs(t)
	cache := &schema.CacheConfig{DownsamplingFilter: schema.FilterPoints}

	_, err := engine.Configure(context.Background(), memengine.New(), cache, ds, filepath.Join(t.TempDir(), "x.db"), false)
	assert.True(t, engine.IsInitError(err, engine.KindInvalidConfig))
}

func TestConfigureNotWritable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can write anywhere")
	}
	cache, ds := testConfigs(t)

	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { os.Chmod(dir, 0o700) })

	_, err := engine.Configure(context.Background(), memengine.New(), cache, ds, filepath.Join(dir, "data.db"), false)
	assert.True(t, engine.IsInitError(err, engine.KindNotWritable), "got %v", err)
}

func TestConfigureMissingDirectory(t *testing.T) {
	cache, ds := testConfigs(t)
	path := filepath.Join(t.TempDir(), "missing", "data.db")

	_, err := engine.Configure(context.Background(), memengine.New(), cache, ds, path, false)
	assert.True(t, engine.IsInitError(err, engine.KindNotWritable), "got %v", err)
}

func TestConfigureEngineInitFailure(t *testing.T) {
	cache, ds := testConfigs(t)
	eng := memengine.New()
	path := filepath.Join(t.TempDir(), "data.db")

	_, err := engine.Configure(context.Background(), eng, cache, ds, path, false)
	require.NoError(t, err)

	// memengine refuses a second Init
	_, err = engine.Configure(context.Background(), eng, cache, ds, path, false)
	assert.True(t, engine.IsInitError(err, engine.KindEngineInit), "got %v", err)
}
