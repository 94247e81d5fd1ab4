package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/vjranagit/tsdv/internal/config"
	"github.com/vjranagit/tsdv/internal/observability"
	"github.com/vjranagit/tsdv/pkg/bridge"
	"github.com/vjranagit/tsdv/pkg/engine"
	"github.com/vjranagit/tsdv/pkg/engine/sqlstore"
	"github.com/vjranagit/tsdv/pkg/perflog"
	"github.com/vjranagit/tsdv/pkg/prefs"
)

// app is the wired runtime shared by the commands
type app struct {
	logger   *slog.Logger
	prefs    prefs.Store
	recorder *perflog.Recorder
	handle   *engine.Handle
	metrics  *observability.Metrics
	bridge   *bridge.Bridge
}

// openApp configures the engine and builds the bridge. Configuration and
// storage failures come back as *engine.InitError.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	cache, err := cfg.LoadCacheConfig()
	if err != nil {
		return nil, &engine.InitError{Kind: engine.KindInvalidConfig, Path: cfg.Engine.CacheConfigFile, Cause: err}
	}
	ds, err := cfg.LoadDataSchema()
	if err != nil {
		return nil, &engine.InitError{Kind: engine.KindInvalidConfig, Path: cfg.Engine.SchemaFile, Cause: err}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Engine.DatabasePath), 0755); err != nil {
		logger.Warn("failed to create database directory", "error", err)
	}

	a := &app{logger: logger}

	a.prefs, err = prefs.OpenBadger(cfg.Logging.PrefsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open preference store: %w", err)
	}

	a.recorder = perflog.NewRecorder(a.prefs, cfg.ToRecorderOptions(logger))
	if err := a.recorder.Open(); err != nil {
		logger.Warn("failed to resume performance log", "error", err)
	}

	logger.Info("initializing data engine",
		"path", cfg.Engine.DatabasePath,
		"clean", cfg.Engine.Clean,
		"levels", len(cache.DownsamplingLevels),
		"table", ds.Table)

	store := sqlstore.New(cfg.ToStoreOptions(logger))
	a.handle, err = engine.Configure(ctx, store, cache, ds, cfg.Engine.DatabasePath, cfg.Engine.Clean)
	if err != nil {
		a.close()
		return nil, err
	}

	a.metrics = observability.NewMetrics(cfg.Metrics.Namespace)

	opts := append(cfg.ToBridgeOptions(),
		bridge.WithLogger(logger),
		bridge.WithObserver(a.metrics),
		bridge.WithRecorder(a.recorder),
	)
	a.bridge, err = bridge.New(a.handle, opts...)
	if err != nil {
		a.close()
		return nil, err
	}

	return a, nil
}

func (a *app) close() error {
	var errs []error
	if a.bridge != nil {
		errs = append(errs, a.bridge.Close())
	}
	if a.handle != nil {
		errs = append(errs, a.handle.Close())
	}
	if a.recorder != nil {
		errs = append(errs, a.recorder.Close())
	}
	if a.prefs != nil {
		errs = append(errs, a.prefs.Close())
	}
	return errors.Join(errs...)
}

func isInitFailure(err error) bool {
	var ie *engine.InitError
	return errors.As(err, &ie)
}
