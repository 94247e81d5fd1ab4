package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vjranagit/tsdv/pkg/schema"
)

// InitErrorKind classifies a fatal initialization failure
type InitErrorKind int

const (
	KindInvalidConfig InitErrorKind = iota + 1
	KindNotWritable
	KindEngineInit
)

func (k InitErrorKind) String() string {
	switch k {
	case KindInvalidConfig:
		return "invalid configuration"
	case KindNotWritable:
		return "storage not writable"
	case KindEngineInit:
		return "engine init failed"
	default:
		return "unknown"
	}
}

// InitError is fatal: no bridge can be built once it is returned
type InitError struct {
	Kind  InitErrorKind
	Path  string
	Cause error
}

func (e *InitError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("engine configure: %s (%s): %v", e.Kind, e.Path, e.Cause)
	}
	return fmt.Sprintf("engine configure: %s: %v", e.Kind, e.Cause)
}

func (e *InitError) Unwrap() error {
	return e.Cause
}

// IsInitError reports whether err is a fatal initialization error of kind k
func IsInitError(err error, k InitErrorKind) bool {
	var ie *InitError
	return errors.As(err, &ie) && ie.Kind == k
}

// Configure validates the configuration, checks that storageLocation can be
// written, and initializes the engine.
func Configure(ctx context.Context, port Port, cache *schema.CacheConfig, ds *schema.DataSchema, storageLocation string, reset bool) (*Handle, error) {
	if port == nil {
		return nil, &InitError{Kind: KindEngineInit, Cause: errors.New("no engine port")}
	}
	if cache == nil || ds == nil {
		return nil, &InitError{Kind: KindInvalidConfig, Cause: errors.New("cache setup and data schema are required")}
	}
	if err := cache.Validate(); err != nil {
		return nil, &InitError{Kind: KindInvalidConfig, Cause: err}
	}
	if err := ds.Validate(); err != nil {
		return nil, &InitError{Kind: KindInvalidConfig, Cause: err}
	}

	if err := checkWritable(storageLocation); err != nil {
		return nil, &InitError{Kind: KindNotWritable, Path: storageLocation, Cause: err}
	}

	opts := InitOptions{
		Cache:  cache,
		Schema: ds,
		Path:   storageLocation,
		Clean:  reset,
	}
	if err := port.Init(ctx, opts); err != nil {
		return nil, &InitError{Kind: KindEngineInit, Path: storageLocation, Cause: err}
	}

	return &Handle{
		port:   port,
		cache:  cache,
		schema: ds,
		path:   storageLocation,
	}, nil
}

// checkWritable probes the directory that will hold the engine store
func checkWritable(location string) error {
	if location == "" {
		return errors.New("empty storage location")
	}

	dir := location
	if info, err := os.Stat(location); err != nil || !info.IsDir() {
		dir = filepath.Dir(location)
	}

	f, err := os.CreateTemp(dir, ".tsdv-probe-*")
	if err != nil {
		return fmt.Errorf("no write access: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
