// Package engine defines the boundary to the external data engine and the
// one-time configuration step that produces a usable engine handle.
package engine

import (
	"context"

	"github.com/vjranagit/tsdv/pkg/schema"
)

// InitOptions carries the validated configuration into the engine
type InitOptions struct {
	Cache  *schema.CacheConfig
	Schema *schema.DataSchema
	// Path is the engine's storage location, e.g. /path/to/database.db
	Path string
	// Clean drops any existing data before use
	Clean bool
}

// Port is the contract the data engine must fulfil
type Port interface {
	// Init opens or creates the engine store; called exactly once
	Init(ctx context.Context, opts InitOptions) error

	// Query returns the engine's JSON payload for the canonical request
	// object. A nil or empty payload means no rows fell in the range.
	Query(ctx context.Context, params []byte) ([]byte, error)

	// Insert adds rows in the {startDate,endDate,points:[...]} shape
	Insert(ctx context.Context, values []byte) error

	// Close releases engine resources
	Close() error
}

// Handle is an initialized engine together with the configuration it was
// initialized with. It is safe for concurrent queries if the port is.
type Handle struct {
	port   Port
	cache  *schema.CacheConfig
	schema *schema.DataSchema
	path   string
}

// Query forwards to the engine
func (h *Handle) Query(ctx context.Context, params []byte) ([]byte, error) {
	return h.port.Query(ctx, params)
}

// Insert forwards to the engine
func (h *Handle) Insert(ctx context.Context, values []byte) error {
	return h.port.Insert(ctx, values)
}

// CacheConfig returns the frozen cache configuration
func (h *Handle) CacheConfig() *schema.CacheConfig {
	return h.cache
}

// Schema returns the frozen data schema
func (h *Handle) Schema() *schema.DataSchema {
	return h.schema
}

// Path returns the storage location the engine was opened at
func (h *Handle) Path() string {
	return h.path
}

// Close closes the underlying engine
func (h *Handle) Close() error {
	return h.port.Close()
}
