// Package memengine is an in-memory data engine for tests and demos
package memengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vjranagit/tsdv/pkg/engine"
	"github.com/vjranagit/tsdv/pkg/types"
)

// Engine keeps rows in memory keyed by the schema's date column
type Engine struct {
	// Respond, when set, replaces the built-in range lookup
	Respond func(params []byte) ([]byte, error)
	// Gate, when set, blocks every Query until it yields or is closed
	Gate chan struct{}

	mu      sync.RWMutex
	dateKey string
	rows    map[string]types.Point
	opts    engine.InitOptions
	queries atomic.Int64
	inited  bool
}

var _ engine.Port = (*Engine)(nil)

// New creates an empty engine
func New() *Engine {
	return &Engine{
		dateKey: "date",
		rows:    make(map[string]types.Point),
	}
}

// Init implements engine.Port
func (e *Engine) Init(ctx context.Context, opts engine.InitOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inited {
		return fmt.Errorf("memengine: already initialized")
	}
	e.inited = true
	e.opts = opts
	if opts.Schema != nil {
		e.dateKey = opts.Schema.DateKeyColumn
	}
	if opts.Clean {
		e.rows = make(map[string]types.Point)
	}
	return nil
}

// Options returns what Init was called with
func (e *Engine) Options() engine.InitOptions {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.opts
}

// Queries returns how many times Query has been called
func (e *Engine) Queries() int64 {
	return e.queries.Load()
}

// Load adds points directly, bypassing JSON
func (e *Engine) Load(points ...types.Point) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range points {
		if d, ok := p[e.dateKey].(string); ok {
			e.rows[d] = p
		}
	}
}

// Insert implements engine.Port
func (e *Engine) Insert(ctx context.Context, values []byte) error {
	var ds types.DataSet
	if err := json.Unmarshal(values, &ds); err != nil {
		return fmt.Errorf("memengine: decode insert: %w", err)
	}
	e.Load(ds.Points...)
	return nil
}

// Query implements engine.Port
func (e *Engine) Query(ctx context.Context, params []byte) ([]byte, error) {
	e.queries.Add(1)

	if e.Gate != nil {
		select {
		case <-e.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if e.Respond != nil {
		return e.Respond(params)
	}

	var p types.QueryParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("memengine: decode params: %w", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	dates := make([]string, 0, len(e.rows))
	for d := range e.rows {
		if d >= p.StartDate && d <= p.EndDate {
			dates = append(dates, d)
		}
	}
	if len(dates) == 0 {
		return nil, nil
	}
	sort.Strings(dates)

	out := types.DataSet{StartDate: p.StartDate, EndDate: p.EndDate}
	for _, d := range dates {
		out.Points = append(out.Points, e.project(e.rows[d], p.Metrics))
	}
	return json.Marshal(out)
}

func (e *Engine) project(row types.Point, metrics []string) types.Point {
	if metrics == nil {
		return row
	}
	p := types.Point{e.dateKey: row[e.dateKey]}
	for _, m := range metrics {
		if v, ok := row[m]; ok {
			p[m] = v
		}
	}
	return p
}

// Close implements engine.Port
func (e *Engine) Close() error {
	return nil
}
