// Package sqlstore is a reference data engine backed by SQLite. It stores
// rows laid out by the data schema and answers range queries; it does not
// downsample.
package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vjranagit/tsdv/pkg/engine"
	"github.com/vjranagit/tsdv/pkg/schema"
	"github.com/vjranagit/tsdv/pkg/types"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Options tunes the reference engine
type Options struct {
	CacheCapacity    int
	CacheTTL         time.Duration
	CompressionLevel int
	Logger           *slog.Logger
}

// DefaultOptions returns default engine options
func DefaultOptions() Options {
	return Options{
		CacheCapacity:    256,
		CacheTTL:         10 * time.Minute,
		CompressionLevel: 2,
	}
}

// Store implements engine.Port on a SQLite database
type Store struct {
	opts       Options
	logger     *slog.Logger
	db         *sql.DB
	schema     *schema.DataSchema
	compressor *Compressor
	cache      *ResponseCache
	group      singleflight.Group
	mu         sync.RWMutex
	// bumped after every committed insert; part of the singleflight key
	inserts atomic.Uint64
	// test hook run between fetch and cache fill
	afterFetch func()
}

var _ engine.Port = (*Store)(nil)

// New creates an uninitialized store
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		opts:   opts,
		logger: logger.With("component", "sqlstore"),
	}
}

// Init implements engine.Port
func (s *Store) Init(ctx context.Context, opts engine.InitOptions) error {
	if opts.Schema == nil {
		return fmt.Errorf("sqlstore: data schema is required")
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return fmt.Errorf("failed to open SQLite: %w", err)
	}
	// one connection keeps :memory: databases coherent and serializes writers
	db.SetMaxOpenConns(1)

	table := quoteIdent(opts.Schema.Table)
	if opts.Clean {
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			db.Close()
			return fmt.Errorf("failed to clean table: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, createTableSQL(opts.Schema)); err != nil {
		db.Close()
		return fmt.Errorf("failed to create table: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.db = db
	s.schema = opts.Schema

	if opts.Cache != nil && opts.Cache.UseCache {
		compressor, err := NewCompressor(s.opts.CompressionLevel)
		if err != nil {
			db.Close()
			return fmt.Errorf("failed to create compressor: %w", err)
		}
		s.compressor = compressor
		s.cache = NewResponseCache(s.opts.CacheCapacity, s.opts.CacheTTL, compressor)
	}

	s.logger.Info("engine initialized",
		"path", opts.Path,
		"table", opts.Schema.Table,
		"clean", opts.Clean,
		"cache", s.cache != nil)
	return nil
}

func createTableSQL(ds *schema.DataSchema) string {
	defs := make([]string, 0, len(ds.Columns))
	for _, c := range ds.Columns {
		def := quoteIdent(c.Name) + " " + sqlType(c.Type)
		if c.Name == ds.DateKeyColumn {
			def += " PRIMARY KEY"
		}
		defs = append(defs, def)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(ds.Table), strings.Join(defs, ", "))
}

func sqlType(t schema.ColumnType) string {
	switch t {
	case schema.ColumnInt:
		return "INTEGER"
	case schema.ColumnReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

// identifiers are validated by schema.Validate before they get here
func quoteIdent(name string) string {
	return `"` + name + `"`
}

// Insert implements engine.Port
func (s *Store) Insert(ctx context.Context, values []byte) error {
	var ds types.DataSet
	dec := json.NewDecoder(bytes.NewReader(values))
	dec.UseNumber()
	if err := dec.Decode(&ds); err != nil {
		return fmt.Errorf("sqlstore: decode insert: %w", err)
	}

	s.mu.RLock()
	db, sch, cache := s.db, s.schema, s.cache
	s.mu.RUnlock()
	if db == nil {
		return fmt.Errorf("sqlstore: not initialized")
	}

	cols := sch.Columns
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		names[i] = quoteIdent(c.Name)
		marks[i] = "?"
	}
	stmtSQL := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		quoteIdent(sch.Table), strings.Join(names, ", "), strings.Join(marks, ", "))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, stmtSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, p := range ds.Points {
		key, ok := p[sch.DateKeyColumn].(string)
		if !ok || key == "" {
			return fmt.Errorf("sqlstore: point %d: missing %q", i, sch.DateKeyColumn)
		}

		args := make([]any, len(cols))
		for j, c := range cols {
			v, err := convert(c, p[c.Name])
			if err != nil {
				return fmt.Errorf("sqlstore: point %d: %w", i, err)
			}
			args[j] = v
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to insert point %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit insert: %w", err)
	}

	// Rows changed, every cached response may be stale
	s.inserts.Add(1)
	if cache != nil {
		cache.Clear()
	}

	s.logger.Debug("rows inserted", "count", len(ds.Points))
	return nil
}

// convert coerces a decoded JSON value to the column's storage type
func convert(c schema.Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch c.Type {
	case schema.ColumnText:
		switch t := v.(type) {
		case string:
			return t, nil
		case json.Number:
			return t.String(), nil
		}
	case schema.ColumnInt:
		switch t := v.(type) {
		case json.Number:
			if i, err := t.Int64(); err == nil {
				return i, nil
			}
			f, err := t.Float64()
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", c.Name, err)
			}
			return int64(f), nil
		case string:
			i, err := strconv.ParseInt(t, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", c.Name, err)
			}
			return i, nil
		}
	case schema.ColumnReal:
		switch t := v.(type) {
		case json.Number:
			f, err := t.Float64()
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", c.Name, err)
			}
			return f, nil
		case string:
			f, err := strconv.ParseFloat(t, 64)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", c.Name, err)
			}
			return f, nil
		}
	}
	return nil, fmt.Errorf("column %q: unsupported value %T", c.Name, v)
}

// Query implements engine.Port
func (s *Store) Query(ctx context.Context, params []byte) ([]byte, error) {
	s.mu.RLock()
	db, cache := s.db, s.cache
	s.mu.RUnlock()
	if db == nil {
		return nil, fmt.Errorf("sqlstore: not initialized")
	}

	var gen uint64
	if cache != nil {
		gen = cache.Generation()
		if payload, ok := cache.Get(params); ok {
			return payload, nil
		}
	}

	// queries issued after an insert never join a flight that started before it
	key := strconv.FormatUint(s.inserts.Load(), 10) + ":" + string(params)
	v, err, _ := s.group.Do(key, func() (any, error) {
		payload, err := s.fetch(ctx, db, params)
		if s.afterFetch != nil {
			s.afterFetch()
		}
		return payload, err
	})
	if err != nil {
		return nil, err
	}

	payload, _ := v.([]byte)
	if cache != nil && len(payload) > 0 {
		cache.PutAt(gen, params, payload)
	}
	return payload, nil
}

func (s *Store) fetch(ctx context.Context, db *sql.DB, params []byte) ([]byte, error) {
	var p types.QueryParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("sqlstore: decode params: %w", err)
	}

	cols, err := s.selectColumns(p.Metrics)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = quoteIdent(c.Name)
	}
	key := quoteIdent(s.schema.DateKeyColumn)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s >= ? AND %s <= ? ORDER BY %s",
		strings.Join(names, ", "), quoteIdent(s.schema.Table), key, key, key)

	rows, err := db.QueryContext(ctx, query, p.StartDate, p.EndDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}
	defer rows.Close()

	out := types.DataSet{StartDate: p.StartDate, EndDate: p.EndDate}
	for rows.Next() {
		dest := make([]any, len(cols))
		for i, c := range cols {
			switch c.Type {
			case schema.ColumnInt:
				dest[i] = new(sql.NullInt64)
			case schema.ColumnReal:
				dest[i] = new(sql.NullFloat64)
			default:
				dest[i] = new(sql.NullString)
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		point := make(types.Point, len(cols))
		for i, c := range cols {
			switch v := dest[i].(type) {
			case *sql.NullInt64:
				if v.Valid {
					point[c.Name] = v.Int64
				}
			case *sql.NullFloat64:
				if v.Valid {
					point[c.Name] = v.Float64
				}
			case *sql.NullString:
				if v.Valid {
					point[c.Name] = v.String
				}
			}
		}
		out.Points = append(out.Points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}

	if len(out.Points) == 0 {
		return nil, nil
	}
	return json.Marshal(out)
}

// selectColumns resolves requested metrics to schema columns, always
// including the date key first. Unknown metrics are skipped.
func (s *Store) selectColumns(metrics []string) ([]schema.Column, error) {
	if metrics == nil {
		return s.schema.Columns, nil
	}

	key, _ := s.schema.Column(s.schema.DateKeyColumn)
	cols := []schema.Column{key}
	for _, m := range metrics {
		if m == key.Name {
			continue
		}
		c, ok := s.schema.Column(m)
		if !ok {
			s.logger.Warn("unknown metric requested", "metric", m)
			continue
		}
		cols = append(cols, c)
	}
	return cols, nil
}

// CacheStats returns response cache statistics; ok is false when caching is off
func (s *Store) CacheStats() (CacheStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cache == nil {
		return CacheStats{}, false
	}
	return s.cache.Stats(), true
}

// Close implements engine.Port
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.compressor != nil {
		s.compressor.Close()
		s.compressor = nil
	}
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}
