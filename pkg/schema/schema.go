// Package schema holds the cache/downsampling configuration and the data
// schema handed to the data engine once at startup.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Filter selects how the engine downsamples raw rows
type Filter string

const (
	FilterPoints             Filter = "POINTS"
	FilterTimeWeightedPoints Filter = "TIME_WEIGHTED_POINTS"
)

// ColumnType is the storage type of a schema column
type ColumnType string

const (
	ColumnText ColumnType = "TEXT"
	ColumnReal ColumnType = "REAL"
	ColumnInt  ColumnType = "INT"
)

// ValidationError reports a structurally invalid configuration
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Level is one downsampling tier
type Level struct {
	DurationSeconds int64 `json:"duration"`
	NumOfPoints     int   `json:"numOfPoints"`
}

// Duration returns the tier span as a time.Duration
func (l Level) Duration() time.Duration {
	return time.Duration(l.DurationSeconds) * time.Second
}

// CacheConfig describes how aggressively the engine caches and downsamples
type CacheConfig struct {
	UseCache           bool    `json:"useCache"`
	CacheRawData       bool    `json:"cacheRawData"`
	DownsamplingFilter Filter  `json:"downsamplingFilter"`
	DownsamplingLevels []Level `json:"downsamplingLevels"`
	FetchAhead         int     `json:"fetchAhead"`
	FetchBehind        int     `json:"fetchBehind"`
}

// ParseCacheConfig decodes and validates the cache setup JSON
func ParseCacheConfig(data []byte) (*CacheConfig, error) {
	var cfg CacheConfig
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, invalid("cache setup", "%v", err)
	}

	if cfg.DownsamplingFilter == "" {
		cfg.DownsamplingFilter = FilterTimeWeightedPoints
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the filter enum and the level ordering. Levels are never
// reordered: an unsorted list is rejected.
func (c *CacheConfig) Validate() error {
	switch c.DownsamplingFilter {
	case FilterPoints, FilterTimeWeightedPoints:
	default:
		return invalid("downsamplingFilter", "unknown filter %q", c.DownsamplingFilter)
	}

	if len(c.DownsamplingLevels) == 0 {
		return invalid("downsamplingLevels", "at least one level is required")
	}

	for i, l := range c.DownsamplingLevels {
		if l.DurationSeconds <= 0 {
			return invalid("downsamplingLevels", "level %d: duration must be positive", i)
		}
		if l.NumOfPoints <= 0 {
			return invalid("downsamplingLevels", "level %d: numOfPoints must be positive", i)
		}
		if i == 0 {
			continue
		}
		prev := c.DownsamplingLevels[i-1].DurationSeconds
		if l.DurationSeconds == prev {
			return invalid("downsamplingLevels", "level %d: duplicate tier duration %d; each duration may appear once",
				i, l.DurationSeconds)
		}
		if l.DurationSeconds < prev {
			return invalid("downsamplingLevels", "level %d: durations must be sorted ascending (%d after %d)",
				i, l.DurationSeconds, prev)
		}
	}

	if c.FetchAhead < 0 || c.FetchBehind < 0 {
		return invalid("fetchAhead/fetchBehind", "must not be negative")
	}

	return nil
}

// LevelFor returns the smallest tier whose duration covers span. Spans wider
// than every tier fall back to the largest tier.
func (c *CacheConfig) LevelFor(span time.Duration) Level {
	for _, l := range c.DownsamplingLevels {
		if span <= l.Duration() {
			return l
		}
	}
	return c.DownsamplingLevels[len(c.DownsamplingLevels)-1]
}

// Column is a named, typed schema column
type Column struct {
	Name string
	Type ColumnType
}

// DataSchema describes the engine table. Column order is display order.
type DataSchema struct {
	Table         string
	DateKeyColumn string
	Columns       []Column
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type wireSchema struct {
	Table         string          `json:"table"`
	DateKeyColumn string          `json:"date_key_column"`
	Columns       json.RawMessage `json:"columns"`
}

// ParseDataSchema decodes and validates the data schema JSON, keeping the
// order of the columns object.
func ParseDataSchema(data []byte) (*DataSchema, error) {
	var w wireSchema
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, invalid("data schema", "%v", err)
	}

	cols, err := decodeColumns(w.Columns)
	if err != nil {
		return nil, err
	}

	s := &DataSchema{
		Table:         w.Table,
		DateKeyColumn: w.DateKeyColumn,
		Columns:       cols,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func decodeColumns(raw json.RawMessage) ([]Column, error) {
	if len(raw) == 0 {
		return nil, invalid("columns", "missing")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, invalid("columns", "%v", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, invalid("columns", "must be an object")
	}

	var cols []Column
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, invalid("columns", "%v", err)
		}
		name := tok.(string)

		var typ string
		if err := dec.Decode(&typ); err != nil {
			return nil, invalid("columns", "column %q: %v", name, err)
		}
		cols = append(cols, Column{Name: name, Type: ColumnType(strings.ToUpper(typ))})
	}

	if _, err := dec.Token(); err != nil {
		return nil, invalid("columns", "%v", err)
	}
	return cols, nil
}

// Validate checks identifiers, column types and the date key column
func (s *DataSchema) Validate() error {
	if !identPattern.MatchString(s.Table) {
		return invalid("table", "%q is not a valid identifier", s.Table)
	}
	if len(s.Columns) == 0 {
		return invalid("columns", "at least one column is required")
	}

	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if !identPattern.MatchString(c.Name) {
			return invalid("columns", "%q is not a valid identifier", c.Name)
		}
		if seen[c.Name] {
			return invalid("columns", "duplicate column %q", c.Name)
		}
		seen[c.Name] = true

		switch c.Type {
		case ColumnText, ColumnReal, ColumnInt:
		default:
			return invalid("columns", "column %q: unknown type %q", c.Name, c.Type)
		}
	}

	key, ok := s.Column(s.DateKeyColumn)
	if !ok {
		return invalid("date_key_column", "%q is not a declared column", s.DateKeyColumn)
	}
	if key.Type != ColumnText {
		return invalid("date_key_column", "%q must be TEXT, got %s", key.Name, key.Type)
	}

	return nil
}

// Column looks up a column by name
func (s *DataSchema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ValueColumns returns every column except the date key, in schema order
func (s *DataSchema) ValueColumns() []Column {
	out := make([]Column, 0, len(s.Columns))
	for _, c := range s.Columns {
		if c.Name != s.DateKeyColumn {
			out = append(out, c)
		}
	}
	return out
}

// MarshalJSON reproduces the wire shape with columns in schema order
func (s *DataSchema) MarshalJSON() ([]byte, error) {
	var cols bytes.Buffer
	cols.WriteByte('{')
	for i, c := range s.Columns {
		if i > 0 {
			cols.WriteByte(',')
		}
		name, err := json.Marshal(c.Name)
		if err != nil {
			return nil, err
		}
		cols.Write(name)
		cols.WriteString(`:"` + string(c.Type) + `"`)
	}
	cols.WriteByte('}')

	return json.Marshal(wireSchema{
		Table:         s.Table,
		DateKeyColumn: s.DateKeyColumn,
		Columns:       cols.Bytes(),
	})
}
