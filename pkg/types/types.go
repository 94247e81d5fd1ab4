package types

// QueryParams is a single series request from the chart surface
type QueryParams struct {
	StartDate   string   `json:"startDate"`
	EndDate     string   `json:"endDate"`
	NumOfPoints int      `json:"numOfPoints"`
	Metrics     []string `json:"metrics,omitempty"`
}

// AllMetrics reports whether the request leaves column selection to the engine
func (p QueryParams) AllMetrics() bool {
	return p.Metrics == nil
}

// Signal is a named event raised by the chart surface
type Signal struct {
	Name   string `json:"name"`
	Values string `json:"values"`
}

// LogEntry is one row of the performance log
type LogEntry struct {
	Timestamp  string
	DurationMs int64
	DataSize   int64
	Method     string
}

// Point is a single row of series data keyed by column name
type Point map[string]any

// DataSet is the insert/response envelope exchanged with the data engine
type DataSet struct {
	StartDate string  `json:"startDate"`
	EndDate   string  `json:"endDate"`
	Points    []Point `json:"points"`
}
