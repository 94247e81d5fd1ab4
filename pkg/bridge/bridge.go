// Package bridge dispatches chart data requests to the data engine. Resource
// fetches are answered synchronously on the caller's goroutine; explicit
// calls run in the background and complete through a single delivery
// goroutine with exactly one callback invocation.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/vjranagit/tsdv/pkg/engine"
	"github.com/vjranagit/tsdv/pkg/perflog"
	"github.com/vjranagit/tsdv/pkg/protocol"
	"github.com/vjranagit/tsdv/pkg/signals"
	"github.com/vjranagit/tsdv/pkg/types"
)

// Dispatch paths, as reported to the observer
const (
	PathSync  = "sync"
	PathAsync = "async"
)

// Request outcomes, as reported to the observer
const (
	OutcomeSuccess     = "success"
	OutcomeNoData      = "no_data"
	OutcomeInvalid     = "invalid"
	OutcomeDecodeError = "decode_error"
	OutcomeEngineError = "engine_error"
)

// emptyResult is what the sync path serves when there is nothing to show
var emptyResult = []byte("{}")

// ErrClosed is returned by operations on a closed bridge
var ErrClosed = errors.New("bridge closed")

// Observer is told about request lifecycles, for metrics
type Observer interface {
	RequestCompleted(path, outcome string, engineTime time.Duration)
	UnsupportedParam(key string)
	AsyncStarted()
	AsyncFinished()
	CallbackDelivered(success bool)
	SignalEmitted(name string, delivered bool)
}

// Recorder is the performance log the bridge writes timings to
type Recorder interface {
	Enabled() bool
	SetEnabled(enable bool) error
	LogEvent(e types.LogEntry) error
	LogSignal(name, values string) error
	PruneOldLogs() (int, error)
}

// AsyncRequest is an explicit data request from the chart surface
type AsyncRequest struct {
	// Params is the JSON request object
	Params json.RawMessage
	// Callback receives (payload, Args) on success
	Callback string
	// Args is passed back to Callback unchanged
	Args string
	// ErrorCallback receives a message on failure or empty result
	ErrorCallback string
	// Sink, when set, is handed the invocation on the delivery goroutine
	Sink Sink
}

// Config holds bridge options
type Config struct {
	// MaxInFlight bounds concurrent asynchronous engine calls
	MaxInFlight int64
	// QueueSize is the delivery queue buffer
	QueueSize int
	Logger    *slog.Logger
	Observer  Observer
	Recorder  Recorder
}

// DefaultConfig returns the default bridge configuration
func DefaultConfig() Config {
	return Config{
		MaxInFlight: 8,
		QueueSize:   64,
	}
}

// Option mutates Config
type Option func(*Config)

// WithMaxInFlight bounds concurrent asynchronous engine calls
func WithMaxInFlight(n int64) Option {
	return func(c *Config) { c.MaxInFlight = n }
}

// WithQueueSize sets the delivery queue buffer
func WithQueueSize(n int) Option {
	return func(c *Config) { c.QueueSize = n }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithObserver sets the metrics observer
func WithObserver(o Observer) Option {
	return func(c *Config) { c.Observer = o }
}

// WithRecorder sets the performance recorder
func WithRecorder(r Recorder) Option {
	return func(c *Config) { c.Recorder = r }
}

// Bridge connects the chart surface to an engine handle
type Bridge struct {
	handle   *engine.Handle
	logger   *slog.Logger
	observer Observer
	recorder Recorder
	signals  *signals.Bus
	sem      *semaphore.Weighted
	emitter  *emitter

	mu      sync.RWMutex
	closed  bool
	workers sync.WaitGroup
}

// New creates a bridge over a configured engine handle
func New(handle *engine.Handle, opts ...Option) (*Bridge, error) {
	if handle == nil {
		return nil, fmt.Errorf("engine handle is required")
	}

	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxInFlight <= 0 {
		return nil, fmt.Errorf("max in-flight must be positive, got %d", cfg.MaxInFlight)
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bridge")

	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}

	return &Bridge{
		handle:   handle,
		logger:   logger,
		observer: observer,
		recorder: recorder,
		signals:  signals.NewBus(recorder, observer, cfg.Logger),
		sem:      semaphore.NewWeighted(cfg.MaxInFlight),
		emitter:  newEmitter(cfg.QueueSize, observer, logger),
	}, nil
}

// SyncGetData runs a query on the calling goroutine and returns the compacted
// engine payload. Empty dates, empty results and failures all yield "{}".
func (b *Bridge) SyncGetData(ctx context.Context, p types.QueryParams) []byte {
	id := uuid.NewString()
	logger := b.logger.With("request_id", id, "path", PathSync)

	if err := protocol.Validate(p); err != nil {
		logger.Debug("rejected request", "error", err)
		b.observer.RequestCompleted(PathSync, OutcomeInvalid, 0)
		return emptyResult
	}

	payload, outcome, elapsed := b.query(ctx, logger, p)
	b.observer.RequestCompleted(PathSync, outcome, elapsed)
	b.recordTiming("getData", elapsed, len(payload))

	if outcome != OutcomeSuccess {
		return emptyResult
	}
	return payload
}

// SyncGetURL decodes an intercepted resource URL and answers it with
// SyncGetData. A decode failure abandons the request with "{}".
func (b *Bridge) SyncGetURL(ctx context.Context, rawURL string) []byte {
	decoded, ok := protocol.ParseURL(rawURL)
	if !ok {
		return emptyResult
	}
	b.reportUnsupported(decoded.Unsupported)

	if decoded.Err != nil {
		b.logger.Warn("abandoned resource request",
			"path", PathSync,
			"error", decoded.Err)
		b.observer.RequestCompleted(PathSync, OutcomeDecodeError, 0)
		return emptyResult
	}

	return b.SyncGetData(ctx, decoded.Params)
}

// LoadData queues an explicit request. The returned channel yields the one
// delivered invocation and is then closed; it is closed without a value when
// the request is abandoned or there is no callback to invoke. Requests may
// complete in any order.
func (b *Bridge) LoadData(req AsyncRequest) <-chan protocol.Invocation {
	done := make(chan protocol.Invocation, 1)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		close(done)
		return done
	}
	b.workers.Add(1)
	b.mu.RUnlock()

	go func() {
		defer b.workers.Done()
		b.emitter.enqueue(b.runAsync(req, done))
	}()

	return done
}

func (b *Bridge) runAsync(req AsyncRequest, done chan protocol.Invocation) completion {
	id := uuid.NewString()
	logger := b.logger.With("request_id", id, "path", PathAsync)
	c := completion{sink: req.Sink, done: done}

	params, err := protocol.ParseJSON(req.Params)
	if err != nil {
		logger.Warn("abandoned request", "error", err)
		b.observer.RequestCompleted(PathAsync, OutcomeDecodeError, 0)
		return c
	}

	if err := protocol.Validate(params); err != nil {
		logger.Debug("rejected request", "error", err)
		b.observer.RequestCompleted(PathAsync, OutcomeInvalid, 0)
		return b.failure(c, id, req.ErrorCallback, protocol.MsgMissingDates)
	}

	ctx := context.Background()
	if err := b.sem.Acquire(ctx, 1); err != nil {
		logger.Error("failed to acquire engine slot", "error", err)
		b.observer.RequestCompleted(PathAsync, OutcomeEngineError, 0)
		return b.failure(c, id, req.ErrorCallback, protocol.MsgEngineFailed)
	}
	b.observer.AsyncStarted()
	payload, outcome, elapsed := b.query(ctx, logger, params)
	b.observer.AsyncFinished()
	b.sem.Release(1)

	b.observer.RequestCompleted(PathAsync, outcome, elapsed)
	b.recordTiming("loadData", elapsed, len(payload))

	switch outcome {
	case OutcomeSuccess:
		c.deliver = true
		c.inv = protocol.Invocation{
			RequestID: id,
			Callback:  req.Callback,
			Success:   true,
			Script:    protocol.FormatSuccess(req.Callback, payload, req.Args),
		}
		return c
	case OutcomeNoData:
		return b.failure(c, id, req.ErrorCallback, protocol.MsgNoData)
	default:
		return b.failure(c, id, req.ErrorCallback, protocol.MsgEngineFailed)
	}
}

// failure fills in an error invocation. Without an error callback name
// nothing is delivered.
func (b *Bridge) failure(c completion, id, callback, message string) completion {
	if callback == "" {
		return c
	}
	c.deliver = true
	c.inv = protocol.Invocation{
		RequestID: id,
		Callback:  callback,
		Script:    protocol.FormatError(callback, message),
	}
	return c
}

// query is the core path shared by both dispatch shapes
func (b *Bridge) query(ctx context.Context, logger *slog.Logger, p types.QueryParams) ([]byte, string, time.Duration) {
	req, err := protocol.EncodeJSON(p)
	if err != nil {
		logger.Error("failed to encode request", "error", err)
		return nil, OutcomeEngineError, 0
	}

	start := time.Now()
	payload, err := b.handle.Query(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		logger.Error("engine query failed", "error", err, "duration", elapsed)
		return nil, OutcomeEngineError, elapsed
	}

	if isEmpty(payload) {
		logger.Debug("no data in range",
			"start_date", p.StartDate,
			"end_date", p.EndDate)
		return nil, OutcomeNoData, elapsed
	}

	compact, err := protocol.CompactPayload(payload)
	if err != nil {
		logger.Error("engine returned malformed payload", "error", err, "size", len(payload))
		return nil, OutcomeEngineError, elapsed
	}

	logger.Debug("query complete", "duration", elapsed, "size", len(compact))
	return compact, OutcomeSuccess, elapsed
}

func isEmpty(payload []byte) bool {
	trimmed := bytes.TrimSpace(payload)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func (b *Bridge) reportUnsupported(errs []*protocol.UnsupportedParamError) {
	for _, e := range errs {
		b.logger.Info("skipped unsupported parameter", "key", e.Key)
		b.observer.UnsupportedParam(e.Key)
	}
}

func (b *Bridge) recordTiming(method string, elapsed time.Duration, size int) {
	if !b.recorder.Enabled() {
		return
	}
	err := b.recorder.LogEvent(types.LogEntry{
		Timestamp:  time.Now().Format(perflog.TimestampFormat),
		DurationMs: elapsed.Milliseconds(),
		DataSize:   int64(size),
		Method:     method,
	})
	if err != nil {
		b.logger.Warn("failed to record timing", "method", method, "error", err)
	}
}

// AddData inserts rows in the {startDate,endDate,points:[...]} shape
func (b *Bridge) AddData(ctx context.Context, values []byte) error {
	if !json.Valid(values) {
		return &protocol.DecodeError{Field: "values", Cause: errors.New("invalid JSON")}
	}
	if err := b.handle.Insert(ctx, values); err != nil {
		return fmt.Errorf("failed to insert data: %w", err)
	}
	return nil
}

// EmitSignal forwards a named event to the registered listener
func (b *Bridge) EmitSignal(name, values string) {
	b.signals.Emit(name, values)
}

// SetSignalListener replaces the signal listener; nil unregisters
func (b *Bridge) SetSignalListener(l signals.Listener) {
	b.signals.SetListener(l)
}

// LogEvent records a timing reported by the chart surface
func (b *Bridge) LogEvent(e types.LogEntry) error {
	return b.recorder.LogEvent(e)
}

// LoggingEnabled reports the persisted logging flag
func (b *Bridge) LoggingEnabled() bool {
	return b.recorder.Enabled()
}

// SetLoggingEnabled toggles performance logging
func (b *Bridge) SetLoggingEnabled(enable bool) error {
	return b.recorder.SetEnabled(enable)
}

// PruneOldLogs removes inactive performance log files
func (b *Bridge) PruneOldLogs() (int, error) {
	return b.recorder.PruneOldLogs()
}

// Handle returns the engine handle
func (b *Bridge) Handle() *engine.Handle {
	return b.handle
}

// Close waits for queued requests to be delivered and stops the delivery
// goroutine. A request stuck in the engine blocks Close.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.closed = true
	b.mu.Unlock()

	b.workers.Wait()
	b.emitter.close()
	return nil
}

type nopObserver struct{}

func (nopObserver) RequestCompleted(string, string, time.Duration) {}
func (nopObserver) UnsupportedParam(string)                        {}
func (nopObserver) AsyncStarted()                                  {}
func (nopObserver) AsyncFinished()                                 {}
func (nopObserver) CallbackDelivered(bool)                         {}
func (nopObserver) SignalEmitted(string, bool)                     {}

type nopRecorder struct{}

func (nopRecorder) Enabled() bool                  { return false }
func (nopRecorder) SetEnabled(bool) error          { return nil }
func (nopRecorder) LogEvent(types.LogEntry) error  { return nil }
func (nopRecorder) LogSignal(string, string) error { return nil }
func (nopRecorder) PruneOldLogs() (int, error)     { return 0, nil }
