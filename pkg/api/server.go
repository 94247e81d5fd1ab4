package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"github.com/vjranagit/tsdv/internal/observability"
	"github.com/vjranagit/tsdv/pkg/bridge"
	"github.com/vjranagit/tsdv/pkg/protocol"
	"github.com/vjranagit/tsdv/pkg/types"
)

// ContentTypeJSON is served for every intercepted data request
const ContentTypeJSON = "application/json; charset=UTF-8"

const maxBodyBytes = 32 << 20

// Options configures the server
type Options struct {
	Addr         string
	StaticDir    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Metrics      *observability.Metrics
	Logger       *slog.Logger
}

// Server exposes the bridge to a browser-hosted chart surface
type Server struct {
	bridge  *bridge.Bridge
	opts    Options
	logger  *slog.Logger
	metrics *observability.Metrics
	server  *http.Server
}

// NewServer creates a new API server
func NewServer(b *bridge.Bridge, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	s := &Server{
		bridge:  b,
		opts:    opts,
		logger:  logger.With("component", "api"),
		metrics: opts.Metrics,
	}
	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

// Handler builds the full routing tree
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Register handlers
	mux.HandleFunc("/api/v1/load", s.handleLoad)
	mux.HandleFunc("/api/v1/data", s.handleData)
	mux.HandleFunc("/api/v1/signal", s.handleSignal)
	mux.HandleFunc("/api/v1/logging", s.handleLogging)
	mux.HandleFunc("/api/v1/logs", s.handleLogEvent)
	mux.HandleFunc("/api/v1/logs/prune", s.handlePrune)
	mux.HandleFunc("/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.Handle("/", s.staticHandler())

	root := http.NewServeMux()
	// websocket upgrades need the raw connection, so they skip compression
	root.HandleFunc("/ws", s.handleWebSocket)
	root.Handle("/", gzhttp.GzipHandler(s.intercept(mux)))
	return root
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Stop.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.opts.Addr)
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// intercept answers resource fetches that carry the query marker with the
// synchronous path and passes everything else through
func (s *Server) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, protocol.Marker) {
			next.ServeHTTP(w, r)
			return
		}

		body := s.bridge.SyncGetURL(r.Context(), r.URL.RequestURI())
		w.Header().Set("Content-Type", ContentTypeJSON)
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	})
}

func (s *Server) staticHandler() http.Handler {
	if s.opts.StaticDir == "" {
		return http.NotFoundHandler()
	}
	return http.FileServer(http.Dir(s.opts.StaticDir))
}

// loadRequest is the explicit-call envelope shared by POST and websocket
type loadRequest struct {
	Params        json.RawMessage `json:"params"`
	Callback      string          `json:"callback"`
	Args          string          `json:"args"`
	ErrorCallback string          `json:"errorCallback"`
}

func (l loadRequest) toAsync(sink bridge.Sink) bridge.AsyncRequest {
	return bridge.AsyncRequest{
		Params:        l.Params,
		Callback:      l.Callback,
		Args:          l.Args,
		ErrorCallback: l.ErrorCallback,
		Sink:          sink,
	}
}

// handleLoad runs an asynchronous request and waits for its invocation
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req loadRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	select {
	case inv, ok := <-s.bridge.LoadData(req.toAsync(nil)):
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, inv)
	case <-r.Context().Done():
		// the request keeps running; only the caller has gone
	}
}

// handleData inserts rows into the engine
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.bridge.AddData(r.Context(), body); err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
			return
		}
		s.logger.Error("insert failed", "error", err)
		http.Error(w, fmt.Sprintf("Write failed: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// handleSignal emits a signal on behalf of the surface
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var sig types.Signal
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&sig); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if sig.Name == "" {
		http.Error(w, "Missing signal name", http.StatusBadRequest)
		return
	}

	s.bridge.EmitSignal(sig.Name, sig.Values)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

type loggingState struct {
	Enabled bool `json:"enabled"`
}

// handleLogging reads or sets the performance logging flag
func (s *Server) handleLogging(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		var req loggingState
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
			return
		}
		if err := s.bridge.SetLoggingEnabled(req.Enabled); err != nil {
			s.logger.Error("failed to toggle logging", "enabled", req.Enabled, "error", err)
			http.Error(w, fmt.Sprintf("Update failed: %v", err), http.StatusInternalServerError)
			return
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, loggingState{Enabled: s.bridge.LoggingEnabled()})
}

type logEventRequest struct {
	Timestamp  string `json:"timestamp"`
	DurationMs int64  `json:"durationMs"`
	DataSize   int64  `json:"dataSize"`
	Method     string `json:"method"`
}

func (l logEventRequest) entry() types.LogEntry {
	return types.LogEntry{
		Timestamp:  l.Timestamp,
		DurationMs: l.DurationMs,
		DataSize:   l.DataSize,
		Method:     l.Method,
	}
}

// handleLogEvent appends a timing measured by the surface
func (s *Server) handleLogEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req logEventRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.bridge.LogEvent(req.entry()); err != nil {
		s.logger.Warn("failed to log event", "method", req.Method, "error", err)
		http.Error(w, fmt.Sprintf("Write failed: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// handlePrune removes old performance logs
func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	removed, err := s.bridge.PruneOldLogs()
	if err != nil {
		s.logger.Error("log pruning failed", "removed", removed, "error", err)
		http.Error(w, fmt.Sprintf("Prune failed: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
