// Package perflog records opt-in per-request timing rows to CSV files. A new
// file is started each time logging is enabled.
package perflog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/vjranagit/tsdv/pkg/prefs"
	"github.com/vjranagit/tsdv/pkg/types"
)

// Header is the first row of every log file
var Header = []string{"timestamp", "durationMs", "dataSize", "method"}

// TimestampFormat is used for rows the recorder stamps itself
const TimestampFormat = "2006-01-02 15:04:05"

const (
	filePrefix     = "tsdv-"
	fileExt        = ".csv"
	fileTimeLayout = "20060102T150405.000000000"
)

var filePattern = regexp.MustCompile(`^tsdv-.*\.csv$`)

// Options configures a Recorder
type Options struct {
	// Dir holds the log files
	Dir    string
	Logger *slog.Logger
	// Now overrides the clock, for tests
	Now func() time.Time
}

// Recorder appends LogEntry rows to the active session file
type Recorder struct {
	dir    string
	prefs  prefs.Store
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	name   string
}

// NewRecorder creates a recorder backed by store for the enabled flag
func NewRecorder(store prefs.Store, opts Options) *Recorder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		dir:    opts.Dir,
		prefs:  store,
		logger: logger.With("component", "perflog"),
		now:    now,
	}
}

// Open starts a session if the persisted flag says logging is on
func (r *Recorder) Open() error {
	if !r.Enabled() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startLocked()
}

// Enabled reads the persisted logging flag
func (r *Recorder) Enabled() bool {
	v, err := r.prefs.Bool(prefs.LoggingEnabled)
	if err != nil {
		r.logger.Error("failed to read logging flag", "error", err)
		return false
	}
	return v
}

// SetEnabled toggles logging. Enabling without an active session starts a
// new file; disabling closes the session. The flag write is not atomic with
// respect to concurrent toggles.
func (r *Recorder) SetEnabled(enable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !enable {
		if err := r.stopLocked(); err != nil {
			r.logger.Warn("failed to close log file", "error", err)
		}
		return r.prefs.SetBool(prefs.LoggingEnabled, false)
	}

	started := r.file == nil
	if err := r.startLocked(); err != nil {
		return err
	}
	if err := r.prefs.SetBool(prefs.LoggingEnabled, true); err != nil {
		// the flag still reads false, so no session may stay open
		if started {
			if cerr := r.stopLocked(); cerr != nil {
				r.logger.Warn("failed to close log file", "error", cerr)
			}
		}
		return fmt.Errorf("failed to persist logging flag: %w", err)
	}
	return nil
}

func (r *Recorder) startLocked() error {
	if r.file != nil {
		return nil
	}
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	base := filePrefix + r.now().UTC().Format(fileTimeLayout)
	var (
		file *os.File
		name string
		err  error
	)
	for i := 0; i < 100; i++ {
		name = base + fileExt
		if i > 0 {
			name = base + "-" + strconv.Itoa(i) + fileExt
		}
		file, err = os.OpenFile(filepath.Join(r.dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0644)
		if !errors.Is(err, os.ErrExist) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	writer := csv.NewWriter(file)
	if err := writer.Write(Header); err != nil {
		file.Close()
		return fmt.Errorf("failed to write log header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		return fmt.Errorf("failed to write log header: %w", err)
	}

	r.file = file
	r.writer = writer
	r.name = name
	r.logger.Info("performance log started", "file", name)
	return nil
}

func (r *Recorder) stopLocked() error {
	if r.file == nil {
		return nil
	}
	r.writer.Flush()
	err := errors.Join(r.writer.Error(), r.file.Sync(), r.file.Close())
	r.file = nil
	r.writer = nil
	r.name = ""
	return err
}

// LogEvent appends one row. Without an active session it does nothing.
func (r *Recorder) LogEvent(e types.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writer == nil {
		return nil
	}

	row := []string{
		e.Timestamp,
		strconv.FormatInt(e.DurationMs, 10),
		strconv.FormatInt(e.DataSize, 10),
		e.Method,
	}
	if err := r.writer.Write(row); err != nil {
		return fmt.Errorf("failed to write log row: %w", err)
	}
	r.writer.Flush()
	return r.writer.Error()
}

// LogSignal appends an event marker row with zero duration and size
func (r *Recorder) LogSignal(name, values string) error {
	method := name
	if values != "" {
		method = name + " " + values
	}
	return r.LogEvent(types.LogEntry{
		Timestamp: r.now().Format(TimestampFormat),
		Method:    method,
	})
}

// ActiveFile returns the base name of the current session file, or ""
func (r *Recorder) ActiveFile() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

// PruneOldLogs removes every session file in the log directory except the
// active one and returns how many were removed. It holds the session lock,
// so the active file cannot change underneath it.
func (r *Recorder) PruneOldLogs() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read log directory: %w", err)
	}

	removed := 0
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !filePattern.MatchString(entry.Name()) || entry.Name() == r.name {
			continue
		}
		if err := os.Remove(filepath.Join(r.dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		removed++
		r.logger.Info("removed old log file", "file", entry.Name())
	}

	return removed, errors.Join(errs...)
}

// Close ends the active session without touching the persisted flag
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked()
}
