// Package signals delivers named events from the chart surface to a single
// host listener. Only one listener is held at a time; registering another
// replaces it.
package signals

import (
	"log/slog"
	"sync"
)

// Listener receives signals
type Listener interface {
	OnSignal(name, values string)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(name, values string)

// OnSignal implements Listener
func (f ListenerFunc) OnSignal(name, values string) {
	f(name, values)
}

// EventLog is the slice of the performance recorder the bus needs
type EventLog interface {
	Enabled() bool
	LogSignal(name, values string) error
}

// Observer is told about every emit, for metrics
type Observer interface {
	SignalEmitted(name string, delivered bool)
}

// Bus is a single-subscriber, synchronous signal dispatcher
type Bus struct {
	mu       sync.RWMutex
	listener Listener
	log      EventLog
	observer Observer
	logger   *slog.Logger
}

// NewBus creates a bus. log and observer may be nil.
func NewBus(log EventLog, observer Observer, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		log:      log,
		observer: observer,
		logger:   logger.With("component", "signals"),
	}
}

// SetListener replaces the current listener; nil unregisters
func (b *Bus) SetListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = l
}

// Emit delivers the signal to the listener, if any, on the caller's
// goroutine. With no listener the signal is dropped. When performance
// logging is on the signal is also written as a marker row.
func (b *Bus) Emit(name, values string) {
	b.mu.RLock()
	l := b.listener
	b.mu.RUnlock()

	if l != nil {
		l.OnSignal(name, values)
	}
	if b.observer != nil {
		b.observer.SignalEmitted(name, l != nil)
	}

	if b.log != nil && b.log.Enabled() {
		if err := b.log.LogSignal(name, values); err != nil {
			b.logger.Warn("failed to log signal", "signal", name, "error", err)
		}
	}
}
