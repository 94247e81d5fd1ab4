package bridge

import (
	"log/slog"
	"sync"

	"github.com/vjranagit/tsdv/pkg/protocol"
)

// Sink receives invocations on the delivery goroutine. Implementations must
// not call back into the bridge synchronously.
type Sink interface {
	Deliver(inv protocol.Invocation) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(inv protocol.Invocation) error

// Deliver implements Sink
func (f SinkFunc) Deliver(inv protocol.Invocation) error {
	return f(inv)
}

// completion is one finished request waiting for delivery. When deliver is
// false the done channel is closed without a value.
type completion struct {
	inv     protocol.Invocation
	deliver bool
	sink    Sink
	done    chan protocol.Invocation
}

// emitter owns the single delivery goroutine
type emitter struct {
	queue    chan completion
	observer Observer
	logger   *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newEmitter(buffer int, observer Observer, logger *slog.Logger) *emitter {
	e := &emitter{
		queue:    make(chan completion, buffer),
		observer: observer,
		logger:   logger,
	}
	e.wg.Add(1)
	go e.run()
	return e
}

func (e *emitter) run() {
	defer e.wg.Done()
	for c := range e.queue {
		e.deliver(c)
	}
}

func (e *emitter) deliver(c completion) {
	defer close(c.done)

	if !c.deliver {
		return
	}

	if c.sink != nil {
		if err := c.sink.Deliver(c.inv); err != nil {
			e.logger.Warn("callback delivery failed",
				"request_id", c.inv.RequestID,
				"callback", c.inv.Callback,
				"error", err)
		}
	}
	e.observer.CallbackDelivered(c.inv.Success)
	c.done <- c.inv
}

// enqueue hands a completion to the delivery goroutine. Must not be called
// after close.
func (e *emitter) enqueue(c completion) {
	e.queue <- c
}

// close drains the queue and stops the delivery goroutine
func (e *emitter) close() {
	e.closeOnce.Do(func() {
		close(e.queue)
	})
	e.wg.Wait()
}
