package signals

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeLog struct {
	enabled bool
	rows    []string
}

func (f *fakeLog) Enabled() bool { return f.enabled }

func (f *fakeLog) LogSignal(name, values string) error {
	f.rows = append(f.rows, name+"|"+values)
	return nil
}

type countingObserver struct {
	delivered, dropped int
}

func (c *countingObserver) SignalEmitted(_ string, delivered bool) {
	if delivered {
		c.delivered++
	} else {
		c.dropped++
	}
}

func TestEmitWithoutListenerIsSilent(t *testing.T) {
	log := &fakeLog{}
	obs := &countingObserver{}
	bus := NewBus(log, obs, nil)

	assert.NotPanics(t, func() { bus.Emit("zoom", `{"level":2}`) })
	assert.Empty(t, log.rows)
	assert.Equal(t, 1, obs.dropped)
}

func TestLastListenerWins(t *testing.T) {
	bus := NewBus(nil, nil, nil)

	var first, second []string
	bus.SetListener(ListenerFunc(func(name, values string) { first = append(first, name) }))
	bus.Emit("a", "")
	bus.SetListener(ListenerFunc(func(name, values string) { second = append(second, name+"="+values) }))
	bus.Emit("b", "1")

	assert.Equal(t, []string{"a"}, first)
	assert.Equal(t, []string{"b=1"}, second)

	bus.SetListener(nil)
	bus.Emit("c", "")
	assert.Len(t, second, 1)
}

func TestEmitLogsWhenEnabled(t *testing.T) {
	log := &fakeLog{enabled: true}
	bus := NewBus(log, nil, nil)

	bus.Emit("ActivitySelected", `{"id":3}`)
	assert.Equal(t, []string{`ActivitySelected|{"id":3}`}, log.rows)
}
