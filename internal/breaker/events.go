package breaker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// Event describes one state transition.
type Event struct {
	Name          string    `json:"name"`
	State         State     `json:"state"`
	PreviousState State     `json:"previous_state"`
	FailureCount  int       `json:"failure_count"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

type Listener func(Event)

type ListenerID uint64

type handler struct {
	id    ListenerID
	fn    Listener
	async bool
}

// dispatcher delivers events to sync and async handlers alike. A panicking
// handler is recovered and counted; the remaining handlers still run.
type dispatcher struct {
	mu       sync.RWMutex
	nextID   ListenerID
	handlers []handler
	faults   atomic.Int64
}

func (d *dispatcher) add(fn Listener, async bool) ListenerID {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	d.handlers = append(d.handlers, handler{id: d.nextID, fn: fn, async: async})
	return d.nextID
}

func (d *dispatcher) remove(id ListenerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, h := range d.handlers {
		if h.id == id {
			d.handlers = append(d.handlers[:i:i], d.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// dispatch runs sync handlers inline and returns a WaitGroup tracking the
// async ones it started.
func (d *dispatcher) dispatch(events []Event) *sync.WaitGroup {
	var pending sync.WaitGroup
	if len(events) == 0 {
		return &pending
	}

	d.mu.RLock()
	handlers := make([]handler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	for _, event := range events {
		for _, h := range handlers {
			if !h.async {
				d.invoke(h, event)
				continue
			}
			pending.Add(1)
			go func(h handler, event Event) {
				defer pending.Done()
				d.invoke(h, event)
			}(h, event)
		}
	}
	return &pending
}

func (d *dispatcher) invoke(h handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			d.faults.Add(1)
			log.Error("breaker listener panicked", "breaker", event.Name, "listener", h.id, "state", event.State, "panic", r)
		}
	}()
	h.fn(event)
}

func waitFor(ctx context.Context, pending *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogEvent is a Listener that writes transitions to the process log.
func LogEvent(event Event) {
	switch event.State {
	case Open:
		log.Warn("circuit breaker opened", "breaker", event.Name, "failures", event.FailureCount, "reason", event.Reason)
	case HalfOpen:
		log.Info("circuit breaker half-open", "breaker", event.Name)
	default:
		log.Info("circuit breaker closed", "breaker", event.Name, "from", event.PreviousState, "reason", event.Reason)
	}
}
