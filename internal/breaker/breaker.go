package breaker

import (
	"context"
	"sync"
	"time"
)

type Breaker struct {
	cfg Config
	now func() time.Time

	mu             sync.Mutex
	state          State
	consecutive    int
	window         *window
	openedAt       time.Time
	trialsAdmitted int
	trialSuccesses int

	events dispatcher
}

type Option func(*Breaker)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithListener registers a synchronous listener at construction time.
func WithListener(listener Listener) Option {
	return func(b *Breaker) {
		if listener != nil {
			b.events.add(listener, false)
		}
	}
}

func New(cfg Config, opts ...Option) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Breaker{
		cfg:    cfg,
		now:    time.Now,
		state:  Closed,
		window: newWindow(cfg.windowCapacity()),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Breaker) Name() string {
	return b.cfg.Name
}

func (b *Breaker) Config() Config {
	return b.cfg
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) IsOpen() bool {
	return b.State() == Open
}

func (b *Breaker) IsHalfOpen() bool {
	return b.State() == HalfOpen
}

func (b *Breaker) IsClosed() bool {
	return b.State() == Closed
}

func (b *Breaker) AddListener(listener Listener) ListenerID {
	return b.events.add(listener, false)
}

// AddAsyncListener registers a listener that runs on its own goroutine so
// a slow handler never holds up the caller that caused the transition.
func (b *Breaker) AddAsyncListener(listener Listener) ListenerID {
	return b.events.add(listener, true)
}

func (b *Breaker) RemoveListener(id ListenerID) bool {
	return b.events.remove(id)
}

func (b *Breaker) ReportSuccess() {
	b.events.dispatch(b.recordSuccess())
}

func (b *Breaker) ReportFailure(reason string) {
	b.events.dispatch(b.recordFailure(reason))
}

func (b *Breaker) Reset() {
	b.events.dispatch(b.reset())
}

// ReportSuccessContext behaves like ReportSuccess and also waits for the
// async listeners of any transition it caused, or for ctx to end.
func (b *Breaker) ReportSuccessContext(ctx context.Context) error {
	return waitFor(ctx, b.events.dispatch(b.recordSuccess()))
}

func (b *Breaker) ReportFailureContext(ctx context.Context, reason string) error {
	return waitFor(ctx, b.events.dispatch(b.recordFailure(reason)))
}

func (b *Breaker) ResetContext(ctx context.Context) error {
	return waitFor(ctx, b.events.dispatch(b.reset()))
}

type Stats struct {
	Name                string     `json:"name"`
	State               State      `json:"state"`
	Policy              Policy     `json:"policy"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	FailureThreshold    int        `json:"failure_threshold"`
	WindowSize          int        `json:"window_size"`
	WindowCount         int        `json:"window_count"`
	WindowFailures      int        `json:"window_failures"`
	HalfOpenTrials      int        `json:"half_open_trials"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	ListenerFaults      int64      `json:"listener_faults"`
}

// Stats never moves the state machine, so an expired OPEN breaker still
// reports OPEN until the next call.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := Stats{
		Name:                b.cfg.Name,
		State:               b.state,
		Policy:              b.cfg.Policy,
		ConsecutiveFailures: b.consecutive,
		FailureThreshold:    b.cfg.FailureThreshold,
		WindowSize:          b.window.size(),
		WindowCount:         b.window.count,
		WindowFailures:      b.window.failures,
		HalfOpenTrials:      b.trialsAdmitted,
		ListenerFaults:      b.events.faults.Load(),
	}
	if b.state == Open {
		openedAt := b.openedAt
		stats.OpenedAt = &openedAt
	}
	return stats
}

// admit decides whether a call may run and takes a probe slot when HALF_OPEN.
func (b *Breaker) admit() ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	events := b.expire()
	switch b.state {
	case Open:
		retryAfter := b.cfg.ResetTimeout - b.now().Sub(b.openedAt)
		return events, &OpenError{Name: b.cfg.Name, State: Open, RetryAfter: max(retryAfter, 0)}
	case HalfOpen:
		if b.trialsAdmitted >= b.cfg.HalfOpenMaxTrials {
			return events, &OpenError{Name: b.cfg.Name, State: HalfOpen}
		}
		b.trialsAdmitted++
	}
	return events, nil
}

func (b *Breaker) recordSuccess() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	events := b.expire()
	switch b.state {
	case Closed:
		b.consecutive = 0
		b.window.record(false)
	case HalfOpen:
		b.consecutive = 0
		b.trialSuccesses++
		if b.trialSuccesses >= b.cfg.HalfOpenMaxTrials {
			events = append(events, b.close("probes succeeded"))
		}
	}
	return events
}

func (b *Breaker) recordFailure(reason string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	events := b.expire()
	switch b.state {
	case Closed:
		b.consecutive++
		b.window.record(true)
		if b.shouldTrip() {
			events = append(events, b.trip(reason))
		}
	case HalfOpen:
		b.consecutive++
		events = append(events, b.trip(reason))
	}
	return events
}

func (b *Breaker) reset() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return []Event{b.close("manual reset")}
}

func (b *Breaker) shouldTrip() bool {
	switch b.cfg.Policy {
	case PolicyConsecutive:
		return b.consecutive >= b.cfg.FailureThreshold
	case PolicyPercentage:
		if !b.window.full() {
			return false
		}
		return float64(b.window.failures)/float64(b.window.size()) >= b.cfg.FailureRateThreshold
	case PolicyTotal:
		return b.window.failures >= b.cfg.FailureThreshold
	default:
		return false
	}
}

// expire performs the lazy OPEN -> HALF_OPEN move. Callers hold b.mu.
func (b *Breaker) expire() []Event {
	if b.state != Open || b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
		return nil
	}
	b.trialsAdmitted = 0
	b.trialSuccesses = 0
	return []Event{b.transition(HalfOpen, "reset timeout elapsed")}
}

func (b *Breaker) trip(reason string) Event {
	b.openedAt = b.now()
	b.trialsAdmitted = 0
	b.trialSuccesses = 0
	return b.transition(Open, reason)
}

func (b *Breaker) close(reason string) Event {
	b.consecutive = 0
	b.window.reset()
	b.openedAt = time.Time{}
	b.trialsAdmitted = 0
	b.trialSuccesses = 0
	return b.transition(Closed, reason)
}

func (b *Breaker) transition(to State, reason string) Event {
	event := Event{
		Name:          b.cfg.Name,
		State:         to,
		PreviousState: b.state,
		FailureCount:  b.failureCount(),
		Reason:        reason,
		Timestamp:     b.now(),
	}
	b.state = to
	return event
}

func (b *Breaker) failureCount() int {
	if b.cfg.Policy == PolicyConsecutive || b.state == HalfOpen {
		return b.consecutive
	}
	return b.window.failures
}
