package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"proxybroker/internal/breaker"
	"proxybroker/internal/domain"
	"proxybroker/internal/taskpool"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

// Source delivers proxy candidates, e.g. a vendor API or the imported pool.
type Source interface {
	Fetch(ctx context.Context, count int) ([]domain.Candidate, error)
}

// Checker validates a candidate, or the direct connection when it is nil.
// Ordinary failures are reported in the result; the error is reserved for
// cancellation.
type Checker interface {
	Check(ctx context.Context, candidate *domain.Candidate, timeout time.Duration) (domain.CheckResult, error)
}

// Recorder receives every check the manager performs.
type Recorder interface {
	Record(check domain.ProxyCheck)
}

type Dependencies struct {
	Checker  Checker
	Sources  map[domain.SourceType]Source
	Fixed    *domain.Candidate
	Pool     *taskpool.Pool
	Breakers *breaker.Registry
	Recorder Recorder
	Clock    func() time.Time
}

type Settings struct {
	DefaultSource   domain.SourceType
	CacheTTL        time.Duration
	FailureTTL      time.Duration
	MaxFailures     int
	GetRetries      int
	RetryDelay      time.Duration
	OverFetch       float64
	InitialPrefill  float64
	MaxProxyRetries int
	CheckTimeout    time.Duration
	MaxWorkers      int
	ValidateBatch   bool
	CheckOnReserve  bool
}

func DefaultSettings() Settings {
	return Settings{
		DefaultSource:   domain.SourceDirect,
		CacheTTL:        300 * time.Second,
		FailureTTL:      30 * time.Second,
		MaxFailures:     3,
		GetRetries:      3,
		RetryDelay:      time.Second,
		OverFetch:       1.5,
		InitialPrefill:  0.3,
		MaxProxyRetries: 5,
		CheckTimeout:    10 * time.Second,
		MaxWorkers:      10,
		CheckOnReserve:  true,
	}
}

// Manager is the single entry point for acquiring proxies. direct and fixed
// are validated once and cached behind a circuit breaker per source; api and
// pool are fetched fresh and can feed the task pool.
type Manager struct {
	settings Settings
	checker  Checker
	sources  map[domain.SourceType]Source
	fixed    *domain.Candidate
	pool     *taskpool.Pool
	breakers *breaker.Registry
	recorder Recorder
	now      func() time.Time

	cache   *proxyCache
	flights singleflight.Group
}

func New(deps Dependencies, settings Settings) (*Manager, error) {
	if deps.Checker == nil {
		return nil, errors.New("manager: a checker is required")
	}
	if settings.DefaultSource != "" {
		st, err := domain.ParseSourceType(string(settings.DefaultSource))
		if err != nil {
			return nil, fmt.Errorf("manager: default source: %w", err)
		}
		settings.DefaultSource = st
	}
	if err := settings.validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Pool == nil {
		deps.Pool = taskpool.New(nil)
	}
	if deps.Breakers == nil {
		registry, err := breaker.NewRegistry(breaker.DefaultConfig(""), breaker.WithClock(deps.Clock))
		if err != nil {
			return nil, err
		}
		deps.Breakers = registry
	}

	sources := make(map[domain.SourceType]Source, len(deps.Sources))
	for st, src := range deps.Sources {
		if src == nil {
			continue
		}
		if !st.Batched() {
			return nil, fmt.Errorf("manager: %w: %q cannot be a fetch source", ErrUnsupportedSource, st)
		}
		sources[st] = src
	}

	var fixed *domain.Candidate
	if deps.Fixed != nil {
		copied := *deps.Fixed
		copied.Source = domain.SourceFixed
		fixed = &copied
	}

	return &Manager{
		settings: settings,
		checker:  deps.Checker,
		sources:  sources,
		fixed:    fixed,
		pool:     deps.Pool,
		breakers: deps.Breakers,
		recorder: deps.Recorder,
		now:      deps.Clock,
		cache:    newProxyCache(settings.CacheTTL, settings.FailureTTL, settings.MaxFailures, deps.Clock),
	}, nil
}

func (s Settings) validate() error {
	var problems []error
	if s.CacheTTL <= 0 || s.FailureTTL < 0 {
		problems = append(problems, errors.New("cache ttl must be positive and failure ttl not negative"))
	}
	if s.MaxFailures < 1 || s.GetRetries < 1 || s.MaxProxyRetries < 1 {
		problems = append(problems, errors.New("failure and retry limits must be at least 1"))
	}
	if s.OverFetch < 1 {
		problems = append(problems, fmt.Errorf("over-fetch factor must be at least 1, got %v", s.OverFetch))
	}
	if s.InitialPrefill < 0 || s.InitialPrefill > 1 {
		problems = append(problems, fmt.Errorf("initial prefill must be within [0,1], got %v", s.InitialPrefill))
	}
	if s.CheckTimeout <= 0 || s.MaxWorkers < 1 {
		problems = append(problems, errors.New("check timeout and worker count must be positive"))
	}
	if len(problems) > 0 {
		return fmt.Errorf("manager settings: %w", errors.Join(problems...))
	}
	return nil
}

func (m *Manager) resolve(source domain.SourceType) domain.SourceType {
	if source == "" {
		if m.settings.DefaultSource == "" {
			return domain.SourceDirect
		}
		return m.settings.DefaultSource
	}
	return source
}

// GetProxy returns a validated proxy for source ("" picks the default).
// Cached sources answer from cache while the entry is live and otherwise
// revalidate through their breaker; api and pool run one fetch and check.
func (m *Manager) GetProxy(ctx context.Context, source domain.SourceType) (domain.AcquiredProxy, error) {
	source = m.resolve(source)
	if !source.Cached() {
		return m.fetchAndValidate(ctx, source)
	}

	if entry, ok := m.cache.lookup(source); ok {
		if entry.acquired != nil {
			return cloneAcquired(*entry.acquired), nil
		}
		return domain.AcquiredProxy{}, &ValidationError{Source: source, Candidate: m.candidateFor(source), Result: entry.result}
	}
	return m.revalidate(ctx, source)
}

// RefreshProxyCache drops the cached entry of source and validates again.
func (m *Manager) RefreshProxyCache(ctx context.Context, source domain.SourceType) (domain.AcquiredProxy, error) {
	source = m.resolve(source)
	if !source.Cached() {
		return domain.AcquiredProxy{}, unsupported("refresh proxy cache", source)
	}
	m.cache.expire(source, false)
	return m.revalidate(ctx, source)
}

// ReportProxyFailure is called when a caller found a cached proxy broken in
// use. The entry is dropped and the source's breaker records the failure.
func (m *Manager) ReportProxyFailure(source domain.SourceType) error {
	source = m.resolve(source)
	if !source.Cached() {
		return unsupported("report proxy failure", source)
	}

	m.cache.expire(source, true)
	b, err := m.breakers.Get(string(source))
	if err != nil {
		return err
	}
	b.ReportFailure("reported by caller")
	log.Warn("proxy failure reported, cache dropped", "source", source)
	return nil
}

func (m *Manager) BreakerStats() []breaker.Stats {
	return m.breakers.Stats()
}

func (m *Manager) CacheStatus() []CacheStatus {
	return m.cache.status()
}

func (m *Manager) ResetBreaker(source domain.SourceType) error {
	b, ok := m.breakers.Lookup(string(source))
	if !ok {
		return fmt.Errorf("reset breaker: no breaker for source %q", source)
	}
	b.Reset()
	m.cache.expire(source, false)
	return nil
}

// revalidate collapses concurrent revalidations of one source into a single
// check sequence. The shared sequence is detached from the caller that
// started it and bounded by the retry schedule, so one caller giving up
// neither fails the others nor counts against the breaker.
func (m *Manager) revalidate(ctx context.Context, source domain.SourceType) (domain.AcquiredProxy, error) {
	if source == domain.SourceFixed && m.fixed == nil {
		return domain.AcquiredProxy{}, fmt.Errorf("fixed proxy: %w", ErrSourceNotConfigured)
	}

	flight := m.flights.DoChan(string(source), func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.revalidationTimeout())
		defer cancel()
		return m.validateWithRetries(flightCtx, source)
	})

	select {
	case <-ctx.Done():
		return domain.AcquiredProxy{}, ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return domain.AcquiredProxy{}, res.Err
		}
		return cloneAcquired(res.Val.(domain.AcquiredProxy)), nil
	}
}

func (m *Manager) revalidationTimeout() time.Duration {
	retries := time.Duration(m.settings.GetRetries)
	return m.settings.CheckTimeout*retries + m.settings.RetryDelay*(retries-1)
}

func (m *Manager) validateWithRetries(ctx context.Context, source domain.SourceType) (domain.AcquiredProxy, error) {
	b, err := m.breakers.Get(string(source))
	if err != nil {
		return domain.AcquiredProxy{}, err
	}

	var lastErr error
	for attempt := 1; attempt <= m.settings.GetRetries; attempt++ {
		acquired, err := breaker.Execute(ctx, b, breaker.Call[domain.AcquiredProxy]{
			Action: func(ctx context.Context) (domain.AcquiredProxy, error) {
				return m.validateCached(ctx, source)
			},
		})
		if err == nil {
			m.cache.storeSuccess(source, acquired)
			return acquired, nil
		}
		if errors.Is(err, breaker.ErrCircuitOpen) {
			return domain.AcquiredProxy{}, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.AcquiredProxy{}, ctxErr
		}

		lastErr = err
		var verr *ValidationError
		if errors.As(err, &verr) {
			m.cache.storeFailure(source, verr.Result)
		} else {
			m.cache.storeFailure(source, domain.FailedCheck(err.Error()))
		}
		log.Warn("cached source validation failed", "source", source, "attempt", attempt, "of", m.settings.GetRetries, "error", err)

		if attempt < m.settings.GetRetries {
			if err := sleep(ctx, m.settings.RetryDelay); err != nil {
				return domain.AcquiredProxy{}, err
			}
		}
	}
	return domain.AcquiredProxy{}, lastErr
}

func (m *Manager) validateCached(ctx context.Context, source domain.SourceType) (domain.AcquiredProxy, error) {
	candidate := m.candidateFor(source)
	result, err := m.check(ctx, source, candidate)
	if err != nil {
		return domain.AcquiredProxy{}, err
	}
	if !result.Success {
		return domain.AcquiredProxy{}, &ValidationError{Source: source, Candidate: candidate, Result: result}
	}
	return domain.AcquiredProxy{Candidate: candidate, Source: source, Result: result}, nil
}

func (m *Manager) candidateFor(source domain.SourceType) *domain.Candidate {
	if source == domain.SourceFixed {
		return m.fixed
	}
	return nil
}

// fetchAndValidate serves a one-off request from a fetch source: candidates
// are pulled and checked until one works or the retries run out.
func (m *Manager) fetchAndValidate(ctx context.Context, source domain.SourceType) (domain.AcquiredProxy, error) {
	src, err := m.source(source)
	if err != nil {
		return domain.AcquiredProxy{}, err
	}

	var lastErr error
	for attempt := 1; attempt <= m.settings.GetRetries; attempt++ {
		candidates, err := src.Fetch(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return domain.AcquiredProxy{}, ctx.Err()
			}
			lastErr = fmt.Errorf("fetch from %s source: %w", source, err)
			continue
		}
		if len(candidates) == 0 {
			lastErr = fmt.Errorf("%s source returned no proxy: %w", source, ErrRetriesExhausted)
			continue
		}

		candidate := candidates[0]
		result, err := m.check(ctx, source, &candidate)
		if err != nil {
			return domain.AcquiredProxy{}, err
		}
		if result.Success {
			return domain.AcquiredProxy{Candidate: &candidate, Source: source, Result: result}, nil
		}
		lastErr = &ValidationError{Source: source, Candidate: &candidate, Result: result}
	}
	return domain.AcquiredProxy{}, lastErr
}

func (m *Manager) source(source domain.SourceType) (Source, error) {
	if !source.Batched() {
		return nil, unsupported("fetch", source)
	}
	src, ok := m.sources[source]
	if !ok {
		return nil, fmt.Errorf("%s source: %w", source, ErrSourceNotConfigured)
	}
	return src, nil
}

// CheckProxy validates candidate, or the direct connection when nil. A
// failed check is a normal result; err is only set for cancellation.
func (m *Manager) CheckProxy(ctx context.Context, candidate *domain.Candidate) (domain.CheckResult, error) {
	source := domain.SourceDirect
	if candidate != nil {
		source = candidate.Source
	}
	return m.check(ctx, source, candidate)
}

func (m *Manager) check(ctx context.Context, source domain.SourceType, candidate *domain.Candidate) (domain.CheckResult, error) {
	result, err := m.checker.Check(ctx, candidate, m.settings.CheckTimeout)
	if err != nil {
		return domain.CheckResult{}, err
	}
	if m.recorder != nil {
		m.recorder.Record(domain.NewProxyCheck(candidate, source, result))
	}
	return result, nil
}

func cloneAcquired(acquired domain.AcquiredProxy) domain.AcquiredProxy {
	if acquired.Candidate != nil {
		candidate := *acquired.Candidate
		acquired.Candidate = &candidate
	}
	return acquired
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
