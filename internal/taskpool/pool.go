package taskpool

import (
	"context"
	"math"
	"sync"
	"time"

	"proxybroker/internal/domain"
)

const (
	DefaultSafetyFactor   = 1.2
	DefaultMinProxies     = 5
	DefaultInterval       = 10 * time.Second
	DefaultMaxFetchRounds = 5
	DefaultFetchTimeout   = time.Minute
)

// FetchFunc pulls up to count new candidates from wherever the caller gets
// proxies from. The pool admits whatever it returns.
type FetchFunc func(ctx context.Context, count int) ([]domain.Candidate, error)

// LeaderLock runs fn only while this process holds a shared lock. It is used
// when several processes share one store.
type LeaderLock func(ctx context.Context, fn func(context.Context)) error

type Pool struct {
	store Store

	safetyFactor   float64
	minProxies     int
	interval       time.Duration
	maxFetchRounds int
	fetchTimeout   time.Duration
	leaderLock     LeaderLock

	monitorMu  sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	totalTasks int
}

type Option func(*Pool)

func WithSafetyFactor(factor float64) Option {
	return func(p *Pool) {
		if factor > 0 {
			p.safetyFactor = factor
		}
	}
}

func WithMinProxies(n int) Option {
	return func(p *Pool) {
		if n >= 0 {
			p.minProxies = n
		}
	}
}

func WithInterval(interval time.Duration) Option {
	return func(p *Pool) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

func WithMaxFetchRounds(rounds int) Option {
	return func(p *Pool) {
		if rounds > 0 {
			p.maxFetchRounds = rounds
		}
	}
}

func WithFetchTimeout(timeout time.Duration) Option {
	return func(p *Pool) {
		if timeout > 0 {
			p.fetchTimeout = timeout
		}
	}
}

func WithLeaderLock(lock LeaderLock) Option {
	return func(p *Pool) {
		p.leaderLock = lock
	}
}

func New(store Store, opts ...Option) *Pool {
	if store == nil {
		store = NewMemoryStore()
	}

	p := &Pool{
		store:          store,
		safetyFactor:   DefaultSafetyFactor,
		minProxies:     DefaultMinProxies,
		interval:       DefaultInterval,
		maxFetchRounds: DefaultMaxFetchRounds,
		fetchTimeout:   DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) Admit(ctx context.Context, candidates []domain.Candidate) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}
	return p.store.Admit(ctx, candidates)
}

func (p *Pool) ReserveOne(ctx context.Context) (domain.ProxyRecord, error) {
	return p.store.ReserveOne(ctx)
}

func (p *Pool) MarkUsed(ctx context.Context, id uint64) error {
	return p.store.MarkUsed(ctx, id)
}

func (p *Pool) ReportFailed(ctx context.Context, id uint64) error {
	return p.store.MarkFailed(ctx, id)
}

// MarkChecked records when a record last passed through validation. It does
// not change the record's status.
func (p *Pool) MarkChecked(ctx context.Context, id uint64, at time.Time) error {
	return p.store.MarkChecked(ctx, id, at)
}

func (p *Pool) Get(ctx context.Context, id uint64) (domain.ProxyRecord, error) {
	return p.store.Get(ctx, id)
}

func (p *Pool) Clear(ctx context.Context) error {
	return p.store.Clear(ctx)
}

func (p *Pool) Stats(ctx context.Context) (domain.PoolStats, error) {
	return p.store.Stats(ctx)
}

// Target is the number of available records the monitor keeps for
// totalTasks consumers.
func (p *Pool) Target(totalTasks int) int {
	if totalTasks < 0 {
		totalTasks = 0
	}
	target := int(math.Ceil(float64(totalTasks)*p.safetyFactor - 1e-9))
	return max(p.minProxies, target)
}
