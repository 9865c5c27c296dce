package support

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL = 45 * time.Second
	leadershipRetryDelay = time.Second
	lockCallTimeout      = 5 * time.Second
	minRenewalInterval   = time.Second
	renewalsPerTTL       = 3
)

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

	errLockLost = errors.New("leader lock lost")
)

// Leader is a redis lock that lets one process of many run a loop.
type Leader struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewLeader(client *redis.Client, key string, ttl time.Duration) *Leader {
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}
	return &Leader{client: client, key: key, ttl: ttl}
}

// Run blocks until ctx is done. Whenever the lock is held it calls fn with a
// context that is cancelled once the lock is lost; when fn returns the lock is
// released and contended for again.
func (l *Leader) Run(ctx context.Context, fn func(context.Context)) error {
	if fn == nil {
		return errors.New("support: leader run function cannot be nil")
	}
	if l.client == nil {
		return errors.New("support: leader lock needs a redis client")
	}

	for {
		term, err := l.acquire(ctx)
		if err != nil {
			return err
		}

		log.Debug("leader lock: acquired", "key", l.key)
		fn(term.ctx)
		term.end()
		log.Debug("leader lock: released", "key", l.key)

		if err := sleepContext(ctx, leadershipRetryDelay); err != nil {
			return err
		}
	}
}

type leaderTerm struct {
	leader *Leader
	token  string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (l *Leader) acquire(ctx context.Context) (*leaderTerm, error) {
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			log.Warn("leader lock: setnx failed", "key", l.key, "error", err)
		case ok:
			termCtx, cancel := context.WithCancel(ctx)
			term := &leaderTerm{
				leader: l,
				token:  token,
				ctx:    termCtx,
				cancel: cancel,
				done:   make(chan struct{}),
			}
			go term.keepAlive()
			return term, nil
		}

		if err := sleepContext(ctx, leadershipRetryDelay); err != nil {
			return nil, err
		}
	}
}

func (t *leaderTerm) keepAlive() {
	interval := max(t.leader.ttl/renewalsPerTTL, minRenewalInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if err := t.renew(); err != nil {
				log.Warn("leader lock: renewal failed", "key", t.leader.key, "error", err)
				t.cancel()
				return
			}
		}
	}
}

func (t *leaderTerm) renew() error {
	ctx, cancel := context.WithTimeout(context.Background(), lockCallTimeout)
	defer cancel()

	res, err := renewScript.Run(ctx, t.leader.client, []string{t.leader.key}, t.token, t.leader.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return errLockLost
	}
	return nil
}

func (t *leaderTerm) end() {
	t.once.Do(func() {
		close(t.done)
		t.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), lockCallTimeout)
		defer cancel()
		if err := releaseScript.Run(ctx, t.leader.client, []string{t.leader.key}, t.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			log.Warn("leader lock: release failed", "key", t.leader.key, "error", err)
		}
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
