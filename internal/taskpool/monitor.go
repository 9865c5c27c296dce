package taskpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
)

// MonitorForTasks starts the background replenishment loop. A loop that is
// already running is stopped first, so the call also retargets the pool.
func (p *Pool) MonitorForTasks(ctx context.Context, totalTasks int, fetch FetchFunc) error {
	if fetch == nil {
		return ErrNilFetch
	}
	if totalTasks < 0 {
		return fmt.Errorf("taskpool: total tasks must not be negative, got %d", totalTasks)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.monitorMu.Lock()
	defer p.monitorMu.Unlock()

	p.stopLocked()

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.totalTasks = totalTasks

	go func() {
		defer close(done)
		p.monitor(loopCtx, totalTasks, fetch)
	}()

	log.Info("task pool monitor started", "tasks", totalTasks, "target", p.Target(totalTasks), "interval", p.interval)
	return nil
}

// StopMonitoring cancels the loop and waits for it to exit. Calling it when
// nothing runs is a no-op.
func (p *Pool) StopMonitoring() {
	p.monitorMu.Lock()
	defer p.monitorMu.Unlock()
	p.stopLocked()
}

func (p *Pool) Monitoring() bool {
	p.monitorMu.Lock()
	defer p.monitorMu.Unlock()
	return p.cancel != nil
}

func (p *Pool) stopLocked() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.done = nil
	log.Info("task pool monitor stopped", "tasks", p.totalTasks)
}

func (p *Pool) monitor(ctx context.Context, totalTasks int, fetch FetchFunc) {
	loop := func(ctx context.Context) {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			if _, err := p.Replenish(ctx, totalTasks, fetch); err != nil && ctx.Err() == nil {
				log.Error("task pool replenish failed", "error", err)
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}

	if p.leaderLock == nil {
		loop(ctx)
		return
	}

	if err := p.leaderLock(ctx, loop); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("task pool monitor leadership ended", "error", err)
	}
}

// Replenish runs one monitor cycle: it fetches until available reaches the
// target, a fetch yields nothing new, or the round limit is hit.
func (p *Pool) Replenish(ctx context.Context, totalTasks int, fetch FetchFunc) (int, error) {
	if fetch == nil {
		return 0, ErrNilFetch
	}

	target := p.Target(totalTasks)
	admitted := 0

	for round := 0; round < p.maxFetchRounds; round++ {
		if err := ctx.Err(); err != nil {
			return admitted, err
		}

		stats, err := p.store.Stats(ctx)
		if err != nil {
			return admitted, fmt.Errorf("read pool stats: %w", err)
		}

		missing := target - int(stats.Available)
		if missing <= 0 {
			break
		}

		fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
		candidates, err := fetch(fetchCtx, missing)
		cancel()
		if err != nil {
			return admitted, fmt.Errorf("fetch %d proxies: %w", missing, err)
		}

		n, err := p.store.Admit(ctx, candidates)
		if err != nil {
			return admitted, fmt.Errorf("admit proxies: %w", err)
		}
		admitted += n

		if n == 0 {
			log.Warn("task pool fetch returned no new proxies", "requested", missing, "target", target)
			break
		}
	}

	if admitted > 0 {
		log.Info("task pool replenished", "admitted", admitted, "target", target)
	}
	return admitted, nil
}
