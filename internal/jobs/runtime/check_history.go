package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"proxybroker/internal/domain"
	"proxybroker/internal/support"

	"github.com/charmbracelet/log"
)

const (
	DefaultHistoryFlushInterval = 5 * time.Second
	DefaultHistoryRetention     = 7 * 24 * time.Hour
	historyCleanupInterval      = time.Hour
	historyBufferLimit          = 1000
	HistoryCleanupLockKey       = "proxybroker:leader:check_history_cleanup"
)

type CheckStore interface {
	Save(ctx context.Context, checks []domain.ProxyCheck) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CheckHistory buffers check results and writes them in batches.
type CheckHistory struct {
	store    CheckStore
	interval time.Duration

	mu      sync.Mutex
	pending []domain.ProxyCheck
	flushCh chan struct{}
}

func NewCheckHistory(store CheckStore, flushInterval time.Duration) *CheckHistory {
	if flushInterval <= 0 {
		flushInterval = DefaultHistoryFlushInterval
	}
	return &CheckHistory{
		store:    store,
		interval: flushInterval,
		flushCh:  make(chan struct{}, 1),
	}
}

// Record never blocks on the database. A full buffer only triggers an early
// flush.
func (h *CheckHistory) Record(check domain.ProxyCheck) {
	h.mu.Lock()
	h.pending = append(h.pending, check)
	full := len(h.pending) >= historyBufferLimit
	h.mu.Unlock()

	if full {
		select {
		case h.flushCh <- struct{}{}:
		default:
		}
	}
}

func (h *CheckHistory) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Flush writes everything buffered so far. Failed batches are put back.
func (h *CheckHistory) Flush(ctx context.Context) error {
	h.mu.Lock()
	batch := h.pending
	h.pending = nil
	h.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := h.store.Save(ctx, batch); err != nil {
		h.mu.Lock()
		h.pending = append(batch, h.pending...)
		if overflow := len(h.pending) - historyBufferLimit*10; overflow > 0 {
			log.Warn("Dropping unsaved proxy checks", "count", overflow)
			h.pending = h.pending[overflow:]
		}
		h.mu.Unlock()
		return err
	}
	return nil
}

// Run flushes on every tick until ctx ends, then once more with a short
// grace period.
func (h *CheckHistory) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := h.Flush(flushCtx); err != nil {
				log.Error("Failed to flush proxy check history on shutdown", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
		case <-h.flushCh:
		}

		if err := h.Flush(ctx); err != nil {
			log.Error("Failed to persist proxy check history", "error", err)
		}
	}
}

// PruneCheckHistory deletes checks older than retention.
func PruneCheckHistory(ctx context.Context, store CheckStore, retention time.Duration) {
	if retention <= 0 {
		retention = DefaultHistoryRetention
	}
	start := time.Now()
	deleted, err := store.DeleteOlderThan(ctx, start.Add(-retention))
	if err != nil {
		log.Error("Failed to prune proxy check history", "error", err)
		return
	}
	if deleted > 0 {
		log.Info("Proxy check history pruned", "deleted", deleted, "duration", time.Since(start))
	}
}

// StartHistoryCleanup prunes old checks every hour. With a leader only the
// instance holding the lock does the work.
func StartHistoryCleanup(ctx context.Context, store CheckStore, retention time.Duration, leader *support.Leader) {
	if leader == nil {
		runHistoryCleanupLoop(ctx, store, retention)
		return
	}

	err := leader.Run(ctx, func(leaderCtx context.Context) {
		runHistoryCleanupLoop(leaderCtx, store, retention)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Proxy check history cleanup stopped", "error", err)
	}
}

func runHistoryCleanupLoop(ctx context.Context, store CheckStore, retention time.Duration) {
	PruneCheckHistory(ctx, store, retention)

	ticker := time.NewTicker(historyCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			PruneCheckHistory(ctx, store, retention)
		}
	}
}
