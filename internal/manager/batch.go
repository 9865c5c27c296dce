package manager

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"proxybroker/internal/domain"
	"proxybroker/internal/taskpool"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

type BatchStats struct {
	Total           int           `json:"total"`
	Available       int           `json:"available"`
	Unavailable     int           `json:"unavailable"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// CheckedFunc is told about every finished check of a batch. Calls are
// serialised.
type CheckedFunc func(candidate domain.Candidate, result domain.CheckResult)

// TaskProxy is a reserved task pool record together with the check that
// cleared it for use.
type TaskProxy struct {
	Record domain.ProxyRecord `json:"record"`
	Result domain.CheckResult `json:"check_result"`
}

// CheckProxiesBatch validates candidates with at most MaxWorkers checks in
// flight. The stats cover every finished check even when ctx ends early.
func (m *Manager) CheckProxiesBatch(ctx context.Context, candidates []domain.Candidate, onChecked CheckedFunc) (BatchStats, error) {
	_, stats, err := m.checkAll(ctx, candidates, onChecked)
	return stats, err
}

func (m *Manager) checkAll(ctx context.Context, candidates []domain.Candidate, onChecked CheckedFunc) ([]domain.CheckResult, BatchStats, error) {
	results := make([]domain.CheckResult, len(candidates))
	done := make([]bool, len(candidates))
	var cbMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.settings.MaxWorkers)

	for i := range candidates {
		candidate := candidates[i]
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			result, err := m.CheckProxy(gctx, &candidate)
			if err != nil {
				return err
			}

			cbMu.Lock()
			defer cbMu.Unlock()
			results[i] = result
			done[i] = true
			if onChecked != nil {
				onChecked(candidate, result)
			}
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	stats := BatchStats{Total: len(candidates)}
	var elapsed time.Duration
	for i, result := range results {
		if done[i] && result.Success {
			stats.Available++
			elapsed += result.ResponseTime
		}
	}
	stats.Unavailable = stats.Total - stats.Available
	if stats.Available > 0 {
		stats.AvgResponseTime = elapsed / time.Duration(stats.Available)
	}

	log.Info("batch check finished", "total", stats.Total, "available", stats.Available, "unavailable", stats.Unavailable, "avg_response", stats.AvgResponseTime)
	return results, stats, err
}

// GetProxiesBatch fetches count proxies from an api or pool source. The
// source is asked for OverFetch times as many so validation losses are
// covered; the result is cut back to count and optionally admitted into the
// task pool.
func (m *Manager) GetProxiesBatch(ctx context.Context, count int, source domain.SourceType, saveToTaskPool bool) ([]domain.Candidate, error) {
	source = m.resolve(source)
	src, err := m.source(source)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, nil
	}

	want := int(math.Ceil(float64(count)*m.settings.OverFetch - 1e-9))
	fetched, err := src.Fetch(ctx, want)
	if err != nil {
		if len(fetched) == 0 {
			return nil, fmt.Errorf("fetch from %s source: %w", source, err)
		}
		log.Warn("batch fetch ended early", "source", source, "received", len(fetched), "error", err)
	}

	out := fetched
	if m.settings.ValidateBatch && len(fetched) > 0 {
		results, _, err := m.checkAll(ctx, fetched, nil)
		if err != nil {
			return nil, err
		}
		out = make([]domain.Candidate, 0, len(fetched))
		for i, result := range results {
			if result.Success {
				candidate := fetched[i]
				if candidate.Country == "" {
					candidate.Country = result.Country
				}
				out = append(out, candidate)
			}
		}
	}
	if len(out) > count {
		out = out[:count]
	}
	log.Info("batch fetched", "source", source, "requested", count, "fetched", len(fetched), "kept", len(out))

	if saveToTaskPool && len(out) > 0 {
		admitted, err := m.pool.Admit(ctx, out)
		if err != nil {
			return out, fmt.Errorf("save batch to task pool: %w", err)
		}
		log.Info("batch saved to task pool", "source", source, "admitted", admitted, "duplicates", len(out)-admitted)
	}
	return out, nil
}

// StartTaskSession prefills the task pool with InitialPrefill of totalTasks
// and starts the monitor that keeps it topped up from source.
func (m *Manager) StartTaskSession(ctx context.Context, totalTasks int, source domain.SourceType) error {
	source = m.resolve(source)
	if _, err := m.source(source); err != nil {
		return err
	}
	if totalTasks <= 0 {
		return fmt.Errorf("start task session: total tasks must be positive, got %d", totalTasks)
	}

	if prefill := int(math.Ceil(float64(totalTasks)*m.settings.InitialPrefill - 1e-9)); prefill > 0 {
		if _, err := m.GetProxiesBatch(ctx, prefill, source, true); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("task pool prefill failed, monitor will retry", "source", source, "prefill", prefill, "error", err)
		}
	}

	return m.pool.MonitorForTasks(context.WithoutCancel(ctx), totalTasks, m.fetchFunc(source))
}

func (m *Manager) StopTaskSession() {
	m.pool.StopMonitoring()
}

func (m *Manager) fetchFunc(source domain.SourceType) taskpool.FetchFunc {
	return func(ctx context.Context, count int) ([]domain.Candidate, error) {
		return m.GetProxiesBatch(ctx, count, source, false)
	}
}

// GetProxyFromTaskPool reserves a record and, with CheckOnReserve, checks it
// before handing it out. Records failing the check are marked failed and the
// next one is tried, up to MaxProxyRetries reservations.
func (m *Manager) GetProxyFromTaskPool(ctx context.Context) (TaskProxy, error) {
	for attempt := 1; attempt <= m.settings.MaxProxyRetries; attempt++ {
		record, err := m.pool.ReserveOne(ctx)
		if err != nil {
			return TaskProxy{}, err
		}
		if !m.settings.CheckOnReserve {
			return TaskProxy{Record: record}, nil
		}

		candidate := record.Candidate()
		result, err := m.check(ctx, record.Source, &candidate)
		if err != nil {
			m.failRecord(record.ID)
			return TaskProxy{}, err
		}
		checkedAt := m.now()
		record.LastCheckedAt = &checkedAt
		if err := m.pool.MarkChecked(ctx, record.ID, checkedAt); err != nil {
			log.Error("stamp task proxy check time", "id", record.ID, "error", err)
		}
		if result.Success {
			return TaskProxy{Record: record, Result: result}, nil
		}

		log.Warn("task pool proxy failed its check", "id", record.ID, "proxy", candidate.String(), "attempt", attempt, "error", result.Error)
		m.failRecord(record.ID)
	}
	return TaskProxy{}, fmt.Errorf("task pool: %w after %d proxies", ErrRetriesExhausted, m.settings.MaxProxyRetries)
}

func (m *Manager) failRecord(id uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.pool.ReportFailed(ctx, id); err != nil && !errors.Is(err, taskpool.ErrTerminal) {
		log.Error("mark task proxy failed", "id", id, "error", err)
	}
}

func (m *Manager) MarkTaskProxyUsed(ctx context.Context, id uint64) error {
	return m.pool.MarkUsed(ctx, id)
}

func (m *Manager) ReportTaskProxyFailed(ctx context.Context, id uint64) error {
	return m.pool.ReportFailed(ctx, id)
}

func (m *Manager) PoolStats(ctx context.Context) (domain.PoolStats, error) {
	return m.pool.Stats(ctx)
}

func (m *Manager) ClearTaskPool(ctx context.Context) error {
	return m.pool.Clear(ctx)
}
