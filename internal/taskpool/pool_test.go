package taskpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"proxybroker/internal/domain"
)

func candidates(start, n int) []domain.Candidate {
	out := make([]domain.Candidate, 0, n)
	for i := start; i < start+n; i++ {
		out = append(out, domain.Candidate{
			Host:     fmt.Sprintf("10.0.%d.%d", i/250, i%250+1),
			Port:     8080,
			Protocol: domain.ProtocolHTTP,
			Source:   domain.SourceAPI,
		})
	}
	return out
}

// counterFetch hands out fresh candidates and records how often it ran.
type counterFetch struct {
	mu       sync.Mutex
	next     int
	perCall  int
	calls    int
	requests []int
}

func (f *counterFetch) fetch(_ context.Context, count int) ([]domain.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.requests = append(f.requests, count)
	n := min(count, f.perCall)
	out := candidates(f.next, n)
	f.next += n
	return out, nil
}

func (f *counterFetch) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestReserveOneIsExclusive(t *testing.T) {
	ctx := context.Background()
	pool := New(NewMemoryStore())
	const records = 50

	if n, err := pool.Admit(ctx, candidates(0, records)); err != nil || n != records {
		t.Fatalf("Admit returned (%d, %v), want (%d, nil)", n, err, records)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		seen      = make(map[uint64]bool)
		exhausted atomic.Int32
	)
	for range records + 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := pool.ReserveOne(ctx)
			if errors.Is(err, ErrExhausted) {
				exhausted.Add(1)
				return
			}
			if err != nil {
				t.Errorf("ReserveOne returned %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[record.ID] {
				t.Errorf("record %d reserved twice", record.ID)
			}
			seen[record.ID] = true
		}()
	}
	wg.Wait()

	if len(seen) != records {
		t.Fatalf("reserved %d distinct records, want %d", len(seen), records)
	}
	if exhausted.Load() != 10 {
		t.Fatalf("%d callers saw exhaustion, want 10", exhausted.Load())
	}
}

func TestRoundTripStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pool := New(store)
	pool.Admit(ctx, candidates(0, 3))

	record, err := pool.ReserveOne(ctx)
	if err != nil {
		t.Fatalf("ReserveOne returned %v", err)
	}
	if record.Status != domain.StatusInUse || record.AcquiredAt == nil {
		t.Fatalf("reserved record %+v, want in_use with acquired_at", record)
	}
	if err := pool.MarkUsed(ctx, record.ID); err != nil {
		t.Fatalf("MarkUsed returned %v", err)
	}

	stats, _ := pool.Stats(ctx)
	want := domain.PoolStats{Total: 3, Available: 2, Used: 1}
	if stats != want {
		t.Fatalf("Stats returned %+v, want %+v", stats, want)
	}

	if err := pool.MarkUsed(ctx, record.ID); !errors.Is(err, ErrNotInUse) {
		t.Fatalf("second MarkUsed returned %v, want ErrNotInUse", err)
	}
	if err := pool.ReportFailed(ctx, record.ID); !errors.Is(err, ErrTerminal) {
		t.Fatalf("ReportFailed on used record returned %v, want ErrTerminal", err)
	}
	if err := pool.MarkUsed(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkUsed on unknown id returned %v, want ErrNotFound", err)
	}
}

func TestMarkCheckedStampsRecord(t *testing.T) {
	ctx := context.Background()
	pool := New(NewMemoryStore())
	if _, err := pool.Admit(ctx, candidates(0, 1)); err != nil {
		t.Fatalf("Admit returned %v", err)
	}

	record, err := pool.ReserveOne(ctx)
	if err != nil {
		t.Fatalf("ReserveOne returned %v", err)
	}
	if record.LastCheckedAt != nil {
		t.Fatalf("LastCheckedAt = %v before any check, want nil", record.LastCheckedAt)
	}

	checkedAt := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	if err := pool.MarkChecked(ctx, record.ID, checkedAt); err != nil {
		t.Fatalf("MarkChecked returned %v", err)
	}
	got, err := pool.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get returned %v", err)
	}
	if got.LastCheckedAt == nil || !got.LastCheckedAt.Equal(checkedAt) {
		t.Fatalf("LastCheckedAt = %v, want %v", got.LastCheckedAt, checkedAt)
	}
	if got.Status != domain.StatusInUse {
		t.Fatalf("MarkChecked changed status to %s", got.Status)
	}

	if err := pool.MarkChecked(ctx, 999, checkedAt); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkChecked unknown returned %v, want ErrNotFound", err)
	}
	if _, err := pool.Get(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get unknown returned %v, want ErrNotFound", err)
	}
}

func TestFailedRecordsAreNeverReserved(t *testing.T) {
	ctx := context.Background()
	pool := New(NewMemoryStore())
	pool.Admit(ctx, candidates(0, 2))

	if err := pool.ReportFailed(ctx, 1); err != nil {
		t.Fatalf("ReportFailed returned %v", err)
	}
	record, err := pool.ReserveOne(ctx)
	if err != nil || record.ID != 2 {
		t.Fatalf("ReserveOne returned (%d, %v), want record 2", record.ID, err)
	}
	if _, err := pool.ReserveOne(ctx); !errors.Is(err, ErrExhausted) {
		t.Fatalf("ReserveOne returned %v, want ErrExhausted", err)
	}

	stats, _ := pool.Stats(ctx)
	if stats.Failed != 1 || stats.InUse != 1 || stats.Available != 0 {
		t.Fatalf("Stats returned %+v", stats)
	}
}

func TestAdmitDeduplicates(t *testing.T) {
	ctx := context.Background()
	pool := New(NewMemoryStore())

	batch := append(candidates(0, 3), candidates(0, 2)...)
	if n, _ := pool.Admit(ctx, batch); n != 3 {
		t.Fatalf("Admit returned %d, want 3", n)
	}
	if n, _ := pool.Admit(ctx, candidates(2, 2)); n != 1 {
		t.Fatalf("Admit returned %d, want 1", n)
	}
}

func TestClearEmptiesPool(t *testing.T) {
	ctx := context.Background()
	pool := New(NewMemoryStore())
	pool.Admit(ctx, candidates(0, 4))
	pool.ReserveOne(ctx)

	if err := pool.Clear(ctx); err != nil {
		t.Fatalf("Clear returned %v", err)
	}
	stats, _ := pool.Stats(ctx)
	if stats != (domain.PoolStats{}) {
		t.Fatalf("Stats after Clear returned %+v", stats)
	}

	if n, _ := pool.Admit(ctx, candidates(0, 1)); n != 1 {
		t.Fatal("cleared candidates should be admissible again")
	}
	record, _ := pool.ReserveOne(ctx)
	if record.ID != 5 {
		t.Fatalf("record id %d reused after clear, want 5", record.ID)
	}
}

func TestTarget(t *testing.T) {
	pool := New(nil)
	if got := pool.Target(100); got != 120 {
		t.Fatalf("Target(100) returned %d, want 120", got)
	}
	if got := pool.Target(1); got != DefaultMinProxies {
		t.Fatalf("Target(1) returned %d, want %d", got, DefaultMinProxies)
	}
	if got := New(nil, WithSafetyFactor(1.5), WithMinProxies(0)).Target(7); got != 11 {
		t.Fatalf("Target(7) returned %d, want 11", got)
	}
}

func TestReplenishRestoresSafetyMargin(t *testing.T) {
	ctx := context.Background()
	pool := New(NewMemoryStore())
	fetch := &counterFetch{perCall: 50}

	pool.Admit(ctx, candidates(1000, 30))
	admitted, err := pool.Replenish(ctx, 100, fetch.fetch)
	if err != nil {
		t.Fatalf("Replenish returned %v", err)
	}
	if admitted != 90 {
		t.Fatalf("Replenish admitted %d, want 90", admitted)
	}

	stats, _ := pool.Stats(ctx)
	if stats.Available != 120 {
		t.Fatalf("available %d after replenish, want 120", stats.Available)
	}
	if fetch.callCount() != 2 || fetch.requests[0] != 90 || fetch.requests[1] != 40 {
		t.Fatalf("fetch requests %v, want [90 40]", fetch.requests)
	}
}

func TestReplenishStopsWhenSourceDriesUp(t *testing.T) {
	ctx := context.Background()
	pool := New(NewMemoryStore(), WithMaxFetchRounds(10))

	calls := 0
	fetch := func(context.Context, int) ([]domain.Candidate, error) {
		calls++
		return candidates(0, 2), nil
	}

	if _, err := pool.Replenish(ctx, 10, fetch); err != nil {
		t.Fatalf("Replenish returned %v", err)
	}
	if calls != 2 {
		t.Fatalf("fetch called %d times, want 2", calls)
	}
}

func TestMonitorReplenishesAndStops(t *testing.T) {
	pool := New(NewMemoryStore(), WithInterval(10*time.Millisecond))
	fetch := &counterFetch{perCall: 25}

	if err := pool.MonitorForTasks(context.Background(), 100, fetch.fetch); err != nil {
		t.Fatalf("MonitorForTasks returned %v", err)
	}
	if !pool.Monitoring() {
		t.Fatal("Monitoring returned false after start")
	}

	waitForAvailable(t, pool, 120)

	ctx := context.Background()
	for range 30 {
		record, err := pool.ReserveOne(ctx)
		if err != nil {
			t.Fatalf("ReserveOne returned %v", err)
		}
		if err := pool.MarkUsed(ctx, record.ID); err != nil {
			t.Fatalf("MarkUsed returned %v", err)
		}
	}
	waitForAvailable(t, pool, 120)

	pool.StopMonitoring()
	pool.StopMonitoring()
	if pool.Monitoring() {
		t.Fatal("Monitoring returned true after stop")
	}

	for range 30 {
		if _, err := pool.ReserveOne(ctx); err != nil {
			t.Fatalf("ReserveOne after stop returned %v", err)
		}
	}
	calls := fetch.callCount()
	time.Sleep(50 * time.Millisecond)
	if fetch.callCount() != calls {
		t.Fatal("fetch ran after StopMonitoring returned")
	}
	stats, err := pool.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats returned %v", err)
	}
	if stats.Available != 90 {
		t.Fatalf("available %d after stop, want 90", stats.Available)
	}
}

func TestMonitorSurvivesFetchErrors(t *testing.T) {
	pool := New(NewMemoryStore(), WithInterval(5*time.Millisecond), WithMinProxies(0))
	var calls atomic.Int32
	fetch := func(_ context.Context, count int) ([]domain.Candidate, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("upstream down")
		}
		return candidates(0, count), nil
	}

	if err := pool.MonitorForTasks(context.Background(), 5, fetch); err != nil {
		t.Fatalf("MonitorForTasks returned %v", err)
	}
	defer pool.StopMonitoring()

	waitForAvailable(t, pool, 6)
}

func TestMonitorForTasksReplacesRunningLoop(t *testing.T) {
	pool := New(NewMemoryStore(), WithInterval(5*time.Millisecond), WithMinProxies(0))
	first := &counterFetch{perCall: 100}
	second := &counterFetch{perCall: 100}

	pool.MonitorForTasks(context.Background(), 5, first.fetch)
	waitForAvailable(t, pool, 6)

	if err := pool.MonitorForTasks(context.Background(), 50, second.fetch); err != nil {
		t.Fatalf("MonitorForTasks returned %v", err)
	}
	firstCalls := first.callCount()
	waitForAvailable(t, pool, 60)
	pool.StopMonitoring()

	if first.callCount() != firstCalls {
		t.Fatal("replaced loop kept running")
	}
	if second.callCount() == 0 {
		t.Fatal("replacement loop never fetched")
	}
}

func TestMonitorUsesLeaderLock(t *testing.T) {
	var locked atomic.Bool
	lock := func(ctx context.Context, fn func(context.Context)) error {
		locked.Store(true)
		fn(ctx)
		return ctx.Err()
	}
	pool := New(NewMemoryStore(), WithInterval(5*time.Millisecond), WithLeaderLock(lock))
	fetch := &counterFetch{perCall: 10}

	pool.MonitorForTasks(context.Background(), 1, fetch.fetch)
	waitForAvailable(t, pool, DefaultMinProxies)
	pool.StopMonitoring()

	if !locked.Load() {
		t.Fatal("monitor did not run under the leader lock")
	}
}

func TestMonitorForTasksRejectsBadInput(t *testing.T) {
	pool := New(nil)
	if err := pool.MonitorForTasks(context.Background(), 1, nil); !errors.Is(err, ErrNilFetch) {
		t.Fatalf("MonitorForTasks returned %v, want ErrNilFetch", err)
	}
	fetch := &counterFetch{perCall: 1}
	if err := pool.MonitorForTasks(context.Background(), -1, fetch.fetch); err == nil {
		t.Fatal("MonitorForTasks accepted negative task count")
	}
	if pool.Monitoring() {
		t.Fatal("failed start left a loop running")
	}
}

func waitForAvailable(t *testing.T, pool *Pool, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stats, err := pool.Stats(context.Background())
		if err != nil {
			t.Fatalf("Stats returned %v", err)
		}
		if stats.Available >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	stats, _ := pool.Stats(context.Background())
	t.Fatalf("available %d never reached %d", stats.Available, want)
}
