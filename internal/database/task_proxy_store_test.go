package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"proxybroker/internal/domain"
	"proxybroker/internal/security"
	"proxybroker/internal/taskpool"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", t.Name())
	return setupTestDBWithDSN(t, dsn)
}

func setupTestDBWithDSN(t *testing.T, dsn string) *gorm.DB {
	t.Helper()

	t.Setenv(security.CredentialKeyEnv, "task-proxy-test-key")
	security.ResetDefaultSealerForTests()
	t.Cleanup(security.ResetDefaultSealerForTests)

	db, err := SetupDB(
		WithDialector(sqlite.Open(dsn)),
		WithLogger(silentLogger()),
		WithMigrations(defaultMigrations()...),
	)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}

	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		t.Fatalf("set busy timeout: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func testCandidates(n int) []domain.Candidate {
	out := make([]domain.Candidate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.Candidate{
			Host:     fmt.Sprintf("10.1.%d.%d", i/200, i%200+1),
			Port:     uint16(3000 + i),
			Protocol: domain.ProtocolHTTP,
			Username: fmt.Sprintf("user-%d", i),
			Password: fmt.Sprintf("pass-%d", i),
			Source:   domain.SourceAPI,
		})
	}
	return out
}

func TestTaskProxyStoreAdmitDeduplicates(t *testing.T) {
	store := NewTaskProxyStore(setupTestDB(t))
	ctx := context.Background()

	batch := append(testCandidates(3), testCandidates(1)...)
	n, err := store.Admit(ctx, batch)
	if err != nil {
		t.Fatalf("Admit returned %v", err)
	}
	if n != 3 {
		t.Fatalf("Admit returned %d, want 3", n)
	}

	if n, _ := store.Admit(ctx, testCandidates(4)); n != 1 {
		t.Fatalf("second Admit returned %d, want 1", n)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats returned %v", err)
	}
	if stats.Total != 4 || stats.Available != 4 {
		t.Fatalf("Stats returned %+v", stats)
	}
}

func TestTaskProxyStorePasswordIsSealed(t *testing.T) {
	db := setupTestDB(t)
	store := NewTaskProxyStore(db)
	ctx := context.Background()

	if _, err := store.Admit(ctx, testCandidates(1)); err != nil {
		t.Fatalf("Admit returned %v", err)
	}

	var raw string
	if err := db.Raw("SELECT password FROM task_proxies LIMIT 1").Scan(&raw).Error; err != nil {
		t.Fatalf("read raw password: %v", err)
	}
	if !security.IsSealed(raw) {
		t.Fatalf("stored password %q is not sealed", raw)
	}

	record, err := store.ReserveOne(ctx)
	if err != nil {
		t.Fatalf("ReserveOne returned %v", err)
	}
	if record.Password != "pass-0" {
		t.Fatalf("reserved password %q, want pass-0", record.Password)
	}
}

func TestTaskProxyStoreLifecycle(t *testing.T) {
	store := NewTaskProxyStore(setupTestDB(t))
	ctx := context.Background()
	if _, err := store.Admit(ctx, testCandidates(2)); err != nil {
		t.Fatalf("Admit returned %v", err)
	}

	record, err := store.ReserveOne(ctx)
	if err != nil {
		t.Fatalf("ReserveOne returned %v", err)
	}
	if record.Status != domain.StatusInUse || record.AcquiredAt == nil {
		t.Fatalf("reserved record %+v", record)
	}

	if err := store.MarkUsed(ctx, record.ID); err != nil {
		t.Fatalf("MarkUsed returned %v", err)
	}
	if err := store.MarkUsed(ctx, record.ID); !errors.Is(err, taskpool.ErrNotInUse) {
		t.Fatalf("MarkUsed twice returned %v, want ErrNotInUse", err)
	}
	if err := store.MarkFailed(ctx, record.ID); !errors.Is(err, taskpool.ErrTerminal) {
		t.Fatalf("MarkFailed on used returned %v, want ErrTerminal", err)
	}
	if err := store.MarkFailed(ctx, 9999); !errors.Is(err, taskpool.ErrNotFound) {
		t.Fatalf("MarkFailed unknown returned %v, want ErrNotFound", err)
	}

	other, err := store.ReserveOne(ctx)
	if err != nil {
		t.Fatalf("ReserveOne returned %v", err)
	}
	if err := store.MarkFailed(ctx, other.ID); err != nil {
		t.Fatalf("MarkFailed returned %v", err)
	}
	if _, err := store.ReserveOne(ctx); !errors.Is(err, taskpool.ErrExhausted) {
		t.Fatalf("ReserveOne returned %v, want ErrExhausted", err)
	}

	stats, _ := store.Stats(ctx)
	want := domain.PoolStats{Total: 2, Used: 1, Failed: 1}
	if stats != want {
		t.Fatalf("Stats returned %+v, want %+v", stats, want)
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear returned %v", err)
	}
	if stats, _ := store.Stats(ctx); stats != (domain.PoolStats{}) {
		t.Fatalf("Stats after Clear returned %+v", stats)
	}
}

func TestTaskProxyStoreMarkChecked(t *testing.T) {
	store := NewTaskProxyStore(setupTestDB(t))
	ctx := context.Background()
	if _, err := store.Admit(ctx, testCandidates(1)); err != nil {
		t.Fatalf("Admit returned %v", err)
	}

	record, err := store.ReserveOne(ctx)
	if err != nil {
		t.Fatalf("ReserveOne returned %v", err)
	}
	checkedAt := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	if err := store.MarkChecked(ctx, record.ID, checkedAt); err != nil {
		t.Fatalf("MarkChecked returned %v", err)
	}

	got, err := store.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get returned %v", err)
	}
	if got.LastCheckedAt == nil || !got.LastCheckedAt.Equal(checkedAt) {
		t.Fatalf("LastCheckedAt = %v, want %v", got.LastCheckedAt, checkedAt)
	}
	if got.Status != domain.StatusInUse || got.Password != "pass-0" {
		t.Fatalf("Get returned %+v", got)
	}

	if err := store.MarkChecked(ctx, 9999, checkedAt); !errors.Is(err, taskpool.ErrNotFound) {
		t.Fatalf("MarkChecked unknown returned %v, want ErrNotFound", err)
	}
	if _, err := store.Get(ctx, 9999); !errors.Is(err, taskpool.ErrNotFound) {
		t.Fatalf("Get unknown returned %v, want ErrNotFound", err)
	}
}

func TestTaskProxyStoreConcurrentReserve(t *testing.T) {
	dsn := fmt.Sprintf(
		"file:%s?mode=rwc&_journal=WAL&_fk=1&_busy_timeout=5000&_synchronous=NORMAL",
		filepath.Join(t.TempDir(), "reserve.db"),
	)
	store := NewTaskProxyStore(setupTestDBWithDSN(t, dsn))
	ctx := context.Background()

	const records = 20
	if n, err := store.Admit(ctx, testCandidates(records)); err != nil || n != records {
		t.Fatalf("Admit returned (%d, %v)", n, err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		seen      = make(map[uint64]bool)
		exhausted int
	)
	for range records + 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := store.ReserveOne(ctx)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, taskpool.ErrExhausted) {
				exhausted++
				return
			}
			if err != nil {
				t.Errorf("ReserveOne returned %v", err)
				return
			}
			if seen[record.ID] {
				t.Errorf("record %d reserved twice", record.ID)
			}
			seen[record.ID] = true
		}()
	}
	wg.Wait()

	if len(seen) != records || exhausted != 5 {
		t.Fatalf("reserved %d records with %d exhausted, want %d and 5", len(seen), exhausted, records)
	}
}

func TestTaskProxyStoreBacksPool(t *testing.T) {
	pool := taskpool.New(NewTaskProxyStore(setupTestDB(t)), taskpool.WithMinProxies(0))
	ctx := context.Background()

	next := 0
	fetch := func(_ context.Context, count int) ([]domain.Candidate, error) {
		batch := testCandidates(next + count)[next:]
		next += count
		return batch, nil
	}

	if _, err := pool.Replenish(ctx, 10, fetch); err != nil {
		t.Fatalf("Replenish returned %v", err)
	}
	stats, _ := pool.Stats(ctx)
	if stats.Available != 12 {
		t.Fatalf("available %d, want 12", stats.Available)
	}
}
