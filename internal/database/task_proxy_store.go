package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"proxybroker/internal/domain"
	"proxybroker/internal/taskpool"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const taskProxyBatchSize = 500

// TaskProxyStore keeps a task pool in the task_proxies table so a pool
// survives restarts.
type TaskProxyStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewTaskProxyStore(db *gorm.DB) *TaskProxyStore {
	return &TaskProxyStore{db: db, now: time.Now}
}

func (s *TaskProxyStore) Admit(ctx context.Context, candidates []domain.Candidate) (int, error) {
	records := make([]domain.ProxyRecord, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		key := string(candidate.Key())
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		records = append(records, domain.NewProxyRecord(candidate))
	}
	if len(records) == 0 {
		return 0, nil
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hash"}},
		DoNothing: true,
	}).CreateInBatches(&records, taskProxyBatchSize)
	if result.Error != nil {
		return 0, fmt.Errorf("insert task proxies: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

// ReserveOne claims the oldest available row with a compare-and-set update.
// A lost race means another reserver took that row, so the loop always makes
// progress until the pool is exhausted.
func (s *TaskProxyStore) ReserveOne(ctx context.Context) (domain.ProxyRecord, error) {
	db := s.db.WithContext(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return domain.ProxyRecord{}, err
		}

		var record domain.ProxyRecord
		err := db.Where("status = ?", domain.StatusAvailable).Order("id").Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ProxyRecord{}, taskpool.ErrExhausted
		}
		if err != nil {
			return domain.ProxyRecord{}, fmt.Errorf("select available proxy: %w", err)
		}

		now := s.now()
		result := db.Model(&domain.ProxyRecord{}).
			Where("id = ? AND status = ?", record.ID, domain.StatusAvailable).
			UpdateColumns(map[string]any{
				"status":      domain.StatusInUse,
				"acquired_at": now,
				"updated_at":  now,
			})
		if result.Error != nil {
			return domain.ProxyRecord{}, fmt.Errorf("reserve proxy %d: %w", record.ID, result.Error)
		}
		if result.RowsAffected == 1 {
			record.Status = domain.StatusInUse
			record.AcquiredAt = &now
			record.UpdatedAt = now
			return record, nil
		}
	}
}

func (s *TaskProxyStore) MarkUsed(ctx context.Context, id uint64) error {
	return s.transition(ctx, id, domain.StatusUsed, []domain.ProxyStatus{domain.StatusInUse}, taskpool.ErrNotInUse)
}

func (s *TaskProxyStore) MarkFailed(ctx context.Context, id uint64) error {
	return s.transition(ctx, id, domain.StatusFailed, []domain.ProxyStatus{domain.StatusAvailable, domain.StatusInUse}, taskpool.ErrTerminal)
}

func (s *TaskProxyStore) transition(ctx context.Context, id uint64, to domain.ProxyStatus, from []domain.ProxyStatus, rejected error) error {
	db := s.db.WithContext(ctx)

	result := db.Model(&domain.ProxyRecord{}).
		Where("id = ? AND status IN ?", id, from).
		UpdateColumns(map[string]any{"status": to, "updated_at": s.now()})
	if result.Error != nil {
		return fmt.Errorf("set proxy %d %s: %w", id, to, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := db.Model(&domain.ProxyRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("lookup proxy %d: %w", id, err)
	}
	if count == 0 {
		return taskpool.ErrNotFound
	}
	return rejected
}

func (s *TaskProxyStore) Clear(ctx context.Context) error {
	err := s.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&domain.ProxyRecord{}).Error
	if err != nil {
		return fmt.Errorf("clear task proxies: %w", err)
	}
	return nil
}

func (s *TaskProxyStore) Stats(ctx context.Context) (domain.PoolStats, error) {
	var rows []struct {
		Status domain.ProxyStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).
		Model(&domain.ProxyRecord{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return domain.PoolStats{}, fmt.Errorf("count task proxies: %w", err)
	}

	var stats domain.PoolStats
	for _, row := range rows {
		stats.Add(row.Status, row.Count)
	}
	return stats, nil
}

// MarkChecked stamps last_checked_at after a validation pass.
func (s *TaskProxyStore) MarkChecked(ctx context.Context, id uint64, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&domain.ProxyRecord{}).
		Where("id = ?", id).
		UpdateColumn("last_checked_at", at)
	if result.Error != nil {
		return fmt.Errorf("mark task proxy %d checked: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return taskpool.ErrNotFound
	}
	return nil
}

func (s *TaskProxyStore) Get(ctx context.Context, id uint64) (domain.ProxyRecord, error) {
	var record domain.ProxyRecord
	err := s.db.WithContext(ctx).First(&record, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ProxyRecord{}, taskpool.ErrNotFound
	}
	return record, err
}
