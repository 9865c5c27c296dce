package database

import (
	"context"
	"fmt"
	"time"

	"proxybroker/internal/domain"

	"gorm.io/gorm"
)

const proxyCheckBatchSize = 200

type ProxyCheckRepository struct {
	db *gorm.DB
}

func NewProxyCheckRepository(db *gorm.DB) *ProxyCheckRepository {
	return &ProxyCheckRepository{db: db}
}

func (r *ProxyCheckRepository) Save(ctx context.Context, checks []domain.ProxyCheck) error {
	if len(checks) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(&checks, proxyCheckBatchSize).Error; err != nil {
		return fmt.Errorf("insert proxy checks: %w", err)
	}
	return nil
}

func (r *ProxyCheckRepository) Recent(ctx context.Context, source domain.SourceType, limit int) ([]domain.ProxyCheck, error) {
	query := r.db.WithContext(ctx).Order("checked_at DESC").Order("id DESC")
	if source != "" {
		query = query.Where("source = ?", source)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var checks []domain.ProxyCheck
	if err := query.Find(&checks).Error; err != nil {
		return nil, fmt.Errorf("list proxy checks: %w", err)
	}
	return checks, nil
}

func (r *ProxyCheckRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("checked_at < ?", cutoff).Delete(&domain.ProxyCheck{})
	return result.RowsAffected, result.Error
}
