package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"proxybroker/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ImportedFilter struct {
	// Countries holds upper-case country values; empty means any.
	Countries  []string
	UnusedOnly bool
	Limit      int
	Offset     int
}

type ImportedStats struct {
	Total     int64            `json:"total"`
	Used      int64            `json:"used"`
	Unused    int64            `json:"unused"`
	ByCountry map[string]int64 `json:"by_country"`
}

// ImportedProxyRepository manages the user-maintained import pool.
type ImportedProxyRepository struct {
	db *gorm.DB
}

func NewImportedProxyRepository(db *gorm.DB) *ImportedProxyRepository {
	return &ImportedProxyRepository{db: db}
}

// Add inserts one proxy and reports false when it already exists.
func (r *ImportedProxyRepository) Add(ctx context.Context, proxy domain.ImportedProxy) (bool, error) {
	n, err := r.AddBatch(ctx, []domain.ImportedProxy{proxy})
	return n == 1, err
}

func (r *ImportedProxyRepository) AddBatch(ctx context.Context, proxies []domain.ImportedProxy) (int, error) {
	unique := make([]domain.ImportedProxy, 0, len(proxies))
	seen := make(map[string]struct{}, len(proxies))
	for _, proxy := range proxies {
		key := string(proxy.Candidate().Key())
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		proxy.ID = 0
		proxy.Hash = nil
		proxy.Country = strings.ToUpper(strings.TrimSpace(proxy.Country))
		if proxy.Status == "" {
			proxy.Status = domain.ImportedUnused
		}
		unique = append(unique, proxy)
	}
	if len(unique) == 0 {
		return 0, nil
	}

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hash"}},
		DoNothing: true,
	}).CreateInBatches(&unique, taskProxyBatchSize)
	if result.Error != nil {
		return 0, fmt.Errorf("insert imported proxies: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

func (r *ImportedProxyRepository) List(ctx context.Context, filter ImportedFilter) ([]domain.ImportedProxy, error) {
	query := r.filtered(ctx, filter).Order("id")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var proxies []domain.ImportedProxy
	if err := query.Find(&proxies).Error; err != nil {
		return nil, fmt.Errorf("list imported proxies: %w", err)
	}
	return proxies, nil
}

// Take returns up to count proxies. Without reuse the rows are marked used in
// the same transaction so two takers never get the same proxy.
func (r *ImportedProxyRepository) Take(ctx context.Context, count int, countries []string, allowReuse bool) ([]domain.ImportedProxy, error) {
	if count <= 0 {
		return nil, nil
	}

	filter := ImportedFilter{Countries: countries, UnusedOnly: !allowReuse, Limit: count}
	if allowReuse {
		return r.List(ctx, filter)
	}

	var taken []domain.ImportedProxy
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := filtered(tx, filter).Order("id").Limit(count)
		if tx.Dialector.Name() == DriverPostgres {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := query.Find(&taken).Error; err != nil {
			return err
		}
		if len(taken) == 0 {
			return nil
		}

		ids := make([]uint64, len(taken))
		for i, proxy := range taken {
			ids[i] = proxy.ID
		}
		return tx.Model(&domain.ImportedProxy{}).
			Where("id IN ? AND status = ?", ids, domain.ImportedUnused).
			UpdateColumn("status", domain.ImportedUsed).Error
	})
	if err != nil {
		return nil, fmt.Errorf("take imported proxies: %w", err)
	}

	for i := range taken {
		taken[i].Status = domain.ImportedUsed
	}
	return taken, nil
}

func (r *ImportedProxyRepository) Stats(ctx context.Context) (ImportedStats, error) {
	stats := ImportedStats{ByCountry: make(map[string]int64)}

	var statusRows []struct {
		Status domain.ImportedStatus
		Count  int64
	}
	db := r.db.WithContext(ctx).Model(&domain.ImportedProxy{})
	if err := db.Select("status, COUNT(*) AS count").Group("status").Scan(&statusRows).Error; err != nil {
		return stats, fmt.Errorf("count imported proxies: %w", err)
	}
	for _, row := range statusRows {
		stats.Total += row.Count
		if row.Status == domain.ImportedUsed {
			stats.Used += row.Count
		} else {
			stats.Unused += row.Count
		}
	}

	var countryRows []struct {
		Country string
		Count   int64
	}
	err := r.db.WithContext(ctx).Model(&domain.ImportedProxy{}).
		Select("country, COUNT(*) AS count").
		Group("country").
		Scan(&countryRows).Error
	if err != nil {
		return stats, fmt.Errorf("count imported proxies by country: %w", err)
	}
	for _, row := range countryRows {
		stats.ByCountry[row.Country] = row.Count
	}
	return stats, nil
}

func (r *ImportedProxyRepository) UpdateStatus(ctx context.Context, ids []uint64, status domain.ImportedStatus) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Model(&domain.ImportedProxy{}).
		Where("id IN ?", ids).
		UpdateColumn("status", status)
	return result.RowsAffected, result.Error
}

// ResetUsage marks every imported proxy unused again.
func (r *ImportedProxyRepository) ResetUsage(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).Model(&domain.ImportedProxy{}).
		Where("status = ?", domain.ImportedUsed).
		UpdateColumn("status", domain.ImportedUnused)
	return result.RowsAffected, result.Error
}

func (r *ImportedProxyRepository) Delete(ctx context.Context, id uint64) error {
	result := r.db.WithContext(ctx).Delete(&domain.ImportedProxy{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *ImportedProxyRepository) Clear(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&domain.ImportedProxy{})
	return result.RowsAffected, result.Error
}

func (r *ImportedProxyRepository) filtered(ctx context.Context, filter ImportedFilter) *gorm.DB {
	return filtered(r.db.WithContext(ctx), filter)
}

func filtered(db *gorm.DB, filter ImportedFilter) *gorm.DB {
	query := db.Model(&domain.ImportedProxy{})
	if filter.UnusedOnly {
		query = query.Where("status = ?", domain.ImportedUnused)
	}
	if len(filter.Countries) > 0 {
		query = query.Where("UPPER(country) IN ?", filter.Countries)
	}
	return query
}

func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
