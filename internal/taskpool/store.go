package taskpool

import (
	"context"
	"time"

	"proxybroker/internal/domain"
)

// Store persists pool records. Every method must be atomic on its own:
// two concurrent ReserveOne calls never return the same record.
type Store interface {
	Admit(ctx context.Context, candidates []domain.Candidate) (int, error)
	ReserveOne(ctx context.Context) (domain.ProxyRecord, error)
	MarkUsed(ctx context.Context, id uint64) error
	MarkFailed(ctx context.Context, id uint64) error
	MarkChecked(ctx context.Context, id uint64, at time.Time) error
	Get(ctx context.Context, id uint64) (domain.ProxyRecord, error)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (domain.PoolStats, error)
}
