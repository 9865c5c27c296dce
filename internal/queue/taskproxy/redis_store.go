package taskproxy

import (
	"context"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"proxybroker/internal/domain"
	"proxybroker/internal/security"
	"proxybroker/internal/taskpool"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix      = "proxybroker:pool:"
	admitBatchSize = 500
)

var (
	//go:embed admit.lua
	luaAdmitScript string
	//go:embed reserve.lua
	luaReserveScript string
	//go:embed transition.lua
	luaTransitionScript string
	//go:embed clear.lua
	luaClearScript string
	//go:embed checked.lua
	luaCheckedScript string

	statuses = []domain.ProxyStatus{
		domain.StatusAvailable,
		domain.StatusInUse,
		domain.StatusUsed,
		domain.StatusFailed,
	}
)

// RedisStore shares one task pool between processes. Each mutation is a Lua
// script, so reservation stays exclusive across instances.
type RedisStore struct {
	client *redis.Client
	prefix string
	sealer *security.Sealer
	now    func() time.Time

	admitScript      *redis.Script
	reserveScript    *redis.Script
	transitionScript *redis.Script
	clearScript      *redis.Script
	checkedScript    *redis.Script
}

func NewRedisStore(client *redis.Client, pool string) *RedisStore {
	if pool == "" {
		pool = "default"
	}
	return &RedisStore{
		client:           client,
		prefix:           keyPrefix + "{" + pool + "}:",
		sealer:           security.DefaultSealer(),
		now:              time.Now,
		admitScript:      redis.NewScript(luaAdmitScript),
		reserveScript:    redis.NewScript(luaReserveScript),
		transitionScript: redis.NewScript(luaTransitionScript),
		clearScript:      redis.NewScript(luaClearScript),
		checkedScript:    redis.NewScript(luaCheckedScript),
	}
}

func (s *RedisStore) Admit(ctx context.Context, candidates []domain.Candidate) (int, error) {
	admitted := 0
	for start := 0; start < len(candidates); start += admitBatchSize {
		end := min(start+admitBatchSize, len(candidates))

		args := []any{s.prefix, s.millis()}
		for _, candidate := range candidates[start:end] {
			data, err := s.encode(candidate)
			if err != nil {
				return admitted, err
			}
			args = append(args, hex.EncodeToString(candidate.Key()), data)
		}

		n, err := s.admitScript.Run(ctx, s.client, []string{
			s.key("seq"),
			s.key("keys"),
			s.key("available"),
			s.statusKey(domain.StatusAvailable),
		}, args...).Int()
		if err != nil {
			return admitted, fmt.Errorf("admit task proxies: %w", err)
		}
		admitted += n
	}
	return admitted, nil
}

func (s *RedisStore) ReserveOne(ctx context.Context) (domain.ProxyRecord, error) {
	now := s.now()
	res, err := s.reserveScript.Run(ctx, s.client, []string{
		s.key("available"),
		s.statusKey(domain.StatusAvailable),
		s.statusKey(domain.StatusInUse),
	}, s.prefix, now.UnixMilli()).Slice()
	if errors.Is(err, redis.Nil) {
		return domain.ProxyRecord{}, taskpool.ErrExhausted
	}
	if err != nil {
		return domain.ProxyRecord{}, fmt.Errorf("reserve task proxy: %w", err)
	}
	if len(res) != 3 {
		return domain.ProxyRecord{}, fmt.Errorf("reserve task proxy: unexpected reply %v", res)
	}

	id, err := strconv.ParseUint(fmt.Sprint(res[0]), 10, 64)
	if err != nil {
		return domain.ProxyRecord{}, fmt.Errorf("reserve task proxy: bad id %v", res[0])
	}
	data, _ := res[1].(string)

	record, err := s.decode(id, data)
	if err != nil {
		return domain.ProxyRecord{}, err
	}
	record.Status = domain.StatusInUse
	record.AcquiredAt = &now
	if checked, ok := res[2].(string); ok {
		record.LastCheckedAt = parseMillis(checked)
	}
	return record, nil
}

func (s *RedisStore) MarkUsed(ctx context.Context, id uint64) error {
	return s.transition(ctx, id, domain.StatusUsed, taskpool.ErrNotInUse, domain.StatusInUse)
}

func (s *RedisStore) MarkFailed(ctx context.Context, id uint64) error {
	return s.transition(ctx, id, domain.StatusFailed, taskpool.ErrTerminal, domain.StatusAvailable, domain.StatusInUse)
}

func (s *RedisStore) transition(ctx context.Context, id uint64, to domain.ProxyStatus, rejected error, from ...domain.ProxyStatus) error {
	args := []any{s.prefix, id, string(to), s.millis()}
	for _, status := range from {
		args = append(args, string(status))
	}

	res, err := s.transitionScript.Run(ctx, s.client, []string{s.key("available")}, args...).Int()
	if err != nil {
		return fmt.Errorf("set task proxy %d %s: %w", id, to, err)
	}
	switch res {
	case 1:
		return nil
	case -1:
		return taskpool.ErrNotFound
	default:
		return rejected
	}
}

func (s *RedisStore) MarkChecked(ctx context.Context, id uint64, at time.Time) error {
	res, err := s.checkedScript.Run(ctx, s.client, []string{s.key("available")}, s.prefix, id, at.UnixMilli(), s.millis()).Int()
	if err != nil {
		return fmt.Errorf("mark task proxy %d checked: %w", id, err)
	}
	if res == -1 {
		return taskpool.ErrNotFound
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id uint64) (domain.ProxyRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.key("rec:"+strconv.FormatUint(id, 10))).Result()
	if err != nil {
		return domain.ProxyRecord{}, fmt.Errorf("get task proxy %d: %w", id, err)
	}
	if len(fields) == 0 {
		return domain.ProxyRecord{}, taskpool.ErrNotFound
	}

	record, err := s.decode(id, fields["data"])
	if err != nil {
		return domain.ProxyRecord{}, err
	}
	record.Status = domain.ProxyStatus(fields["status"])
	record.AcquiredAt = parseMillis(fields["acquired_at"])
	record.LastCheckedAt = parseMillis(fields["last_checked_at"])
	if created := parseMillis(fields["created_at"]); created != nil {
		record.CreatedAt = *created
	}
	if updated := parseMillis(fields["updated_at"]); updated != nil {
		record.UpdatedAt = *updated
	}
	return record, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	args := []any{s.prefix}
	for _, status := range statuses {
		args = append(args, string(status))
	}
	if err := s.clearScript.Run(ctx, s.client, []string{s.key("available")}, args...).Err(); err != nil {
		return fmt.Errorf("clear task proxies: %w", err)
	}
	return nil
}

func (s *RedisStore) Stats(ctx context.Context) (domain.PoolStats, error) {
	pipe := s.client.TxPipeline()
	counts := make([]*redis.IntCmd, len(statuses))
	for i, status := range statuses {
		counts[i] = pipe.SCard(ctx, s.statusKey(status))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.PoolStats{}, fmt.Errorf("count task proxies: %w", err)
	}

	var stats domain.PoolStats
	for i, status := range statuses {
		stats.Add(status, counts[i].Val())
	}
	return stats, nil
}

func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

func (s *RedisStore) statusKey(status domain.ProxyStatus) string {
	return s.prefix + "status:" + string(status)
}

func (s *RedisStore) millis() int64 {
	return s.now().UnixMilli()
}

func parseMillis(value string) *time.Time {
	if value == "" {
		return nil
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}

func (s *RedisStore) encode(candidate domain.Candidate) (string, error) {
	sealed, err := s.sealer.Seal(candidate.Password)
	if err != nil {
		return "", fmt.Errorf("seal proxy password: %w", err)
	}
	candidate.Password = sealed

	data, err := json.Marshal(candidate)
	if err != nil {
		return "", fmt.Errorf("failed to marshal proxy: %w", err)
	}
	return string(data), nil
}

func (s *RedisStore) decode(id uint64, data string) (domain.ProxyRecord, error) {
	var candidate domain.Candidate
	if err := json.Unmarshal([]byte(data), &candidate); err != nil {
		return domain.ProxyRecord{}, fmt.Errorf("decode task proxy %d: %w", id, err)
	}

	plain, err := s.sealer.Open(candidate.Password)
	if err != nil {
		return domain.ProxyRecord{}, fmt.Errorf("open task proxy %d password: %w", id, err)
	}
	candidate.Password = plain

	record := domain.NewProxyRecord(candidate)
	record.ID = id
	return record, nil
}
