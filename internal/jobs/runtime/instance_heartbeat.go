package runtime

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	InstanceHeartbeatKeyPrefix = "proxybroker:instance:"
	DefaultHeartbeatInterval   = 15 * time.Second
)

// Heartbeat marks this process as alive in redis so the instances sharing a
// task pool can be counted.
type Heartbeat struct {
	client   *redis.Client
	id       string
	interval time.Duration
}

func NewHeartbeat(client *redis.Client, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeat{client: client, id: uuid.NewString(), interval: interval}
}

func (h *Heartbeat) ID() string {
	return h.id
}

func (h *Heartbeat) key() string {
	return InstanceHeartbeatKeyPrefix + h.id
}

// Run refreshes the heartbeat until ctx ends and then removes it.
func (h *Heartbeat) Run(ctx context.Context) {
	ttl := 2 * h.interval

	send := func() {
		if err := h.client.SetEx(ctx, h.key(), "alive", ttl).Err(); err != nil && ctx.Err() == nil {
			log.Error("Failed to update instance heartbeat", "key", h.key(), "error", err)
		}
	}

	send()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = h.client.Del(cleanupCtx, h.key()).Err()
			cancel()
			return
		case <-ticker.C:
			send()
		}
	}
}

func CountActiveInstances(ctx context.Context, client *redis.Client) (int, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := client.Scan(ctx, cursor, InstanceHeartbeatKeyPrefix+"*", 100).Result()
		if err != nil {
			return 0, err
		}
		count += len(keys)
		if next == 0 {
			return count, nil
		}
		cursor = next
	}
}
