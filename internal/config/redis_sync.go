package config

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	redisConfigKey     = "proxybroker:config:settings"
	redisConfigChannel = "proxybroker:config:updates"
	redisOpTimeout     = 5 * time.Second
)

type redisSync struct {
	mu     sync.RWMutex
	client *redis.Client
	ctx    context.Context
}

// EnableRedisSync shares settings with every instance using the same redis.
// Settings already stored in redis win over the local file; otherwise the
// local settings are published. Remote updates are applied until ctx ends.
func (s *Store) EnableRedisSync(ctx context.Context, client *redis.Client) error {
	if client == nil {
		return errors.New("config: redis sync needs a client")
	}

	s.remote.mu.Lock()
	if s.remote.client != nil {
		s.remote.mu.Unlock()
		return nil
	}
	s.remote.client = client
	s.remote.ctx = ctx
	s.remote.mu.Unlock()

	loaded, err := s.loadFromRedis(ctx, client)
	if err != nil {
		log.Error("Config sync: failed to load configuration from redis", "error", err)
	}
	if !loaded {
		payload, err := json.Marshal(s.Get())
		if err != nil {
			return err
		}
		if err := s.remote.broadcast(payload); err != nil {
			log.Error("Config sync: failed to publish configuration to redis", "error", err)
		}
	}

	go s.subscribe(ctx, client)
	return nil
}

func (s *Store) loadFromRedis(ctx context.Context, client *redis.Client) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	payload, err := client.Get(opCtx, redisConfigKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}

	cfg := Default()
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return true, err
	}
	return true, s.apply(cfg, updateOptions{persist: true, source: "redis"})
}

func (s *Store) subscribe(ctx context.Context, client *redis.Client) {
	pubsub := client.Subscribe(ctx, redisConfigChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("Config sync: subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		cfg := Default()
		if err := json.Unmarshal([]byte(msg.Payload), &cfg); err != nil {
			log.Error("Config sync: invalid payload", "error", err)
			continue
		}
		if err := s.apply(cfg, updateOptions{persist: true, source: "redis"}); err != nil {
			log.Error("Config sync: failed to apply remote update", "error", err)
		}
	}
}

func (r *redisSync) broadcast(payload []byte) error {
	r.mu.RLock()
	client, baseCtx := r.client, r.ctx
	r.mu.RUnlock()

	if client == nil || len(payload) == 0 {
		return nil
	}

	ctx := baseCtx
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := client.Set(opCtx, redisConfigKey, payload, 0).Err(); err != nil {
		return err
	}
	return client.Publish(opCtx, redisConfigChannel, payload).Err()
}
