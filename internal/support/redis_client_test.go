package support

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func redisURLForTest(t *testing.T) string {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	return url
}

func TestNewRedisClientRejectsBadURL(t *testing.T) {
	if _, err := NewRedisClient(context.Background(), "not a url"); err == nil {
		t.Fatal("NewRedisClient accepted an invalid URL")
	}
}

func TestRedisURLFromEnv(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://cache:6380/2")
	if got := RedisURLFromEnv(); got != "redis://cache:6380/2" {
		t.Fatalf("RedisURLFromEnv returned %s", got)
	}
}

func TestLeaderRunsExclusively(t *testing.T) {
	client, err := NewRedisClient(context.Background(), redisURLForTest(t))
	if err != nil {
		t.Fatalf("NewRedisClient returned %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	key := "proxybroker:test:leader:" + uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var running, overlaps, runs atomic.Int32
	work := func(ctx context.Context) {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		runs.Add(1)
		select {
		case <-ctx.Done():
		case <-time.After(200 * time.Millisecond):
		}
		running.Add(-1)
	}

	done := make(chan struct{}, 2)
	for range 2 {
		go func() {
			_ = NewLeader(client, key, 2*time.Second).Run(ctx, work)
			done <- struct{}{}
		}()
	}
	<-done
	<-done

	if overlaps.Load() != 0 {
		t.Fatalf("leader work overlapped %d times", overlaps.Load())
	}
	if runs.Load() == 0 {
		t.Fatal("leader work never ran")
	}
}
