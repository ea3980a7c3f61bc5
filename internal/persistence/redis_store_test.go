package persistence

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// Integration test; set STAGERUN_REDIS_ADDR to run, e.g. localhost:6379.
func TestRedisStoreSuite(t *testing.T) {
	addr := os.Getenv("STAGERUN_REDIS_ADDR")
	if addr == "" {
		t.Skip("STAGERUN_REDIS_ADDR not set")
	}

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 9})
	t.Cleanup(func() { _ = client.Close() })

	runStoreSuite(t, func(t *testing.T) RunStore {
		require.NoError(t, client.FlushDB(ctx).Err())
		return NewRedisRunStore(client, "stagerun_test:")
	})
}
