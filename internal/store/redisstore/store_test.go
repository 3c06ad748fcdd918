package redisstore

import (
	"context"
	"os"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/specialistvlad/stepgate/internal/store"
	"github.com/specialistvlad/stepgate/internal/store/storetest"
	"github.com/stretchr/testify/require"
)

// The suite needs a live server: STEPGATE_TEST_REDIS_ADDR=localhost:6379.
func TestStore(t *testing.T) {
	addr := os.Getenv("STEPGATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("STEPGATE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	storetest.Run(t, func(t *testing.T) store.Store {
		prefix := "stepgate-test-" + uuid.NewString()
		s := New(client, WithPrefix(prefix))
		require.NoError(t, s.Ping(context.Background()))
		t.Cleanup(func() {
			ctx := context.Background()
			keys, _ := client.Keys(ctx, prefix+":*").Result()
			if len(keys) > 0 {
				client.Del(ctx, keys...)
			}
		})
		return s
	})
}
