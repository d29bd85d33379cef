package lock

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestNoopAlwaysGrants(t *testing.T) {
	release, err := Noop{}.Acquire(context.Background(), "u1", time.Second)
	require.NoError(t, err)
	release()
	_, err = Noop{}.Acquire(context.Background(), "u1", time.Second)
	assert.NoError(t, err)
}

func TestRedisLock(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	c, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = c.Terminate(ctx) }()
	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379")
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	defer rdb.Close()

	l := NewRedis(rdb, "dispatch")
	release, err := l.Acquire(ctx, "u1", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "u1", time.Minute)
	assert.True(t, errors.Is(err, ErrNotAcquired))

	other, err := l.Acquire(ctx, "u2", time.Minute)
	require.NoError(t, err)
	other()

	release()
	again, err := l.Acquire(ctx, "u1", time.Minute)
	require.NoError(t, err)
	again()
}
