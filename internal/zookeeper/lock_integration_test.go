//go:build integration

package zookeeper

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupZooKeeper(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "zookeeper:3.9",
			ExposedPorts: []string{"2181/tcp"},
			WaitingFor:   wait.ForListeningPort("2181/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.PortEndpoint(ctx, "2181/tcp", "")
	require.NoError(t, err)
	return endpoint
}

func TestLocker_MutualExclusion(t *testing.T) {
	endpoint := setupZooKeeper(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conn, err := Connect(ctx, []string{endpoint}, 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	locker, err := NewLocker(conn, "")
	require.NoError(t, err)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "P1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestLocker_ContextCancelled(t *testing.T) {
	endpoint := setupZooKeeper(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conn, err := Connect(ctx, []string{endpoint}, 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	locker, err := NewLocker(conn, "/locks_cancel")
	require.NoError(t, err)

	unlock, err := locker.Lock(ctx, "P1")
	require.NoError(t, err)
	defer unlock()

	waitCtx, waitCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer waitCancel()
	_, err = locker.Lock(waitCtx, "P1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	children, _, err := conn.Children("/locks_cancel/P1")
	require.NoError(t, err)
	assert.Len(t, children, 1)
}
