//go:build integration

package integration

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mongomigrate/internal/command"
	"mongomigrate/internal/lockservice"
	"mongomigrate/internal/migrations/mongo/validators"
	"mongomigrate/test/integration/testutil"
)

func TestLock_AcquireRelease(t *testing.T) {
	env := testutil.NewTestEnv()
	mongo := env.Setup(t)
	defer env.Cleanup(t, mongo)

	// Arrange
	ctx := context.Background()
	db := mongo.Store()
	_, err := command.NewExecutor(db, nil).EnsureCollection(ctx, lockservice.DefaultCollectionName, validators.CollectionOptions(validators.LockValidator))
	require.NoError(t, err)
	locks := lockservice.NewService(db, "", nil)

	// Act
	first, err := locks.Acquire(ctx, "host-A")
	require.NoError(t, err)
	second, err := locks.Acquire(ctx, "host-B")
	require.NoError(t, err)
	wrongRelease, err := locks.Release(ctx, "host-B")
	require.NoError(t, err)
	released, err := locks.Release(ctx, "host-A")
	require.NoError(t, err)
	third, err := locks.Acquire(ctx, "host-B")
	require.NoError(t, err)

	// Assert
	assert.True(t, first)
	assert.False(t, second)
	assert.False(t, wrongRelease)
	assert.True(t, released)
	assert.True(t, third)
	assert.Equal(t, int64(1), mongo.CountDocuments(t, lockservice.DefaultCollectionName))

	lock, err := locks.Status(ctx)
	require.NoError(t, err)
	assert.True(t, lock.HeldBy("host-B"))
}

func TestLock_ConcurrentBootstrap(t *testing.T) {
	env := testutil.NewTestEnv()
	mongo := env.Setup(t)
	defer env.Cleanup(t, mongo)

	locks := lockservice.NewService(mongo.Store(), "", nil)

	const contenders = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		failures []error
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := locks.Acquire(context.Background(), lockservice.FormatHolder("host", string(rune('a'+i)), ""))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			if ok {
				winners++
			}
		}(i)
	}
	wg.Wait()

	assert.Empty(t, failures)
	assert.Equal(t, 1, winners)
	assert.Equal(t, int64(1), mongo.CountDocuments(t, lockservice.DefaultCollectionName))
}
