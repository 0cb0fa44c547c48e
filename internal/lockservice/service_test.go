package lockservice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"mongomigrate/internal/storetest"
	apperrors "mongomigrate/pkg/errors"
	"mongomigrate/pkg/model"
)

var fixedNow = time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

func newService(t *testing.T) (Service, *storetest.Database) {
	t.Helper()
	db := storetest.NewDatabase("app")
	svc := NewService(db, "", nil, WithClock(func() time.Time { return fixedNow }))
	return svc, db
}

func lockDoc(t *testing.T, db *storetest.Database) model.LockRecord {
	t.Helper()
	docs := db.Documents(DefaultCollectionName)
	require.Len(t, docs, 1, "exactly one lock document")
	var lock model.LockRecord
	require.NoError(t, bson.Unmarshal(docs[0], &lock))
	return lock
}

func TestAcquire(t *testing.T) {
	t.Run("Bootstrap_CreatesLockDocument", func(t *testing.T) {
		// Arrange
		svc, db := newService(t)

		// Act
		acquired, err := svc.Acquire(context.Background(), "host-A")

		// Assert
		require.NoError(t, err)
		assert.True(t, acquired)
		lock := lockDoc(t, db)
		assert.Equal(t, model.LockID, lock.ID)
		assert.True(t, lock.Held)
		assert.Equal(t, "host-A", lock.Holder)
		require.NotNil(t, lock.AcquiredAt)
		assert.True(t, fixedNow.Equal(*lock.AcquiredAt))
	})

	t.Run("FreeLock_IsTakenOver", func(t *testing.T) {
		svc, db := newService(t)
		db.Seed(DefaultCollectionName, model.NewReleasedLock())

		acquired, err := svc.Acquire(context.Background(), "host-B")

		require.NoError(t, err)
		assert.True(t, acquired)
		assert.Equal(t, "host-B", lockDoc(t, db).Holder)
	})

	t.Run("HeldLock_ReturnsFalseAndKeepsHolder", func(t *testing.T) {
		svc, db := newService(t)
		db.Seed(DefaultCollectionName, model.NewHeldLock("host-A", fixedNow.Add(-time.Hour)))

		acquired, err := svc.Acquire(context.Background(), "host-B")

		require.NoError(t, err)
		assert.False(t, acquired)
		lock := lockDoc(t, db)
		assert.Equal(t, "host-A", lock.Holder)
		assert.True(t, fixedNow.Add(-time.Hour).Equal(*lock.AcquiredAt))
	})

	t.Run("HeldBySameHolder_IsNotReentrant", func(t *testing.T) {
		svc, _ := newService(t)

		first, err := svc.Acquire(context.Background(), "host-A")
		require.NoError(t, err)
		second, err := svc.Acquire(context.Background(), "host-A")
		require.NoError(t, err)

		assert.True(t, first)
		assert.False(t, second)
	})

	t.Run("BootstrapRace_DuplicateKeyIsFalse", func(t *testing.T) {
		svc, db := newService(t)
		// Another runner creates the lock between the two conditional writes.
		var calls atomic.Int32
		var hook func()
		hook = func() {
			if calls.Add(1) == 2 {
				db.Seed(DefaultCollectionName, model.NewHeldLock("host-A", fixedNow))
				return
			}
			db.SetHook(storetest.OpFindOneAndReplace, hook)
		}
		db.SetHook(storetest.OpFindOneAndReplace, hook)

		acquired, err := svc.Acquire(context.Background(), "host-B")

		require.NoError(t, err)
		assert.False(t, acquired)
		assert.Equal(t, "host-A", lockDoc(t, db).Holder)
	})

	t.Run("TransportFailure_IsError", func(t *testing.T) {
		svc, db := newService(t)
		db.SetError(storetest.OpFindOneAndReplace, errors.New("connection refused"))

		acquired, err := svc.Acquire(context.Background(), "host-A")

		require.Error(t, err)
		assert.False(t, acquired)
		assert.True(t, apperrors.HasCode(err, apperrors.CodeTransport))
	})

	t.Run("OtherWriteError_IsNotMappedToFalse", func(t *testing.T) {
		svc, db := newService(t)
		db.SetError(storetest.OpFindOneAndReplace, mongo.WriteException{
			WriteErrors: mongo.WriteErrors{{Code: 121, Message: "Document failed validation"}},
		})

		_, err := svc.Acquire(context.Background(), "host-A")

		require.Error(t, err)
		var we mongo.WriteException
		assert.True(t, errors.As(err, &we))
	})

	t.Run("EmptyHolder_IsInvalid", func(t *testing.T) {
		svc, db := newService(t)

		_, err := svc.Acquire(context.Background(), "  ")

		assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidInput))
		assert.Zero(t, db.Calls(storetest.OpFindOneAndReplace))
	})
}

func TestAcquire_MutualExclusion(t *testing.T) {
	for round := 0; round < 20; round++ {
		svc, db := newService(t)
		if round%2 == 1 {
			db.Seed(DefaultCollectionName, model.NewReleasedLock())
		}

		const runners = 8
		var wg sync.WaitGroup
		var winners atomic.Int32
		results := make([]bool, runners)
		holders := []string{"host-A", "host-B", "host-C", "host-D", "host-E", "host-F", "host-G", "host-H"}

		for i := 0; i < runners; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := svc.Acquire(context.Background(), holders[i])
				assert.NoError(t, err)
				results[i] = ok
				if ok {
					winners.Add(1)
				}
			}(i)
		}
		wg.Wait()

		require.Equal(t, int32(1), winners.Load(), "round %d", round)
		lock := lockDoc(t, db)
		assert.True(t, lock.Held)
		for i, ok := range results {
			if ok {
				assert.Equal(t, holders[i], lock.Holder)
			}
		}
	}
}

func TestRelease(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		svc, db := newService(t)
		db.Seed(DefaultCollectionName, model.NewReleasedLock())
		before := lockDoc(t, db)

		acquired, err := svc.Acquire(context.Background(), "host-A")
		require.NoError(t, err)
		released, err := svc.Release(context.Background(), "host-A")
		require.NoError(t, err)

		assert.True(t, acquired)
		assert.True(t, released)
		assert.Equal(t, before, lockDoc(t, db))
	})

	t.Run("AlreadyUnlocked_ReturnsFalse", func(t *testing.T) {
		svc, db := newService(t)
		db.Seed(DefaultCollectionName, model.NewReleasedLock())

		released, err := svc.Release(context.Background(), "host-A")

		require.NoError(t, err)
		assert.False(t, released)
		assert.False(t, lockDoc(t, db).Held)
	})

	t.Run("HeldByOther_ReturnsFalseAndKeepsRecord", func(t *testing.T) {
		svc, db := newService(t)
		db.Seed(DefaultCollectionName, model.NewHeldLock("host-A", fixedNow))
		before := db.Documents(DefaultCollectionName)

		released, err := svc.Release(context.Background(), "host-B")

		require.NoError(t, err)
		assert.False(t, released)
		assert.Equal(t, before, db.Documents(DefaultCollectionName))
	})

	t.Run("NoDocument_ReturnsFalseWithoutCreating", func(t *testing.T) {
		svc, db := newService(t)

		released, err := svc.Release(context.Background(), "host-A")

		require.NoError(t, err)
		assert.False(t, released)
		assert.Empty(t, db.Documents(DefaultCollectionName))
	})

	t.Run("TransportFailure_IsError", func(t *testing.T) {
		svc, db := newService(t)
		db.SetError(storetest.OpFindOneAndReplace, context.DeadlineExceeded)

		_, err := svc.Release(context.Background(), "host-A")

		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestTwoHostsScenario(t *testing.T) {
	db := storetest.NewDatabase("app")
	hostA := NewService(db, "", nil)
	hostB := NewService(db, "", nil)

	start := make(chan struct{})
	var wg sync.WaitGroup
	var okA, okB bool
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		okA, _ = hostA.Acquire(context.Background(), "host-A")
	}()
	go func() {
		defer wg.Done()
		<-start
		okB, _ = hostB.Acquire(context.Background(), "host-B")
	}()
	close(start)
	wg.Wait()

	require.NotEqual(t, okA, okB, "exactly one host wins")
	lock := lockDoc(t, db)
	assert.True(t, lock.Held)
	if okA {
		assert.Equal(t, "host-A", lock.Holder)
	} else {
		assert.Equal(t, "host-B", lock.Holder)
	}
}

func TestStatus(t *testing.T) {
	t.Run("NeverLocked", func(t *testing.T) {
		svc, _ := newService(t)

		lock, err := svc.Status(context.Background())

		require.NoError(t, err)
		assert.False(t, lock.Held)
		assert.Equal(t, "unlocked", String(lock))
	})

	t.Run("Held", func(t *testing.T) {
		svc, _ := newService(t)
		_, err := svc.Acquire(context.Background(), "host-A")
		require.NoError(t, err)

		lock, err := svc.Status(context.Background())

		require.NoError(t, err)
		assert.True(t, lock.HeldBy("host-A"))
		assert.Equal(t, "locked by host-A since 2024-05-01T10:30:00Z", String(lock))
	})
}

func TestForceRelease(t *testing.T) {
	t.Run("ReturnsPreviousHolder", func(t *testing.T) {
		svc, db := newService(t)
		db.Seed(DefaultCollectionName, model.NewHeldLock("host-A", fixedNow))

		previous, err := svc.ForceRelease(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "host-A", previous)
		assert.False(t, lockDoc(t, db).Held)

		previous, err = svc.ForceRelease(context.Background())
		require.NoError(t, err)
		assert.Empty(t, previous)
	})

	t.Run("SingleAtomicWrite", func(t *testing.T) {
		svc, db := newService(t)
		db.Seed(DefaultCollectionName, model.NewHeldLock("host-A", fixedNow))

		previous, err := svc.ForceRelease(context.Background())

		require.NoError(t, err)
		assert.Equal(t, "host-A", previous)
		assert.Equal(t, 0, db.Calls(storetest.OpFindOne))
		assert.Equal(t, 1, db.Calls(storetest.OpFindOneAndReplace))
	})

	t.Run("TransportFailure", func(t *testing.T) {
		svc, db := newService(t)
		db.Seed(DefaultCollectionName, model.NewHeldLock("host-A", fixedNow))
		db.SetError(storetest.OpFindOneAndReplace, errors.New("connection reset"))

		previous, err := svc.ForceRelease(context.Background())

		require.Error(t, err)
		assert.Empty(t, previous)
		assert.True(t, apperrors.HasCode(err, apperrors.CodeTransport))
		assert.True(t, lockDoc(t, db).Held)
	})
}

func TestWaitForLock(t *testing.T) {
	t.Run("AcquiresOnceReleased", func(t *testing.T) {
		svc, db := newService(t)
		db.Seed(DefaultCollectionName, model.NewHeldLock("host-A", fixedNow))

		go func() {
			time.Sleep(30 * time.Millisecond)
			_, _ = svc.Release(context.Background(), "host-A")
		}()

		err := svc.WaitForLock(context.Background(), "host-B", 2*time.Second, 5*time.Millisecond)

		require.NoError(t, err)
		assert.Equal(t, "host-B", lockDoc(t, db).Holder)
	})

	t.Run("TimesOut", func(t *testing.T) {
		svc, db := newService(t)
		db.Seed(DefaultCollectionName, model.NewHeldLock("host-A", fixedNow))

		err := svc.WaitForLock(context.Background(), "host-B", 30*time.Millisecond, 5*time.Millisecond)

		require.Error(t, err)
		assert.True(t, IsBusy(err))
		appErr := apperrors.AsAppError(err)
		assert.Equal(t, "host-A", appErr.Details["locked_by"])
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		svc, db := newService(t)
		db.Seed(DefaultCollectionName, model.NewHeldLock("host-A", fixedNow))
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := svc.WaitForLock(ctx, "host-B", time.Minute, 5*time.Millisecond)

		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("InvalidInterval", func(t *testing.T) {
		svc, _ := newService(t)

		err := svc.WaitForLock(context.Background(), "host-B", time.Second, 0)

		assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidInput))
	})
}

func TestFormatHolder(t *testing.T) {
	assert.Equal(t, "db01#blue (10.0.0.4)", FormatHolder("db01", "blue", "10.0.0.4"))
	assert.Equal(t, "db01 (10.0.0.4)", FormatHolder("db01", "", "10.0.0.4"))
	assert.Equal(t, "db01", FormatHolder("db01", "", ""))
	assert.Equal(t, DefaultHolder("x"), DefaultHolder("x"))
	assert.Equal(t, "ci", ResolveHolder("ci", "blue"))
	assert.Equal(t, DefaultHolder("blue"), ResolveHolder("", "blue"))
}
