package lockservice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	mongostore "mongomigrate/pkg/db/mongo"
	apperrors "mongomigrate/pkg/errors"
	"mongomigrate/pkg/logger"
	"mongomigrate/pkg/model"
)

const DefaultCollectionName = "DATABASECHANGELOGLOCK"

// Service guards migration runs with a single lock document. Every state
// change is one conditional atomic replace; nothing is read and then written.
type Service interface {
	// Acquire reports whether holder obtained the lock. A lock held by anyone,
	// including holder itself, yields false.
	Acquire(ctx context.Context, holder string) (bool, error)

	// Release reports whether holder released the lock. Releasing a free lock,
	// or one held by someone else, yields false and changes nothing.
	Release(ctx context.Context, holder string) (bool, error)

	// Status returns the current lock document, or a released record when the
	// collection has never been locked.
	Status(ctx context.Context) (*model.LockRecord, error)

	// ForceRelease frees the lock whoever holds it and returns the previous
	// holder, empty when the lock was already free.
	ForceRelease(ctx context.Context) (string, error)

	// WaitForLock polls Acquire every interval until it succeeds or timeout elapses.
	WaitForLock(ctx context.Context, holder string, timeout, interval time.Duration) error

	CollectionName() string
}

type Option func(*lockService)

// WithClock replaces the time source used to stamp acquisitions.
func WithClock(now func() time.Time) Option {
	return func(s *lockService) {
		s.now = now
	}
}

type lockService struct {
	coll mongostore.Collection
	log  *logger.Logger
	now  func() time.Time
}

func NewService(db mongostore.Database, collectionName string, log *logger.Logger, opts ...Option) Service {
	if collectionName == "" {
		collectionName = DefaultCollectionName
	}
	if log == nil {
		log = logger.NewNop()
	}
	s := &lockService{
		coll: db.Collection(collectionName),
		log:  log,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *lockService) CollectionName() string {
	return s.coll.Name()
}

func (s *lockService) Acquire(ctx context.Context, holder string) (bool, error) {
	if err := validateHolder(holder); err != nil {
		return false, err
	}

	lock := model.NewHeldLock(holder, s.now())

	// A free lock is taken over in place. No upsert here: a held lock must
	// never be matched by this write.
	free := bson.D{{Key: "_id", Value: model.LockID}, {Key: "locked", Value: false}}
	replaced, err := s.coll.FindOneAndReplace(ctx, free, lock, mongostore.ReplaceOptions{}, nil)
	if err != nil {
		return false, apperrors.Transport("acquire lock", err)
	}
	if replaced {
		s.log.Info("Lock acquired", logger.HOLDER, holder, "collection", s.coll.Name())
		return true, nil
	}

	// Nothing matched: either the lock is held or the document does not exist
	// yet. The upsert can only create the document; if it already exists the
	// insert collides on _id and the lock is busy.
	created, err := s.coll.FindOneAndReplace(ctx, free, lock, mongostore.ReplaceOptions{Upsert: true}, nil)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			s.log.Debug("Lock busy", logger.HOLDER, holder, "collection", s.coll.Name())
			return false, nil
		}
		return false, apperrors.Transport("acquire lock", err)
	}
	if created {
		s.log.Info("Lock acquired", logger.HOLDER, holder, "collection", s.coll.Name(), "bootstrap", true)
	}
	return created, nil
}

func (s *lockService) Release(ctx context.Context, holder string) (bool, error) {
	if err := validateHolder(holder); err != nil {
		return false, err
	}

	owned := bson.D{
		{Key: "_id", Value: model.LockID},
		{Key: "locked", Value: true},
		{Key: "lockedBy", Value: holder},
	}
	released, err := s.coll.FindOneAndReplace(ctx, owned, model.NewReleasedLock(), mongostore.ReplaceOptions{}, nil)
	if err != nil {
		return false, apperrors.Transport("release lock", err)
	}

	if released {
		s.log.Info("Lock released", logger.HOLDER, holder, "collection", s.coll.Name())
	} else {
		s.log.Debug("Lock not held by holder, nothing released", logger.HOLDER, holder)
	}
	return released, nil
}

func (s *lockService) Status(ctx context.Context) (*model.LockRecord, error) {
	var lock model.LockRecord
	found, err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: model.LockID}}, &lock)
	if err != nil {
		return nil, apperrors.Transport("read lock", err)
	}
	if !found {
		return model.NewReleasedLock(), nil
	}
	return &lock, nil
}

func (s *lockService) ForceRelease(ctx context.Context) (string, error) {
	var previous model.LockRecord
	held := bson.D{{Key: "_id", Value: model.LockID}, {Key: "locked", Value: true}}

	released, err := s.coll.FindOneAndReplace(ctx, held, model.NewReleasedLock(), mongostore.ReplaceOptions{ReturnBefore: true}, &previous)
	if err != nil {
		return "", apperrors.Transport("force release lock", err)
	}
	if !released {
		return "", nil
	}

	s.log.Warn("Lock force released", "previous_holder", previous.Holder, "collection", s.coll.Name())
	return previous.Holder, nil
}

func (s *lockService) WaitForLock(ctx context.Context, holder string, timeout, interval time.Duration) error {
	if interval <= 0 {
		return apperrors.InvalidInput("lock poll interval must be positive")
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		acquired, err := s.Acquire(ctx, holder)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}

		s.log.Info("Waiting for lock", logger.HOLDER, holder, "attempt", attempt)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return s.timeout(ctx, holder, timeout)
		case <-ticker.C:
		}
	}
}

func (s *lockService) timeout(ctx context.Context, holder string, waited time.Duration) error {
	appErr := apperrors.LockTimeout(holder, waited)
	if current, err := s.Status(ctx); err == nil && current.Held {
		appErr.Details["locked_by"] = current.Holder
		if current.AcquiredAt != nil {
			appErr.Details["lock_granted"] = current.AcquiredAt.Format(time.RFC3339)
		}
	}
	return appErr
}

func validateHolder(holder string) error {
	if strings.TrimSpace(holder) == "" {
		return apperrors.InvalidInput("lock holder must not be empty")
	}
	return nil
}

// IsBusy reports whether err is a lock wait that timed out.
func IsBusy(err error) bool {
	return apperrors.HasCode(err, apperrors.CodeLockTimeout)
}

// String renders a lock record for operators.
func String(lock *model.LockRecord) string {
	if lock == nil || !lock.Held {
		return "unlocked"
	}
	if lock.AcquiredAt == nil {
		return fmt.Sprintf("locked by %s", lock.Holder)
	}
	return fmt.Sprintf("locked by %s since %s", lock.Holder, lock.AcquiredAt.Format(time.RFC3339))
}
