package changelog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"mongomigrate/internal/command"
	"mongomigrate/internal/migrations/mongo/validators"
	mongostore "mongomigrate/pkg/db/mongo"
	apperrors "mongomigrate/pkg/errors"
	"mongomigrate/pkg/model"
)

const (
	DefaultCollectionName = "DATABASECHANGELOG"

	defaultOperationTimeout = 10 * time.Second
)

// Repository stores one record per applied changeset. Writes are expected to
// happen while the migration lock is held, so order assignment is not atomic.
type Repository interface {
	EnsureCollection(ctx context.Context) error
	Append(ctx context.Context, rec *model.RanChangeSet) error
	Rerun(ctx context.Context, rec *model.RanChangeSet) error
	List(ctx context.Context) ([]*model.RanChangeSet, error)
	Find(ctx context.Context, fileName, id, author string) (*model.RanChangeSet, error)
	Remove(ctx context.Context, fileName, id, author string) error
	CollectionName() string
}

type mongoRepository struct {
	exec    *command.Executor
	coll    mongostore.Collection
	timeout time.Duration
}

func NewRepository(exec *command.Executor, collectionName string) Repository {
	if collectionName == "" {
		collectionName = DefaultCollectionName
	}
	return &mongoRepository{
		exec:    exec,
		coll:    exec.Database().Collection(collectionName),
		timeout: defaultOperationTimeout,
	}
}

// withTimeout bounds a single operation, keeping a shorter caller deadline.
func (r *mongoRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < r.timeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *mongoRepository) CollectionName() string {
	return r.coll.Name()
}

func (r *mongoRepository) EnsureCollection(ctx context.Context) error {
	_, err := r.exec.EnsureCollection(ctx, r.coll.Name(), validators.CollectionOptions(validators.ChangeLogValidator))
	return err
}

func (r *mongoRepository) Append(ctx context.Context, rec *model.RanChangeSet) error {
	if err := model.Validate(rec); err != nil {
		return apperrors.Validation("Changelog record validation failed", map[string]any{
			"changeset": rec.Key(),
			"error":     err.Error(),
		})
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.assignOrder(ctx, rec); err != nil {
		return err
	}
	if err := r.coll.InsertOne(ctx, rec); err != nil {
		return apperrors.Transport(fmt.Sprintf("insert into %s", r.coll.Name()), err)
	}
	return nil
}

// Rerun replaces the record of a changeset that is applied again, moving it to
// the end of the execution order.
func (r *mongoRepository) Rerun(ctx context.Context, rec *model.RanChangeSet) error {
	if err := model.Validate(rec); err != nil {
		return apperrors.Validation("Changelog record validation failed", map[string]any{
			"changeset": rec.Key(),
			"error":     err.Error(),
		})
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.assignOrder(ctx, rec); err != nil {
		return err
	}
	replaced, err := r.coll.FindOneAndReplace(ctx, keyFilter(rec.FileName, rec.ChangeSetID, rec.Author), rec, mongostore.ReplaceOptions{}, nil)
	if err != nil {
		return apperrors.Transport(fmt.Sprintf("replace in %s", r.coll.Name()), err)
	}
	if !replaced {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.Key())
	}
	return nil
}

func (r *mongoRepository) List(ctx context.Context) ([]*model.RanChangeSet, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var records []*model.RanChangeSet
	opts := mongostore.FindOptions{Sort: bson.D{{Key: "orderExecuted", Value: 1}}}
	if err := r.coll.Find(ctx, bson.D{}, opts, &records); err != nil {
		return nil, apperrors.Transport(fmt.Sprintf("find in %s", r.coll.Name()), err)
	}
	return records, nil
}

func (r *mongoRepository) Find(ctx context.Context, fileName, id, author string) (*model.RanChangeSet, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var rec model.RanChangeSet
	found, err := r.coll.FindOne(ctx, keyFilter(fileName, id, author), &rec)
	if err != nil {
		return nil, apperrors.Transport(fmt.Sprintf("find in %s", r.coll.Name()), err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, model.ChangeSetKey(fileName, id, author))
	}
	return &rec, nil
}

func (r *mongoRepository) Remove(ctx context.Context, fileName, id, author string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	deleted, err := r.coll.DeleteMany(ctx, keyFilter(fileName, id, author))
	if err != nil {
		return apperrors.Transport(fmt.Sprintf("delete from %s", r.coll.Name()), err)
	}
	if deleted == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, model.ChangeSetKey(fileName, id, author))
	}
	return nil
}

func (r *mongoRepository) assignOrder(ctx context.Context, rec *model.RanChangeSet) error {
	var last []model.RanChangeSet
	opts := mongostore.FindOptions{Sort: bson.D{{Key: "orderExecuted", Value: -1}}, Limit: 1}
	if err := r.coll.Find(ctx, bson.D{}, opts, &last); err != nil {
		return apperrors.Transport(fmt.Sprintf("find in %s", r.coll.Name()), err)
	}

	next := int32(1)
	if len(last) > 0 && last[0].OrderExecuted != nil {
		next = *last[0].OrderExecuted + 1
	}
	rec.OrderExecuted = &next
	return nil
}

func keyFilter(fileName, id, author string) bson.D {
	return bson.D{
		{Key: "fileName", Value: fileName},
		{Key: "id", Value: id},
		{Key: "author", Value: author},
	}
}

// IsNotFound reports whether err means no record matched.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
