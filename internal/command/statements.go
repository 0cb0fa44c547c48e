package command

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"mongomigrate/internal/rowsaffected"
	mongostore "mongomigrate/pkg/db/mongo"
	apperrors "mongomigrate/pkg/errors"
)

// UpdateMany updates every document in collection matching filter. update is
// either an update document or an aggregation pipeline (bson.A). The matched
// count is returned and added to the run scope.
func (e *Executor) UpdateMany(ctx context.Context, collection string, filter, update any) (int64, error) {
	if filter == nil {
		filter = bson.D{}
	}

	res, err := e.db.Collection(collection).UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, apperrors.Transport(fmt.Sprintf("updateMany on %s", collection), err)
	}

	rowsaffected.FromContext(ctx).Add(res.MatchedCount)
	e.log.Debug("Documents updated",
		"collection", collection,
		"matched", res.MatchedCount,
		"modified", res.ModifiedCount,
	)
	return res.MatchedCount, nil
}

// ListCollectionNames returns the user collections of the database.
func (e *Executor) ListCollectionNames(ctx context.Context) ([]string, error) {
	names, err := e.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, apperrors.Transport("listCollections", err)
	}

	out := names[:0]
	for _, name := range names {
		if !strings.HasPrefix(name, "system.") {
			out = append(out, name)
		}
	}
	return out, nil
}

// CountCollectionsByName returns how many collections are named name (0 or 1).
func (e *Executor) CountCollectionsByName(ctx context.Context, name string) (int, error) {
	names, err := e.db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: name}})
	if err != nil {
		return 0, apperrors.Transport("listCollections", err)
	}
	return len(names), nil
}

// DropAll drops every user collection, one drop command each. It stops at the
// first failure.
func (e *Executor) DropAll(ctx context.Context) error {
	names, err := e.ListCollectionNames(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := e.Execute(ctx, DropCollection(name)); err != nil {
			return fmt.Errorf("drop %s: %w", name, err)
		}
	}
	return nil
}

// FindAll returns every document of collection in natural order.
func (e *Executor) FindAll(ctx context.Context, collection string) ([]bson.M, error) {
	var docs []bson.M
	if err := e.db.Collection(collection).Find(ctx, bson.D{}, mongostore.FindOptions{}, &docs); err != nil {
		return nil, apperrors.Transport(fmt.Sprintf("find on %s", collection), err)
	}
	return docs, nil
}

// EnsureCollection creates collection with options when it does not exist yet,
// and otherwise replaces its options through collMod. A failed collMod is only
// logged: the collection is usable with its previous validator. It reports
// whether the collection was created.
func (e *Executor) EnsureCollection(ctx context.Context, collection string, options bson.D) (bool, error) {
	existing, err := e.CountCollectionsByName(ctx, collection)
	if err != nil {
		return false, err
	}

	if existing == 0 {
		e.log.Info("Creating collection", "collection", collection)
		err := e.Execute(ctx, CreateCollection(collection, options))
		if err == nil {
			return true, nil
		}
		// Another runner created it between the listing and the create.
		if cmdErr, ok := AsCommandError(err); !ok || cmdErr.ServerCode() != codeNamespaceExists {
			return false, fmt.Errorf("failed creating %s: %w", collection, err)
		}
		e.log.Debug("Collection created concurrently", "collection", collection)
	}

	if len(options) == 0 {
		return false, nil
	}
	e.log.Debug("Collection exists, updating options", "collection", collection)
	if err := e.Execute(ctx, CollMod(collection, options)); err != nil {
		e.log.Warn("Failed updating collection options", "collection", collection, "error", err)
	}
	return false, nil
}
