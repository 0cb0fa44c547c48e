//go:build integration

package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"mongomigrate/internal/command"
	"mongomigrate/internal/rowsaffected"
	"mongomigrate/test/integration/testutil"
)

func TestExecutor_AgainstServer(t *testing.T) {
	env := testutil.NewTestEnv()
	mongo := env.Setup(t)
	defer env.Cleanup(t, mongo)

	exec := command.NewExecutor(mongo.Store(), nil)
	scope := rowsaffected.NewScope()
	ctx := rowsaffected.WithScope(context.Background(), scope)

	t.Run("CreateCountsOne", func(t *testing.T) {
		scope.Reset()

		err := exec.Execute(ctx, command.CreateCollection("users", nil))

		require.NoError(t, err)
		assert.Equal(t, int64(1), scope.Count())
	})

	t.Run("CreateExistingIsCommandError", func(t *testing.T) {
		scope.Reset()

		err := exec.Execute(ctx, command.CreateCollection("users", nil))

		cmdErr, ok := command.AsCommandError(err)
		require.True(t, ok, "got %v", err)
		assert.Equal(t, int64(48), cmdErr.ServerCode())
		assert.Zero(t, scope.Count())
	})

	t.Run("InsertCountsDocuments", func(t *testing.T) {
		scope.Reset()

		err := exec.Execute(ctx, command.Insert("users",
			bson.D{{Key: "_id", Value: 1}},
			bson.D{{Key: "_id", Value: 2}},
		))

		require.NoError(t, err)
		assert.Equal(t, int64(2), scope.Count())
	})

	t.Run("DuplicateInsertIsPartialFailure", func(t *testing.T) {
		scope.Reset()

		err := exec.Execute(ctx, command.Insert("users",
			bson.D{{Key: "_id", Value: 3}},
			bson.D{{Key: "_id", Value: 1}},
		))

		cmdErr, ok := command.AsCommandError(err)
		require.True(t, ok, "got %v", err)
		require.Len(t, cmdErr.Partial, 1)
		assert.Equal(t, int64(11000), cmdErr.Partial[0].Code)
		assert.Zero(t, scope.Count())
	})

	t.Run("UpdateManyCountsMatched", func(t *testing.T) {
		scope.Reset()

		n, err := exec.UpdateMany(ctx, "users", bson.D{}, bson.D{{Key: "$set", Value: bson.D{{Key: "seen", Value: true}}}})

		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		assert.Equal(t, int64(3), scope.Count())
	})

	t.Run("DropAll", func(t *testing.T) {
		require.NoError(t, exec.DropAll(ctx))

		names, err := exec.ListCollectionNames(ctx)
		require.NoError(t, err)
		assert.Empty(t, names)
	})
}
