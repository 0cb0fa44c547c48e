package command

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"mongomigrate/internal/rowsaffected"
	"mongomigrate/internal/storetest"
	apperrors "mongomigrate/pkg/errors"
)

func newExecutor(t *testing.T) (*Executor, *storetest.Database) {
	t.Helper()
	db := storetest.NewDatabase("app")
	return NewExecutor(db, nil), db
}

func TestExecutor_Execute(t *testing.T) {
	t.Run("Success_AddsDDLCountToScope", func(t *testing.T) {
		// Arrange
		exec, db := newExecutor(t)
		scope := rowsaffected.NewScope()
		ctx := rowsaffected.WithScope(context.Background(), scope)

		// Act
		err := exec.Execute(ctx, CreateCollection("users", nil))

		// Assert
		require.NoError(t, err)
		assert.True(t, db.HasCollection("users"))
		assert.Equal(t, int64(1), scope.Count())
	})

	t.Run("Success_AccumulatesMutationCounts", func(t *testing.T) {
		exec, db := newExecutor(t)
		scope := rowsaffected.NewScope()
		ctx := rowsaffected.WithScope(context.Background(), scope)

		for _, n := range []int32{2, 0, 5} {
			db.SetReply("update", bson.D{{Key: "ok", Value: 1.0}, {Key: "n", Value: n}})
			require.NoError(t, exec.Execute(ctx, Update("users", bson.D{}, bson.D{{Key: "$set", Value: bson.D{{Key: "a", Value: 1}}}}, true)))
		}

		assert.Equal(t, int64(7), scope.Count())
	})

	t.Run("Success_DisabledScopeUntouched", func(t *testing.T) {
		exec, _ := newExecutor(t)
		scope := rowsaffected.NewScope()
		scope.SetEnabled(false)
		ctx := rowsaffected.WithScope(context.Background(), scope)

		require.NoError(t, exec.Execute(ctx, Insert("users", bson.D{{Key: "name", Value: "a"}}, bson.D{{Key: "name", Value: "b"}})))

		assert.Zero(t, scope.Count())
	})

	t.Run("Success_NoScopeInContext", func(t *testing.T) {
		exec, _ := newExecutor(t)

		err := exec.Execute(context.Background(), CreateCollection("users", nil))

		assert.NoError(t, err)
	})

	t.Run("Failure_CommandErrorCarriesResponse", func(t *testing.T) {
		exec, _ := newExecutor(t)
		scope := rowsaffected.NewScope()
		ctx := rowsaffected.WithScope(context.Background(), scope)

		err := exec.Execute(ctx, DropCollection("missing"))

		require.Error(t, err)
		cmdErr, ok := AsCommandError(err)
		require.True(t, ok)
		assert.Equal(t, KindDrop, cmdErr.Kind)
		assert.Contains(t, err.Error(), "command drop failed. The full response is")
		assert.Contains(t, err.Error(), "ns not found")
		assert.Zero(t, scope.Count())

		appErr := cmdErr.AppError()
		assert.Equal(t, apperrors.CodeCommandFailed, appErr.Code)
		assert.Equal(t, `db.runCommand({"drop":"missing"});`, appErr.Details["command"])
	})

	t.Run("Failure_WriteErrors", func(t *testing.T) {
		exec, db := newExecutor(t)
		db.Seed("users", bson.D{{Key: "_id", Value: "u1"}})

		err := exec.Execute(context.Background(), Insert("users", bson.D{{Key: "_id", Value: "u1"}}))

		require.Error(t, err)
		cmdErr, ok := AsCommandError(err)
		require.True(t, ok)
		require.Len(t, cmdErr.Partial, 1)
		assert.Equal(t, int64(11000), cmdErr.Partial[0].Code)
	})

	t.Run("Failure_Transport", func(t *testing.T) {
		exec, db := newExecutor(t)
		db.SetError(storetest.OpRunCommand, errors.New("connection reset"))

		err := exec.Execute(context.Background(), CreateCollection("users", nil))

		require.Error(t, err)
		assert.False(t, IsCommandFailure(err))
		assert.True(t, apperrors.HasCode(err, apperrors.CodeTransport))
	})
}

func TestExecutor_Run_ReturnsFailedReplyWithoutError(t *testing.T) {
	exec, db := newExecutor(t)
	db.SetReply("collMod", bson.D{{Key: "ok", Value: 0.0}, {Key: "errmsg", Value: "bad validator"}})

	res, err := exec.Run(context.Background(), CollMod("users", nil))

	require.NoError(t, err)
	assert.False(t, res.Succeeded())
	assert.Equal(t, "bad validator", res.Raw.Lookup("errmsg").StringValue())
}

func TestExecutor_UpdateMany(t *testing.T) {
	exec, db := newExecutor(t)
	db.Seed("users",
		bson.D{{Key: "_id", Value: 1}, {Key: "status", Value: "new"}},
		bson.D{{Key: "_id", Value: 2}, {Key: "status", Value: "new"}},
		bson.D{{Key: "_id", Value: 3}, {Key: "status", Value: "old"}},
	)
	scope := rowsaffected.NewScope()
	ctx := rowsaffected.WithScope(context.Background(), scope)

	n, err := exec.UpdateMany(ctx, "users",
		bson.D{{Key: "status", Value: "new"}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: "active"}}}},
	)

	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, int64(2), scope.Count())
}

func TestExecutor_CollectionListing(t *testing.T) {
	exec, db := newExecutor(t)
	db.Seed("users")
	db.Seed("orders")
	db.Seed("system.views")

	names, err := exec.ListCollectionNames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "users"}, names)

	count, err := exec.CountCollectionsByName(context.Background(), "users")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = exec.CountCollectionsByName(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestExecutor_DropAll(t *testing.T) {
	exec, db := newExecutor(t)
	db.Seed("users", bson.D{{Key: "name", Value: "a"}})
	db.Seed("orders")
	db.Seed("system.views")
	scope := rowsaffected.NewScope()
	ctx := rowsaffected.WithScope(context.Background(), scope)

	require.NoError(t, exec.DropAll(ctx))

	assert.False(t, db.HasCollection("users"))
	assert.False(t, db.HasCollection("orders"))
	assert.True(t, db.HasCollection("system.views"))
	assert.Equal(t, int64(2), scope.Count())
}

func TestExecutor_FindAll(t *testing.T) {
	exec, db := newExecutor(t)
	db.Seed("users",
		bson.D{{Key: "_id", Value: "a"}, {Key: "age", Value: int32(30)}},
		bson.D{{Key: "_id", Value: "b"}, {Key: "age", Value: int32(41)}},
	)

	docs, err := exec.FindAll(context.Background(), "users")

	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0]["_id"])
	assert.Equal(t, int32(41), docs[1]["age"])
}

func TestExecutor_EnsureCollection(t *testing.T) {
	opts := bson.D{{Key: "validator", Value: bson.M{"$jsonSchema": bson.M{"bsonType": "object"}}}}

	t.Run("CreatesMissingCollection", func(t *testing.T) {
		exec, db := newExecutor(t)

		created, err := exec.EnsureCollection(context.Background(), "users", opts)

		require.NoError(t, err)
		assert.True(t, created)
		assert.True(t, db.HasCollection("users"))
		cmds := db.Commands()
		require.Len(t, cmds, 1)
		assert.Equal(t, "users", cmds[0].Lookup("create").StringValue())
		assert.Equal(t, bson.TypeEmbeddedDocument, cmds[0].Lookup("validator").Type)
	})

	t.Run("ModifiesExistingCollection", func(t *testing.T) {
		exec, db := newExecutor(t)
		db.Seed("users")

		created, err := exec.EnsureCollection(context.Background(), "users", opts)

		require.NoError(t, err)
		assert.False(t, created)
		cmds := db.Commands()
		require.Len(t, cmds, 1)
		assert.Equal(t, "users", cmds[0].Lookup("collMod").StringValue())
	})

	t.Run("CollModFailureIsNotFatal", func(t *testing.T) {
		exec, db := newExecutor(t)
		db.Seed("users")
		db.SetReply("collMod", bson.D{{Key: "ok", Value: 0.0}, {Key: "errmsg", Value: "unknown option to collMod"}})

		_, err := exec.EnsureCollection(context.Background(), "users", opts)

		assert.NoError(t, err)
	})

	t.Run("CreateFailureIsReturned", func(t *testing.T) {
		exec, db := newExecutor(t)
		db.SetReply("create", bson.D{{Key: "ok", Value: 0.0}, {Key: "errmsg", Value: "invalid collection name"}})

		_, err := exec.EnsureCollection(context.Background(), "users", opts)

		assert.True(t, IsCommandFailure(err))
	})

	t.Run("ConcurrentCreateIsNotAnError", func(t *testing.T) {
		exec, db := newExecutor(t)
		db.SetReply("create", bson.D{{Key: "ok", Value: 0.0}, {Key: "code", Value: int32(48)}, {Key: "codeName", Value: "NamespaceExists"}})

		created, err := exec.EnsureCollection(context.Background(), "users", opts)

		require.NoError(t, err)
		assert.False(t, created)
		assert.Len(t, db.Commands(), 2)
	})
}

func TestExecutor_AuthRejection(t *testing.T) {
	tests := []struct {
		name     string
		code     int32
		codeName string
	}{
		{name: "unauthorized", code: 13, codeName: "Unauthorized"},
		{name: "authentication failed", code: 18, codeName: "AuthenticationFailed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			exec, db := newExecutor(t)
			db.SetReply("create", bson.D{
				{Key: "ok", Value: 0.0},
				{Key: "errmsg", Value: "not authorized on app to execute command"},
				{Key: "code", Value: tt.code},
				{Key: "codeName", Value: tt.codeName},
			})
			scope := rowsaffected.NewScope()
			ctx := rowsaffected.WithScope(context.Background(), scope)

			// Act
			err := exec.Execute(ctx, CreateCollection("users", nil))

			// Assert
			require.Error(t, err)
			assert.False(t, IsCommandFailure(err))
			assert.True(t, apperrors.HasCode(err, apperrors.CodeTransport))
			assert.Zero(t, scope.Count())
		})
	}
}
