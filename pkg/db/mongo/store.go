package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// FindOptions narrows the driver's find options to what the migration layers use.
type FindOptions struct {
	Sort  bson.D
	Limit int64
}

// ReplaceOptions controls FindOneAndReplace. By default no document is
// upserted and the post-image is decoded.
type ReplaceOptions struct {
	Upsert       bool
	ReturnBefore bool
}

// Collection is the subset of a MongoDB collection used by the lock service and
// the changelog repository. Every method is a single round trip.
type Collection interface {
	Name() string

	// FindOneAndReplace atomically replaces the first document matching filter
	// and decodes the post-image, or the pre-image with ReturnBefore, into out
	// (when out is non-nil). It reports false when nothing matched and no
	// document was upserted, and also for an upsert with ReturnBefore, which
	// has no pre-image.
	FindOneAndReplace(ctx context.Context, filter, replacement any, opts ReplaceOptions, out any) (bool, error)

	// FindOne decodes the first document matching filter into out. It reports
	// false when no document matched.
	FindOne(ctx context.Context, filter, out any) (bool, error)

	InsertOne(ctx context.Context, document any) error
	UpdateMany(ctx context.Context, filter, update any) (*mongo.UpdateResult, error)
	DeleteMany(ctx context.Context, filter any) (int64, error)
	Find(ctx context.Context, filter any, opts FindOptions, out any) error
}

// Database is the subset of a MongoDB database handle used by this module.
type Database interface {
	Name() string
	Collection(name string) Collection

	// RunCommand sends a raw administrative command. When the server answered,
	// its reply is returned even if it reports ok: 0, so that callers can
	// classify the response themselves. Only transport level failures,
	// authentication and authorization rejections included, are returned as
	// errors.
	RunCommand(ctx context.Context, command any) (bson.Raw, error)

	ListCollectionNames(ctx context.Context, filter any) ([]string, error)
	Ping(ctx context.Context) error
}

type database struct {
	db *mongo.Database
}

// NewDatabase adapts an already-authenticated driver handle.
func NewDatabase(db *mongo.Database) Database {
	return &database{db: db}
}

func (d *database) Name() string {
	return d.db.Name()
}

func (d *database) Collection(name string) Collection {
	return &collection{coll: d.db.Collection(name)}
}

func (d *database) RunCommand(ctx context.Context, command any) (bson.Raw, error) {
	raw, err := d.db.RunCommand(ctx, command).Raw()
	if err != nil {
		if reply, ok := commandReply(err); ok {
			return reply, nil
		}
		return nil, err
	}
	return raw, nil
}

// Server codes rejecting the credentials or the privileges of the connection.
const (
	codeUnauthorized         = 13
	codeAuthenticationFailed = 18
)

// IsAuthCode reports whether a server error code is an authentication or
// authorization rejection.
func IsAuthCode(code int32) bool {
	return code == codeUnauthorized || code == codeAuthenticationFailed
}

// commandReply extracts the server reply from a command failure. Auth
// rejections stay errors: they say nothing about the command itself.
func commandReply(err error) (bson.Raw, bool) {
	var cmdErr mongo.CommandError
	if !errors.As(err, &cmdErr) || len(cmdErr.Raw) == 0 || IsAuthCode(cmdErr.Code) {
		return nil, false
	}
	return cmdErr.Raw, true
}

func (d *database) ListCollectionNames(ctx context.Context, filter any) ([]string, error) {
	if filter == nil {
		filter = bson.D{}
	}
	return d.db.ListCollectionNames(ctx, filter)
}

func (d *database) Ping(ctx context.Context) error {
	return d.db.Client().Ping(ctx, nil)
}

type collection struct {
	coll *mongo.Collection
}

func (c *collection) Name() string {
	return c.coll.Name()
}

func (c *collection) FindOneAndReplace(ctx context.Context, filter, replacement any, opts ReplaceOptions, out any) (bool, error) {
	returnDoc := options.After
	if opts.ReturnBefore {
		returnDoc = options.Before
	}
	replaceOpts := options.FindOneAndReplace().
		SetUpsert(opts.Upsert).
		SetReturnDocument(returnDoc)

	res := c.coll.FindOneAndReplace(ctx, filter, replacement, replaceOpts)
	if err := res.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, err
	}
	if out != nil {
		if err := res.Decode(out); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (c *collection) FindOne(ctx context.Context, filter, out any) (bool, error) {
	err := c.coll.FindOne(ctx, filter).Decode(out)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *collection) InsertOne(ctx context.Context, document any) error {
	_, err := c.coll.InsertOne(ctx, document)
	return err
}

func (c *collection) UpdateMany(ctx context.Context, filter, update any) (*mongo.UpdateResult, error) {
	return c.coll.UpdateMany(ctx, filter, update)
}

func (c *collection) DeleteMany(ctx context.Context, filter any) (int64, error) {
	res, err := c.coll.DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (c *collection) Find(ctx context.Context, filter any, opts FindOptions, out any) error {
	findOpts := options.Find()
	if len(opts.Sort) > 0 {
		findOpts.SetSort(opts.Sort)
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}

	cursor, err := c.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	return cursor.All(ctx, out)
}
