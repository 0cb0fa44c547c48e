// Package storetest provides an in-memory stand-in for the MongoDB store
// interfaces. It understands top-level equality filters, $set updates,
// single-field sorts and the administrative commands the migration layers
// send, which is enough to exercise them without a server.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	mongostore "mongomigrate/pkg/db/mongo"
)

// Operation names used for error injection and hooks.
const (
	OpFindOneAndReplace   = "findOneAndReplace"
	OpFindOne             = "findOne"
	OpInsertOne           = "insertOne"
	OpUpdateMany          = "updateMany"
	OpDeleteMany          = "deleteMany"
	OpFind                = "find"
	OpRunCommand          = "runCommand"
	OpListCollectionNames = "listCollectionNames"
	OpPing                = "ping"
)

const duplicateKeyCode = 11000

// Database is a concurrency-safe in-memory database.
type Database struct {
	mu          sync.Mutex
	name        string
	collections map[string][]bson.Raw
	replies     map[string]bson.Raw
	commands    []bson.Raw
	errs        map[string]error
	hooks       map[string]func()
	calls       map[string]int
}

var _ mongostore.Database = (*Database)(nil)

func NewDatabase(name string) *Database {
	return &Database{
		name:        name,
		collections: map[string][]bson.Raw{},
		replies:     map[string]bson.Raw{},
		errs:        map[string]error{},
		hooks:       map[string]func(){},
		calls:       map[string]int{},
	}
}

// SetError makes every subsequent call of op fail with err until cleared with a nil err.
func (d *Database) SetError(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.errs, op)
		return
	}
	d.errs[op] = err
}

// SetHook runs fn once, right before the next call of op touches any state.
func (d *Database) SetHook(op string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks[op] = fn
}

// SetReply overrides the reply returned for every command of the given kind.
// The command is still recorded but has no effect on stored data. A reply
// carrying an auth rejection code is raised as a driver CommandError.
func (d *Database) SetReply(kind string, reply any) {
	raw, err := bson.Marshal(reply)
	if err != nil {
		panic(fmt.Sprintf("storetest: marshal reply: %v", err))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies[kind] = raw
}

// Seed inserts documents directly, creating the collection when needed.
func (d *Database) Seed(collection string, docs ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.collections[collection]; !ok {
		d.collections[collection] = nil
	}
	for _, doc := range docs {
		raw, err := withID(doc)
		if err != nil {
			panic(fmt.Sprintf("storetest: seed: %v", err))
		}
		d.collections[collection] = append(d.collections[collection], raw)
	}
}

// Documents returns a snapshot of the stored documents of collection.
func (d *Database) Documents(collection string) []bson.Raw {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]bson.Raw(nil), d.collections[collection]...)
}

// HasCollection reports whether collection exists.
func (d *Database) HasCollection(collection string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.collections[collection]
	return ok
}

// Commands returns every command received through RunCommand, in order.
func (d *Database) Commands() []bson.Raw {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]bson.Raw(nil), d.commands...)
}

// Calls returns how many times op was invoked.
func (d *Database) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

func (d *Database) Name() string {
	return d.name
}

func (d *Database) Collection(name string) mongostore.Collection {
	return &Collection{db: d, name: name}
}

func (d *Database) Ping(ctx context.Context) error {
	return d.begin(ctx, OpPing, func() error { return nil })
}

func (d *Database) ListCollectionNames(ctx context.Context, filter any) ([]string, error) {
	var names []string
	err := d.begin(ctx, OpListCollectionNames, func() error {
		f, err := toRaw(filter)
		if err != nil {
			return err
		}
		wanted, byName := f.Lookup("name").StringValueOK()
		for name := range d.collections {
			if byName && name != wanted {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)
		return nil
	})
	return names, err
}

func (d *Database) RunCommand(ctx context.Context, command any) (bson.Raw, error) {
	var reply bson.Raw
	err := d.begin(ctx, OpRunCommand, func() error {
		raw, err := toRaw(command)
		if err != nil {
			return err
		}
		d.commands = append(d.commands, raw)

		elems, err := raw.Elements()
		if err != nil || len(elems) == 0 {
			return errors.New("storetest: empty command")
		}
		kind := elems[0].Key()
		if override, ok := d.replies[kind]; ok {
			if code, ok := override.Lookup("code").Int32OK(); ok && mongostore.IsAuthCode(code) {
				msg, _ := override.Lookup("errmsg").StringValueOK()
				name, _ := override.Lookup("codeName").StringValueOK()
				return mongo.CommandError{Code: code, Message: msg, Name: name, Raw: override}
			}
			reply = override
			return nil
		}
		target, _ := elems[0].Value().StringValueOK()
		reply = d.apply(kind, target, raw)
		return nil
	})
	return reply, err
}

// apply simulates the commands the migration layers send. Unknown commands
// are acknowledged without effect.
func (d *Database) apply(kind, target string, cmd bson.Raw) bson.Raw {
	switch kind {
	case "create":
		if _, ok := d.collections[target]; ok {
			return mustMarshal(bson.D{{Key: "ok", Value: 0.0}, {Key: "errmsg", Value: "Collection already exists. NS: " + d.name + "." + target}, {Key: "code", Value: int32(48)}, {Key: "codeName", Value: "NamespaceExists"}})
		}
		d.collections[target] = nil
	case "drop":
		if _, ok := d.collections[target]; !ok {
			return mustMarshal(bson.D{{Key: "ok", Value: 0.0}, {Key: "errmsg", Value: "ns not found"}, {Key: "code", Value: int32(26)}, {Key: "codeName", Value: "NamespaceNotFound"}})
		}
		delete(d.collections, target)
	case "collMod", "dropIndexes":
		if _, ok := d.collections[target]; !ok {
			return mustMarshal(bson.D{{Key: "ok", Value: 0.0}, {Key: "errmsg", Value: "ns does not exist"}, {Key: "code", Value: int32(26)}, {Key: "codeName", Value: "NamespaceNotFound"}})
		}
	case "createIndexes":
		if _, ok := d.collections[target]; !ok {
			d.collections[target] = nil
		}
	case "insert":
		arr, _ := cmd.Lookup("documents").ArrayOK()
		values, _ := arr.Values()
		var writeErrors bson.A
		n := int32(0)
		for i, v := range values {
			raw, ok := v.DocumentOK()
			if !ok {
				continue
			}
			doc, err := withID(raw)
			if err != nil {
				continue
			}
			if d.indexOfID(target, doc.Lookup("_id")) >= 0 {
				writeErrors = append(writeErrors, bson.D{{Key: "index", Value: int32(i)}, {Key: "code", Value: int32(duplicateKeyCode)}, {Key: "errmsg", Value: "E11000 duplicate key error"}})
				continue
			}
			d.collections[target] = append(d.collections[target], doc)
			n++
		}
		reply := bson.D{{Key: "n", Value: n}, {Key: "ok", Value: 1.0}}
		if len(writeErrors) > 0 {
			reply = append(reply, bson.E{Key: "writeErrors", Value: writeErrors})
		}
		return mustMarshal(reply)
	}
	return mustMarshal(bson.D{{Key: "ok", Value: 1.0}})
}

// begin applies injected errors and hooks, then runs fn under the lock.
func (d *Database) begin(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	d.calls[op]++
	hook := d.hooks[op]
	delete(d.hooks, op)
	d.mu.Unlock()

	if hook != nil {
		hook()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.errs[op]; err != nil {
		return err
	}
	return fn()
}

func (d *Database) indexOfID(collection string, id bson.RawValue) int {
	for i, doc := range d.collections[collection] {
		if equalValues(doc.Lookup("_id"), id) {
			return i
		}
	}
	return -1
}

func (d *Database) match(collection string, filter bson.Raw) []int {
	var out []int
	for i, doc := range d.collections[collection] {
		if matches(doc, filter) {
			out = append(out, i)
		}
	}
	return out
}

// Collection is a view on one collection of a Database.
type Collection struct {
	db   *Database
	name string
}

var _ mongostore.Collection = (*Collection)(nil)

func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) FindOneAndReplace(ctx context.Context, filter, replacement any, opts mongostore.ReplaceOptions, out any) (bool, error) {
	var found bool
	err := c.db.begin(ctx, OpFindOneAndReplace, func() error {
		f, err := toRaw(filter)
		if err != nil {
			return err
		}
		r, err := toRaw(replacement)
		if err != nil {
			return err
		}

		var doc bson.Raw
		if hits := c.db.match(c.name, f); len(hits) > 0 {
			idx := hits[0]
			before := c.db.collections[c.name][idx]
			doc, err = setID(r, before.Lookup("_id"))
			if err != nil {
				return err
			}
			c.db.collections[c.name][idx] = doc
			if opts.ReturnBefore {
				doc = before
			}
		} else {
			if !opts.Upsert {
				return nil
			}
			id := r.Lookup("_id")
			if id.Type == 0 {
				id = f.Lookup("_id")
			}
			if id.Type != 0 && c.db.indexOfID(c.name, id) >= 0 {
				return duplicateKey()
			}
			if id.Type == 0 {
				doc, err = withID(r)
			} else {
				doc, err = setID(r, id)
			}
			if err != nil {
				return err
			}
			c.db.collections[c.name] = append(c.db.collections[c.name], doc)
			if opts.ReturnBefore {
				// An upsert has no pre-image.
				return nil
			}
		}

		found = true
		if out != nil {
			return bson.Unmarshal(doc, out)
		}
		return nil
	})
	return found, err
}

func (c *Collection) FindOne(ctx context.Context, filter, out any) (bool, error) {
	var found bool
	err := c.db.begin(ctx, OpFindOne, func() error {
		f, err := toRaw(filter)
		if err != nil {
			return err
		}
		hits := c.db.match(c.name, f)
		if len(hits) == 0 {
			return nil
		}
		found = true
		return bson.Unmarshal(c.db.collections[c.name][hits[0]], out)
	})
	return found, err
}

func (c *Collection) InsertOne(ctx context.Context, document any) error {
	return c.db.begin(ctx, OpInsertOne, func() error {
		doc, err := withID(document)
		if err != nil {
			return err
		}
		if c.db.indexOfID(c.name, doc.Lookup("_id")) >= 0 {
			return duplicateKey()
		}
		c.db.collections[c.name] = append(c.db.collections[c.name], doc)
		return nil
	})
}

func (c *Collection) UpdateMany(ctx context.Context, filter, update any) (*mongo.UpdateResult, error) {
	res := &mongo.UpdateResult{}
	err := c.db.begin(ctx, OpUpdateMany, func() error {
		f, err := toRaw(filter)
		if err != nil {
			return err
		}
		u, err := toRaw(update)
		if err != nil {
			return fmt.Errorf("storetest: only $set update documents are supported: %w", err)
		}
		set, ok := u.Lookup("$set").DocumentOK()
		if !ok {
			return errors.New("storetest: only $set update documents are supported")
		}
		fields, err := set.Elements()
		if err != nil {
			return err
		}

		for _, idx := range c.db.match(c.name, f) {
			res.MatchedCount++
			var doc bson.D
			if err := bson.Unmarshal(c.db.collections[c.name][idx], &doc); err != nil {
				return err
			}
			changed := false
			for _, field := range fields {
				changed = setField(&doc, field.Key(), field.Value()) || changed
			}
			if changed {
				res.ModifiedCount++
				c.db.collections[c.name][idx] = mustMarshal(doc)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Collection) DeleteMany(ctx context.Context, filter any) (int64, error) {
	var deleted int64
	err := c.db.begin(ctx, OpDeleteMany, func() error {
		f, err := toRaw(filter)
		if err != nil {
			return err
		}
		kept := c.db.collections[c.name][:0]
		for _, doc := range c.db.collections[c.name] {
			if matches(doc, f) {
				deleted++
				continue
			}
			kept = append(kept, doc)
		}
		if _, ok := c.db.collections[c.name]; ok {
			c.db.collections[c.name] = kept
		}
		return nil
	})
	return deleted, err
}

func (c *Collection) Find(ctx context.Context, filter any, opts mongostore.FindOptions, out any) error {
	return c.db.begin(ctx, OpFind, func() error {
		f, err := toRaw(filter)
		if err != nil {
			return err
		}
		var docs []bson.Raw
		for _, idx := range c.db.match(c.name, f) {
			docs = append(docs, c.db.collections[c.name][idx])
		}
		if len(opts.Sort) > 0 {
			key := opts.Sort[0].Key
			desc := fmt.Sprint(opts.Sort[0].Value) == "-1"
			sort.SliceStable(docs, func(i, j int) bool {
				cmp := compareValues(docs[i].Lookup(key), docs[j].Lookup(key))
				if desc {
					return cmp > 0
				}
				return cmp < 0
			})
		}
		if opts.Limit > 0 && int64(len(docs)) > opts.Limit {
			docs = docs[:opts.Limit]
		}
		return decodeAll(docs, out)
	})
}

func decodeAll(docs []bson.Raw, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Slice {
		return errors.New("storetest: out must be a pointer to a slice")
	}
	slice := rv.Elem()
	result := reflect.MakeSlice(slice.Type(), 0, len(docs))
	for _, doc := range docs {
		elem := reflect.New(slice.Type().Elem())
		if err := bson.Unmarshal(doc, elem.Interface()); err != nil {
			return err
		}
		result = reflect.Append(result, elem.Elem())
	}
	slice.Set(result)
	return nil
}

func duplicateKey() error {
	return mongo.WriteException{
		WriteErrors: mongo.WriteErrors{{Index: 0, Code: duplicateKeyCode, Message: "E11000 duplicate key error"}},
	}
}

func toRaw(v any) (bson.Raw, error) {
	switch t := v.(type) {
	case nil:
		return mustMarshal(bson.D{}), nil
	case bson.Raw:
		return t, nil
	}
	return bson.Marshal(v)
}

func mustMarshal(v any) bson.Raw {
	raw, err := bson.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("storetest: marshal: %v", err))
	}
	return raw
}

// withID returns doc as BSON, adding a generated _id when it has none.
func withID(doc any) (bson.Raw, error) {
	raw, err := toRaw(doc)
	if err != nil {
		return nil, err
	}
	if raw.Lookup("_id").Type != 0 {
		return raw, nil
	}
	id, _ := bson.Marshal(bson.D{{Key: "_id", Value: primitive.NewObjectID()}})
	return setID(raw, bson.Raw(id).Lookup("_id"))
}

// setID returns doc with _id forced to id, placed first.
func setID(doc bson.Raw, id bson.RawValue) (bson.Raw, error) {
	elems, err := doc.Elements()
	if err != nil {
		return nil, err
	}
	out := bson.D{{Key: "_id", Value: id}}
	for _, e := range elems {
		if e.Key() == "_id" {
			continue
		}
		out = append(out, bson.E{Key: e.Key(), Value: e.Value()})
	}
	return bson.Marshal(out)
}

func setField(doc *bson.D, key string, value bson.RawValue) bool {
	for i, e := range *doc {
		if e.Key != key {
			continue
		}
		current, _ := bson.Marshal(bson.D{{Key: key, Value: e.Value}})
		if equalValues(bson.Raw(current).Lookup(key), value) {
			return false
		}
		(*doc)[i].Value = value
		return true
	}
	*doc = append(*doc, bson.E{Key: key, Value: value})
	return true
}

// matches applies a filter of top-level equality conditions.
func matches(doc, filter bson.Raw) bool {
	elems, err := filter.Elements()
	if err != nil {
		return false
	}
	for _, e := range elems {
		if strings.HasPrefix(e.Key(), "$") {
			return false
		}
		if !equalValues(doc.Lookup(e.Key()), e.Value()) {
			return false
		}
	}
	return true
}

func numeric(v bson.RawValue) (float64, bool) {
	switch v.Type {
	case bsontype.Int32:
		return float64(v.Int32()), true
	case bsontype.Int64:
		return float64(v.Int64()), true
	case bsontype.Double:
		return v.Double(), true
	}
	return 0, false
}

func equalValues(a, b bson.RawValue) bool {
	if x, ok := numeric(a); ok {
		y, ok := numeric(b)
		return ok && x == y
	}
	return a.Type == b.Type && bytes.Equal(a.Value, b.Value)
}

func compareValues(a, b bson.RawValue) int {
	if x, ok := numeric(a); ok {
		if y, ok := numeric(b); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}
	if a.Type == bsontype.DateTime && b.Type == bsontype.DateTime {
		return compareInt(a.DateTime(), b.DateTime())
	}
	return strings.Compare(a.String(), b.String())
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
