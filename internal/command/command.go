package command

import (
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
)

// Kind is the command name: the first key of the command document.
type Kind string

const (
	KindCreate        Kind = "create"
	KindDrop          Kind = "drop"
	KindCreateIndexes Kind = "createIndexes"
	KindDropIndexes   Kind = "dropIndexes"
	KindReIndex       Kind = "reIndex"
	KindCollMod       Kind = "collMod"
	KindInsert        Kind = "insert"
	KindUpdate        Kind = "update"
	KindDelete        Kind = "delete"
)

// IsDDL reports whether the command creates, drops or (re)builds collections
// or indexes. Replies to these carry no count field.
func (k Kind) IsDDL() bool {
	switch k {
	case KindCreate, KindDrop, KindCreateIndexes, KindDropIndexes, KindReIndex:
		return true
	}
	return false
}

// Command is an administrative command document sent through runCommand.
// Order matters: the server reads the command name from the first key.
type Command struct {
	doc bson.D
}

func New(doc bson.D) Command {
	return Command{doc: doc}
}

func (c Command) Document() bson.D {
	return c.doc
}

func (c Command) Kind() Kind {
	if len(c.doc) == 0 {
		return ""
	}
	return Kind(c.doc[0].Key)
}

// String renders the command the way it would be typed in the shell.
func (c Command) String() string {
	js, err := bson.MarshalExtJSON(c.doc, false, false)
	if err != nil {
		return "db.runCommand(<unprintable>);"
	}
	return "db.runCommand(" + string(js) + ");"
}

// CreateCollection builds {create: name, ...options}.
func CreateCollection(name string, options bson.D) Command {
	doc := bson.D{{Key: string(KindCreate), Value: name}}
	return New(append(doc, options...))
}

// DropCollection builds {drop: name}.
func DropCollection(name string) Command {
	return New(bson.D{{Key: string(KindDrop), Value: name}})
}

// CollMod builds {collMod: name, ...options}, e.g. to replace a validator.
func CollMod(name string, options bson.D) Command {
	doc := bson.D{{Key: string(KindCollMod), Value: name}}
	return New(append(doc, options...))
}

// CreateIndex builds a createIndexes command for a single index.
func CreateIndex(collection string, keys bson.D, options bson.D) Command {
	index := bson.D{{Key: "key", Value: keys}}
	index = append(index, options...)
	if !hasKey(index, "name") {
		index = append(index, bson.E{Key: "name", Value: IndexName(keys)})
	}
	return New(bson.D{
		{Key: string(KindCreateIndexes), Value: collection},
		{Key: "indexes", Value: bson.A{index}},
	})
}

// DropIndex builds {dropIndexes: collection, index: nameOrKeys}.
func DropIndex(collection string, index any) Command {
	return New(bson.D{
		{Key: string(KindDropIndexes), Value: collection},
		{Key: "index", Value: index},
	})
}

// Insert builds {insert: collection, documents: [...]}.
func Insert(collection string, documents ...any) Command {
	docs := make(bson.A, 0, len(documents))
	docs = append(docs, documents...)
	return New(bson.D{
		{Key: string(KindInsert), Value: collection},
		{Key: "documents", Value: docs},
	})
}

// Update builds an update command with a single update statement.
func Update(collection string, filter, update any, multi bool) Command {
	return New(bson.D{
		{Key: string(KindUpdate), Value: collection},
		{Key: "updates", Value: bson.A{
			bson.D{{Key: "q", Value: filter}, {Key: "u", Value: update}, {Key: "multi", Value: multi}},
		}},
	})
}

// Delete builds a delete command; limit 0 removes every match.
func Delete(collection string, filter any, limit int) Command {
	return New(bson.D{
		{Key: string(KindDelete), Value: collection},
		{Key: "deletes", Value: bson.A{
			bson.D{{Key: "q", Value: filter}, {Key: "limit", Value: limit}},
		}},
	})
}

// IndexName reproduces the server's default index name, e.g. "a_1_b_-1".
func IndexName(keys bson.D) string {
	name := ""
	for i, k := range keys {
		if i > 0 {
			name += "_"
		}
		name += k.Key + "_" + indexValueString(k.Value)
	}
	return name
}

func indexValueString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return itoa(int64(t))
	case int32:
		return itoa(int64(t))
	case int64:
		return itoa(t)
	case float64:
		return itoa(int64(t))
	default:
		return "1"
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func hasKey(doc bson.D, key string) bool {
	for _, e := range doc {
		if e.Key == key {
			return true
		}
	}
	return false
}
