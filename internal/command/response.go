package command

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// Reply fields consulted by the classifier.
const (
	FieldOK          = "ok"
	FieldWriteErrors = "writeErrors"
	FieldN           = "n"
	FieldNModified   = "nModified"
	FieldNRemoved    = "nRemoved"
)

// numberKind tags the encodings a server reply may use for a numeric field.
// The set is closed: anything else is numberInvalid.
type numberKind int

const (
	numberAbsent numberKind = iota
	numberInt32
	numberInt64
	numberDouble
	numberBool
	numberInvalid
)

type number struct {
	kind numberKind
	i    int64
	f    float64
}

func decodeNumber(raw bson.Raw, key string) number {
	v := raw.Lookup(key)
	switch v.Type {
	case 0:
		return number{kind: numberAbsent}
	case bsontype.Int32:
		return number{kind: numberInt32, i: int64(v.Int32())}
	case bsontype.Int64:
		return number{kind: numberInt64, i: v.Int64()}
	case bsontype.Double:
		return number{kind: numberDouble, f: v.Double()}
	case bsontype.Boolean:
		if v.Boolean() {
			return number{kind: numberBool, i: 1}
		}
		return number{kind: numberBool}
	default:
		return number{kind: numberInvalid}
	}
}

func (n number) present() bool {
	return n.kind != numberAbsent && n.kind != numberInvalid
}

// isOne reports whether the value is the "fully successful" acknowledgement.
func (n number) isOne() bool {
	switch n.kind {
	case numberInt32, numberInt64, numberBool:
		return n.i == 1
	case numberDouble:
		return n.f == 1.0
	default:
		return false
	}
}

// count returns the value as a non-negative record count.
func (n number) count() int64 {
	var c int64
	switch n.kind {
	case numberInt32, numberInt64:
		c = n.i
	case numberDouble:
		c = int64(n.f)
	}
	return max(c, 0)
}

// WriteError is one per-record failure reported by a bulk mutation.
type WriteError struct {
	Index   int64  `bson:"index" json:"index"`
	Code    int64  `bson:"code" json:"code"`
	Message string `bson:"errmsg" json:"errmsg"`
}

// Result is a decoded, not yet validated, command reply.
type Result struct {
	Kind          Kind
	Acknowledged  bool
	AffectedCount int64
	PartialErrors []WriteError
	Raw           bson.Raw
}

// Succeeded applies the classification rule: ok, when present, must be 1 and
// the server must report no per-record errors.
func (r *Result) Succeeded() bool {
	return r.Acknowledged && len(r.PartialErrors) == 0
}

// Decode turns a raw reply into a Result. It fails only when the reply is not
// a well-formed BSON document.
func Decode(kind Kind, raw bson.Raw) (*Result, error) {
	if err := raw.Validate(); err != nil {
		return nil, fmt.Errorf("malformed %s reply: %w", kind, err)
	}

	partial, err := decodeWriteErrors(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed %s reply: %w", kind, err)
	}

	res := &Result{
		Kind:          kind,
		Acknowledged:  acknowledged(raw),
		PartialErrors: partial,
		Raw:           raw,
	}
	res.AffectedCount = affectedCount(kind, res.Succeeded(), raw)
	return res, nil
}

// acknowledged treats a reply without an ok field as acknowledged; a present
// ok must equal 1.
func acknowledged(raw bson.Raw) bool {
	ok := decodeNumber(raw, FieldOK)
	return ok.kind == numberAbsent || ok.isOne()
}

// Classify is the pure classification of a reply: whether the command
// succeeded and how many records it affected. Malformed replies are failures.
func Classify(kind Kind, raw bson.Raw) (bool, int64) {
	res, err := Decode(kind, raw)
	if err != nil {
		return false, 0
	}
	return res.Succeeded(), res.AffectedCount
}

// affectedCount picks the count field by precedence. DDL commands report no
// count field; their acknowledgement counts as one object.
func affectedCount(kind Kind, succeeded bool, raw bson.Raw) int64 {
	if kind.IsDDL() {
		if succeeded {
			return 1
		}
		return 0
	}
	for _, field := range []string{FieldN, FieldNModified, FieldNRemoved} {
		if n := decodeNumber(raw, field); n.present() {
			return n.count()
		}
	}
	return 0
}

func decodeWriteErrors(raw bson.Raw) ([]WriteError, error) {
	v := raw.Lookup(FieldWriteErrors)
	if v.Type != bsontype.Array {
		return nil, nil
	}
	values, err := v.Array().Values()
	if err != nil {
		return nil, err
	}

	out := make([]WriteError, 0, len(values))
	for _, entry := range values {
		var we WriteError
		if doc, ok := entry.DocumentOK(); ok {
			if err := bson.Unmarshal(doc, &we); err != nil {
				return nil, err
			}
		}
		out = append(out, we)
	}
	return out, nil
}
