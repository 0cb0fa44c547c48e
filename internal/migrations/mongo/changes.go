package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"mongomigrate/internal/command"
)

// Statement is one executable change of a changeset.
type Statement interface {
	Name() string
	Describe() string
	// Fingerprint is the normalized form of the change used for checksums.
	// Reformatting the changelog file does not change it.
	Fingerprint() (string, error)
	Apply(ctx context.Context, exec *command.Executor) error
}

// Change is one entry of a changeset's changes list; exactly one field is set.
type Change struct {
	CreateCollection *CreateCollectionChange `yaml:"createCollection,omitempty"`
	DropCollection   *DropCollectionChange   `yaml:"dropCollection,omitempty"`
	CreateIndex      *CreateIndexChange      `yaml:"createIndex,omitempty"`
	DropIndex        *DropIndexChange        `yaml:"dropIndex,omitempty"`
	InsertMany       *InsertManyChange       `yaml:"insertMany,omitempty"`
	UpdateMany       *UpdateManyChange       `yaml:"updateMany,omitempty"`
	RunCommand       *RunCommandChange       `yaml:"runCommand,omitempty"`
	DropAll          *DropAllChange          `yaml:"dropAll,omitempty"`
}

var errNoChangeType = errors.New("change must set exactly one change type")

// Statement returns the single change type set on c.
func (c Change) Statement() (Statement, error) {
	var set []Statement
	if c.CreateCollection != nil {
		set = append(set, c.CreateCollection)
	}
	if c.DropCollection != nil {
		set = append(set, c.DropCollection)
	}
	if c.CreateIndex != nil {
		set = append(set, c.CreateIndex)
	}
	if c.DropIndex != nil {
		set = append(set, c.DropIndex)
	}
	if c.InsertMany != nil {
		set = append(set, c.InsertMany)
	}
	if c.UpdateMany != nil {
		set = append(set, c.UpdateMany)
	}
	if c.RunCommand != nil {
		set = append(set, c.RunCommand)
	}
	if c.DropAll != nil {
		set = append(set, c.DropAll)
	}
	if len(set) != 1 {
		return nil, errNoChangeType
	}
	return set[0], nil
}

type CreateCollectionChange struct {
	CollectionName string `yaml:"collectionName" validate:"required"`
	// Options is an extended JSON document of create options, e.g. a validator.
	Options string `yaml:"options,omitempty"`
}

func (c *CreateCollectionChange) Name() string { return "createCollection" }

func (c *CreateCollectionChange) Describe() string {
	return fmt.Sprintf("Collection %s created", c.CollectionName)
}

func (c *CreateCollectionChange) Fingerprint() (string, error) {
	opts, err := parseDocument(c.Options)
	if err != nil {
		return "", err
	}
	return fingerprint(c.Name(), c.CollectionName, opts)
}

func (c *CreateCollectionChange) Apply(ctx context.Context, exec *command.Executor) error {
	opts, err := parseDocument(c.Options)
	if err != nil {
		return err
	}
	return exec.Execute(ctx, command.CreateCollection(c.CollectionName, opts))
}

type DropCollectionChange struct {
	CollectionName string `yaml:"collectionName" validate:"required"`
}

func (c *DropCollectionChange) Name() string { return "dropCollection" }

func (c *DropCollectionChange) Describe() string {
	return fmt.Sprintf("Collection %s dropped", c.CollectionName)
}

func (c *DropCollectionChange) Fingerprint() (string, error) {
	return fingerprint(c.Name(), c.CollectionName)
}

func (c *DropCollectionChange) Apply(ctx context.Context, exec *command.Executor) error {
	return exec.Execute(ctx, command.DropCollection(c.CollectionName))
}

type CreateIndexChange struct {
	CollectionName string `yaml:"collectionName" validate:"required"`
	Keys           string `yaml:"keys" validate:"required"`
	Options        string `yaml:"options,omitempty"`
}

func (c *CreateIndexChange) Name() string { return "createIndex" }

func (c *CreateIndexChange) Describe() string {
	return fmt.Sprintf("Index %s created for collection %s", c.Keys, c.CollectionName)
}

func (c *CreateIndexChange) Fingerprint() (string, error) {
	keys, opts, err := c.parse()
	if err != nil {
		return "", err
	}
	return fingerprint(c.Name(), c.CollectionName, keys, opts)
}

func (c *CreateIndexChange) parse() (bson.D, bson.D, error) {
	keys, err := parseDocument(c.Keys)
	if err != nil {
		return nil, nil, err
	}
	if len(keys) == 0 {
		return nil, nil, errors.New("index keys must not be empty")
	}
	opts, err := parseDocument(c.Options)
	return keys, opts, err
}

func (c *CreateIndexChange) Apply(ctx context.Context, exec *command.Executor) error {
	keys, opts, err := c.parse()
	if err != nil {
		return err
	}
	return exec.Execute(ctx, command.CreateIndex(c.CollectionName, keys, opts))
}

// DropIndexChange drops an index by name, or by its key document.
type DropIndexChange struct {
	CollectionName string `yaml:"collectionName" validate:"required"`
	IndexName      string `yaml:"indexName,omitempty" validate:"required_without=Keys"`
	Keys           string `yaml:"keys,omitempty" validate:"required_without=IndexName"`
}

func (c *DropIndexChange) Name() string { return "dropIndex" }

func (c *DropIndexChange) Describe() string {
	if c.IndexName != "" {
		return fmt.Sprintf("Index %s dropped for collection %s", c.IndexName, c.CollectionName)
	}
	return fmt.Sprintf("Index %s dropped for collection %s", c.Keys, c.CollectionName)
}

func (c *DropIndexChange) index() (any, error) {
	if c.IndexName != "" {
		return c.IndexName, nil
	}
	return parseDocument(c.Keys)
}

func (c *DropIndexChange) Fingerprint() (string, error) {
	index, err := c.index()
	if err != nil {
		return "", err
	}
	return fingerprint(c.Name(), c.CollectionName, index)
}

func (c *DropIndexChange) Apply(ctx context.Context, exec *command.Executor) error {
	index, err := c.index()
	if err != nil {
		return err
	}
	return exec.Execute(ctx, command.DropIndex(c.CollectionName, index))
}

type InsertManyChange struct {
	CollectionName string `yaml:"collectionName" validate:"required"`
	// Documents is an extended JSON array of documents.
	Documents string `yaml:"documents" validate:"required"`
}

func (c *InsertManyChange) Name() string { return "insertMany" }

func (c *InsertManyChange) Describe() string {
	return fmt.Sprintf("Documents inserted into collection %s", c.CollectionName)
}

func (c *InsertManyChange) Fingerprint() (string, error) {
	docs, err := parseArray(c.Documents)
	if err != nil {
		return "", err
	}
	return fingerprint(c.Name(), c.CollectionName, docs)
}

func (c *InsertManyChange) Apply(ctx context.Context, exec *command.Executor) error {
	docs, err := parseArray(c.Documents)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	return exec.Execute(ctx, command.Insert(c.CollectionName, docs...))
}

// UpdateManyChange updates every document matching Filter. Update is either an
// update document or an aggregation pipeline array.
type UpdateManyChange struct {
	CollectionName string `yaml:"collectionName" validate:"required"`
	Filter         string `yaml:"filter,omitempty"`
	Update         string `yaml:"update" validate:"required"`
}

func (c *UpdateManyChange) Name() string { return "updateMany" }

func (c *UpdateManyChange) Describe() string {
	return fmt.Sprintf("Documents updated in collection %s", c.CollectionName)
}

func (c *UpdateManyChange) parse() (bson.D, any, error) {
	filter, err := parseDocument(c.Filter)
	if err != nil {
		return nil, nil, err
	}
	update, err := parseValue(c.Update)
	if err != nil {
		return nil, nil, err
	}
	switch update.(type) {
	case bson.D, bson.A:
	default:
		return nil, nil, fmt.Errorf("update must be a document or a pipeline, got %T", update)
	}
	return filter, update, nil
}

func (c *UpdateManyChange) Fingerprint() (string, error) {
	filter, update, err := c.parse()
	if err != nil {
		return "", err
	}
	return fingerprint(c.Name(), c.CollectionName, filter, update)
}

func (c *UpdateManyChange) Apply(ctx context.Context, exec *command.Executor) error {
	filter, update, err := c.parse()
	if err != nil {
		return err
	}
	_, err = exec.UpdateMany(ctx, c.CollectionName, filter, update)
	return err
}

// RunCommandChange sends an arbitrary command document.
type RunCommandChange struct {
	Command string `yaml:"command" validate:"required"`
}

func (c *RunCommandChange) Name() string { return "runCommand" }

func (c *RunCommandChange) Describe() string {
	doc, err := parseDocument(c.Command)
	if err != nil || len(doc) == 0 {
		return "Command executed"
	}
	return fmt.Sprintf("Command %s executed", doc[0].Key)
}

func (c *RunCommandChange) Fingerprint() (string, error) {
	doc, err := parseDocument(c.Command)
	if err != nil {
		return "", err
	}
	return fingerprint(c.Name(), doc)
}

func (c *RunCommandChange) Apply(ctx context.Context, exec *command.Executor) error {
	doc, err := parseDocument(c.Command)
	if err != nil {
		return err
	}
	if len(doc) == 0 {
		return errors.New("command must not be empty")
	}
	return exec.Execute(ctx, command.New(doc))
}

// DropAllChange drops every user collection of the database.
type DropAllChange struct{}

func (c *DropAllChange) Name() string { return "dropAll" }

func (c *DropAllChange) Describe() string { return "All collections dropped" }

func (c *DropAllChange) Fingerprint() (string, error) {
	return c.Name(), nil
}

func (c *DropAllChange) Apply(ctx context.Context, exec *command.Executor) error {
	return exec.DropAll(ctx)
}

// parseDocument decodes an extended JSON document; empty input is an empty document.
func parseDocument(s string) (bson.D, error) {
	if strings.TrimSpace(s) == "" {
		return bson.D{}, nil
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(s), false, &doc); err != nil {
		return nil, fmt.Errorf("invalid extended JSON document: %w", err)
	}
	return doc, nil
}

// parseValue decodes any extended JSON value by wrapping it in a document.
func parseValue(s string) (any, error) {
	var wrapper bson.D
	if err := bson.UnmarshalExtJSON([]byte(`{"v":`+s+`}`), false, &wrapper); err != nil {
		return nil, fmt.Errorf("invalid extended JSON value: %w", err)
	}
	if len(wrapper) != 1 {
		return nil, errors.New("invalid extended JSON value")
	}
	return wrapper[0].Value, nil
}

func parseArray(s string) ([]any, error) {
	v, err := parseValue(s)
	if err != nil {
		return nil, err
	}
	arr, ok := v.(bson.A)
	if !ok {
		return nil, fmt.Errorf("expected an array, got %T", v)
	}
	return arr, nil
}

// fingerprint renders parts as canonical extended JSON.
func fingerprint(name string, parts ...any) (string, error) {
	js, err := bson.MarshalExtJSON(bson.D{{Key: name, Value: bson.A(parts)}}, true, false)
	if err != nil {
		return "", err
	}
	return string(js), nil
}
