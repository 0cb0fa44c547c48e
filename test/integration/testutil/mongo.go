//go:build integration

package testutil

import (
	"context"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"mongomigrate/pkg/client"
	mongostore "mongomigrate/pkg/db/mongo"
)

const (
	DefaultMongoURI     = "mongodb://localhost:27017"
	DefaultDatabaseName = "mongomigrate_test"
	ConnectionTimeout   = 10 * time.Second
)

// MongoHelper owns a connection to a throwaway database.
type MongoHelper struct {
	Client   *mongo.Client
	Database *mongo.Database
	DBName   string
}

func NewMongoHelper(t *testing.T, mongoURI, dbName string) *MongoHelper {
	t.Helper()

	if mongoURI == "" {
		mongoURI = DefaultMongoURI
	}
	if dbName == "" {
		dbName = DefaultDatabaseName
	}

	c, err := client.Connect(mongoURI, "mongomigrate-integration", ConnectionTimeout)
	if err != nil {
		t.Skipf("MongoDB not reachable at %s: %v", mongoURI, err)
	}

	return &MongoHelper{
		Client:   c,
		Database: c.Database(dbName),
		DBName:   dbName,
	}
}

// Store returns the database behind the interfaces the migration layers use.
func (m *MongoHelper) Store() mongostore.Database {
	return mongostore.NewDatabase(m.Database)
}

func (m *MongoHelper) Close(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Client.Disconnect(ctx); err != nil {
		t.Logf("warning: failed to disconnect from MongoDB: %v", err)
	}
}

// CleanDatabase drops the whole test database.
func (m *MongoHelper) CleanDatabase(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.Database.Drop(ctx); err != nil {
		t.Fatalf("failed to drop database %s: %v", m.DBName, err)
	}
}

func (m *MongoHelper) CountDocuments(t *testing.T, collectionName string) int64 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	count, err := m.Database.Collection(collectionName).CountDocuments(ctx, bson.D{})
	if err != nil {
		t.Fatalf("failed to count documents in %s: %v", collectionName, err)
	}
	return count
}
