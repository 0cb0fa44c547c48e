package config

import "time"

const (
	DefaultMongoURI          = "mongodb://localhost:27017"
	DefaultMongoDatabaseName = "app"
	DefaultMongoConnTimeout  = 10 * time.Second
	DefaultMongoAppName      = "mongomigrate"

	DefaultLockCollectionName      = "DATABASECHANGELOGLOCK"
	DefaultChangeLogCollectionName = "DATABASECHANGELOG"
	DefaultLockWaitTimeout         = 5 * time.Minute
	DefaultLockPollInterval        = 10 * time.Second

	DefaultChangeLogFile       = "changelog.yaml"
	DefaultRowsAffectedEnabled = true
	DefaultToolVersion         = "dev"

	DefaultPort     = "8080"
	DefaultLogLevel = "info"

	DefaultRequestTimeout  = 10 * time.Second
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultEventsEnabled = false
	DefaultEventsTopic   = "migrations.events"
)
