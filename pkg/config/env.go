package config

const (
	EnvMongoURI          = "MONGO_URI"
	EnvMongoDatabaseName = "MONGO_DATABASE_NAME"
	EnvMongoConnTimeout  = "MONGO_CONN_TIMEOUT"
	EnvMongoAppName      = "MONGO_APP_NAME"

	EnvLockCollectionName      = "LOCK_COLLECTION_NAME"
	EnvChangeLogCollectionName = "CHANGELOG_COLLECTION_NAME"
	EnvLockWaitTimeout         = "LOCK_WAIT_TIMEOUT"
	EnvLockPollInterval        = "LOCK_POLL_INTERVAL"
	EnvLockHostDescription     = "LOCK_HOST_DESCRIPTION"
	EnvLockHolder              = "LOCK_HOLDER"

	EnvChangeLogFile       = "CHANGELOG_FILE"
	EnvRunContexts         = "RUN_CONTEXTS"
	EnvRowsAffectedEnabled = "ROWS_AFFECTED_ENABLED"
	EnvToolVersion         = "TOOL_VERSION"

	EnvPort     = "PORT"
	EnvLogLevel = "LOG_LEVEL"

	EnvRequestTimeout  = "REQUEST_TIMEOUT"
	EnvReadTimeout     = "READ_TIMEOUT"
	EnvWriteTimeout    = "WRITE_TIMEOUT"
	EnvIdleTimeout     = "IDLE_TIMEOUT"
	EnvShutdownTimeout = "SHUTDOWN_TIMEOUT"

	EnvEventsEnabled = "EVENTS_ENABLED"
	EnvEventsTopic   = "EVENTS_TOPIC"
)
