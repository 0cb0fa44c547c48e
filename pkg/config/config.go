package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"mongomigrate/pkg/client"
	mongostore "mongomigrate/pkg/db/mongo"
	kafka_config "mongomigrate/pkg/kafka/config"
	"mongomigrate/pkg/logger"
)

type Config struct {
	MongoURI          string
	MongoDatabaseName string
	MongoConnTimeout  time.Duration
	MongoAppName      string

	LockCollectionName      string
	ChangeLogCollectionName string
	LockWaitTimeout         time.Duration
	LockPollInterval        time.Duration
	LockHostDescription     string
	LockHolder              string

	ChangeLogFile       string
	RunContexts         []string
	RowsAffectedEnabled bool
	ToolVersion         string

	Port string

	RequestTimeout  time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	EventsEnabled bool
	EventsTopic   string
	Kafka         *kafka_config.Config

	Log    *logger.Logger
	Client *client.Client
}

// Load reads the environment, validates it and exits the process on invalid
// settings. serviceName tags every log line.
func Load(serviceName string) *Config {
	cfg := fromEnv()
	cfg.Log = logger.New(logger.Config{
		Level:     getEnvStr(EnvLogLevel, DefaultLogLevel),
		Format:    logger.JSON,
		AddSource: true,
		Service:   serviceName,
	})
	cfg.Client = client.NewClient()

	if err := cfg.Validate(); err != nil {
		cfg.Log.Fatal(err.Error())
	}
	if cfg.EventsEnabled {
		kafkaCfg, err := kafka_config.Load()
		if err != nil {
			cfg.Log.Fatal(err.Error())
		}
		cfg.Kafka = kafkaCfg
	}
	cfg.LogConfiguration()
	return cfg
}

func fromEnv() *Config {
	return &Config{
		MongoURI:          getEnvStr(EnvMongoURI, DefaultMongoURI),
		MongoDatabaseName: getEnvStr(EnvMongoDatabaseName, DefaultMongoDatabaseName),
		MongoConnTimeout:  getEnvDuration(EnvMongoConnTimeout, DefaultMongoConnTimeout),
		MongoAppName:      getEnvStr(EnvMongoAppName, DefaultMongoAppName),

		LockCollectionName:      getEnvStr(EnvLockCollectionName, DefaultLockCollectionName),
		ChangeLogCollectionName: getEnvStr(EnvChangeLogCollectionName, DefaultChangeLogCollectionName),
		LockWaitTimeout:         getEnvDuration(EnvLockWaitTimeout, DefaultLockWaitTimeout),
		LockPollInterval:        getEnvDuration(EnvLockPollInterval, DefaultLockPollInterval),
		LockHostDescription:     getEnvStr(EnvLockHostDescription, ""),
		LockHolder:              getEnvStr(EnvLockHolder, ""),

		ChangeLogFile:       getEnvStr(EnvChangeLogFile, DefaultChangeLogFile),
		RunContexts:         getEnvList(EnvRunContexts),
		RowsAffectedEnabled: getEnvBool(EnvRowsAffectedEnabled, DefaultRowsAffectedEnabled),
		ToolVersion:         getEnvStr(EnvToolVersion, DefaultToolVersion),

		Port: getEnvStr(EnvPort, DefaultPort),

		RequestTimeout:  getEnvDuration(EnvRequestTimeout, DefaultRequestTimeout),
		ReadTimeout:     getEnvDuration(EnvReadTimeout, DefaultReadTimeout),
		WriteTimeout:    getEnvDuration(EnvWriteTimeout, DefaultWriteTimeout),
		IdleTimeout:     getEnvDuration(EnvIdleTimeout, DefaultIdleTimeout),
		ShutdownTimeout: getEnvDuration(EnvShutdownTimeout, DefaultShutdownTimeout),

		EventsEnabled: getEnvBool(EnvEventsEnabled, DefaultEventsEnabled),
		EventsTopic:   getEnvStr(EnvEventsTopic, DefaultEventsTopic),
	}
}

// SetMongo connects the shared client. Failure is fatal.
func (cfg *Config) SetMongo() {
	cfg.Client.SetMongo(cfg.Log, cfg.MongoURI, cfg.MongoAppName, cfg.MongoConnTimeout)
}

// Database returns the configured database behind the store interfaces.
// SetMongo must have been called.
func (cfg *Config) Database() mongostore.Database {
	return mongostore.NewDatabase(cfg.Client.Mongo.Database(cfg.MongoDatabaseName))
}

func (cfg *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("Port must be between 1 and 65535, got: %s", cfg.Port))
	}

	if cfg.MongoURI == "" {
		errors = append(errors, "MongoURI cannot be empty")
	} else if len(cfg.MongoURI) < 10 || !regexp.MustCompile(`^mongodb(\+srv)?://`).MatchString(cfg.MongoURI) {
		errors = append(errors, fmt.Sprintf("MongoURI must start with 'mongodb://' or 'mongodb+srv://', got: %s", redactMongoURI(cfg.MongoURI)))
	}

	if cfg.MongoDatabaseName == "" {
		errors = append(errors, "MongoDatabaseName cannot be empty")
	}
	if cfg.MongoConnTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("MongoConnTimeout must be positive, got: %s", cfg.MongoConnTimeout))
	}

	if cfg.LockCollectionName == "" {
		errors = append(errors, "LockCollectionName cannot be empty")
	}
	if cfg.ChangeLogCollectionName == "" {
		errors = append(errors, "ChangeLogCollectionName cannot be empty")
	}
	if cfg.LockCollectionName != "" && cfg.LockCollectionName == cfg.ChangeLogCollectionName {
		errors = append(errors, fmt.Sprintf("LockCollectionName and ChangeLogCollectionName must differ, both are: %s", cfg.LockCollectionName))
	}
	if cfg.LockWaitTimeout < 0 {
		errors = append(errors, fmt.Sprintf("LockWaitTimeout cannot be negative, got: %s", cfg.LockWaitTimeout))
	}
	if cfg.LockPollInterval <= 0 {
		errors = append(errors, fmt.Sprintf("LockPollInterval must be positive, got: %s", cfg.LockPollInterval))
	}

	if cfg.RequestTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("RequestTimeout must be positive, got: %s", cfg.RequestTimeout))
	}
	if cfg.ReadTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("ReadTimeout must be positive, got: %s", cfg.ReadTimeout))
	}
	if cfg.WriteTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("WriteTimeout must be positive, got: %s", cfg.WriteTimeout))
	}
	if cfg.IdleTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("IdleTimeout must be positive, got: %s", cfg.IdleTimeout))
	}
	if cfg.ShutdownTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("ShutdownTimeout must be positive, got: %s", cfg.ShutdownTimeout))
	}

	if cfg.EventsEnabled && cfg.EventsTopic == "" {
		errors = append(errors, "EventsTopic cannot be empty when events are enabled")
	}

	if len(errors) > 0 {
		errMsg := "Configuration validation failed:\n"
		for i, err := range errors {
			errMsg += fmt.Sprintf("  %d. %s\n", i+1, err)
		}
		return fmt.Errorf("%s", errMsg)
	}

	return nil
}

func (cfg *Config) LogConfiguration() {
	cfg.Log.Info("Configuration loaded successfully",
		"mongo_uri", redactMongoURI(cfg.MongoURI),
		"mongo_database", cfg.MongoDatabaseName,
		"mongo_conn_timeout", cfg.MongoConnTimeout,
		"mongo_app_name", cfg.MongoAppName,
		"lock_collection", cfg.LockCollectionName,
		"changelog_collection", cfg.ChangeLogCollectionName,
		"lock_wait_timeout", cfg.LockWaitTimeout,
		"lock_poll_interval", cfg.LockPollInterval,
		"lock_holder_set", cfg.LockHolder != "",
		"changelog_file", cfg.ChangeLogFile,
		"run_contexts", cfg.RunContexts,
		"rows_affected_enabled", cfg.RowsAffectedEnabled,
		"tool_version", cfg.ToolVersion,
		"port", cfg.Port,
		"request_timeout", cfg.RequestTimeout,
		"read_timeout", cfg.ReadTimeout,
		"write_timeout", cfg.WriteTimeout,
		"idle_timeout", cfg.IdleTimeout,
		"shutdown_timeout", cfg.ShutdownTimeout,
		"events_enabled", cfg.EventsEnabled,
		"events_topic", cfg.EventsTopic,
	)
	if cfg.Kafka != nil {
		cfg.Kafka.LogConfiguration(cfg.Log.Info)
	}
}

// GracefulShutdown disconnects the Mongo client, waiting at most ShutdownTimeout.
func (cfg *Config) GracefulShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	cfg.Client.GracefulShutdown(ctx, cfg.Log)
}

func redactMongoURI(uri string) string {
	credentialRegex := regexp.MustCompile(`(mongodb(\+srv)?://)[^:]+:[^@]+@`)
	return credentialRegex.ReplaceAllString(uri, "${1}***:***@")
}

func getEnvStr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList splits a comma separated value, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
