// Package events publishes migration lifecycle events so other services can
// react to schema changes and observe lock ownership.
package events

import (
	"context"
	"time"

	"mongomigrate/pkg/kafka"
	kafka_config "mongomigrate/pkg/kafka/config"
	kafka_middleware "mongomigrate/pkg/kafka/middleware"
	"mongomigrate/pkg/logger"
)

type Type string

const (
	LockAcquired      Type = "lock.acquired"
	LockReleased      Type = "lock.released"
	LockForceReleased Type = "lock.force_released"
	ChangeSetExecuted Type = "changeset.executed"
	ChangeSetFailed   Type = "changeset.failed"
	RunCompleted      Type = "run.completed"
)

const SchemaVersion = "1"

// Event is the JSON payload of every published message.
type Event struct {
	Type         Type      `json:"type"`
	Database     string    `json:"database"`
	DeploymentID string    `json:"deployment_id,omitempty"`
	Holder       string    `json:"holder,omitempty"`
	ChangeSet    string    `json:"changeset,omitempty"`
	ExecType     string    `json:"exec_type,omitempty"`
	RowsAffected int64     `json:"rows_affected,omitempty"`
	Error        string    `json:"error,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type kafkaPublisher struct {
	producer *kafka.Producer
	source   string
	log      *logger.Logger
}

// NewKafkaPublisher publishes through producer. Events are keyed by database
// so one database's history stays ordered on a single partition.
func NewKafkaPublisher(producer *kafka.Producer, source string, log *logger.Logger) Publisher {
	if log == nil {
		log = logger.NewNop()
	}
	return &kafkaPublisher{producer: producer, source: source, log: log}
}

// NewFromConfig builds a Kafka publisher for topic, or a no-op publisher when
// cfg is nil (events disabled).
func NewFromConfig(cfg *kafka_config.Config, topic, source string, log *logger.Logger) (Publisher, error) {
	if cfg == nil {
		return NewNopPublisher(), nil
	}
	producer, err := kafka.NewProducer(cfg, topic, log)
	if err != nil {
		return nil, err
	}
	if cfg.EnableMiddleware && log != nil {
		producer.Use(kafka_middleware.LoggingProducerMiddleware(log))
	}
	return NewKafkaPublisher(producer, source, log), nil
}

func (p *kafkaPublisher) Publish(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	msg, err := kafka.NewMessage().
		WithKey(event.Database).
		WithValue(event).
		WithEventID("").
		WithEventType(string(event.Type)).
		WithCorrelationID(event.DeploymentID).
		WithSchemaVersion(SchemaVersion).
		WithSource(p.source).
		WithTimestamp(event.OccurredAt).
		Build()
	if err != nil {
		return err
	}
	return p.producer.Publish(ctx, msg)
}

func (p *kafkaPublisher) Close() error {
	return p.producer.Close()
}

type nopPublisher struct{}

// NewNopPublisher discards every event. Used when events are disabled.
func NewNopPublisher() Publisher {
	return nopPublisher{}
}

func (nopPublisher) Publish(context.Context, Event) error { return nil }

func (nopPublisher) Close() error { return nil }

// PublishBestEffort publishes event and only logs a failure: a broker outage
// must not fail or block a migration that already changed the database.
func PublishBestEffort(ctx context.Context, pub Publisher, log *logger.Logger, event Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, event); err != nil && log != nil {
		log.Warn("Failed to publish event", "event_type", string(event.Type), "error", err)
	}
}
