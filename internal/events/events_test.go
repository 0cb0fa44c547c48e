package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	segkafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mongomigrate/pkg/kafka"
	kafka_config "mongomigrate/pkg/kafka/config"
	kafka_middleware "mongomigrate/pkg/kafka/middleware"
	"mongomigrate/pkg/logger"
)

type recordingWriter struct {
	mu       sync.Mutex
	messages []segkafka.Message
	err      error
	closed   bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...segkafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func header(msg segkafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestKafkaPublisher_Publish(t *testing.T) {
	// Arrange
	writer := &recordingWriter{}
	producer := kafka.NewProducerWithWriters("migrations", writer, "", nil)
	producer.Use(kafka_middleware.LoggingProducerMiddleware(logger.NewNop()))
	pub := NewKafkaPublisher(producer, "mongomigrate", nil)
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	// Act
	err := pub.Publish(context.Background(), Event{
		Type:         ChangeSetExecuted,
		Database:     "app",
		DeploymentID: "d-42",
		ChangeSet:    "changelog.yaml::1::alice",
		RowsAffected: 3,
		OccurredAt:   at,
	})

	// Assert
	require.NoError(t, err)
	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	assert.Equal(t, "app", string(msg.Key))
	assert.Equal(t, "changeset.executed", header(msg, kafka.HeaderEventType))
	assert.Equal(t, "d-42", header(msg, kafka.HeaderCorrelationID))
	assert.Equal(t, "mongomigrate", header(msg, kafka.HeaderSource))
	assert.NotEmpty(t, header(msg, kafka.HeaderEventID))
	assert.JSONEq(t, `{
		"type": "changeset.executed",
		"database": "app",
		"deployment_id": "d-42",
		"changeset": "changelog.yaml::1::alice",
		"rows_affected": 3,
		"occurred_at": "2024-05-01T09:00:00Z"
	}`, string(msg.Value))
}

func TestKafkaPublisher_FailureGoesToDLQ(t *testing.T) {
	writer := &recordingWriter{err: errors.New("leader not available")}
	dlq := &recordingWriter{}
	producer := kafka.NewProducerWithWriters("migrations", writer, "migrations.dlq", dlq)
	pub := NewKafkaPublisher(producer, "mongomigrate", nil)

	err := pub.Publish(context.Background(), Event{Type: LockAcquired, Database: "app", Holder: "host-A"})

	var pubErr *kafka.PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.True(t, pubErr.ParkedDLQ)
	require.Len(t, dlq.messages, 1)
	assert.Equal(t, "migrations", header(dlq.messages[0], kafka.HeaderOriginalTopic))
	assert.Equal(t, "leader not available", header(dlq.messages[0], "dlq-error"))
}

func TestKafkaPublisher_Closed(t *testing.T) {
	writer := &recordingWriter{}
	pub := NewKafkaPublisher(kafka.NewProducerWithWriters("migrations", writer, "", nil), "mongomigrate", nil)

	require.NoError(t, pub.Close())
	err := pub.Publish(context.Background(), Event{Type: RunCompleted, Database: "app"})

	assert.ErrorIs(t, err, kafka.ErrProducerClosed)
	assert.True(t, writer.closed)
}

func TestKafkaPublisher_EmptyDatabaseKey(t *testing.T) {
	pub := NewKafkaPublisher(kafka.NewProducerWithWriters("migrations", &recordingWriter{}, "", nil), "mongomigrate", nil)

	err := pub.Publish(context.Background(), Event{Type: RunCompleted})

	assert.ErrorIs(t, err, kafka.ErrEmptyKey)
}

func TestPublishBestEffort(t *testing.T) {
	writer := &recordingWriter{err: errors.New("down")}
	pub := NewKafkaPublisher(kafka.NewProducerWithWriters("migrations", writer, "", nil), "mongomigrate", nil)

	assert.NotPanics(t, func() {
		PublishBestEffort(context.Background(), pub, logger.NewNop(), Event{Type: RunCompleted, Database: "app"})
		PublishBestEffort(context.Background(), nil, nil, Event{})
		PublishBestEffort(context.Background(), NewNopPublisher(), nil, Event{Type: RunCompleted})
	})
}

func TestNewFromConfig(t *testing.T) {
	pub, err := NewFromConfig(nil, "migrations", "mongomigrate", nil)
	require.NoError(t, err)
	assert.IsType(t, nopPublisher{}, pub)

	pub, err = NewFromConfig(&kafka_config.Config{
		Brokers:              []string{"localhost:9092"},
		ProducerMaxAttempts:  1,
		ProducerBatchTimeout: time.Millisecond,
		ProducerWriteTimeout: time.Second,
		ProducerCompression:  "none",
		EnableMiddleware:     true,
	}, "migrations", "mongomigrate", logger.NewNop())
	require.NoError(t, err)
	assert.NoError(t, pub.Close())

	_, err = NewFromConfig(&kafka_config.Config{Brokers: []string{"localhost:9092"}}, "", "mongomigrate", nil)
	assert.Error(t, err)
}
