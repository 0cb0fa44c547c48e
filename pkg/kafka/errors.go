package kafka

import "errors"

var (
	// ErrProducerClosed indicates the producer has been closed
	ErrProducerClosed = errors.New("kafka producer is closed")

	// ErrEmptyKey indicates the message key is empty
	ErrEmptyKey = errors.New("message key cannot be empty")

	// ErrEmptyValue indicates the message value is empty
	ErrEmptyValue = errors.New("message value cannot be empty")
)

// PublishError reports a message the broker did not accept, and whether it
// was parked on the dead letter topic instead.
type PublishError struct {
	Topic     string
	Key       string
	ParkedDLQ bool
	Err       error
}

func (e *PublishError) Error() string {
	if e.ParkedDLQ {
		return "publish to " + e.Topic + " failed, message sent to DLQ: " + e.Err.Error()
	}
	return "publish to " + e.Topic + " failed: " + e.Err.Error()
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
