// Package messagequeue defines the port interface for publishing and
// consuming task lifecycle events.
package messagequeue

import "context"

// Subjects for task lifecycle events.
const (
	SubjectTaskCreated        = "tasks.created"
	SubjectExecutionCompleted = "tasks.execution.completed"
	SubjectTaskCorrected      = "tasks.corrected"
)

// Handler processes a received message. Returning an error causes the
// message to be redelivered.
type Handler func(subject string, data []byte) error

// Queue is the port interface for the message queue.
type Queue interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler Handler) (func(), error)
	Drain() error
	Close() error
	IsConnected() bool
}
