package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	SweepQueue      = "sweep_queue"
	EvaluationQueue = "evaluation_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type SweepTaskPayload struct {
	SweepId uuid.UUID
}

type EvaluationTaskPayload struct {
	JobId uuid.UUID
}

type Publisher interface {
	PublishSweepTask(ctx context.Context, payload SweepTaskPayload) error

	PublishEvaluationTask(ctx context.Context, payload EvaluationTaskPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
