//go:build integration
// +build integration

// The build tag 'integration' allows separating integration tests from unit tests.
// Run unit tests with: go test ./...
// Run integration tests with: go test -tags=integration ./...

package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
)

func setupRabbitMQContainer(t *testing.T, ctx context.Context) string {
	rabbitmqContainer, err := rabbitmq.Run(ctx, "rabbitmq:3.11-management")
	require.NoError(t, err, "Failed to start RabbitMQ container")

	t.Cleanup(func() {
		err := rabbitmqContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate RabbitMQ container")
	})

	connStr, err := rabbitmqContainer.AmqpURL(ctx)
	require.NoError(t, err, "Failed to get RabbitMQ AMQP URL")

	return connStr
}

func TestRabbitMQPublishConsume(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	connStr := setupRabbitMQContainer(t, ctx)

	// The publisher declares both queues, so it must come up before the receiver
	// starts consuming.
	publisher, err := NewRabbitMQPublisher(connStr)
	require.NoError(t, err, "Failed to create publisher")
	defer publisher.Close()

	reciever, err := NewRabbitMQReceiver(connStr)
	require.NoError(t, err, "Failed to create reciever")
	defer reciever.Close()

	sweepId, jobId := uuid.New(), uuid.New()

	require.NoError(t, publisher.PublishSweepTask(ctx, SweepTaskPayload{SweepId: sweepId}))
	require.NoError(t, publisher.PublishEvaluationTask(ctx, EvaluationTaskPayload{JobId: jobId}))

	received := make(map[string][]byte)
	for i := 0; i < 2; i++ {
		select {
		case task := <-reciever.Tasks():
			received[task.Type()] = task.Payload()
			require.NoError(t, task.Ack())
		case <-ctx.Done():
			t.Fatal("Timed out waiting for tasks")
		}
	}

	var sweepPayload SweepTaskPayload
	require.NoError(t, json.Unmarshal(received[SweepQueue], &sweepPayload))
	assert.Equal(t, sweepId, sweepPayload.SweepId)

	var evaluationPayload EvaluationTaskPayload
	require.NoError(t, json.Unmarshal(received[EvaluationQueue], &evaluationPayload))
	assert.Equal(t, jobId, evaluationPayload.JobId)
}
