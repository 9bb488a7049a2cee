package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueueRoundTrip(t *testing.T) {
	queue := NewInMemoryQueue()
	defer queue.Close()

	payload := DownloadTaskPayload{JobId: uuid.New()}
	require.NoError(t, queue.PublishDownloadTask(context.Background(), payload))

	select {
	case task := <-queue.Tasks():
		assert.Equal(t, DownloadQueue, task.Type())

		var received DownloadTaskPayload
		require.NoError(t, json.Unmarshal(task.Payload(), &received))
		assert.Equal(t, payload, received)

		require.NoError(t, task.Ack())
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for task")
	}
}

func TestInMemoryQueuePreservesOrder(t *testing.T) {
	queue := NewInMemoryQueue()
	defer queue.Close()

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		require.NoError(t, queue.PublishDownloadTask(context.Background(), DownloadTaskPayload{JobId: id}))
	}

	for _, id := range ids {
		select {
		case task := <-queue.Tasks():
			var received DownloadTaskPayload
			require.NoError(t, json.Unmarshal(task.Payload(), &received))
			assert.Equal(t, id, received.JobId)
		case <-time.After(time.Second):
			t.Fatal("Timed out waiting for task")
		}
	}
}

func TestInMemoryQueueClose(t *testing.T) {
	queue := NewInMemoryQueue()

	tasks := queue.Tasks()
	queue.Close()

	_, ok := <-tasks
	assert.False(t, ok)

	// A second Close must not panic.
	queue.Close()
}
