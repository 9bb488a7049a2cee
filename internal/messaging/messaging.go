package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	DownloadQueue   = "download_queue"
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

// DownloadTaskPayload carries the job id plus the bearer token, if any. The
// token rides the message, never the database, so it does not outlive the
// delivery.
type DownloadTaskPayload struct {
	JobId     uuid.UUID
	AuthToken string
}

type Publisher interface {
	PublishDownloadTask(ctx context.Context, payload DownloadTaskPayload) error

	Close()
}

type Receiver interface {
	Tasks() <-chan Task

	Close()
}
