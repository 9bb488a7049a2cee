package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobQueued    string = "QUEUED"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
)

const (
	DestinationLocal  string = "local"
	DestinationRemote string = "remote"
)

type DownloadJob struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	URL           string `gorm:"not null"`
	RequestedType string `gorm:"size:20"`
	Status        string `gorm:"size:20;not null"`

	Filename    string
	Category    string `gorm:"size:20"`
	Confidence  float64
	Reason      string
	NeedsReview bool `gorm:"default:false"`

	Destination string `gorm:"size:20;not null"`
	RemoteName  sql.NullString
	FinalPath   string
	SizeBytes   int64

	HeaderMetadata datatypes.JSON `gorm:"type:jsonb"` // {"modelspec.architecture":"…",…}

	Error string

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime
}

const (
	RemoteSaved   string = "saved"
	RemoteDeleted string = "deleted"
)

type RemoteAudit struct {
	Id         uuid.UUID `gorm:"type:uuid;primaryKey"`
	RemoteName string    `gorm:"size:64;not null"`
	Action     string    `gorm:"size:20;not null"`
	Timestamp  time.Time
}
