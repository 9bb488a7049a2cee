package migration_0

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// The structs below pin the schema as it was at this migration so later
// schema changes cannot alter what this step creates.

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

	HeaderMetadata datatypes.JSON `gorm:"type:jsonb"`

	Error string

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime
}

type RemoteAudit struct {
	Id         uuid.UUID `gorm:"type:uuid;primaryKey"`
	RemoteName string    `gorm:"size:64;not null"`
	Action     string    `gorm:"size:20;not null"`
	Timestamp  time.Time
}

func Migration(db *gorm.DB) error {
	err := db.AutoMigrate(
		&DownloadJob{}, &RemoteAudit{},
	)
	if err != nil {
		return fmt.Errorf("initial migration failed: %w", err)
	}
	return nil
}
