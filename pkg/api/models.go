package api

import (
	"time"

	"github.com/google/uuid"
)

type CreateDownloadRequest struct {
	URL         string
	Type        string
	Filename    string
	Destination string
	Remote      string
	AuthToken   string
}

type CreateDownloadResponse struct {
	JobId uuid.UUID
}

type DownloadJob struct {
	Id            uuid.UUID
	URL           string
	RequestedType string `json:"RequestedType,omitempty"`
	Status        string
	Filename      string
	Category      string
	Confidence    float64
	Reason        string
	NeedsReview   bool
	Destination   string
	RemoteName    string `json:"RemoteName,omitempty"`
	FinalPath     string
	SizeBytes     int64
	Error         string `json:"Error,omitempty"`

	CreationTime   time.Time
	StartTime      *time.Time `json:"StartTime,omitempty"`
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`
}

type Classification struct {
	Category    string
	Confidence  float64
	Reason      string
	NeedsReview bool
}

type SaveRemoteRequest struct {
	Provider        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Endpoint        string
	Region          string
}

// Remote is the listing view of a saved profile. It never carries the
// secret fields.
type Remote struct {
	Name     string
	Provider string
	Bucket   string
	Endpoint string `json:"Endpoint,omitempty"`
	Region   string `json:"Region,omitempty"`
}
