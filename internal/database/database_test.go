package database_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T, create ...any) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	return db
}

func TestMigratorCreatesSchema(t *testing.T) {
	jobId := uuid.New()
	db := createDB(t, &database.DownloadJob{
		Id:           jobId,
		URL:          "https://example.com/model.safetensors",
		Status:       database.JobQueued,
		Destination:  database.DestinationLocal,
		CreationTime: time.Now().UTC(),
	})

	var job database.DownloadJob
	require.NoError(t, db.First(&job, "id = ?", jobId).Error)
	assert.Equal(t, database.JobQueued, job.Status)
	assert.False(t, job.StartTime.Valid)
	assert.False(t, job.CompletionTime.Valid)
}

func TestUpdateJobStatus(t *testing.T) {
	jobId := uuid.New()
	db := createDB(t, &database.DownloadJob{
		Id:          jobId,
		URL:         "https://example.com/model.safetensors",
		Status:      database.JobQueued,
		Destination: database.DestinationLocal,
	})

	require.NoError(t, database.UpdateJobStatus(context.Background(), db, jobId, database.JobRunning))

	var job database.DownloadJob
	require.NoError(t, db.First(&job, "id = ?", jobId).Error)
	assert.Equal(t, database.JobRunning, job.Status)
	assert.True(t, job.StartTime.Valid)
	assert.False(t, job.CompletionTime.Valid)

	require.NoError(t, database.UpdateJobStatus(context.Background(), db, jobId, database.JobCompleted))

	require.NoError(t, db.First(&job, "id = ?", jobId).Error)
	assert.Equal(t, database.JobCompleted, job.Status)
	assert.True(t, job.CompletionTime.Valid)
}

func TestSaveJobError(t *testing.T) {
	jobId := uuid.New()
	db := createDB(t, &database.DownloadJob{
		Id:          jobId,
		URL:         "https://example.com/model.safetensors",
		Status:      database.JobRunning,
		Destination: database.DestinationLocal,
	})

	database.SaveJobError(context.Background(), db, jobId, "upstream returned HTTP 403 Forbidden")

	var job database.DownloadJob
	require.NoError(t, db.First(&job, "id = ?", jobId).Error)
	assert.Equal(t, database.JobFailed, job.Status)
	assert.Equal(t, "upstream returned HTTP 403 Forbidden", job.Error)
	assert.True(t, job.CompletionTime.Valid)
}

func TestRecordRemoteAction(t *testing.T) {
	db := createDB(t)

	database.RecordRemoteAction(context.Background(), db, "minio", database.RemoteSaved)
	database.RecordRemoteAction(context.Background(), db, "minio", database.RemoteDeleted)

	var audits []database.RemoteAudit
	require.NoError(t, db.Order("timestamp").Find(&audits).Error)
	require.Len(t, audits, 2)
	assert.Equal(t, database.RemoteSaved, audits[0].Action)
	assert.Equal(t, database.RemoteDeleted, audits[1].Action)
}
