package database

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func UpdateJobStatus(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == JobRunning {
		updates["start_time"] = time.Now().UTC()
	}
	if status == JobCompleted || status == JobFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&DownloadJob{Id: jobId}).Updates(updates).Error; err != nil {
		slog.Error("error updating job status", "job_id", jobId, "status", status, "error", err)
		return err
	}
	return nil
}

func SaveJobError(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, errorMessage string) {
	updates := map[string]any{
		"status":          JobFailed,
		"error":           errorMessage,
		"completion_time": time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Model(&DownloadJob{Id: jobId}).Updates(updates).Error; err != nil {
		slog.Error("error saving job error", "job_id", jobId, "error", err)
	}
}

func RecordRemoteAction(ctx context.Context, db *gorm.DB, remoteName, action string) {
	audit := RemoteAudit{
		Id:         uuid.New(),
		RemoteName: remoteName,
		Action:     action,
		Timestamp:  time.Now().UTC(),
	}

	if err := db.WithContext(ctx).Create(&audit).Error; err != nil {
		slog.Error("error recording remote action", "remote", remoteName, "action", action, "error", err)
	}
}
