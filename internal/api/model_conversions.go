package api

import (
	"database/sql"
	"time"

	"github.com/schnicklfritz/comfyui-model-downloader/internal/classifier"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/database"
	"github.com/schnicklfritz/comfyui-model-downloader/pkg/api"
)

func convertDownloadJob(j database.DownloadJob) api.DownloadJob {
	return api.DownloadJob{
		Id:             j.Id,
		URL:            j.URL,
		RequestedType:  j.RequestedType,
		Status:         j.Status,
		Filename:       j.Filename,
		Category:       j.Category,
		Confidence:     j.Confidence,
		Reason:         j.Reason,
		NeedsReview:    j.NeedsReview,
		Destination:    j.Destination,
		RemoteName:     j.RemoteName.String,
		FinalPath:      j.FinalPath,
		SizeBytes:      j.SizeBytes,
		Error:          j.Error,
		CreationTime:   j.CreationTime,
		StartTime:      convertNullTime(j.StartTime),
		CompletionTime: convertNullTime(j.CompletionTime),
	}
}

func convertDownloadJobs(js []database.DownloadJob) []api.DownloadJob {
	jobs := make([]api.DownloadJob, 0, len(js))
	for _, j := range js {
		jobs = append(jobs, convertDownloadJob(j))
	}
	return jobs
}

func convertClassification(r classifier.Result) api.Classification {
	return api.Classification{
		Category:    string(r.Category),
		Confidence:  r.Confidence,
		Reason:      r.Reason,
		NeedsReview: r.NeedsReview(),
	}
}

func convertNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time
	return &value
}
