package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/schnicklfritz/comfyui-model-downloader/internal/classifier"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/config"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/credentials"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/database"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/downloader"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/messaging"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/placement"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/rclone"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/safetensors"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/storage"
	"gorm.io/gorm"
)

// TaskProcessor is the worker side of the service: it consumes download
// tasks, fetches the artifact into staging, classifies it, and places it
// into the local model library or a configured remote.
type TaskProcessor struct {
	db         *gorm.DB
	downloader *downloader.Downloader
	creds      *credentials.Store
	publisher  messaging.Publisher
	receiver   messaging.Receiver

	modelsDir    string
	transferTool string
}

func NewTaskProcessor(db *gorm.DB, dl *downloader.Downloader, creds *credentials.Store, publisher messaging.Publisher, receiver messaging.Receiver, modelsDir, transferTool string) *TaskProcessor {
	return &TaskProcessor{
		db:           db,
		downloader:   dl,
		creds:        creds,
		publisher:    publisher,
		receiver:     receiver,
		modelsDir:    modelsDir,
		transferTool: transferTool,
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	for task := range proc.receiver.Tasks() {
		proc.ProcessTask(task)
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.publisher.Close()
	proc.receiver.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {
	case messaging.DownloadQueue:
		var payload messaging.DownloadTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling download task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processDownloadTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil { // reject unknown message type
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

func (proc *TaskProcessor) processDownloadTask(ctx context.Context, payload messaging.DownloadTaskPayload) error {
	jobId := payload.JobId

	slog.Info("processing download task", "job_id", jobId)

	var job database.DownloadJob
	if err := proc.db.First(&job, "id = ?", jobId).Error; err != nil {
		slog.Error("error fetching download job", "job_id", jobId, "error", err)
		return fmt.Errorf("error getting download job: %w", err)
	}

	if job.Status == database.JobCompleted {
		slog.Info("download job already completed, skipping", "job_id", jobId)
		return nil
	}

	if err := database.UpdateJobStatus(ctx, proc.db, jobId, database.JobRunning); err != nil {
		slog.Error("error marking job as running", "job_id", jobId, "error", err)
	}

	if err := proc.runDownload(ctx, &job, payload.AuthToken); err != nil {
		database.SaveJobError(ctx, proc.db, jobId, err.Error())
		return err
	}

	if err := database.UpdateJobStatus(ctx, proc.db, jobId, database.JobCompleted); err != nil {
		return fmt.Errorf("error updating job status to completed: %w", err)
	}

	slog.Info("download job completed", "job_id", jobId)

	return nil
}

func (proc *TaskProcessor) runDownload(ctx context.Context, job *database.DownloadJob, authToken string) error {
	staged, err := proc.downloader.Fetch(ctx, job.URL, authToken, nil)
	if err != nil {
		return fmt.Errorf("error downloading %s: %w", job.URL, err)
	}
	defer os.RemoveAll(filepath.Dir(staged))

	// An explicit filename on the job overrides whatever the server and URL
	// suggested.
	filename := filepath.Base(staged)
	if job.Filename != "" && filepath.Base(job.Filename) != filename {
		filename = filepath.Base(job.Filename)
		renamed := filepath.Join(filepath.Dir(staged), filename)
		if err := os.Rename(staged, renamed); err != nil {
			return fmt.Errorf("error renaming staged file: %w", err)
		}
		staged = renamed
	}

	info, err := os.Stat(staged)
	if err != nil {
		return fmt.Errorf("error stating staged file: %w", err)
	}

	result, err := proc.classify(job, staged, filename)
	if err != nil {
		return err
	}

	if result.NeedsReview() {
		slog.Warn("low confidence classification, flagging for review", "job_id", job.Id, "category", result.Category, "confidence", result.Confidence, "reason", result.Reason)
	}

	if err := proc.db.
		Model(&database.DownloadJob{}).
		Where("id = ?", job.Id).
		Updates(map[string]interface{}{
			"filename":        filename,
			"category":        string(result.Category),
			"confidence":      result.Confidence,
			"reason":          result.Reason,
			"needs_review":    result.NeedsReview(),
			"size_bytes":      info.Size(),
			"header_metadata": headerMetadata(staged, filename),
		}).Error; err != nil {
		return fmt.Errorf("error recording classification: %w", err)
	}

	placer, err := proc.resolvePlacer(job)
	if err != nil {
		return err
	}

	finalPath, err := placer.Place(ctx, staged, result.Category)
	if err != nil {
		return fmt.Errorf("error placing %s: %w", filename, err)
	}

	if err := proc.db.
		Model(&database.DownloadJob{}).
		Where("id = ?", job.Id).
		Update("final_path", finalPath).Error; err != nil {
		slog.Error("error recording final path", "job_id", job.Id, "error", err)
	}

	slog.Info("model placed", "job_id", job.Id, "category", result.Category, "final_path", finalPath)

	return nil
}

func (proc *TaskProcessor) classify(job *database.DownloadJob, staged, filename string) (classifier.Result, error) {
	if job.RequestedType != "" {
		category, err := classifier.ParseCategory(job.RequestedType)
		if err != nil {
			return classifier.Result{}, fmt.Errorf("invalid requested type %q: %w", job.RequestedType, err)
		}
		return classifier.Result{Category: category, Confidence: 1.0, Reason: "requested type"}, nil
	}

	result, err := classifier.ClassifyFile(staged, filename)
	if err != nil {
		return classifier.Result{}, fmt.Errorf("error classifying %s: %w", filename, err)
	}
	return result, nil
}

// headerMetadata extracts the __metadata__ map for the job's audit column,
// nil when there is nothing to record.
func headerMetadata(staged, filename string) []byte {
	if !strings.HasSuffix(filename, ".safetensors") {
		return nil
	}

	header, err := safetensors.ParseFile(staged)
	if err != nil || len(header.Metadata) == 0 {
		return nil
	}

	raw, err := json.Marshal(header.Metadata)
	if err != nil {
		return nil
	}
	return raw
}

func (proc *TaskProcessor) resolvePlacer(job *database.DownloadJob) (placement.Placer, error) {
	if job.Destination != database.DestinationRemote {
		return placement.NewLocalPlacer(proc.modelsDir), nil
	}

	if !job.RemoteName.Valid || job.RemoteName.String == "" {
		return nil, fmt.Errorf("remote destination requires a remote name")
	}
	remote := job.RemoteName.String

	if proc.transferTool == config.TransferS3 {
		profile, err := proc.creds.Get(remote)
		if err != nil {
			return nil, fmt.Errorf("error loading credentials for %q: %w", remote, err)
		}
		if profile == nil {
			return nil, fmt.Errorf("remote %q: %w", remote, credentials.ErrMissing)
		}

		store, err := storage.NewS3Store(storage.S3Config{
			Endpoint:        profile.Endpoint,
			Region:          profile.Region,
			AccessKeyID:     profile.AccessKeyID,
			SecretAccessKey: profile.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("error creating object store for %q: %w", remote, err)
		}
		return placement.NewS3Placer(store, profile.Bucket), nil
	}

	runner, err := rclone.NewRunner()
	if err != nil {
		return nil, err
	}
	return placement.NewRclonePlacer(runner, proc.creds, remote), nil
}

// RepublishQueuedJobs pushes every QUEUED job back onto the queue. The
// server calls this on startup so jobs enqueued before a restart are not
// lost. Bearer tokens ride the original delivery only, so a republished job
// that needed one retries anonymously and fails with the upstream status.
func RepublishQueuedJobs(ctx context.Context, db *gorm.DB, publisher messaging.Publisher) error {
	var jobs []database.DownloadJob
	if err := db.Where("status = ?", database.JobQueued).Find(&jobs).Error; err != nil {
		return fmt.Errorf("error fetching queued jobs: %w", err)
	}

	for _, job := range jobs {
		if err := publisher.PublishDownloadTask(ctx, messaging.DownloadTaskPayload{JobId: job.Id}); err != nil {
			return fmt.Errorf("error republishing job %s: %w", job.Id, err)
		}
	}

	if len(jobs) > 0 {
		slog.Info("republished queued download jobs", "count", len(jobs))
	}

	return nil
}
