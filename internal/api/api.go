package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/schnicklfritz/comfyui-model-downloader/internal/classifier"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/credentials"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/database"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/messaging"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/storage"
	"github.com/schnicklfritz/comfyui-model-downloader/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const defaultPageSize = 100

// ObjectStore is the slice of the S3 client the API needs to classify
// artifacts that already live in a bucket.
type ObjectStore interface {
	ObjectSize(ctx context.Context, bucket, key string) (int64, error)
	GetObjectStream(ctx context.Context, bucket, key string) io.Reader
}

type BackendService struct {
	db        *gorm.DB
	store     ObjectStore
	publisher messaging.Publisher
	creds     *credentials.Store
}

func NewBackendService(db *gorm.DB, store ObjectStore, publisher messaging.Publisher, creds *credentials.Store) *BackendService {
	return &BackendService{db: db, store: store, publisher: publisher, creds: creds}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/downloads", func(r chi.Router) {
		r.Post("/", RestAcceptedHandler(s.SubmitDownload))
		r.Get("/", RestHandler(s.ListDownloads))
		r.Get("/{job_id}", RestHandler(s.GetDownload))
	})
	r.Route("/classify", func(r chi.Router) {
		r.Get("/", RestHandler(s.ClassifyObject))
		r.Post("/upload", RestHandler(s.ClassifyUpload))
	})
	r.Route("/remotes", func(r chi.Router) {
		r.Get("/", RestHandler(s.ListRemotes))
		r.Put("/{name}", RestHandler(s.SaveRemote))
		r.Delete("/{name}", RestHandler(s.DeleteRemote))
	})
}

func (s *BackendService) SubmitDownload(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateDownloadRequest](r)
	if err != nil {
		return nil, err
	}

	parsed, err := url.Parse(req.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid url %q, only http(s) downloads are supported", req.URL)
	}

	requestedType := ""
	if req.Type != "" {
		category, err := classifier.ParseCategory(req.Type)
		if err != nil {
			return nil, CodedErrorf(http.StatusBadRequest, "%v", err)
		}
		requestedType = string(category)
	}

	ctx := r.Context()

	destination := req.Destination
	if destination == "" {
		destination = database.DestinationLocal
	}

	var remoteName sql.NullString
	switch destination {
	case database.DestinationLocal:

	case database.DestinationRemote:
		if req.Remote == "" {
			return nil, CodedErrorf(http.StatusBadRequest, "remote destination requires a remote name")
		}
		profile, err := s.creds.Get(req.Remote)
		if err != nil {
			slog.Error("error reading remote profile", "remote", req.Remote, "error", err)
			return nil, CodedErrorf(http.StatusUnprocessableEntity, "credentials for remote %q cannot be decrypted", req.Remote)
		}
		if profile == nil {
			return nil, CodedErrorf(http.StatusUnprocessableEntity, "unknown remote %q", req.Remote)
		}
		remoteName = sql.NullString{String: req.Remote, Valid: true}

	default:
		return nil, CodedErrorf(http.StatusBadRequest, "invalid destination %q, expected %q or %q", destination, database.DestinationLocal, database.DestinationRemote)
	}

	job := database.DownloadJob{
		Id:            uuid.New(),
		URL:           req.URL,
		RequestedType: requestedType,
		Status:        database.JobQueued,
		Filename:      req.Filename,
		Destination:   destination,
		RemoteName:    remoteName,
		CreationTime:  time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		slog.Error("error creating download job", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create download job")
	}

	payload := messaging.DownloadTaskPayload{JobId: job.Id, AuthToken: req.AuthToken}
	if err := s.publisher.PublishDownloadTask(ctx, payload); err != nil {
		slog.Error("error publishing download task", "job_id", job.Id, "error", err)
		database.SaveJobError(ctx, s.db, job.Id, "failed to queue download task")
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue download task")
	}

	slog.Info("download job submitted", "job_id", job.Id, "url", req.URL)
	return api.CreateDownloadResponse{JobId: job.Id}, nil
}

type listDownloadsQuery struct {
	Status string `schema:"status"`
	Limit  int    `schema:"limit"`
	Offset int    `schema:"offset"`
}

func (s *BackendService) ListDownloads(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[listDownloadsQuery](r)
	if err != nil {
		return nil, err
	}

	if params.Limit <= 0 || params.Limit > defaultPageSize {
		params.Limit = defaultPageSize
	}

	query := s.db.WithContext(r.Context()).Model(&database.DownloadJob{})
	if params.Status != "" {
		query = query.Where("status = ?", strings.ToUpper(params.Status))
	}

	var jobs []database.DownloadJob
	if err := query.
		Order("creation_time DESC").
		Limit(params.Limit).
		Offset(params.Offset).
		Find(&jobs).Error; err != nil {
		slog.Error("error listing download jobs", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing download jobs")
	}

	return convertDownloadJobs(jobs), nil
}

func (s *BackendService) GetDownload(r *http.Request) (any, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	var job database.DownloadJob
	if err := s.db.WithContext(r.Context()).First(&job, "id = ?", jobId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "download job not found")
		}
		slog.Error("error getting download job", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving download job record")
	}

	return convertDownloadJob(job), nil
}

type classifyQuery struct {
	S3 string `schema:"s3"`
}

func (s *BackendService) ClassifyObject(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[classifyQuery](r)
	if err != nil {
		return nil, err
	}
	if params.S3 == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "missing s3 query parameter")
	}

	bucket, key, err := parseS3URL(params.S3)
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "%v", err)
	}

	if s.store == nil {
		return nil, CodedErrorf(http.StatusServiceUnavailable, "no object store configured")
	}

	ctx := r.Context()

	size, err := s.store.ObjectSize(ctx, bucket, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, CodedErrorf(http.StatusNotFound, "object %s not found", params.S3)
		}
		slog.Error("error reading object size", "bucket", bucket, "key", key, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error reading object %s", params.S3)
	}

	// The stream is ranged, so only the header leaves the bucket no matter
	// how large the artifact is.
	result := classifier.ClassifyReader(s.store.GetObjectStream(ctx, bucket, key), path.Base(key), size)

	return convertClassification(result), nil
}

func (s *BackendService) ClassifyUpload(r *http.Request) (any, error) {
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "missing file upload: %v", err)
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	result := classifier.ClassifyReader(file, filename, header.Size)

	return convertClassification(result), nil
}

func (s *BackendService) SaveRemote(r *http.Request) (any, error) {
	name := chi.URLParam(r, "name")
	if err := validateRemoteName(name); err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.SaveRemoteRequest](r)
	if err != nil {
		return nil, err
	}

	profile := credentials.RemoteProfile{
		Provider:        req.Provider,
		AccessKeyID:     req.AccessKeyID,
		SecretAccessKey: req.SecretAccessKey,
		Bucket:          req.Bucket,
		Endpoint:        req.Endpoint,
		Region:          req.Region,
	}

	if err := s.creds.Save(name, profile); err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "%v", err)
	}

	database.RecordRemoteAction(r.Context(), s.db, name, database.RemoteSaved)
	slog.Info("remote profile saved", "remote", name, "provider", req.Provider)

	return api.Remote{
		Name:     name,
		Provider: req.Provider,
		Bucket:   req.Bucket,
		Endpoint: req.Endpoint,
		Region:   req.Region,
	}, nil
}

func (s *BackendService) ListRemotes(r *http.Request) (any, error) {
	names, err := s.creds.List()
	if err != nil {
		slog.Error("error listing remotes", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing remotes")
	}

	profiles, err := s.creds.Profiles()
	if err != nil {
		slog.Error("error reading remote profiles", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing remotes")
	}

	remotes := make([]api.Remote, 0, len(names))
	for _, name := range names {
		profile := profiles[name]
		remotes = append(remotes, api.Remote{
			Name:     name,
			Provider: profile.Provider,
			Bucket:   profile.Bucket,
			Endpoint: profile.Endpoint,
			Region:   profile.Region,
		})
	}

	return remotes, nil
}

func (s *BackendService) DeleteRemote(r *http.Request) (any, error) {
	name := chi.URLParam(r, "name")
	if err := validateRemoteName(name); err != nil {
		return nil, err
	}

	if err := s.creds.Delete(name); err != nil {
		slog.Error("error deleting remote", "remote", name, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error deleting remote %q", name)
	}

	database.RecordRemoteAction(r.Context(), s.db, name, database.RemoteDeleted)
	slog.Info("remote profile deleted", "remote", name)

	return nil, nil
}

func parseS3URL(raw string) (string, string, error) {
	trimmed, ok := strings.CutPrefix(raw, "s3://")
	if !ok {
		return "", "", fmt.Errorf("invalid s3 url %q, expected s3://bucket/key", raw)
	}

	bucket, key, ok := strings.Cut(trimmed, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 url %q, expected s3://bucket/key", raw)
	}

	return bucket, key, nil
}
