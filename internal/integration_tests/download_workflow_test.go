package integrationtests

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	backend "github.com/schnicklfritz/comfyui-model-downloader/internal/api"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/config"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/core"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/credentials"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/database"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/downloader"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/messaging"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/storage"
	"github.com/schnicklfritz/comfyui-model-downloader/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gatedToken = "hf_gated_token"

// artifactServer serves a LoRA artifact the way a model host would: one open
// path, one path gated behind a bearer token, 404 for everything else.
func artifactServer(t *testing.T, artifact []byte) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pixel-lora.safetensors":
		case "/gated-lora.safetensors":
			if r.Header.Get("Authorization") != "Bearer "+gatedToken {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		default:
			http.NotFound(w, r)
			return
		}

		if _, err := w.Write(artifact); err != nil {
			t.Errorf("error serving artifact: %v", err)
		}
	}))
	t.Cleanup(server.Close)

	return server
}

func submitDownload(t *testing.T, router http.Handler, req api.CreateDownloadRequest) uuid.UUID {
	var res api.CreateDownloadResponse
	err := httpRequest(router, http.MethodPost, "/downloads", req, http.StatusAccepted, &res)
	require.NoError(t, err)
	return res.JobId
}

func waitForDownload(t *testing.T, router http.Handler, jobId uuid.UUID) api.DownloadJob {
	var job api.DownloadJob

	for i := 0; i < 20; i++ {
		time.Sleep(500 * time.Millisecond)
		err := httpRequest(router, http.MethodGet, fmt.Sprintf("/downloads/%s", jobId), nil, http.StatusOK, &job)
		require.NoError(t, err)

		if job.Status == database.JobCompleted || job.Status == database.JobFailed {
			return job
		}
	}

	t.Fatal("timeout reached before download finished")
	return job
}

func TestDownloadWorkflow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db := createDB(t)

	queue := messaging.NewInMemoryQueue()

	creds, err := credentials.NewStore(t.TempDir())
	require.NoError(t, err)

	modelsDir := t.TempDir()

	service := backend.NewBackendService(db, nil, queue, creds)
	router := chi.NewRouter()
	service.AddRoutes(router)

	dl := downloader.New(t.TempDir(), time.Minute)

	worker := core.NewTaskProcessor(db, dl, creds, queue, queue, modelsDir, config.TransferS3)

	go worker.Start()
	defer worker.Stop()

	artifact := loraArtifact(t)
	files := artifactServer(t, artifact)

	t.Run("Local Download", func(t *testing.T) {
		jobId := submitDownload(t, router, api.CreateDownloadRequest{URL: files.URL + "/pixel-lora.safetensors"})

		job := waitForDownload(t, router, jobId)
		require.Equal(t, database.JobCompleted, job.Status)

		assert.Equal(t, "pixel-lora.safetensors", job.Filename)
		assert.Equal(t, "loras", job.Category)
		assert.Equal(t, 0.95, job.Confidence)
		assert.Equal(t, "metadata architecture contains LoRA", job.Reason)
		assert.False(t, job.NeedsReview)
		assert.Equal(t, int64(len(artifact)), job.SizeBytes)
		assert.Empty(t, job.Error)
		require.NotNil(t, job.StartTime)
		require.NotNil(t, job.CompletionTime)

		placed := filepath.Join(modelsDir, "loras", "pixel-lora.safetensors")
		assert.Equal(t, placed, job.FinalPath)

		data, err := os.ReadFile(placed)
		require.NoError(t, err)
		assert.Equal(t, artifact, data)
	})

	t.Run("Gated Download", func(t *testing.T) {
		jobId := submitDownload(t, router, api.CreateDownloadRequest{
			URL:       files.URL + "/gated-lora.safetensors",
			AuthToken: gatedToken,
		})

		job := waitForDownload(t, router, jobId)
		require.Equal(t, database.JobCompleted, job.Status)

		assert.Equal(t, "gated-lora.safetensors", job.Filename)
		assert.FileExists(t, filepath.Join(modelsDir, "loras", "gated-lora.safetensors"))
	})

	t.Run("Upstream Failure", func(t *testing.T) {
		jobId := submitDownload(t, router, api.CreateDownloadRequest{URL: files.URL + "/missing-lora.safetensors"})

		job := waitForDownload(t, router, jobId)
		require.Equal(t, database.JobFailed, job.Status)

		assert.Contains(t, job.Error, "404")
		require.NotNil(t, job.CompletionTime)
	})

	t.Run("Remote Download", func(t *testing.T) {
		minioUrl := setupMinioContainer(t, ctx)

		err := httpRequest(router, http.MethodPut, "/remotes/minio", api.SaveRemoteRequest{
			Provider:        "s3",
			AccessKeyID:     minioUsername,
			SecretAccessKey: minioPassword,
			Bucket:          "comfyui-models",
			Endpoint:        minioUrl,
			Region:          "us-east-1",
		}, http.StatusOK, nil)
		require.NoError(t, err)

		jobId := submitDownload(t, router, api.CreateDownloadRequest{
			URL:         files.URL + "/pixel-lora.safetensors",
			Destination: database.DestinationRemote,
			Remote:      "minio",
		})

		job := waitForDownload(t, router, jobId)
		require.Equal(t, database.JobCompleted, job.Status)

		assert.Equal(t, database.DestinationRemote, job.Destination)
		assert.Equal(t, "minio", job.RemoteName)
		assert.Equal(t, "s3://comfyui-models/loras/pixel-lora.safetensors", job.FinalPath)

		store, err := storage.NewS3Store(storage.S3Config{
			Endpoint:        minioUrl,
			Region:          "us-east-1",
			AccessKeyID:     minioUsername,
			SecretAccessKey: minioPassword,
		})
		require.NoError(t, err)

		size, err := store.ObjectSize(ctx, "comfyui-models", "loras/pixel-lora.safetensors")
		require.NoError(t, err)
		assert.Equal(t, int64(len(artifact)), size)
	})
}
