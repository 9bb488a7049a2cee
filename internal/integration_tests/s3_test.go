package integrationtests

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schnicklfritz/comfyui-model-downloader/internal/classifier"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bucketName = "test-bucket"

func setupTestStore(t *testing.T, ctx context.Context) *storage.S3Store {
	t.Helper()

	endpoint := setupMinioContainer(t, ctx)

	store, err := storage.NewS3Store(storage.S3Config{
		Endpoint:        endpoint,
		Region:          "us-east-1",
		AccessKeyID:     minioUsername,
		SecretAccessKey: minioPassword,
	})
	require.NoError(t, err)

	require.NoError(t, store.CreateBucket(ctx, bucketName))

	return store
}

func TestS3Store_PutObject(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	store := setupTestStore(t, ctx)

	key := "roundtrip/model.ckpt"
	content := []byte("not a real checkpoint")

	require.NoError(t, store.PutObject(ctx, bucketName, key, bytes.NewReader(content)))

	dest := filepath.Join(t.TempDir(), "model.ckpt")
	require.NoError(t, store.DownloadObject(ctx, bucketName, key, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestS3Store_PutFile(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	store := setupTestStore(t, ctx)

	path := filepath.Join(t.TempDir(), "upload.bin")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), os.ModePerm))

	require.NoError(t, store.PutFile(ctx, bucketName, "uploads/upload.bin", path))

	size, err := store.ObjectSize(ctx, bucketName, "uploads/upload.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)
}

func TestS3Store_ObjectSize_NotFound(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	store := setupTestStore(t, ctx)

	_, err := store.ObjectSize(ctx, bucketName, "uploads/never-uploaded.bin")
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err))
}

func TestS3Store_ListObjects(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	store := setupTestStore(t, ctx)

	files := []string{"library/loras/a.safetensors", "library/loras/b.safetensors", "library/vae/c.safetensors"}
	for _, file := range files {
		require.NoError(t, store.PutObject(ctx, bucketName, file, strings.NewReader("content: "+file)))
	}

	objects, err := store.ListObjects(ctx, bucketName, "library/loras/")
	require.NoError(t, err)

	assert.ElementsMatch(t, []storage.Object{
		{Name: "library/loras/a.safetensors", Size: int64(len("content: library/loras/a.safetensors"))},
		{Name: "library/loras/b.safetensors", Size: int64(len("content: library/loras/b.safetensors"))},
	}, objects)
}

func TestS3Store_ClassifyFromStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	store := setupTestStore(t, ctx)

	artifact := loraArtifact(t)
	key := "incoming/pixel-lora.safetensors"

	require.NoError(t, store.PutObject(ctx, bucketName, key, bytes.NewReader(artifact)))

	size, err := store.ObjectSize(ctx, bucketName, key)
	require.NoError(t, err)
	require.Equal(t, int64(len(artifact)), size)

	// The stream issues ranged requests, so classification reads the header
	// without pulling the rest of the object.
	stream := store.GetObjectStream(ctx, bucketName, key)
	result := classifier.ClassifyReader(stream, "pixel-lora.safetensors", size)

	assert.Equal(t, classifier.Loras, result.Category)
	assert.Equal(t, 0.95, result.Confidence)
	assert.Equal(t, "metadata architecture contains LoRA", result.Reason)
	assert.False(t, result.NeedsReview())
}
