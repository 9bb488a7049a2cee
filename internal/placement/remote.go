package placement

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/schnicklfritz/comfyui-model-downloader/internal/classifier"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/credentials"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/rclone"
)

// RclonePlacer copies a staged file into the bucket of a saved remote
// profile by shelling out to rclone. The bucket mirrors the local layout:
// objects land under <category folder>/<filename>.
type RclonePlacer struct {
	runner *rclone.Runner
	creds  *credentials.Store
	remote string
}

var _ Placer = (*RclonePlacer)(nil)

func NewRclonePlacer(runner *rclone.Runner, creds *credentials.Store, remote string) *RclonePlacer {
	return &RclonePlacer{runner: runner, creds: creds, remote: remote}
}

func (p *RclonePlacer) Place(ctx context.Context, stagedPath string, category classifier.Category) (string, error) {
	profile, err := p.creds.Get(p.remote)
	if err != nil {
		// A profile whose secrets no longer decrypt cannot authenticate,
		// so the soft decrypt error is fatal here.
		return "", fmt.Errorf("loading credentials for %q: %w", p.remote, err)
	}
	if profile == nil {
		return "", fmt.Errorf("remote %q: %w", p.remote, credentials.ErrMissing)
	}

	key := path.Join(category.Folder(), filepath.Base(stagedPath))
	dest := rclone.RemoteDestination(p.remote, profile.Bucket, key)
	env := rclone.Environ(os.Environ(), p.remote, *profile)

	if err := p.runner.CopyTo(ctx, stagedPath, dest, env); err != nil {
		return "", err
	}

	slog.Info("model uploaded", "destination", dest, "category", category)
	return dest, nil
}

// ObjectStore is the slice of the S3 client that placement needs.
type ObjectStore interface {
	CreateBucket(ctx context.Context, bucket string) error
	PutFile(ctx context.Context, bucket, key, path string) error
}

// S3Placer uploads a staged file with the AWS SDK instead of rclone, for
// deployments where shelling out is unwanted.
type S3Placer struct {
	store  ObjectStore
	bucket string
}

var _ Placer = (*S3Placer)(nil)

func NewS3Placer(store ObjectStore, bucket string) *S3Placer {
	return &S3Placer{store: store, bucket: bucket}
}

func (p *S3Placer) Place(ctx context.Context, stagedPath string, category classifier.Category) (string, error) {
	if err := p.store.CreateBucket(ctx, p.bucket); err != nil {
		return "", err
	}

	key := path.Join(category.Folder(), filepath.Base(stagedPath))
	if err := p.store.PutFile(ctx, p.bucket, key, stagedPath); err != nil {
		return "", err
	}

	dest := fmt.Sprintf("s3://%s/%s", p.bucket, key)
	slog.Info("model uploaded", "destination", dest, "category", category)
	return dest, nil
}
