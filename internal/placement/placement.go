package placement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/schnicklfritz/comfyui-model-downloader/internal/classifier"
)

// Placer moves a staged download to its final destination and returns the
// destination path or object target.
type Placer interface {
	Place(ctx context.Context, stagedPath string, category classifier.Category) (string, error)
}

// LocalPlacer files models into <modelsDir>/<category folder>/<filename>.
// An existing destination is never overwritten; the placement reports the
// existing path and the staged copy is left for the caller to clean up.
type LocalPlacer struct {
	modelsDir string
}

var _ Placer = (*LocalPlacer)(nil)

func NewLocalPlacer(modelsDir string) *LocalPlacer {
	return &LocalPlacer{modelsDir: modelsDir}
}

func (p *LocalPlacer) Place(ctx context.Context, stagedPath string, category classifier.Category) (string, error) {
	dest := filepath.Join(p.modelsDir, category.Folder(), filepath.Base(stagedPath))

	if _, err := os.Stat(dest); err == nil {
		slog.Warn("destination already exists, skipping placement", "path", dest)
		return dest, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), os.ModePerm); err != nil {
		return "", fmt.Errorf("creating category directory for %s: %w", dest, err)
	}

	if err := os.Rename(stagedPath, dest); err != nil {
		// Staging usually lives on a different filesystem (tmpfs), where
		// rename fails with EXDEV and we fall back to copying.
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
			return dest, moveAcrossFilesystems(stagedPath, dest)
		}
		return "", fmt.Errorf("moving %s to %s: %w", stagedPath, dest, err)
	}

	slog.Info("model placed", "path", dest, "category", category)
	return dest, nil
}

func moveAcrossFilesystems(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening staged file: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating destination file: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("copying %s to %s: %w", src, dest, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return fmt.Errorf("flushing destination file: %w", err)
	}

	if err := os.Remove(src); err != nil {
		slog.Warn("could not remove staged file after copy", "path", src, "error", err)
	}
	return nil
}
