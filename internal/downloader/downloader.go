package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const (
	// Some model hosts refuse requests without a browser user agent.
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

	fallbackFilename = "model.safetensors"

	// DefaultTimeout bounds the whole transfer, not a single read, so it has
	// to accommodate multi-GB checkpoints on slow links.
	DefaultTimeout = 30 * time.Minute
)

var knownExtensions = []string{".safetensors", ".ckpt", ".pt", ".pth", ".bin"}

// ErrUpstream is the class of every non-2xx response; match it with
// errors.Is and inspect the *UpstreamError for the status code.
var ErrUpstream = errors.New("upstream rejected download")

type UpstreamError struct {
	StatusCode int
	Status     string
}

func (e *UpstreamError) Error() string {
	if e.Status != "" {
		return "upstream returned HTTP " + e.Status
	}
	return fmt.Sprintf("upstream returned HTTP %d", e.StatusCode)
}

func (e *UpstreamError) Unwrap() error { return ErrUpstream }

// Progress is invoked as bytes arrive. total is -1 when the server did not
// send a Content-Length.
type Progress func(downloaded, total int64)

// Downloader streams model files over HTTP into per-download staging
// directories. Redirects are followed; the whole transfer runs under the
// configured timeout.
type Downloader struct {
	client     *resty.Client
	stagingDir string
}

func New(stagingDir string, timeout time.Duration) *Downloader {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := resty.New().
		SetTimeout(timeout).
		SetDoNotParseResponse(true).
		SetHeader("User-Agent", defaultUserAgent)

	return &Downloader{client: client, stagingDir: stagingDir}
}

// ResolveFilename picks the name a download is stored under: the
// Content-Disposition filename when the server sent one, otherwise the
// decoded basename of the URL path. A name without a recognized model
// extension falls back to model.safetensors.
func ResolveFilename(rawURL, contentDisposition string) string {
	var name string
	if contentDisposition != "" {
		if _, params, err := mime.ParseMediaType(contentDisposition); err == nil {
			// Base guards against path traversal in server-supplied names.
			name = filepath.Base(params["filename"])
		}
	}

	if name == "" || name == "." || name == string(filepath.Separator) {
		if parsed, err := url.Parse(rawURL); err == nil {
			name = path.Base(parsed.Path)
		}
	}
	if name == "" || name == "." || name == "/" {
		return fallbackFilename
	}

	for _, ext := range knownExtensions {
		if strings.HasSuffix(name, ext) {
			return name
		}
	}
	return fallbackFilename
}

// Fetch downloads rawURL into a fresh staging directory and returns the path
// of the staged file. The caller owns the directory and removes it once the
// file has been placed. authToken, when non-empty, is sent as a bearer token.
func (d *Downloader) Fetch(ctx context.Context, rawURL, authToken string, progress Progress) (string, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return "", fmt.Errorf("url must start with http:// or https://, got %q", rawURL)
	}

	req := d.client.R().SetContext(ctx)
	if token := strings.TrimSpace(authToken); token != "" {
		req.SetHeader("Authorization", "Bearer "+token)
	}

	res, err := req.Get(rawURL)
	if err != nil {
		return "", fmt.Errorf("requesting %s: %w", rawURL, err)
	}
	body := res.RawBody()
	defer body.Close()

	if !res.IsSuccess() {
		return "", &UpstreamError{StatusCode: res.StatusCode(), Status: res.Status()}
	}

	filename := ResolveFilename(rawURL, res.Header().Get("Content-Disposition"))
	dir := filepath.Join(d.stagingDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}

	staged := filepath.Join(dir, filename)
	out, err := os.Create(staged)
	if err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("creating staged file: %w", err)
	}

	total := res.RawResponse.ContentLength
	slog.Info("downloading model", "filename", filename, "total_bytes", total)

	reader := io.Reader(body)
	if progress != nil {
		reader = &progressReader{reader: body, total: total, progress: progress}
	}

	written, err := io.Copy(out, reader)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("downloading %s: %w", rawURL, err)
	}

	slog.Info("download complete", "filename", filename, "bytes", written)
	return staged, nil
}

type progressReader struct {
	reader     io.Reader
	total      int64
	downloaded int64
	progress   Progress
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.downloaded += int64(n)
		r.progress(r.downloaded, r.total)
	}
	return n, err
}
