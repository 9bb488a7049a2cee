package downloader_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/downloader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveFilename(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		disposition string
		want        string
	}{
		{
			name: "url basename",
			url:  "https://example.com/models/analog-madness.safetensors",
			want: "analog-madness.safetensors",
		},
		{
			name: "percent encoded path",
			url:  "https://example.com/models/analog%20madness.ckpt",
			want: "analog madness.ckpt",
		},
		{
			name:        "content disposition wins",
			url:         "https://example.com/download?id=123",
			disposition: `attachment; filename="epicrealism.safetensors"`,
			want:        "epicrealism.safetensors",
		},
		{
			name:        "content disposition traversal stripped",
			url:         "https://example.com/download",
			disposition: `attachment; filename="../../etc/passwd.safetensors"`,
			want:        "passwd.safetensors",
		},
		{
			name: "unknown extension falls back",
			url:  "https://example.com/models/readme.txt",
			want: "model.safetensors",
		},
		{
			name: "bare host falls back",
			url:  "https://example.com/",
			want: "model.safetensors",
		},
		{
			name: "pytorch archive kept",
			url:  "https://example.com/weights/rcnn.pth",
			want: "rcnn.pth",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := downloader.ResolveFilename(test.url, test.disposition)
			assert.Equal(t, test.want, got)
		})
	}
}

func TestFetch(t *testing.T) {
	payload := strings.Repeat("weights", 1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "Mozilla/5.0"))
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		_, _ = w.Write([]byte(payload))
	}))
	defer server.Close()

	staging := t.TempDir()
	d := downloader.New(staging, 0)

	var lastDownloaded, lastTotal int64
	staged, err := d.Fetch(context.Background(), server.URL+"/v1.5-pruned.safetensors", "", func(downloaded, total int64) {
		lastDownloaded, lastTotal = downloaded, total
	})
	require.NoError(t, err)

	assert.Equal(t, "v1.5-pruned.safetensors", filepath.Base(staged))

	content, err := os.ReadFile(staged)
	require.NoError(t, err)
	assert.Equal(t, payload, string(content))

	assert.Equal(t, int64(len(payload)), lastDownloaded)
	assert.Equal(t, int64(len(payload)), lastTotal)

	// Each download gets its own directory named by a fresh uuid directly
	// under the staging root.
	dir := filepath.Dir(staged)
	assert.Equal(t, staging, filepath.Dir(dir))
	_, err = uuid.Parse(filepath.Base(dir))
	assert.NoError(t, err)
}

func TestFetchStagingDirsAreUnique(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer server.Close()

	d := downloader.New(t.TempDir(), 0)

	first, err := d.Fetch(context.Background(), server.URL+"/model.ckpt", "", nil)
	require.NoError(t, err)
	second, err := d.Fetch(context.Background(), server.URL+"/model.ckpt", "", nil)
	require.NoError(t, err)

	assert.NotEqual(t, filepath.Dir(first), filepath.Dir(second))
	assert.Equal(t, filepath.Base(first), filepath.Base(second))
}

func TestFetchUsesContentDisposition(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="realesrgan-x4.pth"`)
		_, _ = w.Write([]byte("payload"))
	}))
	defer server.Close()

	d := downloader.New(t.TempDir(), 0)

	staged, err := d.Fetch(context.Background(), server.URL+"/download?id=42", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "realesrgan-x4.pth", filepath.Base(staged))
}

func TestFetchSendsBearerToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer hf_secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("payload"))
	}))
	defer server.Close()

	d := downloader.New(t.TempDir(), 0)

	_, err := d.Fetch(context.Background(), server.URL+"/model.safetensors", " hf_secret ", nil)
	require.NoError(t, err)
}

func TestFetchUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "login required", http.StatusForbidden)
	}))
	defer server.Close()

	staging := t.TempDir()
	d := downloader.New(staging, 0)

	_, err := d.Fetch(context.Background(), server.URL+"/model.safetensors", "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, downloader.ErrUpstream)

	var upstream *downloader.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusForbidden, upstream.StatusCode)

	// No staging directory may be left behind for a refused download.
	entries, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetchRejectsNonHTTPSchemes(t *testing.T) {
	d := downloader.New(t.TempDir(), 0)

	_, err := d.Fetch(context.Background(), "ftp://example.com/model.safetensors", "", nil)
	assert.Error(t, err)
}

func TestFetchTimesOut(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	d := downloader.New(t.TempDir(), 50*time.Millisecond)

	_, err := d.Fetch(context.Background(), server.URL+"/model.safetensors", "", nil)
	assert.Error(t, err)
}
