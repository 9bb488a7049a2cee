package rclone

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ErrUnavailable means the rclone binary could not be found on PATH.
var ErrUnavailable = errors.New("rclone binary not found in PATH")

// Runner shells out to a resolved rclone binary. It holds no per-remote
// state; credentials travel in the environment built by Environ.
type Runner struct {
	bin string
}

func NewRunner() (*Runner, error) {
	path, err := exec.LookPath("rclone")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Runner{bin: path}, nil
}

// Version reports the first line of `rclone --version`, used as a startup
// health check.
func (r *Runner) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, r.bin, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("rclone --version: %w", err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

// CopyURL streams the file at url directly to destination, which may be a
// local path or a remote:bucket/name target.
func (r *Runner) CopyURL(ctx context.Context, url, destination string, env []string) error {
	return r.run(ctx, env, "copyurl", url, destination)
}

// CopyTo copies a local file to destination, preserving the destination
// name exactly as given.
func (r *Runner) CopyTo(ctx context.Context, source, destination string, env []string) error {
	return r.run(ctx, env, "copyto", source, destination)
}

func (r *Runner) run(ctx context.Context, env []string, args ...string) error {
	cmd := exec.CommandContext(ctx, r.bin, args...)
	if env != nil {
		cmd.Env = env
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	slog.Info("running rclone", "subcommand", args[0], "destination", args[len(args)-1])
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("rclone %s: %w", args[0], err)
		}
		return fmt.Errorf("rclone %s: %s: %w", args[0], msg, err)
	}
	return nil
}

// RemoteDestination formats the rclone target for an object in a configured
// remote's bucket.
func RemoteDestination(remote, bucket, filename string) string {
	return fmt.Sprintf("%s:%s/%s", remote, bucket, filename)
}
