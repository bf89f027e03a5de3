// Package transcoder drives the ffmpeg and ffprobe binaries: capability
// detection, media probing, HLS argument building and process supervision.
package transcoder

import (
	"context"
	"os/exec"
)

// commandRunner runs a short-lived command and returns its stdout.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}
