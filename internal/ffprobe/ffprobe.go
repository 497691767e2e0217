// Package ffprobe wraps the ffprobe binary to read media durations, the same
// exec.CommandContext-and-captured-stdout shape the encoder pipeline in the
// retrieval pack uses for ffmpeg itself.
package ffprobe

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// BinaryName is the ffprobe executable looked up on PATH.
var BinaryName = "ffprobe"

// Duration returns the media duration of path by invoking ffprobe.
func Duration(ctx context.Context, path string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, BinaryName,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}

	raw := strings.TrimSpace(stdout.String())
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration output %q: %w", raw, err)
	}

	return time.Duration(seconds * float64(time.Second)), nil
}
