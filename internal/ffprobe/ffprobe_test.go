package ffprobe

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeFFprobe writes a tiny shell script that mimics ffprobe's duration output
// so this test never depends on a real ffprobe binary being installed.
func fakeFFprobe(t *testing.T, seconds string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake ffprobe script requires a POSIX shell")
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "ffprobe")
	content := "#!/bin/sh\necho " + seconds + "\n"
	require.NoError(t, os.WriteFile(script, []byte(content), 0o755))
	return script
}

func TestDurationParsesFFprobeOutput(t *testing.T) {
	original := BinaryName
	BinaryName = fakeFFprobe(t, "12.5")
	t.Cleanup(func() { BinaryName = original })

	got, err := Duration(context.Background(), "segment_001.wav")
	require.NoError(t, err)
	require.Equal(t, 12500*time.Millisecond, got)
}

func TestDurationWrapsFailures(t *testing.T) {
	original := BinaryName
	BinaryName = filepath.Join(t.TempDir(), "does-not-exist")
	t.Cleanup(func() { BinaryName = original })

	_, err := Duration(context.Background(), "segment_001.wav")
	require.Error(t, err)
}
