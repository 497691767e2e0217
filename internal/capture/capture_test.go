package capture

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fakeLongRunningFFmpeg(t *testing.T, ignoreSIGTERM bool) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake ffmpeg script requires a POSIX shell")
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "ffmpeg")
	var content string
	if ignoreSIGTERM {
		content = "#!/bin/sh\ntrap '' TERM\nwhile true; do sleep 0.05; done\n"
	} else {
		content = "#!/bin/sh\ntrap 'exit 0' TERM\nwhile true; do sleep 0.05; done\n"
	}
	require.NoError(t, os.WriteFile(script, []byte(content), 0o755))
	return script
}

func TestBuildArgsCombinedSourcesUsesAmixFilter(t *testing.T) {
	args := buildArgs(Options{
		Sources:         Sources{System: "sys.monitor", Mic: "mic.input"},
		SegmentsDir:     "/tmp/segments",
		SegmentDuration: 300 * time.Second,
	})

	require.Contains(t, args, "amix=inputs=2:duration=longest")
	require.Contains(t, args, "sys.monitor")
	require.Contains(t, args, "mic.input")
	require.Contains(t, args, "300")
}

func TestBuildArgsNoSourcesFallsBackToDefault(t *testing.T) {
	args := buildArgs(Options{SegmentsDir: "/tmp/segments", SegmentDuration: 60 * time.Second})

	foundDefault := false
	for i, a := range args {
		if a == "-i" && i+1 < len(args) && args[i+1] == "default" {
			foundDefault = true
		}
	}
	require.True(t, foundDefault)
}

func TestBuildArgsSingleSystemSourceOmitsFilter(t *testing.T) {
	args := buildArgs(Options{
		Sources:         Sources{System: "sys.monitor"},
		SegmentsDir:     "/tmp/segments",
		SegmentDuration: 60 * time.Second,
	})
	require.NotContains(t, args, "-filter_complex")
}

func TestStopSendsSigtermAndWaits(t *testing.T) {
	original := BinaryName
	BinaryName = fakeLongRunningFFmpeg(t, false)
	t.Cleanup(func() { BinaryName = original })

	dir := t.TempDir()
	proc, err := Start(Options{SegmentsDir: filepath.Join(dir, "segments"), SegmentDuration: time.Second})
	require.NoError(t, err)

	start := time.Now()
	err = proc.Stop()
	require.NoError(t, err)
	require.Less(t, time.Since(start), terminateGrace)
}

func TestStopEscalatesToSigkillWhenProcessIgnoresSigterm(t *testing.T) {
	original := BinaryName
	BinaryName = fakeLongRunningFFmpeg(t, true)
	t.Cleanup(func() { BinaryName = original })

	dir := t.TempDir()
	proc, err := Start(Options{SegmentsDir: filepath.Join(dir, "segments"), SegmentDuration: time.Second})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- proc.Stop() }()

	select {
	case <-done:
	case <-time.After(terminateGrace + 3*time.Second):
		t.Fatal("Stop did not escalate to SIGKILL in time")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	original := BinaryName
	BinaryName = fakeLongRunningFFmpeg(t, false)
	t.Cleanup(func() { BinaryName = original })

	dir := t.TempDir()
	proc, err := Start(Options{SegmentsDir: filepath.Join(dir, "segments"), SegmentDuration: time.Second})
	require.NoError(t, err)

	require.NoError(t, proc.Stop())
	require.NoError(t, proc.Stop())
}

func TestStartWritesForensicLog(t *testing.T) {
	original := BinaryName
	BinaryName = fakeLongRunningFFmpeg(t, false)
	t.Cleanup(func() { BinaryName = original })

	dir := t.TempDir()
	logPath := filepath.Join(dir, "capture.log")
	proc, err := Start(Options{
		SegmentsDir: filepath.Join(dir, "segments"),
		SegmentDuration: time.Second,
		LogPath: logPath,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = proc.Stop() })

	_, err = os.Stat(logPath)
	require.NoError(t, err)
}
