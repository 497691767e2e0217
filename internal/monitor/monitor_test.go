package monitor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mrats/mrats/internal/queue"
	"github.com/mrats/mrats/internal/transcribe"
	"github.com/stretchr/testify/require"
)

func TestScanOnceEnqueuesNewStableSegmentAndWritesSidecar(t *testing.T) {
	dir := t.TempDir()
	segPath := filepath.Join(dir, "segment_000.wav")
	require.NoError(t, os.WriteFile(segPath, make([]byte, 4096), 0o644))

	out := queue.New[transcribe.Job]()
	m := New(Config{
		SegmentsDir: dir,
		MinSize:     1024,
		StableDwell: 10 * time.Millisecond,
	}, out)

	time.Sleep(20 * time.Millisecond)
	m.scanOnce(context.Background())

	job, ok := out.TryPop()
	require.True(t, ok)
	require.Equal(t, 0, job.SegmentIndex)
	require.Equal(t, segPath, job.SegmentPath)

	sidecar := filepath.Join(dir, "segment_000.json")
	data, err := os.ReadFile(sidecar)
	require.NoError(t, err)

	var meta Metadata
	require.NoError(t, json.Unmarshal(data, &meta))
	require.Equal(t, 0, meta.Index)
	require.False(t, meta.GateTimedOut)
}

func TestScanOnceSkipsSegmentsAlreadySeen(t *testing.T) {
	dir := t.TempDir()
	segPath := filepath.Join(dir, "segment_000.wav")
	require.NoError(t, os.WriteFile(segPath, make([]byte, 4096), 0o644))

	out := queue.New[transcribe.Job]()
	m := New(Config{SegmentsDir: dir, MinSize: 1024, StableDwell: 10 * time.Millisecond}, out)

	time.Sleep(20 * time.Millisecond)
	m.scanOnce(context.Background())
	_, ok := out.TryPop()
	require.True(t, ok)

	m.scanOnce(context.Background())
	_, ok = out.TryPop()
	require.False(t, ok, "already-seen segment must not be re-enqueued")
}

func TestScanOnceWritesGateTimedOutWhenSegmentNeverStabilizes(t *testing.T) {
	dir := t.TempDir()
	segPath := filepath.Join(dir, "segment_000.wav")
	require.NoError(t, os.WriteFile(segPath, make([]byte, 10), 0o644))

	out := queue.New[transcribe.Job]()
	m := New(Config{SegmentsDir: dir, MinSize: 999999, StableDwell: 10 * time.Millisecond}, out)
	m.cfg.SegmentDuration = -9900 * time.Millisecond // timeout = SegmentDuration+10s = 100ms

	m.handleNewSegment(context.Background(), segPath)

	_, ok := out.TryPop()
	require.False(t, ok)

	sidecar := filepath.Join(dir, "segment_000.json")
	data, err := os.ReadFile(sidecar)
	require.NoError(t, err)
	var meta Metadata
	require.NoError(t, json.Unmarshal(data, &meta))
	require.True(t, meta.GateTimedOut)
}

func TestRunExitsWhenRecordingSetFalse(t *testing.T) {
	dir := t.TempDir()
	out := queue.New[transcribe.Job]()
	m := New(Config{SegmentsDir: dir, MinSize: 1024, StableDwell: 10 * time.Millisecond}, out)
	m.SetRecording(false)

	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not exit after SetRecording(false)")
	}
}

func TestSegmentIndexParsesFilename(t *testing.T) {
	idx, err := segmentIndex("/tmp/x/segment_042.wav")
	require.NoError(t, err)
	require.Equal(t, 42, idx)

	_, err = segmentIndex("/tmp/x/not-a-segment.wav")
	require.Error(t, err)
}
