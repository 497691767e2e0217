package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mrats/mrats/internal/capture"
	"github.com/mrats/mrats/internal/fsm"
	"github.com/mrats/mrats/internal/transcribe"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct{}

func (fakeBackend) Transcribe(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
	return transcribe.Result{
		SubSegments: []transcribe.SubSegment{{Text: "hello from segment", StartMs: 0, EndMs: 1000}},
	}, nil
}

func fakeSegmentWritingFFmpeg(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake ffmpeg script requires a POSIX shell")
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "ffmpeg")
	content := `#!/bin/sh
out=""
prev=""
for arg in "$@"; do
  if [ "$prev" = "-segment_time" ]; then :; fi
  prev="$arg"
done
# find the last argument (the output pattern)
for arg in "$@"; do out="$arg"; done
target=$(echo "$out" | sed 's/%03d/000/')
dd if=/dev/zero of="$target" bs=1024 count=8 2>/dev/null
trap 'exit 0' TERM
while true; do sleep 0.05; done
`
	require.NoError(t, os.WriteFile(script, []byte(content), 0o755))
	return script
}

func TestOrchestratorStartStopWithoutAutomationWritesMetadata(t *testing.T) {
	originalBin := capture.BinaryName
	capture.BinaryName = fakeSegmentWritingFFmpeg(t)
	t.Cleanup(func() { capture.BinaryName = originalBin })

	outputDir := t.TempDir()
	o := New(Config{
		OutputDir:        outputDir,
		Name:             "standup",
		SegmentDuration:  time.Second,
		EnableAutomation: false,
	})

	require.NoError(t, o.Start(context.Background()))
	require.Equal(t, fsm.StateRunning, o.State())

	time.Sleep(150 * time.Millisecond)

	_, err := o.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, fsm.StateIdle, o.State())

	data, err := os.ReadFile(filepath.Join(o.SessionDir(), "metadata.json"))
	require.NoError(t, err)

	var meta Metadata
	require.NoError(t, json.Unmarshal(data, &meta))
	require.NotNil(t, meta.EndTime)
	require.NotNil(t, meta.SegmentCount)
}

func TestOrchestratorStopIsNoopWhenNotRunning(t *testing.T) {
	o := New(Config{OutputDir: t.TempDir()})
	summary, err := o.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, Summary{}, summary)
}

func TestOrchestratorWithAutomationAggregatesTranscriptAndSummary(t *testing.T) {
	originalBin := capture.BinaryName
	capture.BinaryName = fakeSegmentWritingFFmpeg(t)
	t.Cleanup(func() { capture.BinaryName = originalBin })

	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"response": "<<ROLLING_SUMMARY>>\nteam synced\n<</ROLLING_SUMMARY>><<SEGMENT_SUMMARY>>\nsynced on status\n<</SEGMENT_SUMMARY>>",
		})
	}))
	t.Cleanup(ollama.Close)

	outputDir := t.TempDir()
	o := New(Config{
		OutputDir:             outputDir,
		Name:                  "standup",
		SegmentDuration:       time.Second,
		EnableAutomation:      true,
		TranscribeBackend:     fakeBackend{},
		TranscribeMaxAttempts: 1,
		SummarizeOllamaURL:    ollama.URL,
		SummarizeModel:        "llama3",
		SummarizeMaxAttempts:  1,
	})

	require.NoError(t, o.Start(context.Background()))

	require.Eventually(t, func() bool {
		matches, _ := filepath.Glob(filepath.Join(o.segmentsDir, "*.wav"))
		return len(matches) > 0
	}, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	summary, err := o.Stop(ctx)
	require.NoError(t, err)
	require.Equal(t, "team synced", summary.Rolling)

	finalTranscript, err := os.ReadFile(filepath.Join(o.transcriptionDir, "final_transcript.txt"))
	require.NoError(t, err)
	require.Contains(t, string(finalTranscript), "hello from segment")
}

func TestSanitizeNameReplacesHostileCharacters(t *testing.T) {
	require.Equal(t, "a_b_c", sanitizeName("a/b:c"))
	require.Equal(t, "plain", sanitizeName("plain"))
}
