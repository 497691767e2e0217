package summarize

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mrats/mrats/internal/queue"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, responses []string) *httptest.Server {
	t.Helper()
	call := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := responses[call]
		if call < len(responses)-1 {
			call++
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(generateResponse{Response: resp})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestParseTagsExtractsBothSections(t *testing.T) {
	response := "blah\n<<ROLLING_SUMMARY>>\nUpdated rolling text\n<</ROLLING_SUMMARY>>\n" +
		"<<SEGMENT_SUMMARY>>\nNew info only\n<</SEGMENT_SUMMARY>>\n"

	rolling, segment := parseTags(response, "prior")
	require.Equal(t, "Updated rolling text", rolling)
	require.Equal(t, "New info only", segment)
}

func TestParseTagsFallsBackWhenRollingTagMissing(t *testing.T) {
	response := "<<SEGMENT_SUMMARY>>\njust this\n<</SEGMENT_SUMMARY>>"
	rolling, segment := parseTags(response, "prior rolling summary")
	require.Equal(t, "prior rolling summary", rolling)
	require.Equal(t, "just this", segment)
}

func TestParseTagsFallsBackWhenSegmentTagMissing(t *testing.T) {
	response := "<<ROLLING_SUMMARY>>\nnew rolling\n<</ROLLING_SUMMARY>>"
	rolling, segment := parseTags(response, "prior")
	require.Equal(t, "new rolling", rolling)
	require.Equal(t, response, segment)
}

func TestProcessSkipsEmptyTranscript(t *testing.T) {
	dir := t.TempDir()
	in := queue.New[Job]()
	w := NewWorker(Config{SummariesDir: dir}, in)

	w.process(context.Background(), Job{SegmentPath: "segment_000.wav", SegmentIndex: 0, Text: "   "})

	require.Equal(t, "", w.RollingSummary())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestProcessUpdatesRollingSummaryAndWritesFiles(t *testing.T) {
	dir := t.TempDir()
	server := newTestServer(t, []string{
		"<<ROLLING_SUMMARY>>\nteam discussed budget\n<</ROLLING_SUMMARY>>\n<<SEGMENT_SUMMARY>>\nbudget discussion started\n<</SEGMENT_SUMMARY>>",
	})

	in := queue.New[Job]()
	w := NewWorker(Config{OllamaURL: server.URL, Model: "llama3", SummariesDir: dir}, in)

	w.process(context.Background(), Job{SegmentPath: "segment_000.wav", SegmentIndex: 0, Text: "we need to talk about budget"})

	require.Equal(t, "team discussed budget", w.RollingSummary())

	segData, err := os.ReadFile(filepath.Join(dir, "segment_000_summary.md"))
	require.NoError(t, err)
	require.Equal(t, "budget discussion started", string(segData))

	rollingData, err := os.ReadFile(filepath.Join(dir, "rolling_summary.md"))
	require.NoError(t, err)
	require.Equal(t, "team discussed budget", string(rollingData))
}

func TestBatchFlushesAtBatchSizeAndWritesBatchFile(t *testing.T) {
	dir := t.TempDir()
	server := newTestServer(t, []string{
		"<<ROLLING_SUMMARY>>\nr1\n<</ROLLING_SUMMARY>><<SEGMENT_SUMMARY>>\ns1\n<</SEGMENT_SUMMARY>>",
		"<<ROLLING_SUMMARY>>\nr2\n<</ROLLING_SUMMARY>><<SEGMENT_SUMMARY>>\ns2\n<</SEGMENT_SUMMARY>>",
		"batch digest of both segments",
	})

	in := queue.New[Job]()
	w := NewWorker(Config{OllamaURL: server.URL, Model: "llama3", SummariesDir: dir, BatchSize: 2}, in)

	w.process(context.Background(), Job{SegmentPath: "segment_000.wav", SegmentIndex: 0, Text: "first segment text"})
	w.process(context.Background(), Job{SegmentPath: "segment_001.wav", SegmentIndex: 1, Text: "second segment text"})

	data, err := os.ReadFile(filepath.Join(dir, "batch_001_summary.md"))
	require.NoError(t, err)
	require.Equal(t, "batch digest of both segments", string(data))
}

func TestFinalizeSummarySynthesizesFromBatches(t *testing.T) {
	dir := t.TempDir()
	server := newTestServer(t, []string{
		"<<ROLLING_SUMMARY>>\nr1\n<</ROLLING_SUMMARY>><<SEGMENT_SUMMARY>>\ns1\n<</SEGMENT_SUMMARY>>",
		"batch one digest",
		"final synthesized summary",
	})

	in := queue.New[Job]()
	w := NewWorker(Config{OllamaURL: server.URL, Model: "llama3", SummariesDir: dir, BatchSize: 1}, in)

	w.process(context.Background(), Job{SegmentPath: "segment_000.wav", SegmentIndex: 0, Text: "segment text"})

	final, err := w.FinalizeSummary(context.Background())
	require.NoError(t, err)
	require.Equal(t, "final synthesized summary", final)

	data, err := os.ReadFile(filepath.Join(dir, "final_summary.md"))
	require.NoError(t, err)
	require.Equal(t, "final synthesized summary", string(data))
}

func TestFinalizeSummaryFallsBackToRollingWhenNoBatches(t *testing.T) {
	dir := t.TempDir()
	in := queue.New[Job]()
	w := NewWorker(Config{SummariesDir: dir}, in)

	w.mu.Lock()
	w.rollingSummary = "only the rolling summary exists"
	w.mu.Unlock()

	final, err := w.FinalizeSummary(context.Background())
	require.NoError(t, err)
	require.Equal(t, "only the rolling summary exists", final)
}

func TestRunProcessesQueuedJobsUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	server := newTestServer(t, []string{
		"<<ROLLING_SUMMARY>>\nr\n<</ROLLING_SUMMARY>><<SEGMENT_SUMMARY>>\ns\n<</SEGMENT_SUMMARY>>",
	})

	in := queue.New[Job]()
	w := NewWorker(Config{OllamaURL: server.URL, Model: "llama3", SummariesDir: dir}, in)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	in.Push(Job{SegmentPath: "segment_000.wav", SegmentIndex: 0, Text: "hello"})

	require.Eventually(t, func() bool {
		return w.RollingSummary() == "r"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}
