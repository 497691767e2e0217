// Package summarize implements the summarization worker: it consumes
// transcribed segments, maintains an in-memory rolling summary, talks to an
// Ollama-compatible /api/generate endpoint with a tagged prompt, and (when
// batching is enabled) synthesizes a final meeting summary on drain.
//
// Grounded on processing_pipeline.py's summarize / _synthesize_final_summary
// and its _extract_tag regex-based parsing.
package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrats/mrats/internal/atomicfile"
	"github.com/mrats/mrats/internal/metrics"
	"github.com/mrats/mrats/internal/queue"
	"github.com/mrats/mrats/internal/retry"
	"github.com/mrats/mrats/internal/transcript"
	"github.com/sirupsen/logrus"
)

var (
	rollingTagPattern = regexp.MustCompile(`(?is)<<ROLLING_SUMMARY>>(.*?)<</ROLLING_SUMMARY>>`)
	segmentTagPattern = regexp.MustCompile(`(?is)<<SEGMENT_SUMMARY>>(.*?)<</SEGMENT_SUMMARY>>`)
)

// Job is one unit of work handed from the transcription worker.
type Job struct {
	SegmentPath  string
	SegmentIndex int
	Text         string // empty short-circuits: no summary write, rolling unchanged
}

// Config controls one Worker's behavior.
type Config struct {
	OllamaURL    string
	Model        string
	SystemPrompt string
	HTTPTimeout  time.Duration
	MaxAttempts  int

	BatchSize     int // 0 disables batching
	SummariesDir  string

	Logger  *logrus.Logger
	Metrics *metrics.Sink
	Client  *http.Client
}

// Worker is the single consumer of the summarization queue. The rolling
// summary is private state, confined to this worker's own address space.
type Worker struct {
	cfg Config
	in  *queue.Queue[Job]

	mu             sync.Mutex
	rollingSummary string
	segmentsDone   int
	batchTexts     []string
	batchSummaries []string
	batchCount     int

	busy atomic.Bool
}

// NewWorker constructs a summarization worker wired to its input queue.
func NewWorker(cfg Config, in *queue.Queue[Job]) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	return &Worker{cfg: cfg, in: in}
}

// Idle reports whether the worker is between jobs.
func (w *Worker) Idle() bool {
	return !w.busy.Load()
}

// RollingSummary returns a snapshot of the current in-memory rolling summary.
func (w *Worker) RollingSummary() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rollingSummary
}

// Run drains the input queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.in.Signal():
		case <-time.After(time.Second):
		}

		for {
			job, ok := w.in.TryPop()
			if !ok {
				break
			}
			w.busy.Store(true)
			w.process(ctx, job)
			w.busy.Store(false)
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, job Job) {
	waitStart := time.Now()

	if strings.TrimSpace(job.Text) == "" {
		w.cfg.Logger.WithFields(logrus.Fields{"component": "summarize", "segment_index": job.SegmentIndex}).
			Warn("empty transcript; skipping summarization")
		idx := job.SegmentIndex
		w.cfg.Metrics.Emit("summarization", &idx, nil, time.Since(waitStart), 0, w.in.Len(), 0, metrics.CharCounts{})
		return
	}

	processStart := time.Now()

	w.mu.Lock()
	priorRolling := w.rollingSummary
	w.mu.Unlock()

	prompt := buildPrompt(w.cfg.SystemPrompt, priorRolling, job.Text)

	response, err := w.generate(ctx, prompt)
	if err != nil {
		w.cfg.Logger.WithFields(logrus.Fields{"component": "summarize", "segment_index": job.SegmentIndex, "error": err}).
			Warn("summarization request failed; rolling summary unchanged")
		return
	}

	rolling, segment := parseTags(response, priorRolling)

	w.mu.Lock()
	w.rollingSummary = rolling
	w.segmentsDone++
	if w.cfg.BatchSize > 0 {
		w.batchTexts = append(w.batchTexts, job.Text)
	}
	w.mu.Unlock()

	segPath := fmt.Sprintf("%s/segment_%03d_summary.md", w.cfg.SummariesDir, job.SegmentIndex)
	if err := atomicfile.Write(segPath, []byte(segment), 0o644); err != nil {
		w.cfg.Logger.WithFields(logrus.Fields{"component": "summarize", "segment_index": job.SegmentIndex, "error": err}).
			Warn("write segment summary failed")
	}

	rollingPath := fmt.Sprintf("%s/rolling_summary.md", w.cfg.SummariesDir)
	if err := atomicfile.Write(rollingPath, []byte(rolling), 0o644); err != nil {
		w.cfg.Logger.WithFields(logrus.Fields{"component": "summarize", "error": err}).
			Warn("write rolling summary failed")
	}

	if w.cfg.BatchSize > 0 {
		w.maybeFlushBatch(ctx)
	}

	idx := job.SegmentIndex
	w.cfg.Metrics.Emit("summarization", &idx, nil, processStart.Sub(waitStart), time.Since(processStart), w.in.Len(), 0, metrics.CharCounts{Transcript: len(job.Text)})
}

// maybeFlushBatch summarizes and persists a batch once BatchSize transcripts
// have accumulated since the last flush.
func (w *Worker) maybeFlushBatch(ctx context.Context) {
	w.mu.Lock()
	ready := len(w.batchTexts) >= w.cfg.BatchSize
	var texts []string
	if ready {
		texts = w.batchTexts
		w.batchTexts = nil
		w.batchCount++
	}
	batchIndex := w.batchCount
	w.mu.Unlock()

	if !ready {
		return
	}

	// Batched segments span several rolling-summary turns, so unlike a single
	// segment's transcript there's enough surrounding context here to
	// classify sentence boundaries and pronoun casing reliably.
	concatenated := transcript.Assemble(texts, transcript.Options{CapitalizeSentences: true})
	prompt := buildBatchPrompt(w.cfg.SystemPrompt, concatenated)

	response, err := w.generate(ctx, prompt)
	if err != nil {
		w.cfg.Logger.WithFields(logrus.Fields{"component": "summarize", "batch_index": batchIndex, "error": err}).
			Warn("batch summarization request failed")
		return
	}

	w.mu.Lock()
	w.batchSummaries = append(w.batchSummaries, response)
	w.mu.Unlock()

	path := fmt.Sprintf("%s/batch_%03d_summary.md", w.cfg.SummariesDir, batchIndex)
	if err := atomicfile.Write(path, []byte(response), 0o644); err != nil {
		w.cfg.Logger.WithFields(logrus.Fields{"component": "summarize", "batch_index": batchIndex, "error": err}).
			Warn("write batch summary failed")
	}

	idx := batchIndex
	w.cfg.Metrics.Emit("summarization_batch", nil, &idx, 0, 0, 0, 0, metrics.CharCounts{Batch: len(response)})
}

// FinalizeSummary runs on drain: if batch summaries were buffered, synthesize
// a final digest over their concatenation; otherwise the rolling summary
// already on disk is the final summary. Either way, final_summary.md is
// (re)written.
func (w *Worker) FinalizeSummary(ctx context.Context) (string, error) {
	w.mu.Lock()
	rolling := w.rollingSummary
	batchSummaries := append([]string(nil), w.batchSummaries...)
	w.mu.Unlock()

	final := rolling
	if len(batchSummaries) > 0 {
		prompt := buildFinalSynthesisPrompt(w.cfg.SystemPrompt, strings.Join(batchSummaries, "\n\n"))
		response, err := w.generate(ctx, prompt)
		if err == nil && strings.TrimSpace(response) != "" {
			final = response
		}
	}

	path := fmt.Sprintf("%s/final_summary.md", w.cfg.SummariesDir)
	if err := atomicfile.Write(path, []byte(final), 0o644); err != nil {
		return final, fmt.Errorf("write final summary: %w", err)
	}

	w.cfg.Metrics.Emit("final_summary", nil, nil, 0, 0, 0, 0, metrics.CharCounts{Final: len(final)})
	return final, nil
}

func (w *Worker) generate(ctx context.Context, prompt string) (string, error) {
	var response string
	err := retry.Do(ctx, w.cfg.MaxAttempts, func() error {
		var innerErr error
		response, innerErr = w.post(ctx, prompt)
		return innerErr
	})
	return response, err
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

func (w *Worker) post(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Model: w.cfg.Model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", err
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.cfg.HTTPTimeout)
	defer cancel()

	url := strings.TrimRight(w.cfg.OllamaURL, "/") + "/api/generate"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.cfg.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post to ollama: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("ollama returned HTTP %d: %s", resp.StatusCode, string(data))
	}

	var parsed generateResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("parse ollama response: %w", err)
	}
	return parsed.Response, nil
}

func buildPrompt(systemPrompt, priorRolling, transcript string) string {
	var b strings.Builder
	if systemPrompt != "" {
		b.WriteString(systemPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString("Prior rolling summary:\n")
	b.WriteString(priorRolling)
	b.WriteString("\n\nNew transcript segment:\n")
	b.WriteString(transcript)
	b.WriteString("\n\nRespond with an updated rolling summary and a new-information-only segment summary, using exactly this tagged format:\n")
	b.WriteString("<<ROLLING_SUMMARY>>\n<updated rolling summary>\n<</ROLLING_SUMMARY>>\n")
	b.WriteString("<<SEGMENT_SUMMARY>>\n<new-information-only concise summary>\n<</SEGMENT_SUMMARY>>\n")
	return b.String()
}

func buildBatchPrompt(systemPrompt, concatenatedTranscripts string) string {
	var b strings.Builder
	if systemPrompt != "" {
		b.WriteString(systemPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString("Summarize the following contiguous group of transcript segments as one concise batch summary:\n\n")
	b.WriteString(concatenatedTranscripts)
	return b.String()
}

func buildFinalSynthesisPrompt(systemPrompt, concatenatedBatchSummaries string) string {
	var b strings.Builder
	if systemPrompt != "" {
		b.WriteString(systemPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString("Synthesize the following batch summaries into one cohesive final meeting summary:\n\n")
	b.WriteString(concatenatedBatchSummaries)
	return b.String()
}

// parseTags extracts the two tagged sections. Missing ROLLING_SUMMARY
// retains the prior rolling text; missing SEGMENT_SUMMARY uses the entire
// raw response.
func parseTags(response, priorRolling string) (rolling, segment string) {
	rolling = priorRolling
	if m := rollingTagPattern.FindStringSubmatch(response); m != nil {
		rolling = strings.TrimSpace(m[1])
	}

	segment = strings.TrimSpace(response)
	if m := segmentTagPattern.FindStringSubmatch(response); m != nil {
		segment = strings.TrimSpace(m[1])
	}

	return rolling, segment
}
