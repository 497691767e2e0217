package transcribe

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mrats/mrats/internal/atomicfile"
	"github.com/mrats/mrats/internal/ctxwav"
	"github.com/mrats/mrats/internal/ffprobe"
	"github.com/mrats/mrats/internal/metrics"
	"github.com/mrats/mrats/internal/queue"
	"github.com/mrats/mrats/internal/retry"
	"github.com/mrats/mrats/internal/summarize"
	"github.com/mrats/mrats/internal/transcript"
	"github.com/sirupsen/logrus"
)

// Job is one unit of work handed from the segment monitor to the worker.
type Job struct {
	SegmentPath string
	SegmentIndex int
}

// Config controls one Worker's behavior. Backend, SegmentsDir, and
// TranscriptionDir are required.
type Config struct {
	Backend          Backend
	SegmentsDir      string
	TranscriptionDir string

	ModelPath string
	Threads   int
	Language  string

	PreRoll    time.Duration
	PadSilence time.Duration

	MaxAttempts int // bounded retry per segment

	Logger  *logrus.Logger
	Metrics *metrics.Sink
}

// Worker is the single consumer of the transcription queue.
type Worker struct {
	cfg Config
	in  *queue.Queue[Job]
	out *queue.Queue[summarize.Job]

	busy atomic.Bool
}

// NewWorker constructs a transcription worker wired to its input/output queues.
func NewWorker(cfg Config, in *queue.Queue[Job], out *queue.Queue[summarize.Job]) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Worker{cfg: cfg, in: in, out: out}
}

// Idle reports whether the worker is between jobs.
func (w *Worker) Idle() bool {
	return !w.busy.Load()
}

// Run drains the input queue until ctx is cancelled, observing cancellation
// on a 1s queue-poll timeout exactly like the Python pipeline's
// `Queue.get(timeout=1)` loop.
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
	start := time.Now()
	waitStart := start

	logger := w.cfg.Logger
	segBase := fmt.Sprintf("segment_%03d", job.SegmentIndex)

	curDuration, err := ffprobe.Duration(ctx, job.SegmentPath)
	if err != nil {
		logger.WithFields(logrus.Fields{"component": "transcribe", "segment_index": job.SegmentIndex, "error": err}).
			Warn("probe segment duration failed")
	}

	prevPath := ""
	if job.SegmentIndex > 0 {
		candidate := filepath.Join(w.cfg.SegmentsDir, fmt.Sprintf("segment_%03d.wav", job.SegmentIndex-1))
		prevPath = candidate
	}

	ctxReport, err := ctxwav.Build(ctx, prevPath, job.SegmentPath, ctxwav.Options{
		PreRoll:    w.cfg.PreRoll,
		PadSilence: w.cfg.PadSilence,
	})
	if err != nil {
		logger.WithFields(logrus.Fields{"component": "transcribe", "segment_index": job.SegmentIndex, "error": err}).
			Warn("context wav build failed; using raw segment")
		ctxReport = ctxwav.Report{Path: job.SegmentPath}
	}
	if ctxReport.IsTemporary {
		defer removeQuiet(ctxReport.Path)
	}

	processStart := time.Now()
	waitDuration := processStart.Sub(waitStart)

	var result Result
	attemptErr := retry.Do(ctx, w.cfg.MaxAttempts, func() error {
		var innerErr error
		result, innerErr = w.cfg.Backend.Transcribe(ctx, Request{
			WAVPath:   ctxReport.Path,
			ModelPath: w.cfg.ModelPath,
			Threads:   w.cfg.Threads,
			Language:  w.cfg.Language,
		})
		return innerErr
	})

	var rawText string
	var rawSubs []SubSegment
	if attemptErr != nil {
		logger.WithFields(logrus.Fields{"component": "transcribe", "segment_index": job.SegmentIndex, "error": attemptErr}).
			Warn("transcription failed after retries; yielding empty transcript")
	} else {
		rawSubs = result.SubSegments
		rawText = rawTranscriptText(result)
	}

	txtPath := filepath.Join(w.cfg.TranscriptionDir, segBase+"_transcript.txt")
	jsonPath := filepath.Join(w.cfg.TranscriptionDir, segBase+"_transcript.json")

	// Persist the raw, pre-refinement transcript first. If refinement below
	// ends up discarding every sub-segment (all spilled past the cut), this
	// raw artifact is what survives instead of an empty transcript.
	w.writeArtifact(txtPath, jsonPath, job.SegmentIndex, job.SegmentPath, rawText, rawSubs)

	finalText, finalSubs := rawText, rawSubs
	if attemptErr == nil {
		refinedText, refinedSubs := Refine(rawSubs, ctxReport.PrevTailMs, curDuration.Milliseconds())
		if strings.TrimSpace(refinedText) != "" && refinedText != rawText {
			finalText, finalSubs = refinedText, refinedSubs
			w.writeArtifact(txtPath, jsonPath, job.SegmentIndex, job.SegmentPath, finalText, finalSubs)
		}
	}

	processDuration := time.Since(processStart)
	idx := job.SegmentIndex
	w.cfg.Metrics.Emit("transcription", &idx, nil, waitDuration, processDuration, w.in.Len(), w.out.Len(), metrics.CharCounts{Transcript: len(finalText)})

	w.out.Push(summarize.Job{SegmentPath: job.SegmentPath, SegmentIndex: job.SegmentIndex, Text: finalText})
}

// rawTranscriptText renders a backend result's pre-refinement text: the
// sub-segments joined in order, or RawText when a backend returns no
// timestamped sub-segments at all.
func rawTranscriptText(result Result) string {
	if len(result.SubSegments) == 0 {
		return strings.TrimSpace(result.RawText)
	}
	texts := make([]string, len(result.SubSegments))
	for i, s := range result.SubSegments {
		texts[i] = s.Text
	}
	return transcript.Assemble(texts, transcript.Options{})
}

func (w *Worker) writeArtifact(txtPath, jsonPath string, segmentIndex int, segmentPath, text string, subs []SubSegment) {
	logger := w.cfg.Logger

	if err := atomicfile.Write(txtPath, []byte(text), 0o644); err != nil {
		logger.WithFields(logrus.Fields{"component": "transcribe", "segment_index": segmentIndex, "error": err}).
			Warn("write transcript txt failed")
	}

	artifact := Artifact{SegmentPath: segmentPath, Segments: subs}
	if data, err := marshalArtifact(artifact); err == nil {
		if err := atomicfile.Write(jsonPath, data, 0o644); err != nil {
			logger.WithFields(logrus.Fields{"component": "transcribe", "segment_index": segmentIndex, "error": err}).
				Warn("write transcript json failed")
		}
	}
}

func removeQuiet(path string) {
	_ = removeFile(path)
}
