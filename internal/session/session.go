// Package session coordinates one recording session's lifecycle: directory
// layout creation, spawning/stopping the capture subprocess, starting the
// segment monitor and the two pipeline workers, and draining + aggregating
// their output on stop.
//
// Grounded on meeting_recorder.py's MeetingRecorder (start_recording /
// stop_recording / _write_session_metadata) and an fsm-backed lifecycle
// controller shape.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mrats/mrats/internal/atomicfile"
	"github.com/mrats/mrats/internal/capture"
	"github.com/mrats/mrats/internal/fsm"
	"github.com/mrats/mrats/internal/metrics"
	"github.com/mrats/mrats/internal/monitor"
	"github.com/mrats/mrats/internal/queue"
	"github.com/mrats/mrats/internal/summarize"
	"github.com/mrats/mrats/internal/transcribe"
	"github.com/sirupsen/logrus"
)

const drainPollInterval = 200 * time.Millisecond

// Sources describes the PulseAudio sources feeding the capture subprocess.
type Sources struct {
	System   string
	Mic      string
	Combined bool
}

// Config controls one Orchestrator.
type Config struct {
	OutputDir       string
	Name            string // custom session folder prefix; "meeting" if empty
	Sources         Sources
	SegmentDuration time.Duration
	EnableAutomation bool

	TranscribeBackend    transcribe.Backend
	TranscribeModelPath  string
	TranscribeThreads    int
	TranscribeLanguage   string
	PreRoll              time.Duration
	PadSilence           time.Duration
	TranscribeMaxAttempts int

	SummarizeOllamaURL    string
	SummarizeModel        string
	SummarizeSystemPrompt string
	SummarizeBatchSize    int
	SummarizeMaxAttempts  int

	MetricsEnabled bool
	MetricsDirName string

	Logger *logrus.Logger
}

// Metadata is the session-level metadata.json document, written once at
// start and rewritten with the trailing fields at stop.
type Metadata struct {
	StartTime         time.Time  `json:"start_time"`
	EndTime           *time.Time `json:"end_time,omitempty"`
	SegmentDuration   int        `json:"segment_duration"`
	Sources           Sources    `json:"sources"`
	Format            string     `json:"format"`
	AutomationEnabled bool       `json:"automation_enabled"`
	DurationSeconds   *float64   `json:"duration_seconds,omitempty"`
	SegmentCount      *int       `json:"segment_count,omitempty"`
	TotalSizeMB       *float64   `json:"total_size_mb,omitempty"`
}

// Summary bundles the session's summary artifacts, mirroring the way the
// teacher's session.Result bundles lifecycle outputs.
type Summary struct {
	Rolling string
	Final   string
	Batches []string
}

// Orchestrator owns one session's lifecycle from start through drained stop.
type Orchestrator struct {
	cfg Config

	mu    sync.RWMutex
	state fsm.State

	sessionDir       string
	segmentsDir      string
	transcriptionDir string
	summariesDir     string
	metricsDir       string
	metadataPath     string
	startedAt        time.Time

	captureProc *capture.Process
	mon         *monitor.Monitor

	transcribeQueue  *queue.Queue[transcribe.Job]
	summarizeQueue   *queue.Queue[summarize.Job]
	transcribeWorker *transcribe.Worker
	summarizeWorker  *summarize.Worker

	workersCancel context.CancelFunc
	workersDone   chan struct{}

	metricsSink *metrics.Sink
}

// New constructs an idle Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.MetricsDirName == "" {
		cfg.MetricsDirName = "metrics"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Orchestrator{cfg: cfg, state: fsm.StateIdle}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() fsm.State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) transition(event fsm.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	next, err := fsm.Transition(o.state, event)
	if err != nil {
		return err
	}
	o.state = next
	return nil
}

// Start creates the session directory layout, spawns the capture subprocess,
// and (if automation is enabled) starts the segment monitor and the
// transcription/summarization workers.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.transition(fsm.EventStart); err != nil {
		return err
	}

	o.startedAt = time.Now()
	if err := o.initDirectories(); err != nil {
		_ = o.transition(fsm.EventFail)
		return fmt.Errorf("init session directories: %w", err)
	}

	if err := o.writeMetadata(nil); err != nil {
		o.cfg.Logger.WithFields(logrus.Fields{"component": "session", "error": err}).Warn("write initial metadata failed")
	}

	if o.cfg.MetricsEnabled {
		sink, err := metrics.Open(filepath.Join(o.metricsDir, "metrics.ndjson"))
		if err != nil {
			o.cfg.Logger.WithFields(logrus.Fields{"component": "session", "error": err}).Warn("open metrics sink failed")
		} else {
			o.metricsSink = sink
		}
	}

	proc, err := capture.Start(capture.Options{
		Sources: capture.Sources{
			System: o.cfg.Sources.System,
			Mic:    o.cfg.Sources.Mic,
		},
		SegmentsDir:     o.segmentsDir,
		SegmentDuration: o.cfg.SegmentDuration,
		LogPath:         filepath.Join(o.sessionDir, "capture.log"),
		Logger:          o.cfg.Logger,
	})
	if err != nil {
		_ = o.transition(fsm.EventFail)
		return fmt.Errorf("start capture: %w", err)
	}
	o.captureProc = proc

	if o.cfg.EnableAutomation {
		o.startWorkers()
	}

	return nil
}

func (o *Orchestrator) initDirectories() error {
	dateDir := filepath.Join(o.cfg.OutputDir, time.Now().Format("2006-01-02"))
	name := sanitizeName(o.cfg.Name)
	if name == "" {
		name = "meeting"
	}
	sessionFolder := fmt.Sprintf("%s_%s", name, time.Now().Format("150405"))
	o.sessionDir = filepath.Join(dateDir, sessionFolder)

	o.segmentsDir = filepath.Join(o.sessionDir, "segments")
	o.transcriptionDir = filepath.Join(o.sessionDir, "transcription")
	o.summariesDir = filepath.Join(o.sessionDir, "summaries")
	o.metricsDir = filepath.Join(o.sessionDir, o.cfg.MetricsDirName)
	o.metadataPath = filepath.Join(o.sessionDir, "metadata.json")

	for _, dir := range []string{o.segmentsDir, o.transcriptionDir, o.summariesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// sanitizeName replaces filesystem-hostile characters, per
// meeting_recorder.py.start_recording's base_name sanitization.
func sanitizeName(name string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_",
		"?", "_", "\"", "_", "<", "_", ">", "_", "|", "_",
	)
	return replacer.Replace(strings.TrimSpace(name))
}

func (o *Orchestrator) startWorkers() {
	o.transcribeQueue = queue.New[transcribe.Job]()
	o.summarizeQueue = queue.New[summarize.Job]()

	o.transcribeWorker = transcribe.NewWorker(transcribe.Config{
		Backend:          o.cfg.TranscribeBackend,
		SegmentsDir:      o.segmentsDir,
		TranscriptionDir: o.transcriptionDir,
		ModelPath:        o.cfg.TranscribeModelPath,
		Threads:          o.cfg.TranscribeThreads,
		Language:         o.cfg.TranscribeLanguage,
		PreRoll:          o.cfg.PreRoll,
		PadSilence:       o.cfg.PadSilence,
		MaxAttempts:      o.cfg.TranscribeMaxAttempts,
		Logger:           o.cfg.Logger,
		Metrics:          o.metricsSink,
	}, o.transcribeQueue, o.summarizeQueue)

	o.summarizeWorker = summarize.NewWorker(summarize.Config{
		OllamaURL:    o.cfg.SummarizeOllamaURL,
		Model:        o.cfg.SummarizeModel,
		SystemPrompt: o.cfg.SummarizeSystemPrompt,
		MaxAttempts:  o.cfg.SummarizeMaxAttempts,
		BatchSize:    o.cfg.SummarizeBatchSize,
		SummariesDir: o.summariesDir,
		Logger:       o.cfg.Logger,
		Metrics:      o.metricsSink,
	}, o.summarizeQueue)

	o.mon = monitor.New(monitor.Config{
		SegmentsDir:     o.segmentsDir,
		SegmentDuration: o.cfg.SegmentDuration,
		Logger:          o.cfg.Logger,
	}, o.transcribeQueue)

	workersCtx, cancel := context.WithCancel(context.Background())
	o.workersCancel = cancel
	o.workersDone = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); o.mon.Run(workersCtx) }()
	go func() { defer wg.Done(); o.transcribeWorker.Run(workersCtx) }()
	go func() { defer wg.Done(); o.summarizeWorker.Run(workersCtx) }()
	go func() {
		wg.Wait()
		close(o.workersDone)
	}()
}

// Stop halts the capture subprocess, drains the pipeline, aggregates final
// output, and rewrites metadata.json with trailing fields. It is idempotent:
// calling Stop when not running is a no-op.
func (o *Orchestrator) Stop(ctx context.Context) (Summary, error) {
	if o.State() != fsm.StateRunning {
		return Summary{}, nil
	}
	if err := o.transition(fsm.EventStopRequested); err != nil {
		return Summary{}, err
	}

	if o.mon != nil {
		o.mon.SetRecording(false)
	}
	if o.captureProc != nil {
		if err := o.captureProc.Stop(); err != nil {
			o.cfg.Logger.WithFields(logrus.Fields{"component": "session", "error": err}).Warn("stop capture subprocess failed")
		}
	}

	var summary Summary
	if o.cfg.EnableAutomation && o.transcribeWorker != nil {
		o.drain(ctx)
		if o.workersCancel != nil {
			o.workersCancel()
		}
		if o.workersDone != nil {
			<-o.workersDone
		}

		if err := o.aggregateFinalTranscript(); err != nil {
			o.cfg.Logger.WithFields(logrus.Fields{"component": "session", "error": err}).Warn("aggregate final transcript failed")
		}

		final, err := o.summarizeWorker.FinalizeSummary(ctx)
		if err != nil {
			o.cfg.Logger.WithFields(logrus.Fields{"component": "session", "error": err}).Warn("finalize summary failed")
		}
		summary.Final = final
		summary.Rolling = o.summarizeWorker.RollingSummary()
	}

	if err := o.writeFinalMetadata(); err != nil {
		o.cfg.Logger.WithFields(logrus.Fields{"component": "session", "error": err}).Warn("write final metadata failed")
	}

	if o.metricsSink != nil {
		_ = o.metricsSink.Close()
	}

	if err := o.transition(fsm.EventDrained); err != nil {
		return summary, err
	}
	return summary, nil
}

// drain blocks until both queues are empty and both workers are idle, with
// no hard deadline: losing buffered transcript/summary data on stop is not
// acceptable.
func (o *Orchestrator) drain(ctx context.Context) {
	for {
		queuesEmpty := o.transcribeQueue.Len() == 0 && o.summarizeQueue.Len() == 0
		workersIdle := o.transcribeWorker.Idle() && o.summarizeWorker.Idle()
		if queuesEmpty && workersIdle {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(drainPollInterval):
		}
	}
}

// aggregateFinalTranscript enumerates per-segment transcript.json sidecars in
// lexicographic (== index) order and merges their sub-segments into
// final_transcript.{txt,json}. If no segment produced a transcript, it
// writes neither file: final_transcript.txt exists iff at least one
// transcript was produced.
func (o *Orchestrator) aggregateFinalTranscript() error {
	matches, err := filepath.Glob(filepath.Join(o.transcriptionDir, "segment_*_transcript.json"))
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return nil
	}
	sort.Strings(matches)

	var texts []string
	var segments []transcribe.SubSegment

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var artifact transcribe.Artifact
		if err := json.Unmarshal(data, &artifact); err != nil {
			continue
		}

		segments = append(segments, artifact.Segments...)

		subTexts := make([]string, len(artifact.Segments))
		for i, s := range artifact.Segments {
			subTexts[i] = s.Text
		}
		texts = append(texts, strings.Join(subTexts, " "))
	}

	combined := strings.Join(texts, "\n\n")
	if err := atomicfile.Write(filepath.Join(o.transcriptionDir, "final_transcript.txt"), []byte(combined), 0o644); err != nil {
		return err
	}

	data, err := json.MarshalIndent(struct {
		Segments []transcribe.SubSegment `json:"segments"`
	}{Segments: segments}, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.Write(filepath.Join(o.transcriptionDir, "final_transcript.json"), data, 0o644)
}

func (o *Orchestrator) writeMetadata(extra *Metadata) error {
	meta := Metadata{
		StartTime:         o.startedAt,
		SegmentDuration:   int(o.cfg.SegmentDuration.Seconds()),
		Sources:           o.cfg.Sources,
		Format:            "wav",
		AutomationEnabled: o.cfg.EnableAutomation,
	}
	if extra != nil {
		meta.EndTime = extra.EndTime
		meta.DurationSeconds = extra.DurationSeconds
		meta.SegmentCount = extra.SegmentCount
		meta.TotalSizeMB = extra.TotalSizeMB
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.Write(o.metadataPath, data, 0o644)
}

func (o *Orchestrator) writeFinalMetadata() error {
	now := time.Now()
	duration := now.Sub(o.startedAt).Seconds()

	segmentCount := 0
	var totalSizeMB float64
	entries, err := os.ReadDir(o.segmentsDir)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".wav" {
				continue
			}
			segmentCount++
			if info, err := entry.Info(); err == nil {
				totalSizeMB += float64(info.Size()) / (1024 * 1024)
			}
		}
	}
	totalSizeMB = roundTo2(totalSizeMB)

	return o.writeMetadata(&Metadata{
		EndTime:         &now,
		DurationSeconds: &duration,
		SegmentCount:    &segmentCount,
		TotalSizeMB:     &totalSizeMB,
	})
}

func roundTo2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

// SessionDir returns the resolved session directory, valid only after Start.
func (o *Orchestrator) SessionDir() string {
	return o.sessionDir
}
