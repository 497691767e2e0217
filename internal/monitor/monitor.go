// Package monitor implements the segment monitor: it polls the segments
// directory for new files written by the capture subprocess, gates each one
// for write-stability, records a metadata sidecar, and enqueues it for
// transcription.
//
// Grounded on meeting_recorder.py's _monitor_segments background thread.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mrats/mrats/internal/atomicfile"
	"github.com/mrats/mrats/internal/gate"
	"github.com/mrats/mrats/internal/queue"
	"github.com/mrats/mrats/internal/transcribe"
	"github.com/sirupsen/logrus"
)

const pollInterval = 2 * time.Second

// Metadata is the per-segment sidecar written alongside each segment_NNN.wav.
type Metadata struct {
	Index       int       `json:"index"`
	Path        string    `json:"path"`
	DiscoveredAt time.Time `json:"discovered_at"`
	GateTimedOut bool      `json:"gate_timed_out"`
}

// Config controls one Monitor's behavior.
type Config struct {
	SegmentsDir     string
	Glob            string // defaults to "segment_*.wav" under SegmentsDir
	SegmentDuration time.Duration
	MinSize         int64
	StableDwell     time.Duration

	Logger *logrus.Logger
}

// Monitor polls SegmentsDir for newly written segment files and enqueues
// gated-ready ones onto the transcription queue.
type Monitor struct {
	cfg  Config
	out  *queue.Queue[transcribe.Job]
	seen map[string]struct{}

	recording atomic.Bool
}

// New constructs a Monitor with recording already set to true. Call
// SetRecording(false) to let Run exit its loop.
func New(cfg Config, out *queue.Queue[transcribe.Job]) *Monitor {
	if cfg.Glob == "" {
		cfg.Glob = "segment_*.wav"
	}
	if cfg.MinSize <= 0 {
		cfg.MinSize = 1024
	}
	if cfg.StableDwell <= 0 {
		cfg.StableDwell = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	m := &Monitor{cfg: cfg, out: out, seen: make(map[string]struct{})}
	m.recording.Store(true)
	return m
}

// SetRecording controls whether Run continues polling. Setting it false
// causes the current or next poll tick to be Run's last.
func (m *Monitor) SetRecording(recording bool) {
	m.recording.Store(recording)
}

// Run polls the segments directory roughly every 2s until
// SetRecording(false) is called or ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		m.scanOnce(ctx)

		if !m.recording.Load() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) scanOnce(ctx context.Context) {
	pattern := filepath.Join(m.cfg.SegmentsDir, m.cfg.Glob)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		m.cfg.Logger.WithFields(logrus.Fields{"component": "monitor", "error": err}).Warn("glob segments dir failed")
		return
	}
	sort.Strings(matches)

	for _, path := range matches {
		if _, ok := m.seen[path]; ok {
			continue
		}
		m.seen[path] = struct{}{}
		m.handleNewSegment(ctx, path)
	}
}

func (m *Monitor) handleNewSegment(ctx context.Context, path string) {
	index, err := segmentIndex(path)
	if err != nil {
		m.cfg.Logger.WithFields(logrus.Fields{"component": "monitor", "path": path, "error": err}).
			Warn("unrecognized segment filename; skipping")
		return
	}

	m.cfg.Logger.WithFields(logrus.Fields{"component": "monitor", "segment_index": index, "path": path}).
		Info("new segment discovered")

	timeout := m.cfg.SegmentDuration + 10*time.Second
	ready, err := gate.Wait(ctx, path, gate.Options{
		MinSize:          m.cfg.MinSize,
		StableDwell:      m.cfg.StableDwell,
		Timeout:          timeout,
		ExpectedDuration: m.cfg.SegmentDuration,
	})
	if err != nil {
		m.cfg.Logger.WithFields(logrus.Fields{"component": "monitor", "segment_index": index, "error": err}).
			Warn("gate wait error")
		return
	}

	meta := Metadata{Index: index, Path: path, DiscoveredAt: time.Now().UTC(), GateTimedOut: !ready}
	m.writeMetadata(path, meta)

	if !ready {
		m.cfg.Logger.WithFields(logrus.Fields{"component": "monitor", "segment_index": index, "path": path}).
			Warn("segment never stabilized before timeout; skipping")
		return
	}

	m.out.Push(transcribe.Job{SegmentPath: path, SegmentIndex: index})
}

func (m *Monitor) writeMetadata(segmentPath string, meta Metadata) {
	sidecarPath := segmentPath[:len(segmentPath)-len(filepath.Ext(segmentPath))] + ".json"
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		m.cfg.Logger.WithFields(logrus.Fields{"component": "monitor", "error": err}).Warn("marshal segment metadata failed")
		return
	}
	if err := atomicfile.Write(sidecarPath, data, 0o644); err != nil {
		m.cfg.Logger.WithFields(logrus.Fields{"component": "monitor", "path": sidecarPath, "error": err}).
			Warn("write segment metadata failed")
	}
}

func segmentIndex(path string) (int, error) {
	base := filepath.Base(path)
	var index int
	_, err := fmt.Sscanf(base, "segment_%03d.wav", &index)
	if err != nil {
		return 0, fmt.Errorf("parse segment index from %q: %w", base, err)
	}
	return index, nil
}
