// Package transcribe implements the transcription worker: it consumes
// stable segments, invokes a pluggable transcription backend, writes TXT and
// JSON artifacts, and refines the transcript against the pre-roll offset.
package transcribe

import (
	"context"

	"github.com/mrats/mrats/internal/transcript"
)

// SubSegment is one recognized span inside a transcription result, carrying
// start/end offsets in milliseconds relative to the audio actually fed to
// the backend (i.e. the context WAV, not the raw segment).
type SubSegment struct {
	Text    string `json:"text"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
}

// Request is the input to one backend invocation.
type Request struct {
	WAVPath   string
	ModelPath string
	Threads   int
	Language  string // "auto" means no language hint
}

// Result is a backend's raw output before refinement.
type Result struct {
	SubSegments []SubSegment
	// RawText carries untimestamped text for a backend that returns no
	// sub-segments; the worker uses it as the raw transcript text. The server
	// backend does not set it: it fabricates a full-span SubSegment itself.
	RawText string
}

// Backend transcribes one context WAV. Implementations: cli, binding, server.
type Backend interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
}

// Artifact is the pair of files persisted per segment.
type Artifact struct {
	SegmentPath string       `json:"segment_path"`
	Segments    []SubSegment `json:"segments"`
}

// Refine subtracts prevTailMs from each sub-segment's bounds (undoing the
// pre-roll stitched in by ctxwav) and drops any sub-segment whose adjusted
// start falls at or beyond the current segment's own duration plus a small
// tolerance, then joins what remains into refined transcript text.
//
// Grounded on processing_pipeline.py's post-transcription refinement step:
// subtract the pre-roll and drop anything that spilled into the cut. A
// sub-segment that lies within the pre-roll is kept with its start clamped to
// 0, so its text stays in the refined transcript.
func Refine(subs []SubSegment, prevTailMs, curDurationMs int64) (string, []SubSegment) {
	const toleranceMs = 50

	kept := make([]SubSegment, 0, len(subs))
	texts := make([]string, 0, len(subs))

	for _, s := range subs {
		adjusted := SubSegment{
			Text:    s.Text,
			StartMs: s.StartMs - prevTailMs,
			EndMs:   s.EndMs - prevTailMs,
		}
		if adjusted.StartMs < 0 {
			adjusted.StartMs = 0
		}
		if adjusted.StartMs >= curDurationMs+toleranceMs {
			continue
		}
		kept = append(kept, adjusted)
		texts = append(texts, adjusted.Text)
	}

	// CapitalizeSentences is left off here: per-segment refinement sees only
	// a fragment of the meeting, so sentence-start detection is deferred to
	// the rolling/batch summarizer, which assembles full transcript context.
	return transcript.Assemble(texts, transcript.Options{}), kept
}
