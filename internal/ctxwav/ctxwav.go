// Package ctxwav builds the audio the transcription worker actually feeds to
// the backend: an optional tail of the previous segment, stitched to the
// current segment, optionally padded with trailing silence. This mirrors
// processing_pipeline.py's _build_context_wav / _build_context_wav_fallback
// using ffmpeg's concat demuxer and anullsrc instead of a Python audio library.
package ctxwav

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mrats/mrats/internal/ffprobe"
)

// BinaryName is the ffmpeg executable looked up on PATH.
var BinaryName = "ffmpeg"

const (
	sampleRate = 16000
	channels   = 1
)

// Options controls pre-roll and trailing-pad behavior.
type Options struct {
	PreRoll    time.Duration
	PadSilence time.Duration
}

// Report describes what was actually stitched together.
type Report struct {
	Path        string
	PrevTailMs  int64
	PadMs       int64
	IsTemporary bool
}

// Build constructs a context WAV for curPath, optionally preceded by the tail
// of prevPath and followed by opts.PadSilence of synthesized silence.
//
// On any ffmpeg failure, Build falls back progressively: pad-only, then the
// raw current segment path unchanged. It never returns an error; a current
// segment whose duration cannot be probed also yields the raw current path.
func Build(ctx context.Context, prevPath, curPath string, opts Options) (Report, error) {
	if opts.PreRoll <= 0 && opts.PadSilence <= 0 {
		return Report{Path: curPath}, nil
	}

	curDuration, err := ffprobe.Duration(ctx, curPath)
	if err != nil {
		return Report{Path: curPath}, nil
	}

	if prevPath == "" || opts.PreRoll <= 0 {
		if opts.PadSilence <= 0 {
			return Report{Path: curPath}, nil
		}
		out, err := buildPadOnly(ctx, curPath, opts.PadSilence)
		if err != nil {
			return Report{Path: curPath}, nil
		}
		return Report{Path: out, PadMs: opts.PadSilence.Milliseconds(), IsTemporary: true}, nil
	}

	out, prevTailMs, err := buildWithPreRoll(ctx, prevPath, curPath, opts)
	if err != nil {
		// Fall back to pad-only, then raw segment.
		if opts.PadSilence > 0 {
			if padOut, padErr := buildPadOnly(ctx, curPath, opts.PadSilence); padErr == nil {
				return Report{Path: padOut, PadMs: opts.PadSilence.Milliseconds(), IsTemporary: true}, nil
			}
		}
		return Report{Path: curPath}, nil
	}

	report := Report{Path: out, PrevTailMs: prevTailMs, PadMs: opts.PadSilence.Milliseconds(), IsTemporary: true}

	resultDuration, err := ffprobe.Duration(ctx, out)
	if err != nil || resultDuration < curDuration-2*time.Second {
		_ = os.Remove(out)
		if opts.PadSilence > 0 {
			if padOut, padErr := buildPadOnly(ctx, curPath, opts.PadSilence); padErr == nil {
				return Report{Path: padOut, PadMs: opts.PadSilence.Milliseconds(), IsTemporary: true}, nil
			}
		}
		return Report{Path: curPath}, nil
	}

	return report, nil
}

// buildPadOnly appends synthesized silence after curPath with no pre-roll.
func buildPadOnly(ctx context.Context, curPath string, pad time.Duration) (string, error) {
	out := tempWavPath(curPath, "pad")
	padSeconds := pad.Seconds()

	filter := fmt.Sprintf(
		"[1:a]atrim=0:%f[silence];[0:a][silence]concat=n=2:v=0:a=1[out]",
		padSeconds,
	)

	args := []string{
		"-y",
		"-i", curPath,
		"-f", "lavfi", "-t", fmt.Sprintf("%f", padSeconds), "-i", fmt.Sprintf("anullsrc=r=%d:cl=mono", sampleRate),
		"-filter_complex", filter,
		"-map", "[out]",
		"-ar", fmt.Sprintf("%d", sampleRate), "-ac", fmt.Sprintf("%d", channels), "-sample_fmt", "s16",
		out,
	}

	if err := runFFmpeg(ctx, args); err != nil {
		return "", err
	}
	return out, nil
}

// buildWithPreRoll stitches (tail of prev) ++ cur ++ (optional pad).
func buildWithPreRoll(ctx context.Context, prevPath, curPath string, opts Options) (string, int64, error) {
	prevDuration, err := ffprobe.Duration(ctx, prevPath)
	if err != nil {
		return "", 0, fmt.Errorf("probe previous segment: %w", err)
	}

	preRoll := opts.PreRoll
	if preRoll > prevDuration {
		preRoll = prevDuration
	}
	prevTailMs := preRoll.Milliseconds()

	tailPath := tempWavPath(curPath, "tail")
	tailStart := (prevDuration - preRoll).Seconds()
	tailArgs := []string{
		"-y",
		"-ss", fmt.Sprintf("%f", tailStart),
		"-i", prevPath,
		"-ar", fmt.Sprintf("%d", sampleRate), "-ac", fmt.Sprintf("%d", channels), "-sample_fmt", "s16",
		tailPath,
	}
	if err := runFFmpeg(ctx, tailArgs); err != nil {
		return "", 0, err
	}
	defer os.Remove(tailPath)

	segments := []string{tailPath, curPath}

	var silencePath string
	if opts.PadSilence > 0 {
		silencePath = tempWavPath(curPath, "silence")
		silenceArgs := []string{
			"-y",
			"-f", "lavfi", "-t", fmt.Sprintf("%f", opts.PadSilence.Seconds()),
			"-i", fmt.Sprintf("anullsrc=r=%d:cl=mono", sampleRate),
			"-ar", fmt.Sprintf("%d", sampleRate), "-ac", fmt.Sprintf("%d", channels), "-sample_fmt", "s16",
			silencePath,
		}
		if err := runFFmpeg(ctx, silenceArgs); err != nil {
			return "", 0, err
		}
		defer os.Remove(silencePath)
		segments = append(segments, silencePath)
	}

	listPath := tempWavPath(curPath, "list") + ".txt"
	if err := writeConcatList(listPath, segments); err != nil {
		return "", 0, err
	}
	defer os.Remove(listPath)

	out := tempWavPath(curPath, "ctx")
	concatArgs := []string{
		"-y",
		"-f", "concat", "-safe", "0", "-i", listPath,
		"-ar", fmt.Sprintf("%d", sampleRate), "-ac", fmt.Sprintf("%d", channels), "-sample_fmt", "s16",
		out,
	}
	if err := runFFmpeg(ctx, concatArgs); err != nil {
		return "", 0, err
	}

	return out, prevTailMs, nil
}

func writeConcatList(path string, segments []string) error {
	var content string
	for _, seg := range segments {
		abs, err := filepath.Abs(seg)
		if err != nil {
			return err
		}
		content += fmt.Sprintf("file '%s'\n", abs)
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func runFFmpeg(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, BinaryName, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg %v: %w: %s", args, err, output)
	}
	return nil
}

// tempWavPath derives a collision-free temp-file prefix from curPath.
func tempWavPath(curPath, suffix string) string {
	dir := os.TempDir()
	base := filepath.Base(curPath)
	return filepath.Join(dir, fmt.Sprintf("mrats-ctxwav-%s-%s-%s.wav", uuid.NewString()[:8], suffix, base))
}
