// Package cli implements the whisper.cpp CLI transcription backend: spawn
// the whisper.cpp binary against a WAV and parse its JSON sidecar output.
// Grounded on processing_pipeline.py._transcribe_with_cli.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mrats/mrats/internal/gate"
	"github.com/mrats/mrats/internal/transcribe"
)

// BinaryName is the whisper.cpp CLI executable looked up on PATH.
var BinaryName = "whisper-cli"

// outputGateTimeout bounds how long Transcribe waits for whisper-cli's own
// JSON sidecar write to settle before reading it; the process has already
// exited by this point, so this only covers a slow disk flush.
const outputGateTimeout = 10 * time.Second

// Backend invokes a local whisper.cpp CLI binary per request.
type Backend struct {
	LogDir string // per-segment *_whisper.log destination on non-zero exit
}

type whisperJSONSegment struct {
	Text    string `json:"text"`
	Offsets struct {
		From int64 `json:"from"`
		To   int64 `json:"to"`
	} `json:"offsets"`
}

type whisperJSONOutput struct {
	Transcription []whisperJSONSegment `json:"transcription"`
}

// Transcribe runs the CLI once against req.WAVPath and parses its JSON output.
func (b Backend) Transcribe(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
	outBase := strings.TrimSuffix(req.WAVPath, filepath.Ext(req.WAVPath))

	args := []string{
		"-m", req.ModelPath,
		"-t", strconv.Itoa(req.Threads),
		"-f", req.WAVPath,
		"-of", outBase,
		"-otxt",
		"-oj",
	}
	if req.Language != "" && req.Language != "auto" {
		args = append(args, "-l", req.Language)
	}

	cmd := exec.CommandContext(ctx, BinaryName, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		b.writeLog(outBase, stdout.String(), stderr.String())
		return transcribe.Result{}, fmt.Errorf("whisper cli exited: %w", err)
	}

	jsonPath := outBase + ".json"
	if _, err := gate.Wait(ctx, jsonPath, gate.Options{MinSize: 1, StableDwell: 100 * time.Millisecond, Timeout: outputGateTimeout}); err != nil {
		return transcribe.Result{}, fmt.Errorf("wait for whisper json output: %w", err)
	}

	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("read whisper json output: %w", err)
	}

	var parsed whisperJSONOutput
	if err := json.Unmarshal(data, &parsed); err != nil {
		return transcribe.Result{}, fmt.Errorf("parse whisper json output: %w", err)
	}

	subs := make([]transcribe.SubSegment, 0, len(parsed.Transcription))
	for _, seg := range parsed.Transcription {
		subs = append(subs, transcribe.SubSegment{
			Text:    strings.TrimSpace(seg.Text),
			StartMs: seg.Offsets.From,
			EndMs:   seg.Offsets.To,
		})
	}

	return transcribe.Result{SubSegments: subs}, nil
}

func (b Backend) writeLog(outBase, stdout, stderr string) {
	if b.LogDir == "" {
		return
	}
	path := filepath.Join(b.LogDir, filepath.Base(outBase)+"_whisper.log")
	content := "stdout:\n" + stdout + "\nstderr:\n" + stderr
	_ = os.WriteFile(path, []byte(content), 0o644)
}
