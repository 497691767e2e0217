// Package binding implements the in-process whisper.cpp transcription
// backend over github.com/mutablelogic/go-whisper, lazily loading the model
// on first use. Grounded on askidmobile-AIWisper's Engine wrapper and
// processing_pipeline.py's _ensure_pywhisper_model lazy-load pattern.
package binding

import (
	"context"
	"fmt"
	"sync"

	whisper "github.com/mutablelogic/go-whisper/pkg/whisper"
	"github.com/mrats/mrats/internal/transcribe"
)

// Backend wraps a single lazily-initialized whisper.cpp model handle.
type Backend struct {
	ModelPath string
	Threads   int

	mu    sync.Mutex
	model *whisper.Model
}

// Transcribe loads the model on first call, then runs inference on req.WAVPath.
func (b *Backend) Transcribe(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
	model, err := b.ensureModel(req.ModelPath)
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("load whisper model %q: %w", req.ModelPath, err)
	}

	context_, err := model.NewContext()
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("create whisper context: %w", err)
	}
	defer context_.Close()

	context_.SetThreads(req.Threads)
	context_.SetTranslate(false)
	if req.Language != "" && req.Language != "auto" {
		context_.SetLanguage(req.Language)
	}

	samples, err := whisper.ReadWAV(req.WAVPath)
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("read wav %q: %w", req.WAVPath, err)
	}

	if err := context_.Process(ctx, samples, nil); err != nil {
		return transcribe.Result{}, fmt.Errorf("whisper inference: %w", err)
	}

	subs := make([]transcribe.SubSegment, 0)
	for {
		segment, ok := context_.NextSegment()
		if !ok {
			break
		}
		subs = append(subs, transcribe.SubSegment{
			Text:    segment.Text,
			StartMs: segment.Start.Milliseconds(),
			EndMs:   segment.End.Milliseconds(),
		})
	}

	return transcribe.Result{SubSegments: subs}, nil
}

func (b *Backend) ensureModel(modelPath string) (*whisper.Model, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.model != nil {
		return b.model, nil
	}

	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, err
	}
	b.model = model
	return model, nil
}

// Close releases the underlying model handle, if loaded.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.model == nil {
		return nil
	}
	err := b.model.Close()
	b.model = nil
	return err
}
