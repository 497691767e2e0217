package config

import (
	"fmt"
	"strings"
)

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if strings.TrimSpace(cfg.OutputDir) == "" {
		return nil, fmt.Errorf("output_dir must not be empty")
	}
	if cfg.SegmentSeconds <= 0 {
		return nil, fmt.Errorf("segment_duration must be > 0")
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.Whisper.Backend))
	switch backend {
	case "cli":
		if strings.TrimSpace(cfg.Whisper.BinaryPath) == "" {
			return nil, fmt.Errorf("whisper.binary_path must not be empty when whisper.backend=cli")
		}
	case "binding":
		if strings.TrimSpace(cfg.Whisper.ModelPath) == "" {
			return nil, fmt.Errorf("whisper.model_path must not be empty when whisper.backend=binding")
		}
	case "server":
		if strings.TrimSpace(cfg.Whisper.ServerURL) == "" {
			return nil, fmt.Errorf("whisper.server_url must not be empty when whisper.backend=server")
		}
	default:
		return nil, fmt.Errorf("whisper.backend must be one of: cli, binding, server")
	}
	if cfg.Whisper.Threads <= 0 {
		return nil, fmt.Errorf("whisper.threads must be > 0")
	}
	if cfg.Whisper.MaxAttempts <= 0 {
		return nil, fmt.Errorf("whisper.max_attempts must be > 0")
	}

	if strings.TrimSpace(cfg.Ollama.URL) == "" {
		return nil, fmt.Errorf("ollama.url must not be empty")
	}
	if strings.TrimSpace(cfg.Ollama.Model) == "" {
		return nil, fmt.Errorf("ollama.model must not be empty")
	}
	if cfg.Ollama.MaxAttempts <= 0 {
		return nil, fmt.Errorf("ollama.max_attempts must be > 0")
	}
	if cfg.Ollama.BatchSize <= 0 {
		return nil, fmt.Errorf("ollama.batch_size must be > 0")
	}

	if cfg.CtxWav.PreRollMS < 0 {
		return nil, fmt.Errorf("ctx_wav.pre_roll_ms must be >= 0")
	}
	if cfg.CtxWav.PadSilenceMS < 0 {
		return nil, fmt.Errorf("ctx_wav.pad_silence_ms must be >= 0")
	}

	if cfg.Metrics.Enabled && strings.TrimSpace(cfg.Metrics.Dir) == "" {
		return nil, fmt.Errorf("metrics.dir must not be empty when metrics.enabled=true")
	}

	if cfg.SystemOnly && cfg.MicOnly {
		return nil, fmt.Errorf("system_only and mic_only are mutually exclusive")
	}

	return warnings, nil
}
