package config

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	return Config{
		OutputDir:        "~/Recordings/Meetings",
		SourceSystem:     "default",
		SourceMic:        "default",
		SegmentSeconds:   300,
		EnableAutomation: false,
		Whisper: WhisperConfig{
			Backend:       "cli",
			BinaryPath:    "whisper-cli",
			Language:      "auto",
			Threads:       4,
			ServerURL:     "http://127.0.0.1:8178",
			ServerTimeout: 120,
			MaxAttempts:   2,
		},
		Ollama: OllamaConfig{
			URL:          "http://127.0.0.1:11434",
			Model:        "llama3",
			SystemPrompt: "You are summarizing a meeting transcript incrementally.",
			MaxAttempts:  2,
			BatchSize:    5,
		},
		CtxWav: CtxWavConfig{
			PreRollMS:    0,
			PadSilenceMS: 0,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Dir:     "metrics",
		},
	}
}
