package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

type jsoncConfig struct {
	OutputDir        *string `json:"output_dir"`
	SourceSystem     *string `json:"source_system"`
	SourceMic        *string `json:"source_mic"`
	SystemOnly       *bool   `json:"system_only"`
	MicOnly          *bool   `json:"mic_only"`
	SegmentDuration  *int    `json:"segment_duration"`
	EnableAutomation *bool   `json:"enable_automation"`

	Whisper *jsoncWhisper `json:"whisper"`
	Ollama  *jsoncOllama  `json:"ollama"`
	CtxWav  *jsoncCtxWav  `json:"ctx_wav"`
	Metrics *jsoncMetrics `json:"metrics"`
}

type jsoncWhisper struct {
	Backend       *string `json:"backend"`
	BinaryPath    *string `json:"binary_path"`
	ModelPath     *string `json:"model_path"`
	Language      *string `json:"language"`
	Threads       *int    `json:"threads"`
	ServerURL     *string `json:"server_url"`
	ServerTimeout *int    `json:"server_timeout_seconds"`
	MaxAttempts   *int    `json:"max_attempts"`
}

type jsoncOllama struct {
	URL          *string `json:"url"`
	Model        *string `json:"model"`
	SystemPrompt *string `json:"system_prompt"`
	MaxAttempts  *int    `json:"max_attempts"`
	BatchSize    *int    `json:"batch_size"`
}

type jsoncCtxWav struct {
	PreRollMS    *int `json:"pre_roll_ms"`
	PadSilenceMS *int `json:"pad_silence_ms"`
}

type jsoncMetrics struct {
	Enabled *bool   `json:"enabled"`
	Dir     *string `json:"dir"`
}

func parseJSONC(content string, base Config) (Config, []Warning, error) {
	normalized, err := normalizeJSONC(content)
	if err != nil {
		return Config{}, nil, err
	}

	decoder := json.NewDecoder(strings.NewReader(normalized))
	decoder.DisallowUnknownFields()

	var payload jsoncConfig
	if err := decoder.Decode(&payload); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}
	if err := ensureSingleJSONValue(decoder); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}

	cfg := base
	payload.applyTo(&cfg)

	validatedWarnings, err := Validate(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, validatedWarnings, nil
}

func (payload jsoncConfig) applyTo(cfg *Config) {
	if payload.OutputDir != nil {
		cfg.OutputDir = strings.TrimSpace(*payload.OutputDir)
	}
	if payload.SourceSystem != nil {
		cfg.SourceSystem = strings.TrimSpace(*payload.SourceSystem)
	}
	if payload.SourceMic != nil {
		cfg.SourceMic = strings.TrimSpace(*payload.SourceMic)
	}
	if payload.SystemOnly != nil {
		cfg.SystemOnly = *payload.SystemOnly
	}
	if payload.MicOnly != nil {
		cfg.MicOnly = *payload.MicOnly
	}
	if payload.SegmentDuration != nil {
		cfg.SegmentSeconds = *payload.SegmentDuration
	}
	if payload.EnableAutomation != nil {
		cfg.EnableAutomation = *payload.EnableAutomation
	}

	if payload.Whisper != nil {
		if payload.Whisper.Backend != nil {
			cfg.Whisper.Backend = strings.ToLower(strings.TrimSpace(*payload.Whisper.Backend))
		}
		if payload.Whisper.BinaryPath != nil {
			cfg.Whisper.BinaryPath = strings.TrimSpace(*payload.Whisper.BinaryPath)
		}
		if payload.Whisper.ModelPath != nil {
			cfg.Whisper.ModelPath = strings.TrimSpace(*payload.Whisper.ModelPath)
		}
		if payload.Whisper.Language != nil {
			cfg.Whisper.Language = strings.TrimSpace(*payload.Whisper.Language)
		}
		if payload.Whisper.Threads != nil {
			cfg.Whisper.Threads = *payload.Whisper.Threads
		}
		if payload.Whisper.ServerURL != nil {
			cfg.Whisper.ServerURL = strings.TrimSpace(*payload.Whisper.ServerURL)
		}
		if payload.Whisper.ServerTimeout != nil {
			cfg.Whisper.ServerTimeout = *payload.Whisper.ServerTimeout
		}
		if payload.Whisper.MaxAttempts != nil {
			cfg.Whisper.MaxAttempts = *payload.Whisper.MaxAttempts
		}
	}

	if payload.Ollama != nil {
		if payload.Ollama.URL != nil {
			cfg.Ollama.URL = strings.TrimSpace(*payload.Ollama.URL)
		}
		if payload.Ollama.Model != nil {
			cfg.Ollama.Model = strings.TrimSpace(*payload.Ollama.Model)
		}
		if payload.Ollama.SystemPrompt != nil {
			cfg.Ollama.SystemPrompt = *payload.Ollama.SystemPrompt
		}
		if payload.Ollama.MaxAttempts != nil {
			cfg.Ollama.MaxAttempts = *payload.Ollama.MaxAttempts
		}
		if payload.Ollama.BatchSize != nil {
			cfg.Ollama.BatchSize = *payload.Ollama.BatchSize
		}
	}

	if payload.CtxWav != nil {
		if payload.CtxWav.PreRollMS != nil {
			cfg.CtxWav.PreRollMS = *payload.CtxWav.PreRollMS
		}
		if payload.CtxWav.PadSilenceMS != nil {
			cfg.CtxWav.PadSilenceMS = *payload.CtxWav.PadSilenceMS
		}
	}

	if payload.Metrics != nil {
		if payload.Metrics.Enabled != nil {
			cfg.Metrics.Enabled = *payload.Metrics.Enabled
		}
		if payload.Metrics.Dir != nil {
			cfg.Metrics.Dir = strings.TrimSpace(*payload.Metrics.Dir)
		}
	}
}

func normalizeJSONC(content string) (string, error) {
	withoutComments, err := stripJSONCComments(content)
	if err != nil {
		return "", err
	}
	return stripJSONCTrailingCommas(withoutComments), nil
}

func stripJSONCComments(content string) (string, error) {
	var out strings.Builder
	out.Grow(len(content))

	inString := false
	escape := false
	lineComment := false
	blockComment := false

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if lineComment {
			if ch == '\n' {
				lineComment = false
				out.WriteByte(ch)
				continue
			}
			if ch == '\r' {
				lineComment = false
				out.WriteByte(ch)
				continue
			}
			out.WriteByte(' ')
			continue
		}

		if blockComment {
			if ch == '*' && i+1 < len(content) && content[i+1] == '/' {
				blockComment = false
				out.WriteString("  ")
				i++
				continue
			}
			if ch == '\n' || ch == '\r' || ch == '\t' {
				out.WriteByte(ch)
			} else {
				out.WriteByte(' ')
			}
			continue
		}

		if inString {
			out.WriteByte(ch)
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			out.WriteByte(ch)
			continue
		}

		if ch == '/' && i+1 < len(content) {
			next := content[i+1]
			if next == '/' {
				lineComment = true
				out.WriteString("  ")
				i++
				continue
			}
			if next == '*' {
				blockComment = true
				out.WriteString("  ")
				i++
				continue
			}
		}

		out.WriteByte(ch)
	}

	if blockComment {
		return "", fmt.Errorf("unterminated block comment in JSONC")
	}

	return out.String(), nil
}

func stripJSONCTrailingCommas(content string) string {
	var out strings.Builder
	out.Grow(len(content))

	inString := false
	escape := false

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if inString {
			out.WriteByte(ch)
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			out.WriteByte(ch)
			continue
		}

		if ch == ',' {
			j := i + 1
			for j < len(content) && isJSONWhitespace(content[j]) {
				j++
			}
			if j < len(content) && (content[j] == '}' || content[j] == ']') {
				continue
			}
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func isJSONWhitespace(ch byte) bool {
	switch ch {
	case ' ', '\n', '\r', '\t':
		return true
	default:
		return false
	}
}

func ensureSingleJSONValue(decoder *json.Decoder) error {
	var extra struct{}
	err := decoder.Decode(&extra)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err == nil {
		return fmt.Errorf("multiple JSON values are not allowed")
	}
	return err
}

func wrapJSONDecodeError(content string, err error) error {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		line, col := offsetToLineCol(content, syntaxErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		line, col := offsetToLineCol(content, typeErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	return err
}

func offsetToLineCol(content string, offset int64) (int, int) {
	if offset <= 0 {
		return 1, 1
	}

	limit := int(offset)
	if limit > len(content) {
		limit = len(content)
	}

	line := 1
	col := 1
	for i := 0; i < limit-1; i++ {
		if content[i] == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}
