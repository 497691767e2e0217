// Package doctor runs runtime readiness diagnostics for config, tools, audio, and Ollama.
package doctor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mrats/mrats/internal/audio"
	"github.com/mrats/mrats/internal/config"
)

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Run executes environment/config/runtime checks for a loaded config.
func Run(cfg config.Loaded) Report {
	checks := []Check{}

	checks = append(checks, Check{
		Name:    "config",
		Pass:    true,
		Message: fmt.Sprintf("loaded %q", cfg.Path),
	})

	checks = append(checks, checkBinary("ffmpeg", "audio capture subprocess"))
	checks = append(checks, checkBinary("ffprobe", "media duration probe"))
	checks = append(checks, checkWhisperBackend(cfg.Config.Whisper))
	checks = append(checks, checkAudioSources(cfg.Config))
	checks = append(checks, checkOllamaReady(cfg.Config.Ollama))

	return Report{Checks: checks}
}

// checkBinary validates that a binary exists in PATH.
func checkBinary(bin string, okMsg string) Check {
	path, err := exec.LookPath(bin)
	if err != nil {
		return Check{Name: bin, Pass: false, Message: fmt.Sprintf("binary not found in PATH: %s", bin)}
	}
	return Check{Name: bin, Pass: true, Message: fmt.Sprintf("found at %s (%s)", path, okMsg)}
}

// checkWhisperBackend validates the configured whisper backend's dependency.
func checkWhisperBackend(cfg config.WhisperConfig) Check {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "cli":
		argv, err := config.ParseArgv(cfg.BinaryPath)
		if err != nil || len(argv) == 0 {
			return Check{Name: "whisper.backend", Pass: false, Message: "whisper.binary_path is empty or invalid"}
		}
		return checkBinary(argv[0], "whisper.cpp CLI")
	case "binding":
		if strings.TrimSpace(cfg.ModelPath) == "" {
			return Check{Name: "whisper.backend", Pass: false, Message: "whisper.model_path is empty"}
		}
		if _, err := os.Stat(cfg.ModelPath); err != nil {
			return Check{Name: "whisper.backend", Pass: false, Message: fmt.Sprintf("model file not found: %s", cfg.ModelPath)}
		}
		return Check{Name: "whisper.backend", Pass: true, Message: fmt.Sprintf("model file present at %s", cfg.ModelPath)}
	case "server":
		return checkWhisperServer(cfg.ServerURL)
	default:
		return Check{Name: "whisper.backend", Pass: false, Message: fmt.Sprintf("unknown backend %q", cfg.Backend)}
	}
}

// checkWhisperServer probes the configured whisper.cpp server for reachability.
func checkWhisperServer(baseURL string) Check {
	url := normalizeBaseURL(baseURL)
	if url == "" {
		return Check{Name: "whisper.server", Pass: false, Message: "whisper.server_url is empty"}
	}

	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return Check{Name: "whisper.server", Pass: false, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	return Check{Name: "whisper.server", Pass: true, Message: fmt.Sprintf("reachable at %s (HTTP %d)", url, resp.StatusCode)}
}

// checkAudioSources lists live Pulse sources and reports the first system and
// microphone sources it classifies.
func checkAudioSources(cfg config.Config) Check {
	devices, err := audio.ListDevices(context.Background())
	if err != nil {
		return Check{Name: "audio.sources", Pass: false, Message: err.Error()}
	}

	system := audio.FindSystemSource(devices)
	mic := audio.FindMicrophoneSource(devices)
	if system == "" && mic == "" {
		return Check{Name: "audio.sources", Pass: false, Message: "no system-audio or microphone source classified"}
	}
	return Check{Name: "audio.sources", Pass: true, Message: fmt.Sprintf("system=%q mic=%q", system, mic)}
}

// checkOllamaReady probes the configured Ollama HTTP endpoint for the models tag list.
func checkOllamaReady(cfg config.OllamaConfig) Check {
	base := normalizeBaseURL(cfg.URL)
	if base == "" {
		return Check{Name: "ollama.ready", Pass: false, Message: "ollama.url is empty"}
	}

	url := strings.TrimRight(base, "/") + "/api/tags"
	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return Check{Name: "ollama.ready", Pass: false, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Check{Name: "ollama.ready", Pass: false, Message: fmt.Sprintf("HTTP %d from %s", resp.StatusCode, url)}
	}

	return Check{Name: "ollama.ready", Pass: true, Message: fmt.Sprintf("ready at %s", url)}
}

func normalizeBaseURL(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		return ""
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base
}
