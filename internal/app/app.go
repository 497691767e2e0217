// Package app wires CLI parsing, config loading, and the session orchestrator
// into the mrats process entrypoint.
package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mrats/mrats/internal/audio"
	"github.com/mrats/mrats/internal/cli"
	"github.com/mrats/mrats/internal/config"
	"github.com/mrats/mrats/internal/doctor"
	"github.com/mrats/mrats/internal/logging"
	"github.com/mrats/mrats/internal/session"
	"github.com/mrats/mrats/internal/transcribe"
	transcribecli "github.com/mrats/mrats/internal/transcribe/cli"
	"github.com/mrats/mrats/internal/transcribe/server"
	"github.com/mrats/mrats/internal/version"
	"github.com/sirupsen/logrus"
)

// Runner holds process-level dependencies used by command handlers.
type Runner struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger *logrus.Logger
}

// Execute is the package entrypoint used by cmd/mrats/main.go.
func Execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	r := Runner{Stdin: stdin, Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

// Execute parses CLI arguments, loads config/logging, and dispatches a command.
func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText("mrats"))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText("mrats"))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	logRuntime, err := logging.New()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.WithField("error", err.Error()).Error("load config failed")
		return 1
	}
	for _, w := range cfgLoaded.Warnings {
		msg := w.Message
		if w.Line > 0 {
			msg = fmt.Sprintf("line %d: %s", w.Line, w.Message)
		}
		fmt.Fprintf(r.Stderr, "warning: %s\n", msg)
		logger.WithFields(logrus.Fields{"line": w.Line, "message": w.Message}).Warn("config warning")
	}

	cfg := applyOverrides(cfgLoaded.Config, parsed)

	logger.WithFields(logrus.Fields{
		"command": parsed.Command,
		"config":  cfgLoaded.Path,
		"log":     logRuntime.Path,
	}).Info("command start")

	switch parsed.Command {
	case cli.CommandDoctor:
		report := doctor.Run(cfgLoaded)
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	case cli.CommandDevices:
		return r.commandDevices(ctx)
	case cli.CommandRun:
		return r.commandRun(ctx, cfg, parsed.Name, logger)
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

// applyOverrides layers CLI flag overrides on top of the loaded config.
func applyOverrides(cfg config.Config, parsed cli.Parsed) config.Config {
	if parsed.OutputDir != "" {
		cfg.OutputDir = parsed.OutputDir
	}
	if parsed.SourceSystem != "" {
		cfg.SourceSystem = parsed.SourceSystem
	}
	if parsed.SourceMic != "" {
		cfg.SourceMic = parsed.SourceMic
	}
	if parsed.SystemOnly {
		cfg.SystemOnly = true
	}
	if parsed.MicOnly {
		cfg.MicOnly = true
	}
	return cfg
}

// commandDevices prints discovered input devices and key availability metadata.
func (r Runner) commandDevices(ctx context.Context) int {
	devices, err := audio.ListDevices(ctx)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Fprintln(r.Stdout, "no audio devices found")
		return 1
	}

	for _, device := range devices {
		defaultMark := " "
		if device.Default {
			defaultMark = "*"
		}
		availability := "yes"
		if !device.Available {
			availability = "no"
		}
		muted := "no"
		if device.Muted {
			muted = "yes"
		}
		fmt.Fprintf(
			r.Stdout,
			"%s id=%s | kind=%s | description=%q | state=%s | available=%s | muted=%s\n",
			defaultMark,
			device.ID,
			device.Kind,
			device.Description,
			device.State,
			availability,
			muted,
		)
	}

	return 0
}

// commandRun builds the session orchestrator and drives it from an
// interactive start/stop/status/quit loop over stdin, per
// meeting_recorder.py.interactive_mode.
func (r Runner) commandRun(ctx context.Context, cfg config.Config, name string, logger *logrus.Logger) int {
	orch := session.New(buildSessionConfig(cfg, name, logger))

	fmt.Fprintln(r.Stdout, "mrats ready. commands: start, stop, status, quit")
	scanner := bufio.NewScanner(r.Stdin)

	for {
		fmt.Fprint(r.Stdout, "mrats> ")
		if !scanner.Scan() {
			r.stopIfRunning(ctx, orch)
			return 0
		}

		cmd, err := cli.ParseReplLine(scanner.Text())
		if err != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
			continue
		}

		switch cmd {
		case cli.ReplStart:
			if err := orch.Start(ctx); err != nil {
				fmt.Fprintf(r.Stderr, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(r.Stdout, "recording to %s\n", orch.SessionDir())
		case cli.ReplStop:
			summary, err := orch.Stop(ctx)
			if err != nil {
				fmt.Fprintf(r.Stderr, "error: %v\n", err)
				continue
			}
			printSummary(r.Stdout, summary)
		case cli.ReplStatus:
			fmt.Fprintln(r.Stdout, orch.State())
		case cli.ReplQuit:
			r.stopIfRunning(ctx, orch)
			return 0
		case cli.ReplUnknown:
			// blank line; re-prompt
		}
	}
}

func (r Runner) stopIfRunning(ctx context.Context, orch *session.Orchestrator) {
	summary, err := orch.Stop(ctx)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return
	}
	printSummary(r.Stdout, summary)
}

func printSummary(out io.Writer, summary session.Summary) {
	if strings.TrimSpace(summary.Final) != "" {
		fmt.Fprintln(out, strings.TrimSpace(summary.Final))
		return
	}
	if strings.TrimSpace(summary.Rolling) != "" {
		fmt.Fprintln(out, strings.TrimSpace(summary.Rolling))
	}
}

// buildSessionConfig translates the loaded config into a session.Config,
// selecting the transcription backend named by cfg.Whisper.Backend.
func buildSessionConfig(cfg config.Config, name string, logger *logrus.Logger) session.Config {
	return session.Config{
		OutputDir: expandHome(cfg.OutputDir),
		Name:      name,
		Sources: session.Sources{
			System: resolveSource(cfg.SourceSystem, cfg.MicOnly),
			Mic:    resolveSource(cfg.SourceMic, cfg.SystemOnly),
		},
		SegmentDuration:  time.Duration(cfg.SegmentSeconds) * time.Second,
		EnableAutomation: cfg.EnableAutomation,

		TranscribeBackend:     buildTranscribeBackend(cfg.Whisper, logger),
		TranscribeModelPath:   cfg.Whisper.ModelPath,
		TranscribeThreads:     cfg.Whisper.Threads,
		TranscribeLanguage:    cfg.Whisper.Language,
		PreRoll:               time.Duration(cfg.CtxWav.PreRollMS) * time.Millisecond,
		PadSilence:            time.Duration(cfg.CtxWav.PadSilenceMS) * time.Millisecond,
		TranscribeMaxAttempts: cfg.Whisper.MaxAttempts,

		SummarizeOllamaURL:    cfg.Ollama.URL,
		SummarizeModel:        cfg.Ollama.Model,
		SummarizeSystemPrompt: cfg.Ollama.SystemPrompt,
		SummarizeBatchSize:    cfg.Ollama.BatchSize,
		SummarizeMaxAttempts:  cfg.Ollama.MaxAttempts,

		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsDirName: cfg.Metrics.Dir,

		Logger: logger,
	}
}

func resolveSource(configured string, disabled bool) string {
	if disabled {
		return ""
	}
	return configured
}

// buildTranscribeBackend selects the cli or server whisper backend
// named by cfg.Backend. The binding backend is intentionally excluded: it
// requires a cgo-linked whisper.cpp build unavailable in this module's
// target environments. Any backend name other than "cli"/"" or "server"
// (including "binding" and typos) falls back to the cli backend, with a
// warning naming both the requested and the actually-used backend.
func buildTranscribeBackend(cfg config.WhisperConfig, logger *logrus.Logger) transcribe.Backend {
	requested := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch requested {
	case "server":
		return &server.Backend{
			BaseURL: cfg.ServerURL,
			Timeout: time.Duration(cfg.ServerTimeout) * time.Second,
		}
	case "", "cli":
		return transcribecli.Backend{}
	default:
		logger.WithFields(logrus.Fields{"requested_backend": cfg.Backend, "used_backend": "cli"}).
			Warn("unknown or unavailable transcribe backend; falling back to cli")
		return transcribecli.Backend{}
	}
}

// expandHome resolves a leading "~" to the user's home directory the way
// meeting_recorder.py's os.path.expanduser does for output_dir.
func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return home + path[1:]
	}
	return path
}
