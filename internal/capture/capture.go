// Package capture wraps the ffmpeg subprocess that actually records audio
// segments to disk. It owns the process's lifecycle (spawn, graceful
// SIGTERM-then-SIGKILL stop) and a forensic log of its stdout/stderr kept
// separate from the structured application log.
//
// Grounded on meeting_recorder.py's start_recording/stop_recording and
// get_audio_sources.
package capture

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// BinaryName is the capture executable, overridable in tests.
var BinaryName = "ffmpeg"

// terminateGrace is how long Stop waits after SIGTERM before escalating to
// SIGKILL.
const terminateGrace = 5 * time.Second

// Sources selects the ffmpeg audio input arguments.
type Sources struct {
	System string // PulseAudio system/monitor source name, empty to omit
	Mic    string // PulseAudio microphone source name, empty to omit
}

// Options controls one capture subprocess invocation.
type Options struct {
	Sources         Sources
	SegmentsDir     string // filename pattern segment_%03d.wav is written here
	SegmentDuration time.Duration
	LogPath         string // forensic ffmpeg stdout/stderr destination

	Logger *logrus.Logger
}

// Process owns a single running capture subprocess.
type Process struct {
	cmd     *exec.Cmd
	logFile *os.File
	logger  *logrus.Logger

	mu       sync.Mutex
	stopped  bool
}

// Start spawns the ffmpeg capture subprocess and returns once it is running.
func Start(opts Options) (*Process, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	if err := os.MkdirAll(opts.SegmentsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create segments dir: %w", err)
	}

	var logFile *os.File
	if opts.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("create capture log dir: %w", err)
		}
		f, err := os.OpenFile(opts.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open capture log: %w", err)
		}
		logFile = f
	}

	args := buildArgs(opts)
	opts.Logger.WithFields(logrus.Fields{"component": "capture", "args": args}).Info("starting capture subprocess")

	cmd := exec.Command(BinaryName, args...)
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("start capture subprocess: %w", err)
	}

	return &Process{cmd: cmd, logFile: logFile, logger: opts.Logger}, nil
}

// buildArgs mirrors meeting_recorder.py's get_audio_sources + start_recording
// argv construction: combined amix filter when both sources are present, a
// single -f pulse -i <source> otherwise, and "default" when nothing was
// resolved.
func buildArgs(opts Options) []string {
	var inputArgs []string
	switch {
	case opts.Sources.System != "" && opts.Sources.Mic != "":
		inputArgs = []string{
			"-f", "pulse", "-i", opts.Sources.System,
			"-f", "pulse", "-i", opts.Sources.Mic,
			"-filter_complex", "amix=inputs=2:duration=longest",
		}
	case opts.Sources.System != "":
		inputArgs = []string{"-f", "pulse", "-i", opts.Sources.System}
	case opts.Sources.Mic != "":
		inputArgs = []string{"-f", "pulse", "-i", opts.Sources.Mic}
	default:
		inputArgs = []string{"-f", "pulse", "-i", "default"}
	}

	pattern := filepath.Join(opts.SegmentsDir, "segment_%03d.wav")
	segmentSeconds := int(opts.SegmentDuration.Seconds())

	args := []string{"-v", "warning", "-stats"}
	args = append(args, inputArgs...)
	args = append(args,
		"-c:a", "pcm_s16le", "-ar", "16000", "-ac", "1",
		"-f", "segment", "-segment_time", fmt.Sprintf("%d", segmentSeconds),
		pattern,
	)
	return args
}

// Stop sends SIGTERM and waits up to terminateGrace before escalating to
// SIGKILL. It is safe to call more than once.
func (p *Process) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	defer func() {
		if p.logFile != nil {
			_ = p.logFile.Close()
		}
	}()

	if p.cmd.Process == nil {
		return nil
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.logger.WithFields(logrus.Fields{"component": "capture", "error": err}).Warn("SIGTERM failed; trying SIGKILL")
		return p.kill()
	}

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(terminateGrace):
		p.logger.WithFields(logrus.Fields{"component": "capture"}).Warn("capture subprocess did not exit after SIGTERM; sending SIGKILL")
		if err := p.kill(); err != nil {
			return err
		}
		<-done
		return nil
	}
}

func (p *Process) kill() error {
	return p.cmd.Process.Kill()
}

// Wait blocks until the capture subprocess exits, without signaling it.
func (p *Process) Wait(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
