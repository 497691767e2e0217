// Package gate implements the stable-file readiness check that guards the
// segment monitor from enqueueing a segment the capture subprocess is still
// appending to.
package gate

import (
	"context"
	"os"
	"time"

	"github.com/mrats/mrats/internal/ffprobe"
)

const pollInterval = 200 * time.Millisecond

// durationTolerance is the end-of-stream slack applied when comparing a
// segment's probed duration against its expected duration.
const durationTolerance = 2 * time.Second

// Options controls one Wait invocation.
type Options struct {
	MinSize          int64
	StableDwell      time.Duration
	Timeout          time.Duration
	ExpectedDuration time.Duration // zero disables the duration probe
}

// Wait polls path until it is stable-sized (and, when ExpectedDuration is
// set, long enough) or until opts.Timeout elapses.
func Wait(ctx context.Context, path string, opts Options) (bool, error) {
	deadline := time.Now().Add(opts.Timeout)

	var (
		lastSize     int64 = -1
		stableSince  time.Time
		haveBaseline bool
	)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		info, err := os.Stat(path)
		if err == nil {
			size := info.Size()
			if size != lastSize {
				lastSize = size
				stableSince = time.Now()
				haveBaseline = true
			}

			if haveBaseline && size >= opts.MinSize && time.Since(stableSince) >= opts.StableDwell {
				if ready := probeDuration(ctx, path, opts.ExpectedDuration); ready {
					return true, nil
				}
			}
		}

		if time.Now().After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// probeDuration reports whether the file satisfies the expected-duration
// tolerance. When no expected duration is configured, or the probe itself
// fails, it falls back to size-stability alone (already satisfied by the caller).
func probeDuration(ctx context.Context, path string, expected time.Duration) bool {
	if expected <= 0 {
		return true
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	actual, err := ffprobe.Duration(probeCtx, path)
	if err != nil {
		return true
	}

	return actual >= expected-durationTolerance
}
