// Package capture defines the contract between the segment recorder and the
// camera pipeline, plus the concrete pipelines: an ffmpeg process per clip and
// a synthetic source used when no camera is attached.
package capture

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotRunning is returned by BeginClip before Start or after Stop.
var ErrNotRunning = errors.New("capture session not running")

// ErrClipInProgress is returned by BeginClip while a clip is still being
// written and EndClip has not been called.
var ErrClipInProgress = errors.New("clip already in progress")

// Format is a capture mode: frame size and frame rate.
type Format struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	FPS    int `json:"fps"`
}

// Pixels returns the frame area.
func (f Format) Pixels() int { return f.Width * f.Height }

func (f Format) String() string {
	return fmt.Sprintf("%dx%d@%d", f.Width, f.Height, f.FPS)
}

// Completion is called exactly once per clip when its file has been
// finalized. err is non-nil when the write ended abnormally; a partial file
// may still exist.
type Completion func(err error)

// Backend is a continuous capture session that writes one file per clip.
// Completions run on backend goroutines; callers must marshal them onto
// their own context before touching shared state.
type Backend interface {
	// Formats enumerates the capture modes the device offers.
	Formats(ctx context.Context) ([]Format, error)
	// Configure selects the capture mode. Calling it again with the same
	// format is a no-op; a new format applies from the next clip.
	Configure(ctx context.Context, f Format) error
	// Start opens the session.
	Start(ctx context.Context) error
	// Stop closes the session. A clip in progress is ended and its
	// completion fires asynchronously, as with EndClip.
	Stop(ctx context.Context) error
	// BeginClip starts writing a new clip to path. It does not block on
	// device I/O.
	BeginClip(path string, done Completion) error
	// EndClip asks the clip in progress to finalize. Its completion fires
	// asynchronously.
	EndClip()
}

// BestMatch picks the available format closest to want: an exact match when
// offered, otherwise the closest frame size by pixel count and then the
// closest frame rate. The second result is false when available is empty, in
// which case want is returned unchanged.
func BestMatch(available []Format, want Format) (Format, bool) {
	if len(available) == 0 {
		return want, false
	}
	best := available[0]
	for _, f := range available {
		if f == want {
			return f, true
		}
		if closer(f, best, want) {
			best = f
		}
	}
	return best, true
}

func closer(a, b, want Format) bool {
	da, db := abs(a.Pixels()-want.Pixels()), abs(b.Pixels()-want.Pixels())
	if da != db {
		return da < db
	}
	fa, fb := abs(a.FPS-want.FPS), abs(b.FPS-want.FPS)
	if fa != fb {
		return fa < fb
	}
	// prefer the larger frame on equal distance
	return a.Pixels() > b.Pixels()
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
