package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Recording bounds.
const (
	MinClipLength      = 5 * time.Second
	MaxClipLength      = 120 * time.Second
	MinMaxStorageBytes = 100 * 1_000_000
	MaxMaxStorageBytes = 2000 * 1_000_000
)

// Resolution is a capture frame size.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Supported resolutions, in presentation order.
var (
	Resolution720p  = Resolution{Width: 1280, Height: 720}
	Resolution1080p = Resolution{Width: 1920, Height: 1080}
	Resolution2160p = Resolution{Width: 3840, Height: 2160}

	Resolutions = []Resolution{Resolution720p, Resolution1080p, Resolution2160p}
)

// FrameRates lists the supported capture frame rates (fps).
var FrameRates = []int{30, 60}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Pixels returns width*height.
func (r Resolution) Pixels() int {
	return r.Width * r.Height
}

// ParseResolution parses "1280x720" (the multiplication sign is accepted too).
func ParseResolution(s string) (Resolution, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "×", "x")
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return Resolution{}, fmt.Errorf("invalid resolution %q", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return Resolution{}, fmt.Errorf("invalid resolution width %q", w)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return Resolution{}, fmt.Errorf("invalid resolution height %q", h)
	}
	return Resolution{Width: width, Height: height}, nil
}

// IsSupported reports whether r is one of Resolutions.
func (r Resolution) IsSupported() bool {
	for _, s := range Resolutions {
		if s == r {
			return true
		}
	}
	return false
}

// SupportedFrameRate reports whether fps is one of FrameRates.
func SupportedFrameRate(fps int) bool {
	for _, f := range FrameRates {
		if f == fps {
			return true
		}
	}
	return false
}

// RecordingConfig holds the user-tunable recording parameters.
type RecordingConfig struct {
	ClipLength      time.Duration `json:"clip_length"`
	Resolution      Resolution    `json:"resolution"`
	FrameRate       int           `json:"frame_rate_fps"`
	MaxStorageBytes int64         `json:"max_storage_bytes"`
}

// DefaultRecordingConfig returns 30 s clips at 720p30 with a 100 MB cap.
func DefaultRecordingConfig() RecordingConfig {
	return RecordingConfig{
		ClipLength:      30 * time.Second,
		Resolution:      Resolution720p,
		FrameRate:       30,
		MaxStorageBytes: MinMaxStorageBytes,
	}
}

// ErrOutOfRange is wrapped by validation errors.
var ErrOutOfRange = errors.New("value out of range")

// ValidateClipLength checks the clip length bounds.
func ValidateClipLength(d time.Duration) error {
	if d < MinClipLength || d > MaxClipLength {
		return fmt.Errorf("clip length %s not in [%s, %s]: %w", d, MinClipLength, MaxClipLength, ErrOutOfRange)
	}
	return nil
}

// ValidateMaxStorage checks the storage cap bounds.
func ValidateMaxStorage(n int64) error {
	if n < MinMaxStorageBytes || n > MaxMaxStorageBytes {
		return fmt.Errorf("max storage %d bytes not in [%d, %d]: %w", n, int64(MinMaxStorageBytes), int64(MaxMaxStorageBytes), ErrOutOfRange)
	}
	return nil
}

// Validate checks every field of the config.
func (c RecordingConfig) Validate() error {
	if err := ValidateClipLength(c.ClipLength); err != nil {
		return err
	}
	if !c.Resolution.IsSupported() {
		return fmt.Errorf("resolution %s unsupported: %w", c.Resolution, ErrOutOfRange)
	}
	if !SupportedFrameRate(c.FrameRate) {
		return fmt.Errorf("frame rate %d unsupported: %w", c.FrameRate, ErrOutOfRange)
	}
	return ValidateMaxStorage(c.MaxStorageBytes)
}

// BackupSettings are the user toggles for cloud backup.
type BackupSettings struct {
	AutoBackup bool `json:"auto_backup"`
	WifiOnly   bool `json:"wifi_only"`
}
