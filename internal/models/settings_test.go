package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResolution(t *testing.T) {
	r, err := ParseResolution("1920x1080")
	require.NoError(t, err)
	assert.Equal(t, Resolution1080p, r)

	r, err = ParseResolution("1280×720")
	require.NoError(t, err)
	assert.Equal(t, Resolution720p, r)

	_, err = ParseResolution("wide")
	assert.Error(t, err)
}

func TestRecordingConfigValidate(t *testing.T) {
	require.NoError(t, DefaultRecordingConfig().Validate())

	cfg := DefaultRecordingConfig()
	cfg.ClipLength = 2 * time.Second
	assert.ErrorIs(t, cfg.Validate(), ErrOutOfRange)

	cfg = DefaultRecordingConfig()
	cfg.Resolution = Resolution{Width: 640, Height: 480}
	assert.ErrorIs(t, cfg.Validate(), ErrOutOfRange)

	cfg = DefaultRecordingConfig()
	cfg.FrameRate = 24
	assert.ErrorIs(t, cfg.Validate(), ErrOutOfRange)

	cfg = DefaultRecordingConfig()
	cfg.MaxStorageBytes = 3000 * 1_000_000
	assert.ErrorIs(t, cfg.Validate(), ErrOutOfRange)
}

func TestClipIDFromPath(t *testing.T) {
	assert.Equal(t, "abc", ClipIDFromPath("/tmp/clips/abc.mov"))
	assert.Equal(t, "abc", Clip{ID: "abc", Ext: ".mov"}.Name()[:3])
}
