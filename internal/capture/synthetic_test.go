package capture

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticWritesOneFilePerClip(t *testing.T) {
	s := NewSynthetic(4000, nil)
	s.Interval = 5 * time.Millisecond
	ctx := context.Background()
	require.NoError(t, s.Configure(ctx, Format{1280, 720, 30}))
	require.NoError(t, s.Start(ctx))

	path := filepath.Join(t.TempDir(), "a.mov")
	done := make(chan error, 1)
	require.NoError(t, s.BeginClip(path, func(err error) { done <- err }))
	assert.ErrorIs(t, s.BeginClip(path, func(error) {}), ErrClipInProgress)

	time.Sleep(30 * time.Millisecond)
	s.EndClip()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("completion not delivered")
	}
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	require.NoError(t, s.Stop(ctx))
	assert.ErrorIs(t, s.BeginClip(path, func(error) {}), ErrNotRunning)
}
