package capture

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const listOutput = `[video4linux2,v4l2 @ 0x55d6c3a0] Raw       :     yuyv422 :           YUYV 4:2:2 : 640x480 1280x720
[video4linux2,v4l2 @ 0x55d6c3a0] Compressed:       mjpeg :          Motion-JPEG : 640x480 1280x720 1920x1080
/dev/video0: Immediate exit requested`

func TestParseFormatList(t *testing.T) {
	formats := ParseFormatList(listOutput, []int{30, 60})

	assert.Equal(t, []Format{
		{640, 480, 30}, {640, 480, 60},
		{1280, 720, 30}, {1280, 720, 60},
		{1920, 1080, 30}, {1920, 1080, 60},
	}, formats)
}

func TestParseFormatListIgnoresNoise(t *testing.T) {
	assert.Empty(t, ParseFormatList("ffmpeg version 6.0\nInput #0, video4linux2", []int{30}))
}

func TestFFmpegBeginClipRequiresStart(t *testing.T) {
	f := NewFFmpeg(FFmpegConfig{Device: "/dev/video0"}, nil)
	err := f.BeginClip("/tmp/x.mov", func(error) {})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestFFmpegArgs(t *testing.T) {
	f := NewFFmpeg(FFmpegConfig{Device: "/dev/video2", EncoderArgs: []string{"-c:v", "copy"}}, nil)
	require.NoError(t, f.Configure(context.Background(), Format{1920, 1080, 60}))

	args := f.args("/clips/a.mov")

	assert.Equal(t, []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", "v4l2", "-framerate", "60", "-video_size", "1920x1080",
		"-i", "/dev/video2", "-c:v", "copy", "-y", "/clips/a.mov",
	}, args)
}

func TestFFmpegConfigureRejectsEmptyFormat(t *testing.T) {
	f := NewFFmpeg(FFmpegConfig{}, nil)
	assert.Error(t, f.Configure(context.Background(), Format{}))
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{max: 4}
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("def"))
	assert.Equal(t, "cdef", b.String())
}

func TestClipEndedBeforeCaptureLeavesEmptyClip(t *testing.T) {
	prev := &clipProc{exited: make(chan struct{})}
	path := filepath.Join(t.TempDir(), "c1.mp4")
	result := make(chan error, 1)
	p := &clipProc{
		path:   path,
		done:   func(err error) { result <- err },
		stderr: &tailBuffer{max: 64},
		exited: make(chan struct{}),
	}
	var exited atomic.Bool
	go p.run(prev, "ffmpeg-not-started", nil, zap.NewNop(), func() { exited.Store(true) })

	// the previous clip is still finalizing when this one is stopped
	p.stop()
	close(prev.exited)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("completion not delivered")
	}
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
	assert.True(t, exited.Load())
}
