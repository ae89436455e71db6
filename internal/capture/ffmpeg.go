package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultStopTimeout = 10 * time.Second

// FFmpegConfig describes how clips are recorded with the ffmpeg binary.
type FFmpegConfig struct {
	Binary      string   // ffmpeg executable, default "ffmpeg"
	InputFormat string   // demuxer, default "v4l2"
	Device      string   // e.g. /dev/video0
	EncoderArgs []string // output options placed before the file name
	FrameRates  []int    // rates assumed for every listed size (the demuxer only lists sizes)
	StopTimeout time.Duration
}

// FFmpeg records each clip with its own ffmpeg process reading the camera
// device. A clip's process is started only after the previous one has released
// the device, so BeginClip never blocks the caller.
type FFmpeg struct {
	cfg FFmpegConfig
	log *zap.Logger

	mu      sync.Mutex
	format  Format
	running bool
	current *clipProc
	last    *clipProc
}

type clipProc struct {
	path string
	done Completion

	mu      sync.Mutex
	cmd     *exec.Cmd
	ended   bool
	stderr  *tailBuffer
	exited  chan struct{}
	timeout time.Duration
}

// NewFFmpeg creates an ffmpeg capture backend.
func NewFFmpeg(cfg FFmpegConfig, log *zap.Logger) *FFmpeg {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "v4l2"
	}
	if len(cfg.EncoderArgs) == 0 {
		cfg.EncoderArgs = []string{"-c:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p"}
	}
	if len(cfg.FrameRates) == 0 {
		cfg.FrameRates = []int{30}
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FFmpeg{cfg: cfg, log: log.With(zap.String("component", "capture"))}
}

// Formats runs the demuxer's format listing against the device.
func (f *FFmpeg) Formats(ctx context.Context) ([]Format, error) {
	cmd := exec.CommandContext(ctx, f.cfg.Binary,
		"-hide_banner",
		"-f", f.cfg.InputFormat,
		"-list_formats", "all",
		"-i", f.cfg.Device,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	// ffmpeg exits non-zero after listing because no output is given
	err := cmd.Run()
	formats := ParseFormatList(out.String(), f.cfg.FrameRates)
	if len(formats) == 0 {
		if err == nil {
			err = errors.New("no formats listed")
		}
		return nil, fmt.Errorf("list formats of %s: %w", f.cfg.Device, err)
	}
	return formats, nil
}

// Configure sets the format used from the next clip on.
func (f *FFmpeg) Configure(_ context.Context, format Format) error {
	if format.Width <= 0 || format.Height <= 0 || format.FPS <= 0 {
		return fmt.Errorf("invalid capture format %s", format)
	}
	f.mu.Lock()
	f.format = format
	f.mu.Unlock()
	return nil
}

// Start checks that the ffmpeg binary and the device are usable.
func (f *FFmpeg) Start(_ context.Context) error {
	if _, err := exec.LookPath(f.cfg.Binary); err != nil {
		return fmt.Errorf("ffmpeg not found: %w", err)
	}
	if strings.HasPrefix(f.cfg.Device, "/dev/") {
		if _, err := os.Stat(f.cfg.Device); err != nil {
			return fmt.Errorf("capture device: %w", err)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.format == (Format{}) {
		return errors.New("capture format not configured")
	}
	f.running = true
	f.log.Info("capture session started", zap.String("device", f.cfg.Device), zap.String("format", f.format.String()))
	return nil
}

// Stop interrupts the clip in progress. The device is released once its
// process exits; a clip begun after a restart waits for that.
func (f *FFmpeg) Stop(_ context.Context) error {
	f.mu.Lock()
	f.running = false
	cur := f.current
	f.current = nil
	f.mu.Unlock()

	if cur != nil {
		cur.stop()
	}
	f.log.Info("capture session stopped")
	return nil
}

// Wait blocks until the last clip process has exited.
func (f *FFmpeg) Wait(ctx context.Context) error {
	f.mu.Lock()
	last := f.last
	f.mu.Unlock()
	if last == nil {
		return nil
	}
	select {
	case <-last.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BeginClip queues a new ffmpeg process writing to path.
func (f *FFmpeg) BeginClip(path string, done Completion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return ErrNotRunning
	}
	if f.current != nil {
		return ErrClipInProgress
	}
	p := &clipProc{
		path:    path,
		done:    done,
		stderr:  &tailBuffer{max: 4096},
		exited:  make(chan struct{}),
		timeout: f.cfg.StopTimeout,
	}
	prev := f.last
	f.current = p
	f.last = p
	go p.run(prev, f.cfg.Binary, f.args(path), f.log, func() {
		f.mu.Lock()
		if f.current == p {
			f.current = nil
		}
		f.mu.Unlock()
	})
	return nil
}

// EndClip interrupts the clip in progress.
func (f *FFmpeg) EndClip() {
	f.mu.Lock()
	cur := f.current
	f.current = nil
	f.mu.Unlock()
	if cur != nil {
		cur.stop()
	}
}

func (f *FFmpeg) args(path string) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", f.cfg.InputFormat,
		"-framerate", strconv.Itoa(f.format.FPS),
		"-video_size", fmt.Sprintf("%dx%d", f.format.Width, f.format.Height),
		"-i", f.cfg.Device,
	}
	args = append(args, f.cfg.EncoderArgs...)
	return append(args, "-y", path)
}

func (p *clipProc) run(prev *clipProc, bin string, args []string, log *zap.Logger, exited func()) {
	if prev != nil {
		<-prev.exited
	}

	p.mu.Lock()
	if p.ended {
		// Stopped before ffmpeg ran: the clip still exists, with no frames.
		p.mu.Unlock()
		close(p.exited)
		exited()
		err := os.WriteFile(p.path, nil, 0o600)
		if err != nil {
			err = fmt.Errorf("create empty clip: %w", err)
		} else {
			log.Debug("clip ended before capture started", zap.String("path", p.path))
		}
		p.done(err)
		return
	}
	cmd := exec.Command(bin, args...)
	cmd.Stdout = nil
	cmd.Stderr = p.stderr
	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		close(p.exited)
		exited()
		p.done(fmt.Errorf("start ffmpeg: %w", err))
		return
	}
	p.cmd = cmd
	p.mu.Unlock()

	log.Debug("clip capture started", zap.String("path", p.path), zap.Int("pid", cmd.Process.Pid))
	err := cmd.Wait()

	p.mu.Lock()
	interrupted := p.ended
	p.mu.Unlock()
	close(p.exited)
	exited()

	var exitErr *exec.ExitError
	if err != nil && interrupted && errors.As(err, &exitErr) {
		// ffmpeg exits non-zero after a requested interrupt
		err = nil
	}
	if err != nil {
		err = fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(p.stderr.String()))
	}
	p.done(err)
}

func (p *clipProc) stop() {
	p.mu.Lock()
	p.ended = true
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)
	go func() {
		select {
		case <-p.exited:
		case <-time.After(p.timeout):
			_ = cmd.Process.Kill()
		}
	}()
}

var (
	formatLine = regexp.MustCompile(`(?:Raw|Compressed)\s*:.*:\s*((?:\d+x\d+\s*)+)$`)
	sizeToken  = regexp.MustCompile(`(\d+)x(\d+)`)
)

// ParseFormatList extracts frame sizes from ffmpeg's "-list_formats all"
// output and pairs each with the given frame rates. Duplicates are dropped.
func ParseFormatList(out string, rates []int) []Format {
	seen := make(map[Format]struct{})
	var formats []Format
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		m := formatLine.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		for _, s := range sizeToken.FindAllStringSubmatch(m[1], -1) {
			w, _ := strconv.Atoi(s[1])
			h, _ := strconv.Atoi(s[2])
			for _, r := range rates {
				f := Format{Width: w, Height: h, FPS: r}
				if _, ok := seen[f]; ok {
					continue
				}
				seen[f] = struct{}{}
				formats = append(formats, f)
			}
		}
	}
	return formats
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
