// Package recorder runs the dash-cam loop: it records fixed-length clips
// through a capture backend, rotates them on a timer, keeps the clip store
// under its storage cap and reports every finished clip.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/navcam/dashcam/internal/capture"
	"github.com/navcam/dashcam/internal/clipstore"
	"github.com/navcam/dashcam/internal/events"
	"github.com/navcam/dashcam/internal/metrics"
	"github.com/navcam/dashcam/internal/models"
	"github.com/navcam/dashcam/internal/serial"
)

var (
	// ErrInvalidConfig wraps out-of-range recording parameters.
	ErrInvalidConfig = errors.New("invalid recording config")
	// ErrClipInProgress is returned when deleting a clip that is still being
	// recorded or finalized.
	ErrClipInProgress = errors.New("clip is being recorded")
)

// finalizeGrace bounds how long shutdown waits for clips still finalizing.
const finalizeGrace = 15 * time.Second

// Ticker is the rotation timer.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type stdTicker struct{ t *time.Ticker }

func (s stdTicker) C() <-chan time.Time { return s.t.C }
func (s stdTicker) Stop()               { s.t.Stop() }

// NewStdTicker wraps time.NewTicker.
func NewStdTicker(d time.Duration) Ticker { return stdTicker{time.NewTicker(d)} }

// Options configures a Recorder.
type Options struct {
	Store     *clipstore.Store
	Backend   capture.Backend
	Config    models.RecordingConfig
	Publisher events.Publisher
	// OnClipFinished receives each finished clip, in rotation order.
	OnClipFinished func(models.Clip)
	// OnClipsEvicted receives the ids of clips deleted to stay under the
	// storage limit.
	OnClipsEvicted func(ids []string)
	Logger         *zap.Logger
	NewTicker      func(time.Duration) Ticker
	NewID          func() string
}

// Status is a point-in-time view of the recorder.
type Status struct {
	State         models.RecordingState  `json:"state"`
	Config        models.RecordingConfig `json:"config"`
	Format        capture.Format         `json:"format"`
	CurrentClipID string                 `json:"current_clip_id,omitempty"`
}

// clip is a clip that has been begun and not yet reported.
type clip struct {
	id       string
	path     string
	finished chan struct{}
	err      error
	done     bool
}

// Recorder owns the recording state. All state changes happen on its serial
// loop; public methods hand work to the loop and wait for it.
type Recorder struct {
	store     *clipstore.Store
	backend   capture.Backend
	pub       events.Publisher
	onFinish  func(models.Clip)
	onEvict   func([]string)
	log       *zap.Logger
	newTicker func(time.Duration) Ticker
	newID     func() string
	loop      *serial.Loop
	grace     time.Duration

	formatsMu sync.Mutex
	formats   []capture.Format

	// loop-owned
	state       models.RecordingState
	cfg         models.RecordingConfig
	format      capture.Format
	current     *clip
	inflight    []*clip
	ticker      Ticker
	tickerStop  chan struct{}
	tickGen     int
	armedLength time.Duration

	statusMu sync.RWMutex
	status   Status
}

// New creates an idle recorder. Call Run to start its loop.
func New(opts Options) (*Recorder, error) {
	if opts.Store == nil || opts.Backend == nil {
		return nil, errors.New("recorder needs a clip store and a capture backend")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NewTicker == nil {
		opts.NewTicker = NewStdTicker
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	r := &Recorder{
		store:     opts.Store,
		backend:   opts.Backend,
		pub:       opts.Publisher,
		onFinish:  opts.OnClipFinished,
		onEvict:   opts.OnClipsEvicted,
		log:       opts.Logger.With(zap.String("component", "recorder")),
		newTicker: opts.NewTicker,
		newID:     opts.NewID,
		loop:      serial.New(),
		grace:     finalizeGrace,
		state:     models.RecordingStateIdle,
		cfg:       opts.Config,
	}
	r.publishStatus()
	return r, nil
}

// Run processes recorder work until ctx is done. On exit an active recording
// is stopped and clips still finalizing are reported before Run returns.
func (r *Recorder) Run(ctx context.Context) {
	r.loop.Run(ctx, func() {
		r.stop(context.Background())
		r.awaitFinalized(r.grace)
	})
}

// Status returns the current recorder status.
func (r *Recorder) Status() Status {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status
}

// State returns the recording state.
func (r *Recorder) State() models.RecordingState { return r.Status().State }

// Config returns the recording parameters.
func (r *Recorder) Config() models.RecordingConfig { return r.Status().Config }

// Start begins recording. It is a no-op while already recording. A capture
// setup failure is returned and leaves the recorder idle.
func (r *Recorder) Start(ctx context.Context) error {
	formats := r.availableFormats(ctx)
	var err error
	if derr := r.loop.Do(ctx, func() { err = r.start(ctx, formats) }); derr != nil {
		return derr
	}
	return err
}

// Stop ends recording. It is a no-op while idle.
func (r *Recorder) Stop(ctx context.Context) error {
	var err error
	if derr := r.loop.Do(ctx, func() { err = r.stop(ctx) }); derr != nil {
		return derr
	}
	return err
}

// Toggle stops when recording and starts otherwise. It returns the new state.
func (r *Recorder) Toggle(ctx context.Context) (models.RecordingState, error) {
	formats := r.availableFormats(ctx)
	var (
		err   error
		state models.RecordingState
	)
	derr := r.loop.Do(ctx, func() {
		if r.state == models.RecordingStateRecording {
			err = r.stop(ctx)
		} else {
			err = r.start(ctx, formats)
		}
		state = r.state
	})
	if derr != nil {
		return r.State(), derr
	}
	return state, err
}

// SetClipLength changes the rotation period from the next rotation on.
func (r *Recorder) SetClipLength(ctx context.Context, d time.Duration) error {
	if err := models.ValidateClipLength(d); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return r.update(ctx, func(c *models.RecordingConfig) { c.ClipLength = d })
}

// SetResolution changes the frame size from the next clip on.
func (r *Recorder) SetResolution(ctx context.Context, res models.Resolution) error {
	if !res.IsSupported() {
		return fmt.Errorf("%w: unsupported resolution %s", ErrInvalidConfig, res)
	}
	return r.update(ctx, func(c *models.RecordingConfig) { c.Resolution = res })
}

// SetFrameRate changes the frame rate from the next clip on.
func (r *Recorder) SetFrameRate(ctx context.Context, fps int) error {
	if !models.SupportedFrameRate(fps) {
		return fmt.Errorf("%w: unsupported frame rate %d", ErrInvalidConfig, fps)
	}
	return r.update(ctx, func(c *models.RecordingConfig) { c.FrameRate = fps })
}

// SetMaxStorageBytes changes the storage cap used by the next eviction pass.
func (r *Recorder) SetMaxStorageBytes(ctx context.Context, n int64) error {
	if err := models.ValidateMaxStorage(n); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return r.update(ctx, func(c *models.RecordingConfig) { c.MaxStorageBytes = n })
}

// SetConfig replaces all recording parameters at once.
func (r *Recorder) SetConfig(ctx context.Context, cfg models.RecordingConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return r.update(ctx, func(c *models.RecordingConfig) { *c = cfg })
}

// DeleteClips removes finished clips from the store. Clips still being
// recorded or finalized are refused with ErrClipInProgress and nothing is
// deleted.
func (r *Recorder) DeleteClips(ctx context.Context, ids ...string) error {
	var err error
	if derr := r.loop.Do(ctx, func() { err = r.deleteClips(ids) }); derr != nil {
		return derr
	}
	return err
}

// Prune evicts the oldest finished clips until the store fits limit. A zero
// limit means the configured storage cap.
func (r *Recorder) Prune(ctx context.Context, limit int64) (clipstore.EvictResult, error) {
	if limit < 0 {
		return clipstore.EvictResult{}, fmt.Errorf("%w: negative storage limit", ErrInvalidConfig)
	}
	var res clipstore.EvictResult
	err := r.loop.Do(ctx, func() {
		if limit == 0 {
			limit = r.cfg.MaxStorageBytes
		}
		res = r.evictUntil(limit)
	})
	return res, err
}

func (r *Recorder) deleteClips(ids []string) error {
	for _, id := range ids {
		if err := clipstore.ValidateID(id); err != nil {
			return err
		}
		if r.inProgress(id) {
			return fmt.Errorf("%w: %s", ErrClipInProgress, id)
		}
	}
	if err := r.store.Delete(ids...); err != nil {
		return err
	}
	r.log.Info("clips deleted", zap.Strings("clip_ids", ids))
	return nil
}

func (r *Recorder) inProgress(id string) bool {
	for _, c := range r.inflight {
		if c.id == id {
			return true
		}
	}
	return false
}

func (r *Recorder) update(ctx context.Context, fn func(*models.RecordingConfig)) error {
	return r.loop.Do(ctx, func() {
		fn(&r.cfg)
		r.publishStatus()
	})
}

// availableFormats enumerates device formats once. Enumeration failures are
// not cached so a later start can retry.
func (r *Recorder) availableFormats(ctx context.Context) []capture.Format {
	r.formatsMu.Lock()
	defer r.formatsMu.Unlock()
	if r.formats != nil {
		return r.formats
	}
	formats, err := r.backend.Formats(ctx)
	if err != nil {
		r.log.Warn("format enumeration failed, using requested format", zap.Error(err))
		return nil
	}
	r.formats = formats
	return formats
}

func (r *Recorder) wantedFormat() capture.Format {
	return capture.Format{Width: r.cfg.Resolution.Width, Height: r.cfg.Resolution.Height, FPS: r.cfg.FrameRate}
}

func (r *Recorder) configure(ctx context.Context, formats []capture.Format) error {
	want := r.wantedFormat()
	f, _ := capture.BestMatch(formats, want)
	if f == r.format {
		return nil
	}
	if err := r.backend.Configure(ctx, f); err != nil {
		return err
	}
	if f != want {
		r.log.Info("requested format unavailable, using closest match",
			zap.String("requested", want.String()), zap.String("format", f.String()))
	}
	r.format = f
	return nil
}

func (r *Recorder) start(ctx context.Context, formats []capture.Format) error {
	if r.state == models.RecordingStateRecording {
		return nil
	}
	if err := r.configure(ctx, formats); err != nil {
		r.log.Error("capture setup failed", zap.Error(err))
		return fmt.Errorf("configure capture: %w", err)
	}
	if err := r.backend.Start(ctx); err != nil {
		r.log.Error("capture setup failed", zap.Error(err))
		return fmt.Errorf("start capture: %w", err)
	}
	if err := r.beginClip(); err != nil {
		_ = r.backend.Stop(ctx)
		r.log.Error("first clip failed to start", zap.Error(err))
		return fmt.Errorf("begin clip: %w", err)
	}
	r.state = models.RecordingStateRecording
	r.arm(r.cfg.ClipLength)
	metrics.Recording.Set(1)
	r.publishStatus()
	r.pub.Publish(events.Event{Kind: events.KindRecordingState, State: string(r.state)})
	r.log.Info("recording started",
		zap.Duration("clip_length", r.cfg.ClipLength),
		zap.String("format", r.format.String()),
		zap.Int64("max_storage_bytes", r.cfg.MaxStorageBytes))
	return nil
}

func (r *Recorder) stop(ctx context.Context) error {
	if r.state == models.RecordingStateIdle {
		return nil
	}
	r.disarm()
	r.current = nil
	// Stop also ends the clip in progress; its completion arrives later.
	err := r.backend.Stop(ctx)
	if err != nil {
		r.log.Warn("capture stop failed", zap.Error(err))
	}
	r.state = models.RecordingStateIdle
	metrics.Recording.Set(0)
	r.publishStatus()
	r.pub.Publish(events.Event{Kind: events.KindRecordingState, State: string(r.state)})
	r.log.Info("recording stopped")
	return nil
}

// rotate finalizes the clip in progress, makes room and begins the next one.
func (r *Recorder) rotate(gen int) {
	if gen != r.tickGen || r.state != models.RecordingStateRecording {
		return
	}
	if r.current != nil {
		r.backend.EndClip()
		r.current = nil
	}
	r.evict()

	if err := r.configure(context.Background(), r.cachedFormats()); err != nil {
		r.log.Warn("capture reconfigure failed, keeping previous format", zap.Error(err))
	}
	if err := r.beginClip(); err != nil {
		r.captureError("", err)
	}
	if r.cfg.ClipLength != r.armedLength {
		r.arm(r.cfg.ClipLength)
	}
}

func (r *Recorder) cachedFormats() []capture.Format {
	r.formatsMu.Lock()
	defer r.formatsMu.Unlock()
	return r.formats
}

func (r *Recorder) beginClip() error {
	c := &clip{id: r.newID(), finished: make(chan struct{})}
	c.path = r.store.PathFor(c.id)
	err := r.backend.BeginClip(c.path, func(err error) {
		c.err = err
		close(c.finished)
		r.loop.Post(func() { r.clipDone(c) })
	})
	if err != nil {
		return err
	}
	r.current = c
	r.inflight = append(r.inflight, c)
	r.publishStatus()
	r.log.Debug("clip started", zap.String("clip_id", c.id), zap.String("path", c.path))
	return nil
}

func (r *Recorder) clipDone(c *clip) {
	if c.done {
		return
	}
	c.done = true
	if c == r.current {
		r.current = nil
		if r.state == models.RecordingStateRecording {
			r.log.Warn("clip ended unexpectedly, starting next clip", zap.String("clip_id", c.id), zap.Error(c.err))
			if err := r.beginClip(); err != nil {
				r.captureError("", err)
			}
		}
	}
	r.flush()
}

// flush reports finished clips at the head of the in-flight list so that
// reports follow rotation order.
func (r *Recorder) flush() {
	for len(r.inflight) > 0 && r.inflight[0].done {
		c := r.inflight[0]
		r.inflight[0] = nil
		r.inflight = r.inflight[1:]
		r.finish(c)
	}
	r.publishStatus()
}

func (r *Recorder) finish(c *clip) {
	r.evict(c.id)

	info, err := os.Stat(c.path)
	if err != nil {
		metrics.ClipsFinished.WithLabelValues("missing").Inc()
		if c.err != nil {
			err = c.err
		}
		r.captureError(c.id, fmt.Errorf("clip file missing: %w", err))
		return
	}

	finished := models.Clip{ID: c.id, Ext: r.store.Ext(), CreatedAt: info.ModTime().UTC(), SizeBytes: info.Size(), Path: c.path}
	if stored, ok := r.store.Get(c.id); ok {
		finished = stored
	}
	ev := events.Event{Kind: events.KindClipFinished, ClipID: c.id, Path: c.path, SizeBytes: finished.SizeBytes}
	if c.err != nil {
		metrics.ClipsFinished.WithLabelValues("error").Inc()
		ev.Error = c.err.Error()
		r.log.Warn("clip finished with capture error", zap.String("clip_id", c.id), zap.Int64("size_bytes", finished.SizeBytes), zap.Error(c.err))
	} else {
		metrics.ClipsFinished.WithLabelValues("ok").Inc()
		r.log.Info("clip finished", zap.String("clip_id", c.id), zap.Int64("size_bytes", finished.SizeBytes))
	}
	r.pub.Publish(ev)
	if r.onFinish != nil {
		r.onFinish(finished)
	}
}

// evict runs an eviction pass against the storage cap.
func (r *Recorder) evict(extra ...string) {
	r.evictUntil(r.cfg.MaxStorageBytes, extra...)
}

// evictUntil protects every clip not yet reported plus the extra ids.
func (r *Recorder) evictUntil(limit int64, extra ...string) clipstore.EvictResult {
	protect := append([]string(nil), extra...)
	for _, c := range r.inflight {
		protect = append(protect, c.id)
	}
	res := r.store.EvictOldestUntil(limit, protect...)
	if len(res.Evicted) > 0 {
		r.pub.Publish(events.Event{Kind: events.KindClipsEvicted, ClipIDs: res.Evicted, SizeBytes: res.Remaining})
		if r.onEvict != nil {
			r.onEvict(res.Evicted)
		}
	}
	return res
}

func (r *Recorder) captureError(clipID string, err error) {
	r.log.Error("capture error", zap.String("clip_id", clipID), zap.Error(err))
	r.pub.Publish(events.Event{Kind: events.KindCaptureError, ClipID: clipID, Error: err.Error()})
}

func (r *Recorder) arm(d time.Duration) {
	r.disarm()
	t := r.newTicker(d)
	stop := make(chan struct{})
	r.tickGen++
	gen := r.tickGen
	r.ticker = t
	r.tickerStop = stop
	r.armedLength = d
	go func() {
		for {
			select {
			case <-t.C():
				r.loop.Post(func() { r.rotate(gen) })
			case <-stop:
				return
			}
		}
	}()
}

func (r *Recorder) disarm() {
	if r.ticker == nil {
		return
	}
	r.ticker.Stop()
	close(r.tickerStop)
	r.ticker = nil
	r.tickerStop = nil
	r.tickGen++
}

// awaitFinalized waits for clips still finalizing and reports them. It runs
// on the loop during shutdown, when posted completions are no longer served.
func (r *Recorder) awaitFinalized(grace time.Duration) {
	deadline := time.After(grace)
	for _, c := range append([]*clip(nil), r.inflight...) {
		select {
		case <-c.finished:
			c.done = true
		case <-deadline:
			r.log.Warn("clip did not finalize before shutdown", zap.String("clip_id", c.id))
			return
		}
	}
	r.flush()
}

func (r *Recorder) publishStatus() {
	s := Status{State: r.state, Config: r.cfg, Format: r.format}
	if r.current != nil {
		s.CurrentClipID = r.current.id
	}
	r.statusMu.Lock()
	r.status = s
	r.statusMu.Unlock()
}
