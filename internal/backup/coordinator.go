// Package backup decides, for every finished clip, whether to upload it now
// or hold it in the pending queue, and drives uploads when conditions allow.
package backup

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"go.uber.org/zap"

	"github.com/navcam/dashcam/internal/events"
	"github.com/navcam/dashcam/internal/ledger"
	"github.com/navcam/dashcam/internal/metrics"
	"github.com/navcam/dashcam/internal/models"
	"github.com/navcam/dashcam/internal/network"
	"github.com/navcam/dashcam/internal/serial"
	"github.com/navcam/dashcam/internal/upload"
)

const (
	// DefaultFolderName is the remote folder clips are uploaded to.
	DefaultFolderName     = "NavCam"
	defaultAttemptTimeout = 10 * time.Minute
)

// Gateway is the upload surface the coordinator drives.
type Gateway interface {
	SetRemote(r upload.Remote)
	Revoke()
	ResolveFolder(ctx context.Context, name string) (string, error)
	Upload(ctx context.Context, localPath, folderID, displayName string, progress func(float64)) (string, error)
}

// Options configures a Coordinator.
type Options struct {
	Gateway        Gateway
	Ledger         ledger.Store
	Settings       models.BackupSettings
	Network        network.Type
	FolderName     string
	MaxConcurrent  int
	AttemptTimeout time.Duration
	Publisher      events.Publisher
	Logger         *zap.Logger
	Now            func() time.Time
}

// item is a queued clip.
type item struct {
	p models.PendingUpload
	// eligible items may be attempted by the next pump; a failed item waits
	// for the next trigger.
	eligible bool
}

// Snapshot summarizes coordinator state. Resolving is true while the
// destination folder is being looked up.
type Snapshot struct {
	Settings  models.BackupSettings `json:"settings"`
	Network   network.Type          `json:"network"`
	SignedIn  bool                  `json:"signed_in"`
	FolderID  string                `json:"folder_id,omitempty"`
	Resolving bool                  `json:"resolving"`
	Pending   int                   `json:"pending"`
	InFlight  int                   `json:"in_flight"`
	Uploaded  int                   `json:"uploaded"`
	Failed    int                   `json:"failed"`
}

// Coordinator owns the pending queue, the upload ledger and the destination
// folder handle. All of it is mutated on its serial loop only.
type Coordinator struct {
	gw             Gateway
	ledger         ledger.Store
	folderName     string
	maxConcurrent  int
	attemptTimeout time.Duration
	pub            events.Publisher
	log            *zap.Logger
	now            func() time.Time
	loop           *serial.Loop
	ctx            context.Context

	// loop-owned
	settings  models.BackupSettings
	network   network.Type
	signedIn  bool
	epoch     uint64
	resolving uint64
	folderID  string
	queue     []*item
	queued    map[string]*item
	inflight  map[string]float64
	uploaded  map[string]struct{}
	failed    map[string]struct{}
}

// New creates a coordinator. Call Run to restore the ledger and start it.
func New(opts Options) (*Coordinator, error) {
	if opts.Gateway == nil {
		return nil, errors.New("backup coordinator needs an upload gateway")
	}
	if opts.Ledger == nil {
		opts.Ledger = ledger.NewMemoryStore()
	}
	if opts.FolderName == "" {
		opts.FolderName = DefaultFolderName
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = defaultAttemptTimeout
	}
	if opts.Network == "" {
		opts.Network = network.Unknown
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		gw:             opts.Gateway,
		ledger:         opts.Ledger,
		folderName:     opts.FolderName,
		maxConcurrent:  opts.MaxConcurrent,
		attemptTimeout: opts.AttemptTimeout,
		pub:            opts.Publisher,
		log:            opts.Logger.With(zap.String("component", "backup")),
		now:            opts.Now,
		loop:           serial.New(),
		ctx:            context.Background(),
		settings:       opts.Settings,
		network:        opts.Network,
		queued:         make(map[string]*item),
		inflight:       make(map[string]float64),
		uploaded:       make(map[string]struct{}),
		failed:         make(map[string]struct{}),
	}, nil
}

// Run restores the persisted ledger, treats startup as a drain trigger and
// serves coordinator work until ctx is done. In-flight uploads are cancelled
// with ctx.
func (c *Coordinator) Run(ctx context.Context) {
	c.ctx = ctx
	c.restore(ctx)
	c.loop.Run(ctx, nil)
}

func (c *Coordinator) restore(ctx context.Context) {
	st, err := c.ledger.Load(ctx)
	if err != nil {
		c.log.Error("load ledger failed, starting empty", zap.Error(err))
		return
	}
	for _, id := range st.Uploaded {
		c.uploaded[id] = struct{}{}
	}
	for _, id := range st.Failed {
		c.failed[id] = struct{}{}
	}
	for _, p := range st.Pending {
		if _, done := c.uploaded[p.ClipID]; done {
			continue
		}
		if _, dup := c.queued[p.ClipID]; dup {
			continue
		}
		it := &item{p: p, eligible: true}
		c.queue = append(c.queue, it)
		c.queued[p.ClipID] = it
	}
	c.sortQueue()
	metrics.PendingUploads.Set(float64(len(c.queue)))
	c.log.Info("ledger restored",
		zap.Int("uploaded", len(c.uploaded)),
		zap.Int("failed", len(c.failed)),
		zap.Int("pending", len(c.queue)))
	c.loop.Post(c.pump)
}

// ClipFinished hands a finished clip to the coordinator. It never blocks, so
// it can be called from the recorder's loop.
func (c *Coordinator) ClipFinished(clip models.Clip) {
	c.loop.Post(func() { c.clipFinished(clip) })
}

// SetNetwork reports a connectivity change. A change to Wi-Fi drains the
// queue.
func (c *Coordinator) SetNetwork(t network.Type) {
	c.loop.Post(func() {
		if t == c.network {
			return
		}
		c.network = t
		c.pub.Publish(events.Event{Kind: events.KindNetworkChanged, Network: string(t)})
		if t == network.Wifi {
			c.drain("wifi")
		}
	})
}

// SignIn installs an authenticated remote session and starts resolving the
// destination folder.
func (c *Coordinator) SignIn(ctx context.Context, remote upload.Remote) error {
	return c.loop.Do(ctx, func() {
		c.gw.SetRemote(remote)
		c.signedIn = true
		c.epoch++
		c.folderID = ""
		c.publishSession()
		c.log.Info("signed in")
		c.startResolve()
	})
}

// SignOut revokes the session and clears the folder handle. Clips finished
// afterwards queue until a new session resolves its folder.
func (c *Coordinator) SignOut(ctx context.Context) error {
	return c.loop.Do(ctx, func() {
		c.gw.Revoke()
		c.signedIn = false
		c.epoch++
		c.folderID = ""
		c.publishSession()
		c.log.Info("signed out")
	})
}

// SetAutoBackup changes the auto-backup toggle. Queued clips are drained by
// the next trigger, not by the toggle itself.
func (c *Coordinator) SetAutoBackup(ctx context.Context, on bool) error {
	return c.loop.Do(ctx, func() { c.settings.AutoBackup = on })
}

// SetWifiOnly changes the Wi-Fi-only toggle.
func (c *Coordinator) SetWifiOnly(ctx context.Context, on bool) error {
	return c.loop.Do(ctx, func() { c.settings.WifiOnly = on })
}

// Settings returns the backup toggles.
func (c *Coordinator) Settings(ctx context.Context) (models.BackupSettings, error) {
	var s models.BackupSettings
	err := c.loop.Do(ctx, func() { s = c.settings })
	return s, err
}

// Retry is a manual drain trigger.
func (c *Coordinator) Retry(ctx context.Context) error {
	return c.loop.Do(ctx, func() {
		if c.signedIn && c.folderID == "" {
			c.startResolve()
		}
		c.drain("retry")
	})
}

// Forget drops deleted clips from the queue and the failed set.
func (c *Coordinator) Forget(ids ...string) {
	c.loop.Post(func() {
		for _, id := range ids {
			removed := c.remove(id)
			_, wasFailed := c.failed[id]
			delete(c.failed, id)
			if removed || wasFailed {
				if err := c.ledger.Forget(c.ctx, id); err != nil {
					c.log.Warn("ledger forget failed", zap.String("clip_id", id), zap.Error(err))
				}
			}
		}
		metrics.PendingUploads.Set(float64(len(c.queue)))
	})
}

// Snapshot returns a summary of the coordinator state.
func (c *Coordinator) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := c.loop.Do(ctx, func() {
		s = Snapshot{
			Settings:  c.settings,
			Network:   c.network,
			SignedIn:  c.signedIn,
			FolderID:  c.folderID,
			Resolving: c.epoch != 0 && c.resolving == c.epoch,
			Pending:   len(c.queue),
			InFlight:  len(c.inflight),
			Uploaded:  len(c.uploaded),
			Failed:    len(c.failed),
		}
	})
	return s, err
}

// Pending returns the queued clips in FIFO order.
func (c *Coordinator) Pending(ctx context.Context) ([]models.PendingUpload, error) {
	var out []models.PendingUpload
	err := c.loop.Do(ctx, func() {
		out = make([]models.PendingUpload, 0, len(c.queue))
		for _, it := range c.queue {
			out = append(out, it.p)
		}
	})
	return out, err
}

// ShouldUploadNow reports the gate: auto-backup on, signed in, and Wi-Fi when
// Wi-Fi-only is set.
func ShouldUploadNow(s models.BackupSettings, signedIn bool, n network.Type) bool {
	return s.AutoBackup && signedIn && (!s.WifiOnly || n == network.Wifi)
}

func (c *Coordinator) gate() bool {
	return ShouldUploadNow(c.settings, c.signedIn, c.network)
}

func (c *Coordinator) clipFinished(clip models.Clip) {
	if _, ok := c.uploaded[clip.ID]; ok {
		c.log.Debug("clip already uploaded, ignoring", zap.String("clip_id", clip.ID))
		return
	}
	if _, ok := c.queued[clip.ID]; ok {
		return
	}
	if _, ok := c.inflight[clip.ID]; ok {
		return
	}

	it := &item{
		p:        models.PendingUpload{ClipID: clip.ID, Path: clip.Path, EnqueuedAt: c.now().UTC()},
		eligible: c.gate(),
	}
	c.queue = append(c.queue, it)
	c.queued[clip.ID] = it
	metrics.PendingUploads.Set(float64(len(c.queue)))
	if err := c.ledger.PutPending(c.ctx, it.p); err != nil {
		c.log.Warn("persist pending upload failed", zap.String("clip_id", clip.ID), zap.Error(err))
	}
	c.pub.Publish(events.Event{Kind: events.KindUploadQueued, ClipID: clip.ID, Path: clip.Path})
	c.pump()
}

// drain makes every queued clip eligible and pumps.
func (c *Coordinator) drain(trigger string) {
	for _, it := range c.queue {
		it.eligible = true
	}
	if len(c.queue) > 0 {
		c.log.Info("draining pending uploads", zap.String("trigger", trigger), zap.Int("pending", len(c.queue)))
	}
	c.pump()
}

// pump starts eligible uploads in FIFO order while the gate is open, the
// folder is resolved and a slot is free.
func (c *Coordinator) pump() {
	if !c.gate() {
		return
	}
	if c.folderID == "" {
		if c.hasEligible() {
			c.startResolve()
		}
		return
	}
	for len(c.inflight) < c.maxConcurrent {
		it := c.nextEligible()
		if it == nil {
			break
		}
		c.remove(it.p.ClipID)
		c.inflight[it.p.ClipID] = 0
		c.startAttempt(it, c.folderID)
	}
	metrics.PendingUploads.Set(float64(len(c.queue)))
}

func (c *Coordinator) hasEligible() bool {
	return c.nextEligible() != nil
}

func (c *Coordinator) nextEligible() *item {
	for _, it := range c.queue {
		if it.eligible {
			return it
		}
	}
	return nil
}

func (c *Coordinator) startResolve() {
	if !c.signedIn || c.folderID != "" || c.resolving == c.epoch {
		return
	}
	epoch := c.epoch
	c.resolving = epoch
	name := c.folderName
	go func() {
		id, err := c.gw.ResolveFolder(c.ctx, name)
		c.loop.Post(func() { c.folderResolved(epoch, id, err) })
	}()
}

func (c *Coordinator) folderResolved(epoch uint64, id string, err error) {
	if c.resolving == epoch {
		c.resolving = 0
	}
	if epoch != c.epoch {
		c.log.Debug("discarding folder resolution from previous session")
		return
	}
	if err != nil {
		c.log.Warn("folder resolution failed, uploads stay queued", zap.String("folder", c.folderName), zap.Error(err))
		return
	}
	c.folderID = id
	c.pub.Publish(events.Event{Kind: events.KindFolderReady, FolderID: id})
	c.log.Info("destination folder ready", zap.String("folder", c.folderName), zap.String("folder_id", id))
	c.drain("folder_ready")
}

func (c *Coordinator) progress(id string, p float64) {
	cur, ok := c.inflight[id]
	if !ok || p <= cur {
		return
	}
	c.inflight[id] = p
	c.pub.Publish(events.Event{Kind: events.KindUploadProgress, ClipID: id, Progress: p})
}

func (c *Coordinator) attemptFinished(it *item, remoteID string, err error) {
	id := it.p.ClipID
	delete(c.inflight, id)

	switch {
	case err == nil:
		c.uploaded[id] = struct{}{}
		delete(c.failed, id)
		if lerr := c.ledger.MarkUploaded(c.ctx, id); lerr != nil {
			c.log.Warn("persist uploaded clip failed", zap.String("clip_id", id), zap.Error(lerr))
		}
		c.log.Info("clip uploaded", zap.String("clip_id", id), zap.String("remote_id", remoteID))
		c.pub.Publish(events.Event{Kind: events.KindUploadSucceeded, ClipID: id, Progress: 1})
	case errors.Is(err, fs.ErrNotExist):
		// clip deleted or evicted before it could be uploaded
		delete(c.failed, id)
		if lerr := c.ledger.Forget(c.ctx, id); lerr != nil {
			c.log.Warn("ledger forget failed", zap.String("clip_id", id), zap.Error(lerr))
		}
		c.pub.Publish(events.Event{Kind: events.KindUploadFailed, ClipID: id, Error: err.Error()})
	default:
		c.failed[id] = struct{}{}
		it.eligible = false
		c.insert(it)
		if lerr := c.ledger.MarkFailed(c.ctx, id); lerr != nil {
			c.log.Warn("persist failed clip failed", zap.String("clip_id", id), zap.Error(lerr))
		}
		c.pub.Publish(events.Event{Kind: events.KindUploadFailed, ClipID: id, Error: err.Error()})
	}
	c.pump()
}

// insert puts an item back at its FIFO position.
func (c *Coordinator) insert(it *item) {
	i := len(c.queue)
	for j, q := range c.queue {
		if it.p.EnqueuedAt.Before(q.p.EnqueuedAt) ||
			(it.p.EnqueuedAt.Equal(q.p.EnqueuedAt) && it.p.ClipID < q.p.ClipID) {
			i = j
			break
		}
	}
	c.queue = append(c.queue, nil)
	copy(c.queue[i+1:], c.queue[i:])
	c.queue[i] = it
	c.queued[it.p.ClipID] = it
	metrics.PendingUploads.Set(float64(len(c.queue)))
}

func (c *Coordinator) remove(id string) bool {
	if _, ok := c.queued[id]; !ok {
		return false
	}
	delete(c.queued, id)
	for i, it := range c.queue {
		if it.p.ClipID == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
	return true
}

func (c *Coordinator) sortQueue() {
	pending := make([]models.PendingUpload, len(c.queue))
	for i, it := range c.queue {
		pending[i] = it.p
	}
	ledger.SortPending(pending)
	for i, p := range pending {
		c.queue[i] = c.queued[p.ClipID]
	}
}

func (c *Coordinator) publishSession() {
	signedIn := c.signedIn
	c.pub.Publish(events.Event{Kind: events.KindSession, SignedIn: &signedIn})
}
