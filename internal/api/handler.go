// Package api is the local HTTP control surface a UI shell uses to drive the
// recorder and the backup coordinator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/navcam/dashcam/internal/backup"
	"github.com/navcam/dashcam/internal/clipstore"
	"github.com/navcam/dashcam/internal/models"
	"github.com/navcam/dashcam/internal/network"
	"github.com/navcam/dashcam/internal/realtime"
	"github.com/navcam/dashcam/internal/recorder"
	"github.com/navcam/dashcam/internal/serial"
	"github.com/navcam/dashcam/internal/settings"
	"github.com/navcam/dashcam/internal/upload"
	"github.com/navcam/dashcam/pkg/response"
	"github.com/navcam/dashcam/pkg/storage"
)

// Connector opens a remote storage session from signed-in credentials.
type Connector func(ctx context.Context, creds storage.Credentials) (upload.Remote, error)

// Handler serves the control endpoints.
type Handler struct {
	rec      *recorder.Recorder
	store    *clipstore.Store
	backup   *backup.Coordinator
	net      *network.Monitor
	settings settings.Store
	connect  Connector
	log      *zap.Logger
}

// Deps are the components a Handler drives.
type Deps struct {
	Recorder *recorder.Recorder
	Store    *clipstore.Store
	Backup   *backup.Coordinator
	Network  *network.Monitor
	Settings settings.Store
	Connect  Connector
	Logger   *zap.Logger
}

// NewHandler creates the control API handler.
func NewHandler(d Deps) *Handler {
	if d.Settings == nil {
		d.Settings = settings.NewMemoryStore()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Handler{
		rec:      d.Recorder,
		store:    d.Store,
		backup:   d.Backup,
		net:      d.Network,
		settings: d.Settings,
		connect:  d.Connect,
		log:      d.Logger.With(zap.String("component", "api")),
	}
}

// StorageUsage describes the clip directory.
type StorageUsage struct {
	Clips      int   `json:"clips"`
	UsedBytes  int64 `json:"used_bytes"`
	LimitBytes int64 `json:"limit_bytes"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Recording recorder.Status `json:"recording"`
	Backup    backup.Snapshot `json:"backup"`
	Network   network.Type    `json:"network"`
	Storage   StorageUsage    `json:"storage"`
}

// ClipView is a clip with its backup status.
type ClipView struct {
	models.Clip
	Backup models.BackupStatus `json:"backup"`
}

// RecordingSettingsRequest is the body for PUT /settings/recording. Omitted
// fields keep their current value.
type RecordingSettingsRequest struct {
	ClipLengthSeconds *int    `json:"clip_length_seconds"`
	Resolution        *string `json:"resolution"`
	FrameRate         *int    `json:"frame_rate"`
	MaxStorageMB      *int64  `json:"max_storage_mb"`
}

// BackupSettingsRequest is the body for PUT /settings/backup.
type BackupSettingsRequest struct {
	AutoBackup *bool `json:"auto_backup"`
	WifiOnly   *bool `json:"wifi_only"`
}

// NetworkRequest is the body for POST /network.
type NetworkRequest struct {
	Type string `json:"type" binding:"required"`
}

// DeleteClipsRequest is the body for POST /clips/delete.
type DeleteClipsRequest struct {
	IDs []string `json:"ids" binding:"required,min=1"`
}

// PruneClipsRequest is the optional body for POST /clips/prune. Without
// max_storage_mb the recorder's storage cap applies.
type PruneClipsRequest struct {
	MaxStorageMB int64 `json:"max_storage_mb" binding:"min=0"`
}

// PruneResult reports a prune pass.
type PruneResult struct {
	Evicted        []string `json:"evicted"`
	RemainingBytes int64    `json:"remaining_bytes"`
	LimitBytes     int64    `json:"limit_bytes"`
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	response.OK(c, gin.H{"status": "ok"})
}

// Status handles GET /status.
func (h *Handler) Status(c *gin.Context) {
	st, err := h.status(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, st)
}

func (h *Handler) status(ctx context.Context) (StatusResponse, error) {
	snap, err := h.backup.Snapshot(ctx)
	if err != nil {
		return StatusResponse{}, err
	}
	rs := h.rec.Status()
	usage := StorageUsage{LimitBytes: rs.Config.MaxStorageBytes}
	for clip := range h.store.List() {
		usage.Clips++
		usage.UsedBytes += clip.SizeBytes
	}
	return StatusResponse{Recording: rs, Backup: snap, Network: h.net.Current(), Storage: usage}, nil
}

// Hello is the greeting sent to a WebSocket client on connect.
func (h *Handler) Hello() (realtime.WSMessage, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := h.status(ctx)
	if err != nil {
		return realtime.WSMessage{}, false
	}
	data, err := json.Marshal(st)
	if err != nil {
		return realtime.WSMessage{}, false
	}
	return realtime.WSMessage{Event: "status", Data: data}, true
}

// StartRecording handles POST /recording/start.
func (h *Handler) StartRecording(c *gin.Context) {
	if err := h.rec.Start(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, h.rec.Status())
}

// StopRecording handles POST /recording/stop.
func (h *Handler) StopRecording(c *gin.Context) {
	if err := h.rec.Stop(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, h.rec.Status())
}

// ToggleRecording handles POST /recording/toggle.
func (h *Handler) ToggleRecording(c *gin.Context) {
	if _, err := h.rec.Toggle(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, h.rec.Status())
}

// UpdateRecordingSettings handles PUT /settings/recording.
func (h *Handler) UpdateRecordingSettings(c *gin.Context) {
	var req RecordingSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	cfg := h.rec.Config()
	if req.ClipLengthSeconds != nil {
		cfg.ClipLength = time.Duration(*req.ClipLengthSeconds) * time.Second
	}
	if req.Resolution != nil {
		res, err := models.ParseResolution(*req.Resolution)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		cfg.Resolution = res
	}
	if req.FrameRate != nil {
		cfg.FrameRate = *req.FrameRate
	}
	if req.MaxStorageMB != nil {
		cfg.MaxStorageBytes = *req.MaxStorageMB * 1_000_000
	}
	if err := h.rec.SetConfig(c.Request.Context(), cfg); err != nil {
		h.fail(c, err)
		return
	}
	h.persist(c.Request.Context())
	response.OK(c, h.rec.Config())
}

// UpdateBackupSettings handles PUT /settings/backup.
func (h *Handler) UpdateBackupSettings(c *gin.Context) {
	var req BackupSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ctx := c.Request.Context()
	if req.AutoBackup != nil {
		if err := h.backup.SetAutoBackup(ctx, *req.AutoBackup); err != nil {
			h.fail(c, err)
			return
		}
	}
	if req.WifiOnly != nil {
		if err := h.backup.SetWifiOnly(ctx, *req.WifiOnly); err != nil {
			h.fail(c, err)
			return
		}
	}
	s, err := h.backup.Settings(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.persist(ctx)
	response.OK(c, s)
}

// ListClips handles GET /clips. Clips are listed oldest first.
func (h *Handler) ListClips(c *gin.Context) {
	var clips []models.Clip
	for clip := range h.store.List() {
		clips = append(clips, clip)
	}
	ids := make([]string, len(clips))
	for i, clip := range clips {
		ids[i] = clip.ID
	}
	statuses, err := h.backup.Statuses(c.Request.Context(), ids)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]ClipView, 0, len(clips))
	for _, clip := range clips {
		out = append(out, ClipView{Clip: clip, Backup: statuses[clip.ID]})
	}
	response.OK(c, out)
}

// GetClip handles GET /clips/:id.
func (h *Handler) GetClip(c *gin.Context) {
	id := c.Param("id")
	clip, ok := h.store.Get(id)
	if !ok {
		response.NotFound(c, "clip not found")
		return
	}
	statuses, err := h.backup.Statuses(c.Request.Context(), []string{id})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, ClipView{Clip: clip, Backup: statuses[id]})
}

// DeleteClip handles DELETE /clips/:id.
func (h *Handler) DeleteClip(c *gin.Context) {
	id := c.Param("id")
	if err := clipstore.ValidateID(id); err != nil {
		h.fail(c, err)
		return
	}
	if _, ok := h.store.Get(id); !ok {
		if id == h.rec.Status().CurrentClipID {
			h.fail(c, recorder.ErrClipInProgress)
			return
		}
		response.NotFound(c, "clip not found")
		return
	}
	if err := h.deleteClips(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	response.NoContent(c)
}

// DeleteClips handles POST /clips/delete. Unknown ids are ignored.
func (h *Handler) DeleteClips(c *gin.Context) {
	var req DeleteClipsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.deleteClips(c.Request.Context(), req.IDs...); err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"deleted": req.IDs})
}

// deleteClips runs on the recorder so a clip cannot start or finish
// recording between the check and the delete.
func (h *Handler) deleteClips(ctx context.Context, ids ...string) error {
	if err := h.rec.DeleteClips(ctx, ids...); err != nil {
		return err
	}
	h.backup.Forget(ids...)
	return nil
}

// PruneClips handles POST /clips/prune. Evicted clips leave the backup
// queue through the recorder's eviction hook.
func (h *Handler) PruneClips(c *gin.Context) {
	var req PruneClipsRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	limit := req.MaxStorageMB * 1_000_000
	res, err := h.rec.Prune(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if limit == 0 {
		limit = h.rec.Config().MaxStorageBytes
	}
	h.log.Info("clips pruned", zap.Int("evicted", len(res.Evicted)), zap.Int64("remaining_bytes", res.Remaining))
	evicted := res.Evicted
	if evicted == nil {
		evicted = []string{}
	}
	response.OK(c, PruneResult{Evicted: evicted, RemainingBytes: res.Remaining, LimitBytes: limit})
}

// SetNetwork handles POST /network, used by shells that observe platform
// connectivity themselves.
func (h *Handler) SetNetwork(c *gin.Context) {
	var req NetworkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	t, err := network.ParseType(req.Type)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	h.net.Set(t)
	response.OK(c, gin.H{"network": t})
}

// SignIn handles POST /session with the credentials produced by the
// out-of-band sign-in.
func (h *Handler) SignIn(c *gin.Context) {
	if h.connect == nil {
		response.ServiceUnavailable(c, "remote storage not configured")
		return
	}
	var creds storage.Credentials
	if err := c.ShouldBindJSON(&creds); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	remote, err := h.connect(c.Request.Context(), creds)
	if err != nil {
		h.log.Warn("remote sign-in failed", zap.String("owner", creds.Owner), zap.Error(err))
		response.Fail(c, http.StatusBadGateway, "could not connect to remote storage")
		return
	}
	if err := h.backup.SignIn(c.Request.Context(), remote); err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"signed_in": true, "owner": creds.Owner})
}

// SignOut handles DELETE /session.
func (h *Handler) SignOut(c *gin.Context) {
	if err := h.backup.SignOut(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"signed_in": false})
}

// RetryBackup handles POST /backup/retry.
func (h *Handler) RetryBackup(c *gin.Context) {
	if err := h.backup.Retry(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	snap, err := h.backup.Snapshot(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Accepted(c, snap)
}

// persist saves the current settings. A failure is logged; the change already
// applies to the running components.
func (h *Handler) persist(ctx context.Context) {
	b, err := h.backup.Settings(ctx)
	if err != nil {
		h.log.Warn("read backup settings failed", zap.Error(err))
		return
	}
	s := settings.Settings{Recording: h.rec.Config(), Backup: b}
	if err := h.settings.Save(ctx, s); err != nil {
		h.log.Warn("persist settings failed", zap.Error(err))
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, recorder.ErrInvalidConfig), errors.Is(err, models.ErrOutOfRange):
		response.BadRequest(c, err.Error())
	case errors.Is(err, clipstore.ErrInvalidID):
		response.BadRequest(c, err.Error())
	case errors.Is(err, recorder.ErrClipInProgress):
		response.Fail(c, http.StatusConflict, err.Error())
	case errors.Is(err, serial.ErrStopped), errors.Is(err, context.Canceled):
		response.ServiceUnavailable(c, "shutting down")
	default:
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		response.ServiceUnavailable(c, err.Error())
	}
}
