package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/navcam/dashcam/internal/auth"
	"github.com/navcam/dashcam/internal/backup"
	"github.com/navcam/dashcam/internal/capture"
	"github.com/navcam/dashcam/internal/clipstore"
	"github.com/navcam/dashcam/internal/middleware"
	"github.com/navcam/dashcam/internal/models"
	"github.com/navcam/dashcam/internal/network"
	"github.com/navcam/dashcam/internal/recorder"
	"github.com/navcam/dashcam/internal/settings"
	"github.com/navcam/dashcam/internal/upload"
	"github.com/navcam/dashcam/pkg/response"
	"github.com/navcam/dashcam/pkg/storage"
)

type nullRemote struct{}

func (nullRemote) FindFolder(context.Context, string) (string, bool, error) {
	return "folder", true, nil
}

func (nullRemote) CreateFolder(context.Context, string) (string, error) { return "folder", nil }

func (nullRemote) Upload(_ context.Context, _, name, _ string, body io.Reader, _ int64) (string, error) {
	_, err := io.Copy(io.Discard, body)
	return name, err
}

type env struct {
	router   *gin.Engine
	store    *clipstore.Store
	rec      *recorder.Recorder
	backup   *backup.Coordinator
	net      *network.Monitor
	settings *settings.MemoryStore
	control  string
	read     string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := clipstore.New(t.TempDir(), ".mov", zap.NewNop())
	require.NoError(t, err)
	rec, err := recorder.New(recorder.Options{
		Store:   store,
		Backend: capture.NewSynthetic(4096, nil),
		Config:  models.DefaultRecordingConfig(),
	})
	require.NoError(t, err)
	coord, err := backup.New(backup.Options{Gateway: upload.NewGateway(nil)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	recDone := make(chan struct{})
	coordDone := make(chan struct{})
	go func() { defer close(recDone); rec.Run(ctx) }()
	go func() { defer close(coordDone); coord.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-recDone
		<-coordDone
	})

	jwtSvc, err := auth.NewJWTService("test-secret", 1)
	require.NoError(t, err)
	control, err := jwtSvc.Generate("ui", middleware.ScopeControl)
	require.NoError(t, err)
	read, err := jwtSvc.Generate("dashboard", middleware.ScopeRead)
	require.NoError(t, err)

	e := &env{
		store:    store,
		rec:      rec,
		backup:   coord,
		net:      network.NewMonitor(nil),
		settings: settings.NewMemoryStore(),
		control:  control,
		read:     read,
	}
	h := NewHandler(Deps{
		Recorder: rec,
		Store:    store,
		Backup:   coord,
		Network:  e.net,
		Settings: e.settings,
		Connect: func(_ context.Context, creds storage.Credentials) (upload.Remote, error) {
			if creds.Owner == "nobody" {
				return nil, errors.New("access denied")
			}
			return nullRemote{}, nil
		},
	})
	e.router = NewRouter(RouterConfig{Handler: h, JWT: jwtSvc, CORSOrigins: "*"})
	return e
}

func (e *env) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, response.Body) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var out response.Body
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func (e *env) seedClip(t *testing.T, id string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(e.store.PathFor(id), make([]byte, size), 0o600))
}

func TestHealthNeedsNoToken(t *testing.T) {
	e := newEnv(t)
	w, body := e.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, body.Success)
}

func TestStatusRequiresToken(t *testing.T) {
	e := newEnv(t)
	w, body := e.do(t, http.MethodGet, "/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, body.Success)

	e.seedClip(t, "a", 300)
	w, body = e.do(t, http.MethodGet, "/status", e.read, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := body.Data.(map[string]any)
	assert.Equal(t, "unknown", data["network"])
	usage := data["storage"].(map[string]any)
	assert.EqualValues(t, 1, usage["clips"])
	assert.EqualValues(t, 300, usage["used_bytes"])
	assert.EqualValues(t, models.MinMaxStorageBytes, usage["limit_bytes"])
}

func TestReadTokenCannotControl(t *testing.T) {
	e := newEnv(t)
	w, _ := e.do(t, http.MethodPost, "/recording/start", e.read, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, models.RecordingStateIdle, e.rec.State())
}

func TestRecordingLifecycle(t *testing.T) {
	e := newEnv(t)

	w, _ := e.do(t, http.MethodPost, "/recording/start", e.control, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.RecordingStateRecording, e.rec.State())

	current := e.rec.Status().CurrentClipID
	require.NotEmpty(t, current)
	w, _ = e.do(t, http.MethodDelete, "/clips/"+current, e.control, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = e.do(t, http.MethodPost, "/recording/toggle", e.control, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.RecordingStateIdle, e.rec.State())

	w, _ = e.do(t, http.MethodPost, "/recording/stop", e.control, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUpdateRecordingSettings(t *testing.T) {
	e := newEnv(t)

	w, _ := e.do(t, http.MethodPut, "/settings/recording", e.control, map[string]any{"clip_length_seconds": 3})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = e.do(t, http.MethodPut, "/settings/recording", e.control, map[string]any{"resolution": "640x480"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = e.do(t, http.MethodPut, "/settings/recording", e.control, map[string]any{"resolution": "wide"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.DefaultRecordingConfig(), e.rec.Config())

	w, _ = e.do(t, http.MethodPut, "/settings/recording", e.control, map[string]any{
		"clip_length_seconds": 60,
		"resolution":          "1920x1080",
		"frame_rate":          60,
		"max_storage_mb":      500,
	})
	require.Equal(t, http.StatusOK, w.Code)
	want := models.RecordingConfig{
		ClipLength:      time.Minute,
		Resolution:      models.Resolution1080p,
		FrameRate:       60,
		MaxStorageBytes: 500 * 1_000_000,
	}
	assert.Equal(t, want, e.rec.Config())

	saved, err := e.settings.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, saved.Recording)
}

func TestUpdateBackupSettings(t *testing.T) {
	e := newEnv(t)

	w, body := e.do(t, http.MethodPut, "/settings/backup", e.control, map[string]any{"auto_backup": true, "wifi_only": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"auto_backup": true, "wifi_only": true}, body.Data)

	w, _ = e.do(t, http.MethodPut, "/settings/backup", e.control, map[string]any{"wifi_only": false})
	require.Equal(t, http.StatusOK, w.Code)

	got, err := e.backup.Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.BackupSettings{AutoBackup: true}, got)
	saved, err := e.settings.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, got, saved.Backup)
}

func TestClipsListAndDelete(t *testing.T) {
	e := newEnv(t)
	e.seedClip(t, "a", 10)
	e.seedClip(t, "b", 20)
	e.seedClip(t, "c", 30)

	w, body := e.do(t, http.MethodGet, "/clips", e.read, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := body.Data.([]any)
	require.Len(t, list, 3)
	first := list[0].(map[string]any)
	assert.Equal(t, "unsynced", first["backup"].(map[string]any)["status"])

	w, _ = e.do(t, http.MethodGet, "/clips/b", e.read, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = e.do(t, http.MethodDelete, "/clips/a", e.control, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	_, ok := e.store.Get("a")
	assert.False(t, ok)

	w, _ = e.do(t, http.MethodDelete, "/clips/a", e.control, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = e.do(t, http.MethodDelete, "/clips/..", e.control, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = e.do(t, http.MethodPost, "/clips/delete", e.control, map[string]any{"ids": []string{"b", "c", "missing"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, e.store.TotalSize())

	w, _ = e.do(t, http.MethodPost, "/clips/delete", e.control, map[string]any{"ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPruneAndDeleteWhileRecordingKeepCurrentClip(t *testing.T) {
	e := newEnv(t)
	e.seedClip(t, "a", 600_000)
	e.seedClip(t, "b", 600_000)

	w, _ := e.do(t, http.MethodPost, "/recording/start", e.control, nil)
	require.Equal(t, http.StatusOK, w.Code)
	current := e.rec.Status().CurrentClipID
	require.NotEmpty(t, current)

	w, _ = e.do(t, http.MethodPost, "/clips/delete", e.control, map[string]any{"ids": []string{"b", current}})
	assert.Equal(t, http.StatusConflict, w.Code)
	_, ok := e.store.Get("b")
	assert.True(t, ok)

	w, _ = e.do(t, http.MethodPost, "/clips/prune", e.read, map[string]any{"max_storage_mb": 1})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body := e.do(t, http.MethodPost, "/clips/prune", e.control, map[string]any{"max_storage_mb": 1})
	require.Equal(t, http.StatusOK, w.Code)
	data := body.Data.(map[string]any)
	assert.Equal(t, []any{"a"}, data["evicted"])
	assert.Equal(t, float64(1_000_000), data["limit_bytes"])
	_, ok = e.store.Get(current)
	assert.True(t, ok)

	w, body = e.do(t, http.MethodPost, "/clips/prune", e.control, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data = body.Data.(map[string]any)
	assert.Empty(t, data["evicted"])
	assert.Equal(t, float64(models.DefaultRecordingConfig().MaxStorageBytes), data["limit_bytes"])
}

func TestSetNetwork(t *testing.T) {
	e := newEnv(t)
	w, _ := e.do(t, http.MethodPost, "/network", e.control, map[string]any{"type": "wifi"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, network.Wifi, e.net.Current())

	w, _ = e.do(t, http.MethodPost, "/network", e.control, map[string]any{"type": "carrier-pigeon"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionLifecycle(t *testing.T) {
	e := newEnv(t)

	w, _ := e.do(t, http.MethodPost, "/session", e.control, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = e.do(t, http.MethodPost, "/session", e.control, map[string]any{"owner": "nobody"})
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w, _ = e.do(t, http.MethodPost, "/session", e.control, map[string]any{"owner": "driver@example.com"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Eventually(t, func() bool {
		s, err := e.backup.Snapshot(context.Background())
		return err == nil && s.SignedIn && s.FolderID == "folder"
	}, 2*time.Second, 5*time.Millisecond)

	w, _ = e.do(t, http.MethodPost, "/backup/retry", e.control, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w, _ = e.do(t, http.MethodDelete, "/session", e.control, nil)
	require.Equal(t, http.StatusOK, w.Code)
	s, err := e.backup.Snapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, s.SignedIn)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	w, _ := e.do(t, http.MethodGet, "/metrics", e.read, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "navcam_pending_uploads")
}
