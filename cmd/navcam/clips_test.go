package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/navcam/dashcam/internal/api"
	"github.com/navcam/dashcam/internal/clipstore"
	"github.com/navcam/dashcam/internal/ledger"
	"github.com/navcam/dashcam/internal/models"
	"github.com/navcam/dashcam/pkg/filelock"
	"github.com/navcam/dashcam/pkg/response"
)

func TestPrintClips(t *testing.T) {
	store, err := clipstore.New(t.TempDir(), ".mp4", zap.NewNop())
	require.NoError(t, err)
	for id, size := range map[string]int{"a": 1500, "b": 2500, "c": 10} {
		require.NoError(t, os.WriteFile(store.PathFor(id), make([]byte, size), 0o600))
	}
	st := ledger.State{
		Uploaded: []string{"a"},
		Failed:   []string{"b"},
		Pending:  []models.PendingUpload{{ClipID: "b"}},
	}

	var out bytes.Buffer
	require.NoError(t, printClips(&out, store, st))

	text := out.String()
	assert.Contains(t, text, "ID")
	assert.Regexp(t, `a\s+.*1\.5 kB\s+uploaded`, text)
	assert.Regexp(t, `b\s+.*2\.5 kB\s+failed`, text)
	assert.Regexp(t, `c\s+.*10 B\s+unsynced`, text)
	assert.Contains(t, text, "3 clips, 4.0 kB")
}

func TestBackupState(t *testing.T) {
	uploaded := toSet([]string{"u"})
	failed := toSet([]string{"f", "gone"})
	pending := toSet([]string{"f", "q"})

	assert.Equal(t, models.ClipStatusUploaded, backupState("u", uploaded, failed, pending))
	assert.Equal(t, models.ClipStatusFailed, backupState("f", uploaded, failed, pending))
	assert.Equal(t, models.ClipStatusQueued, backupState("q", uploaded, failed, pending))
	assert.Equal(t, models.ClipStatusUnsynced, backupState("gone", uploaded, failed, pending))
}

func TestDaemonURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8686", daemonURL("127.0.0.1:8686"))
	assert.Equal(t, "http://127.0.0.1:8686", daemonURL(":8686"))
	assert.Equal(t, "http://127.0.0.1:9000", daemonURL("0.0.0.0:9000"))
	assert.Equal(t, "http://[::1]:8686", daemonURL("[::1]:8686"))
}

func TestPruneViaDaemon(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/clips/prune", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req api.PruneClipsRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(150), req.MaxStorageMB)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response.Body{Success: true, Data: api.PruneResult{
			Evicted: []string{"a", "b"}, RemainingBytes: 2_000_000, LimitBytes: 150_000_000,
		}})
	}))
	defer srv.Close()

	res, err := pruneViaDaemon(context.Background(), srv.URL, "tok", 150)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.Evicted)

	var out bytes.Buffer
	printPrune(&out, res)
	assert.Contains(t, out.String(), "deleted a\n")
	assert.Contains(t, out.String(), "2 clips deleted, 2.0 MB remaining (cap 150 MB)")
}

func TestPruneViaDaemonReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(response.Body{Error: "insufficient scope"})
	}))
	defer srv.Close()

	_, err := pruneViaDaemon(context.Background(), srv.URL, "tok", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient scope")
}

func TestPruneGoesThroughDaemonWhileItHoldsTheDirectory(t *testing.T) {
	dir := t.TempDir()
	store, err := clipstore.New(dir, ".mp4", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.PathFor("recording"), make([]byte, 2_000_000), 0o600))

	held, err := filelock.TryAcquire(store.LockPath())
	require.NoError(t, err)
	defer held.Release()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response.Body{Success: true, Data: api.PruneResult{LimitBytes: 1_000_000, RemainingBytes: 2_000_000}})
	}))
	defer srv.Close()

	t.Setenv("NAVCAM_CLIP_DIR", dir)
	t.Setenv("NAVCAM_CLIP_EXT", ".mp4")
	t.Setenv("NAVCAM_HTTP_ADDR", srv.Listener.Addr().String())
	t.Setenv("NAVCAM_LEDGER", "memory")
	t.Setenv("NAVCAM_LOG_LEVEL", "error")

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"clips", "prune", "--max-mb", "1"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	assert.Equal(t, int32(1), calls.Load())
	_, ok := store.Get("recording")
	assert.True(t, ok)
	assert.Contains(t, out.String(), "0 clips deleted")
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCommand()
	for _, path := range [][]string{{"serve"}, {"clips", "list"}, {"clips", "prune"}, {"token"}, {"events"}} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := newLogger("chatty")
	assert.Error(t, err)
	l, err := newLogger("debug")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.DebugLevel))
}
