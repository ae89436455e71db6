package backup

import (
	"context"
	"path/filepath"

	"github.com/navcam/dashcam/internal/models"
	"github.com/navcam/dashcam/internal/network"
)

// Statuses returns the backup status of each clip id.
func (c *Coordinator) Statuses(ctx context.Context, ids []string) (map[string]models.BackupStatus, error) {
	out := make(map[string]models.BackupStatus, len(ids))
	err := c.loop.Do(ctx, func() {
		for _, id := range ids {
			out[id] = c.status(id)
		}
	})
	return out, err
}

func (c *Coordinator) status(id string) models.BackupStatus {
	st := models.BackupStatus{ClipID: id, Status: models.ClipStatusUnsynced}
	if p, ok := c.inflight[id]; ok {
		st.Status = models.ClipStatusUploading
		st.Progress = p
		return st
	}
	if _, ok := c.uploaded[id]; ok {
		st.Status = models.ClipStatusUploaded
		return st
	}
	if _, ok := c.queued[id]; !ok {
		return st
	}
	switch {
	case c.isFailed(id):
		st.Status = models.ClipStatusFailed
	case c.settings.AutoBackup && c.signedIn && c.settings.WifiOnly && c.network != network.Wifi:
		st.Status = models.ClipStatusPaused
	default:
		st.Status = models.ClipStatusQueued
	}
	return st
}

func (c *Coordinator) isFailed(id string) bool {
	_, ok := c.failed[id]
	return ok
}

func extOf(path string) string {
	return filepath.Ext(path)
}
