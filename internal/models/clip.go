package models

import (
	"path/filepath"
	"strings"
	"time"
)

// RecordingState is the recorder lifecycle.
type RecordingState string

const (
	RecordingStateIdle      RecordingState = "idle"
	RecordingStateRecording RecordingState = "recording"
)

// Clip is a finished (or in-progress) recording segment on local disk.
type Clip struct {
	ID        string    `json:"id"`
	Ext       string    `json:"ext"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
	Path      string    `json:"path"`
}

// Name returns the file name of the clip (id + extension).
func (c Clip) Name() string {
	return c.ID + c.Ext
}

// ClipIDFromPath returns the file stem used as clip id.
func ClipIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// PendingUpload is a clip waiting for the conditions to upload.
type PendingUpload struct {
	ClipID     string    `json:"clip_id"`
	Path       string    `json:"path"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ClipStatus is the per-clip backup state shown to the user.
type ClipStatus string

const (
	ClipStatusUnsynced  ClipStatus = "unsynced"
	ClipStatusQueued    ClipStatus = "queued"
	ClipStatusPaused    ClipStatus = "paused" // queued, waiting for Wi-Fi
	ClipStatusUploading ClipStatus = "uploading"
	ClipStatusUploaded  ClipStatus = "uploaded"
	ClipStatusFailed    ClipStatus = "failed"
)

// BackupStatus is the backup state of one clip.
type BackupStatus struct {
	ClipID   string     `json:"clip_id"`
	Status   ClipStatus `json:"status"`
	Progress float64    `json:"progress,omitempty"`
}
