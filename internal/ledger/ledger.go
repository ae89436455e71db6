// Package ledger persists backup bookkeeping: which clips were uploaded,
// which failed, and the pending-upload queue.
package ledger

import (
	"context"
	"slices"
	"sort"

	"github.com/navcam/dashcam/internal/models"
)

// State is everything a Store holds.
type State struct {
	Uploaded []string               `json:"uploaded"`
	Failed   []string               `json:"failed"`
	Pending  []models.PendingUpload `json:"pending"`
}

// Store persists the backup ledger. Implementations are safe for concurrent
// use.
type Store interface {
	// Load returns the persisted state with Pending in FIFO order.
	Load(ctx context.Context) (State, error)
	// MarkUploaded records a successful upload and drops the clip from the
	// failed set and the pending queue.
	MarkUploaded(ctx context.Context, clipID string) error
	// MarkFailed records a failed attempt. The clip stays pending.
	MarkFailed(ctx context.Context, clipID string) error
	// PutPending adds or replaces a pending entry.
	PutPending(ctx context.Context, p models.PendingUpload) error
	// Forget drops a clip from the pending queue and the failed set.
	Forget(ctx context.Context, clipID string) error
}

// data is the in-memory form shared by MemoryStore and FileStore.
type data struct {
	uploaded map[string]struct{}
	failed   map[string]struct{}
	pending  map[string]models.PendingUpload
}

func newData() *data {
	return &data{
		uploaded: make(map[string]struct{}),
		failed:   make(map[string]struct{}),
		pending:  make(map[string]models.PendingUpload),
	}
}

func (d *data) markUploaded(id string) {
	d.uploaded[id] = struct{}{}
	delete(d.failed, id)
	delete(d.pending, id)
}

func (d *data) markFailed(id string) { d.failed[id] = struct{}{} }

func (d *data) putPending(p models.PendingUpload) { d.pending[p.ClipID] = p }

func (d *data) forget(id string) {
	delete(d.pending, id)
	delete(d.failed, id)
}

func (d *data) state() State {
	s := State{
		Uploaded: sortedKeys(d.uploaded),
		Failed:   sortedKeys(d.failed),
		Pending:  make([]models.PendingUpload, 0, len(d.pending)),
	}
	for _, p := range d.pending {
		s.Pending = append(s.Pending, p)
	}
	SortPending(s.Pending)
	return s
}

func (d *data) restore(s State) {
	for _, id := range s.Uploaded {
		d.uploaded[id] = struct{}{}
	}
	for _, id := range s.Failed {
		d.failed[id] = struct{}{}
	}
	for _, p := range s.Pending {
		d.pending[p.ClipID] = p
	}
}

// SortPending orders pending entries by enqueue time, then clip id.
func SortPending(p []models.PendingUpload) {
	sort.SliceStable(p, func(i, j int) bool {
		if !p[i].EnqueuedAt.Equal(p[j].EnqueuedAt) {
			return p[i].EnqueuedAt.Before(p[j].EnqueuedAt)
		}
		return p[i].ClipID < p[j].ClipID
	})
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
