package ledger

import (
	"context"
	"sync"

	"github.com/navcam/dashcam/internal/models"
)

// MemoryStore keeps the ledger in memory only.
type MemoryStore struct {
	mu sync.Mutex
	d  *data
}

// NewMemoryStore returns an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{d: newData()}
}

func (m *MemoryStore) Load(context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.state(), nil
}

func (m *MemoryStore) MarkUploaded(_ context.Context, clipID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.markUploaded(clipID)
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, clipID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.markFailed(clipID)
	return nil
}

func (m *MemoryStore) PutPending(_ context.Context, p models.PendingUpload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.putPending(p)
	return nil
}

func (m *MemoryStore) Forget(_ context.Context, clipID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.forget(clipID)
	return nil
}
