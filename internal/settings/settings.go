// Package settings persists the user-tunable recording config and backup
// toggles so they survive restarts.
package settings

import (
	"context"
	"errors"
	"sync"

	"github.com/navcam/dashcam/internal/models"
)

// ErrNotFound is returned by Load when nothing has been saved yet.
var ErrNotFound = errors.New("settings not found")

// Settings is everything the user can change from the UI.
type Settings struct {
	Recording models.RecordingConfig `json:"recording"`
	Backup    models.BackupSettings  `json:"backup"`
}

// Store loads and saves the settings of one device.
type Store interface {
	Load(ctx context.Context) (Settings, error)
	Save(ctx context.Context, s Settings) error
}

// LoadOr returns the saved settings, or def when none have been saved. A
// saved recording config that no longer validates is replaced by def's.
func LoadOr(ctx context.Context, st Store, def Settings) (Settings, error) {
	s, err := st.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	if s.Recording.Validate() != nil {
		s.Recording = def.Recording
	}
	return s, nil
}

// MemoryStore keeps settings in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	saved *Settings
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(context.Context) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		return Settings{}, ErrNotFound
	}
	return *m.saved, nil
}

func (m *MemoryStore) Save(_ context.Context, s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = &s
	return nil
}
