package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/navcam/dashcam/internal/models"
	"github.com/navcam/dashcam/pkg/filelock"
)

// FileStore keeps the ledger in a JSON file, rewritten atomically on every
// change. Each change re-reads the file under an exclusive lock on
// path+".lock", so several processes can share one ledger file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// OpenFileStore checks the ledger file at path. A missing file is an empty
// ledger.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if _, err := s.read(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Load(context.Context) (State, error) {
	d, err := s.read()
	if err != nil {
		return State{}, err
	}
	return d.state(), nil
}

func (s *FileStore) MarkUploaded(_ context.Context, clipID string) error {
	return s.mutate(func(d *data) { d.markUploaded(clipID) })
}

func (s *FileStore) MarkFailed(_ context.Context, clipID string) error {
	return s.mutate(func(d *data) { d.markFailed(clipID) })
}

func (s *FileStore) PutPending(_ context.Context, p models.PendingUpload) error {
	return s.mutate(func(d *data) { d.putPending(p) })
}

func (s *FileStore) Forget(_ context.Context, clipID string) error {
	return s.mutate(func(d *data) { d.forget(clipID) })
}

func (s *FileStore) mutate(fn func(*data)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, err := filelock.Acquire(s.path + ".lock")
	if err != nil {
		return fmt.Errorf("lock ledger: %w", err)
	}
	defer lock.Release()

	d, err := s.read()
	if err != nil {
		return err
	}
	fn(d)
	return s.write(d)
}

// read decodes the file as last renamed into place.
func (s *FileStore) read() (*data, error) {
	d := newData()
	raw, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return d, nil
	case err != nil:
		return nil, fmt.Errorf("read ledger %s: %w", s.path, err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", s.path, err)
	}
	d.restore(st)
	return d, nil
}

// write must be called with the file lock held.
func (s *FileStore) write(d *data) error {
	raw, err := json.MarshalIndent(d.state(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}

	// temp, fsync, rename
	tmpPath := s.path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close ledger: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename ledger: %w", err)
	}
	return nil
}
