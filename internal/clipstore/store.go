// Package clipstore owns the flat directory of recorded clips: listing, size
// accounting, eviction under a storage cap and deletion. All metadata comes
// from filesystem attributes; there are no sidecar files.
package clipstore

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/navcam/dashcam/internal/metrics"
	"github.com/navcam/dashcam/internal/models"
)

// ErrInvalidID is returned for ids that are not plain file stems.
var ErrInvalidID = errors.New("invalid clip id")

// createdAt resolves a clip's creation time; replaced in tests.
var createdAt = birthTime

// Store manages the clip directory.
type Store struct {
	dir    string
	ext    string
	logger *zap.Logger
}

// EvictResult reports one eviction pass.
type EvictResult struct {
	Evicted   []string
	Remaining int64
}

// New creates the clip directory if needed. ext is the clip file extension
// including the dot (".mov").
func New(dir, ext string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("clip directory must not be empty")
	}
	if ext == "" || !strings.HasPrefix(ext, ".") {
		return nil, fmt.Errorf("clip extension %q must start with a dot", ext)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create clip directory %s: %w", dir, err)
	}
	return &Store{dir: dir, ext: ext, logger: logger.With(zap.String("component", "clipstore"))}, nil
}

// Dir returns the clip directory.
func (s *Store) Dir() string { return s.dir }

// Ext returns the clip file extension.
func (s *Store) Ext() string { return s.ext }

// LockPath is the lock file held by the process that records into the
// directory. Hidden files are never listed as clips.
func (s *Store) LockPath() string { return filepath.Join(s.dir, ".navcam.lock") }

// PathFor returns the file path for a clip id.
func (s *Store) PathFor(id string) string {
	return filepath.Join(s.dir, id+s.ext)
}

// List yields the clips ordered by creation time, oldest first; ties are
// broken by file name. The directory is read when iteration starts, so every
// call sees the current state of the disk.
func (s *Store) List() iter.Seq[models.Clip] {
	return func(yield func(models.Clip) bool) {
		for _, c := range s.snapshot() {
			if !yield(c) {
				return
			}
		}
	}
}

// TotalSize returns the sum of all clip sizes.
func (s *Store) TotalSize() int64 {
	var total int64
	for c := range s.List() {
		total += c.SizeBytes
	}
	return total
}

// Get returns the clip with the given id.
func (s *Store) Get(id string) (models.Clip, bool) {
	if ValidateID(id) != nil {
		return models.Clip{}, false
	}
	path := s.PathFor(id)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return models.Clip{}, false
	}
	return models.Clip{ID: id, Ext: s.ext, CreatedAt: createdAt(path, info), SizeBytes: info.Size(), Path: path}, true
}

// EvictOldestUntil deletes the oldest clips until the total size is at most
// limit or only protected clips remain. Protected ids (the clip being written
// and clips still finalizing) are never deleted but still count toward the
// total. A clip that cannot be deleted is logged and treated as gone.
func (s *Store) EvictOldestUntil(limit int64, protect ...string) EvictResult {
	clips := s.snapshot()
	protected := make(map[string]struct{}, len(protect))
	for _, id := range protect {
		protected[id] = struct{}{}
	}

	var total int64
	for _, c := range clips {
		total += c.SizeBytes
	}

	var evicted []string
	for i := 0; total > limit && i < len(clips); i++ {
		c := clips[i]
		if _, ok := protected[c.ID]; ok {
			continue
		}
		if err := os.Remove(c.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("evict clip failed, treating as gone", zap.String("clip_id", c.ID), zap.Error(err))
		}
		total -= c.SizeBytes
		evicted = append(evicted, c.ID)
		metrics.ClipsEvicted.Inc()
	}
	metrics.StoreBytes.Set(float64(total))

	if len(evicted) > 0 {
		s.logger.Info("clips evicted",
			zap.Strings("clip_ids", evicted),
			zap.Int64("limit", limit),
			zap.Int64("remaining_bytes", total),
		)
	}
	return EvictResult{Evicted: evicted, Remaining: total}
}

// Delete removes the given clips. Missing files are not an error.
func (s *Store) Delete(ids ...string) error {
	var errs []error
	for _, id := range ids {
		if err := ValidateID(id); err != nil {
			errs = append(errs, err)
			continue
		}
		err := os.Remove(s.PathFor(id))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("delete clip failed", zap.String("clip_id", id), zap.Error(err))
			errs = append(errs, fmt.Errorf("delete clip %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) snapshot() []models.Clip {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("read clip directory failed", zap.String("dir", s.dir), zap.Error(err))
		return nil
	}
	clips := make([]models.Clip, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != s.ext {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("stat clip failed", zap.String("name", name), zap.Error(err))
			}
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		path := filepath.Join(s.dir, name)
		clips = append(clips, models.Clip{
			ID:        strings.TrimSuffix(name, filepath.Ext(name)),
			Ext:       s.ext,
			CreatedAt: createdAt(path, info),
			SizeBytes: info.Size(),
			Path:      path,
		})
	}
	sort.SliceStable(clips, func(i, j int) bool {
		if !clips[i].CreatedAt.Equal(clips[j].CreatedAt) {
			return clips[i].CreatedAt.Before(clips[j].CreatedAt)
		}
		return clips[i].ID < clips[j].ID
	})
	return clips
}

// ValidateID rejects ids that are not plain file stems.
func ValidateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
