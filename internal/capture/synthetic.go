package capture

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Synthetic is a camera-less backend that writes filler bytes at a fixed
// bitrate. It is used for bench setups and demos without a capture device.
type Synthetic struct {
	BytesPerSecond int64
	Interval       time.Duration
	Available      []Format

	log *zap.Logger

	mu      sync.Mutex
	format  Format
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewSynthetic returns a synthetic backend writing bytesPerSecond.
func NewSynthetic(bytesPerSecond int64, log *zap.Logger) *Synthetic {
	if log == nil {
		log = zap.NewNop()
	}
	return &Synthetic{
		BytesPerSecond: bytesPerSecond,
		Interval:       250 * time.Millisecond,
		Available: []Format{
			{1280, 720, 30}, {1280, 720, 60},
			{1920, 1080, 30}, {1920, 1080, 60},
		},
		log: log.With(zap.String("component", "capture"), zap.String("backend", "synthetic")),
	}
}

func (s *Synthetic) Formats(context.Context) ([]Format, error) {
	return append([]Format(nil), s.Available...), nil
}

func (s *Synthetic) Configure(_ context.Context, f Format) error {
	s.mu.Lock()
	s.format = f
	s.mu.Unlock()
	return nil
}

func (s *Synthetic) Start(context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	return nil
}

func (s *Synthetic) Stop(context.Context) error {
	s.EndClip()
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// Wait blocks until every clip writer has returned.
func (s *Synthetic) Wait(ctx context.Context) error {
	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Synthetic) BeginClip(path string, done Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	if s.stop != nil {
		return ErrClipInProgress
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open clip: %w", err)
	}
	stop := make(chan struct{})
	s.stop = stop
	s.wg.Add(1)
	go s.write(f, stop, done)
	return nil
}

func (s *Synthetic) EndClip() {
	s.mu.Lock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.mu.Unlock()
}

func (s *Synthetic) write(f *os.File, stop <-chan struct{}, done Completion) {
	defer s.wg.Done()
	chunk := make([]byte, s.BytesPerSecond*int64(s.Interval)/int64(time.Second))
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	var err error
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-ticker.C:
			if _, err = f.Write(chunk); err != nil {
				break loop
			}
		}
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	s.mu.Lock()
	if s.stop == stop {
		s.stop = nil
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("synthetic clip write failed", zap.String("path", f.Name()), zap.Error(err))
	}
	done(err)
}
