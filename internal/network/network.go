// Package network classifies connectivity as Wi-Fi or other and reports
// changes.
package network

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type is a connectivity classification.
type Type string

const (
	Unknown Type = "unknown"
	Wifi    Type = "wifi"
	Other   Type = "other"
)

// ParseType parses "wifi", "other" or "unknown" (case-insensitive).
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case Wifi, Other, Unknown:
		return t, nil
	case "wi-fi", "wlan":
		return Wifi, nil
	case "cellular", "ethernet", "none":
		return Other, nil
	default:
		return Unknown, fmt.Errorf("unknown network type %q", s)
	}
}

// Detector reads the current connectivity.
type Detector func(ctx context.Context) (Type, error)

// Monitor holds the current classification. It starts Unknown until the
// first report.
type Monitor struct {
	log *zap.Logger

	mu      sync.Mutex
	current Type
	nextID  int
	subs    map[int]chan Type
}

// NewMonitor returns a monitor in the Unknown state.
func NewMonitor(log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		log:     log.With(zap.String("component", "network")),
		current: Unknown,
		subs:    make(map[int]chan Type),
	}
}

// Current returns the last reported classification.
func (m *Monitor) Current() Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Set reports a classification and notifies subscribers when it changed.
func (m *Monitor) Set(t Type) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t == m.current {
		return false
	}
	m.log.Info("network changed", zap.String("from", string(m.current)), zap.String("to", string(t)))
	m.current = t
	for _, ch := range m.subs {
		// keep only the latest value for slow subscribers
		select {
		case <-ch:
		default:
		}
		ch <- t
	}
	return true
}

// Subscribe returns a channel receiving each change. Only the latest pending
// change is kept for a subscriber that falls behind.
func (m *Monitor) Subscribe() (<-chan Type, func()) {
	ch := make(chan Type, 1)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Run calls detect every interval until ctx is done. The first call runs
// immediately. Errors are logged and leave the state unchanged.
func (m *Monitor) Run(ctx context.Context, detect Detector, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if t, err := detect(ctx); err != nil {
			m.log.Warn("network detection failed", zap.Error(err))
		} else {
			m.Set(t)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
