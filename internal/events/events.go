// Package events carries typed change notifications from the recording core to
// whoever presents them (WebSocket clients, Redis subscribers, metrics).
package events

import (
	"sync"
	"time"
)

// Kind identifies an event.
type Kind string

const (
	KindRecordingState  Kind = "recording_state"
	KindClipFinished    Kind = "clip_finished"
	KindClipsEvicted    Kind = "clips_evicted"
	KindCaptureError    Kind = "capture_error"
	KindUploadQueued    Kind = "upload_queued"
	KindUploadProgress  Kind = "upload_progress"
	KindUploadSucceeded Kind = "upload_succeeded"
	KindUploadFailed    Kind = "upload_failed"
	KindFolderReady     Kind = "folder_ready"
	KindNetworkChanged  Kind = "network_changed"
	KindSession         Kind = "session"
)

// Event is the notification envelope. Only the fields relevant to Kind are set.
type Event struct {
	Kind      Kind      `json:"kind"`
	At        time.Time `json:"at"`
	State     string    `json:"state,omitempty"`
	ClipID    string    `json:"clip_id,omitempty"`
	ClipIDs   []string  `json:"clip_ids,omitempty"`
	Path      string    `json:"path,omitempty"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	Progress  float64   `json:"progress,omitempty"`
	Network   string    `json:"network,omitempty"`
	FolderID  string    `json:"folder_id,omitempty"`
	SignedIn  *bool     `json:"signed_in,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(Event)
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Event) {}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event), now: time.Now}
}

// Publish stamps ev (when At is zero) and delivers it to every subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = b.now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// subscriber too slow, skip
		}
	}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
