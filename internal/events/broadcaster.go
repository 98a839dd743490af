// Package events fans worker status and file-list changes out to observers.
package events

import (
	"sync"
	"time"

	"github.com/fruitsalade/cellbridge/internal/metrics"
	"github.com/fruitsalade/cellbridge/pkg/models"
	"github.com/fruitsalade/cellbridge/pkg/protocol"
)

const (
	EventStatus = "status"
	EventFiles  = "files"
)

// Event is a change notification projected from a worker.
type Event struct {
	Type      string             `json:"type"`
	Status    protocol.Status    `json:"status,omitempty"`
	Detail    string             `json:"detail,omitempty"`
	Files     []models.FileEntry `json:"files,omitempty"`
	Timestamp int64              `json:"timestamp"`
}

// Broadcaster manages subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown channels
// are ignored.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// Listen calls fn for every event on its own goroutine until the returned
// cancel function is called.
func (b *Broadcaster) Listen(fn func(Event)) (cancel func()) {
	ch := b.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			fn(e)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.Unsubscribe(ch)
			<-done
		})
	}
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
	if event.Type == EventStatus {
		metrics.RecordStatusEvent(string(event.Status))
	}
}

// PublishStatus publishes a status change.
func (b *Broadcaster) PublishStatus(status protocol.Status, detail string) {
	b.Publish(Event{Type: EventStatus, Status: status, Detail: detail})
}

// PublishFiles publishes a full file listing.
func (b *Broadcaster) PublishFiles(files []models.FileEntry) {
	b.Publish(Event{Type: EventFiles, Files: files})
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
