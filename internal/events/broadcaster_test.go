package events

import (
	"sync"
	"testing"
	"time"

	"github.com/fruitsalade/cellbridge/pkg/models"
	"github.com/fruitsalade/cellbridge/pkg/protocol"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}

	b.Unsubscribe(ch2)
	b.Unsubscribe(ch2) // second call is a no-op
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterPublishStatus(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.PublishStatus(protocol.StatusRemoteError, "access denied")

	select {
	case received := <-ch:
		if received.Type != EventStatus {
			t.Errorf("expected type %s, got %s", EventStatus, received.Type)
		}
		if received.Status != protocol.StatusRemoteError {
			t.Errorf("expected status remote-error, got %s", received.Status)
		}
		if received.Detail != "access denied" {
			t.Errorf("unexpected detail %q", received.Detail)
		}
		if received.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	defer b.Unsubscribe(ch1)
	defer b.Unsubscribe(ch2)

	b.PublishFiles([]models.FileEntry{{Name: "a.csv", Path: "a.csv", Size: 3}})

	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if len(received.Files) != 1 || received.Files[0].Path != "a.csv" {
				t.Errorf("subscriber %d: unexpected files %+v", i, received.Files)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for i := 0; i < 100; i++ {
		b.PublishStatus(protocol.StatusReady, "")
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			goto done
		}
	}
done:
	if count != 64 {
		t.Errorf("expected 64 buffered events, got %d", count)
	}
}

func TestBroadcasterListen(t *testing.T) {
	b := NewBroadcaster()

	var mu sync.Mutex
	var got []protocol.Status
	seen := make(chan struct{}, 2)
	cancel := b.Listen(func(e Event) {
		mu.Lock()
		got = append(got, e.Status)
		mu.Unlock()
		seen <- struct{}{}
	})

	b.PublishStatus(protocol.StatusLoading, "")
	b.PublishStatus(protocol.StatusReady, "")
	for i := 0; i < 2; i++ {
		select {
		case <-seen:
		case <-time.After(time.Second):
			t.Fatal("listener not called")
		}
	}
	cancel()
	cancel()

	if b.Count() != 0 {
		t.Errorf("listener still subscribed after cancel")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != protocol.StatusLoading || got[1] != protocol.StatusReady {
		t.Errorf("unexpected statuses %v", got)
	}
}
