package store

import (
	"context"
	"testing"
	"time"
)

func TestChangeFeedDeliversToAllSubscribers(t *testing.T) {
	feed := NewChangeFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, cleanupFirst := feed.Subscribe(ctx)
	defer cleanupFirst()
	second, cleanupSecond := feed.Subscribe(ctx)
	defer cleanupSecond()

	record := PresenceRecord{UserID: "user-1", IsOnline: true, LastSeen: time.Unix(1700000000, 0).UTC()}
	feed.Publish(record)

	for _, stream := range []<-chan PresenceRecord{first, second} {
		select {
		case got := <-stream:
			if got.UserID != "user-1" {
				t.Fatalf("unexpected record: %+v", got)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected delivery to every subscriber")
		}
	}
}

func TestChangeFeedUnsubscribesOnContextCancel(t *testing.T) {
	feed := NewChangeFeed()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := feed.Subscribe(ctx)
	defer cleanup()
	cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		feed.mu.RLock()
		remaining := len(feed.subscribers)
		feed.mu.RUnlock()
		if remaining == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected subscriber to be removed after context cancellation")
}

func TestChangeFeedNeverBlocksOnSlowSubscriber(t *testing.T) {
	feed := NewChangeFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, cleanup := feed.Subscribe(ctx)
	defer cleanup()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Nobody drains the stream; publishing must still return.
		for i := 0; i < 100; i++ {
			feed.Publish(PresenceRecord{UserID: "user-1", IsOnline: true})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on an undrained subscriber")
	}
}
