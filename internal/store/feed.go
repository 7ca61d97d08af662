package store

import (
	"context"
	"sync"
)

// ChangeFeed fans successful presence writes out to every subscriber,
// including the session that produced the write. Delivery is best-effort
// with no ordering guarantee; a dropped notification is healed by the next
// heartbeat, and consumers order by the record's own timestamp.
type ChangeFeed struct {
	mu          sync.RWMutex
	subscribers map[int64]*feedSubscriber
	nextID      int64
	bufferSize  int
}

type feedSubscriber struct {
	id     int64
	stream chan PresenceRecord
}

// NewChangeFeed constructs an empty feed.
func NewChangeFeed() *ChangeFeed {
	return &ChangeFeed{
		subscribers: make(map[int64]*feedSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener for all presence record changes. The
// returned cleanup is idempotent and also runs when ctx is cancelled.
func (f *ChangeFeed) Subscribe(ctx context.Context) (<-chan PresenceRecord, func()) {
	subscriber := &feedSubscriber{
		id:     f.nextSequence(),
		stream: make(chan PresenceRecord, f.bufferSize),
	}

	f.mu.Lock()
	f.subscribers[subscriber.id] = subscriber
	f.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subscribers, subscriber.id)
			f.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the record to every subscriber without blocking. A full
// subscriber buffer drops the notification rather than stalling the writer.
func (f *ChangeFeed) Publish(record PresenceRecord) {
	if record.UserID == "" {
		return
	}
	f.mu.RLock()
	copies := make([]*feedSubscriber, 0, len(f.subscribers))
	for _, subscriber := range f.subscribers {
		copies = append(copies, subscriber)
	}
	f.mu.RUnlock()

	for _, subscriber := range copies {
		select {
		case subscriber.stream <- record:
		default:
		}
	}
}

func (f *ChangeFeed) nextSequence() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID
}
