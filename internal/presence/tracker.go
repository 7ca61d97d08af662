package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/artrio/presence-backend/internal/store"
	"go.uber.org/zap"
)

const (
	defaultCacheTTL             = 5 * time.Second
	defaultDebounceWindow       = 500 * time.Millisecond
	defaultRecentActivityWindow = time.Minute
)

var errMissingStalenessWindow = errors.New("staleness window must be positive")

// RecordSource is the bulk-read slice of the durable store.
type RecordSource interface {
	ListPresence(ctx context.Context) ([]store.PresenceRecord, error)
}

// FeedSource delivers durable store change notifications.
type FeedSource interface {
	Subscribe(ctx context.Context) (<-chan store.PresenceRecord, func())
}

// ChannelSource answers current ephemeral channel membership.
type ChannelSource interface {
	Contains(userID string) bool
}

// TrackerConfig describes the tracker's dependencies and tuning.
type TrackerConfig struct {
	Records              RecordSource
	Feed                 FeedSource
	Channel              ChannelSource
	StalenessWindow      time.Duration
	RecentActivityWindow time.Duration
	CacheTTL             time.Duration
	DebounceWindow       time.Duration
	Clock                func() time.Time
	Logger               *zap.Logger
}

// Tracker is the observer-facing presence component. It owns the only
// mutable presence map: last-known durable records fed by the change feed
// (debounced), merged at query time with live channel membership through
// the pure reconciler, behind a short-TTL cache.
type Tracker struct {
	records   RecordSource
	feed      FeedSource
	channel   ChannelSource
	staleness time.Duration
	recent    time.Duration
	debounce  time.Duration
	clock     func() time.Time
	logger    *zap.Logger
	cache     *Cache

	mu         sync.Mutex
	known      map[string]store.PresenceRecord
	pending    map[string]store.PresenceRecord
	flushTimer *time.Timer
}

// NewTracker constructs the tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Records == nil {
		return nil, fmt.Errorf("presence: record source required")
	}
	if cfg.Feed == nil {
		return nil, fmt.Errorf("presence: feed source required")
	}
	if cfg.Channel == nil {
		return nil, fmt.Errorf("presence: channel source required")
	}
	if cfg.StalenessWindow <= 0 {
		return nil, fmt.Errorf("presence: %w", errMissingStalenessWindow)
	}
	recent := cfg.RecentActivityWindow
	if recent <= 0 {
		recent = defaultRecentActivityWindow
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	debounce := cfg.DebounceWindow
	if debounce <= 0 {
		debounce = defaultDebounceWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		records:   cfg.Records,
		feed:      cfg.Feed,
		channel:   cfg.Channel,
		staleness: cfg.StalenessWindow,
		recent:    recent,
		debounce:  debounce,
		clock:     clock,
		logger:    logger,
		cache:     NewCache(cacheTTL),
		known:     make(map[string]store.PresenceRecord),
		pending:   make(map[string]store.PresenceRecord),
	}, nil
}

// Start seeds the tracker from a bulk read and begins consuming the change
// feed until ctx is cancelled.
func (t *Tracker) Start(ctx context.Context) error {
	seeded, err := t.records.ListPresence(ctx)
	if err != nil {
		return fmt.Errorf("presence: seed: %w", err)
	}
	t.mu.Lock()
	for _, record := range seeded {
		t.known[record.UserID] = record
	}
	t.mu.Unlock()

	stream, cleanup := t.feed.Subscribe(ctx)
	go func() {
		defer cleanup()
		for {
			select {
			case <-ctx.Done():
				return
			case record, ok := <-stream:
				if !ok {
					return
				}
				t.enqueue(record)
			}
		}
	}()

	t.logger.Info("presence tracker started", zap.Int("seeded_records", len(seeded)))
	return nil
}

// IsUserOnline reports the reconciled online decision for the user.
func (t *Tracker) IsUserOnline(userID string) bool {
	return t.Status(userID).IsOnline
}

// PresenceText returns the human status text for the user.
func (t *Tracker) PresenceText(userID string) string {
	return t.Status(userID).StatusText
}

// IsUserRecentlyActive applies the stricter recent-activity window.
func (t *Tracker) IsUserRecentlyActive(userID string) bool {
	return t.Status(userID).RecentlyActive
}

// Status answers from the cache when fresh, otherwise recomputes through
// the reconciler. Unknown users read as offline rather than erroring.
func (t *Tracker) Status(userID string) Status {
	now := t.clock()
	if status, ok := t.cache.Get(userID, now); ok {
		return status
	}

	t.mu.Lock()
	record, known := t.known[userID]
	t.mu.Unlock()
	record.UserID = userID

	member := t.channel.Contains(userID)
	status := Reconcile(record, member, t.staleness, now)
	status.RecentlyActive = status.IsOnline || RecentlyActive(record.LastSeen, now, t.recent)
	// Ids with neither a durable record nor channel membership are not
	// cached; arbitrary query strings must not grow the cache map.
	if known || member {
		t.cache.Put(userID, status, now)
	}
	return status
}

// Overview returns reconciled statuses for every known user, sorted by id.
func (t *Tracker) Overview() []Status {
	t.mu.Lock()
	userIDs := make([]string, 0, len(t.known))
	for userID := range t.known {
		userIDs = append(userIDs, userID)
	}
	t.mu.Unlock()
	sort.Strings(userIDs)

	statuses := make([]Status, 0, len(userIDs))
	for _, userID := range userIDs {
		statuses = append(statuses, t.Status(userID))
	}
	return statuses
}

// enqueue buffers a change notification; a burst of events within the
// debounce window collapses into a single flush.
func (t *Tracker) enqueue(record store.PresenceRecord) {
	if record.UserID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if buffered, ok := t.pending[record.UserID]; ok && buffered.LastSeen.After(record.LastSeen) {
		return
	}
	t.pending[record.UserID] = record
	if t.flushTimer == nil {
		t.flushTimer = time.AfterFunc(t.debounce, t.flush)
	}
}

// flush applies buffered records. Authoritative ordering is the record
// timestamp, not delivery order: an older notification arriving late never
// rolls back a newer state.
func (t *Tracker) flush() {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]store.PresenceRecord)
	t.flushTimer = nil

	changed := make([]string, 0, len(pending))
	for userID, record := range pending {
		if current, ok := t.known[userID]; ok && current.LastSeen.After(record.LastSeen) {
			continue
		}
		t.known[userID] = record
		changed = append(changed, userID)
	}
	t.mu.Unlock()

	for _, userID := range changed {
		t.cache.Invalidate(userID)
	}
}
