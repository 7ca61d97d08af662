package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrPermissionDenied indicates a caller attempted to write another
	// user's presence record.
	ErrPermissionDenied = errors.New("store: presence write denied")
	// ErrAccountNotFound indicates the owning account record does not exist
	// yet, so the presence write would be orphaned.
	ErrAccountNotFound = errors.New("store: owning account not found")
	// ErrNotFound indicates no presence record exists for the user.
	ErrNotFound = errors.New("store: presence record not found")

	errMissingDatabase = errors.New("database handle is required")
	errMissingAccounts = errors.New("account checker is required")
	errMissingUserID   = errors.New("user identifier is required")
)

// AccountChecker reports whether an account record exists for a user.
type AccountChecker interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// ServiceConfig describes the dependencies required by the presence store.
type ServiceConfig struct {
	Database *gorm.DB
	Accounts AccountChecker
	Feed     *ChangeFeed
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the durable presence store: single-row upserts keyed by user,
// owner-only writes, and a change notification on every successful write.
type Service struct {
	db       *gorm.DB
	accounts AccountChecker
	feed     *ChangeFeed
	now      func() time.Time
	logger   *zap.Logger
}

// NewService constructs the presence store service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("store: %w", errMissingDatabase)
	}
	if cfg.Accounts == nil {
		return nil, fmt.Errorf("store: %w", errMissingAccounts)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	feed := cfg.Feed
	if feed == nil {
		feed = NewChangeFeed()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:       cfg.Database,
		accounts: cfg.Accounts,
		feed:     feed,
		now:      clock,
		logger:   logger,
	}, nil
}

// Feed exposes the change feed backing this store.
func (s *Service) Feed() *ChangeFeed {
	return s.feed
}

// SetPresence upserts the caller's presence record. Only the owning user may
// write their record, and the owning account must already exist; a liveness
// write racing ahead of account creation is rejected, not silently stored.
// Identical writes are idempotent. On success all feed subscribers are
// notified, the writer included.
func (s *Service) SetPresence(ctx context.Context, callerID, userID string, online bool) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("store: set_presence: %w", errMissingUserID)
	}
	if strings.TrimSpace(callerID) != userID {
		return fmt.Errorf("store: set_presence: caller %q writing record of %q: %w", callerID, userID, ErrPermissionDenied)
	}

	exists, err := s.accounts.Exists(ctx, userID)
	if err != nil {
		return fmt.Errorf("store: set_presence: account check: %w", err)
	}
	if !exists {
		return fmt.Errorf("store: set_presence: user %q: %w", userID, ErrAccountNotFound)
	}

	record := PresenceRecord{
		UserID:   userID,
		IsOnline: online,
		LastSeen: s.now().UTC(),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"is_online", "last_seen"}),
		}).
		Create(&record).
		Error
	if err != nil {
		return fmt.Errorf("store: set_presence: %w", err)
	}

	s.feed.Publish(record)
	s.logger.Debug("presence record written",
		zap.String("user_id", userID),
		zap.Bool("is_online", online),
		zap.Time("last_seen", record.LastSeen))
	return nil
}

// GetPresence reads a single presence record.
func (s *Service) GetPresence(ctx context.Context, userID string) (PresenceRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return PresenceRecord{}, fmt.Errorf("store: get_presence: %w", errMissingUserID)
	}
	var record PresenceRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&record).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PresenceRecord{}, fmt.Errorf("store: get_presence: user %q: %w", userID, ErrNotFound)
	}
	if err != nil {
		return PresenceRecord{}, fmt.Errorf("store: get_presence: %w", err)
	}
	return record, nil
}

// ListPresence bulk-reads every presence record, used to seed observer
// caches. Unpaginated; fine for a modest fleet, revisit before it is not.
func (s *Service) ListPresence(ctx context.Context) ([]PresenceRecord, error) {
	var records []PresenceRecord
	err := s.db.WithContext(ctx).
		Order("user_id").
		Find(&records).
		Error
	if err != nil {
		return nil, fmt.Errorf("store: list_presence: %w", err)
	}
	return records, nil
}
