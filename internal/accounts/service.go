package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidUserID indicates an empty or malformed user identifier.
var ErrInvalidUserID = errors.New("accounts: invalid user id")

// ErrNotFound indicates no account exists for the requested user.
var ErrNotFound = errors.New("accounts: account not found")

// ServiceConfig describes the dependencies required by the account service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service answers account existence checks and owns account creation.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	known sync.Map
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("accounts: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Create registers an account if one does not already exist. Re-creating an
// existing account is a no-op rather than an error.
func (s *Service) Create(ctx context.Context, userID, username string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidUserID
	}
	now := s.now().UTC()
	account := Account{
		UserID:    userID,
		Username:  strings.TrimSpace(username),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&account).
		Error
	if err != nil {
		return fmt.Errorf("accounts: create: %w", err)
	}
	s.known.Store(userID, true)
	return nil
}

// Exists reports whether an account record is present for the user. Positive
// results are cached; accounts are never deleted, so the cache cannot go
// stale in the false-positive direction that matters here.
func (s *Service) Exists(ctx context.Context, userID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, ErrInvalidUserID
	}
	if _, ok := s.known.Load(userID); ok {
		return true, nil
	}

	var count int64
	err := s.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID).
		Count(&count).
		Error
	if err != nil {
		return false, fmt.Errorf("accounts: exists: %w", err)
	}
	if count > 0 {
		s.known.Store(userID, true)
		return true, nil
	}
	return false, nil
}

// Get fetches the account record for the user.
func (s *Service) Get(ctx context.Context, userID string) (Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Account{}, ErrInvalidUserID
	}
	var account Account
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&account).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("accounts: get: %w", err)
	}
	return account, nil
}
