package broadcast

import (
	"sort"
	"sync"
	"time"
)

// Membership is the ephemeral announce payload: who joined and when. It is
// not durable and carries no lifecycle guarantee on ungraceful disconnect.
type Membership struct {
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// Memberships tracks the shared channel's membership as counted per-user
// session sets. A user with three tabs open holds three entries; they leave
// the set only when the last session is gone. Boolean membership would
// drop a user the moment any one tab closed.
type Memberships struct {
	mu       sync.RWMutex
	sessions map[string]map[string]time.Time // userID → sessionID → joinedAt
}

// NewMemberships constructs an empty membership set.
func NewMemberships() *Memberships {
	return &Memberships{sessions: make(map[string]map[string]time.Time)}
}

// Join records a session announce. Returns true when this is the user's
// first live session, i.e. the user just became channel-online.
func (m *Memberships) Join(userID, sessionID string, joinedAt time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[userID] == nil {
		m.sessions[userID] = make(map[string]time.Time)
	}
	first := len(m.sessions[userID]) == 0
	m.sessions[userID][sessionID] = joinedAt
	return first
}

// Leave removes a session. Returns true when this was the user's last live
// session, i.e. the user just became channel-offline.
func (m *Memberships) Leave(userID, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions, ok := m.sessions[userID]
	if !ok {
		return false
	}
	if _, ok := sessions[sessionID]; !ok {
		return false
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(m.sessions, userID)
		return true
	}
	return false
}

// Contains reports whether the user has at least one live session.
func (m *Memberships) Contains(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions[userID]) > 0
}

// SessionCount reports the user's live session count.
func (m *Memberships) SessionCount(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions[userID])
}

// Snapshot returns one Membership per user, carrying the earliest join
// time across that user's sessions, sorted by user id for stable output.
func (m *Memberships) Snapshot() []Membership {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := make([]Membership, 0, len(m.sessions))
	for userID, sessions := range m.sessions {
		var earliest time.Time
		for _, joinedAt := range sessions {
			if earliest.IsZero() || joinedAt.Before(earliest) {
				earliest = joinedAt
			}
		}
		members = append(members, Membership{UserID: userID, JoinedAt: earliest})
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].UserID < members[j].UserID
	})
	return members
}

// Reset drops all membership, used when the channel itself reconnects and
// will be reseeded from a fresh sync.
func (m *Memberships) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]map[string]time.Time)
}
