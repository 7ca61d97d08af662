package presence

import (
	"time"

	"github.com/artrio/presence-backend/internal/store"
)

// Status is the reconciled, observer-facing answer for one user.
type Status struct {
	UserID         string    `json:"user_id"`
	IsOnline       bool      `json:"is_online"`
	StatusText     string    `json:"status_text"`
	LastSeen       time.Time `json:"last_seen"`
	RecentlyActive bool      `json:"recently_active"`
}

// ActiveNowText is the status text for an online user.
const ActiveNowText = "Active now"

// Reconcile merges the two liveness signals into a single decision. The
// durable flag alone can be stale (a process that died without writing
// false), so it only counts while the record is recent; channel membership
// alone can be transiently empty during reconnects, so the durable record
// covers that gap. Pure: same inputs, same answer, regardless of which
// signal arrived last.
func Reconcile(record store.PresenceRecord, channelMember bool, stalenessWindow time.Duration, now time.Time) Status {
	durablyOnline := record.IsOnline &&
		!record.LastSeen.IsZero() &&
		now.Sub(record.LastSeen) < stalenessWindow

	online := durablyOnline || channelMember

	text := ActiveNowText
	if !online {
		text = StatusText(record.LastSeen, now)
	}

	return Status{
		UserID:     record.UserID,
		IsOnline:   online,
		StatusText: text,
		LastSeen:   record.LastSeen,
	}
}
