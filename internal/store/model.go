package store

import "time"

// PresenceRecord is the durable liveness record for one user. At most one
// row exists per user; it is created implicitly by the first heartbeat
// write and persists across sessions as the last-known state.
type PresenceRecord struct {
	UserID   string    `gorm:"column:user_id;primaryKey;size:190;not null" json:"user_id"`
	IsOnline bool      `gorm:"column:is_online;not null" json:"is_online"`
	LastSeen time.Time `gorm:"column:last_seen;not null" json:"last_seen"`
}

// TableName exposes the table backing presence records.
func (PresenceRecord) TableName() string {
	return "presence_records"
}
