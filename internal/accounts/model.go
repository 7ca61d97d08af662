package accounts

import "time"

// Account is the minimal profile record presence writes are gated on. The
// broader profile surface (bios, avatars, social graph) lives with the
// account collaborator; presence only needs existence.
type Account struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null" json:"user_id"`
	Username  string    `gorm:"column:username;size:190" json:"username"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"-"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"-"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "accounts"
}
