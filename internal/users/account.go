package users

import (
	"strings"
	"time"
)

// Account links a local user to the lichess account their studies live in.
type Account struct {
	UserID         string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	RemoteUsername string    `gorm:"column:remote_username;size:64;not null"`
	RemoteToken    string    `gorm:"column:remote_token;size:512"`
	LinkedAt       time.Time `gorm:"column:linked_at;not null"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing linked accounts.
func (Account) TableName() string {
	return "user_accounts"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
