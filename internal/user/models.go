package user

import (
	"time"

	"pulse/internal/database"
)

type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Avatar      string    `json:"avatar,omitempty"`
	Tier        string    `json:"tier"`
	LastSeen    time.Time `json:"last_seen"`
}

// Presence is computed at query time from LastSeen.
type Presence struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

func fromRow(row *database.User) *User {
	return &User{
		ID:          row.ID,
		Username:    row.Username,
		DisplayName: row.DisplayName,
		Avatar:      row.Avatar,
		Tier:        row.Tier,
		LastSeen:    row.LastSeen,
	}
}
