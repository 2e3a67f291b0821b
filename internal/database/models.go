package database

import "time"

// User is the account row. Balance and Tier are written by the ledger only;
// LastSeen is written by the realtime gateway.
type User struct {
	ID          string    `gorm:"primaryKey;size:36"`
	Username    string    `gorm:"uniqueIndex;size:30;not null"`
	DisplayName string    `gorm:"size:50"`
	Avatar      string    `gorm:"type:text"`
	Balance     int64     `gorm:"not null;default:0;index"`
	Tier        string    `gorm:"size:16;not null;default:Bronze"`
	Active      bool      `gorm:"not null;default:true"`
	LastSeen    time.Time `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type PointsTransaction struct {
	ID               string    `gorm:"primaryKey;size:36"`
	UserID           string    `gorm:"size:36;not null;index:idx_points_tx_user_created,priority:1"`
	Amount           int64     `gorm:"not null"`
	Kind             string    `gorm:"size:16;not null;index"`
	Reason           string    `gorm:"size:255;not null"`
	RelatedUserID    *string   `gorm:"size:36;index"`
	RelatedContentID *string   `gorm:"size:36"`
	BalanceAfter     int64     `gorm:"not null"`
	Status           string    `gorm:"size:16;not null;index"`
	ExternalRef      *string   `gorm:"size:128;uniqueIndex"`
	Metadata         string    `gorm:"type:text"`
	CreatedAt        time.Time `gorm:"index:idx_points_tx_user_created,priority:2;index"`
	UpdatedAt        time.Time
}

type Chat struct {
	ID           string    `gorm:"primaryKey;size:36"`
	Kind         string    `gorm:"size:16;not null;index"`
	Name         string    `gorm:"size:50"`
	Description  string    `gorm:"size:200"`
	PairKey      *string   `gorm:"size:80;uniqueIndex"`
	CreatedBy    string    `gorm:"size:36;not null"`
	LastSeq      int64     `gorm:"not null;default:0"`
	LastActivity time.Time `gorm:"index"`
	Active       bool      `gorm:"not null;default:true"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Membership struct {
	ChatID   string    `gorm:"primaryKey;size:36"`
	UserID   string    `gorm:"primaryKey;size:36;index"`
	Role     string    `gorm:"size:16;not null"`
	Active   bool      `gorm:"not null;default:true"`
	JoinedAt time.Time `gorm:"not null"`
	LeftAt   *time.Time
}

func (Membership) TableName() string { return "chat_members" }

type Message struct {
	ID            string  `gorm:"primaryKey;size:36"`
	ChatID        string  `gorm:"size:36;not null;uniqueIndex:idx_messages_chat_seq,priority:1"`
	Seq           int64   `gorm:"not null;uniqueIndex:idx_messages_chat_seq,priority:2"`
	SenderID      string  `gorm:"size:36;not null;index"`
	Content       string  `gorm:"type:text;not null"`
	Kind          string  `gorm:"size:16;not null"`
	MediaURL      *string `gorm:"type:text"`
	StickerID     *string `gorm:"size:64"`
	PointsAmount  *int64
	TransactionID *string `gorm:"size:36"`
	Deleted       bool    `gorm:"not null;default:false"`
	DeletedAt     *time.Time
	CreatedAt     time.Time
}

// MessageRead is one element of a message's read_by set.
type MessageRead struct {
	MessageID string    `gorm:"primaryKey;size:36"`
	UserID    string    `gorm:"primaryKey;size:36"`
	ReadAt    time.Time `gorm:"not null"`
}

// Models lists every table managed by Migrate.
func Models() []any {
	return []any{&User{}, &PointsTransaction{}, &Chat{}, &Membership{}, &Message{}, &MessageRead{}}
}
