package chat

import (
	"strings"
	"time"

	"pulse/infrastructure"
	"pulse/internal/database"
)

type ChatKind string

const (
	KindPrivate ChatKind = "private"
	KindGroup   ChatKind = "group"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

type MessageKind string

const (
	MessageText    MessageKind = "text"
	MessageImage   MessageKind = "image"
	MessageVideo   MessageKind = "video"
	MessageAudio   MessageKind = "audio"
	MessagePoints  MessageKind = "points"
	MessageSticker MessageKind = "sticker"
)

const (
	MaxContentLength     = 1000
	MaxGroupNameLength   = 50
	MaxDescriptionLength = 200
)

// Payload carries the kind-specific part of a message. The set of payloads is
// closed; each kind accepts exactly one payload type.
type Payload interface {
	accepts(kind MessageKind) bool
	validate() error
}

type TextPayload struct{}

// MediaPayload is used by image, video and audio messages.
type MediaPayload struct {
	URL string `json:"media_url"`
}

type StickerPayload struct {
	StickerID string `json:"sticker_id"`
}

// PointsPayload transfers points alongside the message. RecipientID is only
// read in group chats.
type PointsPayload struct {
	Amount      int64  `json:"amount"`
	RecipientID string `json:"recipient_id,omitempty"`
}

func (TextPayload) accepts(k MessageKind) bool { return k == MessageText }
func (TextPayload) validate() error            { return nil }

func (MediaPayload) accepts(k MessageKind) bool {
	return k == MessageImage || k == MessageVideo || k == MessageAudio
}

func (p MediaPayload) validate() error {
	if strings.TrimSpace(p.URL) == "" {
		return infrastructure.Validationf("media_url is required")
	}
	return nil
}

func (StickerPayload) accepts(k MessageKind) bool { return k == MessageSticker }

func (p StickerPayload) validate() error {
	if strings.TrimSpace(p.StickerID) == "" {
		return infrastructure.Validationf("sticker_id is required")
	}
	return nil
}

func (PointsPayload) accepts(k MessageKind) bool { return k == MessagePoints }

func (p PointsPayload) validate() error {
	if p.Amount <= 0 {
		return infrastructure.Validationf("points amount must be positive")
	}
	return nil
}

// BuildPayload assembles the payload for kind from loosely typed request fields.
func BuildPayload(kind MessageKind, mediaURL, stickerID string, amount int64, recipientID string) (Payload, error) {
	switch kind {
	case "", MessageText:
		return TextPayload{}, nil
	case MessageImage, MessageVideo, MessageAudio:
		return MediaPayload{URL: mediaURL}, nil
	case MessageSticker:
		return StickerPayload{StickerID: stickerID}, nil
	case MessagePoints:
		return PointsPayload{Amount: amount, RecipientID: recipientID}, nil
	default:
		return nil, infrastructure.Validationf("unknown message type %q", kind)
	}
}

type Member struct {
	UserID   string    `json:"user_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

type Chat struct {
	ID           string    `json:"id"`
	Kind         ChatKind  `json:"type"`
	Name         string    `json:"name,omitempty"`
	Description  string    `json:"description,omitempty"`
	CreatedBy    string    `json:"created_by"`
	LastActivity time.Time `json:"last_activity"`
	Active       bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	Members      []Member  `json:"participants,omitempty"`
}

type Message struct {
	ID            string      `json:"id"`
	ChatID        string      `json:"chat_id"`
	Seq           int64       `json:"seq"`
	SenderID      string      `json:"sender_id"`
	Content       string      `json:"content"`
	Kind          MessageKind `json:"message_type"`
	MediaURL      *string     `json:"media_url,omitempty"`
	StickerID     *string     `json:"sticker_id,omitempty"`
	PointsAmount  *int64      `json:"points_amount,omitempty"`
	TransactionID *string     `json:"transaction_id,omitempty"`
	ReadBy        []string    `json:"read_by"`
	CreatedAt     time.Time   `json:"created_at"`
}

type SendInput struct {
	ChatID   string
	SenderID string
	Content  string
	Kind     MessageKind
	Payload  Payload
}

type GroupInput struct {
	CreatorID   string
	MemberIDs   []string
	Name        string
	Description string
}

type LeaveResult struct {
	PromotedUserID  string `json:"promoted_user_id,omitempty"`
	ChatDeactivated bool   `json:"chat_deactivated"`
}

type Participant struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Avatar      string    `json:"avatar,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
	Online      bool      `json:"online"`
}

type Summary struct {
	Chat
	Participants []Participant `json:"other_participants"`
	LastMessage  *Message      `json:"last_message,omitempty"`
	UnreadCount  int64         `json:"unread_count"`
}

type MessagePage struct {
	Messages []*Message `json:"messages"`
	Page     int        `json:"page"`
	Limit    int        `json:"limit"`
	Total    int64      `json:"total"`
	HasMore  bool       `json:"has_more"`
}

func chatFromRow(row *database.Chat) *Chat {
	return &Chat{
		ID:           row.ID,
		Kind:         ChatKind(row.Kind),
		Name:         row.Name,
		Description:  row.Description,
		CreatedBy:    row.CreatedBy,
		LastActivity: row.LastActivity,
		Active:       row.Active,
		CreatedAt:    row.CreatedAt,
	}
}

func messageFromRow(row *database.Message) *Message {
	return &Message{
		ID:            row.ID,
		ChatID:        row.ChatID,
		Seq:           row.Seq,
		SenderID:      row.SenderID,
		Content:       row.Content,
		Kind:          MessageKind(row.Kind),
		MediaURL:      row.MediaURL,
		StickerID:     row.StickerID,
		PointsAmount:  row.PointsAmount,
		TransactionID: row.TransactionID,
		ReadBy:        []string{},
		CreatedAt:     row.CreatedAt,
	}
}
