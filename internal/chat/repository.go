package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pulse/infrastructure"
	"pulse/internal/database"
	"pulse/internal/user"
)

func lockChat(tx *gorm.DB, chatID string) (*database.Chat, error) {
	var row database.Chat
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", chatID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, infrastructure.NotFoundf("chat %s", chatID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock chat: %w", err)
	}
	return &row, nil
}

func requireMember(tx *gorm.DB, chatID, userID string) error {
	var n int64
	err := tx.Model(&database.Membership{}).
		Where("chat_id = ? AND user_id = ? AND active = ?", chatID, userID, true).
		Count(&n).Error
	if err != nil {
		return fmt.Errorf("failed to check membership: %w", err)
	}
	if n == 0 {
		return infrastructure.ErrNotMember
	}
	return nil
}

// requireActiveUsers fails with kind unless every id is an active user.
func (s *Store) requireActiveUsers(tx *gorm.DB, ids []string, kind error) error {
	var found []string
	err := tx.Model(&database.User{}).Where("id IN ? AND active = ?", ids, true).Pluck("id", &found).Error
	if err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}
	if len(found) == len(ids) {
		return nil
	}
	have := make(map[string]bool, len(found))
	for _, id := range found {
		have[id] = true
	}
	for _, id := range ids {
		if !have[id] {
			return fmt.Errorf("%w: user %s does not exist", kind, id)
		}
	}
	return nil
}

func (s *Store) activeMembers(db *gorm.DB, chatID string) ([]Member, error) {
	var rows []*database.Membership
	err := db.Where("chat_id = ? AND active = ?", chatID, true).
		Order("joined_at ASC").Order("user_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load members: %w", err)
	}
	return membersFromRows(rows), nil
}

func membersFromRows(rows []*database.Membership) []Member {
	out := make([]Member, 0, len(rows))
	for _, r := range rows {
		out = append(out, Member{UserID: r.UserID, Role: Role(r.Role), JoinedAt: r.JoinedAt})
	}
	return out
}

// IsActiveMember reports whether the user may read and write in an active chat.
func (s *Store) IsActiveMember(ctx context.Context, chatID, userID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&database.Membership{}).
		Joins("JOIN chats ON chats.id = chat_members.chat_id").
		Where("chat_members.chat_id = ? AND chat_members.user_id = ?", chatID, userID).
		Where("chat_members.active = ? AND chats.active = ?", true, true).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return n > 0, nil
}

// ActiveChatIDs lists the active chats the user is an active member of.
func (s *Store) ActiveChatIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&database.Membership{}).
		Joins("JOIN chats ON chats.id = chat_members.chat_id").
		Where("chat_members.user_id = ? AND chat_members.active = ? AND chats.active = ?", userID, true, true).
		Order("chats.last_activity DESC").
		Pluck("chat_members.chat_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	return ids, nil
}

func (s *Store) ActiveMemberIDs(ctx context.Context, chatID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&database.Membership{}).
		Where("chat_id = ? AND active = ?", chatID, true).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return ids, nil
}

// ListChats returns the user's active chats, most recently active first.
func (s *Store) ListChats(ctx context.Context, userID string) ([]*Summary, error) {
	db := s.db.WithContext(ctx)
	var rows []database.Chat
	err := db.Model(&database.Chat{}).
		Joins("JOIN chat_members ON chat_members.chat_id = chats.id").
		Where("chat_members.user_id = ? AND chat_members.active = ? AND chats.active = ?", userID, true, true).
		Order("chats.last_activity DESC").Order("chats.id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}

	now := s.now()
	out := make([]*Summary, 0, len(rows))
	for i := range rows {
		sum := &Summary{Chat: *chatFromRow(&rows[i])}
		if sum.Members, err = s.activeMembers(db, rows[i].ID); err != nil {
			return nil, err
		}
		if sum.Participants, err = s.participants(db, rows[i].ID, userID, now); err != nil {
			return nil, err
		}
		if sum.LastMessage, err = s.lastMessage(db, rows[i].ID); err != nil {
			return nil, err
		}
		if sum.UnreadCount, err = s.unreadCount(db, rows[i].ID, userID); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *Store) participants(db *gorm.DB, chatID, exceptUserID string, now time.Time) ([]Participant, error) {
	var users []database.User
	err := db.Model(&database.User{}).
		Joins("JOIN chat_members ON chat_members.user_id = users.id").
		Where("chat_members.chat_id = ? AND chat_members.active = ? AND users.id <> ?", chatID, true, exceptUserID).
		Order("users.id ASC").
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load participants: %w", err)
	}
	out := make([]Participant, 0, len(users))
	for _, u := range users {
		out = append(out, Participant{
			UserID:      u.ID,
			Username:    u.Username,
			DisplayName: u.DisplayName,
			Avatar:      u.Avatar,
			LastSeen:    u.LastSeen,
			Online:      user.IsOnline(u.LastSeen, now),
		})
	}
	return out, nil
}

func (s *Store) lastMessage(db *gorm.DB, chatID string) (*Message, error) {
	var row database.Message
	err := db.Where("chat_id = ? AND deleted = ?", chatID, false).Order("seq DESC").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last message: %w", err)
	}
	msgs := []*Message{messageFromRow(&row)}
	if err := s.fillReadBy(db, msgs); err != nil {
		return nil, err
	}
	return msgs[0], nil
}

func (s *Store) unreadCount(db *gorm.DB, chatID, userID string) (int64, error) {
	var n int64
	err := db.Model(&database.Message{}).
		Where("chat_id = ? AND sender_id <> ? AND deleted = ?", chatID, userID, false).
		Where("NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = messages.id AND r.user_id = ?)", userID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return n, nil
}

// ListMessages returns one page of the chat's history. Page 1 holds the newest
// messages; each page is in chronological order.
func (s *Store) ListMessages(ctx context.Context, chatID, userID string, page infrastructure.Page) (*MessagePage, error) {
	ok, err := s.IsActiveMember(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, infrastructure.ErrNotMember
	}

	db := s.db.WithContext(ctx)
	var total int64
	err = db.Model(&database.Message{}).Where("chat_id = ? AND deleted = ?", chatID, false).Count(&total).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	var rows []database.Message
	err = db.Where("chat_id = ? AND deleted = ?", chatID, false).
		Order("seq DESC").
		Limit(page.Limit).Offset(page.Offset()).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	msgs := make([]*Message, len(rows))
	for i := range rows {
		msgs[len(rows)-1-i] = messageFromRow(&rows[i])
	}
	if err := s.fillReadBy(db, msgs); err != nil {
		return nil, err
	}
	return &MessagePage{
		Messages: msgs,
		Page:     page.Number,
		Limit:    page.Limit,
		Total:    total,
		HasMore:  int64(page.Offset()+len(rows)) < total,
	}, nil
}

func (s *Store) fillReadBy(db *gorm.DB, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	byID := make(map[string]*Message, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		byID[m.ID] = m
	}
	var reads []database.MessageRead
	err := db.Where("message_id IN ?", ids).Order("read_at ASC").Order("user_id ASC").Find(&reads).Error
	if err != nil {
		return fmt.Errorf("failed to load read receipts: %w", err)
	}
	for _, r := range reads {
		m := byID[r.MessageID]
		m.ReadBy = append(m.ReadBy, r.UserID)
	}
	return nil
}
