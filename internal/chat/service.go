package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"pulse/infrastructure"
	"pulse/internal/database"
	"pulse/internal/ledger"
)

// Transferer moves points inside a caller-owned transaction.
type Transferer interface {
	TransferTx(tx *gorm.DB, in ledger.TransferInput) (*ledger.TransferResult, error)
}

// Store is the durable side of messaging: chats, memberships, messages and
// read receipts.
type Store struct {
	db     *gorm.DB
	ledger Transferer
	log    zerolog.Logger
	now    func() time.Time
}

func NewStore(db *gorm.DB, ledger Transferer, log zerolog.Logger) *Store {
	return &Store{
		db:     db,
		ledger: ledger,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// GetOrCreatePrivateChat returns the single private chat between a and b,
// creating it on first use. created reports whether this call created it.
func (s *Store) GetOrCreatePrivateChat(ctx context.Context, a, b string) (chat *Chat, created bool, err error) {
	if a == "" || b == "" {
		return nil, false, infrastructure.Validationf("both participants are required")
	}
	if a == b {
		return nil, false, infrastructure.Validationf("cannot start a chat with yourself")
	}
	if err := s.requireActiveUsers(s.db.WithContext(ctx), []string{a, b}, infrastructure.ErrNotFound); err != nil {
		return nil, false, err
	}

	key := pairKey(a, b)
	if existing, err := s.chatByPairKey(ctx, key); err != nil || existing != nil {
		return existing, false, err
	}

	at := s.now()
	row := &database.Chat{
		ID:           uuid.New().String(),
		Kind:         string(KindPrivate),
		PairKey:      &key,
		CreatedBy:    a,
		LastActivity: at,
		Active:       true,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
	members := []*database.Membership{
		{ChatID: row.ID, UserID: a, Role: string(RoleMember), Active: true, JoinedAt: at},
		{ChatID: row.ID, UserID: b, Role: string(RoleMember), Active: true, JoinedAt: at},
	}
	err = infrastructure.WithTransaction(ctx, s.db, func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		return tx.Create(members).Error
	})
	if infrastructure.IsUniqueViolation(err) {
		existing, err := s.chatByPairKey(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("private chat %s vanished after conflict", key)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create private chat: %w", err)
	}

	s.log.Info().Str("chat_id", row.ID).Msg("private chat created")
	out := chatFromRow(row)
	out.Members = membersFromRows(members)
	return out, true, nil
}

func (s *Store) chatByPairKey(ctx context.Context, key string) (*Chat, error) {
	var row database.Chat
	err := s.db.WithContext(ctx).Where("pair_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chat: %w", err)
	}
	out := chatFromRow(&row)
	if out.Members, err = s.activeMembers(s.db.WithContext(ctx), row.ID); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateGroupChat creates a group with the creator as its admin.
func (s *Store) CreateGroupChat(ctx context.Context, in GroupInput) (*Chat, error) {
	name := strings.TrimSpace(in.Name)
	if n := len([]rune(name)); n == 0 || n > MaxGroupNameLength {
		return nil, infrastructure.Validationf("group name must be 1-%d characters", MaxGroupNameLength)
	}
	if len([]rune(in.Description)) > MaxDescriptionLength {
		return nil, infrastructure.Validationf("description must be at most %d characters", MaxDescriptionLength)
	}
	if in.CreatorID == "" {
		return nil, infrastructure.Validationf("creator is required")
	}

	ids := []string{in.CreatorID}
	seen := map[string]bool{in.CreatorID: true}
	for _, id := range in.MemberIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) < 2 {
		return nil, infrastructure.Validationf("a group needs at least one other participant")
	}

	at := s.now()
	row := &database.Chat{
		ID:           uuid.New().String(),
		Kind:         string(KindGroup),
		Name:         name,
		Description:  in.Description,
		CreatedBy:    in.CreatorID,
		LastActivity: at,
		Active:       true,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
	members := make([]*database.Membership, 0, len(ids))
	for _, id := range ids {
		role := RoleMember
		if id == in.CreatorID {
			role = RoleAdmin
		}
		members = append(members, &database.Membership{ChatID: row.ID, UserID: id, Role: string(role), Active: true, JoinedAt: at})
	}

	err := infrastructure.WithTransaction(ctx, s.db, func(tx *gorm.DB) error {
		if err := s.requireActiveUsers(tx, ids, infrastructure.ErrValidation); err != nil {
			return err
		}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("failed to create chat: %w", err)
		}
		if err := tx.Create(members).Error; err != nil {
			return fmt.Errorf("failed to add members: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("chat_id", row.ID).Int("members", len(ids)).Msg("group chat created")
	out := chatFromRow(row)
	out.Members = membersFromRows(members)
	return out, nil
}

// SendMessage persists a message with the next sequence number of its chat.
// Points messages run the transfer in the same transaction.
func (s *Store) SendMessage(ctx context.Context, in SendInput) (*Message, error) {
	content := strings.TrimSpace(in.Content)
	if n := len([]rune(content)); n == 0 || n > MaxContentLength {
		return nil, infrastructure.Validationf("content must be 1-%d characters", MaxContentLength)
	}
	if in.Kind == "" {
		in.Kind = MessageText
	}
	if in.Payload == nil {
		in.Payload = TextPayload{}
	}
	if !in.Payload.accepts(in.Kind) {
		return nil, infrastructure.Validationf("payload does not match message type %q", in.Kind)
	}
	if err := in.Payload.validate(); err != nil {
		return nil, err
	}

	var out *Message
	err := infrastructure.WithTransaction(ctx, s.db, func(tx *gorm.DB) error {
		chat, err := lockChat(tx, in.ChatID)
		if err != nil {
			return err
		}
		if !chat.Active {
			return infrastructure.Statef("chat %s is not active", chat.ID)
		}
		if err := requireMember(tx, chat.ID, in.SenderID); err != nil {
			return err
		}

		at := s.now()
		row := &database.Message{
			ID:        uuid.New().String(),
			ChatID:    chat.ID,
			Seq:       chat.LastSeq + 1,
			SenderID:  in.SenderID,
			Content:   content,
			Kind:      string(in.Kind),
			CreatedAt: at,
		}
		switch p := in.Payload.(type) {
		case MediaPayload:
			row.MediaURL = &p.URL
		case StickerPayload:
			row.StickerID = &p.StickerID
		case PointsPayload:
			recipient, err := s.pointsRecipient(tx, chat, in.SenderID, p)
			if err != nil {
				return err
			}
			res, err := s.ledger.TransferTx(tx, ledger.TransferInput{
				SenderID:    in.SenderID,
				RecipientID: recipient,
				Amount:      p.Amount,
				Note:        "Points sent in chat",
			})
			if err != nil {
				return err
			}
			row.PointsAmount = &p.Amount
			row.TransactionID = &res.Sent.ID
		}

		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("failed to store message: %w", err)
		}
		err = tx.Model(&database.Chat{}).Where("id = ?", chat.ID).Updates(map[string]any{
			"last_seq":      row.Seq,
			"last_activity": at,
		}).Error
		if err != nil {
			return fmt.Errorf("failed to update chat: %w", err)
		}
		out = messageFromRow(row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// pointsRecipient is the other member of a private chat, or the payload's
// recipient when it is an active member of the group.
func (s *Store) pointsRecipient(tx *gorm.DB, chat *database.Chat, senderID string, p PointsPayload) (string, error) {
	if ChatKind(chat.Kind) == KindPrivate {
		var other database.Membership
		err := tx.Where("chat_id = ? AND user_id <> ? AND active = ?", chat.ID, senderID, true).Take(&other).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", infrastructure.Statef("chat %s has no recipient", chat.ID)
		}
		if err != nil {
			return "", fmt.Errorf("failed to load recipient: %w", err)
		}
		return other.UserID, nil
	}
	if p.RecipientID == "" {
		return "", infrastructure.Validationf("recipient_id is required for points in a group")
	}
	if err := requireMember(tx, chat.ID, p.RecipientID); err != nil {
		return "", infrastructure.Statef("recipient %s is not an active member", p.RecipientID)
	}
	return p.RecipientID, nil
}

// MarkRead adds userID to read_by of every message in the chat sent by someone
// else and returns how many messages were newly marked.
func (s *Store) MarkRead(ctx context.Context, chatID, userID string) (int64, error) {
	ok, err := s.IsActiveMember(ctx, chatID, userID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, infrastructure.ErrNotMember
	}
	res := s.db.WithContext(ctx).Exec(`
		INSERT INTO message_reads (message_id, user_id, read_at)
		SELECT id, ?, ? FROM messages
		WHERE chat_id = ? AND sender_id <> ? AND deleted = ?
		ON CONFLICT DO NOTHING`,
		userID, s.now(), chatID, userID, false)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// LeaveGroup removes the user from a group. When the last admin leaves, the
// longest-standing remaining member is promoted; when nobody remains the chat
// is deactivated.
func (s *Store) LeaveGroup(ctx context.Context, chatID, userID string) (*LeaveResult, error) {
	res := &LeaveResult{}
	err := infrastructure.WithTransaction(ctx, s.db, func(tx *gorm.DB) error {
		*res = LeaveResult{}
		chat, err := lockChat(tx, chatID)
		if err != nil {
			return err
		}
		if ChatKind(chat.Kind) != KindGroup {
			return infrastructure.Statef("only group chats can be left")
		}

		var member database.Membership
		err = tx.Where("chat_id = ? AND user_id = ? AND active = ?", chatID, userID, true).Take(&member).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return infrastructure.ErrNotMember
		}
		if err != nil {
			return fmt.Errorf("failed to load membership: %w", err)
		}

		at := s.now()
		err = tx.Model(&database.Membership{}).
			Where("chat_id = ? AND user_id = ?", chatID, userID).
			Updates(map[string]any{"active": false, "left_at": at}).Error
		if err != nil {
			return fmt.Errorf("failed to leave chat: %w", err)
		}

		var remaining []database.Membership
		err = tx.Where("chat_id = ? AND active = ?", chatID, true).
			Order("joined_at ASC").Order("user_id ASC").
			Find(&remaining).Error
		if err != nil {
			return fmt.Errorf("failed to load members: %w", err)
		}

		if len(remaining) == 0 {
			err := tx.Model(&database.Chat{}).Where("id = ?", chatID).Updates(map[string]any{
				"active":        false,
				"last_activity": at,
			}).Error
			if err != nil {
				return fmt.Errorf("failed to deactivate chat: %w", err)
			}
			res.ChatDeactivated = true
			return nil
		}

		if Role(member.Role) != RoleAdmin {
			return nil
		}
		for _, m := range remaining {
			if Role(m.Role) == RoleAdmin {
				return nil
			}
		}
		heir := remaining[0].UserID
		err = tx.Model(&database.Membership{}).
			Where("chat_id = ? AND user_id = ?", chatID, heir).
			Update("role", string(RoleAdmin)).Error
		if err != nil {
			return fmt.Errorf("failed to promote member: %w", err)
		}
		res.PromotedUserID = heir
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("chat_id", chatID).
		Str("user_id", userID).
		Str("promoted", res.PromotedUserID).
		Bool("deactivated", res.ChatDeactivated).
		Msg("member left group")
	return res, nil
}

// DeleteMessage soft-deletes a message. Only its sender may delete it.
func (s *Store) DeleteMessage(ctx context.Context, chatID, messageID, userID string) error {
	var row database.Message
	err := s.db.WithContext(ctx).
		Where("id = ? AND chat_id = ? AND deleted = ?", messageID, chatID, false).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return infrastructure.NotFoundf("message %s", messageID)
	}
	if err != nil {
		return fmt.Errorf("failed to load message: %w", err)
	}
	if row.SenderID != userID {
		return infrastructure.Statef("only the sender can delete a message")
	}
	err = s.db.WithContext(ctx).Model(&database.Message{}).
		Where("id = ?", messageID).
		Updates(map[string]any{"deleted": true, "deleted_at": s.now()}).Error
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}
