package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"pulse/infrastructure"
	"pulse/internal/database"
)

// Repository is the read side of the account table plus last-seen tracking.
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

func (r *Repository) GetByID(ctx context.Context, id string) (*User, error) {
	var row database.User
	err := r.db.WithContext(ctx).Where("id = ? AND active = ?", id, true).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, infrastructure.NotFoundf("user %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return fromRow(&row), nil
}

// GetMany returns the active users among ids, keyed by id.
func (r *Repository) GetMany(ctx context.Context, ids []string) (map[string]*User, error) {
	out := make(map[string]*User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []database.User
	if err := r.db.WithContext(ctx).Where("id IN ? AND active = ?", ids, true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	for i := range rows {
		out[rows[i].ID] = fromRow(&rows[i])
	}
	return out, nil
}

// TouchLastSeen records activity for the user at the given time.
func (r *Repository) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&database.User{}).
		Where("id = ?", id).
		UpdateColumn("last_seen", at).Error
	if err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	return nil
}

// Presence derives online status for ids at the current time. Unknown users
// are reported offline.
func (r *Repository) Presence(ctx context.Context, ids []string) ([]Presence, error) {
	users, err := r.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := make([]Presence, 0, len(ids))
	for _, id := range ids {
		p := Presence{UserID: id}
		if u, ok := users[id]; ok {
			p.LastSeen = u.LastSeen
			p.Online = IsOnline(u.LastSeen, now)
		}
		out = append(out, p)
	}
	return out, nil
}
