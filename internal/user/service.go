package user

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pulse/infrastructure"
	"pulse/internal/database"
	"pulse/internal/ledger"
)

type CreateUserInput struct {
	Username    string
	DisplayName string
	Balance     int64
}

// CreateUser inserts an account row with the tier of its opening balance.
// Accounts are owned by the identity subsystem; this exists for provisioning
// and tests.
func (r *Repository) CreateUser(ctx context.Context, input CreateUserInput) (*User, error) {
	username := strings.TrimSpace(input.Username)
	if len(username) < 3 || len(username) > 30 {
		return nil, infrastructure.Validationf("username must be 3-30 characters")
	}
	if input.Balance < 0 {
		return nil, infrastructure.Validationf("balance must not be negative")
	}
	displayName := input.DisplayName
	if displayName == "" {
		displayName = username
	}

	row := &database.User{
		ID:          uuid.New().String(),
		Username:    username,
		DisplayName: displayName,
		Balance:     input.Balance,
		Tier:        string(ledger.TierFor(input.Balance)),
		Active:      true,
		LastSeen:    time.Time{},
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		if infrastructure.IsUniqueViolation(err) {
			return nil, infrastructure.Conflictf("username %q is taken", username)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return fromRow(row), nil
}
