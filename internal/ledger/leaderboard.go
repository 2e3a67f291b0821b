package ledger

import (
	"context"
	"fmt"
	"time"

	"pulse/infrastructure"
	"pulse/internal/database"
)

const defaultLeaderboardLimit = 50

// Scope selects what a leaderboard ranks: current balances, or points earned
// inside the half-open window [Start, End).
type Scope struct {
	Start time.Time
	End   time.Time
}

var ScopeAll = Scope{}

func Window(start, end time.Time) Scope {
	return Scope{Start: start, End: end}
}

func (s Scope) IsAll() bool {
	return s.Start.IsZero() && s.End.IsZero()
}

// NamedScope resolves "all", "week" and "month" relative to now.
func NamedScope(name string, now time.Time) (Scope, error) {
	switch name {
	case "", "all":
		return ScopeAll, nil
	case "week":
		return Window(now.AddDate(0, 0, -7), now), nil
	case "month":
		return Window(now.AddDate(0, 0, -30), now), nil
	default:
		return Scope{}, infrastructure.Validationf("unknown leaderboard scope %q", name)
	}
}

type leaderboardRow struct {
	UserID      string
	Username    string
	DisplayName string
	Tier        string
	Points      int64
}

// Leaderboard ranks active users. Ties are broken by ascending user id.
func (s *Service) Leaderboard(ctx context.Context, scope Scope, limit int) ([]LeaderboardEntry, error) {
	limit = infrastructure.NewPage(1, limit, defaultLeaderboardLimit).Limit

	var rows []leaderboardRow
	db := s.db.WithContext(ctx)
	if scope.IsAll() {
		err := db.Model(&database.User{}).
			Select("id AS user_id, username, display_name, tier, balance AS points").
			Where("active = ?", true).
			Order("balance DESC").Order("id ASC").
			Limit(limit).
			Scan(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("failed to load leaderboard: %w", err)
		}
	} else {
		if !scope.Start.Before(scope.End) {
			return nil, infrastructure.Validationf("window start must be before end")
		}
		err := db.Table("points_transactions AS t").
			Select("u.id AS user_id, u.username, u.display_name, u.tier, SUM(t.amount) AS points").
			Joins("JOIN users AS u ON u.id = t.user_id").
			Where("t.kind = ? AND t.status = ?", KindEarned, StatusCompleted).
			Where("t.created_at >= ? AND t.created_at < ?", scope.Start.UTC(), scope.End.UTC()).
			Where("u.active = ?", true).
			Group("u.id, u.username, u.display_name, u.tier").
			Order("points DESC").Order("u.id ASC").
			Limit(limit).
			Scan(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("failed to load leaderboard: %w", err)
		}
	}

	out := make([]LeaderboardEntry, 0, len(rows))
	for i, r := range rows {
		out = append(out, LeaderboardEntry{
			Rank:        i + 1,
			UserID:      r.UserID,
			Username:    r.Username,
			DisplayName: r.DisplayName,
			Points:      r.Points,
			Tier:        Tier(r.Tier),
		})
	}
	return out, nil
}
