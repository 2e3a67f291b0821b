package user

import "time"

// OnlineWindow is how recent last_seen must be for a user to count as online.
const OnlineWindow = 5 * time.Minute

func IsOnline(lastSeen, now time.Time) bool {
	return !lastSeen.IsZero() && now.Sub(lastSeen) < OnlineWindow
}
