package realtime

import (
	"context"
	"time"

	"github.com/google/wire"
	"github.com/rs/zerolog"

	"pulse/config"
	"pulse/internal/auth"
	"pulse/internal/cache"
	"pulse/internal/chat"
	"pulse/internal/logging"
	"pulse/internal/metrics"
	"pulse/internal/notifications"
	"pulse/internal/user"
)

// ProvideBus connects to Redis when REDIS_ADDR is set; a single instance runs
// without a bus.
func ProvideBus(cfg *config.Config) (Bus, func(), error) {
	if cfg.RedisAddr == "" {
		return LocalBus{}, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bus, err := cache.NewRedisBus(ctx, cfg.RedisAddr, cfg.RedisPassword, cache.DefaultChannel)
	if err != nil {
		return nil, nil, err
	}
	return bus, func() { _ = bus.Close() }, nil
}

func ProvideGateway(
	verifier auth.TokenVerifier,
	chats *chat.Store,
	users *user.Repository,
	notifier notifications.Notifier,
	bus Bus,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Gateway {
	return NewGateway(verifier, chats, users, notifier, bus, m, logging.ForComponent(log, "realtime"), DefaultOptions())
}

var Set = wire.NewSet(
	ProvideBus,
	ProvideGateway,
	wire.Bind(new(chat.Publisher), new(*Gateway)),
)
